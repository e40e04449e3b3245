package work

import (
	"context"
	"sync"
)

// Vote is the body sent to the comparison-vote endpoint.
type Vote struct {
	PairID                  string   `json:"pairId"`
	SelectedContributionIDs []string `json:"selected_contribution_ids"`
	ContributionType        Kind     `json:"contribution_type"`
	LanguageID              string   `json:"language_id"`
}

// Voter posts standalone comparison votes.
type Voter interface {
	Vote(ctx context.Context, v Vote) error
}

// Comparer runs the standalone comparison screen: every buffered item is a
// pair, and a choice is voted directly with no evaluation step after it.
type Comparer struct {
	cursor  *Cursor
	ab      *ABController
	voter   Voter
	onVoted func(ctx context.Context, item WorkItem, v Vote)

	mu         sync.Mutex
	submitting bool
}

// NewComparer wires a comparer onto cursor.
func NewComparer(cursor *Cursor, ab *ABController, voter Voter) *Comparer {
	cursor.OnClear(ab.Reset)
	return &Comparer{cursor: cursor, ab: ab, voter: voter}
}

// OnVoted registers fn to run after every successful vote.
func (c *Comparer) OnVoted(fn func(ctx context.Context, item WorkItem, v Vote)) {
	c.onVoted = fn
}

// Open returns the comparison for the current pair, constructing it on
// first use. Repeated calls return the same presentation order.
func (c *Comparer) Open(ctx context.Context) (ABTestAssignment, WorkItem, error) {
	item, ok := c.cursor.Current()
	if !ok {
		return ABTestAssignment{}, WorkItem{}, ErrNoCurrentItem
	}
	item.RequiresComparison = true
	a, err := c.ab.Begin(ctx, item)
	return a, item, err
}

// Choose votes for a, b or same and advances on success. On failure the
// comparison stays open, unchanged.
func (c *Comparer) Choose(ctx context.Context, choice ABChoice) error {
	if !choice.Valid() {
		return &ValidationError{Field: "choice", Reason: "must be a, b or same"}
	}
	return c.submit(ctx, choice)
}

// Abandon votes with no selection and moves on to the next pair.
func (c *Comparer) Abandon(ctx context.Context) error {
	return c.submit(ctx, "")
}

// Busy reports whether a vote is in flight.
func (c *Comparer) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitting
}

func (c *Comparer) submit(ctx context.Context, choice ABChoice) error {
	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return ErrSubmitting
	}
	c.submitting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	a, item, err := c.Open(ctx)
	if err != nil {
		return err
	}
	v := Vote{
		PairID:                  a.PairID,
		SelectedContributionIDs: a.Selection(choice),
		ContributionType:        item.Kind,
		LanguageID:              item.LanguageID,
	}
	if err := c.voter.Vote(ctx, v); err != nil {
		return &SubmissionError{Op: "vote", Err: err}
	}
	if choice != "" {
		_, _ = c.ab.Resolve(choice)
	}
	if c.onVoted != nil {
		c.onVoted(ctx, item, v)
	}
	c.cursor.AdvanceFrom(item.ID)
	return nil
}
