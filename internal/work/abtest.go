package work

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
)

// ErrComparisonUnavailable means an item asked for a comparison but neither
// embedded candidates nor a pair source could supply one.
var ErrComparisonUnavailable = errors.New("comparison candidates unavailable")

// ABChoice is the user's pick in a pairwise comparison.
type ABChoice string

const (
	ChoiceA    ABChoice = "a"
	ChoiceB    ABChoice = "b"
	ChoiceSame ABChoice = "same"
)

// Valid reports whether c is a recognised choice.
func (c ABChoice) Valid() bool {
	return c == ChoiceA || c == ChoiceB || c == ChoiceSame
}

// ABOption is one side of a comparison.
type ABOption struct {
	ContributionID string `json:"contributionId"`
	Text           string `json:"text,omitempty"`
	AudioURL       string `json:"audioUrl,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
}

func optionFrom(ref ContributionRef) ABOption {
	return ABOption{
		ContributionID: ref.ID,
		Text:           ref.Text,
		AudioURL:       ref.AudioURL,
		ImageURL:       ref.ImageURL,
	}
}

// ABTestAssignment is a pairwise comparison. AShownFirst is rolled once at
// construction and never changes for the life of the assignment.
type ABTestAssignment struct {
	PairID      string   `json:"pairId"`
	ItemID      string   `json:"itemId"`
	OptionA     ABOption `json:"optionA"`
	OptionB     ABOption `json:"optionB"`
	AShownFirst bool     `json:"aShownFirst"`
	StageNumber int      `json:"stageNumber"`
}

// Presented returns the options in display order.
func (a ABTestAssignment) Presented() [2]ABOption {
	if a.AShownFirst {
		return [2]ABOption{a.OptionA, a.OptionB}
	}
	return [2]ABOption{a.OptionB, a.OptionA}
}

// Selection maps a choice onto the contribution ids sent with a vote: one id
// for a or b, both for same, none for an abandoned comparison.
func (a ABTestAssignment) Selection(choice ABChoice) []string {
	switch choice {
	case ChoiceA:
		return []string{a.OptionA.ContributionID}
	case ChoiceB:
		return []string{a.OptionB.ContributionID}
	case ChoiceSame:
		return []string{a.OptionA.ContributionID, a.OptionB.ContributionID}
	default:
		return []string{}
	}
}

// PairSource fetches a comparison pair for an item that does not embed both
// candidates.
type PairSource interface {
	FetchPair(ctx context.Context, item WorkItem) (ABTestAssignment, error)
}

// ABController runs the comparison sub-workflow for the current item and
// holds its outcome until the evaluation verdict is submitted.
type ABController struct {
	pairs PairSource
	coin  func() bool

	mu       sync.Mutex
	active   *ABTestAssignment
	itemID   string
	resolved bool
	outcome  ABChoice
	// gen changes on every Resolve and Reset; a Begin that started under an
	// older gen must not install its assignment.
	gen uint64
}

// NewABController creates a controller. pairs may be nil; coin decides
// AShownFirst and defaults to a fair random flip.
func NewABController(pairs PairSource, coin func() bool) *ABController {
	if coin == nil {
		coin = func() bool { return rand.IntN(2) == 0 }
	}
	return &ABController{pairs: pairs, coin: coin}
}

// Begin opens (or returns the already open) comparison for item. A Begin
// overtaken by a Resolve or Reset while it was fetching the pair returns
// whatever is open by then, or ErrNoComparison.
func (c *ABController) Begin(ctx context.Context, item WorkItem) (ABTestAssignment, error) {
	if !item.RequiresComparison {
		return ABTestAssignment{}, ErrNoComparison
	}

	c.mu.Lock()
	gen := c.gen
	if c.itemID == item.ID {
		if c.active != nil {
			a := *c.active
			c.mu.Unlock()
			return a, nil
		}
		if c.resolved {
			c.mu.Unlock()
			return ABTestAssignment{}, ErrNoComparison
		}
	}
	c.mu.Unlock()

	a, err := c.construct(ctx, item)
	if err != nil {
		return ABTestAssignment{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.itemID == item.ID && c.active != nil {
		return *c.active, nil
	}
	if c.gen != gen {
		return ABTestAssignment{}, ErrNoComparison
	}
	a.AShownFirst = c.coin()
	c.active = &a
	c.itemID = item.ID
	c.resolved = false
	c.outcome = ""
	return a, nil
}

func (c *ABController) construct(ctx context.Context, item WorkItem) (ABTestAssignment, error) {
	stage := item.Stage
	if stage < 1 {
		stage = 1
	}
	a, okA := item.Candidate(RoleA)
	b, okB := item.Candidate(RoleB)
	if okA && okB {
		return ABTestAssignment{
			PairID:      item.ID,
			ItemID:      item.ID,
			OptionA:     optionFrom(a),
			OptionB:     optionFrom(b),
			StageNumber: stage,
		}, nil
	}
	if c.pairs == nil {
		return ABTestAssignment{}, ErrComparisonUnavailable
	}
	pair, err := c.pairs.FetchPair(ctx, item)
	if err != nil {
		return ABTestAssignment{}, &TransientFetchError{Err: err}
	}
	pair.ItemID = item.ID
	if pair.StageNumber < 1 {
		pair.StageNumber = stage
	}
	return pair, nil
}

// Active returns the open comparison, if any.
func (c *ABController) Active() (ABTestAssignment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ABTestAssignment{}, false
	}
	return *c.active, true
}

// Pending reports whether item still needs its comparison resolved before
// a verdict can be given.
func (c *ABController) Pending(item WorkItem) bool {
	if !item.RequiresComparison {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !(c.resolved && c.itemID == item.ID)
}

// Resolve records the user's choice and closes the comparison. It does not
// advance anything; the caller returns to the evaluation of the same item.
func (c *ABController) Resolve(choice ABChoice) (ABTestAssignment, error) {
	if !choice.Valid() {
		return ABTestAssignment{}, &ValidationError{Field: "choice", Reason: "must be a, b or same"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ABTestAssignment{}, ErrNoComparison
	}
	a := *c.active
	c.active = nil
	c.resolved = true
	c.outcome = choice
	c.gen++
	return a, nil
}

// Decision returns the winner to attach to the verdict. A "same" outcome
// carries no winner.
func (c *ABController) Decision(itemID string) (ABChoice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resolved || c.itemID != itemID {
		return "", false
	}
	if c.outcome == ChoiceA || c.outcome == ChoiceB {
		return c.outcome, true
	}
	return "", false
}

// Outcome returns the raw recorded choice for itemID, including same.
func (c *ABController) Outcome(itemID string) (ABChoice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.resolved || c.itemID != itemID {
		return "", false
	}
	return c.outcome, true
}

// Reset discards any comparison state.
func (c *ABController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = nil
	c.itemID = ""
	c.resolved = false
	c.outcome = ""
	c.gen++
}
