package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Contributor handles the plain sample screens: the user answers the
// current sample with new content, which is created upstream before the
// cursor moves on.
type Contributor struct {
	cursor    *Cursor
	store     ContributionStore
	onCreated func(ctx context.Context, item WorkItem, contributionID string)

	mu         sync.Mutex
	draftItem  string
	draft      Content
	submitting bool
}

// NewContributor wires a contributor onto cursor.
func NewContributor(cursor *Cursor, store ContributionStore) *Contributor {
	c := &Contributor{cursor: cursor, store: store}
	cursor.OnClear(c.clear)
	return c
}

// OnCreated registers fn to run after every successful contribution.
func (c *Contributor) OnCreated(fn func(ctx context.Context, item WorkItem, contributionID string)) {
	c.onCreated = fn
}

// Draft returns the content kept for the current sample.
func (c *Contributor) Draft() (Content, bool) {
	item, ok := c.cursor.Current()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok || c.draftItem != item.ID || c.draft.Empty() {
		return Content{}, false
	}
	return c.draft, true
}

// Busy reports whether a contribution is being created.
func (c *Contributor) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitting
}

// Contribute captures content from src (nil reuses the kept draft) and
// creates a contribution for the current sample. The draft survives a
// failed create so the user does not have to record or type it again.
func (c *Contributor) Contribute(ctx context.Context, src ContentSource) (string, error) {
	item, ok := c.cursor.Current()
	if !ok {
		return "", ErrNoCurrentItem
	}

	c.mu.Lock()
	if c.submitting {
		c.mu.Unlock()
		return "", ErrSubmitting
	}
	if c.draftItem != item.ID {
		c.draftItem = item.ID
		c.draft = Content{}
	}
	c.submitting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
	}()

	if src != nil {
		content, err := src.Capture(ctx)
		if err != nil {
			return "", fmt.Errorf("capture contribution: %w", err)
		}
		if !content.Empty() {
			c.mu.Lock()
			c.draft = content
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	content := c.draft
	c.mu.Unlock()
	if content.Empty() {
		return "", &ValidationError{Field: "content", Reason: "no contribution content"}
	}

	sampleID := item.Payload.SampleID
	if sampleID == "" {
		sampleID = item.ID
	}
	id, err := c.store.CreateContribution(ctx, NewContribution{
		SampleID:   sampleID,
		LanguageID: item.LanguageID,
		Kind:       item.Kind,
		Content:    content,
	})
	if err == nil && id == "" {
		err = errors.New("empty contribution id")
	}
	if err != nil {
		return "", &SubmissionError{Op: "contribution", Err: err}
	}

	if c.onCreated != nil {
		c.onCreated(ctx, item, id)
	}
	c.cursor.AdvanceFrom(item.ID)
	return id, nil
}

func (c *Contributor) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draftItem = ""
	c.draft = Content{}
}
