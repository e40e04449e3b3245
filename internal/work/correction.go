package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNoRecording is returned when a recorder stream ends without audio.
var ErrNoRecording = errors.New("recorder finished without audio")

// NewContribution is a contribution to create upstream, either a fresh
// answer to a sample or a correction of an existing contribution.
type NewContribution struct {
	SampleID   string
	LanguageID string
	Kind       Kind
	Content    Content
	Correction bool
}

// ContributionStore creates contributions and returns their ids.
type ContributionStore interface {
	CreateContribution(ctx context.Context, c NewContribution) (string, error)
}

// ContentSource produces corrected or contributed content: a text editor,
// a recorder, or content already uploaded by the client.
type ContentSource interface {
	Capture(ctx context.Context) (Content, error)
}

// StaticContent is content that has already been captured.
type StaticContent Content

func (s StaticContent) Capture(context.Context) (Content, error) {
	return Content(s), nil
}

// RecorderEvent is one status update from a recorder. The final event
// carries the audio.
type RecorderEvent struct {
	Status   string
	Audio    []byte
	MimeType string
	Duration time.Duration
	Err      error
}

// Recorder captures audio as a stream of events ending in a blob.
type Recorder interface {
	Record(ctx context.Context) (<-chan RecorderEvent, error)
	Reset()
}

// RecorderSource adapts a Recorder to a ContentSource.
type RecorderSource struct {
	Recorder Recorder
}

func (r RecorderSource) Capture(ctx context.Context) (Content, error) {
	events, err := r.Recorder.Record(ctx)
	if err != nil {
		return Content{}, err
	}
	var last RecorderEvent
	for {
		select {
		case <-ctx.Done():
			r.Recorder.Reset()
			return Content{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if len(last.Audio) == 0 {
					return Content{}, ErrNoRecording
				}
				return Content{Audio: last.Audio, MimeType: last.MimeType, Duration: last.Duration}, nil
			}
			if ev.Err != nil {
				r.Recorder.Reset()
				return Content{}, ev.Err
			}
			if len(ev.Audio) > 0 {
				last = ev
			}
		}
	}
}

// Correction is the replacement authored after a "wrong" verdict.
type Correction struct {
	SourceContributionID string  `json:"sourceContributionId"`
	Content              Content `json:"content"`
	CorrectionID         string  `json:"correctionId,omitempty"`
}

// CorrectionPipeline keeps the correction draft for the current item and
// persists it before the verdict is sent. A failed persist keeps the draft.
type CorrectionPipeline struct {
	store ContributionStore

	mu    sync.Mutex
	draft *Correction
}

// NewCorrectionPipeline creates a pipeline writing to store.
func NewCorrectionPipeline(store ContributionStore) *CorrectionPipeline {
	return &CorrectionPipeline{store: store}
}

// Start opens a fresh draft for sourceID unless one for it is already open.
func (p *CorrectionPipeline) Start(sourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft != nil && p.draft.SourceContributionID == sourceID {
		return
	}
	p.draft = &Correction{SourceContributionID: sourceID}
}

// Capture pulls content from src into the draft. A nil src keeps whatever
// the draft already holds.
func (p *CorrectionPipeline) Capture(ctx context.Context, src ContentSource) error {
	if src == nil {
		return nil
	}
	content, err := src.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture correction: %w", err)
	}
	if content.Empty() {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft == nil {
		return ErrIllegalTransition
	}
	p.draft.Content = content
	p.draft.CorrectionID = ""
	return nil
}

// Draft returns a copy of the open draft.
func (p *CorrectionPipeline) Draft() (Correction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft == nil {
		return Correction{}, false
	}
	return *p.draft, true
}

// Persist creates the correction upstream and returns its id. A draft that
// already has an id is not sent again.
func (p *CorrectionPipeline) Persist(ctx context.Context, languageID string, kind Kind) (string, error) {
	p.mu.Lock()
	if p.draft == nil {
		p.mu.Unlock()
		return "", &ValidationError{Field: "correction", Reason: "no correction in progress"}
	}
	if p.draft.CorrectionID != "" {
		id := p.draft.CorrectionID
		p.mu.Unlock()
		return id, nil
	}
	if p.draft.Content.Empty() {
		p.mu.Unlock()
		return "", &ValidationError{Field: "correction", Reason: "no correction content"}
	}
	req := NewContribution{
		SampleID:   p.draft.SourceContributionID,
		LanguageID: languageID,
		Kind:       kind,
		Content:    p.draft.Content,
		Correction: true,
	}
	p.mu.Unlock()

	id, err := p.store.CreateContribution(ctx, req)
	if err != nil {
		return "", &SubmissionError{Op: "correction", Err: err}
	}
	if id == "" {
		return "", &SubmissionError{Op: "correction", Err: errors.New("empty correction id")}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.draft != nil && p.draft.SourceContributionID == req.SampleID {
		p.draft.CorrectionID = id
	}
	return id, nil
}

// Discard drops the draft.
func (p *CorrectionPipeline) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.draft = nil
}
