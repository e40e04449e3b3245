package work

import (
	"context"
	"log"
	"time"
)

// Upstream bundles the remote collaborators a session talks to.
type Upstream struct {
	Source        Source
	Steps         StepSubmitter
	Votes         Voter
	Contributions ContributionStore
	Pairs         PairSource
}

// Profile configures one kind of screen.
type Profile struct {
	Name       string
	Mode       Mode
	Buffer     BufferConfig
	MinLoading time.Duration
}

// JournalEntry describes one successful submission.
type JournalEntry struct {
	SessionID string
	Action    string
	Subject   Subject
	ItemID    string
	Payload   any
}

// Journal records successful submissions. Failures are logged, never
// surfaced to the user.
type Journal interface {
	Record(ctx context.Context, e JournalEntry) error
}

// Option customises a Session.
type Option func(*Session)

// WithJournal records every successful submission into j.
func WithJournal(j Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithCoin overrides the AShownFirst flip.
func WithCoin(coin func() bool) Option {
	return func(s *Session) { s.coin = coin }
}

// WithEventCapacity bounds the session event log.
func WithEventCapacity(n int) Option {
	return func(s *Session) { s.eventCap = n }
}

// Session is one screen instance: a buffer, its cursor, and the verdict,
// comparison or contribution flow that consumes it.
type Session struct {
	ID      string
	Profile Profile

	bus         *EventBus
	gate        *Gate
	buffer      *Buffer
	cursor      *Cursor
	ab          *ABController
	evaluator   *Evaluator
	comparer    *Comparer
	contributor *Contributor

	journal  Journal
	coin     func() bool
	eventCap int
}

// Snapshot is what the client renders.
type Snapshot struct {
	ID                string            `json:"id"`
	Screen            string            `json:"screen"`
	Mode              Mode              `json:"mode"`
	Loading           bool              `json:"loading"`
	Buffer            BufferState       `json:"buffer"`
	Current           *WorkItem         `json:"current,omitempty"`
	Validation        *ValidationView   `json:"validation,omitempty"`
	Comparison        *ABTestAssignment `json:"comparison,omitempty"`
	ComparisonOutcome ABChoice          `json:"comparisonOutcome,omitempty"`
	Presented         []ABOption        `json:"presented,omitempty"`
	Draft             *Content          `json:"draft,omitempty"`
	LastSeq           int64             `json:"lastSeq"`
}

// NewSession assembles a session for profile. No fetch happens until a
// subject is set.
func NewSession(id string, profile Profile, up Upstream, opts ...Option) *Session {
	s := &Session{ID: id, Profile: profile}
	for _, opt := range opts {
		opt(s)
	}
	if profile.Mode == "" {
		s.Profile.Mode = ModeEvaluation
	}

	s.bus = NewEventBus(s.eventCap)
	s.gate = NewGate(profile.MinLoading)
	s.buffer = NewBuffer(up.Source, s.gate, profile.Buffer)
	s.cursor = NewCursor(s.buffer)
	s.ab = NewABController(up.Pairs, s.coin)

	s.gate.OnLoadingChange(func(loading bool) {
		l := loading
		s.bus.Publish(Event{SessionID: s.ID, Type: EventLoading, Loading: &l})
	})
	s.buffer.OnChange(s.bufferChanged)

	switch s.Profile.Mode {
	case ModeEvaluation:
		s.evaluator = NewEvaluator(s.cursor, s.ab, NewCorrectionPipeline(up.Contributions), up.Steps)
		s.evaluator.OnStatus(func(v ValidationView) {
			s.bus.Publish(Event{SessionID: s.ID, Type: EventStatus, Validation: &v, ItemID: v.ItemID})
		})
		s.evaluator.OnSubmitted(func(ctx context.Context, item WorkItem, data EvaluationStepSubmit) {
			s.submitted(ctx, "evaluation", item, data)
		})
	case ModeComparison:
		s.comparer = NewComparer(s.cursor, s.ab, up.Votes)
		s.comparer.OnVoted(func(ctx context.Context, item WorkItem, v Vote) {
			s.submitted(ctx, "vote", item, v)
		})
	case ModeSample:
		s.contributor = NewContributor(s.cursor, up.Contributions)
		s.contributor.OnCreated(func(ctx context.Context, item WorkItem, id string) {
			s.submitted(ctx, "contribution", item, map[string]string{"contributionId": id})
		})
	}
	return s
}

// Events exposes the session event log.
func (s *Session) Events() *EventBus { return s.bus }

// SetSubject switches what the session works on. The mode always follows
// the session profile.
func (s *Session) SetSubject(subject Subject) error {
	subject.Mode = s.Profile.Mode
	return s.buffer.SetSubject(subject)
}

// Refresh is the manual retry after an error or an empty result.
func (s *Session) Refresh(ctx context.Context) error {
	return s.buffer.Refresh(ctx)
}

// Skip moves past the current item without submitting anything. The item
// is not offered again under the same subject.
func (s *Session) Skip() (WorkItem, error) {
	if s.busy() {
		return WorkItem{}, ErrSubmitting
	}
	item, ok := s.cursor.Current()
	if !ok {
		return WorkItem{}, ErrNoCurrentItem
	}
	s.cursor.AdvanceFrom(item.ID)
	return item, nil
}

// OpenComparison returns the comparison for the current item, building it
// on first use.
func (s *Session) OpenComparison(ctx context.Context) (ABTestAssignment, error) {
	var (
		a   ABTestAssignment
		err error
	)
	switch s.Profile.Mode {
	case ModeComparison:
		a, _, err = s.comparer.Open(ctx)
	case ModeEvaluation:
		item, ok := s.cursor.Current()
		if !ok {
			return ABTestAssignment{}, ErrNoCurrentItem
		}
		a, err = s.ab.Begin(ctx, item)
	default:
		return ABTestAssignment{}, ErrWrongMode
	}
	if err == nil {
		s.bus.Publish(Event{SessionID: s.ID, Type: EventComparison, Comparison: &a, ItemID: a.ItemID})
	}
	return a, err
}

// Choose resolves the comparison. Embedded in an evaluation it only records
// the result; on the comparison screen it votes and advances.
func (s *Session) Choose(ctx context.Context, choice ABChoice) error {
	switch s.Profile.Mode {
	case ModeComparison:
		item, _ := s.cursor.Current()
		if err := s.comparer.Choose(ctx, choice); err != nil {
			return err
		}
		s.bus.Publish(Event{SessionID: s.ID, Type: EventComparison, Choice: choice, ItemID: item.ID})
		return nil
	case ModeEvaluation:
		if s.evaluator.Busy() {
			return ErrSubmitting
		}
		item, ok := s.cursor.Current()
		if !ok {
			return ErrNoCurrentItem
		}
		if _, open := s.ab.Active(); !open && s.ab.Pending(item) {
			if _, err := s.ab.Begin(ctx, item); err != nil {
				return err
			}
		}
		a, err := s.ab.Resolve(choice)
		if err != nil {
			return err
		}
		s.bus.Publish(Event{SessionID: s.ID, Type: EventComparison, Choice: choice, ItemID: a.ItemID})
		v := s.evaluator.View()
		s.bus.Publish(Event{SessionID: s.ID, Type: EventStatus, Validation: &v, ItemID: v.ItemID})
		return nil
	default:
		return ErrWrongMode
	}
}

// AbandonComparison skips the current pair on the comparison screen.
func (s *Session) AbandonComparison(ctx context.Context) error {
	if s.Profile.Mode != ModeComparison {
		return ErrWrongMode
	}
	return s.comparer.Abandon(ctx)
}

// MarkCorrect accepts the current evaluation item.
func (s *Session) MarkCorrect(ctx context.Context) error {
	if s.evaluator == nil {
		return ErrWrongMode
	}
	return s.evaluator.MarkCorrect(ctx)
}

// MarkWrong rejects the current evaluation item and opens a correction.
func (s *Session) MarkWrong() error {
	if s.evaluator == nil {
		return ErrWrongMode
	}
	return s.evaluator.MarkWrong()
}

// SubmitCorrection finishes a wrong verdict.
func (s *Session) SubmitCorrection(ctx context.Context, src ContentSource) error {
	if s.evaluator == nil {
		return ErrWrongMode
	}
	return s.evaluator.SubmitCorrection(ctx, src)
}

// Flag flags the current evaluation item.
func (s *Session) Flag(ctx context.Context, reason string) error {
	if s.evaluator == nil {
		return ErrWrongMode
	}
	return s.evaluator.Flag(ctx, reason)
}

// Cancel returns a wrong or flagged verdict to pending.
func (s *Session) Cancel() error {
	if s.evaluator == nil {
		return ErrWrongMode
	}
	return s.evaluator.Cancel()
}

// Contribute answers the current sample.
func (s *Session) Contribute(ctx context.Context, src ContentSource) (string, error) {
	if s.contributor == nil {
		return "", ErrWrongMode
	}
	return s.contributor.Contribute(ctx, src)
}

// Snapshot renders the session for the client. In evaluation mode an item
// that needs a comparison gets it built here, ahead of the verdict view.
func (s *Session) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		ID:      s.ID,
		Screen:  s.Profile.Name,
		Mode:    s.Profile.Mode,
		Loading: s.gate.Loading(),
		Buffer:  s.buffer.State(),
		LastSeq: s.bus.LastSeq(),
	}
	item, ok := s.cursor.Current()
	if !ok {
		return snap
	}
	snap.Current = &item

	switch s.Profile.Mode {
	case ModeEvaluation:
		if s.ab.Pending(item) {
			if a, err := s.ab.Begin(ctx, item); err == nil {
				snap.Comparison = &a
			} else {
				log.Printf("[Session] %s: comparison for %s unavailable: %v", s.ID, item.ID, err)
			}
		}
		if outcome, has := s.ab.Outcome(item.ID); has {
			snap.ComparisonOutcome = outcome
		}
		v := s.evaluator.View()
		snap.Validation = &v
	case ModeComparison:
		if a, _, err := s.comparer.Open(ctx); err == nil {
			snap.Comparison = &a
		}
	case ModeSample:
		if d, has := s.contributor.Draft(); has {
			d.Audio = nil
			snap.Draft = &d
		}
	}
	if snap.Comparison != nil {
		p := snap.Comparison.Presented()
		snap.Presented = p[:]
	}
	return snap
}

// Wait blocks until background fetches have returned.
func (s *Session) Wait() {
	s.buffer.Wait()
}

// Close drops the buffer and stops applying fetch results.
func (s *Session) Close() {
	s.buffer.Close()
}

func (s *Session) busy() bool {
	switch {
	case s.evaluator != nil:
		return s.evaluator.Busy()
	case s.comparer != nil:
		return s.comparer.Busy()
	case s.contributor != nil:
		return s.contributor.Busy()
	}
	return false
}

func (s *Session) bufferChanged(st BufferState) {
	s.bus.Publish(Event{SessionID: s.ID, Type: EventBuffer, Buffer: &st})
	switch {
	case st.Error != "":
		s.bus.Publish(Event{SessionID: s.ID, Type: EventError, Message: st.Error})
	case st.Exhausted:
		s.bus.Publish(Event{SessionID: s.ID, Type: EventExhausted, Message: ErrEmptyResult.Error()})
	}
}

func (s *Session) submitted(ctx context.Context, action string, item WorkItem, payload any) {
	s.bus.Publish(Event{SessionID: s.ID, Type: EventSubmitted, ItemID: item.ID, Message: action})
	if s.journal == nil {
		return
	}
	// The subject may have moved on while the submission was out; the entry
	// is labelled with what the item was fetched for.
	subject, _ := s.buffer.Subject()
	if item.LanguageID != "" && item.LanguageID != subject.LanguageID {
		subject = Subject{LanguageID: item.LanguageID, Kind: item.Kind}
	}
	err := s.journal.Record(ctx, JournalEntry{
		SessionID: s.ID,
		Action:    action,
		Subject:   subject,
		ItemID:    item.ID,
		Payload:   payload,
	})
	if err != nil {
		log.Printf("[Session] %s: failed to journal %s for %s: %v", s.ID, action, item.ID, err)
	}
}
