package work

import (
	"context"
	"strings"
	"sync"
)

// EvaluationStepSubmit is the verdict payload for one evaluation step.
type EvaluationStepSubmit struct {
	EvalDecision   bool     `json:"eval_decision"`
	RunABTest      bool     `json:"run_abtest"`
	ABTestDecision ABChoice `json:"abtest_decision,omitempty"`
	CorrectionID   string   `json:"correction_id,omitempty"`
	FlagReason     string   `json:"flag_reason,omitempty"`
}

// StepSubmission addresses a verdict to its evaluation step.
type StepSubmission struct {
	BranchID         string               `json:"branchId"`
	InstanceID       string               `json:"instanceId"`
	LanguageID       string               `json:"languageId"`
	ContributionType Kind                 `json:"contributionType"`
	Data             EvaluationStepSubmit `json:"data"`
}

// StepSubmitter posts verdicts upstream.
type StepSubmitter interface {
	SubmitStep(ctx context.Context, s StepSubmission) error
}

// ValidationView is the verdict state of the current item.
type ValidationView struct {
	ItemID            string      `json:"itemId,omitempty"`
	Status            Status      `json:"status"`
	FlagReason        string      `json:"flagReason,omitempty"`
	Submitting        bool        `json:"submitting"`
	ComparisonPending bool        `json:"comparisonPending"`
	Correction        *Correction `json:"correction,omitempty"`
}

// Evaluator drives the current item through pending -> correct | wrong |
// flagged and submits the verdict. A failed submission never advances.
type Evaluator struct {
	cursor      *Cursor
	ab          *ABController
	corrections *CorrectionPipeline
	submitter   StepSubmitter
	onSubmitted func(ctx context.Context, item WorkItem, data EvaluationStepSubmit)
	onStatus    func(ValidationView)

	mu         sync.Mutex
	itemID     string
	status     Status
	flagReason string
	submitting bool
}

// NewEvaluator wires an evaluator onto cursor. Advancing the cursor or
// changing subject resets the verdict, comparison and correction state.
func NewEvaluator(cursor *Cursor, ab *ABController, corrections *CorrectionPipeline, submitter StepSubmitter) *Evaluator {
	e := &Evaluator{
		cursor:      cursor,
		ab:          ab,
		corrections: corrections,
		submitter:   submitter,
		status:      StatusPending,
	}
	cursor.OnClear(e.reset)
	cursor.OnClear(ab.Reset)
	cursor.OnClear(corrections.Discard)
	return e
}

// OnSubmitted registers fn to run after every successful verdict.
func (e *Evaluator) OnSubmitted(fn func(ctx context.Context, item WorkItem, data EvaluationStepSubmit)) {
	e.onSubmitted = fn
}

// OnStatus registers fn to receive the view after every status change.
func (e *Evaluator) OnStatus(fn func(ValidationView)) {
	e.onStatus = fn
}

// View returns the verdict state of the current item.
func (e *Evaluator) View() ValidationView {
	item, ok := e.cursor.Current()
	e.mu.Lock()
	if ok {
		e.bindLocked(item)
	}
	v := ValidationView{
		ItemID:     e.itemID,
		Status:     e.status,
		FlagReason: e.flagReason,
		Submitting: e.submitting,
	}
	e.mu.Unlock()

	if ok {
		v.ComparisonPending = e.ab.Pending(item)
	}
	if d, has := e.corrections.Draft(); has {
		d.Content.Audio = nil
		v.Correction = &d
	}
	return v
}

// MarkCorrect accepts the current item and submits immediately.
func (e *Evaluator) MarkCorrect(ctx context.Context) error {
	item, err := e.begin(StatusCorrect)
	if err != nil {
		return err
	}
	data := EvaluationStepSubmit{EvalDecision: true}
	if d, ok := e.ab.Decision(item.ID); ok {
		data.ABTestDecision = d
	}
	if err := e.send(ctx, item, data); err != nil {
		e.fail(item, StatusPending)
		return err
	}
	e.finish(ctx, item, data)
	return nil
}

// MarkWrong rejects the current item and opens a correction draft. Nothing
// is sent until SubmitCorrection.
func (e *Evaluator) MarkWrong() error {
	item, ok := e.cursor.Current()
	if !ok {
		return ErrNoCurrentItem
	}
	e.mu.Lock()
	e.bindLocked(item)
	if e.submitting {
		e.mu.Unlock()
		return ErrSubmitting
	}
	if e.status == StatusWrong {
		e.mu.Unlock()
		return nil
	}
	if e.ab.Pending(item) {
		e.mu.Unlock()
		return ErrComparisonPending
	}
	if !isValidTransition(e.status, StatusWrong) {
		e.mu.Unlock()
		return ErrIllegalTransition
	}
	e.status = StatusWrong
	e.mu.Unlock()

	e.corrections.Start(item.SourceContributionID())
	e.emit()
	return nil
}

// SubmitCorrection captures content from src (nil reuses the kept draft),
// persists the correction, and only then submits the "wrong" verdict with
// the correction id. Any failure leaves the item in wrong with its draft.
func (e *Evaluator) SubmitCorrection(ctx context.Context, src ContentSource) error {
	item, ok := e.cursor.Current()
	if !ok {
		return ErrNoCurrentItem
	}
	e.mu.Lock()
	e.bindLocked(item)
	if e.submitting {
		e.mu.Unlock()
		return ErrSubmitting
	}
	if e.status != StatusWrong {
		e.mu.Unlock()
		return ErrIllegalTransition
	}
	e.submitting = true
	e.mu.Unlock()
	e.emit()

	if err := e.corrections.Capture(ctx, src); err != nil {
		e.fail(item, StatusWrong)
		return err
	}
	correctionID, err := e.corrections.Persist(ctx, item.LanguageID, item.Kind)
	if err != nil {
		e.fail(item, StatusWrong)
		return err
	}

	data := EvaluationStepSubmit{EvalDecision: false, RunABTest: true, CorrectionID: correctionID}
	if d, ok := e.ab.Decision(item.ID); ok {
		data.ABTestDecision = d
	}
	if err := e.send(ctx, item, data); err != nil {
		e.fail(item, StatusWrong)
		return err
	}
	e.finish(ctx, item, data)
	return nil
}

// Flag marks the current item as flagged and submits once a reason is
// known. An unresolved comparison is abandoned when the flag is accepted
// upstream; a failed flag leaves it open as it was.
func (e *Evaluator) Flag(ctx context.Context, reason string) error {
	item, ok := e.cursor.Current()
	if !ok {
		return ErrNoCurrentItem
	}
	reason = strings.TrimSpace(reason)

	e.mu.Lock()
	e.bindLocked(item)
	if e.submitting {
		e.mu.Unlock()
		return ErrSubmitting
	}
	if e.status != StatusFlagged {
		if !isValidTransition(e.status, StatusFlagged) {
			e.mu.Unlock()
			return ErrIllegalTransition
		}
		e.status = StatusFlagged
	}
	if reason != "" {
		e.flagReason = reason
	}
	if e.flagReason == "" {
		e.mu.Unlock()
		e.emit()
		return &ValidationError{Field: "reason", Reason: "a flag reason is required"}
	}
	data := EvaluationStepSubmit{FlagReason: e.flagReason}
	e.submitting = true
	e.mu.Unlock()
	e.emit()

	if err := e.send(ctx, item, data); err != nil {
		e.fail(item, StatusPending)
		return err
	}
	e.finish(ctx, item, data)
	return nil
}

// Cancel returns a wrong or flagged item to pending and drops the draft.
func (e *Evaluator) Cancel() error {
	item, ok := e.cursor.Current()
	if !ok {
		return ErrNoCurrentItem
	}
	e.mu.Lock()
	e.bindLocked(item)
	if e.submitting {
		e.mu.Unlock()
		return ErrSubmitting
	}
	if e.status == StatusPending {
		e.mu.Unlock()
		return nil
	}
	if !isValidTransition(e.status, StatusPending) {
		e.mu.Unlock()
		return ErrIllegalTransition
	}
	e.status = StatusPending
	e.flagReason = ""
	e.mu.Unlock()

	e.corrections.Discard()
	e.emit()
	return nil
}

// Busy reports whether a submission for the current item is in flight.
func (e *Evaluator) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitting
}

func (e *Evaluator) begin(to Status) (WorkItem, error) {
	item, ok := e.cursor.Current()
	if !ok {
		return WorkItem{}, ErrNoCurrentItem
	}
	e.mu.Lock()
	e.bindLocked(item)
	if e.submitting {
		e.mu.Unlock()
		return WorkItem{}, ErrSubmitting
	}
	if e.ab.Pending(item) {
		e.mu.Unlock()
		return WorkItem{}, ErrComparisonPending
	}
	if !isValidTransition(e.status, to) {
		e.mu.Unlock()
		return WorkItem{}, ErrIllegalTransition
	}
	e.status = to
	e.submitting = true
	e.mu.Unlock()
	e.emit()
	return item, nil
}

func (e *Evaluator) send(ctx context.Context, item WorkItem, data EvaluationStepSubmit) error {
	instanceID := item.InstanceID
	if instanceID == "" {
		instanceID = item.ID
	}
	err := e.submitter.SubmitStep(ctx, StepSubmission{
		BranchID:         item.BranchID,
		InstanceID:       instanceID,
		LanguageID:       item.LanguageID,
		ContributionType: item.Kind,
		Data:             data,
	})
	if err != nil {
		return &SubmissionError{Op: "evaluation", Err: err}
	}
	return nil
}

// fail reverts the item to status after a failed submission, unless the
// item was replaced while the request was out.
func (e *Evaluator) fail(item WorkItem, status Status) {
	e.mu.Lock()
	e.submitting = false
	if e.itemID == item.ID {
		e.status = status
	}
	e.mu.Unlock()
	e.emit()
}

func (e *Evaluator) finish(ctx context.Context, item WorkItem, data EvaluationStepSubmit) {
	e.mu.Lock()
	e.submitting = false
	e.mu.Unlock()
	if e.onSubmitted != nil {
		e.onSubmitted(ctx, item, data)
	}
	e.cursor.AdvanceFrom(item.ID)
	e.emit()
}

// bindLocked resets the verdict state when the current item changed.
func (e *Evaluator) bindLocked(item WorkItem) {
	if e.itemID == item.ID {
		return
	}
	e.itemID = item.ID
	e.status = StatusPending
	e.flagReason = ""
}

func (e *Evaluator) reset() {
	e.mu.Lock()
	e.itemID = ""
	e.status = StatusPending
	e.flagReason = ""
	e.mu.Unlock()
}

func (e *Evaluator) emit() {
	if e.onStatus != nil {
		e.onStatus(e.View())
	}
}
