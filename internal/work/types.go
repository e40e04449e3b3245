package work

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the task type a work item belongs to.
type Kind string

const (
	KindTranscription Kind = "transcription"
	KindTranslation   Kind = "translation"
	KindAnnotation    Kind = "annotation"
)

// Valid reports whether k is one of the known task types.
func (k Kind) Valid() bool {
	switch k {
	case KindTranscription, KindTranslation, KindAnnotation:
		return true
	default:
		return false
	}
}

// Mode selects which upstream assignment a subject is fetched from.
type Mode string

const (
	ModeEvaluation Mode = "evaluation"
	ModeSample     Mode = "sample"
	ModeComparison Mode = "comparison"
)

// Subject is the fetch key for a buffer. Any field change invalidates
// the buffered items.
type Subject struct {
	Mode        Mode   `json:"mode"`
	LanguageID  string `json:"languageId"`
	Kind        Kind   `json:"kind"`
	Proficiency int    `json:"proficiencyLevel"`
	Count       int    `json:"count"`
}

// Key renders the subject as a stable string usable as a gate key.
func (s Subject) Key() string {
	return fmt.Sprintf("%s/%s/%s/%d/%d", s.Mode, s.LanguageID, s.Kind, s.Proficiency, s.Count)
}

// Validate checks the fields that must be present before any fetch.
func (s Subject) Validate() error {
	if strings.TrimSpace(s.LanguageID) == "" {
		return &ValidationError{Field: "languageId", Reason: "no language selected"}
	}
	if !s.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown task type %q", s.Kind)}
	}
	if s.Count < 1 {
		return &ValidationError{Field: "count", Reason: "must be at least 1"}
	}
	if s.Proficiency < 0 {
		return &ValidationError{Field: "proficiencyLevel", Reason: "must not be negative"}
	}
	return nil
}

// Role identifies which slot an embedded contribution occupies in a step.
type Role string

const (
	RoleSubject Role = "subject"
	RoleA       Role = "a"
	RoleB       Role = "b"
)

// ContributionRef points at one contribution embedded in a work item.
type ContributionRef struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	Text     string `json:"text,omitempty"`
	AudioURL string `json:"audioUrl,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Payload carries the task-specific content shown to the user.
type Payload struct {
	SampleID       string `json:"sampleId,omitempty"`
	ContributionID string `json:"contributionId,omitempty"`
	SourceText     string `json:"sourceText,omitempty"`
	Text           string `json:"text,omitempty"`
	AudioURL       string `json:"audioUrl,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
}

// WorkItem is one unit of evaluable or contributable content.
type WorkItem struct {
	ID                 string            `json:"id"`
	Kind               Kind              `json:"kind"`
	Payload            Payload           `json:"payload"`
	RequiresComparison bool              `json:"requiresComparison"`
	Candidates         []ContributionRef `json:"candidates,omitempty"`
	BranchID           string            `json:"branchId,omitempty"`
	InstanceID         string            `json:"instanceId,omitempty"`
	Stage              int               `json:"stage,omitempty"`
	// LanguageID is the language of the subject the item was fetched for.
	LanguageID string `json:"languageId,omitempty"`
}

// Candidate returns the embedded contribution holding role r.
func (w WorkItem) Candidate(r Role) (ContributionRef, bool) {
	for _, c := range w.Candidates {
		if c.Role == r {
			return c, true
		}
	}
	return ContributionRef{}, false
}

// SourceContributionID is the id a correction or contribution must reference.
func (w WorkItem) SourceContributionID() string {
	if w.Payload.ContributionID != "" {
		return w.Payload.ContributionID
	}
	if c, ok := w.Candidate(RoleSubject); ok && c.ID != "" {
		return c.ID
	}
	if w.Payload.SampleID != "" {
		return w.Payload.SampleID
	}
	return w.ID
}

// Content is what an editor or recorder hands back: text, or audio bytes
// with their duration.
type Content struct {
	Text     string        `json:"text,omitempty"`
	Audio    []byte        `json:"-"`
	MimeType string        `json:"mimeType,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Empty reports whether no usable content was captured.
func (c Content) Empty() bool {
	return strings.TrimSpace(c.Text) == "" && len(c.Audio) == 0
}
