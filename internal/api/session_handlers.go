package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"evalflow/internal/db"
	"evalflow/internal/sessions"
	"evalflow/internal/user"
	"evalflow/internal/work"
)

// maxAudioBytes caps uploaded recordings.
const maxAudioBytes = 20 << 20

type SubjectRequest struct {
	LanguageID  string `json:"languageId"`
	Kind        string `json:"kind"`
	Proficiency *int   `json:"proficiencyLevel,omitempty"`
	Count       int    `json:"count"`
}

type CreateSessionRequest struct {
	Screen  string          `json:"screen"`
	Subject *SubjectRequest `json:"subject,omitempty"`
}

type VerdictRequest struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
}

type ChoiceRequest struct {
	Choice string `json:"choice"`
}

func currentUserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get("userId")
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}

// loadSession resolves :id for the caller and writes the error response
// when it cannot.
func loadSession(c *gin.Context, reg *sessions.Registry) (*work.Session, bool) {
	userID, ok := currentUserID(c)
	if !ok {
		errorJSON(c, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return nil, false
	}
	s, err := reg.Get(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return s, true
}

// toSubject fills the gaps of req from the user's profile and the screen's
// buffer size.
func toSubject(req SubjectRequest, profile work.Profile, u *user.User) work.Subject {
	subject := work.Subject{
		LanguageID: strings.TrimSpace(req.LanguageID),
		Kind:       work.Kind(req.Kind),
		Count:      req.Count,
	}
	if req.Proficiency != nil {
		subject.Proficiency = *req.Proficiency
	} else if u != nil {
		subject.Proficiency = u.Proficiency
	}
	if subject.LanguageID == "" && u != nil {
		subject.LanguageID = u.LanguageID
	}
	if subject.Count == 0 {
		subject.Count = profile.Buffer.Capacity
	}
	return subject
}

func lookupUser(userID uint) *user.User {
	if db.DB == nil {
		return nil
	}
	var u user.User
	if err := db.DB.First(&u, userID).Error; err != nil {
		return nil
	}
	return &u
}

func snapshot(c *gin.Context, status int, s *work.Session) {
	c.JSON(status, s.Snapshot(c.Request.Context()))
}

// POST /sessions
func CreateSessionHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := currentUserID(c)
		if !ok {
			errorJSON(c, http.StatusUnauthorized, "unauthorized", "Not authenticated")
			return
		}
		var req CreateSessionRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Screen == "" {
			errorJSON(c, http.StatusBadRequest, "validation", "screen is required")
			return
		}
		s, err := reg.Create(c.Request.Context(), userID, req.Screen)
		if err != nil {
			respondError(c, err)
			return
		}
		if req.Subject != nil {
			if err := s.SetSubject(toSubject(*req.Subject, s.Profile, lookupUser(userID))); err != nil {
				_ = reg.Close(c.Request.Context(), userID, s.ID)
				respondError(c, err)
				return
			}
		}
		snapshot(c, http.StatusCreated, s)
	}
}

// GET /sessions/:id
func GetSessionHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// DELETE /sessions/:id
func DeleteSessionHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := currentUserID(c)
		if err := reg.Close(c.Request.Context(), userID, c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Session closed"})
	}
}

// PUT /sessions/:id/subject
func SetSubjectHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		var req SubjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid request")
			return
		}
		userID, _ := currentUserID(c)
		if err := s.SetSubject(toSubject(req, s.Profile, lookupUser(userID))); err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// POST /sessions/:id/refresh
func RefreshHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		if err := s.Refresh(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// POST /sessions/:id/skip
func SkipHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		if _, err := s.Skip(); err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// POST /sessions/:id/comparison
func ChooseHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		var req ChoiceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid request")
			return
		}
		if err := s.Choose(c.Request.Context(), work.ABChoice(strings.ToLower(req.Choice))); err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// DELETE /sessions/:id/comparison
func AbandonComparisonHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		if err := s.AbandonComparison(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// POST /sessions/:id/verdict
func VerdictHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		var req VerdictRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errorJSON(c, http.StatusBadRequest, "validation", "Invalid request")
			return
		}
		ctx := c.Request.Context()
		var err error
		switch work.Status(req.Verdict) {
		case work.StatusCorrect:
			err = s.MarkCorrect(ctx)
		case work.StatusWrong:
			err = s.MarkWrong()
		case work.StatusFlagged:
			err = s.Flag(ctx, req.Reason)
		default:
			err = &work.ValidationError{Field: "verdict", Reason: fmt.Sprintf("unknown verdict %q", req.Verdict)}
		}
		if err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// DELETE /sessions/:id/verdict
func CancelVerdictHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		if err := s.Cancel(); err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// POST /sessions/:id/correction
func CorrectionHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		src, err := contentFromRequest(c)
		if err != nil {
			respondError(c, err)
			return
		}
		if err := s.SubmitCorrection(c.Request.Context(), src); err != nil {
			respondError(c, err)
			return
		}
		snapshot(c, http.StatusOK, s)
	}
}

// POST /sessions/:id/contribution
func ContributionHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		src, err := contentFromRequest(c)
		if err != nil {
			respondError(c, err)
			return
		}
		id, err := s.Contribute(c.Request.Context(), src)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"contributionId": id,
			"session":        s.Snapshot(c.Request.Context()),
		})
	}
}

// contentFromRequest reads a text body or a multipart recording. An empty
// body yields a nil source so the kept draft is retried.
func contentFromRequest(c *gin.Context) (work.ContentSource, error) {
	if c.Request.ContentLength == 0 {
		return nil, nil
	}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		return audioFromForm(c)
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, &work.ValidationError{Field: "body", Reason: "invalid JSON"}
	}
	if strings.TrimSpace(body.Text) == "" {
		return nil, nil
	}
	return work.StaticContent{Text: body.Text}, nil
}

func audioFromForm(c *gin.Context) (work.ContentSource, error) {
	fh, err := c.FormFile("audio")
	if err != nil {
		if text := c.PostForm("text"); strings.TrimSpace(text) != "" {
			return work.StaticContent{Text: text}, nil
		}
		return nil, &work.ValidationError{Field: "audio", Reason: "missing audio file"}
	}
	if fh.Size > maxAudioBytes {
		return nil, &work.ValidationError{Field: "audio", Reason: "recording too large"}
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	content := work.Content{Audio: data, MimeType: fh.Header.Get("Content-Type")}
	if content.MimeType == "" {
		content.MimeType = "audio/webm"
	}
	if ms := c.PostForm("duration_ms"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n < 0 {
			return nil, &work.ValidationError{Field: "duration_ms", Reason: "must be a non-negative integer"}
		}
		content.Duration = time.Duration(n) * time.Millisecond
	}
	return work.StaticContent(content), nil
}

// GET /sessions/:id/events?since=N&wait=S
func EventsHandler(reg *sessions.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		s, ok := loadSession(c, reg)
		if !ok {
			return
		}
		since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
		if err != nil || since < 0 {
			errorJSON(c, http.StatusBadRequest, "validation", "since must be a non-negative integer")
			return
		}
		wait, _ := strconv.Atoi(c.DefaultQuery("wait", "0"))
		if wait > 25 {
			wait = 25
		}

		bus := s.Events()
		wake := bus.Wait()
		events := bus.Since(since)
		if len(events) == 0 && wait > 0 {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Duration(wait)*time.Second)
			defer cancel()
			select {
			case <-wake:
				events = bus.Since(since)
			case <-ctx.Done():
			}
		}
		if events == nil {
			events = []work.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "lastSeq": bus.LastSeq()})
	}
}
