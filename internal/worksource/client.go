package worksource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"evalflow/internal/work"
)

// HTTPError is a non-2xx answer from upstream.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
}

// Client talks to the remote work service. It implements work.Source,
// work.StepSubmitter, work.Voter, work.ContributionStore and
// work.PairSource.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	breaker    *Breaker
}

var (
	_ work.Source            = (*Client)(nil)
	_ work.StepSubmitter     = (*Client)(nil)
	_ work.Voter             = (*Client)(nil)
	_ work.ContributionStore = (*Client)(nil)
	_ work.PairSource        = (*Client)(nil)
)

// NewClient creates a client for baseURL. A nil breaker disables fail-fast.
func NewClient(baseURL, token string, timeout time.Duration, breaker *Breaker) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
	}
}

// Breaker exposes the breaker for health reporting; it may be nil.
func (c *Client) Breaker() *Breaker { return c.breaker }

type assignRequest struct {
	LanguageID       string   `json:"languageId"`
	TaskType         string   `json:"taskType"`
	ProficiencyLevel int      `json:"proficiencyLevel"`
	Count            int      `json:"count"`
	ExcludeIDs       []string `json:"excludeIds"`
}

func assignPath(m work.Mode) string {
	switch m {
	case work.ModeSample:
		return "/samples/assign"
	case work.ModeComparison:
		return "/comparisons/assign"
	default:
		return "/evaluation-steps/assign"
	}
}

// Fetch asks upstream for up to Subject.Count items not in ExcludeIDs.
func (c *Client) Fetch(ctx context.Context, req work.FetchRequest) ([]work.WorkItem, error) {
	exclude := req.ExcludeIDs
	if exclude == nil {
		exclude = []string{}
	}
	body, err := c.do(ctx, http.MethodPost, assignPath(req.Subject.Mode), jsonBody(assignRequest{
		LanguageID:       req.Subject.LanguageID,
		TaskType:         string(req.Subject.Kind),
		ProficiencyLevel: req.Subject.Proficiency,
		Count:            req.Subject.Count,
		ExcludeIDs:       exclude,
	}))
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body, req.Subject.Mode, req.Subject.Kind)
	if err != nil {
		return nil, err
	}
	log.Printf("[Upstream] assigned %d item(s) for %s", len(items), req.Subject.Key())
	return items, nil
}

// SubmitStep posts an evaluation verdict.
func (c *Client) SubmitStep(ctx context.Context, s work.StepSubmission) error {
	_, err := c.do(ctx, http.MethodPost, "/evaluation-steps/submit", jsonBody(s))
	return err
}

// Vote posts a standalone comparison vote.
func (c *Client) Vote(ctx context.Context, v work.Vote) error {
	if v.SelectedContributionIDs == nil {
		v.SelectedContributionIDs = []string{}
	}
	_, err := c.do(ctx, http.MethodPost, "/comparisons/vote", jsonBody(v))
	return err
}

type contributionRequest struct {
	SampleID         string `json:"sample_id"`
	LanguageID       string `json:"language_id"`
	ContributionType string `json:"contribution_type"`
	Text             string `json:"text"`
	IsCorrection     bool   `json:"is_correction"`
}

// CreateContribution creates a contribution. Text goes as JSON, audio as a
// multipart upload.
func (c *Client) CreateContribution(ctx context.Context, nc work.NewContribution) (string, error) {
	var b requestBody
	if len(nc.Content.Audio) > 0 {
		mb, err := multipartBody(nc)
		if err != nil {
			return "", err
		}
		b = mb
	} else {
		b = jsonBody(contributionRequest{
			SampleID:         nc.SampleID,
			LanguageID:       nc.LanguageID,
			ContributionType: string(nc.Kind),
			Text:             nc.Content.Text,
			IsCorrection:     nc.Correction,
		})
	}
	body, err := c.do(ctx, http.MethodPost, "/contributions", b)
	if err != nil {
		return "", err
	}
	return decodeID(body)
}

// FetchPair loads the comparison pair for an evaluation step that did not
// embed both candidates.
func (c *Client) FetchPair(ctx context.Context, item work.WorkItem) (work.ABTestAssignment, error) {
	step := item.InstanceID
	if step == "" {
		step = item.ID
	}
	body, err := c.do(ctx, http.MethodGet, "/comparisons/pair?step="+url.QueryEscape(step), requestBody{})
	if err != nil {
		return work.ABTestAssignment{}, err
	}
	return decodeAssignment(body, item)
}

type requestBody struct {
	build       func() (io.Reader, error)
	contentType string
}

func jsonBody(v any) requestBody {
	return requestBody{
		contentType: "application/json",
		build: func() (io.Reader, error) {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
			return bytes.NewReader(data), nil
		},
	}
}

func multipartBody(nc work.NewContribution) (requestBody, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"sample_id":         nc.SampleID,
		"language_id":       nc.LanguageID,
		"contribution_type": string(nc.Kind),
		"is_correction":     strconv.FormatBool(nc.Correction),
		"duration_ms":       strconv.FormatInt(nc.Content.Duration.Milliseconds(), 10),
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return requestBody{}, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("audio", "recording"+audioExt(nc.Content.MimeType))
	if err != nil {
		return requestBody{}, fmt.Errorf("failed to create audio part: %w", err)
	}
	if _, err := part.Write(nc.Content.Audio); err != nil {
		return requestBody{}, fmt.Errorf("failed to write audio: %w", err)
	}
	if err := w.Close(); err != nil {
		return requestBody{}, fmt.Errorf("failed to close multipart body: %w", err)
	}
	data := buf.Bytes()
	return requestBody{
		contentType: w.FormDataContentType(),
		build:       func() (io.Reader, error) { return bytes.NewReader(data), nil },
	}, nil
}

func audioExt(mime string) string {
	switch {
	case strings.Contains(mime, "webm"):
		return ".webm"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return ".mp3"
	default:
		return ".wav"
	}
}

func (c *Client) do(ctx context.Context, method, path string, rb requestBody) ([]byte, error) {
	var out []byte
	reqID := uuid.NewString()
	call := func() error {
		var reader io.Reader
		if rb.build != nil {
			r, err := rb.build()
			if err != nil {
				return err
			}
			reader = r
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if rb.contentType != "" {
			req.Header.Set("Content-Type", rb.contentType)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", reqID)
		if c.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.Token)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s failed: %w", method, path, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &HTTPError{Status: resp.StatusCode, Body: truncate(string(body), 512)}
		}
		out = body
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(call)
	} else {
		err = call()
	}
	if err != nil {
		log.Printf("[Upstream] %s %s (%s): %v", method, path, reqID, err)
		return nil, err
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
