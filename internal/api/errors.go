package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"evalflow/internal/sessions"
	"evalflow/internal/work"
	"evalflow/internal/worksource"
)

type errorClass struct {
	err    error
	status int
	kind   string
}

// Checked in order; the first match wins.
var errorClasses = []errorClass{
	{sessions.ErrNotFound, http.StatusNotFound, "not_found"},
	{sessions.ErrUnknownScreen, http.StatusBadRequest, "unknown_screen"},
	{work.ErrNoRecording, http.StatusBadRequest, "no_recording"},
	{work.ErrNoCurrentItem, http.StatusConflict, "no_current_item"},
	{work.ErrNoComparison, http.StatusConflict, "no_comparison"},
	{work.ErrComparisonPending, http.StatusConflict, "comparison_pending"},
	{work.ErrIllegalTransition, http.StatusConflict, "illegal_transition"},
	{work.ErrWrongMode, http.StatusConflict, "wrong_mode"},
	{work.ErrSubmitting, http.StatusConflict, "submitting"},
	{work.ErrNoSubject, http.StatusConflict, "no_subject"},
	{work.ErrEmptyResult, http.StatusConflict, "exhausted"},
	{worksource.ErrCircuitOpen, http.StatusBadGateway, "circuit_open"},
	{worksource.ErrTooManyRequests, http.StatusBadGateway, "circuit_open"},
	{work.ErrComparisonUnavailable, http.StatusBadGateway, "comparison_unavailable"},
}

func classifyError(err error) (int, string) {
	var verr *work.ValidationError
	if errors.As(err, &verr) {
		return http.StatusBadRequest, "validation"
	}
	for _, ec := range errorClasses {
		if errors.Is(err, ec.err) {
			return ec.status, ec.kind
		}
	}
	var serr *work.SubmissionError
	if errors.As(err, &serr) {
		return http.StatusBadGateway, "submission"
	}
	var ferr *work.TransientFetchError
	if errors.As(err, &ferr) {
		return http.StatusBadGateway, "fetch"
	}
	return http.StatusInternalServerError, "internal"
}

func errorJSON(c *gin.Context, status int, kind, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message, "kind": kind}})
}

// respondError writes err with the status its kind maps to.
func respondError(c *gin.Context, err error) {
	status, kind := classifyError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[API] %s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	errorJSON(c, status, kind, err.Error())
}
