// Package api exposes the guardrail over HTTP: instance health and gating,
// message intents, operator queue commands and execution metrics. Errors are
// RFC 7807 problem documents.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zapguard/guardrail/pkg/health"
	"github.com/zapguard/guardrail/pkg/instance"
	"github.com/zapguard/guardrail/pkg/intent"
	"github.com/zapguard/guardrail/pkg/jobs"
	"github.com/zapguard/guardrail/pkg/media"
	"github.com/zapguard/guardrail/pkg/metering"
	"github.com/zapguard/guardrail/pkg/operators"
)

const problemTypeBase = "https://zapguard.dev/errors/"

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:   fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteErrorR is WriteError enriched with the request path and request id.
func WriteErrorR(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("%s%d", problemTypeBase, status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500. err is logged, never returned to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

var (
	notFoundErrors = []error{
		instance.ErrNotFound,
		intent.ErrNotFound,
		jobs.ErrNotFound,
		operators.ErrOperatorNotFound,
		operators.ErrConversationNotFound,
		media.ErrNotFound,
	}
	conflictErrors = []error{
		instance.ErrIllegalTransition,
		instance.ErrVersionConflict,
		intent.ErrIllegalTransition,
		intent.ErrConflict,
		jobs.ErrConflict,
		jobs.ErrNotCancellable,
		jobs.ErrDuplicateIntent,
		operators.ErrAlreadyAssigned,
		operators.ErrCapacityExceeded,
		operators.ErrNotAssignedToOperator,
		operators.ErrConversationClosed,
	}
	badRequestErrors = []error{
		health.ErrInvalidSignal,
		instance.ErrInvalidRequest,
		intent.ErrInvalidRequest,
		operators.ErrInvalidOperator,
		operators.ErrInvalidConversation,
		media.ErrInvalidRef,
		metering.ErrEmptyOrganizationID,
	}
)

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// WriteDomainError maps a domain error to its HTTP status.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case isAny(err, notFoundErrors):
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", err.Error())
	case isAny(err, conflictErrors):
		WriteErrorR(w, r, http.StatusConflict, "Conflict", err.Error())
	case isAny(err, badRequestErrors):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		WriteInternal(w, err)
	}
}
