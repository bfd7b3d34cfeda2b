// Package api serves the Kernel and the Gate over HTTP. Failures are RFC
// 7807 problem details carrying the protocol error code, so clients can
// tell a replay from an expiry without parsing prose.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/matiascloudarch/cognitive-decision-architecture/pkg/contracts"
)

// ProblemDetail implements RFC 7807 with a "code" extension member.
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Code     contracts.Code `json:"code,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// StatusFor maps an error code to its HTTP status. Unknown codes are 500.
func StatusFor(code contracts.Code) int {
	switch code {
	case contracts.CodeInvalidInput:
		return http.StatusBadRequest
	case contracts.CodeInvalidToken, contracts.CodeTokenExpired:
		return http.StatusUnauthorized
	case contracts.CodeSecurityViolation, contracts.CodeExecutionDenied:
		return http.StatusForbidden
	case contracts.CodeEntityNotFound:
		return http.StatusNotFound
	case contracts.CodeReplayDetected, contracts.CodeOCCConflict, contracts.CodeEntityExists:
		return http.StatusConflict
	case contracts.CodePolicyDenied:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func problemType(code contracts.Code, status int) string {
	if code != "" {
		return "https://cda.dev/errors/" + string(code)
	}
	return fmt.Sprintf("https://cda.dev/errors/%d", status)
}

// WriteProblem writes a problem detail for status with an optional code.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, code contracts.Code, detail string) {
	problem := &ProblemDetail{
		Type:    problemType(code, status),
		Title:   http.StatusText(status),
		Status:  status,
		Code:    code,
		Detail:  detail,
		TraceID: w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError maps err to a problem response. Typed protocol errors keep
// their code and reason; anything else is logged and reported as a bare 500.
func WriteError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var pe *contracts.Error
	if errors.As(err, &pe) {
		WriteProblem(w, r, StatusFor(pe.Code), pe.Code, pe.Reason)
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
	WriteProblem(w, r, http.StatusInternalServerError, "", "An unexpected error occurred. Please try again later.")
}

// WriteBadRequest writes a 400 with code INVALID_INPUT.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteProblem(w, r, http.StatusBadRequest, contracts.CodeInvalidInput, detail)
}

// WriteTooManyRequests writes a 429 with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, r, http.StatusTooManyRequests, "", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteJSON writes v with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return contracts.Fail(contracts.CodeInvalidInput, "invalid JSON body: %v", err)
	}
	return nil
}
