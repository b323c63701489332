// Package httpserver contains HTTP handlers and middleware for the job
// orchestrator: job CRUD, cancellation, the websocket progress relay, and the
// notification inbox. HTTP concerns stay here; business rules live in the
// usecase services.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/imageforge/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// workerUnavailableBody is the 503 envelope emitted when no render workers
// are reachable. Clients pattern-match on this exact structure.
type workerUnavailableBody struct {
	Error struct {
		Message     string `json:"message"`
		Service     string `json:"service"`
		Status      string `json:"status"`
		SupportInfo struct {
			Details string `json:"details"`
		} `json:"support_info"`
	} `json:"error"`
}

// validationDetail is one entry of the 422 envelope.
type validationDetail struct {
	Loc []string `json:"loc"`
	Msg string   `json:"msg"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeWorkerUnavailable emits the verbatim 503 worker-unavailable envelope.
func writeWorkerUnavailable(w http.ResponseWriter) {
	var body workerUnavailableBody
	body.Error.Message = "The image queuing service is not currently running. Please try again shortly or contact an administrator."
	body.Error.Service = "celery_worker"
	body.Error.Status = "unavailable"
	body.Error.SupportInfo.Details = "No active render workers were reachable within the probe window."
	writeJSON(w, http.StatusServiceUnavailable, body)
}

// writeValidationError emits the 422 envelope listing every violated field.
func writeValidationError(w http.ResponseWriter, verr *domain.ValidationError) {
	details := make([]validationDetail, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		details = append(details, validationDetail{Loc: []string{"body", f.Field}, Msg: f.Msg})
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string][]validationDetail{"detail": details})
}

func writeError(w http.ResponseWriter, _ *http.Request, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeValidationError(w, verr)
		return
	}
	if errors.Is(err, domain.ErrWorkerUnavailable) {
		writeWorkerUnavailable(w)
		return
	}

	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
		codeStr = "FORBIDDEN"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrEngineUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "ENGINE_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error()}})
}
