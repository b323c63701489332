package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/imageforge/internal/domain"
	"github.com/fairyhunter13/imageforge/internal/usecase"
)

// Server wires the HTTP handlers to the usecase services.
type Server struct {
	Jobs          usecase.JobService
	Notifications usecase.NotificationService
	Relay         *Relay

	validate *validator.Validate
}

// NewServer constructs a Server.
func NewServer(jobs usecase.JobService, notifs usecase.NotificationService, relay *Relay) *Server {
	v := validator.New()
	// Error locations use the wire field names, not Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{Jobs: jobs, Notifications: notifs, Relay: relay, validate: v}
}

type loraRequest struct {
	Name          string  `json:"name" validate:"required"`
	ModelStrength float64 `json:"model_strength"`
	ClipStrength  float64 `json:"clip_strength"`
}

type samplerRequest struct {
	Seed      int64   `json:"seed" validate:"gte=-1"`
	Steps     int     `json:"steps" validate:"required"`
	CFG       float64 `json:"cfg"`
	Name      string  `json:"sampler" validate:"required"`
	Scheduler string  `json:"scheduler"`
	Denoise   float64 `json:"denoise"`
}

type createJobRequest struct {
	Prompt         string         `json:"prompt" validate:"required"`
	NegativePrompt string         `json:"negative_prompt"`
	Checkpoint     string         `json:"checkpoint" validate:"required"`
	LoRAs          []loraRequest  `json:"loras" validate:"dive"`
	Width          int            `json:"width" validate:"required"`
	Height         int            `json:"height" validate:"required"`
	BatchSize      int            `json:"batch_size" validate:"required"`
	Sampler        samplerRequest `json:"sampler" validate:"required"`
	Params         map[string]any `json:"params"`
}

type jobResponse struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Status         string         `json:"status"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt"`
	Checkpoint     string         `json:"checkpoint"`
	LoRAs          []domain.LoRA  `json:"loras,omitempty"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	BatchSize      int            `json:"batch_size"`
	Sampler        domain.Sampler `json:"sampler"`
	Params         map[string]any `json:"params,omitempty"`
	TaskHandle     *string        `json:"task_handle,omitempty"`
	ContentID      *string        `json:"content_id,omitempty"`
	OutputPaths    []string       `json:"output_paths,omitempty"`
	ThumbnailPaths []string       `json:"thumbnail_paths,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	RecoveryHints  []string       `json:"recovery_hints,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// The engine prompt id is deliberately absent: only the queue task handle is
// part of the external surface.
func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:             j.ID,
		UserID:         j.UserID,
		Status:         string(j.Status),
		Prompt:         j.Prompt,
		NegativePrompt: j.NegativePrompt,
		Checkpoint:     j.Checkpoint,
		LoRAs:          j.LoRAs,
		Width:          j.Width,
		Height:         j.Height,
		BatchSize:      j.BatchSize,
		Sampler:        j.Sampler,
		Params:         j.Params,
		TaskHandle:     j.TaskHandle,
		ContentID:      j.ContentID,
		OutputPaths:    j.OutputPaths,
		ThumbnailPaths: j.ThumbnailPaths,
		ErrorMessage:   j.ErrorMessage,
		RecoveryHints:  j.RecoveryHints,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		CompletedAt:    j.CompletedAt,
	}
}

// CreateJob handles POST /jobs.
func (s *Server) CreateJob(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidArgument)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeValidationError(w, toValidationError(err))
		return
	}

	draft := domain.JobDraft{
		UserID:         id.UserID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Checkpoint:     req.Checkpoint,
		Width:          req.Width,
		Height:         req.Height,
		BatchSize:      req.BatchSize,
		Sampler: domain.Sampler{
			Seed: req.Sampler.Seed, Steps: req.Sampler.Steps, CFG: req.Sampler.CFG,
			Name: req.Sampler.Name, Scheduler: req.Sampler.Scheduler, Denoise: req.Sampler.Denoise,
		},
		Params: req.Params,
	}
	for _, l := range req.LoRAs {
		draft.LoRAs = append(draft.LoRAs, domain.LoRA{
			Name: l.Name, ModelStrength: l.ModelStrength, ClipStrength: l.ClipStrength,
		})
	}

	j, err := s.Jobs.Create(r.Context(), draft)
	if err != nil {
		writeError(w, r, err)
		return
	}
	LoggerFrom(r).Info("job created", slog.String("job_id", j.ID))
	writeJSON(w, http.StatusCreated, toJobResponse(j))
}

// GetJob handles GET /jobs/{id}.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	j, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"), id.UserID, id.Admin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(j))
}

// ListJobs handles GET /jobs.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	f := domain.ListFilter{
		UserID: r.URL.Query().Get("user_id"),
		Status: domain.JobStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 20),
		Skip:   queryInt(r, "skip", 0),
	}
	page, err := s.Jobs.List(r.Context(), f, id.UserID, id.Admin)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]jobResponse, 0, len(page.Items))
	for _, j := range page.Items {
		items = append(items, toJobResponse(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": page.Total,
		"limit": page.Limit,
		"skip":  page.Skip,
	})
}

// CancelJob handles PUT /jobs/{id}/cancel.
func (s *Server) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	if err := s.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"), id.UserID, id.Admin); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteJob handles DELETE /jobs/{id}.
func (s *Server) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	if err := s.Jobs.Delete(r.Context(), chi.URLParam(r, "id"), id.UserID, id.Admin); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNotifications handles GET /notifications.
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	unread := r.URL.Query().Get("unread") == "true"
	items, err := s.Notifications.List(r.Context(), id.UserID, unread, queryInt(r, "limit", 20), queryInt(r, "skip", 0))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// MarkNotificationRead handles PUT /notifications/{id}/read.
func (s *Server) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	if err := s.Notifications.MarkRead(r.Context(), chi.URLParam(r, "id"), id.UserID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetPreferences handles PUT /users/me/preferences.
func (s *Server) SetPreferences(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r)
	var req struct {
		NotificationsEnabled bool `json:"notifications_enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, domain.ErrInvalidArgument)
		return
	}
	if err := s.Notifications.SetPreference(r.Context(), id.UserID, req.NotificationsEnabled); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Healthz is the liveness probe.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// toValidationError converts validator violations into the domain shape so
// the 422 envelope is uniform with usecase-level validation.
func toValidationError(err error) *domain.ValidationError {
	verr := &domain.ValidationError{}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		verr.Fields = append(verr.Fields, domain.FieldError{Field: "body", Msg: err.Error()})
		return verr
	}
	for _, ve := range ves {
		field := ve.Field()
		msg := "invalid value"
		switch ve.Tag() {
		case "required":
			msg = "field is required"
		case "gte":
			msg = "must be greater than or equal to " + ve.Param()
		}
		verr.Fields = append(verr.Fields, domain.FieldError{Field: field, Msg: msg})
	}
	return verr
}
