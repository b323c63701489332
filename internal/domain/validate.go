package domain

import (
	"fmt"
	"strings"
)

// Validation bounds for job creation requests.
const (
	MinDimension = 64
	MaxDimension = 2048
	DimensionDiv = 64
	MinBatchSize = 1
	MaxBatchSize = 8
	MinSteps     = 1
	MaxSteps     = 150
)

// TimeoutRecoveryHints is offered to the user when a render exceeds its time
// budget.
var TimeoutRecoveryHints = []string{
	"reduce batch size",
	"reduce image width",
	"reduce image height",
	"try a different model",
}

// FieldError locates a single invalid request field.
type FieldError struct {
	Field string
	Msg   string
}

// ValidationError aggregates per-field errors for a rejected draft.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrInvalidArgument.
func (e *ValidationError) Unwrap() error { return ErrInvalidArgument }

// ValidateDraft checks the user-supplied fields of a job creation request.
// It returns nil or a *ValidationError listing every violation.
func ValidateDraft(d JobDraft) error {
	var fields []FieldError
	add := func(field, msg string) { fields = append(fields, FieldError{Field: field, Msg: msg}) }

	if strings.TrimSpace(d.Prompt) == "" {
		add("prompt", "prompt must not be empty")
	}
	if strings.TrimSpace(d.Checkpoint) == "" {
		add("checkpoint", "checkpoint must not be empty")
	}
	checkDim := func(field string, v int) {
		if v < MinDimension || v > MaxDimension {
			add(field, fmt.Sprintf("must be between %d and %d", MinDimension, MaxDimension))
		} else if v%DimensionDiv != 0 {
			add(field, fmt.Sprintf("must be a multiple of %d", DimensionDiv))
		}
	}
	checkDim("width", d.Width)
	checkDim("height", d.Height)
	if d.BatchSize < MinBatchSize || d.BatchSize > MaxBatchSize {
		add("batch_size", fmt.Sprintf("must be between %d and %d", MinBatchSize, MaxBatchSize))
	}
	if d.Sampler.Steps < MinSteps || d.Sampler.Steps > MaxSteps {
		add("steps", fmt.Sprintf("must be between %d and %d", MinSteps, MaxSteps))
	}
	if d.Sampler.Seed < -1 {
		add("seed", "must be -1 (random) or a non-negative integer")
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
