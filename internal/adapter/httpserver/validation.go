package httpserver

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/prompt-dispatcher/internal/domain"
)

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// fieldError is one entry of the details list on a VALIDATION_ERROR.
type fieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// validateStruct runs the tag validators and flattens failures into the
// details shape. The max tag counts runes for strings, matching the prompt
// length limit.
func validateStruct(v any) []fieldError {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []fieldError{{Field: "", Code: "INVALID", Message: err.Error()}}
	}
	out := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fieldError{
			Field:   fe.Field(),
			Code:    fe.Tag(),
			Message: fmt.Sprintf("failed validation on %q", fe.Tag()),
		})
	}
	return out
}

var validJobID = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

func validateJobID(id string) error {
	if !validJobID.MatchString(id) {
		return fmt.Errorf("%w: malformed job id", domain.ErrInvalidArgument)
	}
	return nil
}

// parseWorkerHint reads the ?worker query parameter. Absent means no hint.
// Zero or an index past the pool size is a client error.
func parseWorkerHint(r *http.Request, poolSize int) (int, error) {
	raw := r.URL.Query().Get("worker")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: worker must be an integer", domain.ErrInvalidArgument)
	}
	if n < 1 || n > poolSize {
		return 0, fmt.Errorf("%w: worker %d out of range [1..%d]", domain.ErrInvalidArgument, n, poolSize)
	}
	return n, nil
}

func parseStatusFilter(r *http.Request) (domain.JobStatus, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return "", nil
	}
	switch st := domain.JobStatus(raw); st {
	case domain.JobPending, domain.JobProcessing, domain.JobCompleted, domain.JobFailed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: status must be one of pending, processing, completed, failed", domain.ErrInvalidArgument)
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidArgument)
	}
	if n > maxPageSize {
		return 0, fmt.Errorf("%w: limit must not exceed %d", domain.ErrInvalidArgument, maxPageSize)
	}
	return n, nil
}
