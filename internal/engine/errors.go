package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"civicflow/internal/domain"
	"civicflow/internal/engine/auth"
	"civicflow/internal/repo"
)

var (
	ErrPermissionDenied  = auth.ErrPermissionDenied
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = repo.ErrConflict
	ErrNotFound          = repo.ErrNotFound
	ErrValidation        = errors.New("validation failed")
)

// InvalidTransitionError covers edges missing from the table and same-state
// requests.
type InvalidTransitionError struct {
	From   domain.Status
	To     domain.Status
	Reason string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

func (e InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ConflictError means the complaint moved on since the caller read it.
type ConflictError struct {
	ComplaintID string
	Expected    domain.Status
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("complaint %s is no longer %s", e.ComplaintID, e.Expected)
}

func (e ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// ValidationError lists rejected input fields.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	sort.Strings(parts)
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// RetryOnConflict runs fn up to attempts times, retrying only on conflicts.
// fn must re-read state on every call.
func RetryOnConflict(ctx context.Context, attempts int, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}
