// Package pipeline applies ordered, named preprocessing steps and
// validation checks to a dataset's processed tier. Step and check
// implementations live in registries supplied by the embedding application;
// the pipeline invokes them by name only.
package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// StepFunc transforms the processed-tier directory in place.
type StepFunc func(ctx context.Context, dir string) error

// CheckFunc inspects the processed-tier directory without modifying it.
// A non-nil error means the check failed.
type CheckFunc func(ctx context.Context, dir string) error

// UnknownStepError reports a step name with no registered implementation.
type UnknownStepError struct {
	Step string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unknown preprocessing step %q", e.Step)
}

// UnknownCheckError reports a check name with no registered implementation.
type UnknownCheckError struct {
	Check string
}

func (e *UnknownCheckError) Error() string {
	return fmt.Sprintf("unknown validation check %q", e.Check)
}

// CheckFailedError reports which check failed.
type CheckFailedError struct {
	Check string
	Err   error
}

func (e *CheckFailedError) Error() string {
	return fmt.Sprintf("validation check %q failed: %v", e.Check, e.Err)
}

func (e *CheckFailedError) Unwrap() error { return e.Err }

// StepRegistry maps step names to implementations. Unknown names are a
// typed error, never a silent no-op.
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[string]StepFunc
}

func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: make(map[string]StepFunc)}
}

func (r *StepRegistry) Register(name string, fn StepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = fn
}

func (r *StepRegistry) Resolve(name string) (StepFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.steps[name]
	if !ok {
		return nil, &UnknownStepError{Step: name}
	}
	return fn, nil
}

// CheckRegistry maps check names to implementations.
type CheckRegistry struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewCheckRegistry() *CheckRegistry {
	return &CheckRegistry{checks: make(map[string]CheckFunc)}
}

func (r *CheckRegistry) Register(name string, fn CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = fn
}

func (r *CheckRegistry) Resolve(name string) (CheckFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.checks[name]
	if !ok {
		return nil, &UnknownCheckError{Check: name}
	}
	return fn, nil
}
