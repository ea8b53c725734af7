// Package worker defines the executors a delegated job can run on and the
// registry that maps a job's mode to one of them.
//
// The registry is built at startup and passed explicitly; there is no
// package-level registration.
package worker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ashita-ai/tsugi/internal/model"
)

// ErrUnknownMode is returned when no worker is registered for a job mode.
var ErrUnknownMode = errors.New("worker: unknown mode")

// Worker executes one delegated job. The returned string becomes the tool
// result the supervisor sees. A returned error marks the job failed unless
// ctx was cancelled or timed out, in which case the executor records the
// matching terminal status instead.
type Worker interface {
	Run(ctx context.Context, job model.WorkerJob) (string, error)
}

// Func adapts a function to the Worker interface.
type Func func(ctx context.Context, job model.WorkerJob) (string, error)

// Run calls f.
func (f Func) Run(ctx context.Context, job model.WorkerJob) (string, error) {
	return f(ctx, job)
}

// Registry maps modes to workers. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register binds mode to w. Registering a mode twice is an error.
func (r *Registry) Register(mode string, w Worker) error {
	if mode == "" || w == nil {
		return fmt.Errorf("worker: register: mode and worker are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.workers[mode]; dup {
		return fmt.Errorf("worker: mode %q already registered", mode)
	}
	r.workers[mode] = w
	return nil
}

// Lookup returns the worker for mode.
func (r *Registry) Lookup(mode string) (Worker, error) {
	r.mu.RLock()
	w, ok := r.workers[mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return w, nil
}

// Modes returns the registered modes in sorted order.
func (r *Registry) Modes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modes := make([]string, 0, len(r.workers))
	for m := range r.workers {
		modes = append(modes, m)
	}
	slices.Sort(modes)
	return modes
}
