// Package orchestrator drives a task from classification through routing to
// streamed execution, persisting every state transition and publishing
// progress to the event bus. It owns the task lifecycle; the HTTP layer only
// submits requests and reads records.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/switchboard/internal/bus"
	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/route"
	"github.com/normanking/switchboard/internal/service"
	"github.com/normanking/switchboard/internal/store"
)

var (
	// ErrServiceTimeout marks an attempt that exceeded its time budget.
	ErrServiceTimeout = errors.New("service timed out")

	// ErrServiceFailed marks an attempt that failed before producing output.
	ErrServiceFailed = errors.New("service failed")

	// ErrAllServicesExhausted is the terminal error when the whole fallback
	// chain failed without any service producing output.
	ErrAllServicesExhausted = errors.New("all services exhausted")
)

const (
	// DefaultMaxAttempts caps how many chain entries one task may try.
	DefaultMaxAttempts = 3

	// DefaultBroadcastTimeout bounds each broadcast unit independently.
	DefaultBroadcastTimeout = 120 * time.Second
)

// Request is one task submission from the API layer.
type Request struct {
	Prompt      string
	Files       []classify.FileRef
	Preferences route.Preferences
}

// Orchestrator executes tasks against the service registry.
type Orchestrator struct {
	classifier *classify.Classifier
	router     *route.Router
	registry   *service.Registry
	store      *store.Store
	bus        *bus.Broadcaster

	maxAttempts      int
	broadcastTimeout time.Duration

	wg sync.WaitGroup
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithMaxAttempts overrides the fallback attempt budget.
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBroadcastTimeout overrides the per-unit broadcast time budget.
func WithBroadcastTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.broadcastTimeout = d
		}
	}
}

// New wires an orchestrator to its collaborators.
func New(classifier *classify.Classifier, router *route.Router, registry *service.Registry, st *store.Store, b *bus.Broadcaster, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier:       classifier,
		router:           router,
		registry:         registry,
		store:            st,
		bus:              b,
		maxAttempts:      DefaultMaxAttempts,
		broadcastTimeout: DefaultBroadcastTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates, routes, and persists one task, then dispatches its
// execution on a background goroutine. The returned record is the initial
// queued state; callers follow progress through GET lookups and the event
// bus. Validation and routing failures surface before any task record
// exists.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*store.Task, error) {
	profile, err := o.classifier.Classify(req.Prompt, req.Files)
	if err != nil {
		return nil, err
	}

	snap := o.registry.Snapshot()
	var decision *route.Decision
	if req.Preferences.BroadcastAll {
		decision, err = o.router.RouteBroadcast(profile, snap)
	} else {
		decision, err = o.router.Route(profile, snap, req.Preferences)
	}
	if err != nil {
		return nil, err
	}

	task := &store.Task{
		Prompt:      req.Prompt,
		Files:       req.Files,
		Preferences: req.Preferences,
		Status:      store.StatusQueued,
		Category:    profile.Category,
	}
	if err := o.store.Create(ctx, task); err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Execution outlives the submitting request.
		o.run(context.WithoutCancel(ctx), task, decision)
	}()
	return task, nil
}

// Wait blocks until every dispatched task has reached a terminal state.
// Used on shutdown so in-flight work is not abandoned mid-stream.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run drives one dispatched task to its terminal state. The task record is
// treated as read-only here; all state flows through the store.
func (o *Orchestrator) run(ctx context.Context, task *store.Task, decision *route.Decision) {
	participants := decision.Participants()
	if err := o.store.Update(ctx, task.ID, map[string]any{
		"status":   store.StatusRunning,
		"mode":     string(decision.Mode),
		"services": participants,
	}); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("mark task running")
	}

	start := bus.NewEvent(bus.EventTaskStart)
	start.TaskID = task.ID
	start.Status = string(store.StatusRunning)
	start.Mode = string(decision.Mode)
	start.Service = strings.Join(participants, ",")
	o.bus.Publish(start)

	log.Info().
		Str("task_id", task.ID).
		Str("category", task.Category.String()).
		Str("mode", string(decision.Mode)).
		Strs("services", participants).
		Msg("task dispatched")

	began := time.Now()
	if decision.Mode == route.ModeBroadcastAll {
		o.runBroadcast(ctx, task, decision)
	} else {
		o.runChain(ctx, task, decision)
	}
	elapsed := time.Since(began)

	final, err := o.store.Get(ctx, task.ID)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("load terminal task state")
		return
	}

	complete := bus.NewEvent(bus.EventTaskComplete)
	complete.TaskID = task.ID
	complete.Status = string(final.Status)
	complete.Mode = string(final.Mode)
	complete.Result = final.Result
	complete.DurationMs = elapsed.Milliseconds()
	if final.Error != "" {
		complete.Error = final.Error
	}
	o.bus.Publish(complete)
}

// finalize persists a terminal state. Store failures here are logged, not
// returned; the execution outcome matters more than the bookkeeping error.
func (o *Orchestrator) finalize(ctx context.Context, task *store.Task, status store.Status, result, errMsg string, began time.Time) {
	now := time.Now().UTC()
	updates := map[string]any{
		"status":      status,
		"result":      result,
		"error":       errMsg,
		"completedAt": now,
		"durationMs":  time.Since(began).Milliseconds(),
	}
	// The record must reach a terminal state even when the caller's context
	// is already cancelled.
	if err := o.store.Update(context.WithoutCancel(ctx), task.ID, updates); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("persist terminal state")
	}
}
