package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/switchboard/internal/bus"
	"github.com/normanking/switchboard/internal/route"
	"github.com/normanking/switchboard/internal/service"
	"github.com/normanking/switchboard/internal/store"
)

// attemptOutcome summarizes one service attempt.
type attemptOutcome struct {
	service   string
	output    string
	fragments int
	err       error
}

// streamed reports whether the attempt produced any output before failing.
func (a *attemptOutcome) streamed() bool {
	return a.fragments > 0
}

// runChain executes a single or fallback-chain decision. Candidates are
// tried in order, each with its own timeout, up to the attempt budget. A
// failure before the first fragment advances the chain; any failure after
// the first fragment fails the task with the partial output preserved,
// because silently restarting a stream would hand the caller a response
// stitched from two different models.
func (o *Orchestrator) runChain(ctx context.Context, task *store.Task, decision *route.Decision) error {
	candidates := decision.Participants()
	if len(candidates) > o.maxAttempts {
		candidates = candidates[:o.maxAttempts]
	}
	timeout := time.Duration(decision.TimeoutSeconds) * time.Second
	began := time.Now()

	var attemptErrs []string
	aborted := false
	for i, name := range candidates {
		outcome := o.attempt(ctx, task, name, timeout)

		if outcome.err == nil {
			o.finalize(ctx, task, store.StatusCompleted, outcome.output, "", began)
			log.Info().
				Str("task_id", task.ID).
				Str("service", name).
				Int("fragments", outcome.fragments).
				Msg("task completed")
			return nil
		}

		if outcome.streamed() {
			// Output already reached the caller; no fallback is possible.
			errMsg := fmt.Sprintf("%s: %v (after %d fragments)", name, outcome.err, outcome.fragments)
			o.finalize(ctx, task, store.StatusFailed, outcome.output, errMsg, began)
			log.Warn().
				Str("task_id", task.ID).
				Str("service", name).
				Err(outcome.err).
				Msg("task failed mid-stream")
			return fmt.Errorf("%s: %w", name, outcome.err)
		}

		attemptErrs = append(attemptErrs, fmt.Sprintf("%s: %v", name, outcome.err))
		if i < len(candidates)-1 {
			log.Warn().
				Str("task_id", task.ID).
				Str("service", name).
				Err(outcome.err).
				Str("next", candidates[i+1]).
				Msg("attempt failed before output, falling back")
		}
		if ctx.Err() != nil {
			aborted = true
			break
		}
	}

	// Exhaustion means the whole chain was consumed; a cancelled caller
	// that cut the chain short is reported as the cancellation it is.
	if aborted {
		ctxErr := ctx.Err()
		errMsg := fmt.Sprintf("task aborted: %v (attempts: %s)", ctxErr, strings.Join(attemptErrs, "; "))
		o.finalize(ctx, task, store.StatusFailed, "", errMsg, began)
		return fmt.Errorf("task aborted: %w", ctxErr)
	}

	errMsg := fmt.Sprintf("%v: %s", ErrAllServicesExhausted, strings.Join(attemptErrs, "; "))
	o.finalize(ctx, task, store.StatusFailed, "", errMsg, began)
	return fmt.Errorf("%w: %s", ErrAllServicesExhausted, strings.Join(attemptErrs, "; "))
}

// attempt runs one service under its timeout, publishing a progress event
// per fragment and accumulating the output.
func (o *Orchestrator) attempt(ctx context.Context, task *store.Task, name string, timeout time.Duration) attemptOutcome {
	outcome := attemptOutcome{service: name}

	adapter, ok := o.registry.Adapter(name)
	if !ok {
		outcome.err = fmt.Errorf("%w: unknown service %q", ErrServiceFailed, name)
		return outcome
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fragments, err := adapter.Execute(attemptCtx, o.requestFor(task))
	if err != nil {
		outcome.err = fmt.Errorf("%w: %v", ErrServiceFailed, err)
		return outcome
	}

	var output strings.Builder
	for frag := range fragments {
		if frag.Err != nil {
			outcome.err = classifyStreamErr(attemptCtx, frag.Err)
			break
		}
		outcome.fragments++
		output.WriteString(frag.Text)

		event := bus.NewEvent(bus.EventTaskProgress)
		event.TaskID = task.ID
		event.Service = name
		event.Fragment = frag.Text
		o.bus.Publish(event)
	}
	outcome.output = output.String()

	if outcome.err == nil && attemptCtx.Err() != nil {
		outcome.err = classifyStreamErr(attemptCtx, attemptCtx.Err())
	}
	return outcome
}

// requestFor maps the persisted task to an adapter request.
func (o *Orchestrator) requestFor(task *store.Task) service.Request {
	return service.Request{Prompt: task.Prompt}
}

// classifyStreamErr maps low-level stream failures onto the orchestrator's
// error taxonomy.
func classifyStreamErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrServiceTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrServiceFailed, err)
}
