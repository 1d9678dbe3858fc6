package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/switchboard/internal/bus"
	"github.com/normanking/switchboard/internal/route"
	"github.com/normanking/switchboard/internal/store"
)

// broadcastChunk is one message on the aggregation channel: a fragment or
// the terminal marker for one service.
type broadcastChunk struct {
	service   string
	text      string
	done      bool
	err       error
	output    string
	fragments int
}

// runBroadcast executes every service in the decision concurrently. One
// worker per service feeds a shared aggregation channel; a single consumer
// republishes chunks as events and records each service's final outcome
// exactly once. Units are isolated: a unit's timeout or failure never
// cancels its siblings, and the task itself always completes.
func (o *Orchestrator) runBroadcast(ctx context.Context, task *store.Task, decision *route.Decision) error {
	began := time.Now()
	chunks := make(chan broadcastChunk, len(decision.Services)*4)

	var wg sync.WaitGroup
	for _, name := range decision.Services {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			o.broadcastUnit(ctx, task, name, chunks)
		}(name)
	}
	go func() {
		wg.Wait()
		close(chunks)
	}()

	var failures []string
	for chunk := range chunks {
		event := bus.NewEvent(bus.EventTaskBroadcastChunk)
		event.TaskID = task.ID
		event.Service = chunk.service
		event.Fragment = chunk.text

		if !chunk.done {
			o.bus.Publish(event)
			continue
		}

		event.Done = true
		event.FragmentCount = chunk.fragments
		result := store.BroadcastResult{
			Service:       chunk.service,
			Result:        chunk.output,
			FragmentCount: chunk.fragments,
		}
		if chunk.err != nil {
			event.Error = chunk.err.Error()
			result.Error = chunk.err.Error()
			failures = append(failures, fmt.Sprintf("%s: %v", chunk.service, chunk.err))
		}
		o.bus.Publish(event)

		if err := o.store.AppendBroadcastResult(context.WithoutCancel(ctx), task.ID, result); err != nil {
			log.Error().Err(err).
				Str("task_id", task.ID).
				Str("service", chunk.service).
				Msg("record broadcast result")
		}
	}

	// The broadcast as a whole succeeded once every unit has a recorded
	// outcome; individual failures live in the per-service results.
	var errMsg string
	if len(failures) == len(decision.Services) && len(failures) > 0 {
		errMsg = "all services failed: " + strings.Join(failures, "; ")
	}
	o.finalize(ctx, task, store.StatusCompleted, "", errMsg, began)

	log.Info().
		Str("task_id", task.ID).
		Int("services", len(decision.Services)).
		Int("failures", len(failures)).
		Msg("broadcast completed")
	return nil
}

// broadcastUnit runs one service to its own terminal state under the
// per-unit timeout and emits its chunks, ending with exactly one done
// marker.
func (o *Orchestrator) broadcastUnit(ctx context.Context, task *store.Task, name string, chunks chan<- broadcastChunk) {
	var output strings.Builder
	fragments := 0
	finish := func(err error) {
		chunks <- broadcastChunk{
			service:   name,
			done:      true,
			err:       err,
			output:    output.String(),
			fragments: fragments,
		}
	}

	adapter, ok := o.registry.Adapter(name)
	if !ok {
		finish(fmt.Errorf("%w: unknown service %q", ErrServiceFailed, name))
		return
	}

	unitCtx, cancel := context.WithTimeout(ctx, o.broadcastTimeout)
	defer cancel()

	stream, err := adapter.Execute(unitCtx, o.requestFor(task))
	if err != nil {
		finish(fmt.Errorf("%w: %v", ErrServiceFailed, err))
		return
	}

	for frag := range stream {
		if frag.Err != nil {
			finish(classifyStreamErr(unitCtx, frag.Err))
			return
		}
		fragments++
		output.WriteString(frag.Text)
		chunks <- broadcastChunk{service: name, text: frag.Text}
	}

	if unitCtx.Err() != nil {
		finish(classifyStreamErr(unitCtx, unitCtx.Err()))
		return
	}
	finish(nil)
}
