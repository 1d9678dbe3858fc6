package service

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

// ProcessAdapter runs a locally installed CLI model runner. Each request
// spawns one process: the prompt is written to stdin, and each stdout line
// becomes one fragment. The process is killed when ctx is cancelled.
type ProcessAdapter struct {
	cfg Config
}

// NewProcessAdapter creates an adapter for one configured local command.
func NewProcessAdapter(cfg Config) *ProcessAdapter {
	return &ProcessAdapter{cfg: cfg}
}

// Metadata returns the service's capability metadata.
func (a *ProcessAdapter) Metadata() Metadata {
	return Metadata{
		Name:        a.cfg.Name,
		Kind:        KindProcess,
		Model:       a.cfg.Model,
		Description: a.cfg.Description,
		Strengths:   append([]string(nil), a.cfg.Strengths...),
	}
}

// HealthCheck verifies the command exists on PATH. Spawning a probe process
// per check would be wasteful; a missing binary is the realistic failure.
func (a *ProcessAdapter) HealthCheck(ctx context.Context) error {
	if a.cfg.Command == "" {
		return fmt.Errorf("service %s: no command configured", a.cfg.Name)
	}
	if _, err := exec.LookPath(a.cfg.Command); err != nil {
		return fmt.Errorf("service %s: %w", a.cfg.Name, err)
	}
	return nil
}

// Execute spawns the command and streams its stdout lines as fragments.
func (a *ProcessAdapter) Execute(ctx context.Context, req Request) (<-chan Fragment, error) {
	if a.cfg.Command == "" {
		return nil, fmt.Errorf("service %s: no command configured", a.cfg.Name)
	}

	cmd := exec.CommandContext(ctx, a.cfg.Command, a.cfg.Args...)

	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + req.Prompt
	}
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", a.cfg.Command, err)
	}

	log.Debug().Str("service", a.cfg.Name).Str("command", a.cfg.Command).Int("pid", cmd.Process.Pid).Msg("spawned service process")

	out := make(chan Fragment)
	go a.stream(ctx, cmd, stdout, stderr, out)
	return out, nil
}

// stream forwards stdout lines as fragments and reaps the process. A
// non-zero exit before any output becomes a terminal error fragment with
// the captured stderr attached.
func (a *ProcessAdapter) stream(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader, out chan<- Fragment) {
	defer close(out)

	// Drain stderr concurrently so the child cannot block on a full pipe.
	errText := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(stderr, MaxErrorBodySize))
		errText <- strings.TrimSpace(string(data))
	}()

	emit := func(f Fragment) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var totalBytes int64
	for scanner.Scan() {
		line := scanner.Text()
		totalBytes += int64(len(line)) + 1
		if totalBytes > MaxStreamedResponseSize {
			emit(Fragment{Err: fmt.Errorf("%s: response exceeded %d bytes", a.cfg.Name, int64(MaxStreamedResponseSize))})
			cmd.Process.Kill()
			cmd.Wait()
			return
		}
		if !emit(Fragment{Text: line + "\n"}) {
			cmd.Wait()
			return
		}
	}
	scanErr := scanner.Err()

	// Drain stderr fully before Wait; Wait closes the pipes and would
	// truncate a capture still in flight.
	stderrOut := <-errText
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		emit(Fragment{Err: ctx.Err()})
		return
	}
	if scanErr != nil {
		emit(Fragment{Err: fmt.Errorf("read stdout: %w", scanErr)})
		return
	}
	if waitErr != nil {
		if stderrOut != "" {
			emit(Fragment{Err: fmt.Errorf("%s: %w: %s", a.cfg.Name, waitErr, stderrOut)})
		} else {
			emit(Fragment{Err: fmt.Errorf("%s: %w", a.cfg.Name, waitErr)})
		}
	}
}
