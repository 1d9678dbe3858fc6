package service

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// MaxErrorBodySize limits how much of an error response body is read
	// so a malformed backend cannot exhaust memory.
	MaxErrorBodySize = 1 * 1024 * 1024

	// MaxStreamedResponseSize limits the total streamed output per request,
	// guarding against runaway generation.
	MaxStreamedResponseSize = 50 * 1024 * 1024

	// healthProbeTimeout bounds the health check round trip.
	healthProbeTimeout = 3 * time.Second
)

// HTTPAdapter executes requests against an OpenAI-style streaming
// chat-completions endpoint. It implements the 3-phase timeout system:
// connection establishment, first token (covers model cold start), and
// inter-token stream idle.
type HTTPAdapter struct {
	cfg        Config
	client     *http.Client
	health     *http.Client
	connection time.Duration
	firstToken time.Duration
	streamIdle time.Duration
}

// NewHTTPAdapter creates an adapter for one configured HTTP service.
func NewHTTPAdapter(cfg Config) *HTTPAdapter {
	connection, firstToken, streamIdle := cfg.timeouts()

	return &HTTPAdapter{
		cfg:        cfg,
		connection: connection,
		firstToken: firstToken,
		streamIdle: streamIdle,
		client: &http.Client{
			// No Client.Timeout: it would cover the whole body read and
			// kill long streams. The per-phase timers below handle hangs.
			Transport: &http.Transport{
				ResponseHeaderTimeout: connection,
			},
		},
		health: &http.Client{Timeout: healthProbeTimeout},
	}
}

// Metadata returns the service's capability metadata.
func (a *HTTPAdapter) Metadata() Metadata {
	return Metadata{
		Name:        a.cfg.Name,
		Kind:        KindHTTP,
		Model:       a.cfg.Model,
		Description: a.cfg.Description,
		Strengths:   append([]string(nil), a.cfg.Strengths...),
	}
}

// HealthCheck probes the models listing endpoint.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	endpoint := strings.TrimRight(a.cfg.Endpoint, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.health.Do(req)
	if err != nil {
		return fmt.Errorf("health probe %s: %w", a.cfg.Name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, MaxErrorBodySize))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("health probe %s: status %d", a.cfg.Name, resp.StatusCode)
	}
	return nil
}

// chatRequest is the OpenAI-compatible request body.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatChunk is one SSE data payload from the stream.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Execute sends the prompt and returns a channel of streamed fragments.
// The returned error covers request construction and connection failures
// only; failures mid-stream arrive as a final Fragment with Err set.
func (a *HTTPAdapter) Execute(ctx context.Context, req Request) (<-chan Fragment, error) {
	messages := []chatMessage{}
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:    a.cfg.Model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimRight(a.cfg.Endpoint, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", a.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		return nil, fmt.Errorf("%s returned status %d: %s", a.cfg.Name, resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	out := make(chan Fragment)
	go a.stream(ctx, resp.Body, out)
	return out, nil
}

// stream decodes SSE lines and forwards fragments, enforcing the
// first-token and stream-idle timeouts. It always closes both the response
// body and the output channel.
func (a *HTTPAdapter) stream(ctx context.Context, body io.ReadCloser, out chan<- Fragment) {
	defer close(out)
	defer body.Close()

	type lineOrErr struct {
		line string
		err  error
	}
	lines := make(chan lineOrErr, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- lineOrErr{line: scanner.Text()}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case lines <- lineOrErr{err: err}:
			case <-ctx.Done():
			}
		}
	}()

	var totalBytes int64
	firstTokenReceived := false
	firstTokenTimer := time.NewTimer(a.firstToken)
	defer firstTokenTimer.Stop()
	idleTimer := time.NewTimer(a.streamIdle)
	idleTimer.Stop()
	defer idleTimer.Stop()

	emit := func(f Fragment) bool {
		select {
		case out <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		var timeout <-chan time.Time
		if !firstTokenReceived {
			timeout = firstTokenTimer.C
		} else {
			timeout = idleTimer.C
		}

		select {
		case <-ctx.Done():
			emit(Fragment{Err: ctx.Err()})
			return

		case <-timeout:
			if !firstTokenReceived {
				emit(Fragment{Err: fmt.Errorf("%s: no token within %s", a.cfg.Name, a.firstToken)})
			} else {
				emit(Fragment{Err: fmt.Errorf("%s: stream stalled for %s", a.cfg.Name, a.streamIdle)})
			}
			return

		case l, ok := <-lines:
			if !ok {
				// Stream ended without [DONE]; treat as normal completion.
				return
			}
			if l.err != nil {
				emit(Fragment{Err: fmt.Errorf("read stream: %w", l.err)})
				return
			}

			data, isData := strings.CutPrefix(strings.TrimSpace(l.line), "data:")
			if !isData {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				log.Debug().Str("service", a.cfg.Name).Err(err).Msg("skipping undecodable stream chunk")
				continue
			}
			if len(chunk.Choices) == 0 {
				continue
			}

			if !firstTokenReceived {
				firstTokenReceived = true
				firstTokenTimer.Stop()
			} else if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(a.streamIdle)

			text := chunk.Choices[0].Delta.Content
			if text != "" {
				totalBytes += int64(len(text))
				if totalBytes > MaxStreamedResponseSize {
					emit(Fragment{Err: fmt.Errorf("%s: response exceeded %d bytes", a.cfg.Name, int64(MaxStreamedResponseSize))})
					return
				}
				if !emit(Fragment{Text: text}) {
					return
				}
			}
			if chunk.Choices[0].FinishReason != nil && *chunk.Choices[0].FinishReason != "" {
				return
			}
		}
	}
}
