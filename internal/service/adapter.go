// Package service wraps pluggable language-model execution targets behind a
// uniform Adapter capability. An adapter exposes streaming execution, a
// health probe, and capability metadata; everything upstream (router,
// orchestrator) only ever sees this interface, never a concrete backend.
package service

import (
	"context"
	"time"
)

// Kind identifies how a service is reached.
type Kind string

const (
	// KindHTTP reaches the service through an OpenAI-style streaming
	// chat-completions endpoint.
	KindHTTP Kind = "http"
	// KindProcess spawns a local command per request and streams its stdout.
	KindProcess Kind = "process"
)

// Fragment is one unit of streamed partial output from a service. A
// non-nil Err terminates the stream; the channel is closed afterwards.
type Fragment struct {
	Text string
	Err  error
}

// Request is a single execution request passed to an adapter.
type Request struct {
	// Prompt is the user's input text.
	Prompt string

	// System is an optional system prompt.
	System string
}

// Metadata describes a service's capabilities for the registry snapshot.
type Metadata struct {
	Name        string   `json:"name"`
	Kind        Kind     `json:"kind"`
	Model       string   `json:"model,omitempty"`
	Description string   `json:"description,omitempty"`
	Strengths   []string `json:"strengths,omitempty"`
}

// Adapter is the uniform capability wrapping one backend.
//
// Execute returns a receive-only fragment channel. Fragments arrive in
// emission order; the channel is closed exactly once, after the final
// fragment (or the fragment carrying the terminal error). Cancelling ctx
// aborts the stream.
type Adapter interface {
	Execute(ctx context.Context, req Request) (<-chan Fragment, error)
	HealthCheck(ctx context.Context) error
	Metadata() Metadata
}

// Config describes one configured service. It is produced by the
// configuration provider and consumed by the factory and registry.
type Config struct {
	// Name is the unique service name used in routing decisions.
	Name string `mapstructure:"name" yaml:"name"`

	// Kind selects the adapter implementation (http or process).
	Kind Kind `mapstructure:"kind" yaml:"kind"`

	// Enabled gates the service in routing; disabled services stay in the
	// registry but are never eligible.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Endpoint is the API base URL (http kind).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`

	// APIKey authenticates against the endpoint (http kind).
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`

	// Model is the model identifier sent with each request (http kind).
	Model string `mapstructure:"model" yaml:"model,omitempty"`

	// Command is the executable to spawn (process kind).
	Command string `mapstructure:"command" yaml:"command,omitempty"`

	// Args are extra arguments passed to Command (process kind).
	Args []string `mapstructure:"args" yaml:"args,omitempty"`

	// Description and Strengths are free-form capability metadata surfaced
	// through GET /services.
	Description string   `mapstructure:"description" yaml:"description,omitempty"`
	Strengths   []string `mapstructure:"strengths" yaml:"strengths,omitempty"`

	// Timeouts overrides the per-phase streaming timeouts (http kind).
	Timeouts *TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts,omitempty"`
}

// TimeoutConfig is the 3-phase timeout system for streaming HTTP services.
// Phase 1: establish the connection and send headers. Phase 2: wait for the
// first token (model loading happens here). Phase 3: max gap between tokens
// while streaming.
type TimeoutConfig struct {
	ConnectionTimeoutSec int `mapstructure:"connection_timeout_sec" yaml:"connection_timeout_sec,omitempty"`
	FirstTokenTimeoutSec int `mapstructure:"first_token_timeout_sec" yaml:"first_token_timeout_sec,omitempty"`
	StreamIdleTimeoutSec int `mapstructure:"stream_idle_timeout_sec" yaml:"stream_idle_timeout_sec,omitempty"`
}

// timeouts resolves the config to concrete durations with defaults applied.
func (c *Config) timeouts() (connection, firstToken, streamIdle time.Duration) {
	connection = 30 * time.Second
	firstToken = 120 * time.Second
	streamIdle = 30 * time.Second
	if c.Timeouts == nil {
		return
	}
	if c.Timeouts.ConnectionTimeoutSec > 0 {
		connection = time.Duration(c.Timeouts.ConnectionTimeoutSec) * time.Second
	}
	if c.Timeouts.FirstTokenTimeoutSec > 0 {
		firstToken = time.Duration(c.Timeouts.FirstTokenTimeoutSec) * time.Second
	}
	if c.Timeouts.StreamIdleTimeoutSec > 0 {
		streamIdle = time.Duration(c.Timeouts.StreamIdleTimeoutSec) * time.Second
	}
	return
}
