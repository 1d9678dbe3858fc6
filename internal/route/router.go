// Package route turns a TaskProfile plus a live registry snapshot into a
// RoutingDecision: which service(s) to run and in what mode. Routing is a
// pure function of its inputs. The snapshot is injected rather than read
// from ambient state, so decisions are reproducible in tests.
package route

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/service"
)

// ErrNoServiceAvailable is returned when no enabled, healthy service can
// serve the request. No task record exists for this failure.
var ErrNoServiceAvailable = errors.New("no service available")

// Mode is the execution mode of a routing decision.
type Mode string

const (
	// ModeSingle runs exactly one service with no fallbacks.
	ModeSingle Mode = "single"
	// ModeFallbackChain runs the primary, advancing through the chain on
	// pre-output failure.
	ModeFallbackChain Mode = "fallback_chain"
	// ModeBroadcastAll runs every eligible service concurrently.
	ModeBroadcastAll Mode = "broadcast_all"
)

// Decision describes which service(s) to use and in what order.
// The service set is always a non-empty subset of the snapshot's enabled,
// healthy services; an empty eligible set is a routing failure, never a
// decision.
type Decision struct {
	// Mode is the execution mode.
	Mode Mode `json:"mode"`

	// Primary is the first service to run (single and fallback_chain).
	Primary string `json:"primary,omitempty"`

	// Fallbacks is the ordered chain after Primary (fallback_chain only).
	Fallbacks []string `json:"fallbacks,omitempty"`

	// Services is the full participant set (broadcast_all only).
	Services []string `json:"services,omitempty"`

	// TimeoutSeconds bounds each attempt.
	TimeoutSeconds int `json:"timeout_seconds"`

	// Reason is a human-readable explanation of the decision.
	Reason string `json:"reason,omitempty"`
}

// Participants returns every service named by the decision, primary first.
func (d *Decision) Participants() []string {
	if d.Mode == ModeBroadcastAll {
		return append([]string(nil), d.Services...)
	}
	out := []string{d.Primary}
	return append(out, d.Fallbacks...)
}

// Preferences is the closed, validated set of caller-controlled routing
// options. Unknown preference keys are rejected at the API boundary.
type Preferences struct {
	// PreferredService, when eligible, is tried before the recommendation
	// order and any category assignment.
	PreferredService string `json:"preferred_service,omitempty"`

	// BroadcastAll forces broadcast-all mode.
	BroadcastAll bool `json:"broadcast_all,omitempty"`
}

// Config holds the routing rules from configuration.
type Config struct {
	// Assignments overrides the recommendation order per category: the
	// assigned service is prepended when eligible.
	Assignments map[classify.Category]string

	// DefaultTimeoutSec is the per-attempt timeout budget.
	DefaultTimeoutSec int

	// AnalysisTimeoutSec replaces the default for codebase-analysis
	// profiles, which legitimately run longer.
	AnalysisTimeoutSec int
}

// DefaultConfig returns sensible routing defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeoutSec:  120,
		AnalysisTimeoutSec: 300,
	}
}

// Router selects services for task profiles.
type Router struct {
	cfg Config
}

// NewRouter creates a router with the given rules.
func NewRouter(cfg Config) *Router {
	if cfg.DefaultTimeoutSec <= 0 {
		cfg.DefaultTimeoutSec = DefaultConfig().DefaultTimeoutSec
	}
	if cfg.AnalysisTimeoutSec <= 0 {
		cfg.AnalysisTimeoutSec = DefaultConfig().AnalysisTimeoutSec
	}
	return &Router{cfg: cfg}
}

// Route produces a single or fallback-chain decision for the profile.
//
// The recommendation list is filtered to enabled+healthy services; the
// caller's preferred service and then a category assignment, when eligible,
// are prepended. If nothing in the recommendation survives filtering, the
// search widens to every eligible service in declaration order. An empty
// result is ErrNoServiceAvailable.
func (r *Router) Route(profile *classify.TaskProfile, snap *service.Snapshot, prefs Preferences) (*Decision, error) {
	candidates := r.rankedCandidates(profile, snap, prefs)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("category %s: %w", profile.Category, ErrNoServiceAvailable)
	}

	decision := &Decision{
		Primary:        candidates[0],
		TimeoutSeconds: r.timeoutFor(profile),
	}
	if len(candidates) == 1 {
		decision.Mode = ModeSingle
		decision.Reason = fmt.Sprintf("only eligible service for %s", profile.Category)
	} else {
		decision.Mode = ModeFallbackChain
		decision.Fallbacks = candidates[1:]
		decision.Reason = fmt.Sprintf("ranked by %s recommendation", profile.Category)
	}

	log.Debug().
		Str("category", profile.Category.String()).
		Str("mode", string(decision.Mode)).
		Str("primary", decision.Primary).
		Strs("fallbacks", decision.Fallbacks).
		Msg("routed task")
	return decision, nil
}

// RouteBroadcast produces a broadcast-all decision covering every eligible
// service. A single-element set is valid and degenerates to ordinary
// single-service execution at run time.
func (r *Router) RouteBroadcast(profile *classify.TaskProfile, snap *service.Snapshot) (*Decision, error) {
	var eligible []string
	for _, info := range snap.Services() {
		if info.Enabled && info.Healthy {
			eligible = append(eligible, info.Metadata.Name)
		}
	}
	if len(eligible) == 0 {
		return nil, fmt.Errorf("broadcast: %w", ErrNoServiceAvailable)
	}

	return &Decision{
		Mode:           ModeBroadcastAll,
		Services:       eligible,
		TimeoutSeconds: r.timeoutFor(profile),
		Reason:         fmt.Sprintf("broadcast across %d eligible services", len(eligible)),
	}, nil
}

// rankedCandidates builds the ordered eligible list: caller preference,
// then the category assignment, then the recommendation order, then the
// widened declaration-order search when all of those yield nothing.
func (r *Router) rankedCandidates(profile *classify.TaskProfile, snap *service.Snapshot, prefs Preferences) []string {
	seen := make(map[string]bool)
	var ranked []string
	add := func(name string) {
		if !seen[name] && snap.Eligible(name) {
			seen[name] = true
			ranked = append(ranked, name)
		}
	}

	if prefs.PreferredService != "" {
		add(prefs.PreferredService)
	}
	if assigned, ok := r.cfg.Assignments[profile.Category]; ok {
		add(assigned)
	}
	for _, name := range profile.Recommended {
		add(name)
	}

	if len(ranked) == 0 {
		for _, info := range snap.Services() {
			add(info.Metadata.Name)
		}
	}
	return ranked
}

// timeoutFor picks the attempt budget for a profile.
func (r *Router) timeoutFor(profile *classify.TaskProfile) int {
	if profile.Category == classify.CategoryCodebaseAnalysis {
		return r.cfg.AnalysisTimeoutSec
	}
	return r.cfg.DefaultTimeoutSec
}
