package route

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/service"
)

func snapshot(infos ...service.Info) *service.Snapshot {
	return service.NewSnapshot(infos)
}

func info(name string, enabled, healthy bool) service.Info {
	return service.Info{
		Metadata: service.Metadata{Name: name, Kind: service.KindHTTP},
		Enabled:  enabled,
		Healthy:  healthy,
	}
}

func profile(category classify.Category, recommended ...string) *classify.TaskProfile {
	return &classify.TaskProfile{Category: category, Recommended: recommended}
}

func TestRouteSingleWhenOneCandidate(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(info("local", true, true))

	decision, err := r.Route(profile(classify.CategoryQuickQuery, "local"), snap, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, decision.Mode)
	assert.Equal(t, "local", decision.Primary)
	assert.Empty(t, decision.Fallbacks)
}

func TestRouteFallbackChainOrder(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(
		info("local", true, true),
		info("cloud-fast", true, true),
		info("cloud-smart", true, true),
	)

	decision, err := r.Route(profile(classify.CategoryCodeReview, "cloud-smart", "cloud-fast", "local"), snap, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, ModeFallbackChain, decision.Mode)
	assert.Equal(t, "cloud-smart", decision.Primary)
	assert.Equal(t, []string{"cloud-fast", "local"}, decision.Fallbacks)
}

func TestRouteSkipsIneligible(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(
		info("cloud-smart", true, false), // unhealthy
		info("cloud-fast", false, true),  // disabled
		info("local", true, true),
	)

	decision, err := r.Route(profile(classify.CategoryCodeReview, "cloud-smart", "cloud-fast", "local"), snap, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, decision.Mode)
	assert.Equal(t, "local", decision.Primary)
}

func TestRouteWidensWhenRecommendationEmpty(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(
		info("alpha", true, true),
		info("beta", true, true),
	)

	// Recommended names are not configured at all.
	decision, err := r.Route(profile(classify.CategoryGeneration, "cloud-smart", "cloud-fast"), snap, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", decision.Primary)
	assert.Equal(t, []string{"beta"}, decision.Fallbacks)
}

func TestRouteNoServiceAvailable(t *testing.T) {
	r := NewRouter(DefaultConfig())

	_, err := r.Route(profile(classify.CategoryQuickQuery, "local"), snapshot(), Preferences{})
	assert.ErrorIs(t, err, ErrNoServiceAvailable)

	_, err = r.Route(profile(classify.CategoryQuickQuery, "local"), snapshot(info("local", true, false)), Preferences{})
	assert.ErrorIs(t, err, ErrNoServiceAvailable)
}

func TestRoutePreferredServiceFirst(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(
		info("local", true, true),
		info("cloud-fast", true, true),
	)

	decision, err := r.Route(
		profile(classify.CategoryQuickQuery, "cloud-fast", "local"),
		snap,
		Preferences{PreferredService: "local"},
	)
	require.NoError(t, err)
	assert.Equal(t, "local", decision.Primary)
	assert.Equal(t, []string{"cloud-fast"}, decision.Fallbacks)
}

func TestRoutePreferredServiceIneligibleIgnored(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(
		info("local", true, false),
		info("cloud-fast", true, true),
	)

	decision, err := r.Route(
		profile(classify.CategoryQuickQuery, "cloud-fast"),
		snap,
		Preferences{PreferredService: "local"},
	)
	require.NoError(t, err)
	assert.Equal(t, "cloud-fast", decision.Primary)
}

func TestRouteCategoryAssignment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Assignments = map[classify.Category]string{
		classify.CategorySummarization: "cloud-fast",
	}
	r := NewRouter(cfg)
	snap := snapshot(
		info("local", true, true),
		info("cloud-fast", true, true),
	)

	decision, err := r.Route(profile(classify.CategorySummarization, "local", "cloud-fast"), snap, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, "cloud-fast", decision.Primary)
}

func TestRouteDecisionSubsetOfEligible(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(
		info("a", true, true),
		info("b", true, false),
		info("c", false, true),
		info("d", true, true),
	)

	decision, err := r.Route(profile(classify.CategoryGeneral, "a", "b", "c", "d"), snap, Preferences{})
	require.NoError(t, err)
	for _, name := range decision.Participants() {
		assert.True(t, snap.Eligible(name), "decision named ineligible service %s", name)
	}
}

func TestRouteBroadcastAllEligible(t *testing.T) {
	r := NewRouter(DefaultConfig())
	snap := snapshot(
		info("a", true, true),
		info("b", true, false),
		info("c", true, true),
	)

	decision, err := r.RouteBroadcast(profile(classify.CategoryGeneral), snap)
	require.NoError(t, err)
	assert.Equal(t, ModeBroadcastAll, decision.Mode)
	assert.Equal(t, []string{"a", "c"}, decision.Services)
}

func TestRouteBroadcastSingleServiceValid(t *testing.T) {
	r := NewRouter(DefaultConfig())

	decision, err := r.RouteBroadcast(profile(classify.CategoryGeneral), snapshot(info("only", true, true)))
	require.NoError(t, err)
	assert.Equal(t, ModeBroadcastAll, decision.Mode)
	assert.Equal(t, []string{"only"}, decision.Services)
}

func TestRouteBroadcastNoneEligible(t *testing.T) {
	r := NewRouter(DefaultConfig())

	_, err := r.RouteBroadcast(profile(classify.CategoryGeneral), snapshot(info("a", false, true)))
	assert.ErrorIs(t, err, ErrNoServiceAvailable)
}

func TestTimeoutPerCategory(t *testing.T) {
	r := NewRouter(Config{DefaultTimeoutSec: 60, AnalysisTimeoutSec: 600})
	snap := snapshot(info("local", true, true))

	decision, err := r.Route(profile(classify.CategoryQuickQuery, "local"), snap, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, 60, decision.TimeoutSeconds)

	decision, err = r.Route(profile(classify.CategoryCodebaseAnalysis, "local"), snap, Preferences{})
	require.NoError(t, err)
	assert.Equal(t, 600, decision.TimeoutSeconds)
}
