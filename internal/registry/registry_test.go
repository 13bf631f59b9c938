package registry

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greyhelm/messagehub/internal/config"
	"github.com/greyhelm/messagehub/internal/types"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		CheckInterval:      10 * time.Second,
		CheckTimeout:       time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		DependencyInterval: 30 * time.Second,
		LatencyEMAWeight:   0.9,
		MinHealthScore:     0.5,
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return New(testHealthConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func register(r *Registry, st types.ServiceType, id string, weight int) {
	r.RegisterInstance(types.ServiceRegistration{
		ServiceType: st,
		InstanceID:  id,
		URL:         "http://" + id + ".local:9000",
		Weight:      weight,
	})
}

// markHealthy drives an instance through enough successful checks to become Healthy.
func markHealthy(r *Registry, st types.ServiceType, id string) {
	for i := 0; i < 2; i++ {
		r.recordHealthCheck(st, id, true, 10*time.Millisecond)
	}
}

func TestGetInstanceNilWhenEmpty(t *testing.T) {
	r := newTestRegistry(t)
	assert.Nil(t, r.GetInstance(types.ServiceCampaign, "", ""))
}

func TestRegisterReplacesSameInstanceID(t *testing.T) {
	r := newTestRegistry(t)
	register(r, types.ServiceCampaign, "c1", 1)
	r.RegisterInstance(types.ServiceRegistration{
		ServiceType: types.ServiceCampaign,
		InstanceID:  "c1",
		URL:         "http://c1.local:9999",
	})

	all := r.GetAllInstances(types.ServiceCampaign, false)
	require.Len(t, all, 1)
	assert.Equal(t, "http://c1.local:9999", all[0].URL)
}

func TestDeregister(t *testing.T) {
	r := newTestRegistry(t)
	register(r, types.ServiceCampaign, "c1", 1)

	assert.True(t, r.DeregisterInstance(types.ServiceCampaign, "c1"))
	assert.False(t, r.DeregisterInstance(types.ServiceCampaign, "c1"))
	assert.Nil(t, r.GetInstance(types.ServiceCampaign, "", ""))
}

func TestRoundRobinDistribution(t *testing.T) {
	r := newTestRegistry(t, WithStrategy(types.StrategyRoundRobin))
	for _, id := range []string{"a", "b", "c"} {
		register(r, types.ServiceCharacter, id, 1)
		markHealthy(r, types.ServiceCharacter, id)
	}

	counts := make(map[string]int)
	for i := 0; i < 300; i++ {
		inst := r.GetInstance(types.ServiceCharacter, "", "")
		require.NotNil(t, inst)
		counts[inst.InstanceID]++
	}

	assert.Equal(t, 100, counts["a"])
	assert.Equal(t, 100, counts["b"])
	assert.Equal(t, 100, counts["c"])
}

func TestLeastConnections(t *testing.T) {
	r := newTestRegistry(t, WithStrategy(types.StrategyLeastConnections))
	register(r, types.ServiceCampaign, "busy", 1)
	register(r, types.ServiceCampaign, "idle", 1)
	markHealthy(r, types.ServiceCampaign, "busy")
	markHealthy(r, types.ServiceCampaign, "idle")

	for i := 0; i < 5; i++ {
		r.OnRequestStart(types.ServiceCampaign, "busy")
	}

	inst := r.GetInstance(types.ServiceCampaign, "", "")
	require.NotNil(t, inst)
	assert.Equal(t, "idle", inst.InstanceID)
}

func TestWeightedSelectionFavorsHeavy(t *testing.T) {
	r := newTestRegistry(t, WithStrategy(types.StrategyWeighted))
	register(r, types.ServiceAdvisor, "heavy", 9)
	register(r, types.ServiceAdvisor, "light", 1)
	markHealthy(r, types.ServiceAdvisor, "heavy")
	markHealthy(r, types.ServiceAdvisor, "light")

	counts := make(map[string]int)
	for i := 0; i < 1000; i++ {
		counts[r.GetInstance(types.ServiceAdvisor, "", "").InstanceID]++
	}
	assert.Greater(t, counts["heavy"], counts["light"]*3,
		"weighted random should heavily favor the weight-9 instance")
}

func TestHealthAwareSelection(t *testing.T) {
	r := newTestRegistry(t)
	register(r, types.ServiceRules, "r1", 1)
	register(r, types.ServiceRules, "r2", 1)

	// Drive both unhealthy; r2 fails fewer requests so it scores higher.
	for i := 0; i < 3; i++ {
		r.recordHealthCheck(types.ServiceRules, "r1", false, 0)
		r.recordHealthCheck(types.ServiceRules, "r2", false, 0)
	}
	// Unhealthy instances are not eligible at all.
	assert.Nil(t, r.GetInstance(types.ServiceRules, "", ""))

	// Degrade (not kill) both, then skew request history.
	r.recordHealthCheck(types.ServiceRules, "r1", true, 10*time.Millisecond)
	r.recordHealthCheck(types.ServiceRules, "r2", true, 10*time.Millisecond)

	r.OnRequestStart(types.ServiceRules, "r1")
	r.OnRequestEnd(types.ServiceRules, "r1", false, 50*time.Millisecond)

	inst := r.GetInstance(types.ServiceRules, "", "")
	require.NotNil(t, inst)
	assert.Equal(t, "r2", inst.InstanceID)
}

func TestCapabilityFilter(t *testing.T) {
	r := newTestRegistry(t)
	r.RegisterInstance(types.ServiceRegistration{
		ServiceType:  types.ServiceAdvisor,
		InstanceID:   "narrow",
		URL:          "http://narrow.local:9000",
		Capabilities: []types.MessageType{"advisor.suggest"},
	})
	markHealthy(r, types.ServiceAdvisor, "narrow")

	assert.NotNil(t, r.GetInstance(types.ServiceAdvisor, "advisor.suggest", ""))
	assert.Nil(t, r.GetInstance(types.ServiceAdvisor, "advisor.review", ""))
}

func TestVersionPreference(t *testing.T) {
	r := newTestRegistry(t, WithStrategy(types.StrategyRoundRobin))
	r.RegisterInstance(types.ServiceRegistration{
		ServiceType: types.ServiceCampaign, InstanceID: "v1",
		URL: "http://v1.local:9000", Version: "1.0.0",
	})
	r.RegisterInstance(types.ServiceRegistration{
		ServiceType: types.ServiceCampaign, InstanceID: "v2",
		URL: "http://v2.local:9000", Version: "2.0.0",
	})
	markHealthy(r, types.ServiceCampaign, "v1")
	markHealthy(r, types.ServiceCampaign, "v2")

	for i := 0; i < 10; i++ {
		inst := r.GetInstance(types.ServiceCampaign, "", "2.0.0")
		require.NotNil(t, inst)
		assert.Equal(t, "v2", inst.InstanceID)
	}

	// A missing preferred version degrades to whatever is available.
	assert.NotNil(t, r.GetInstance(types.ServiceCampaign, "", "9.9.9"))
}

func TestActiveConnectionsNeverNegative(t *testing.T) {
	r := newTestRegistry(t)
	register(r, types.ServiceCampaign, "c1", 1)

	r.OnRequestEnd(types.ServiceCampaign, "c1", true, time.Millisecond)
	r.OnRequestEnd(types.ServiceCampaign, "c1", true, time.Millisecond)

	all := r.GetAllInstances(types.ServiceCampaign, false)
	require.Len(t, all, 1)
	assert.Equal(t, 0, all[0].ActiveConnections)
}

func TestLatencyEMA(t *testing.T) {
	r := newTestRegistry(t)
	register(r, types.ServiceCampaign, "c1", 1)

	r.OnRequestStart(types.ServiceCampaign, "c1")
	r.OnRequestEnd(types.ServiceCampaign, "c1", true, 100*time.Millisecond)
	r.OnRequestStart(types.ServiceCampaign, "c1")
	r.OnRequestEnd(types.ServiceCampaign, "c1", true, 200*time.Millisecond)

	all := r.GetAllInstances(types.ServiceCampaign, false)
	// 0.9*100ms + 0.1*200ms = 110ms
	assert.InDelta(t, float64(110*time.Millisecond), float64(all[0].AverageLatency),
		float64(time.Millisecond))
}
