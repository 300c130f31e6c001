package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weave-nn/weave/pkg/config"
	"github.com/weave-nn/weave/pkg/models"
	"github.com/weave-nn/weave/pkg/registry"
)

func newFixture(t *testing.T, cfg config.RouterConfig) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	return New(reg, cfg, nil), reg
}

func defaultRouterConfig() config.RouterConfig {
	return config.RouterConfig{MaxDecomposition: 4}
}

func registerPair(t *testing.T, reg *registry.Registry) {
	t.Helper()
	require.NoError(t, reg.Register(models.ExpertProfile{
		ID:                 "e1",
		Type:               models.WorkerExpertType,
		Capabilities:       []models.Capability{{Name: "typescript", Proficiency: 0.9}},
		MaxConcurrentTasks: 2,
	}))
	require.NoError(t, reg.Register(models.ExpertProfile{
		ID:                 "e2",
		Type:               models.WorkerExpertType,
		Capabilities:       []models.Capability{{Name: "testing", Proficiency: 0.85}},
		MaxConcurrentTasks: 2,
	}))
}

func TestRouteSingleExpert(t *testing.T) {
	r, reg := newFixture(t, defaultRouterConfig())
	registerPair(t, reg)

	result, err := r.Route(models.RoutingRequest{
		TaskID: "t1",
		Requirements: []models.CapabilityRequirement{
			{Name: "typescript", MinProficiency: 0.8, Required: true},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"e1"}, result.ExpertIDs)
	assert.False(t, result.Decomposed)
	assert.False(t, result.Fallback)
	assert.False(t, result.RoutedAt.IsZero())

	got, err := reg.Get("e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, got.CurrentTasks)
}

func TestRouteDecomposesAcrossExperts(t *testing.T) {
	r, reg := newFixture(t, defaultRouterConfig())
	registerPair(t, reg)

	result, err := r.Route(models.RoutingRequest{
		TaskID: "t2",
		Requirements: []models.CapabilityRequirement{
			{Name: "typescript", MinProficiency: 0.8, Required: true},
			{Name: "testing", MinProficiency: 0.8, Required: true},
		},
		MaxExperts: 2,
	})
	require.NoError(t, err)

	assert.True(t, result.Decomposed)
	assert.ElementsMatch(t, []string{"e1", "e2"}, result.ExpertIDs)
	require.Len(t, result.Subtasks, 2)

	for _, st := range result.Subtasks {
		assert.Equal(t, "t2", st.ParentTaskID)
		require.Len(t, st.Requirements, 1)
		switch st.ExpertID {
		case "e1":
			assert.Equal(t, "typescript", st.Requirements[0].Name)
		case "e2":
			assert.Equal(t, "testing", st.Requirements[0].Name)
		default:
			t.Fatalf("unexpected expert %s", st.ExpertID)
		}

		// Each subtask reserved capacity on its expert.
		got, err := reg.Get(st.ExpertID)
		require.NoError(t, err)
		assert.Equal(t, []string{st.ID}, got.CurrentTasks)
	}
}

func TestRouteFallsBackOnRoutingMiss(t *testing.T) {
	r, reg := newFixture(t, defaultRouterConfig())
	registerPair(t, reg)

	result, err := r.Route(models.RoutingRequest{
		TaskID: "t3",
		Requirements: []models.CapabilityRequirement{
			{Name: "rust", MinProficiency: 0.9, Required: true},
		},
	})
	require.NoError(t, err)

	assert.True(t, result.Fallback)
	require.Len(t, result.ExpertIDs, 1)
}

func TestRouteRejectPartial(t *testing.T) {
	cfg := defaultRouterConfig()
	cfg.RejectPartial = true
	r, reg := newFixture(t, cfg)
	registerPair(t, reg)

	_, err := r.Route(models.RoutingRequest{
		TaskID: "t4",
		Requirements: []models.CapabilityRequirement{
			{Name: "typescript", MinProficiency: 0.8, Required: true},
			{Name: "testing", MinProficiency: 0.8, Required: true},
			{Name: "rust", MinProficiency: 0.9, Required: true},
		},
		MaxExperts: 3,
	})
	require.ErrorIs(t, err, ErrPartialCoverage)

	// Nothing may stay reserved after a rejected decomposition.
	for _, id := range []string{"e1", "e2"} {
		got, err := reg.Get(id)
		require.NoError(t, err)
		assert.Empty(t, got.CurrentTasks)
	}
}

func TestRoutePartialCoverageFallsBackByDefault(t *testing.T) {
	r, reg := newFixture(t, defaultRouterConfig())
	registerPair(t, reg)

	result, err := r.Route(models.RoutingRequest{
		TaskID: "t5",
		Requirements: []models.CapabilityRequirement{
			{Name: "typescript", MinProficiency: 0.8, Required: true},
			{Name: "testing", MinProficiency: 0.8, Required: true},
			{Name: "rust", MinProficiency: 0.9, Required: true},
		},
		MaxExperts: 3,
	})
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	assert.Len(t, result.ExpertIDs, 1)
}

func TestRoutePreferredAndExcluded(t *testing.T) {
	r, reg := newFixture(t, defaultRouterConfig())
	require.NoError(t, reg.Register(models.ExpertProfile{
		ID:                 "e1",
		Capabilities:       []models.Capability{{Name: "go", Proficiency: 0.9}},
		MaxConcurrentTasks: 2,
	}))
	require.NoError(t, reg.Register(models.ExpertProfile{
		ID:                 "e2",
		Capabilities:       []models.Capability{{Name: "go", Proficiency: 0.7}},
		MaxConcurrentTasks: 2,
	}))

	req := []models.CapabilityRequirement{{Name: "go", MinProficiency: 0.5, Required: true}}

	t.Run("preferred expert wins over rank", func(t *testing.T) {
		result, err := r.Route(models.RoutingRequest{
			TaskID:           "t1",
			Requirements:     req,
			PreferredExperts: []string{"e2"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"e2"}, result.ExpertIDs)
	})

	t.Run("excluded expert is never chosen", func(t *testing.T) {
		result, err := r.Route(models.RoutingRequest{
			TaskID:          "t2",
			Requirements:    req,
			ExcludedExperts: []string{"e1"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"e2"}, result.ExpertIDs)
	})
}

func TestRouteSkipsFullExperts(t *testing.T) {
	r, reg := newFixture(t, defaultRouterConfig())
	require.NoError(t, reg.Register(models.ExpertProfile{
		ID:                 "e1",
		Capabilities:       []models.Capability{{Name: "go", Proficiency: 0.9}},
		MaxConcurrentTasks: 1,
	}))
	require.NoError(t, reg.Register(models.ExpertProfile{
		ID:                 "e2",
		Capabilities:       []models.Capability{{Name: "go", Proficiency: 0.6}},
		MaxConcurrentTasks: 1,
	}))

	req := []models.CapabilityRequirement{{Name: "go", MinProficiency: 0.5, Required: true}}

	first, err := r.Route(models.RoutingRequest{TaskID: "t1", Requirements: req})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, first.ExpertIDs)

	second, err := r.Route(models.RoutingRequest{TaskID: "t2", Requirements: req})
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, second.ExpertIDs)

	_, err = r.Route(models.RoutingRequest{TaskID: "t3", Requirements: req})
	require.Error(t, err, "no capacity anywhere")
}

func TestRouteValidation(t *testing.T) {
	r, _ := newFixture(t, defaultRouterConfig())

	t.Run("missing task id", func(t *testing.T) {
		_, err := r.Route(models.RoutingRequest{})
		require.Error(t, err)
	})

	t.Run("empty request", func(t *testing.T) {
		_, err := r.Route(models.RoutingRequest{TaskID: "t1"})
		require.ErrorIs(t, err, ErrEmptyRequest)
	})

	t.Run("empty registry", func(t *testing.T) {
		_, err := r.Route(models.RoutingRequest{
			TaskID:       "t1",
			Requirements: []models.CapabilityRequirement{{Name: "go", Required: true}},
		})
		require.ErrorIs(t, err, ErrNoExperts)
	})
}

func TestCompleteTask(t *testing.T) {
	r, reg := newFixture(t, defaultRouterConfig())
	registerPair(t, reg)

	result, err := r.Route(models.RoutingRequest{
		TaskID: "t1",
		Requirements: []models.CapabilityRequirement{
			{Name: "typescript", MinProficiency: 0.8, Required: true},
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.CompleteTask("t1", result.ExpertIDs[0], true, 42))

	perf, err := reg.Performance("e1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), perf.TasksAttempted)
	assert.Equal(t, int64(1), perf.TasksSucceeded)

	got, err := reg.Get("e1")
	require.NoError(t, err)
	assert.Empty(t, got.CurrentTasks)

	t.Run("unknown expert fails", func(t *testing.T) {
		require.Error(t, r.CompleteTask("t1", "ghost", true, 1))
	})
}
