package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weave-nn/weave/pkg/config"
	"github.com/weave-nn/weave/pkg/models"
)

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.DefaultCoreConfig()
	cfg.Bus.Backoff = []time.Duration{time.Millisecond}
	c, err := New(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func workerProfile(id string, caps ...models.Capability) models.ExpertProfile {
	return models.ExpertProfile{
		ID:                 id,
		Type:               models.WorkerExpertType,
		Capabilities:       caps,
		MaxConcurrentTasks: 3,
	}
}

func TestRegisterExpertAnnounces(t *testing.T) {
	c := newCoordinator(t)

	announced := make(chan models.Message, 2)
	_, err := c.Subscribe("observer", "experts.*", func(_ context.Context, msg models.Message) error {
		announced <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.RegisterExpert(workerProfile("e1", models.Capability{Name: "go", Proficiency: 0.9})))

	select {
	case msg := <-announced:
		assert.Equal(t, "experts.registered", msg.Topic)
		assert.Equal(t, "e1", msg.Payload["expert_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("no registration announcement")
	}

	require.NoError(t, c.DeregisterExpert("e1"))
	select {
	case msg := <-announced:
		assert.Equal(t, "experts.deregistered", msg.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("no deregistration announcement")
	}
}

func TestRouteTaskNotifiesAssignee(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.RegisterExpert(workerProfile("e1", models.Capability{Name: "go", Proficiency: 0.9})))

	assigned := make(chan models.Message, 1)
	_, err := c.Subscribe("e1", "tasks.assignment", func(_ context.Context, msg models.Message) error {
		assigned <- msg
		return nil
	})
	require.NoError(t, err)

	result, err := c.RouteTask(models.RoutingRequest{
		TaskID:      "t1",
		Description: "implement the handler",
		Requirements: []models.CapabilityRequirement{
			{Name: "go", MinProficiency: 0.5, Required: true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, result.ExpertIDs)

	select {
	case msg := <-assigned:
		assert.Equal(t, "t1", msg.Payload["task_id"])
		assert.Equal(t, "e1", msg.Payload["expert_id"])
		assert.Equal(t, "t1", msg.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("assignee was not notified")
	}
}

func TestCompleteTaskPublishesCompletion(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.RegisterExpert(workerProfile("e1", models.Capability{Name: "go", Proficiency: 0.9})))

	completed := make(chan models.Message, 1)
	_, err := c.Subscribe("observer", "tasks.completed", func(_ context.Context, msg models.Message) error {
		completed <- msg
		return nil
	})
	require.NoError(t, err)

	_, err = c.RouteTask(models.RoutingRequest{
		TaskID: "t1",
		Requirements: []models.CapabilityRequirement{
			{Name: "go", MinProficiency: 0.5, Required: true},
		},
	})
	require.NoError(t, err)

	require.NoError(t, c.CompleteTask("t1", "e1", true, 42, map[string]interface{}{"lines": 120}))

	select {
	case msg := <-completed:
		assert.Equal(t, "t1", msg.Payload["task_id"])
		assert.Equal(t, true, msg.Payload["success"])
	case <-time.After(2 * time.Second):
		t.Fatal("completion was not published")
	}

	stats := c.GetStatistics()
	assert.Zero(t, stats.ActiveTasks)
	assert.Equal(t, int64(1), stats.Performance["e1"].TasksSucceeded)
}

func TestSequentialWorkflow(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.RegisterExpert(workerProfile("builder", models.Capability{Name: "build", Proficiency: 0.9})))
	require.NoError(t, c.RegisterExpert(workerProfile("tester", models.Capability{Name: "test", Proficiency: 0.9})))

	// Experts acknowledge their assignments by completing the task.
	for _, id := range []string{"builder", "tester"} {
		expertID := id
		_, err := c.Subscribe(expertID, "tasks.assignment", func(_ context.Context, msg models.Message) error {
			taskID := msg.Payload["task_id"].(string)
			return c.CompleteTask(taskID, expertID, true, 5, map[string]interface{}{"by": expertID})
		})
		require.NoError(t, err)
	}

	result, err := c.RunSequentialWorkflow(context.Background(), []WorkflowStep{
		{
			Name:        "build",
			Description: "compile the artifact",
			Requirements: []models.CapabilityRequirement{
				{Name: "build", MinProficiency: 0.5, Required: true},
			},
			Timeout: 5 * time.Second,
		},
		{
			Name:        "test",
			Description: "run the suite",
			Requirements: []models.CapabilityRequirement{
				{Name: "test", MinProficiency: 0.5, Required: true},
			},
			Timeout: 5 * time.Second,
		},
	})
	require.NoError(t, err)

	assert.True(t, result.Completed)
	assert.Equal(t, -1, result.FailedStep)
	require.Len(t, result.Steps, 2)
	assert.Equal(t, "builder", result.Steps[0].ExpertID)
	assert.Equal(t, "tester", result.Steps[1].ExpertID)
	for _, step := range result.Steps {
		assert.True(t, step.Success)
	}
}

func TestSequentialWorkflowStopsAtFailedStep(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.RegisterExpert(workerProfile("builder", models.Capability{Name: "build", Proficiency: 0.9})))

	_, err := c.Subscribe("builder", "tasks.assignment", func(_ context.Context, msg models.Message) error {
		taskID := msg.Payload["task_id"].(string)
		return c.CompleteTask(taskID, "builder", false, 5, nil)
	})
	require.NoError(t, err)

	result, err := c.RunSequentialWorkflow(context.Background(), []WorkflowStep{
		{
			Name: "build",
			Requirements: []models.CapabilityRequirement{
				{Name: "build", MinProficiency: 0.5, Required: true},
			},
			Timeout: 5 * time.Second,
		},
		{
			Name: "never reached",
			Requirements: []models.CapabilityRequirement{
				{Name: "build", MinProficiency: 0.5, Required: true},
			},
		},
	})
	require.NoError(t, err)

	assert.False(t, result.Completed)
	assert.Equal(t, 0, result.FailedStep)
	require.Len(t, result.Steps, 1)
	assert.False(t, result.Steps[0].Success)
}

func TestSequentialWorkflowRequiresSteps(t *testing.T) {
	c := newCoordinator(t)
	_, err := c.RunSequentialWorkflow(context.Background(), nil)
	require.Error(t, err)
}

func TestRunReview(t *testing.T) {
	c := newCoordinator(t)

	reviewers := []string{"r1", "r2", "r3"}
	for _, id := range reviewers {
		reviewer := id
		_, err := c.Subscribe(reviewer, "review.request", func(_ context.Context, msg models.Message) error {
			voteID := msg.Payload["vote_id"].(string)
			return c.CastVote(voteID, reviewer, "approve", 0.9, "looks fine")
		})
		require.NoError(t, err)
	}

	result, err := c.RunReview(context.Background(), "release-candidate-7", reviewers, 5*time.Second)
	require.NoError(t, err)

	assert.True(t, result.ConsensusReached)
	assert.Equal(t, "approve", result.Winner)
	assert.Equal(t, 3, result.VotesCast)
}

func TestPublishError(t *testing.T) {
	c := newCoordinator(t)

	events := make(chan models.Message, 1)
	_, err := c.Subscribe("recovery", "errors.*", func(_ context.Context, msg models.Message) error {
		events <- msg
		return nil
	})
	require.NoError(t, err)

	id, err := c.PublishError("router", "warning", "ROUTE_MISS", "no expert matched")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case msg := <-events:
		assert.Equal(t, "errors.warning", msg.Topic)
		assert.Equal(t, "ROUTE_MISS", msg.Payload["code"])
	case <-time.After(2 * time.Second):
		t.Fatal("error event not delivered")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	c := newCoordinator(t)
	require.NoError(t, c.RegisterExpert(workerProfile("e1", models.Capability{Name: "go", Proficiency: 0.9})))

	_, err := c.RouteTask(models.RoutingRequest{
		TaskID: "t1",
		Requirements: []models.CapabilityRequirement{
			{Name: "go", MinProficiency: 0.5, Required: true},
		},
	})
	require.NoError(t, err)

	c.recomputeSnapshot()
	snap := c.GetMetrics()

	assert.Equal(t, 1, snap.TotalExperts)
	assert.Equal(t, 1, snap.ActiveExperts)
	assert.Equal(t, 1, snap.ActiveTasks)
	assert.Greater(t, snap.MessagesPublished, int64(0))
	assert.InDelta(t, 1.0/3.0, snap.ExpertUtilization["e1"], 0.001)
	assert.False(t, snap.ComputedAt.IsZero())
}

func TestStopIsIdempotent(t *testing.T) {
	cfg := config.DefaultCoreConfig()
	c, err := New(cfg, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	_, err = c.Publish("tasks.assignment", nil, models.NormalPriority)
	require.Error(t, err)
}
