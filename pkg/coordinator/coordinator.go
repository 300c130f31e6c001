// Package coordinator is the composition root of the coordination
// core: it owns one registry, bus, router, and consensus engine,
// exposes their combined operations, executes composite workflows, and
// aggregates real-time metrics.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weave-nn/weave/pkg/bus"
	"github.com/weave-nn/weave/pkg/config"
	"github.com/weave-nn/weave/pkg/consensus"
	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/metrics"
	"github.com/weave-nn/weave/pkg/models"
	"github.com/weave-nn/weave/pkg/registry"
	"github.com/weave-nn/weave/pkg/router"
)

const snapshotInterval = 5 * time.Second

// Coordinator wires the four core components together
type Coordinator struct {
	cfg       config.CoreConfig
	logger    logging.Logger
	collector metrics.Collector

	registry *registry.Registry
	bus      *bus.Bus
	router   *router.Router
	engine   *consensus.Engine

	pendingMu sync.Mutex
	pending   map[string]chan completionEvent
	taskSubID string

	snapMu   sync.RWMutex
	snapshot MetricsSnapshot
	lastBus  bus.Stats
	lastSnap time.Time

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

type completionEvent struct {
	taskID   string
	expertID string
	success  bool
	result   map[string]interface{}
}

// MetricsSnapshot is the periodically recomputed metrics view
type MetricsSnapshot struct {
	TotalExperts         int                `json:"total_experts"`
	ActiveExperts        int                `json:"active_experts"`
	ActiveTasks          int                `json:"active_tasks"`
	MessagesPublished    int64              `json:"messages_published"`
	MessagesDelivered    int64              `json:"messages_delivered"`
	MessagesDeadLettered int64              `json:"messages_dead_lettered"`
	ThroughputPerSec     float64            `json:"throughput_per_sec"`
	TotalVotes           int64              `json:"total_votes"`
	ConsensusSuccessRate float64            `json:"consensus_success_rate"`
	ExpertUtilization    map[string]float64 `json:"expert_utilization"`
	ComputedAt           time.Time          `json:"computed_at"`
}

// New builds a coordinator with fresh component instances
func New(cfg config.CoreConfig, logger logging.Logger, collector metrics.Collector) (*Coordinator, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if collector == nil {
		collector = metrics.NoopCollector{}
	}
	for _, m := range metrics.StandardMetrics() {
		if err := collector.Register(m); err != nil {
			return nil, fmt.Errorf("coordinator: %w", err)
		}
	}

	reg := registry.New(logger)
	b := bus.New(cfg.Bus, logger)

	c := &Coordinator{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		registry:  reg,
		bus:       b,
		router:    router.New(reg, cfg.Router, logger),
		engine:    consensus.New(cfg.Consensus, b, logger),
		pending:   make(map[string]chan completionEvent),
		done:      make(chan struct{}),
		lastSnap:  time.Now(),
	}

	subID, err := b.Subscribe("coordinator", "tasks.completed", c.handleTaskCompleted)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.taskSubID = subID

	c.wg.Add(1)
	go c.snapshotLoop()

	return c, nil
}

// Registry exposes the expert registry
func (c *Coordinator) Registry() *registry.Registry { return c.registry }

// Bus exposes the message bus
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// Engine exposes the consensus engine
func (c *Coordinator) Engine() *consensus.Engine { return c.engine }

// RegisterExpert registers an expert and announces it on the bus
func (c *Coordinator) RegisterExpert(profile models.ExpertProfile) error {
	if err := c.registry.Register(profile); err != nil {
		return err
	}
	_, _ = c.bus.Publish("experts.registered", map[string]interface{}{
		"expert_id": profile.ID,
		"type":      string(profile.Type),
	}, models.NormalPriority)
	return nil
}

// DeregisterExpert removes an expert and announces the removal
func (c *Coordinator) DeregisterExpert(expertID string) error {
	if err := c.registry.Deregister(expertID); err != nil {
		return err
	}
	_, _ = c.bus.Publish("experts.deregistered", map[string]interface{}{
		"expert_id": expertID,
	}, models.NormalPriority)
	return nil
}

// UpdateExpertStatus forwards a status change to the registry
func (c *Coordinator) UpdateExpertStatus(expertID string, status models.ExpertStatus) error {
	return c.registry.UpdateStatus(expertID, status)
}

// RouteTask routes a request and notifies every assigned expert over
// the bus with a task-assignment message.
func (c *Coordinator) RouteTask(req models.RoutingRequest) (*models.RoutingResult, error) {
	start := time.Now()
	result, err := c.router.Route(req)
	if err != nil {
		c.collector.IncrementCounter(metrics.TasksRouted.Name, map[string]string{"outcome": "error"})
		return nil, err
	}

	outcome := "assigned"
	switch {
	case result.Decomposed:
		outcome = "decomposed"
	case result.Fallback:
		outcome = "fallback"
	}
	c.collector.IncrementCounter(metrics.TasksRouted.Name, map[string]string{"outcome": outcome})
	c.collector.ObserveDuration(metrics.RoutingDuration.Name, start, map[string]string{"outcome": outcome})

	if result.Decomposed {
		for _, st := range result.Subtasks {
			msg := models.NewTaskAssignmentMessage(st.ExpertID, st.ID, req.Description, req.Priority)
			msg.Payload["parent_task_id"] = st.ParentTaskID
			_ = c.bus.PublishMessage(msg)
		}
	} else {
		for _, expertID := range result.ExpertIDs {
			msg := models.NewTaskAssignmentMessage(expertID, req.TaskID, req.Description, req.Priority)
			msg.Payload["fallback"] = result.Fallback
			_ = c.bus.PublishMessage(msg)
		}
	}
	return result, nil
}

// CompleteTask records a task outcome and publishes the completion
func (c *Coordinator) CompleteTask(taskID, expertID string, success bool, responseTimeMs float64, resultData map[string]interface{}) error {
	if err := c.router.CompleteTask(taskID, expertID, success, responseTimeMs); err != nil {
		return err
	}
	msg := models.NewTaskCompletionMessage(expertID, taskID, success, resultData)
	msg.Payload["response_time_ms"] = responseTimeMs
	return c.bus.PublishMessage(msg)
}

// Publish forwards a topic message to the bus
func (c *Coordinator) Publish(topic string, payload map[string]interface{}, priority models.MessagePriority) (string, error) {
	id, err := c.bus.Publish(topic, payload, priority)
	if err == nil {
		c.collector.IncrementCounter(metrics.MessagesPublished.Name, map[string]string{"topic": topic})
	}
	return id, err
}

// SendDirect forwards an addressed message to the bus
func (c *Coordinator) SendDirect(recipients []string, topic string, payload map[string]interface{}, priority models.MessagePriority) (string, error) {
	id, err := c.bus.SendDirect(recipients, topic, payload, priority)
	if err == nil {
		c.collector.IncrementCounter(metrics.MessagesPublished.Name, map[string]string{"topic": topic})
	}
	return id, err
}

// Subscribe forwards a subscription to the bus
func (c *Coordinator) Subscribe(subscriberID, topicPattern string, handler bus.Handler) (string, error) {
	return c.bus.Subscribe(subscriberID, topicPattern, handler)
}

// Unsubscribe removes a bus subscription
func (c *Coordinator) Unsubscribe(subscriptionID string) error {
	return c.bus.Unsubscribe(subscriptionID)
}

// StartVote starts a vote on the consensus engine
func (c *Coordinator) StartVote(req models.VoteRequest) (string, error) {
	id, err := c.engine.StartVote(req)
	if err == nil {
		mode := string(req.Mode)
		if mode == "" {
			mode = string(models.ConsensusMajority)
		}
		c.collector.IncrementCounter(metrics.VotesStarted.Name, map[string]string{"mode": mode})
	}
	return id, err
}

// CastVote forwards a ballot to the consensus engine
func (c *Coordinator) CastVote(voteID, voterID, option string, confidence float64, rationale string) error {
	return c.engine.CastVote(voteID, voterID, option, confidence, rationale)
}

// WaitForResult parks until the vote resolves or the wait times out
func (c *Coordinator) WaitForResult(ctx context.Context, voteID string, timeout time.Duration) (*models.VoteResult, error) {
	return c.engine.WaitForResult(ctx, voteID, timeout)
}

// PublishError emits a structured error event so recovery-capable
// experts can claim and resolve it.
func (c *Coordinator) PublishError(source, severity, code, detail string) (string, error) {
	msg := models.NewErrorEventMessage(source, severity, code, detail)
	if err := c.bus.PublishMessage(msg); err != nil {
		return "", err
	}
	c.logger.Warn("error event published",
		logging.String("source", source),
		logging.String("severity", severity),
		logging.String("code", code))
	return msg.ID, nil
}

// GetStatistics returns the registry's aggregate snapshot
func (c *Coordinator) GetStatistics() registry.Statistics {
	return c.registry.Statistics()
}

// GetMetrics returns the most recent periodic metrics snapshot
func (c *Coordinator) GetMetrics() MetricsSnapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot
}

// Stop shuts down the engine, bus, and metrics loop
func (c *Coordinator) Stop() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.engine.Close()
		_ = c.bus.Unsubscribe(c.taskSubID)
		err = c.bus.Close()
		c.wg.Wait()
	})
	return err
}

// handleTaskCompleted routes completion messages to workflow waiters
func (c *Coordinator) handleTaskCompleted(ctx context.Context, msg models.Message) error {
	taskID, _ := msg.Payload["task_id"].(string)
	if taskID == "" {
		return nil
	}

	c.pendingMu.Lock()
	ch, waiting := c.pending[taskID]
	c.pendingMu.Unlock()
	if !waiting {
		return nil
	}

	expertID, _ := msg.Payload["expert_id"].(string)
	success, _ := msg.Payload["success"].(bool)
	result, _ := msg.Payload["result"].(map[string]interface{})

	select {
	case ch <- completionEvent{taskID: taskID, expertID: expertID, success: success, result: result}:
	default:
	}
	return nil
}

// awaitCompletion registers interest in a task's completion message
func (c *Coordinator) awaitCompletion(taskID string) (<-chan completionEvent, func()) {
	ch := make(chan completionEvent, 1)
	c.pendingMu.Lock()
	c.pending[taskID] = ch
	c.pendingMu.Unlock()

	cancel := func() {
		c.pendingMu.Lock()
		delete(c.pending, taskID)
		c.pendingMu.Unlock()
	}
	return ch, cancel
}

// snapshotLoop periodically recomputes the metrics snapshot
func (c *Coordinator) snapshotLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.recomputeSnapshot()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) recomputeSnapshot() {
	stats := c.registry.Statistics()
	busStats := c.bus.Stats()
	voteStats := c.engine.Stats()
	now := time.Now()

	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	elapsed := now.Sub(c.lastSnap).Seconds()
	throughput := 0.0
	if elapsed > 0 {
		throughput = float64(busStats.Published-c.lastBus.Published) / elapsed
	}
	if delta := busStats.DeadLettered - c.lastBus.DeadLettered; delta > 0 {
		c.collector.AddCounter(metrics.MessagesDeadLettered.Name, float64(delta), nil)
	}
	c.lastBus = busStats
	c.lastSnap = now

	successRate := 0.0
	if voteStats.Total > 0 {
		successRate = float64(voteStats.Resolved) / float64(voteStats.Total)
	}

	utilization := make(map[string]float64, stats.TotalExperts)
	for _, p := range c.registry.List() {
		utilization[p.ID] = p.Load()
		c.collector.SetGauge(metrics.ExpertUtilization.Name, p.Load(), map[string]string{"expert_id": p.ID})
	}

	c.collector.SetGauge(metrics.ExpertsRegistered.Name, float64(stats.IdleExperts), map[string]string{"status": string(models.ExpertIdle)})
	c.collector.SetGauge(metrics.ExpertsRegistered.Name, float64(stats.BusyExperts), map[string]string{"status": string(models.ExpertBusy)})
	c.collector.SetGauge(metrics.ExpertsRegistered.Name, float64(stats.OfflineExperts), map[string]string{"status": string(models.ExpertOffline)})

	c.snapshot = MetricsSnapshot{
		TotalExperts:         stats.TotalExperts,
		ActiveExperts:        stats.IdleExperts + stats.BusyExperts,
		ActiveTasks:          stats.ActiveTasks,
		MessagesPublished:    busStats.Published,
		MessagesDelivered:    busStats.Delivered,
		MessagesDeadLettered: busStats.DeadLettered,
		ThroughputPerSec:     throughput,
		TotalVotes:           voteStats.Total,
		ConsensusSuccessRate: successRate,
		ExpertUtilization:    utilization,
		ComputedAt:           now,
	}
}
