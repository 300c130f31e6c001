// Package bus implements the in-process message bus: topic-based
// publish/subscribe with glob patterns, directly-addressed messaging,
// priority-aware dequeue scheduling, bounded delivery retries with a
// dead-letter queue, and a bounded history ring with replay.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/weave-nn/weave/pkg/config"
	"github.com/weave-nn/weave/pkg/logging"
	"github.com/weave-nn/weave/pkg/models"
)

var (
	// ErrBusClosed is returned for operations on a closed bus
	ErrBusClosed = errors.New("message bus closed")
	// ErrSubscriptionNotFound is returned by Unsubscribe for unknown ids
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Handler processes a delivered message. A non-nil error triggers the
// retry/dead-letter path; it never surfaces to the publisher.
type Handler func(ctx context.Context, msg models.Message) error

// DeadLetter is a delivery that exhausted its retry budget
type DeadLetter struct {
	Message        models.Message `json:"message"`
	SubscriptionID string         `json:"subscription_id"`
	SubscriberID   string         `json:"subscriber_id"`
	Attempts       int            `json:"attempts"`
	LastError      string         `json:"last_error"`
	FailedAt       time.Time      `json:"failed_at"`
}

// Stats holds bus throughput counters
type Stats struct {
	Published    int64 `json:"published"`
	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	DeadLettered int64 `json:"dead_lettered"`
}

// HistoryFilter bounds a history lookback or replay
type HistoryFilter struct {
	Topic string
	Since time.Time
	Limit int
}

// Bus is the in-memory message bus. Publish and SendDirect return once
// the message is enqueued; handlers run on per-subscription goroutines.
type Bus struct {
	cfg    config.BusConfig
	logger logging.Logger

	mu   sync.RWMutex
	subs map[string]*subscription

	dlqMu   sync.Mutex
	dlq     []DeadLetter
	dlqSeen map[string]struct{}

	history *historyRing

	dispatch chan models.Message
	done     chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool

	published    atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

type subscription struct {
	id           string
	subscriberID string
	pattern      string
	matcher      glob.Glob
	handler      Handler
	queue        *subscriberQueue
}

// New creates a message bus and starts its dispatch loop
func New(cfg config.BusConfig, logger logging.Logger) *Bus {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	b := &Bus{
		cfg:      cfg,
		logger:   logger,
		subs:     make(map[string]*subscription),
		dlqSeen:  make(map[string]struct{}),
		history:  newHistoryRing(cfg.HistorySize),
		dispatch: make(chan models.Message, cfg.QueueDepth),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for a topic pattern and returns the
// subscription id. Patterns use glob syntax with '.' as separator, e.g.
// "tasks.*" or "consensus.votes.*".
func (b *Bus) Subscribe(subscriberID, topicPattern string, handler Handler) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	if handler == nil {
		return "", fmt.Errorf("subscribe %s: handler is required", topicPattern)
	}
	matcher, err := glob.Compile(topicPattern, '.')
	if err != nil {
		return "", fmt.Errorf("subscribe: invalid pattern %q: %w", topicPattern, err)
	}

	sub := &subscription{
		id:           uuid.New().String(),
		subscriberID: subscriberID,
		pattern:      topicPattern,
		matcher:      matcher,
		handler:      handler,
		queue:        newSubscriberQueue(b.cfg.QueueDepth),
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go b.deliveryLoop(sub)

	b.logger.Debug("subscription created",
		logging.String("subscription_id", sub.id),
		logging.String("subscriber_id", subscriberID),
		logging.String("pattern", topicPattern))
	return sub.id, nil
}

// Unsubscribe removes a subscription and stops its delivery worker
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	sub, ok := b.subs[subscriptionID]
	if ok {
		delete(b.subs, subscriptionID)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("unsubscribe %s: %w", subscriptionID, ErrSubscriptionNotFound)
	}
	sub.queue.close()
	return nil
}

// Publish delivers a message asynchronously to all subscribers whose
// pattern matches the topic. Fire-and-forget: it returns once the
// message is enqueued.
func (b *Bus) Publish(topic string, payload map[string]interface{}, priority models.MessagePriority) (string, error) {
	msg := models.NewMessage(topic, payload, priority)
	return msg.ID, b.PublishMessage(msg)
}

// SendDirect delivers a message to the named recipients' matching
// subscriptions, with the same retry and ordering semantics as Publish.
func (b *Bus) SendDirect(recipients []string, topic string, payload map[string]interface{}, priority models.MessagePriority) (string, error) {
	if len(recipients) == 0 {
		return "", fmt.Errorf("send direct: at least one recipient is required")
	}
	msg := models.NewDirectMessage(recipients, topic, payload, priority)
	return msg.ID, b.PublishMessage(msg)
}

// PublishMessage enqueues a pre-built message
func (b *Bus) PublishMessage(msg models.Message) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg.Topic == "" {
		return fmt.Errorf("publish: topic is required")
	}

	b.history.append(msg)
	b.published.Add(1)

	select {
	case b.dispatch <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	}
}

// GetHistory returns recorded messages, newest last, filtered by topic
// and publish time. Limit bounds the result; zero means the ring size.
func (b *Bus) GetHistory(filter HistoryFilter) []models.Message {
	return b.history.query(filter)
}

// Replay re-delivers historical messages matching the filter to current
// subscribers. Replayed messages are not re-recorded in history.
func (b *Bus) Replay(filter HistoryFilter) (int, error) {
	if b.closed.Load() {
		return 0, ErrBusClosed
	}
	msgs := b.history.query(filter)
	for _, msg := range msgs {
		b.fanOut(msg)
	}
	b.logger.Info("history replayed",
		logging.String("topic", filter.Topic),
		logging.Int("messages", len(msgs)))
	return len(msgs), nil
}

// GetDeadLetterQueue returns a copy of the dead-letter queue
func (b *Bus) GetDeadLetterQueue() []DeadLetter {
	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()
	out := make([]DeadLetter, len(b.dlq))
	copy(out, b.dlq)
	return out
}

// RetryDeadLetters drains the dead-letter queue and re-enqueues each
// entry to its subscription. Entries whose redelivery fails again
// re-enter the queue through the normal exhaustion path; successful
// redeliveries are gone for good.
func (b *Bus) RetryDeadLetters() int {
	b.dlqMu.Lock()
	pending := b.dlq
	b.dlq = nil
	b.dlqSeen = make(map[string]struct{})
	b.dlqMu.Unlock()

	retried := 0
	for _, dl := range pending {
		b.mu.RLock()
		sub, ok := b.subs[dl.SubscriptionID]
		b.mu.RUnlock()
		if !ok {
			// Subscription is gone; the entry is dropped.
			continue
		}
		if sub.queue.push(dl.Message) {
			retried++
		}
	}
	b.logger.Info("dead letters retried", logging.Int("count", retried))
	return retried
}

// Stats returns throughput counters
func (b *Bus) Stats() Stats {
	return Stats{
		Published:    b.published.Load(),
		Delivered:    b.delivered.Load(),
		Failed:       b.failed.Load(),
		DeadLettered: b.deadLettered.Load(),
	}
}

// Close stops the dispatcher and all delivery workers
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)

	b.mu.Lock()
	for id, sub := range b.subs {
		sub.queue.close()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.dispatch:
			b.fanOut(msg)
		case <-b.done:
			return
		}
	}
}

// fanOut enqueues a message on every matching subscription queue.
// Direct messages are restricted to subscriptions owned by a recipient.
func (b *Bus) fanOut(msg models.Message) {
	b.mu.RLock()
	targets := make([]*subscription, 0, 4)
	for _, sub := range b.subs {
		if !sub.matcher.Match(msg.Topic) {
			continue
		}
		if msg.IsDirect() && !containsString(msg.Recipients, sub.subscriberID) {
			continue
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.queue.push(msg)
	}
}

// deliveryLoop drains one subscription's queue in priority order,
// retrying failed handler invocations with the configured backoff
// before dead-lettering.
func (b *Bus) deliveryLoop(sub *subscription) {
	defer b.wg.Done()
	for {
		msg, ok := sub.queue.pop()
		if !ok {
			return
		}
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub *subscription, msg models.Message) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxDeliveryAttempts; attempt++ {
		ctx := logging.WithCorrelationID(context.Background(), msg.CorrelationID)
		if err := sub.handler(ctx, msg); err == nil {
			b.delivered.Add(1)
			return
		} else {
			lastErr = err
			b.failed.Add(1)
			b.logger.Warn("delivery failed",
				logging.String("message_id", msg.ID),
				logging.String("topic", msg.Topic),
				logging.String("subscriber_id", sub.subscriberID),
				logging.Int("attempt", attempt),
				logging.Err(err))
		}
		if attempt < b.cfg.MaxDeliveryAttempts {
			b.sleepBackoff(attempt - 1)
		}
	}
	b.deadLetter(sub, msg, lastErr)
}

func (b *Bus) sleepBackoff(idx int) {
	if len(b.cfg.Backoff) == 0 {
		return
	}
	if idx >= len(b.cfg.Backoff) {
		idx = len(b.cfg.Backoff) - 1
	}
	timer := time.NewTimer(b.cfg.Backoff[idx])
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-b.done:
	}
}

// deadLetter records an exhausted delivery exactly once per
// (message, subscription) pair.
func (b *Bus) deadLetter(sub *subscription, msg models.Message, lastErr error) {
	key := msg.ID + "/" + sub.id

	b.dlqMu.Lock()
	defer b.dlqMu.Unlock()

	if _, dup := b.dlqSeen[key]; dup {
		return
	}
	b.dlqSeen[key] = struct{}{}

	errText := ""
	if lastErr != nil {
		errText = lastErr.Error()
	}
	b.dlq = append(b.dlq, DeadLetter{
		Message:        msg,
		SubscriptionID: sub.id,
		SubscriberID:   sub.subscriberID,
		Attempts:       b.cfg.MaxDeliveryAttempts,
		LastError:      errText,
		FailedAt:       time.Now(),
	})
	b.deadLettered.Add(1)

	b.logger.Error("message dead-lettered",
		logging.String("message_id", msg.ID),
		logging.String("topic", msg.Topic),
		logging.String("subscriber_id", sub.subscriberID),
		logging.String("error", errText))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
