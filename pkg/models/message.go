package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is the unit of bus communication. Topic-addressed messages are
// fanned out to pattern subscribers; direct messages name their recipients.
type Message struct {
	ID            string                 `json:"id"`
	Topic         string                 `json:"topic"`
	Recipients    []string               `json:"recipients,omitempty"`
	Payload       map[string]interface{} `json:"payload"`
	Priority      MessagePriority        `json:"priority"`
	Timestamp     time.Time              `json:"timestamp"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

// IsDirect reports whether the message is addressed rather than topical
func (m *Message) IsDirect() bool {
	return len(m.Recipients) > 0
}

// NewMessage creates a topic message with a fresh id and timestamp
func NewMessage(topic string, payload map[string]interface{}, priority MessagePriority) Message {
	return Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Priority:  priority,
		Timestamp: time.Now(),
	}
}

// NewDirectMessage creates a message addressed to explicit recipients
func NewDirectMessage(recipients []string, topic string, payload map[string]interface{}, priority MessagePriority) Message {
	msg := NewMessage(topic, payload, priority)
	msg.Recipients = append([]string(nil), recipients...)
	return msg
}

// NewTaskAssignmentMessage notifies an expert of a routed task
func NewTaskAssignmentMessage(expertID string, taskID string, description string, priority MessagePriority) Message {
	msg := NewDirectMessage([]string{expertID}, "tasks.assignment", map[string]interface{}{
		"task_id":     taskID,
		"expert_id":   expertID,
		"description": description,
	}, priority)
	msg.CorrelationID = taskID
	return msg
}

// NewTaskCompletionMessage reports a finished task back to subscribers
func NewTaskCompletionMessage(expertID string, taskID string, success bool, result map[string]interface{}) Message {
	payload := map[string]interface{}{
		"task_id":   taskID,
		"expert_id": expertID,
		"success":   success,
	}
	if result != nil {
		payload["result"] = result
	}
	msg := NewMessage("tasks.completed", payload, NormalPriority)
	msg.CorrelationID = taskID
	return msg
}

// NewVoteMessage carries a ballot on a vote topic
func NewVoteMessage(voteID, voterID, option string, confidence float64, rationale string) Message {
	msg := NewMessage("consensus.votes."+voteID, map[string]interface{}{
		"vote_id":    voteID,
		"voter_id":   voterID,
		"option":     option,
		"confidence": confidence,
		"rationale":  rationale,
	}, HighPriority)
	msg.CorrelationID = voteID
	return msg
}

// NewErrorEventMessage publishes a structured error event so
// recovery-capable experts can claim it
func NewErrorEventMessage(source, severity, code, detail string) Message {
	return NewMessage("errors."+severity, map[string]interface{}{
		"source":   source,
		"severity": severity,
		"code":     code,
		"detail":   detail,
	}, HighPriority)
}
