// Package events publishes lifecycle events to NATS for external
// subscribers (console, CLI watchers, audit pipelines).
//
// Publishing is optional and fire-and-forget: when NATS_URL is unset the
// publisher is a no-op, and a publish failure is logged but never fails
// the transition that produced it. Nothing in the control plane consumes
// these events; the entity store remains the only source of truth.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/sandpool-dev/sandpool/internal/logger"
)

// Subjects.
const (
	SubjectSessionStatus   = "sandpool.sessions.status"
	SubjectExecutionStatus = "sandpool.executions.status"
	SubjectNodeStatus      = "sandpool.nodes.status"
)

// SessionStatusEvent is published on every session status transition.
type SessionStatusEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
}

// ExecutionStatusEvent is published when an execution reaches a terminal
// status or crashes.
type ExecutionStatusEvent struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	SessionID   string    `json:"session_id"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retry_count"`
}

// NodeStatusEvent is published when the health probe changes a node's
// status.
type NodeStatusEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	Status    string    `json:"status"`
}

// Publisher publishes lifecycle events. The zero-value (or one built
// with an empty URL) is a disabled publisher.
type Publisher struct {
	conn *nats.Conn
}

// NewPublisher connects to NATS, or returns a disabled publisher when
// url is empty.
func NewPublisher(url string) (*Publisher, error) {
	if url == "" {
		logger.Log.Info().Msg("Event publishing disabled (NATS_URL unset)")
		return &Publisher{}, nil
	}

	conn, err := nats.Connect(url,
		nats.Name("sandpool-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}

// SessionStatus publishes a session transition.
func (p *Publisher) SessionStatus(sessionID, status, message string) {
	p.publish(SubjectSessionStatus, SessionStatusEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
		SessionID: sessionID,
		Status:    status,
		Message:   message,
	})
}

// ExecutionStatus publishes an execution transition.
func (p *Publisher) ExecutionStatus(executionID, sessionID, status string, retryCount int) {
	p.publish(SubjectExecutionStatus, ExecutionStatusEvent{
		EventID:     uuid.New().String(),
		Timestamp:   time.Now(),
		ExecutionID: executionID,
		SessionID:   sessionID,
		Status:      status,
		RetryCount:  retryCount,
	})
}

// NodeStatus publishes a node status change.
func (p *Publisher) NodeStatus(nodeID, status string) {
	p.publish(SubjectNodeStatus, NodeStatusEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
		NodeID:    nodeID,
		Status:    status,
	})
}

func (p *Publisher) publish(subject string, event interface{}) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		logger.Log.Warn().Err(err).Str("subject", subject).Msg("Failed to publish event")
	}
}
