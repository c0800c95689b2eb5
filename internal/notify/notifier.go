// Package notify fans deployment lifecycle events out to external channels.
package notify

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened during a deployment lifecycle.
type EventType string

const (
	EventDeployStarted     EventType = "deploy_started"
	EventDeploySucceeded   EventType = "deploy_succeeded"
	EventDeployFailed      EventType = "deploy_failed"
	EventUpgradeStarted    EventType = "upgrade_started"
	EventUpgradeSucceeded  EventType = "upgrade_succeeded"
	EventUpgradeFailed     EventType = "upgrade_failed"
	EventRollbackStarted   EventType = "rollback_started"
	EventRollbackSucceeded EventType = "rollback_succeeded"
	EventRollbackFailed    EventType = "rollback_failed"
	EventRemoveStarted     EventType = "remove_started"
	EventRemoveSucceeded   EventType = "remove_succeeded"
	EventRemoveFailed      EventType = "remove_failed"
	EventHealthAttention   EventType = "health_attention"
)

// Event represents a notification event.
type Event struct {
	Type          EventType `json:"type"`
	EnvironmentID string    `json:"environment_id"`
	DeploymentID  string    `json:"deployment_id"`
	StackName     string    `json:"stack_name"`
	OldVersion    string    `json:"old_version,omitempty"`
	NewVersion    string    `json:"new_version,omitempty"`
	Error         string    `json:"error,omitempty"`
	Services      []string  `json:"services,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Notifier sends events to an external system.
type Notifier interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// Logger is a minimal logging interface to avoid importing the logging package.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Multi fans out events to multiple notifiers.
// It never returns errors; failures are logged but don't block operations.
type Multi struct {
	mu        sync.RWMutex
	notifiers []Notifier
	log       Logger
}

// NewMulti creates a dispatcher from the given notifiers.
func NewMulti(log Logger, notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers, log: log}
}

// Notify sends an event to all registered notifiers.
// Returns true if at least one notifier succeeded (or none are configured).
// Errors are logged but never propagated; notifications must not block
// deployments.
func (m *Multi) Notify(ctx context.Context, event Event) bool {
	m.mu.RLock()
	notifiers := m.notifiers
	m.mu.RUnlock()

	if len(notifiers) == 0 {
		return true
	}

	anyOK := false
	for _, n := range notifiers {
		if err := n.Send(ctx, event); err != nil {
			m.log.Error("notification failed",
				"provider", n.Name(),
				"event", string(event.Type),
				"stack", event.StackName,
				"error", err.Error(),
			)
		} else {
			anyOK = true
		}
	}
	return anyOK
}

// Reconfigure replaces the notifier chain at runtime.
func (m *Multi) Reconfigure(notifiers ...Notifier) {
	m.mu.Lock()
	m.notifiers = notifiers
	m.mu.Unlock()
}
