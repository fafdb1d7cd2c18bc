// Package notify carries change notifications from the ingestion and sync
// paths to connected observers. Publish is best-effort: delivery never
// blocks or rolls back the store mutation that triggered it.
package notify

// Event names published by the core.
const (
	EventRunCreated     = "run.created"
	EventRunUpdated     = "run.updated"
	EventRunJobsUpdated = "run.jobs_updated"
	EventSyncProgress   = "sync.progress"
	EventSyncCompleted  = "sync.completed"
)

// Notifier is the fan-out capability the ingestion engine and sync
// orchestrator depend on. Implementations own transport and subscribers.
type Notifier interface {
	Publish(event string, payload any)
}

// Noop discards all notifications. Used by the CLI and in tests.
type Noop struct{}

// Publish implements Notifier.
func (Noop) Publish(event string, payload any) {}
