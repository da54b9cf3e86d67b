// Package workflow implements nimbus's durable, replayable workflow
// engine atop internal/kv: a workflow is a deterministic function of
// its input and its recorded history, and every non-deterministic or
// side-effecting operation is checkpointed as a history event at a
// cursor location so a crashed worker can resume another worker's
// in-flight run without re-executing anything already committed.
package workflow

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the operations the engine checkpoints to history.
type EventKind int

const (
	EventActivity EventKind = iota
	EventSignalSend
	EventSignalReceive
	EventSubWorkflow
	EventMessage
	EventLoop
	EventBranch
	EventSleep
	// EventRemoved is a placeholder recorded when an operation was
	// conditionally skipped in a prior run (graceful_not_found), so a
	// later replay sees the same cursor shape even though nothing ran.
	EventRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventActivity:
		return "activity"
	case EventSignalSend:
		return "signal_send"
	case EventSignalReceive:
		return "signal_receive"
	case EventSubWorkflow:
		return "sub_workflow"
	case EventMessage:
		return "message"
	case EventLoop:
		return "loop"
	case EventBranch:
		return "branch"
	case EventSleep:
		return "sleep"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// HistoryEvent is one checkpointed operation at a cursor location. Path
// identifies the (possibly nested) loop/branch the event belongs to;
// Index is its position within that scope.
type HistoryEvent struct {
	Path       []int
	Index      int
	Version    int
	Kind       EventKind
	Identifier string
	Input      json.RawMessage
	Output     json.RawMessage
	Error      string
	CreatedAt  time.Time

	// LoopIteration and LoopState are populated for EventLoop events:
	// the number of iterations committed so far and the serialized
	// user-provided loop state as of that checkpoint.
	LoopIteration int
	LoopState     json.RawMessage
	LoopDone      bool
}

// Status is a workflow run's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSleeping  Status = "sleeping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is the durable row describing one workflow run.
type Record struct {
	ID         string
	Name       string
	Input      json.RawMessage
	Output     json.RawMessage
	Error      string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	WakeAt     time.Time
	LeaseOwner string
	LeaseUntil time.Time
	// ParentID/ParentPath link a sub-workflow back to the caller's
	// cursor so the parent can resume once this run completes.
	ParentID   string
	ParentPath []int
}

// Signal is a pending row addressed to a workflow by name, consumed by
// that workflow's next listen call.
type Signal struct {
	ID         string
	WorkflowID string
	Name       string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// ErrHistoryDiverged is returned when a replayed operation's
// (version, kind, identifier) doesn't match the recorded event at the
// current cursor: the workflow function changed in a way that isn't
// safe to replay against old history.
type ErrHistoryDiverged struct {
	Cursor   string
	Expected string
	Got      string
}

func (e *ErrHistoryDiverged) Error() string {
	return "workflow: history diverged at " + e.Cursor + ": expected " + e.Expected + ", got " + e.Got
}
