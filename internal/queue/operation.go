package queue

import (
	"errors"
	"time"
)

// Kind identifies the type of a queued operation.
type Kind string

const (
	KindCheckIn    Kind = "checkin"
	KindAttendance Kind = "attendance"
	KindChapel     Kind = "chapel"
)

// Status tracks an operation through the sync pipeline.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

// PendingOperation is one queued unit of work. LocalID is assigned at
// enqueue time, never changes, and is the sole correlation key between
// the agent and the server across retries.
type PendingOperation struct {
	LocalID    string    `json:"local_id"`
	Kind       Kind      `json:"kind"`
	StudentNo  string    `json:"student_no,omitempty"`
	StudentID  string    `json:"student_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
	SyncStatus Status    `json:"sync_status"`
	ServerID   string    `json:"server_id,omitempty"`
	ErrorMsg   string    `json:"error_message,omitempty"`
	SyncedAt   time.Time `json:"synced_at,omitempty"`
}

// kindSpec describes what a payload of each kind must carry. The three
// kinds share the whole queue/sync pipeline; this table is the only
// per-kind branching on the client.
type kindSpec struct {
	validate func(op PendingOperation) error
}

var kinds = map[Kind]kindSpec{
	KindCheckIn: {
		validate: func(op PendingOperation) error {
			if op.StudentNo == "" {
				return errors.New("student number required")
			}
			return nil
		},
	},
	KindAttendance: {
		validate: func(op PendingOperation) error {
			if op.StudentID == "" {
				return errors.New("student id required")
			}
			if op.SessionID == "" {
				return errors.New("session id required")
			}
			return nil
		},
	},
	KindChapel: {
		validate: func(op PendingOperation) error {
			if op.StudentNo == "" {
				return errors.New("student number required")
			}
			if op.SessionID == "" {
				return errors.New("session id required")
			}
			return nil
		},
	},
}

// Validate checks the payload shape for the operation's kind.
func (op PendingOperation) Validate() error {
	def, ok := kinds[op.Kind]
	if !ok {
		return errors.New("unknown operation kind")
	}
	return def.validate(op)
}

// AllKinds returns every known kind in a stable order. The sync
// orchestrator drains kinds one at a time in this order.
func AllKinds() []Kind {
	return []Kind{KindCheckIn, KindAttendance, KindChapel}
}
