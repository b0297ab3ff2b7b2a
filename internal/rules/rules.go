// Package rules holds the eligibility rules for queued operations. The
// engine is pure: it reads facts from a Context and returns a typed
// decision, never an error and never I/O. The server evaluates it
// against live bulk-loaded data; the agent evaluates the exclusion rule
// against its possibly-stale local cache.
package rules

import (
	"fmt"
	"time"
)

// Kind mirrors the operation kinds carried through the queue.
type Kind string

const (
	KindCheckIn    Kind = "checkin"
	KindAttendance Kind = "attendance"
	KindChapel     Kind = "chapel"
)

// Reason explains a denial.
type Reason string

const (
	ReasonSubjectNotFound     Reason = "subject_not_found"
	ReasonSubjectExcluded     Reason = "subject_excluded"
	ReasonSessionNotFound     Reason = "session_not_found"
	ReasonOutsideWindow       Reason = "outside_window"
	ReasonPrerequisiteMissing Reason = "prerequisite_missing"
	ReasonOutOfScope          Reason = "out_of_scope"
)

// Subject is the student an operation is about.
type Subject struct {
	ID       string
	No       string
	FullName string
	ClassID  string
	Expelled bool
}

// Session is a class or chapel sitting within one weekend cycle.
type Session struct {
	ID      string
	Weekend string
	Type    string
	ClassID string
}

// Operation is the engine's view of one queued item.
type Operation struct {
	Kind       Kind
	StudentNo  string
	StudentID  string
	SessionID  string
	OccurredAt time.Time
}

// ActorScope is the resolved credential of the caller. An empty ClassID
// means unrestricted; a teacher limited to one class carries it here.
type ActorScope struct {
	ActorID string
	Role    string
	ClassID string
}

// Context supplies the facts needed to evaluate one operation. The
// server builds it fresh per batch from bulk reads.
type Context interface {
	// Subject resolves the operation's student, by number or id.
	Subject(op Operation) (Subject, bool)
	// Session resolves a session by id.
	Session(id string) (Session, bool)
	// HasCheckIn reports whether the student has a check-in for the weekend.
	HasCheckIn(studentID, weekend string) bool
	// Committed returns the server id of an already-committed record for
	// the natural key, if one exists.
	Committed(naturalKey string) (string, bool)
}

// Decision is the outcome of evaluating one operation.
type Decision struct {
	Allowed   bool
	Duplicate bool
	ServerID  string // set when Duplicate
	Reason    Reason // set when denied
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason) Decision { return Decision{Reason: r} }

func duplicate(id string) Decision {
	return Decision{Allowed: true, Duplicate: true, ServerID: id}
}

// SubjectAllowed applies the exclusion rule on its own. The agent calls
// this against its cached projection before queuing a scan; the result
// may be stale and the server re-checks it with live data.
func SubjectAllowed(subj Subject) Decision {
	if subj.Expelled {
		return deny(ReasonSubjectExcluded)
	}
	return allow()
}

// Evaluate runs the rules in order, short-circuiting on the first
// failure. Only the final duplicate check consults previously committed
// records; everything else reads the context built for this batch.
func Evaluate(op Operation, ctx Context, scope ActorScope) Decision {
	subj, ok := ctx.Subject(op)
	if !ok {
		return deny(ReasonSubjectNotFound)
	}
	if d := SubjectAllowed(subj); !d.Allowed {
		return d
	}

	var sess Session
	if op.SessionID != "" {
		sess, ok = ctx.Session(op.SessionID)
		if !ok {
			return deny(ReasonSessionNotFound)
		}
	}

	// Check-ins are only valid on the designated days of the cycle.
	if op.Kind == KindCheckIn && !onWeekend(op.OccurredAt) {
		return deny(ReasonOutsideWindow)
	}

	// Chapel attendance requires a check-in for the same cycle.
	if op.Kind == KindChapel && !ctx.HasCheckIn(subj.ID, sess.Weekend) {
		return deny(ReasonPrerequisiteMissing)
	}

	if scope.ClassID != "" {
		if subj.ClassID != scope.ClassID {
			return deny(ReasonOutOfScope)
		}
		// Chapel sessions with no class are school-wide and in scope
		// for every actor.
		if sess.ID != "" && sess.ClassID != "" && sess.ClassID != scope.ClassID {
			return deny(ReasonOutOfScope)
		}
	}

	if serverID, ok := ctx.Committed(NaturalKey(op, subj, sess)); ok {
		return duplicate(serverID)
	}
	return allow()
}

// NaturalKey builds the domain uniqueness key for an operation: one
// check-in per student per cycle day, one attendance row per student
// per session. Chapel marks land in the same attendance table as class
// marks, so both share the attendance key space.
func NaturalKey(op Operation, subj Subject, sess Session) string {
	if op.Kind == KindCheckIn {
		return fmt.Sprintf("checkin/%s/%s/%s", subj.ID, WeekendOf(op.OccurredAt), op.OccurredAt.UTC().Weekday())
	}
	return fmt.Sprintf("attendance/%s/%s", subj.ID, sess.ID)
}

// WeekendOf maps an event time to its cycle identifier, e.g. "2026-W35".
func WeekendOf(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func onWeekend(t time.Time) bool {
	switch t.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return false
}
