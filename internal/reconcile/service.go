// Package reconcile validates and commits batches of queued operations
// against the system of record. One call handles up to 100 items of a
// single kind with a constant number of bulk reads and one transactional
// write, so a full batch costs a handful of round trips rather than one
// per item.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fieldsync/internal/rules"
)

// MaxBatchSize bounds request size and transaction length.
const MaxBatchSize = 100

// ErrBatchTooLarge is returned for requests exceeding MaxBatchSize.
// The agent never sends one; anything else is rejected wholesale.
var ErrBatchTooLarge = errors.New("batch exceeds 100 items")

const transientCommitError = "commit failed, retry later"

var itemOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fieldsync_reconciled_items_total",
	Help: "Reconciled batch items by outcome.",
}, []string{"kind", "outcome"})

// NewCheckIn is one eligible check-in queued for the commit phase.
type NewCheckIn struct {
	StudentID  string
	Weekend    string
	Day        string
	OccurredAt time.Time
	ActorID    string
}

// NewAttendance is one eligible attendance mark queued for the commit
// phase. Chapel marks land in the same table, flagged by session type.
type NewAttendance struct {
	StudentID  string
	SessionID  string
	OccurredAt time.Time
	ActorID    string
}

// CheckInRecord is a committed check-in row loaded during the bulk phase.
type CheckInRecord struct {
	ID        string
	StudentID string
	Weekend   string
	Day       string
}

// AttendanceRecord is a committed attendance row loaded during the bulk phase.
type AttendanceRecord struct {
	ID        string
	StudentID string
	SessionID string
}

// Repository is the bulk read/write surface over the system of record.
// Every method takes sets, never single keys, so the service's query
// count stays constant in batch size.
type Repository interface {
	StudentsByNo(ctx context.Context, nos []string) ([]rules.Subject, error)
	StudentsByID(ctx context.Context, ids []string) ([]rules.Subject, error)
	SessionsByID(ctx context.Context, ids []string) ([]rules.Session, error)
	CheckInsFor(ctx context.Context, studentIDs, weekends []string) ([]CheckInRecord, error)
	AttendanceFor(ctx context.Context, studentIDs, sessionIDs []string) ([]AttendanceRecord, error)
	// CreateCheckIns commits all rows in one transaction and returns the
	// assigned ids in input order.
	CreateCheckIns(ctx context.Context, rows []NewCheckIn) ([]string, error)
	// CreateAttendance commits all rows in one transaction and returns
	// the assigned ids in input order.
	CreateAttendance(ctx context.Context, rows []NewAttendance) ([]string, error)
}

// Service reconciles batches. Stateless per request; safe for
// concurrent use by different callers.
type Service struct {
	repo Repository
}

// NewService creates a reconciliation service over a repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// batchContext is the in-memory EligibilityContext built from the bulk
// reads. It satisfies rules.Context; after it is built, evaluation does
// no further I/O.
type batchContext struct {
	byNo      map[string]rules.Subject
	byID      map[string]rules.Subject
	sessions  map[string]rules.Session
	checkIns  map[string]struct{} // studentID/weekend
	committed map[string]string   // natural key -> server id
}

func (c *batchContext) Subject(op rules.Operation) (rules.Subject, bool) {
	if op.StudentNo != "" {
		s, ok := c.byNo[op.StudentNo]
		return s, ok
	}
	s, ok := c.byID[op.StudentID]
	return s, ok
}

func (c *batchContext) Session(id string) (rules.Session, bool) {
	s, ok := c.sessions[id]
	return s, ok
}

func (c *batchContext) HasCheckIn(studentID, weekend string) bool {
	_, ok := c.checkIns[studentID+"/"+weekend]
	return ok
}

func (c *batchContext) Committed(naturalKey string) (string, bool) {
	id, ok := c.committed[naturalKey]
	return id, ok
}

// ReconcileBatch validates and commits one batch of a single kind.
// The returned response carries exactly one result per submitted item.
// An error return means no reconciliation work happened at all.
func (s *Service) ReconcileBatch(ctx context.Context, scope rules.ActorScope, kind rules.Kind, items []Item) (BatchResponse, error) {
	if len(items) == 0 {
		return BatchResponse{Success: true, Results: []Result{}}, nil
	}
	if len(items) > MaxBatchSize {
		return BatchResponse{}, ErrBatchTooLarge
	}

	results := make(map[string]Result, len(items))
	var valid []Item
	for _, item := range items {
		if err := validateShape(kind, item); err != nil {
			results[item.LocalID] = Result{LocalID: item.LocalID, Error: err.Error()}
			continue
		}
		valid = append(valid, item)
	}

	bctx, err := s.loadContext(ctx, kind, valid)
	if err != nil {
		return BatchResponse{}, fmt.Errorf("load batch context: %w", err)
	}

	// Evaluate every item against the in-memory context, then dedupe
	// natural keys within the batch itself: the first eligible item
	// claims the key, later ones resolve as duplicates of it.
	var eligible []Item
	claimed := make(map[string]int) // natural key -> index into eligible
	dupOf := make(map[string]int)   // localID -> eligible index it duplicates
	for _, item := range valid {
		op := toOperation(kind, item)
		decision := rules.Evaluate(op, bctx, scope)
		switch {
		case decision.Duplicate:
			results[item.LocalID] = Result{LocalID: item.LocalID, Success: true, Outcome: OutcomeDuplicate, ServerID: decision.ServerID}
		case !decision.Allowed:
			results[item.LocalID] = Result{LocalID: item.LocalID, Error: string(decision.Reason)}
		default:
			subj, _ := bctx.Subject(op)
			sess, _ := bctx.Session(op.SessionID)
			key := rules.NaturalKey(op, subj, sess)
			if idx, ok := claimed[key]; ok {
				dupOf[item.LocalID] = idx
				continue
			}
			claimed[key] = len(eligible)
			eligible = append(eligible, item)
		}
	}

	if len(eligible) > 0 {
		serverIDs, err := s.commit(ctx, kind, scope, bctx, eligible)
		if err != nil {
			// All-or-nothing: nothing from this batch was committed, so
			// every eligible item (and its in-batch duplicates) is safe
			// to retry.
			for _, item := range eligible {
				results[item.LocalID] = Result{LocalID: item.LocalID, Error: transientCommitError, Transient: true}
			}
			for localID := range dupOf {
				results[localID] = Result{LocalID: localID, Error: transientCommitError, Transient: true}
			}
		} else {
			for i, item := range eligible {
				results[item.LocalID] = Result{LocalID: item.LocalID, Success: true, ServerID: serverIDs[i]}
			}
			for localID, idx := range dupOf {
				results[localID] = Result{LocalID: localID, Success: true, Outcome: OutcomeDuplicate, ServerID: serverIDs[idx]}
			}
		}
	}

	resp := BatchResponse{Success: true, Total: len(items), Results: make([]Result, 0, len(items))}
	for _, item := range items {
		res := results[item.LocalID]
		resp.Results = append(resp.Results, res)
		if res.Success {
			resp.Synced++
			if res.Outcome == OutcomeDuplicate {
				itemOutcomes.WithLabelValues(string(kind), "duplicate").Inc()
			} else {
				itemOutcomes.WithLabelValues(string(kind), "created").Inc()
			}
		} else {
			resp.Failed++
			if res.Transient {
				itemOutcomes.WithLabelValues(string(kind), "transient").Inc()
			} else {
				itemOutcomes.WithLabelValues(string(kind), "rejected").Inc()
			}
		}
	}
	return resp, nil
}

func validateShape(kind rules.Kind, item Item) error {
	if item.LocalID == "" {
		return errors.New("localId required")
	}
	switch kind {
	case rules.KindCheckIn:
		if item.StudentNo == "" {
			return errors.New("studentNo required")
		}
	case rules.KindAttendance:
		if item.StudentID == "" || item.SessionID == "" {
			return errors.New("studentId and sessionId required")
		}
	case rules.KindChapel:
		if item.StudentNo == "" || item.SessionID == "" {
			return errors.New("studentNo and sessionId required")
		}
	default:
		return errors.New("unknown kind")
	}
	return nil
}

func toOperation(kind rules.Kind, item Item) rules.Operation {
	occurred := item.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return rules.Operation{
		Kind:       kind,
		StudentNo:  item.StudentNo,
		StudentID:  item.StudentID,
		SessionID:  item.SessionID,
		OccurredAt: occurred,
	}
}

// loadContext issues the bulk reads: students, sessions, prior
// check-ins for the relevant weekends, and already-committed rows for
// the batch's natural keys. At most five queries regardless of batch
// size.
func (s *Service) loadContext(ctx context.Context, kind rules.Kind, items []Item) (*batchContext, error) {
	bctx := &batchContext{
		byNo:      make(map[string]rules.Subject),
		byID:      make(map[string]rules.Subject),
		sessions:  make(map[string]rules.Session),
		checkIns:  make(map[string]struct{}),
		committed: make(map[string]string),
	}

	nos := distinct(items, func(i Item) string { return i.StudentNo })
	ids := distinct(items, func(i Item) string { return i.StudentID })
	sessionIDs := distinct(items, func(i Item) string { return i.SessionID })

	if len(nos) > 0 {
		subjects, err := s.repo.StudentsByNo(ctx, nos)
		if err != nil {
			return nil, err
		}
		for _, subj := range subjects {
			bctx.byNo[subj.No] = subj
			bctx.byID[subj.ID] = subj
		}
	}
	if len(ids) > 0 {
		subjects, err := s.repo.StudentsByID(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, subj := range subjects {
			bctx.byID[subj.ID] = subj
			bctx.byNo[subj.No] = subj
		}
	}
	if len(sessionIDs) > 0 {
		sessions, err := s.repo.SessionsByID(ctx, sessionIDs)
		if err != nil {
			return nil, err
		}
		for _, sess := range sessions {
			bctx.sessions[sess.ID] = sess
		}
	}

	studentIDs := make([]string, 0, len(bctx.byID))
	for id := range bctx.byID {
		studentIDs = append(studentIDs, id)
	}

	// Weekends in play: the event week for check-ins, the session's
	// cycle for chapel prerequisites.
	weekendSet := make(map[string]struct{})
	for _, item := range items {
		switch kind {
		case rules.KindCheckIn:
			weekendSet[rules.WeekendOf(toOperation(kind, item).OccurredAt)] = struct{}{}
		case rules.KindChapel:
			if sess, ok := bctx.sessions[item.SessionID]; ok {
				weekendSet[sess.Weekend] = struct{}{}
			}
		}
	}
	weekends := make([]string, 0, len(weekendSet))
	for w := range weekendSet {
		weekends = append(weekends, w)
	}

	if len(studentIDs) > 0 && len(weekends) > 0 {
		records, err := s.repo.CheckInsFor(ctx, studentIDs, weekends)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			bctx.checkIns[rec.StudentID+"/"+rec.Weekend] = struct{}{}
			bctx.committed[fmt.Sprintf("checkin/%s/%s/%s", rec.StudentID, rec.Weekend, rec.Day)] = rec.ID
		}
	}

	if kind != rules.KindCheckIn && len(studentIDs) > 0 && len(sessionIDs) > 0 {
		records, err := s.repo.AttendanceFor(ctx, studentIDs, sessionIDs)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			bctx.committed[fmt.Sprintf("attendance/%s/%s", rec.StudentID, rec.SessionID)] = rec.ID
		}
	}
	return bctx, nil
}

func (s *Service) commit(ctx context.Context, kind rules.Kind, scope rules.ActorScope, bctx *batchContext, eligible []Item) ([]string, error) {
	if kind == rules.KindCheckIn {
		rows := make([]NewCheckIn, 0, len(eligible))
		for _, item := range eligible {
			op := toOperation(kind, item)
			subj, _ := bctx.Subject(op)
			rows = append(rows, NewCheckIn{
				StudentID:  subj.ID,
				Weekend:    rules.WeekendOf(op.OccurredAt),
				Day:        op.OccurredAt.UTC().Weekday().String(),
				OccurredAt: op.OccurredAt,
				ActorID:    scope.ActorID,
			})
		}
		return s.repo.CreateCheckIns(ctx, rows)
	}

	rows := make([]NewAttendance, 0, len(eligible))
	for _, item := range eligible {
		op := toOperation(kind, item)
		subj, _ := bctx.Subject(op)
		rows = append(rows, NewAttendance{
			StudentID:  subj.ID,
			SessionID:  op.SessionID,
			OccurredAt: op.OccurredAt,
			ActorID:    scope.ActorID,
		})
	}
	return s.repo.CreateAttendance(ctx, rows)
}

func distinct(items []Item, key func(Item) string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, item := range items {
		k := key(item)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
