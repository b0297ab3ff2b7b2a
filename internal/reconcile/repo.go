package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/rules"
)

// PostgresRepository implements Repository over the system of record.
// All reads take key sets and use array parameters, so one batch costs
// a fixed number of round trips.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) StudentsByNo(ctx context.Context, nos []string) ([]rules.Subject, error) {
	return r.students(ctx, `
		SELECT id, student_no, full_name, class_id, expelled
		FROM students
		WHERE student_no = ANY($1)
	`, nos)
}

func (r *PostgresRepository) StudentsByID(ctx context.Context, ids []string) ([]rules.Subject, error) {
	return r.students(ctx, `
		SELECT id, student_no, full_name, class_id, expelled
		FROM students
		WHERE id = ANY($1)
	`, ids)
}

func (r *PostgresRepository) students(ctx context.Context, query string, keys []string) ([]rules.Subject, error) {
	rows, err := r.db.QueryContext(ctx, query, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []rules.Subject
	for rows.Next() {
		var s rules.Subject
		if err := rows.Scan(&s.ID, &s.No, &s.FullName, &s.ClassID, &s.Expelled); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

func (r *PostgresRepository) SessionsByID(ctx context.Context, ids []string) ([]rules.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, weekend, session_type, COALESCE(class_id, '')
		FROM sessions
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []rules.Session
	for rows.Next() {
		var s rules.Session
		if err := rows.Scan(&s.ID, &s.Weekend, &s.Type, &s.ClassID); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *PostgresRepository) CheckInsFor(ctx context.Context, studentIDs, weekends []string) ([]CheckInRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, weekend, day
		FROM checkins
		WHERE student_id = ANY($1) AND weekend = ANY($2)
	`, studentIDs, weekends)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []CheckInRecord
	for rows.Next() {
		var rec CheckInRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.Weekend, &rec.Day); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) AttendanceFor(ctx context.Context, studentIDs, sessionIDs []string) ([]AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, session_id
		FROM attendance
		WHERE student_id = ANY($1) AND session_id = ANY($2)
	`, studentIDs, sessionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []AttendanceRecord
	for rows.Next() {
		var rec AttendanceRecord
		if err := rows.Scan(&rec.ID, &rec.StudentID, &rec.SessionID); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateCheckIns inserts every row in one transaction with a single
// multi-row statement. Ids are assigned here so the insert needs no
// RETURNING round trip.
func (r *PostgresRepository) CreateCheckIns(ctx context.Context, checkIns []NewCheckIn) ([]string, error) {
	if len(checkIns) == 0 {
		return nil, nil
	}
	n := len(checkIns)
	ids := make([]string, n)
	studentIDs := make([]string, n)
	weekends := make([]string, n)
	days := make([]string, n)
	occurred := make([]string, n)
	actors := make([]string, n)
	for i, row := range checkIns {
		ids[i] = uuid.NewString()
		studentIDs[i] = row.StudentID
		weekends[i] = row.Weekend
		days[i] = row.Day
		occurred[i] = row.OccurredAt.UTC().Format(time.RFC3339)
		actors[i] = row.ActorID
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkins (id, student_id, weekend, day, occurred_at, recorded_by)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::text[], $4::text[], $5::timestamptz[], $6::text[])
	`, ids, studentIDs, weekends, days, occurred, actors)
	if err != nil {
		return nil, fmt.Errorf("insert checkins: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}

// CreateAttendance inserts every row in one transaction.
func (r *PostgresRepository) CreateAttendance(ctx context.Context, marks []NewAttendance) ([]string, error) {
	if len(marks) == 0 {
		return nil, nil
	}
	n := len(marks)
	ids := make([]string, n)
	studentIDs := make([]string, n)
	sessionIDs := make([]string, n)
	occurred := make([]string, n)
	actors := make([]string, n)
	for i, row := range marks {
		ids[i] = uuid.NewString()
		studentIDs[i] = row.StudentID
		sessionIDs[i] = row.SessionID
		occurred[i] = row.OccurredAt.UTC().Format(time.RFC3339)
		actors[i] = row.ActorID
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO attendance (id, student_id, session_id, occurred_at, recorded_by)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::uuid[], $4::timestamptz[], $5::text[])
	`, ids, studentIDs, sessionIDs, occurred, actors)
	if err != nil {
		return nil, fmt.Errorf("insert attendance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return ids, nil
}
