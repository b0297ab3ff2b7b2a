// Package student serves student profiles with a redis read-through
// cache in front of Postgres. The cache only speeds up repeated
// lookups; every miss and every cache failure falls back to the system
// of record.
package student

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "fieldsync:student:"

// ErrNotFound is returned when no student matches the number.
var ErrNotFound = errors.New("student not found")

// Student is a profile row.
type Student struct {
	ID        string `json:"id"`
	StudentNo string `json:"student_no"`
	FullName  string `json:"full_name"`
	ClassID   string `json:"class_id"`
	Expelled  bool   `json:"expelled"`
}

// Service resolves students by badge number.
type Service struct {
	db    *sql.DB
	cache *redis.Client
	ttl   time.Duration
}

// NewService creates the lookup service. cache may be nil; lookups then
// always hit Postgres.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{db: db, cache: cache, ttl: ttl}
}

// ByNumber returns the student with the given badge number.
func (s *Service) ByNumber(ctx context.Context, studentNo string) (Student, error) {
	if studentNo == "" {
		return Student{}, ErrNotFound
	}
	if stu, ok := s.fromCache(ctx, studentNo); ok {
		return stu, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, student_no, full_name, class_id, expelled
		FROM students WHERE student_no = $1
	`, studentNo)
	var stu Student
	if err := row.Scan(&stu.ID, &stu.StudentNo, &stu.FullName, &stu.ClassID, &stu.Expelled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Student{}, ErrNotFound
		}
		return Student{}, err
	}
	s.toCache(ctx, stu)
	return stu, nil
}

func (s *Service) fromCache(ctx context.Context, studentNo string) (Student, bool) {
	if s.cache == nil {
		return Student{}, false
	}
	data, err := s.cache.Get(ctx, cacheKeyPrefix+studentNo).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("student cache get failed: %v", err)
		}
		return Student{}, false
	}
	var stu Student
	if err := json.Unmarshal(data, &stu); err != nil {
		return Student{}, false
	}
	return stu, true
}

func (s *Service) toCache(ctx context.Context, stu Student) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(stu)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKeyPrefix+stu.StudentNo, data, s.ttl).Err(); err != nil {
		log.Printf("student cache set failed: %v", err)
	}
}
