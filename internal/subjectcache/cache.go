// Package subjectcache keeps a device-local projection of recently seen
// students so the agent can answer eligibility questions offline. It is
// never authoritative; the server re-validates every operation.
package subjectcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

const studentKeyPrefix = "student:"

// ErrNotCached is returned when the student has never been seen online.
var ErrNotCached = errors.New("student not cached")

// CachedSubject is the local projection of a student record.
type CachedSubject struct {
	StudentID string    `json:"student_id"`
	StudentNo string    `json:"student_no"`
	FullName  string    `json:"full_name"`
	ClassID   string    `json:"class_id"`
	Expelled  bool      `json:"expelled"`
	CachedAt  time.Time `json:"cached_at"`
}

// Cache stores CachedSubject records keyed by student number.
type Cache struct {
	db *badger.DB
}

// New wraps an open badger DB.
func New(db *badger.DB) *Cache {
	return &Cache{db: db}
}

// Put writes or refreshes a projection after a successful online lookup.
func (c *Cache) Put(subject CachedSubject) error {
	if subject.StudentNo == "" {
		return errors.New("student number required")
	}
	if subject.CachedAt.IsZero() {
		subject.CachedAt = time.Now().UTC()
	}
	data, err := json.Marshal(subject)
	if err != nil {
		return fmt.Errorf("marshal subject: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(studentKeyPrefix+subject.StudentNo), data)
	})
}

// Get returns the cached projection for a student number.
func (c *Cache) Get(studentNo string) (CachedSubject, error) {
	var subject CachedSubject
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(studentKeyPrefix + studentNo))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotCached
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &subject)
		})
	})
	return subject, err
}
