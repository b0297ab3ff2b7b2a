package queue

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Key layout in badger: one record per operation plus one index entry
// per (status, localId) so status lookups never scan the whole store.
const (
	opKeyPrefix  = "op:"
	idxKeyPrefix = "idx:"
)

// ErrNotFound is returned when no operation exists for a local id.
var ErrNotFound = errors.New("operation not found")

// Store is the device-local persistent queue of pending operations.
// Every mutation touches a single operation; there is no cross-record
// locking because each record is owned by the agent that created it.
type Store struct {
	db *badger.DB
}

// NewStore wraps an open badger DB.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db}
}

func opKey(localID string) []byte {
	return []byte(opKeyPrefix + localID)
}

func idxKey(status Status, localID string) []byte {
	return []byte(idxKeyPrefix + string(status) + ":" + localID)
}

// Enqueue persists a new operation as pending and returns its local id.
// Payload validation happened before the caller got here; Enqueue fails
// only on storage errors.
func (s *Store) Enqueue(op PendingOperation) (string, error) {
	if op.LocalID == "" {
		op.LocalID = uuid.NewString()
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.OccurredAt.IsZero() {
		op.OccurredAt = op.CreatedAt
	}
	op.SyncStatus = StatusPending

	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("marshal operation: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(opKey(op.LocalID), data); err != nil {
			return err
		}
		return txn.Set(idxKey(StatusPending, op.LocalID), nil)
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return op.LocalID, nil
}

// Get returns one operation by local id.
func (s *Store) Get(localID string) (PendingOperation, error) {
	var op PendingOperation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(localID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		})
	})
	return op, err
}

// ListByStatus returns all operations in the given status, oldest first.
func (s *Store) ListByStatus(status Status) ([]PendingOperation, error) {
	var ops []PendingOperation
	prefix := []byte(idxKeyPrefix + string(status) + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			localID := string(it.Item().Key()[len(prefix):])
			item, err := txn.Get(opKey(localID))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue // dangling index entry
			}
			if err != nil {
				return err
			}
			var op PendingOperation
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			}); err != nil {
				return err
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].CreatedAt.Before(ops[j].CreatedAt) })
	return ops, nil
}

// SetStatus moves an operation to a new status. serverID is recorded on
// synced, errMsg on failed; moving back to pending clears the error so
// a later retry starts clean.
func (s *Store) SetStatus(localID string, status Status, serverID, errMsg string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(opKey(localID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var op PendingOperation
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &op)
		}); err != nil {
			return err
		}

		if err := txn.Delete(idxKey(op.SyncStatus, localID)); err != nil {
			return err
		}
		op.SyncStatus = status
		switch status {
		case StatusSynced:
			op.ServerID = serverID
			op.ErrorMsg = ""
			op.SyncedAt = time.Now().UTC()
		case StatusFailed:
			op.ErrorMsg = errMsg
		case StatusPending:
			op.ErrorMsg = ""
		}
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		if err := txn.Set(opKey(localID), data); err != nil {
			return err
		}
		return txn.Set(idxKey(status, localID), nil)
	})
}

// PurgeSyncedOlderThan deletes synced operations whose sync completed
// before the retention window and returns how many were removed. Failed
// operations are never purged here; they wait for operator action.
func (s *Store) PurgeSyncedOlderThan(retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	synced, err := s.ListByStatus(StatusSynced)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, op := range synced {
		syncedAt := op.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = op.CreatedAt
		}
		if !syncedAt.Before(cutoff) {
			continue
		}
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(opKey(op.LocalID)); err != nil {
				return err
			}
			return txn.Delete(idxKey(StatusSynced, op.LocalID))
		})
		if err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ClearFailed removes all failed operations. Exposed to the operator
// through the agent's local API.
func (s *Store) ClearFailed() (int, error) {
	failed, err := s.ListByStatus(StatusFailed)
	if err != nil {
		return 0, err
	}
	for i, op := range failed {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := txn.Delete(opKey(op.LocalID)); err != nil {
				return err
			}
			return txn.Delete(idxKey(StatusFailed, op.LocalID))
		})
		if err != nil {
			return i, err
		}
	}
	return len(failed), nil
}

// Counts returns the number of operations per status.
func (s *Store) Counts() (map[Status]int, error) {
	counts := make(map[Status]int, 4)
	err := s.db.View(func(txn *badger.Txn) error {
		for _, status := range []Status{StatusPending, StatusSyncing, StatusSynced, StatusFailed} {
			prefix := []byte(idxKeyPrefix + string(status) + ":")
			it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
			for it.Rewind(); it.Valid(); it.Next() {
				counts[status]++
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
