// Package syncer drives the device-local queue through the batch
// reconciliation protocol whenever the agent is online.
package syncer

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fieldsync/internal/queue"
	"fieldsync/internal/reconcile"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_sync_cycles_total",
		Help: "Completed sync cycles.",
	})
	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_sync_operations_total",
		Help: "Operations resolved per sync cycle, by final status.",
	}, []string{"status"})
)

// SyncSummary reports what one TriggerSync call did. Ran is false when
// another cycle was already in flight and this call was a no-op.
type SyncSummary struct {
	Ran      bool `json:"ran"`
	Synced   int  `json:"synced"`
	Failed   int  `json:"failed"`
	Reverted int  `json:"reverted"`
	Purged   int  `json:"purged"`
}

// Orchestrator runs at most one sync cycle at a time. The guard is a
// mutex on the instance, so orchestrators built for tests never share
// state.
type Orchestrator struct {
	store     *queue.Store
	transport Transport
	batchSize int
	retention time.Duration

	mu sync.Mutex // held for the duration of one cycle
}

// New creates an orchestrator. batchSize is clamped to the protocol
// maximum of 100.
func New(store *queue.Store, transport Transport, batchSize int, retention time.Duration) *Orchestrator {
	if batchSize <= 0 || batchSize > reconcile.MaxBatchSize {
		batchSize = reconcile.MaxBatchSize
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Orchestrator{store: store, transport: transport, batchSize: batchSize, retention: retention}
}

// TriggerSync runs one sync cycle. Connectivity transitions, the
// periodic timer and the manual endpoint all land here; a trigger
// arriving while a cycle is running returns immediately.
func (o *Orchestrator) TriggerSync(ctx context.Context) SyncSummary {
	if !o.mu.TryLock() {
		return SyncSummary{}
	}
	defer o.mu.Unlock()

	summary := SyncSummary{Ran: true}

	pending, err := o.store.ListByStatus(queue.StatusPending)
	if err != nil {
		log.Printf("sync: list pending failed: %v", err)
		return summary
	}
	if len(pending) == 0 {
		o.purge(&summary)
		cyclesTotal.Inc()
		return summary
	}

	// Snapshot the whole pending set as syncing before the first
	// network call, grouped by kind.
	byKind := make(map[queue.Kind][]queue.PendingOperation)
	for _, op := range pending {
		if err := o.store.SetStatus(op.LocalID, queue.StatusSyncing, "", ""); err != nil {
			log.Printf("sync: mark syncing %s failed: %v", op.LocalID, err)
			continue
		}
		byKind[op.Kind] = append(byKind[op.Kind], op)
	}

	// Batches go out sequentially, never in parallel, so two in-flight
	// batches from this agent cannot race on the same natural key.
	aborted := false
	for _, kind := range queue.AllKinds() {
		ops := byKind[kind]
		if aborted {
			summary.Reverted += o.revert(ops)
			continue
		}
		for start := 0; start < len(ops); start += o.batchSize {
			end := start + o.batchSize
			if end > len(ops) {
				end = len(ops)
			}
			batch := ops[start:end]

			resp, err := o.transport.SubmitBatch(ctx, kind, toItems(batch))
			if err != nil {
				// Unknown server outcome: this batch and everything
				// still marked syncing go back to pending for a later
				// cycle.
				log.Printf("sync: batch of %d %s failed: %v", len(batch), kind, err)
				summary.Reverted += o.revert(ops[start:])
				aborted = true
				break
			}
			o.apply(batch, resp, &summary)
		}
	}

	o.purge(&summary)
	cyclesTotal.Inc()
	log.Printf("sync: cycle done: synced=%d failed=%d reverted=%d purged=%d",
		summary.Synced, summary.Failed, summary.Reverted, summary.Purged)
	return summary
}

// apply reconciles per-item outcomes into local statuses. A duplicate
// is not an error: an earlier attempt already landed, so the operation
// is synced with the server id that attempt produced.
func (o *Orchestrator) apply(batch []queue.PendingOperation, resp reconcile.BatchResponse, summary *SyncSummary) {
	resolved := make(map[string]reconcile.Result, len(resp.Results))
	for _, res := range resp.Results {
		resolved[res.LocalID] = res
	}
	for _, op := range batch {
		res, ok := resolved[op.LocalID]
		if !ok {
			// The protocol promises one result per item; if a result is
			// missing anyway, retrying is the safe direction.
			summary.Reverted += o.revert([]queue.PendingOperation{op})
			continue
		}
		if res.Success {
			if err := o.store.SetStatus(op.LocalID, queue.StatusSynced, res.ServerID, ""); err != nil {
				log.Printf("sync: mark synced %s failed: %v", op.LocalID, err)
				continue
			}
			summary.Synced++
			opsTotal.WithLabelValues(string(queue.StatusSynced)).Inc()
			continue
		}
		// Transient failures (an aborted commit phase) go straight back
		// to pending for the next cycle.
		if res.Transient {
			summary.Reverted += o.revert([]queue.PendingOperation{op})
			continue
		}
		// Rule rejections are permanent; they wait for the operator and
		// are never auto-retried.
		if err := o.store.SetStatus(op.LocalID, queue.StatusFailed, "", res.Error); err != nil {
			log.Printf("sync: mark failed %s failed: %v", op.LocalID, err)
			continue
		}
		summary.Failed++
		opsTotal.WithLabelValues(string(queue.StatusFailed)).Inc()
	}
}

func (o *Orchestrator) revert(ops []queue.PendingOperation) int {
	reverted := 0
	for _, op := range ops {
		if err := o.store.SetStatus(op.LocalID, queue.StatusPending, "", ""); err != nil {
			log.Printf("sync: revert %s failed: %v", op.LocalID, err)
			continue
		}
		reverted++
	}
	return reverted
}

func (o *Orchestrator) purge(summary *SyncSummary) {
	purged, err := o.store.PurgeSyncedOlderThan(o.retention)
	if err != nil {
		log.Printf("sync: purge failed: %v", err)
		return
	}
	summary.Purged = purged
}

func toItems(ops []queue.PendingOperation) []reconcile.Item {
	items := make([]reconcile.Item, 0, len(ops))
	for _, op := range ops {
		items = append(items, reconcile.Item{
			LocalID:    op.LocalID,
			StudentNo:  op.StudentNo,
			StudentID:  op.StudentID,
			SessionID:  op.SessionID,
			OccurredAt: op.OccurredAt,
		})
	}
	return items
}
