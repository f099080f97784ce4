package ingest

import (
	"context"
	"time"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/queue"
)

const (
	reconcilePollTimeout = 5 * time.Second
	reconcileMaxAttempts = 5
	reconcileRetryDelay  = 2 * time.Second
)

// RunReconciler drains the reconciliation queue: status events whose contact
// row was not visible at webhook time are retried with a bounded budget.
// Blocks until ctx is done.
func (i *Ingestor) RunReconciler(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := i.q.DequeueReconcile(ctx, reconcilePollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			i.log.Error("Reconcile dequeue failed", "error", err)
			time.Sleep(reconcileRetryDelay)
			continue
		}
		if item == nil {
			continue
		}

		i.reconcileOne(ctx, item)
	}
}

func (i *Ingestor) reconcileOne(ctx context.Context, item *queue.ReconcileItem) {
	_, err := i.st.ApplyStatusEvent(ctx, item.MessageID, item.Status, item.EventTS, item.FailReason)
	if err == nil {
		i.log.Debug("Reconciled status event", "message_id", item.MessageID, "status", item.Status)
		return
	}

	if fault.Is(err, fault.KindNotFound) {
		item.Attempts++
		if item.Attempts >= reconcileMaxAttempts {
			i.log.Warn("Dropping unreconcilable status event", "message_id", item.MessageID, "status", item.Status, "attempts", item.Attempts)
			return
		}
		time.Sleep(reconcileRetryDelay)
		if qerr := i.q.EnqueueReconcile(ctx, *item); qerr != nil {
			i.log.Error("Failed to requeue reconcile item", "message_id", item.MessageID, "error", qerr)
		}
		return
	}

	i.log.Error("Reconcile apply failed", "message_id", item.MessageID, "status", item.Status, "error", err)
}
