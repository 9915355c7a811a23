// Package resolver maps a batch's natural key (its batch number) to the
// sequential id the ledger knows it by.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"traceline/internal/ledger"
	"traceline/internal/repo"
)

// ErrUnresolved means no ledger record carries the natural key.
type ErrUnresolved struct {
	BatchNumber string
}

func (e *ErrUnresolved) Error() string {
	return fmt.Sprintf("batch %s has no ledger record", e.BatchNumber)
}

// Resolver answers natural-key lookups from a persisted index and extends
// the index by scanning only the ledger ids it has not seen yet, falling
// back to a full rescan when the key hides in a hole below the watermark.
// A warm index answers without touching the ledger.
type Resolver struct {
	Repo     repo.Repo
	Registry *ledger.Registry
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(r repo.Repo, reg *ledger.Registry, log logrus.FieldLogger) *Resolver {
	return &Resolver{Repo: r, Registry: reg, Log: log, Now: time.Now}
}

// LedgerBatchID resolves the batch number to its ledger id.
func (r *Resolver) LedgerBatchID(ctx context.Context, batchNumber string) (int64, error) {
	id, err := r.Repo.LedgerIndexGet(ctx, batchNumber)
	if err == nil {
		return id, nil
	}
	if err != repo.ErrNotFound {
		return 0, err
	}

	from, err := r.Repo.LedgerIndexMax(ctx)
	if err != nil {
		return 0, err
	}
	total, err := r.Registry.TotalBatches(ctx)
	if err != nil {
		return 0, err
	}

	found, err := r.scan(ctx, batchNumber, from+1, total)
	if err != nil {
		return 0, err
	}
	if found == 0 && from > 0 {
		// The index can have holes below its watermark: a create whose id
		// discovery failed leaves its id unindexed while later creates raise
		// the watermark past it. Rescan the whole range before giving up.
		if r.Log != nil {
			r.Log.WithFields(logrus.Fields{
				"batch_number": batchNumber,
				"watermark":    from,
			}).Warn("batch not in unseen tail; rescanning ledger from the start")
		}
		found, err = r.scan(ctx, batchNumber, 1, from)
		if err != nil {
			return 0, err
		}
	}
	if found == 0 {
		return 0, &ErrUnresolved{BatchNumber: batchNumber}
	}
	return found, nil
}

// scan reads ledger ids lo..hi inclusive, indexing every record it passes,
// and returns the id carrying the batch number, or 0.
func (r *Resolver) scan(ctx context.Context, batchNumber string, lo, hi int64) (int64, error) {
	found := int64(0)
	for i := lo; i <= hi; i++ {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}
		rec, err := r.Registry.GetBatch(ctx, i)
		if err != nil {
			if r.Log != nil {
				r.Log.WithError(err).WithField("ledger_id", i).Warn("skipping unreadable ledger record during scan")
			}
			continue
		}
		if !rec.Exists {
			continue
		}
		if err := r.Record(ctx, rec.BatchNumber, i); err != nil {
			return 0, err
		}
		if rec.BatchNumber == batchNumber {
			found = i
		}
	}
	return found, nil
}

// Record persists one natural-key mapping. The synchronizer calls this as it
// replays the ledger so later resolutions skip the scan entirely.
func (r *Resolver) Record(ctx context.Context, batchNumber string, ledgerID int64) error {
	now := r.Now
	if now == nil {
		now = time.Now
	}
	return r.Repo.LedgerIndexPut(ctx, batchNumber, ledgerID, now().UTC().Format(time.RFC3339))
}
