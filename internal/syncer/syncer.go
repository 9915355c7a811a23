// Package syncer replays the ledger back into the mirror. It is the only
// component allowed to write mirror rows without a fresh ledger
// confirmation, because everything it writes was confirmed in the past.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/ledger"
	"traceline/internal/repo"
	"traceline/internal/resolver"
)

type Syncer struct {
	Repo     repo.Repo
	Events   events.Writer
	Registry *ledger.Registry
	Resolver *resolver.Resolver
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(r repo.Repo, ev events.Writer, reg *ledger.Registry, res *resolver.Resolver, log logrus.FieldLogger) Syncer {
	return Syncer{Repo: r, Events: ev, Registry: reg, Resolver: res, Log: log, Now: time.Now}
}

// Report counts what a sync run did. A run over an already-consistent
// mirror reports zero mutations.
type Report struct {
	BatchesCreated       int `json:"batches_created"`
	BatchesUpdated       int `json:"batches_updated"`
	BatchesUnchanged     int `json:"batches_unchanged"`
	BatchesSkipped       int `json:"batches_skipped"`
	BatchesFailed        int `json:"batches_failed"`
	InspectionsCreated   int `json:"inspections_created"`
	InspectionsUpdated   int `json:"inspections_updated"`
	InspectionsUnchanged int `json:"inspections_unchanged"`
	InspectionsSkipped   int `json:"inspections_skipped"`
	InspectionsFailed    int `json:"inspections_failed"`
	IdentitiesCreated    int `json:"identities_created"`
}

// Mutations is the number of mirror rows the run created or changed.
func (r Report) Mutations() int {
	return r.BatchesCreated + r.BatchesUpdated + r.InspectionsCreated + r.InspectionsUpdated + r.IdentitiesCreated
}

// RunFull walks every ledger id from 1 to the totals and folds each record
// into the mirror. Individual bad records are logged and skipped; they
// never abort the run.
func (s Syncer) RunFull(ctx context.Context, actorID string) (Report, error) {
	var report Report
	if err := s.syncBatches(ctx, &report, actorID); err != nil {
		return report, err
	}
	if err := s.syncInspections(ctx, &report, actorID); err != nil {
		return report, err
	}
	return report, nil
}

func (s Syncer) syncBatches(ctx context.Context, report *Report, actorID string) error {
	total, err := s.Registry.TotalBatches(ctx)
	if err != nil {
		return fmt.Errorf("read batch total: %w", err)
	}
	for id := int64(1); id <= total; id++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec, err := s.Registry.GetBatch(ctx, id)
		if err != nil {
			report.BatchesFailed++
			s.warn(err, "batch", id, "unreadable ledger batch; skipping")
			continue
		}
		if !rec.Exists {
			report.BatchesSkipped++
			continue
		}
		if err := s.foldBatch(ctx, report, rec, actorID); err != nil {
			report.BatchesFailed++
			s.warn(err, "batch", id, "mirror upsert failed; skipping")
		}
	}
	return nil
}

func (s Syncer) foldBatch(ctx context.Context, report *Report, rec ledger.BatchRecord, actorID string) error {
	owner, err := s.ensureIdentity(ctx, report, rec.Owner, domain.RoleProducer)
	if err != nil {
		return fmt.Errorf("resolve owner %s: %w", rec.Owner, err)
	}

	ledgerID := rec.ID
	b := domain.Batch{
		ID:          uuid.NewString(),
		BatchNumber: rec.BatchNumber,
		ProductName: rec.ProductName,
		Origin:      rec.Origin,
		Quantity:    rec.Quantity,
		Unit:        rec.Unit,
		Status:      rec.Status,
		OwnerID:     owner.ID,
		LedgerID:    &ledgerID,
		CreatedAt:   unixToRFC(rec.CreatedAt, s.now()),
		UpdatedAt:   unixToRFC(rec.UpdatedAt, s.now()),
	}
	if d := unixToDate(rec.HarvestDate); d != "" {
		b.HarvestDate = &d
	}
	if d := unixToDate(rec.ExpiryDate); d != "" {
		b.ExpiryDate = &d
	}

	outcome, err := s.Repo.UpsertBatchFromLedger(ctx, b)
	if err != nil {
		return err
	}
	if err := s.Resolver.Record(ctx, rec.BatchNumber, ledgerID); err != nil {
		return err
	}
	switch outcome {
	case repo.UpsertCreated:
		report.BatchesCreated++
	case repo.UpsertUpdated:
		report.BatchesUpdated++
	default:
		report.BatchesUnchanged++
		return nil
	}
	return s.Events.AppendNow(ctx, events.TypeSyncBatchUpserted, "batch", rec.BatchNumber, actorID, events.EventPayload{
		"ledger_id": ledgerID,
		"outcome":   outcomeName(outcome),
	})
}

func (s Syncer) syncInspections(ctx context.Context, report *Report, actorID string) error {
	total, err := s.Registry.TotalInspections(ctx)
	if err != nil {
		return fmt.Errorf("read inspection total: %w", err)
	}
	for id := int64(1); id <= total; id++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec, err := s.Registry.GetInspection(ctx, id)
		if err != nil {
			report.InspectionsFailed++
			s.warn(err, "inspection", id, "unreadable ledger inspection; skipping")
			continue
		}
		if !rec.Exists {
			report.InspectionsSkipped++
			continue
		}
		if err := s.foldInspection(ctx, report, rec, actorID); err != nil {
			report.InspectionsFailed++
			s.warn(err, "inspection", id, "mirror upsert failed; skipping")
		}
	}
	return nil
}

func (s Syncer) foldInspection(ctx context.Context, report *Report, rec ledger.InspectionRecord, actorID string) error {
	batchRec, err := s.Registry.GetBatch(ctx, rec.BatchID)
	if err != nil {
		return fmt.Errorf("ledger batch %d: %w", rec.BatchID, err)
	}
	batch, err := s.Repo.GetBatchByNumber(ctx, batchRec.BatchNumber)
	if err != nil {
		return fmt.Errorf("mirror batch %s: %w", batchRec.BatchNumber, err)
	}
	inspector, err := s.ensureIdentity(ctx, report, rec.Inspector, domain.RoleInspector)
	if err != nil {
		return fmt.Errorf("resolve inspector %s: %w", rec.Inspector, err)
	}

	ledgerID := rec.ID
	in := domain.Inspection{
		ID:          uuid.NewString(),
		BatchID:     batch.ID,
		InspectorID: inspector.ID,
		Result:      rec.Result,
		FileURL:     rec.FileURL,
		Notes:       rec.Notes,
		InspDate:    unixToRFC(rec.InspDate, s.now()),
		LedgerID:    &ledgerID,
		CreatedAt:   unixToRFC(rec.CreatedAt, s.now()),
	}
	outcome, err := s.Repo.UpsertInspectionFromLedger(ctx, in)
	if err != nil {
		return err
	}
	switch outcome {
	case repo.UpsertCreated:
		report.InspectionsCreated++
	case repo.UpsertUpdated:
		report.InspectionsUpdated++
	default:
		report.InspectionsUnchanged++
		return nil
	}
	return s.Events.AppendNow(ctx, events.TypeSyncInspUpserted, "inspection", fmt.Sprintf("%d", ledgerID), actorID, events.EventPayload{
		"batch_number": batchRec.BatchNumber,
		"outcome":      outcomeName(outcome),
	})
}

// ensureIdentity finds the identity owning a ledger address, creating a
// synthetic one when the address was only ever seen on the ledger.
func (s Syncer) ensureIdentity(ctx context.Context, report *Report, wallet, role string) (domain.Identity, error) {
	id, err := s.Repo.GetIdentityByWallet(ctx, wallet)
	if err == nil {
		return id, nil
	}
	if err != repo.ErrNotFound {
		return domain.Identity{}, err
	}
	id = domain.Identity{
		ID:        uuid.NewString(),
		Email:     syntheticEmail(wallet),
		Role:      role,
		Wallet:    wallet,
		Synthetic: true,
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.InsertIdentity(ctx, id); err != nil {
		return domain.Identity{}, err
	}
	report.IdentitiesCreated++
	return id, nil
}

func syntheticEmail(wallet string) string {
	short := strings.ToLower(wallet)
	if len(short) > 10 {
		short = short[:10]
	}
	return short + "@ledger.local"
}

func (s Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Syncer) warn(err error, kind string, id int64, msg string) {
	if s.Log == nil {
		return
	}
	s.Log.WithError(err).WithFields(logrus.Fields{"kind": kind, "ledger_id": id}).Warn(msg)
}

func outcomeName(o repo.UpsertOutcome) string {
	switch o {
	case repo.UpsertCreated:
		return "created"
	case repo.UpsertUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

func unixToRFC(ts int64, fallback time.Time) string {
	if ts <= 0 {
		return fallback.UTC().Format(time.RFC3339)
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func unixToDate(ts int64) string {
	if ts <= 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}
