// Package coordinator orchestrates every batch and inspection state change:
// validate locally, write to the ledger, wait for confirmation, then mirror.
// The mirror is only ever written after the ledger write confirmed, so a
// mirror row implies a confirmed ledger record. The reverse gap (ledger
// confirmed, mirror write failed) is surfaced as MirrorPersistenceError and
// closed by the synchronizer.
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/ledger"
	"traceline/internal/lifecycle"
	"traceline/internal/repo"
	"traceline/internal/resolver"
)

type Coordinator struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *ledger.Registry
	Resolver *resolver.Resolver
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(db *sql.DB, reg *ledger.Registry, res *resolver.Resolver, log logrus.FieldLogger) Coordinator {
	return Coordinator{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Registry: reg,
		Resolver: res,
		Log:      log,
		Now:      time.Now,
	}
}

func (c Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Coordinator) rfcNow() string {
	return c.now().UTC().Format(time.RFC3339)
}

// CreateBatch validates the metadata, registers the batch on the ledger, and
// mirrors it locally. Warnings are advisory and never block. A
// MirrorPersistenceError return still carries the created batch: the ledger
// accepted it and the mirror will catch up on the next sync.
func (c Coordinator) CreateBatch(ctx context.Context, meta domain.BatchMetadata, ownerID string) (domain.Batch, []string, error) {
	warnings, err := ValidateMetadata(meta, c.now())
	if err != nil {
		return domain.Batch{}, nil, err
	}
	if meta.BatchNumber == "" {
		meta.BatchNumber = fmt.Sprintf("BATCH-%d", c.now().UTC().Unix())
	}
	if _, err := c.Repo.GetBatchByNumber(ctx, meta.BatchNumber); err == nil {
		return domain.Batch{}, nil, validationErr(fmt.Sprintf("batch number %s already exists", meta.BatchNumber))
	} else if err != repo.ErrNotFound {
		return domain.Batch{}, nil, err
	}

	conf, ledgerID, err := c.Registry.CreateBatch(ctx, meta)
	if err != nil {
		return domain.Batch{}, nil, err
	}
	if ledgerID == 0 && c.Log != nil {
		c.Log.WithField("tx", string(conf.TxRef)).Warn("batch id unrecoverable; sync will fill it in")
	}

	now := c.rfcNow()
	txRef := string(conf.TxRef)
	b := domain.Batch{
		ID:            uuid.NewString(),
		BatchNumber:   meta.BatchNumber,
		ProductName:   meta.ProductName,
		Origin:        meta.Origin,
		Quantity:      meta.Quantity,
		Unit:          meta.Unit,
		TotalWeightKg: meta.TotalWeightKg,
		Organic:       meta.Organic,
		Import:        meta.Import,
		Status:        domain.BatchPending,
		OwnerID:       ownerID,
		LedgerTx:      &txRef,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if meta.HarvestDate != "" {
		b.HarvestDate = &meta.HarvestDate
	}
	if meta.ExpiryDate != "" {
		b.ExpiryDate = &meta.ExpiryDate
	}
	if ledgerID > 0 {
		b.LedgerID = &ledgerID
		if err := c.Resolver.Record(ctx, b.BatchNumber, ledgerID); err != nil && c.Log != nil {
			c.Log.WithError(err).Warn("failed to index new batch")
		}
	}

	if err := c.persistBatch(ctx, b, ownerID); err != nil {
		c.reportMirrorGap(ctx, "create batch", conf.TxRef, b.BatchNumber, err)
		return b, warnings, &MirrorPersistenceError{Op: "create batch", TxRef: conf.TxRef, Err: err}
	}
	return b, warnings, nil
}

func (c Coordinator) persistBatch(ctx context.Context, b domain.Batch, actorID string) error {
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertBatchTx(ctx, tx, b); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if err := c.Events.Append(ctx, tx, events.TypeBatchCreated, "batch", b.ID, actorID, events.EventPayload{
		"batch_number": b.BatchNumber,
		"ledger_tx":    derefStr(b.LedgerTx),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// InspectionOptions describe a new inspection against a batch.
type InspectionOptions struct {
	BatchNumber string
	InspectorID string
	Result      domain.InspectionResult
	FileURL     string
	Notes       string
	InspDate    string
}

// InspectionOutcome reports a recorded inspection and the batch it moved.
type InspectionOutcome struct {
	Inspection         domain.Inspection
	Batch              domain.Batch
	LedgerInspectionID int64
}

// SubmitInspection runs the two-phase inspection write. Phase one creates
// the ledger inspection; phase two completes it with the verdict, and is
// skipped entirely for needs_recheck. If phase two fails after phase one
// confirmed, the returned PartialFailureError carries the ledger inspection
// id so the retry completes it instead of creating a duplicate.
func (c Coordinator) SubmitInspection(ctx context.Context, opts InspectionOptions) (InspectionOutcome, error) {
	if opts.Result == domain.ResultPending {
		return InspectionOutcome{}, validationErr("inspection result must be passed, failed, or needs_recheck")
	}
	batch, err := c.Repo.GetBatchByNumber(ctx, opts.BatchNumber)
	if err != nil {
		return InspectionOutcome{}, err
	}
	newStatus, err := lifecycle.ApplyInspection(batch.Status, opts.Result)
	if err != nil {
		return InspectionOutcome{}, validationErr(err.Error())
	}

	ledgerBatchID, err := c.resolveLedgerID(ctx, batch)
	if err != nil {
		return InspectionOutcome{}, err
	}

	conf1, inspID, err := c.Registry.CreateInspection(ctx, ledgerBatchID, opts.FileURL, opts.Notes)
	if err != nil {
		return InspectionOutcome{}, err
	}
	if inspID == 0 && c.Log != nil {
		c.Log.WithField("tx", string(conf1.TxRef)).Warn("inspection id unrecoverable; sync will fill it in")
	}

	txRef := conf1.TxRef
	if opts.Result.Terminal() {
		conf2, err := c.Registry.CompleteInspection(ctx, inspID, opts.Result, opts.FileURL, opts.Notes)
		if err != nil {
			return InspectionOutcome{}, &PartialFailureError{LedgerInspectionID: inspID, Phase1Tx: conf1.TxRef, Err: err}
		}
		txRef = conf2.TxRef
	}

	return c.persistInspection(ctx, batch, newStatus, opts, inspID, txRef)
}

// CompleteOptions finish a previously created ledger inspection, the retry
// path after a partial failure.
type CompleteOptions struct {
	BatchNumber        string
	LedgerInspectionID int64
	InspectorID        string
	Result             domain.InspectionResult
	FileURL            string
	Notes              string
	InspDate           string
}

// CompleteInspection runs phase two only, against an inspection that already
// exists on the ledger.
func (c Coordinator) CompleteInspection(ctx context.Context, opts CompleteOptions) (InspectionOutcome, error) {
	if !opts.Result.Terminal() {
		return InspectionOutcome{}, validationErr("completion result must be passed or failed")
	}
	batch, err := c.Repo.GetBatchByNumber(ctx, opts.BatchNumber)
	if err != nil {
		return InspectionOutcome{}, err
	}
	newStatus, err := lifecycle.ApplyInspection(batch.Status, opts.Result)
	if err != nil {
		return InspectionOutcome{}, validationErr(err.Error())
	}

	// The id came from the caller; make sure it names an open inspection on
	// this batch before the verdict is written against it.
	if opts.LedgerInspectionID <= 0 {
		return InspectionOutcome{}, validationErr("ledger inspection id is required")
	}
	rec, err := c.Registry.GetInspection(ctx, opts.LedgerInspectionID)
	if err != nil {
		return InspectionOutcome{}, err
	}
	if !rec.Exists {
		return InspectionOutcome{}, validationErr(fmt.Sprintf("ledger inspection %d does not exist", opts.LedgerInspectionID))
	}
	ledgerBatchID, err := c.resolveLedgerID(ctx, batch)
	if err != nil {
		return InspectionOutcome{}, err
	}
	if rec.BatchID != ledgerBatchID {
		return InspectionOutcome{}, validationErr(fmt.Sprintf("ledger inspection %d belongs to another batch, not %s", opts.LedgerInspectionID, batch.BatchNumber))
	}

	conf, err := c.Registry.CompleteInspection(ctx, opts.LedgerInspectionID, opts.Result, opts.FileURL, opts.Notes)
	if err != nil {
		return InspectionOutcome{}, err
	}
	return c.persistInspection(ctx, batch, newStatus, InspectionOptions{
		BatchNumber: opts.BatchNumber,
		InspectorID: opts.InspectorID,
		Result:      opts.Result,
		FileURL:     opts.FileURL,
		Notes:       opts.Notes,
		InspDate:    opts.InspDate,
	}, opts.LedgerInspectionID, conf.TxRef)
}

func (c Coordinator) persistInspection(ctx context.Context, batch domain.Batch, newStatus domain.BatchStatus, opts InspectionOptions, inspID int64, txRef ledger.TxRef) (InspectionOutcome, error) {
	now := c.rfcNow()
	inspDate := opts.InspDate
	if inspDate == "" {
		inspDate = now
	}
	ref := string(txRef)
	in := domain.Inspection{
		ID:          uuid.NewString(),
		BatchID:     batch.ID,
		InspectorID: opts.InspectorID,
		Result:      opts.Result,
		FileURL:     opts.FileURL,
		Notes:       opts.Notes,
		InspDate:    inspDate,
		LedgerTx:    &ref,
		CreatedAt:   now,
	}
	if inspID > 0 {
		in.LedgerID = &inspID
	}

	outcome := InspectionOutcome{Inspection: in, Batch: batch, LedgerInspectionID: inspID}
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return outcome, c.mirrorFailure(ctx, &outcome, txRef, err)
	}
	defer tx.Rollback()
	if err := c.Repo.InsertInspectionTx(ctx, tx, in); err != nil {
		return outcome, c.mirrorFailure(ctx, &outcome, txRef, fmt.Errorf("insert inspection: %w", err))
	}
	if err := c.Events.Append(ctx, tx, events.TypeInspectionRecorded, "inspection", in.ID, opts.InspectorID, events.EventPayload{
		"batch_number": batch.BatchNumber,
		"result":       string(opts.Result),
		"ledger_tx":    ref,
	}); err != nil {
		return outcome, c.mirrorFailure(ctx, &outcome, txRef, err)
	}
	if opts.Result.Terminal() {
		if err := c.Events.Append(ctx, tx, events.TypeInspectionCompleted, "inspection", in.ID, opts.InspectorID, events.EventPayload{
			"ledger_inspection_id": inspID,
		}); err != nil {
			return outcome, c.mirrorFailure(ctx, &outcome, txRef, err)
		}
	}
	if newStatus != batch.Status {
		if err := c.Repo.UpdateBatchStatusTx(ctx, tx, batch.ID, newStatus, ref, now); err != nil {
			return outcome, c.mirrorFailure(ctx, &outcome, txRef, fmt.Errorf("update batch status: %w", err))
		}
		if err := c.Events.Append(ctx, tx, events.TypeBatchStatusUpdated, "batch", batch.ID, opts.InspectorID, events.EventPayload{
			"from": string(batch.Status),
			"to":   string(newStatus),
		}); err != nil {
			return outcome, c.mirrorFailure(ctx, &outcome, txRef, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return outcome, c.mirrorFailure(ctx, &outcome, txRef, err)
	}
	outcome.Batch.Status = newStatus
	outcome.Batch.UpdatedAt = now
	return outcome, nil
}

func (c Coordinator) mirrorFailure(ctx context.Context, outcome *InspectionOutcome, txRef ledger.TxRef, err error) error {
	c.reportMirrorGap(ctx, "record inspection", txRef, outcome.Batch.BatchNumber, err)
	return &MirrorPersistenceError{Op: "record inspection", TxRef: txRef, Err: err}
}

// UpdateBatchStatus is the manual transition path, sharing its transition
// table with the inspection-driven path.
func (c Coordinator) UpdateBatchStatus(ctx context.Context, batchNumber string, requested domain.BatchStatus, actorID string) (domain.Batch, error) {
	batch, err := c.Repo.GetBatchByNumber(ctx, batchNumber)
	if err != nil {
		return domain.Batch{}, err
	}
	if err := lifecycle.ValidateTransition(batch.Status, requested); err != nil {
		return domain.Batch{}, validationErr(err.Error())
	}
	ledgerID, err := c.resolveLedgerID(ctx, batch)
	if err != nil {
		return domain.Batch{}, err
	}

	conf, err := c.Registry.UpdateBatchStatus(ctx, ledgerID, requested)
	if err != nil {
		return domain.Batch{}, err
	}

	now := c.rfcNow()
	ref := string(conf.TxRef)
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return batch, c.statusMirrorFailure(ctx, batch, conf.TxRef, err)
	}
	defer tx.Rollback()
	if err := c.Repo.UpdateBatchStatusTx(ctx, tx, batch.ID, requested, ref, now); err != nil {
		return batch, c.statusMirrorFailure(ctx, batch, conf.TxRef, err)
	}
	if err := c.Events.Append(ctx, tx, events.TypeBatchStatusUpdated, "batch", batch.ID, actorID, events.EventPayload{
		"from":      string(batch.Status),
		"to":        string(requested),
		"ledger_tx": ref,
	}); err != nil {
		return batch, c.statusMirrorFailure(ctx, batch, conf.TxRef, err)
	}
	if err := tx.Commit(); err != nil {
		return batch, c.statusMirrorFailure(ctx, batch, conf.TxRef, err)
	}
	batch.Status = requested
	batch.UpdatedAt = now
	batch.LedgerTx = &ref
	return batch, nil
}

func (c Coordinator) statusMirrorFailure(ctx context.Context, batch domain.Batch, txRef ledger.TxRef, err error) error {
	c.reportMirrorGap(ctx, "update batch status", txRef, batch.BatchNumber, err)
	return &MirrorPersistenceError{Op: "update batch status", TxRef: txRef, Err: err}
}

// LedgerBatch reads the batch straight from the ledger, bypassing the mirror.
func (c Coordinator) LedgerBatch(ctx context.Context, batchNumber string) (ledger.BatchRecord, error) {
	batch, err := c.Repo.GetBatchByNumber(ctx, batchNumber)
	if err != nil {
		return ledger.BatchRecord{}, err
	}
	id, err := c.resolveLedgerID(ctx, batch)
	if err != nil {
		return ledger.BatchRecord{}, err
	}
	return c.Registry.GetBatch(ctx, id)
}

func (c Coordinator) resolveLedgerID(ctx context.Context, batch domain.Batch) (int64, error) {
	if batch.LedgerID != nil && *batch.LedgerID > 0 {
		return *batch.LedgerID, nil
	}
	return c.Resolver.LedgerBatchID(ctx, batch.BatchNumber)
}

func (c Coordinator) reportMirrorGap(ctx context.Context, op string, txRef ledger.TxRef, batchNumber string, err error) {
	if c.Log != nil {
		c.Log.WithError(err).WithFields(logrus.Fields{
			"op":           op,
			"tx":           string(txRef),
			"batch_number": batchNumber,
		}).Error("ledger write confirmed but mirror write failed; run sync to reconcile")
	}
	// Best effort: the mirror just refused a write, so this may fail too.
	_ = c.Events.AppendNow(ctx, events.TypeReconciliationReq, "batch", batchNumber, "", events.EventPayload{
		"op":    op,
		"tx":    string(txRef),
		"error": err.Error(),
	})
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
