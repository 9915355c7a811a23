package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"traceline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// UpsertOutcome classifies what a reconciliation upsert did to the mirror,
// so sync runs can report (and tests can assert) mutation counts.
type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)

const batchColumns = `id,batch_number,product_name,origin,quantity,unit,total_weight_kg,harvest_date,expiry_date,organic,import_product,status,owner_id,ledger_id,ledger_tx,created_at,updated_at`

func scanBatch(scan func(dest ...any) error) (domain.Batch, error) {
	var b domain.Batch
	var weight sql.NullInt64
	var harvest, expiry, ledgerTx sql.NullString
	var ledgerID sql.NullInt64
	var status string
	err := scan(&b.ID, &b.BatchNumber, &b.ProductName, &b.Origin, &b.Quantity, &b.Unit,
		&weight, &harvest, &expiry, &b.Organic, &b.Import, &status, &b.OwnerID,
		&ledgerID, &ledgerTx, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	b.Status = domain.BatchStatus(status)
	if weight.Valid {
		w := int(weight.Int64)
		b.TotalWeightKg = &w
	}
	if harvest.Valid {
		b.HarvestDate = &harvest.String
	}
	if expiry.Valid {
		b.ExpiryDate = &expiry.String
	}
	if ledgerID.Valid {
		b.LedgerID = &ledgerID.Int64
	}
	if ledgerTx.Valid {
		b.LedgerTx = &ledgerTx.String
	}
	return b, nil
}

func batchArgs(b domain.Batch) []any {
	return []any{
		b.ID, b.BatchNumber, b.ProductName, b.Origin, b.Quantity, b.Unit,
		nullableIntPtr(b.TotalWeightKg), nullableStringPtr(b.HarvestDate), nullableStringPtr(b.ExpiryDate),
		b.Organic, b.Import, string(b.Status), b.OwnerID,
		nullableInt64Ptr(b.LedgerID), nullableStringPtr(b.LedgerTx), b.CreatedAt, b.UpdatedAt,
	}
}

func (r Repo) InsertBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO batches(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		batchArgs(b)...)
	return err
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id=?`, id)
	return scanBatch(row.Scan)
}

func (r Repo) GetBatchByNumber(ctx context.Context, batchNumber string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_number=?`, batchNumber)
	return scanBatch(row.Scan)
}

type BatchFilters struct {
	Status          string
	OwnerID         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListBatches(ctx context.Context, f BatchFilters) ([]domain.Batch, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + batchColumns + ` FROM batches ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, nil
}

func (r Repo) UpdateBatchStatusTx(ctx context.Context, tx *sql.Tx, id string, status domain.BatchStatus, ledgerTx, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET status=?, ledger_tx=?, updated_at=? WHERE id=?`,
		string(status), nullable(ledgerTx), updatedAt, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBatchLedgerIDTx(ctx context.Context, tx *sql.Tx, id string, ledgerID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE batches SET ledger_id=? WHERE id=?`, ledgerID, id)
	return err
}

// UpsertBatchFromLedger folds a ledger record into the mirror, keyed by the
// batch number. It never touches ledger_tx (reconciliation cannot recover
// the originating transaction hash) and never reassigns owner_id: the ledger
// only knows the signing wallet, while mirror rows carry the real owner.
func (r Repo) UpsertBatchFromLedger(ctx context.Context, b domain.Batch) (UpsertOutcome, error) {
	existing, err := r.GetBatchByNumber(ctx, b.BatchNumber)
	if err == ErrNotFound {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO batches(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			batchArgs(b)...)
		if err != nil {
			return UpsertUnchanged, err
		}
		return UpsertCreated, nil
	}
	if err != nil {
		return UpsertUnchanged, err
	}
	if batchMirrorsLedger(existing, b) {
		return UpsertUnchanged, nil
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE batches SET product_name=?, origin=?, quantity=?, unit=?, harvest_date=?, expiry_date=?, status=?, ledger_id=?, updated_at=? WHERE id=?`,
		b.ProductName, b.Origin, b.Quantity, b.Unit,
		nullableStringPtr(b.HarvestDate), nullableStringPtr(b.ExpiryDate),
		string(b.Status), nullableInt64Ptr(b.LedgerID), b.UpdatedAt, existing.ID)
	if err != nil {
		return UpsertUnchanged, err
	}
	return UpsertUpdated, nil
}

func batchMirrorsLedger(mirror, ledger domain.Batch) bool {
	return mirror.ProductName == ledger.ProductName &&
		mirror.Origin == ledger.Origin &&
		mirror.Quantity == ledger.Quantity &&
		mirror.Unit == ledger.Unit &&
		strPtrEq(mirror.HarvestDate, ledger.HarvestDate) &&
		strPtrEq(mirror.ExpiryDate, ledger.ExpiryDate) &&
		mirror.Status == ledger.Status &&
		int64PtrEq(mirror.LedgerID, ledger.LedgerID)
}

const inspectionColumns = `id,batch_id,inspector_id,result,file_url,notes,insp_date,ledger_id,ledger_tx,created_at`

func scanInspection(scan func(dest ...any) error) (domain.Inspection, error) {
	var in domain.Inspection
	var result string
	var ledgerID sql.NullInt64
	var ledgerTx sql.NullString
	err := scan(&in.ID, &in.BatchID, &in.InspectorID, &result, &in.FileURL, &in.Notes,
		&in.InspDate, &ledgerID, &ledgerTx, &in.CreatedAt)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.Result = domain.InspectionResult(result)
	if ledgerID.Valid {
		in.LedgerID = &ledgerID.Int64
	}
	if ledgerTx.Valid {
		in.LedgerTx = &ledgerTx.String
	}
	return in, nil
}

func inspectionArgs(in domain.Inspection) []any {
	return []any{
		in.ID, in.BatchID, in.InspectorID, string(in.Result), in.FileURL, in.Notes,
		in.InspDate, nullableInt64Ptr(in.LedgerID), nullableStringPtr(in.LedgerTx), in.CreatedAt,
	}
}

func (r Repo) InsertInspectionTx(ctx context.Context, tx *sql.Tx, in domain.Inspection) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO inspections(`+inspectionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inspectionArgs(in)...)
	return err
}

func (r Repo) GetInspection(ctx context.Context, id string) (domain.Inspection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+inspectionColumns+` FROM inspections WHERE id=?`, id)
	return scanInspection(row.Scan)
}

type InspectionFilters struct {
	BatchID     string
	InspectorID string
	Result      string
	Limit       int
}

func (r Repo) ListInspections(ctx context.Context, f InspectionFilters) ([]domain.Inspection, error) {
	var clauses []string
	var args []any
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, f.BatchID)
	}
	if f.InspectorID != "" {
		clauses = append(clauses, "inspector_id=?")
		args = append(args, f.InspectorID)
	}
	if f.Result != "" {
		clauses = append(clauses, "result=?")
		args = append(args, f.Result)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + inspectionColumns + ` FROM inspections ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Inspection
	for rows.Next() {
		in, err := scanInspection(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, nil
}

// UpsertInspectionFromLedger folds a ledger inspection into the mirror,
// keyed by (batch, inspector). Multiple coordinator-written inspections per
// pair stay untouched unless the earliest one drifted from the ledger.
func (r Repo) UpsertInspectionFromLedger(ctx context.Context, in domain.Inspection) (UpsertOutcome, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+inspectionColumns+` FROM inspections WHERE batch_id=? AND inspector_id=? ORDER BY created_at ASC, id ASC LIMIT 1`,
		in.BatchID, in.InspectorID)
	existing, err := scanInspection(row.Scan)
	if err == ErrNotFound {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO inspections(`+inspectionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			inspectionArgs(in)...)
		if err != nil {
			return UpsertUnchanged, err
		}
		return UpsertCreated, nil
	}
	if err != nil {
		return UpsertUnchanged, err
	}
	if existing.Result == in.Result && existing.FileURL == in.FileURL &&
		existing.Notes == in.Notes && int64PtrEq(existing.LedgerID, in.LedgerID) {
		return UpsertUnchanged, nil
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE inspections SET result=?, file_url=?, notes=?, ledger_id=? WHERE id=?`,
		string(in.Result), in.FileURL, in.Notes, nullableInt64Ptr(in.LedgerID), existing.ID)
	if err != nil {
		return UpsertUnchanged, err
	}
	return UpsertUpdated, nil
}

func (r Repo) LedgerIndexGet(ctx context.Context, batchNumber string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT ledger_id FROM ledger_index WHERE batch_number=?`, batchNumber).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

func (r Repo) LedgerIndexMax(ctx context.Context) (int64, error) {
	var max sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(ledger_id) FROM ledger_index`).Scan(&max); err != nil {
		return 0, err
	}
	return max.Int64, nil
}

func (r Repo) LedgerIndexPut(ctx context.Context, batchNumber string, ledgerID int64, createdAt string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO ledger_index(batch_number,ledger_id,created_at) VALUES (?,?,?)
ON CONFLICT(batch_number) DO UPDATE SET ledger_id=excluded.ledger_id`,
		batchNumber, ledgerID, createdAt)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func int64PtrEq(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
