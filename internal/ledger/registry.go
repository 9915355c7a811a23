package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"traceline/internal/domain"
)

// Contract names as the runtime addresses are keyed in configuration.
const (
	ContractBatchRegistry     = "BatchRegistry"
	ContractInspectionManager = "InspectionManager"
)

// Status and result codes as the contracts store them.
var batchStatusCodes = map[domain.BatchStatus]uint8{
	domain.BatchPending:   0,
	domain.BatchInspected: 1,
	domain.BatchApproved:  2,
	domain.BatchRejected:  3,
}

var inspectionResultCodes = map[domain.InspectionResult]uint8{
	domain.ResultPending:      0,
	domain.ResultPassed:       1,
	domain.ResultFailed:       2,
	domain.ResultNeedsRecheck: 3,
}

func BatchStatusFromCode(code uint8) (domain.BatchStatus, error) {
	for s, c := range batchStatusCodes {
		if c == code {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown batch status code %d", code)
}

func InspectionResultFromCode(code uint8) (domain.InspectionResult, error) {
	for r, c := range inspectionResultCodes {
		if c == code {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown inspection result code %d", code)
}

// BatchRecord is a batch as the BatchRegistry contract returns it.
type BatchRecord struct {
	ID          int64
	BatchNumber string
	ProductName string
	Origin      string
	Quantity    string
	Unit        string
	HarvestDate int64
	ExpiryDate  int64
	Status      domain.BatchStatus
	Owner       string
	CreatedAt   int64
	UpdatedAt   int64
	Exists      bool
}

// InspectionRecord is an inspection as the InspectionManager contract
// returns it.
type InspectionRecord struct {
	ID        int64
	BatchID   int64
	Inspector string
	Result    domain.InspectionResult
	FileURL   string
	Notes     string
	InspDate  int64
	CreatedAt int64
	UpdatedAt int64
	Exists    bool
}

// Registry is the typed facade over the two contracts. Writes go through
// the Submitter so they serialize per signing identity; reads go straight
// to the client.
type Registry struct {
	Client    Client
	Submitter *Submitter
	Identity  string
}

func NewRegistry(client Client, sub *Submitter, identity string) *Registry {
	return &Registry{Client: client, Submitter: sub, Identity: identity}
}

// CreateBatch registers the batch and recovers its assigned ledger id, or 0
// when neither the event nor the total-count read yields one. Id discovery
// runs before the identity's submission slot is released: the total-count
// fallback is only trustworthy in that window, since the next queued write
// for the identity advances the total the moment the slot opens.
func (r *Registry) CreateBatch(ctx context.Context, m domain.BatchMetadata) (Confirmation, int64, error) {
	qty := quantityAsInt(m.Quantity)
	var id int64
	conf, err := r.Submitter.SubmitThen(ctx, r.Identity, FunctionCall{
		Contract: ContractBatchRegistry,
		Method:   "createBatch",
		Args: []any{
			m.BatchNumber,
			m.ProductName,
			m.Origin,
			big.NewInt(qty),
			m.Unit,
			big.NewInt(dateAsUnix(m.HarvestDate)),
			big.NewInt(dateAsUnix(m.ExpiryDate)),
		},
	}, func(conf Confirmation) {
		id = r.discoverBatchID(ctx, conf)
	})
	return conf, id, err
}

func (r *Registry) discoverBatchID(ctx context.Context, conf Confirmation) int64 {
	if id, ok := r.BatchIDFromReceipt(conf.Receipt); ok {
		return id
	}
	total, err := r.TotalBatches(ctx)
	if err != nil {
		return 0
	}
	return total
}

func (r *Registry) UpdateBatchStatus(ctx context.Context, ledgerID int64, status domain.BatchStatus) (Confirmation, error) {
	code, ok := batchStatusCodes[status]
	if !ok {
		return Confirmation{}, fmt.Errorf("status %q has no ledger code", status)
	}
	return r.Submitter.Submit(ctx, r.Identity, FunctionCall{
		Contract: ContractBatchRegistry,
		Method:   "updateBatchStatus",
		Args:     []any{big.NewInt(ledgerID), code},
	})
}

// CreateInspection opens an inspection against the ledger batch and recovers
// its assigned inspection id with the same in-slot discovery as CreateBatch.
func (r *Registry) CreateInspection(ctx context.Context, ledgerBatchID int64, fileURL, notes string) (Confirmation, int64, error) {
	var id int64
	conf, err := r.Submitter.SubmitThen(ctx, r.Identity, FunctionCall{
		Contract: ContractInspectionManager,
		Method:   "createInspection",
		Args:     []any{big.NewInt(ledgerBatchID), fileURL, notes},
	}, func(conf Confirmation) {
		id = r.discoverInspectionID(ctx, conf)
	})
	return conf, id, err
}

func (r *Registry) discoverInspectionID(ctx context.Context, conf Confirmation) int64 {
	if id, ok := r.InspectionIDFromReceipt(conf.Receipt); ok {
		return id
	}
	total, err := r.TotalInspections(ctx)
	if err != nil {
		return 0
	}
	return total
}

func (r *Registry) CompleteInspection(ctx context.Context, ledgerInspectionID int64, result domain.InspectionResult, fileURL, notes string) (Confirmation, error) {
	code, ok := inspectionResultCodes[result]
	if !ok {
		return Confirmation{}, fmt.Errorf("result %q has no ledger code", result)
	}
	return r.Submitter.Submit(ctx, r.Identity, FunctionCall{
		Contract: ContractInspectionManager,
		Method:   "completeInspection",
		Args:     []any{big.NewInt(ledgerInspectionID), code, fileURL, notes},
	})
}

func (r *Registry) TotalBatches(ctx context.Context) (int64, error) {
	out, err := r.Client.Call(ctx, FunctionCall{Contract: ContractBatchRegistry, Method: "getTotalBatches"})
	if err != nil {
		return 0, err
	}
	return outInt64(out, 0)
}

func (r *Registry) TotalInspections(ctx context.Context) (int64, error) {
	out, err := r.Client.Call(ctx, FunctionCall{Contract: ContractInspectionManager, Method: "getTotalInspections"})
	if err != nil {
		return 0, err
	}
	return outInt64(out, 0)
}

func (r *Registry) GetBatch(ctx context.Context, ledgerID int64) (BatchRecord, error) {
	out, err := r.Client.Call(ctx, FunctionCall{
		Contract: ContractBatchRegistry,
		Method:   "getBatch",
		Args:     []any{big.NewInt(ledgerID)},
	})
	if err != nil {
		return BatchRecord{}, err
	}
	if len(out) < 13 {
		return BatchRecord{}, fmt.Errorf("getBatch(%d): %d outputs, want 13", ledgerID, len(out))
	}
	rec := BatchRecord{
		ID:          asInt64(out[0]),
		BatchNumber: asString(out[1]),
		ProductName: asString(out[2]),
		Origin:      asString(out[3]),
		Quantity:    strconv.FormatInt(asInt64(out[4]), 10),
		Unit:        asString(out[5]),
		HarvestDate: asInt64(out[6]),
		ExpiryDate:  asInt64(out[7]),
		Owner:       asString(out[9]),
		CreatedAt:   asInt64(out[10]),
		UpdatedAt:   asInt64(out[11]),
		Exists:      asBool(out[12]),
	}
	rec.Status, err = BatchStatusFromCode(uint8(asInt64(out[8])))
	if err != nil {
		return BatchRecord{}, fmt.Errorf("getBatch(%d): %w", ledgerID, err)
	}
	return rec, nil
}

func (r *Registry) GetInspection(ctx context.Context, ledgerID int64) (InspectionRecord, error) {
	out, err := r.Client.Call(ctx, FunctionCall{
		Contract: ContractInspectionManager,
		Method:   "getInspection",
		Args:     []any{big.NewInt(ledgerID)},
	})
	if err != nil {
		return InspectionRecord{}, err
	}
	if len(out) < 10 {
		return InspectionRecord{}, fmt.Errorf("getInspection(%d): %d outputs, want 10", ledgerID, len(out))
	}
	rec := InspectionRecord{
		ID:        asInt64(out[0]),
		BatchID:   asInt64(out[1]),
		Inspector: asString(out[2]),
		FileURL:   asString(out[4]),
		Notes:     asString(out[5]),
		InspDate:  asInt64(out[6]),
		CreatedAt: asInt64(out[7]),
		UpdatedAt: asInt64(out[8]),
		Exists:    asBool(out[9]),
	}
	rec.Result, err = InspectionResultFromCode(uint8(asInt64(out[3])))
	if err != nil {
		return InspectionRecord{}, fmt.Errorf("getInspection(%d): %w", ledgerID, err)
	}
	return rec, nil
}

// BatchIDFromReceipt reads the new batch id out of the BatchCreated event.
// Returns false when the event is missing or malformed; CreateBatch then
// falls back to the total-count read while it still holds the identity's
// submission slot.
func (r *Registry) BatchIDFromReceipt(receipt Receipt) (int64, bool) {
	fields, err := r.Client.EventLog(receipt, ContractBatchRegistry, "BatchCreated")
	if err != nil {
		return 0, false
	}
	id := asInt64(fields["batchId"])
	return id, id > 0
}

// InspectionIDFromReceipt reads the new inspection id out of the
// InspectionCreated event, with the same contract as BatchIDFromReceipt.
func (r *Registry) InspectionIDFromReceipt(receipt Receipt) (int64, bool) {
	fields, err := r.Client.EventLog(receipt, ContractInspectionManager, "InspectionCreated")
	if err != nil {
		return 0, false
	}
	id := asInt64(fields["inspectionId"])
	return id, id > 0
}

func quantityAsInt(q string) int64 {
	f, err := strconv.ParseFloat(q, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

func dateAsUnix(d string) int64 {
	if d == "" {
		return 0
	}
	t, err := time.Parse("2006-01-02", d)
	if err != nil {
		return 0
	}
	return t.UTC().Unix()
}

func outInt64(out []any, idx int) (int64, error) {
	if len(out) <= idx {
		return 0, fmt.Errorf("missing output %d", idx)
	}
	return asInt64(out[idx]), nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case *big.Int:
		return n.Int64()
	case int64:
		return n
	case uint64:
		return int64(n)
	case int:
		return int64(n)
	case uint8:
		return int64(n)
	default:
		return 0
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
