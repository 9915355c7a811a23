package domain

import "fmt"

// BatchStatus is the closed set of mirror batch statuses. Values outside the
// enumeration are rejected at the boundary, never deep in business logic.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchInspected BatchStatus = "inspected"
	BatchApproved  BatchStatus = "approved"
	BatchRejected  BatchStatus = "rejected"
)

func ParseBatchStatus(s string) (BatchStatus, error) {
	switch BatchStatus(s) {
	case BatchPending, BatchInspected, BatchApproved, BatchRejected:
		return BatchStatus(s), nil
	}
	return "", fmt.Errorf("invalid batch status %q (valid: pending, inspected, approved, rejected)", s)
}

// InspectionResult is the closed set of inspection verdicts.
type InspectionResult string

const (
	ResultPending      InspectionResult = "pending"
	ResultPassed       InspectionResult = "passed"
	ResultFailed       InspectionResult = "failed"
	ResultNeedsRecheck InspectionResult = "needs_recheck"
)

func ParseInspectionResult(s string) (InspectionResult, error) {
	switch InspectionResult(s) {
	case ResultPending, ResultPassed, ResultFailed, ResultNeedsRecheck:
		return InspectionResult(s), nil
	}
	return "", fmt.Errorf("invalid inspection result %q (valid: pending, passed, failed, needs_recheck)", s)
}

// Terminal reports whether the result closes out the ledger-side inspection.
// NeedsRecheck deliberately leaves the ledger record in its created,
// not-completed sub-state.
func (r InspectionResult) Terminal() bool {
	return r == ResultPassed || r == ResultFailed
}

const (
	RoleProducer  = "producer"
	RoleInspector = "inspector"
)

// BatchMetadata is the caller-supplied description of a lot. Quantity stays a
// string on purpose: the ledger contract and the mirror both store it verbatim.
type BatchMetadata struct {
	BatchNumber   string `json:"batchNumber,omitempty" validate:"omitempty,max=50"`
	ProductName   string `json:"productName" validate:"required,max=100"`
	Origin        string `json:"origin" validate:"required,max=100"`
	Quantity      string `json:"quantity" validate:"required,max=20"`
	Unit          string `json:"unit" validate:"required,max=20"`
	TotalWeightKg *int   `json:"totalWeightKg,omitempty"`
	HarvestDate   string `json:"harvestDate,omitempty"`
	ExpiryDate    string `json:"expiryDate,omitempty"`
	Organic       bool   `json:"organic,omitempty"`
	Import        bool   `json:"import,omitempty"`
}

type Batch struct {
	ID            string      `json:"id"`
	BatchNumber   string      `json:"batch_number"`
	ProductName   string      `json:"product_name"`
	Origin        string      `json:"origin"`
	Quantity      string      `json:"quantity"`
	Unit          string      `json:"unit"`
	TotalWeightKg *int        `json:"total_weight_kg,omitempty"`
	HarvestDate   *string     `json:"harvest_date,omitempty" format:"date"`
	ExpiryDate    *string     `json:"expiry_date,omitempty" format:"date"`
	Organic       bool        `json:"organic"`
	Import        bool        `json:"import"`
	Status        BatchStatus `json:"status" enum:"pending,inspected,approved,rejected"`
	OwnerID       string      `json:"owner_id"`
	LedgerID      *int64      `json:"ledger_id,omitempty"`
	LedgerTx      *string     `json:"ledger_tx,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

type Inspection struct {
	ID          string           `json:"id"`
	BatchID     string           `json:"batch_id"`
	InspectorID string           `json:"inspector_id"`
	Result      InspectionResult `json:"result" enum:"pending,passed,failed,needs_recheck"`
	FileURL     string           `json:"file_url,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	InspDate    string           `json:"insp_date" format:"date-time"`
	LedgerID    *int64           `json:"ledger_id,omitempty"`
	LedgerTx    *string          `json:"ledger_tx,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
}

// Identity is a mirror-store user: a human credential or a synthetic row the
// synchronizer materializes for an owner address seen only on the ledger.
type Identity struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
	Wallet       string `json:"wallet,omitempty"`
	Synthetic    bool   `json:"synthetic,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
