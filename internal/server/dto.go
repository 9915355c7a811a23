package server

import (
	"traceline/internal/domain"
	"traceline/internal/ledger"
)

type LoginRequest struct {
	Email    string `json:"email" example:"producer@example.com"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role" example:"producer"`
}

type CreateBatchRequest struct {
	domain.BatchMetadata
}

type BatchResponse struct {
	domain.Batch
	Warnings []string `json:"warnings,omitempty"`
	Pending  bool     `json:"pending_reconciliation,omitempty"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" enum:"pending,inspected,approved,rejected"`
}

type SubmitInspectionRequest struct {
	Result   string `json:"result" enum:"passed,failed,needs_recheck"`
	FileURL  string `json:"file_url,omitempty"`
	Notes    string `json:"notes,omitempty"`
	InspDate string `json:"insp_date,omitempty" format:"date-time"`
}

type CompleteInspectionRequest struct {
	BatchNumber        string `json:"batch_number"`
	LedgerInspectionID int64  `json:"ledger_inspection_id"`
	Result             string `json:"result" enum:"passed,failed"`
	FileURL            string `json:"file_url,omitempty"`
	Notes              string `json:"notes,omitempty"`
}

type InspectionResponse struct {
	domain.Inspection
	Batch   domain.Batch `json:"batch"`
	Pending bool         `json:"pending_reconciliation,omitempty"`
}

type LedgerBatchResponse struct {
	ledger.BatchRecord
}
