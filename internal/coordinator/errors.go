package coordinator

import (
	"fmt"
	"strings"

	"traceline/internal/ledger"
)

// ValidationError rejects a request before anything reaches the ledger.
// Problems carries every violation found, not just the first.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func validationErr(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

// PartialFailureError reports a two-phase inspection whose first phase
// confirmed and whose second did not. LedgerInspectionID is the recovered
// id; retrying must complete that inspection rather than create a new one.
type PartialFailureError struct {
	LedgerInspectionID int64
	Phase1Tx           ledger.TxRef
	Err                error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("inspection %d created on ledger (tx %s) but completion failed: %v",
		e.LedgerInspectionID, e.Phase1Tx, e.Err)
}

func (e *PartialFailureError) Unwrap() error { return e.Err }

// MirrorPersistenceError reports a confirmed ledger write whose mirror row
// could not be stored. The operation succeeded; the mirror is behind until
// the next reconciliation run.
type MirrorPersistenceError struct {
	Op    string
	TxRef ledger.TxRef
	Err   error
}

func (e *MirrorPersistenceError) Error() string {
	return fmt.Sprintf("%s confirmed on ledger (tx %s) but mirror write failed: %v", e.Op, e.TxRef, e.Err)
}

func (e *MirrorPersistenceError) Unwrap() error { return e.Err }
