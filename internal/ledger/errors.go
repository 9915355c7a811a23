package ledger

import (
	"fmt"
	"time"
)

// UnavailableError means the ledger could not be reached or the submission
// never left this process. No transaction exists; nothing to reconcile.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("ledger unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// RejectedError means the ledger accepted the transaction and definitively
// refused it (reverted). The receipt exists but the state change did not.
type RejectedError struct {
	TxRef  TxRef
	Reason string
}

func (e *RejectedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("ledger rejected transaction %s: %s", e.TxRef, e.Reason)
	}
	return fmt.Sprintf("ledger rejected transaction %s", e.TxRef)
}

// TimeoutError means confirmation did not arrive within the wait window.
// This is not a failure: the transaction identified by TxRef may still
// confirm after the caller has moved on.
type TimeoutError struct {
	TxRef TxRef
	Wait  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("transaction %s not confirmed within %s; outcome unknown", e.TxRef, e.Wait)
}
