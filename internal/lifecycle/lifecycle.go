// Package lifecycle holds the pure batch/inspection state machine. It never
// mutates anything; callers apply a transition only after the corresponding
// ledger write is confirmed.
package lifecycle

import (
	"fmt"

	"traceline/internal/domain"
)

// ValidateTransition checks a batch status change against the transition
// table. Approved and Rejected are terminal.
func ValidateTransition(current, requested domain.BatchStatus) error {
	switch current {
	case domain.BatchPending:
		if requested == domain.BatchInspected {
			return nil
		}
	case domain.BatchInspected:
		if requested == domain.BatchApproved || requested == domain.BatchRejected {
			return nil
		}
	}
	return fmt.Errorf("invalid batch status transition %s -> %s", current, requested)
}

// Project maps an inspection result to the batch status it drives:
// passed => approved, failed => rejected, needs_recheck => inspected.
func Project(result domain.InspectionResult) (domain.BatchStatus, error) {
	switch result {
	case domain.ResultPassed:
		return domain.BatchApproved, nil
	case domain.ResultFailed:
		return domain.BatchRejected, nil
	case domain.ResultNeedsRecheck:
		return domain.BatchInspected, nil
	}
	return "", fmt.Errorf("inspection result %s does not project to a batch status", result)
}

// ApplyInspection advances a batch status per an inspection result, walking
// the transition table hop by hop. A terminal projection applied to a pending
// batch passes through inspected first, so no edge outside the table is ever
// taken.
func ApplyInspection(current domain.BatchStatus, result domain.InspectionResult) (domain.BatchStatus, error) {
	target, err := Project(result)
	if err != nil {
		return current, err
	}
	if target == current {
		return current, nil
	}
	status := current
	if status == domain.BatchPending {
		if err := ValidateTransition(status, domain.BatchInspected); err != nil {
			return current, err
		}
		status = domain.BatchInspected
	}
	if status == target {
		return status, nil
	}
	if err := ValidateTransition(status, target); err != nil {
		return current, err
	}
	return target, nil
}
