package lifecycle_test

import (
	"testing"

	"traceline/internal/domain"
	"traceline/internal/lifecycle"
)

func TestValidTransitions(t *testing.T) {
	valid := [][2]domain.BatchStatus{
		{domain.BatchPending, domain.BatchInspected},
		{domain.BatchInspected, domain.BatchApproved},
		{domain.BatchInspected, domain.BatchRejected},
	}
	for _, pair := range valid {
		if err := lifecycle.ValidateTransition(pair[0], pair[1]); err != nil {
			t.Errorf("expected %s -> %s to be allowed: %v", pair[0], pair[1], err)
		}
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	all := []domain.BatchStatus{domain.BatchPending, domain.BatchInspected, domain.BatchApproved, domain.BatchRejected}
	allowed := map[[2]domain.BatchStatus]bool{
		{domain.BatchPending, domain.BatchInspected}:  true,
		{domain.BatchInspected, domain.BatchApproved}: true,
		{domain.BatchInspected, domain.BatchRejected}: true,
	}
	for _, from := range all {
		for _, to := range all {
			if allowed[[2]domain.BatchStatus{from, to}] {
				continue
			}
			if err := lifecycle.ValidateTransition(from, to); err == nil {
				t.Errorf("expected %s -> %s to be rejected", from, to)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, terminal := range []domain.BatchStatus{domain.BatchApproved, domain.BatchRejected} {
		for _, to := range []domain.BatchStatus{domain.BatchPending, domain.BatchInspected, domain.BatchApproved, domain.BatchRejected} {
			if err := lifecycle.ValidateTransition(terminal, to); err == nil {
				t.Errorf("expected no exit from %s (got %s allowed)", terminal, to)
			}
		}
	}
}

func TestProjection(t *testing.T) {
	cases := []struct {
		result domain.InspectionResult
		want   domain.BatchStatus
	}{
		{domain.ResultPassed, domain.BatchApproved},
		{domain.ResultFailed, domain.BatchRejected},
		{domain.ResultNeedsRecheck, domain.BatchInspected},
	}
	for _, c := range cases {
		got, err := lifecycle.Project(c.result)
		if err != nil {
			t.Fatalf("project %s: %v", c.result, err)
		}
		if got != c.want {
			t.Errorf("project %s = %s, want %s", c.result, got, c.want)
		}
	}
	if _, err := lifecycle.Project(domain.ResultPending); err == nil {
		t.Error("expected pending result not to project")
	}
}

func TestApplyInspectionWalksTable(t *testing.T) {
	// pending batch + passed verdict passes through inspected to approved
	got, err := lifecycle.ApplyInspection(domain.BatchPending, domain.ResultPassed)
	if err != nil || got != domain.BatchApproved {
		t.Fatalf("pending+passed = %s, %v; want approved", got, err)
	}
	got, err = lifecycle.ApplyInspection(domain.BatchInspected, domain.ResultFailed)
	if err != nil || got != domain.BatchRejected {
		t.Fatalf("inspected+failed = %s, %v; want rejected", got, err)
	}
	got, err = lifecycle.ApplyInspection(domain.BatchPending, domain.ResultNeedsRecheck)
	if err != nil || got != domain.BatchInspected {
		t.Fatalf("pending+needs_recheck = %s, %v; want inspected", got, err)
	}
	// terminal batches cannot be re-driven
	if _, err := lifecycle.ApplyInspection(domain.BatchApproved, domain.ResultFailed); err == nil {
		t.Fatal("expected approved batch to reject further projection")
	}
}
