package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"traceline/internal/domain"
)

func testRegistry(t *testing.T) (*Registry, *MemoryLedger) {
	t.Helper()
	mem := NewMemoryLedger()
	return NewRegistry(mem, NewSubmitter(mem, testLogger()), "owner"), mem
}

func sampleMetadata(number string) domain.BatchMetadata {
	return domain.BatchMetadata{
		BatchNumber: number,
		ProductName: "Arabica Coffee",
		Origin:      "Colombia",
		Quantity:    "500",
		Unit:        "kg",
		HarvestDate: "2026-03-01",
		ExpiryDate:  "2027-03-01",
	}
}

func TestCreateBatchRoundTrip(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	conf, id, err := reg.CreateBatch(ctx, sampleMetadata("BATCH-1700000000"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 1 {
		t.Fatalf("ledger id = %d, want 1", id)
	}
	if eventID, ok := reg.BatchIDFromReceipt(conf.Receipt); !ok || eventID != id {
		t.Fatalf("BatchCreated event id = %d (ok=%v), want %d", eventID, ok, id)
	}

	rec, err := reg.GetBatch(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.BatchNumber != "BATCH-1700000000" || rec.ProductName != "Arabica Coffee" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Status != domain.BatchPending {
		t.Fatalf("fresh batch status = %s, want pending", rec.Status)
	}
	if !rec.Exists {
		t.Fatal("record should exist")
	}
}

func TestUpdateBatchStatus(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, id, err := reg.CreateBatch(ctx, sampleMetadata("BATCH-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := reg.UpdateBatchStatus(ctx, id, domain.BatchInspected); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec, err := reg.GetBatch(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != domain.BatchInspected {
		t.Fatalf("status = %s, want inspected", rec.Status)
	}
}

func TestInspectionTwoPhase(t *testing.T) {
	reg, _ := testRegistry(t)
	ctx := context.Background()

	_, batchID, err := reg.CreateBatch(ctx, sampleMetadata("BATCH-1"))
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}

	conf1, inspID, err := reg.CreateInspection(ctx, batchID, "ipfs://report", "visual check")
	if err != nil {
		t.Fatalf("phase 1: %v", err)
	}
	if eventID, ok := reg.InspectionIDFromReceipt(conf1.Receipt); !ok || eventID != inspID {
		t.Fatalf("InspectionCreated event id = %d (ok=%v), want %d", eventID, ok, inspID)
	}

	rec, err := reg.GetInspection(ctx, inspID)
	if err != nil {
		t.Fatalf("get after phase 1: %v", err)
	}
	if rec.Result != domain.ResultPending {
		t.Fatalf("result after phase 1 = %s, want pending", rec.Result)
	}

	if _, err := reg.CompleteInspection(ctx, inspID, domain.ResultPassed, "ipfs://final", "all good"); err != nil {
		t.Fatalf("phase 2: %v", err)
	}
	rec, err = reg.GetInspection(ctx, inspID)
	if err != nil {
		t.Fatalf("get after phase 2: %v", err)
	}
	if rec.Result != domain.ResultPassed {
		t.Fatalf("result = %s, want passed", rec.Result)
	}
	if rec.Notes != "all good" {
		t.Fatalf("notes = %q, want completion notes", rec.Notes)
	}
}

func TestIDDiscoveryFallsBackToCount(t *testing.T) {
	reg, mem := testRegistry(t)
	ctx := context.Background()
	mem.DropEvents(true)

	conf, id, err := reg.CreateBatch(ctx, sampleMetadata("BATCH-1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := reg.BatchIDFromReceipt(conf.Receipt); ok {
		t.Fatal("event extraction should fail with dropped logs")
	}
	if id != 1 {
		t.Fatalf("discovered id = %d, want 1 from the total-count fallback", id)
	}
}

func TestStatusCodesRoundTrip(t *testing.T) {
	for status, code := range batchStatusCodes {
		got, err := BatchStatusFromCode(code)
		if err != nil {
			t.Fatalf("code %d: %v", code, err)
		}
		if got != status {
			t.Fatalf("code %d = %s, want %s", code, got, status)
		}
	}
	if _, err := BatchStatusFromCode(9); err == nil {
		t.Fatal("unknown code should error")
	}
	for result, code := range inspectionResultCodes {
		got, err := InspectionResultFromCode(code)
		if err != nil {
			t.Fatalf("code %d: %v", code, err)
		}
		if got != result {
			t.Fatalf("code %d = %s, want %s", code, got, result)
		}
	}
}

// slowTotals delays total-count reads, widening the window between a
// confirmation and its id discovery.
type slowTotals struct {
	*MemoryLedger
	delay time.Duration
}

func (s slowTotals) Call(ctx context.Context, call FunctionCall) ([]any, error) {
	if call.Method == "getTotalBatches" || call.Method == "getTotalInspections" {
		time.Sleep(s.delay)
	}
	return s.MemoryLedger.Call(ctx, call)
}

func TestConcurrentDiscoveryRecoversDistinctIDs(t *testing.T) {
	mem := NewMemoryLedger()
	mem.DropEvents(true)
	slow := slowTotals{MemoryLedger: mem, delay: 30 * time.Millisecond}
	reg := NewRegistry(slow, NewSubmitter(slow, testLogger()), "owner")
	ctx := context.Background()

	batchID := mem.SeedBatch(BatchRecord{BatchNumber: "BATCH-1"})

	ids := make(chan int64, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, id, err := reg.CreateInspection(ctx, batchID, "ipfs://report", "")
			if err != nil {
				t.Errorf("create inspection: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		seen[id] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("recovered ids = %v, want 1 and 2", seen)
	}
}
