package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func createBatchCall(n int) FunctionCall {
	return FunctionCall{
		Contract: ContractBatchRegistry,
		Method:   "createBatch",
		Args: []any{
			fmt.Sprintf("BATCH-%04d", n), "Arabica Coffee", "Colombia",
			big.NewInt(500), "kg", big.NewInt(0), big.NewInt(0),
		},
	}
}

func TestSubmitConfirms(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())

	conf, err := sub.Submit(context.Background(), "owner", createBatchCall(1))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if conf.TxRef == "" {
		t.Fatal("confirmation without tx ref")
	}
	if !conf.Receipt.Success {
		t.Fatal("confirmed receipt not successful")
	}
}

func TestSubmitSerializesPerIdentity(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = sub.Submit(context.Background(), "owner", createBatchCall(i))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if got := mem.MaxInFlight("owner"); got != 1 {
		t.Fatalf("max in-flight = %d, want 1", got)
	}
	if got := mem.SubmittedCount("createBatch"); got != n {
		t.Fatalf("submitted = %d, want %d", got, n)
	}
}

func TestDistinctIdentitiesDoNotQueue(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())

	if _, err := sub.Submit(context.Background(), "owner", createBatchCall(1)); err != nil {
		t.Fatalf("owner submit: %v", err)
	}
	if _, err := sub.Submit(context.Background(), "inspector", createBatchCall(2)); err != nil {
		t.Fatalf("inspector submit: %v", err)
	}
	if got := mem.SubmittedCount("createBatch"); got != 2 {
		t.Fatalf("submitted = %d, want 2", got)
	}
}

func TestRevertedTransactionIsRejected(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())
	mem.RevertNext("createBatch", 1)

	_, err := sub.Submit(context.Background(), "owner", createBatchCall(1))
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("err = %v, want RejectedError", err)
	}
	if rej.TxRef == "" {
		t.Fatal("rejection without tx ref")
	}

	// A revert leaves no state behind.
	out, err := mem.Call(context.Background(), FunctionCall{Contract: ContractBatchRegistry, Method: "getTotalBatches"})
	if err != nil {
		t.Fatalf("getTotalBatches: %v", err)
	}
	if total := asInt64(out[0]); total != 0 {
		t.Fatalf("total batches = %d after revert, want 0", total)
	}
}

func TestConfirmationTimeoutIsNotFailure(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())
	mem.StallNext("createBatch", 1)

	_, err := sub.Submit(context.Background(), "owner", createBatchCall(1))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}
	if te.TxRef == "" {
		t.Fatal("timeout must carry the tx ref for later reconciliation")
	}

	// The transaction was broadcast; a later wait finds it confirmed.
	receipt, err := mem.WaitForConfirmation(context.Background(), te.TxRef, DefaultConfirmTimeout)
	if err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if !receipt.Success {
		t.Fatal("stalled transaction should have landed")
	}
}

func TestSubmitFailureIsUnavailable(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())
	mem.FailSubmits("createBatch", errors.New("connection refused"))

	_, err := sub.Submit(context.Background(), "owner", createBatchCall(1))
	var ua *UnavailableError
	if !errors.As(err, &ua) {
		t.Fatalf("err = %v, want UnavailableError", err)
	}
	if got := mem.SubmittedCount("createBatch"); got != 0 {
		t.Fatalf("submitted = %d, want 0", got)
	}
}

func TestSlotReleasedAfterTimeout(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())
	mem.StallNext("createBatch", 1)

	if _, err := sub.Submit(context.Background(), "owner", createBatchCall(1)); err == nil {
		t.Fatal("expected timeout")
	}
	// The slot must not stay held by the timed-out submission.
	if _, err := sub.Submit(context.Background(), "owner", createBatchCall(2)); err != nil {
		t.Fatalf("follow-up submit: %v", err)
	}
}

func TestStalledTransactionReleasesSlotCountOnce(t *testing.T) {
	mem := NewMemoryLedger()
	sub := NewSubmitter(mem, testLogger())
	mem.StallNext("createBatch", 1)

	_, err := sub.Submit(context.Background(), "owner", createBatchCall(1))
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TimeoutError", err)
	}

	// A second transaction is in flight when the stalled one finally lands.
	// Landing must not release the in-flight count again, or the third
	// submission below would not register as a second concurrent one.
	ref2, err := mem.SubmitTransaction(context.Background(), "owner", createBatchCall(2))
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	if _, err := mem.WaitForConfirmation(context.Background(), te.TxRef, DefaultConfirmTimeout); err != nil {
		t.Fatalf("late confirmation: %v", err)
	}
	if _, err := mem.SubmitTransaction(context.Background(), "owner", createBatchCall(3)); err != nil {
		t.Fatalf("submit 3: %v", err)
	}
	if got := mem.MaxInFlight("owner"); got != 2 {
		t.Fatalf("max in-flight = %d, want 2", got)
	}
	if _, err := mem.WaitForConfirmation(context.Background(), ref2, DefaultConfirmTimeout); err != nil {
		t.Fatalf("confirm 2: %v", err)
	}
}
