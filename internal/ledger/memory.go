package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"traceline/internal/domain"
)

// MemoryLedger is a process-local ledger implementing the two contracts'
// semantics. It backs local development (ledger.backend: memory) and the
// package tests, where its fault-injection knobs simulate submission
// failures, reverts, and confirmation timeouts.
type MemoryLedger struct {
	mu sync.Mutex

	batches     []BatchRecord
	inspections []InspectionRecord

	pending map[TxRef]*memoryTx
	seq     int

	submitted map[string]int
	active    map[string]int
	maxActive map[string]int

	failSubmit map[string]error
	revertNext map[string]int
	stallNext  map[string]int
	dropEvents bool

	nowUnix func() int64
}

type memoryTx struct {
	identity string
	call     FunctionCall
	applied  bool
	reverted bool
	released bool
	fields   map[string]any
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		pending:    make(map[TxRef]*memoryTx),
		submitted:  make(map[string]int),
		active:     make(map[string]int),
		maxActive:  make(map[string]int),
		failSubmit: make(map[string]error),
		revertNext: make(map[string]int),
		stallNext:  make(map[string]int),
		nowUnix:    func() int64 { return time.Now().UTC().Unix() },
	}
}

// FailSubmits makes SubmitTransaction for the method return the given error
// until cleared with a nil error. Nothing reaches the ledger.
func (m *MemoryLedger) FailSubmits(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failSubmit, method)
		return
	}
	m.failSubmit[method] = err
}

// RevertNext makes the next n transactions for the method confirm as
// reverted: a receipt exists but no state changes.
func (m *MemoryLedger) RevertNext(method string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revertNext[method] += n
}

// StallNext makes the first confirmation wait for each of the next n
// transactions for the method report a timeout. The transaction still
// applies on a later wait, modelling an unknown outcome that lands.
func (m *MemoryLedger) StallNext(method string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stallNext[method] += n
}

// DropEvents suppresses event logs on receipts, forcing callers onto the
// total-count fallback for id discovery.
func (m *MemoryLedger) DropEvents(drop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropEvents = drop
}

// SubmittedCount reports how many transactions were broadcast for the method.
func (m *MemoryLedger) SubmittedCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitted[method]
}

// MaxInFlight reports the peak number of concurrently in-flight transactions
// for the identity. Anything above 1 means the submission slot leaked.
func (m *MemoryLedger) MaxInFlight(identity string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive[identity]
}

// SeedBatch appends a batch directly, bypassing transactions. Ids are
// assigned sequentially from 1.
func (m *MemoryLedger) SeedBatch(rec BatchRecord) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.batches) + 1)
	rec.Exists = true
	m.batches = append(m.batches, rec)
	return rec.ID
}

// SeedInspection appends an inspection directly, bypassing transactions.
func (m *MemoryLedger) SeedInspection(rec InspectionRecord) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = int64(len(m.inspections) + 1)
	rec.Exists = true
	m.inspections = append(m.inspections, rec)
	return rec.ID
}

func (m *MemoryLedger) SubmitTransaction(ctx context.Context, identity string, call FunctionCall) (TxRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failSubmit[call.Method]; err != nil {
		return "", &UnavailableError{Op: fmt.Sprintf("%s.%s", call.Contract, call.Method), Err: err}
	}
	m.seq++
	ref := TxRef(fmt.Sprintf("0xmem%08d", m.seq))
	tx := &memoryTx{identity: identity, call: call}
	if m.revertNext[call.Method] > 0 {
		m.revertNext[call.Method]--
		tx.reverted = true
	}
	m.pending[ref] = tx
	m.submitted[call.Method]++
	m.active[identity]++
	if m.active[identity] > m.maxActive[identity] {
		m.maxActive[identity] = m.active[identity]
	}
	return ref, nil
}

func (m *MemoryLedger) WaitForConfirmation(ctx context.Context, ref TxRef, timeout time.Duration) (Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.pending[ref]
	if !ok {
		return Receipt{}, &UnavailableError{Op: "confirm", Err: fmt.Errorf("unknown transaction %s", ref)}
	}
	if !tx.applied && m.stallNext[tx.call.Method] > 0 {
		m.stallNext[tx.call.Method]--
		m.release(tx)
		return Receipt{}, &TimeoutError{TxRef: ref, Wait: timeout}
	}
	if !tx.applied {
		if !tx.reverted {
			tx.fields = m.apply(tx.call)
		}
		tx.applied = true
		m.release(tx)
	}
	return Receipt{
		TxRef:    ref,
		Success:  !tx.reverted,
		BlockRef: uint64(m.seq),
		GasUsed:  21000,
	}, nil
}

// release drops the transaction from the identity's in-flight count exactly
// once, so a stalled transaction that later applies does not decrement the
// count a second time. Caller holds the lock.
func (m *MemoryLedger) release(tx *memoryTx) {
	if tx.released {
		return
	}
	tx.released = true
	m.active[tx.identity]--
}

// apply mutates ledger state for a confirmed transaction and returns the
// event fields the real contracts would emit. Caller holds the lock.
func (m *MemoryLedger) apply(call FunctionCall) map[string]any {
	switch call.Method {
	case "createBatch":
		id := int64(len(m.batches) + 1)
		now := m.nowUnix()
		m.batches = append(m.batches, BatchRecord{
			ID:          id,
			BatchNumber: asString(call.Args[0]),
			ProductName: asString(call.Args[1]),
			Origin:      asString(call.Args[2]),
			Quantity:    strconv.FormatInt(asInt64(call.Args[3]), 10),
			Unit:        asString(call.Args[4]),
			HarvestDate: asInt64(call.Args[5]),
			ExpiryDate:  asInt64(call.Args[6]),
			Status:      domain.BatchPending,
			Owner:       "0xmemory-owner",
			CreatedAt:   now,
			UpdatedAt:   now,
			Exists:      true,
		})
		return map[string]any{"batchId": id, "batchNumber": asString(call.Args[0])}
	case "updateBatchStatus":
		id := asInt64(call.Args[0])
		if id >= 1 && id <= int64(len(m.batches)) {
			status, err := BatchStatusFromCode(uint8(asInt64(call.Args[1])))
			if err == nil {
				m.batches[id-1].Status = status
				m.batches[id-1].UpdatedAt = m.nowUnix()
			}
		}
		return map[string]any{"batchId": id}
	case "createInspection":
		id := int64(len(m.inspections) + 1)
		now := m.nowUnix()
		m.inspections = append(m.inspections, InspectionRecord{
			ID:        id,
			BatchID:   asInt64(call.Args[0]),
			Inspector: "0xmemory-inspector",
			Result:    domain.ResultPending,
			FileURL:   asString(call.Args[1]),
			Notes:     asString(call.Args[2]),
			InspDate:  now,
			CreatedAt: now,
			UpdatedAt: now,
			Exists:    true,
		})
		return map[string]any{"inspectionId": id, "batchId": asInt64(call.Args[0])}
	case "completeInspection":
		id := asInt64(call.Args[0])
		if id >= 1 && id <= int64(len(m.inspections)) {
			result, err := InspectionResultFromCode(uint8(asInt64(call.Args[1])))
			if err == nil {
				insp := &m.inspections[id-1]
				insp.Result = result
				insp.FileURL = asString(call.Args[2])
				insp.Notes = asString(call.Args[3])
				insp.UpdatedAt = m.nowUnix()
			}
		}
		return map[string]any{"inspectionId": id}
	default:
		return nil
	}
}

func (m *MemoryLedger) Call(ctx context.Context, call FunctionCall) ([]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch call.Method {
	case "getTotalBatches":
		return []any{big.NewInt(int64(len(m.batches)))}, nil
	case "getTotalInspections":
		return []any{big.NewInt(int64(len(m.inspections)))}, nil
	case "getBatch":
		id := asInt64(call.Args[0])
		if id < 1 || id > int64(len(m.batches)) {
			return nil, &UnavailableError{Op: "getBatch", Err: fmt.Errorf("batch %d out of range", id)}
		}
		b := m.batches[id-1]
		qty, _ := strconv.ParseInt(b.Quantity, 10, 64)
		code := batchStatusCodes[b.Status]
		return []any{
			big.NewInt(b.ID), b.BatchNumber, b.ProductName, b.Origin,
			big.NewInt(qty), b.Unit, big.NewInt(b.HarvestDate), big.NewInt(b.ExpiryDate),
			code, b.Owner, big.NewInt(b.CreatedAt), big.NewInt(b.UpdatedAt), b.Exists,
		}, nil
	case "getInspection":
		id := asInt64(call.Args[0])
		if id < 1 || id > int64(len(m.inspections)) {
			return nil, &UnavailableError{Op: "getInspection", Err: fmt.Errorf("inspection %d out of range", id)}
		}
		in := m.inspections[id-1]
		code := inspectionResultCodes[in.Result]
		return []any{
			big.NewInt(in.ID), big.NewInt(in.BatchID), in.Inspector, code,
			in.FileURL, in.Notes, big.NewInt(in.InspDate),
			big.NewInt(in.CreatedAt), big.NewInt(in.UpdatedAt), in.Exists,
		}, nil
	default:
		return nil, &UnavailableError{Op: call.Method, Err: fmt.Errorf("unknown method")}
	}
}

func (m *MemoryLedger) EventLog(receipt Receipt, contract, event string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dropEvents {
		return nil, fmt.Errorf("event %s.%s not found in receipt %s", contract, event, receipt.TxRef)
	}
	tx, ok := m.pending[receipt.TxRef]
	if !ok || tx.fields == nil {
		return nil, fmt.Errorf("event %s.%s not found in receipt %s", contract, event, receipt.TxRef)
	}
	return tx.fields, nil
}
