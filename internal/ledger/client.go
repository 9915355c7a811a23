// Package ledger talks to the append-only ledger: a generic RPC client
// interface, a nonce-serialized submitter, and a typed facade over the
// BatchRegistry and InspectionManager contracts.
package ledger

import (
	"context"
	"time"
)

// TxRef identifies a submitted transaction (the tx hash on an EVM backend).
type TxRef string

// FunctionCall names a contract function and its arguments. Numeric ids and
// timestamps travel as *big.Int, enum codes as uint8; backends pack them into
// whatever wire form they need.
type FunctionCall struct {
	Contract string
	Method   string
	Args     []any
}

// EventRecord is one raw log entry attached to a receipt.
type EventRecord struct {
	Address string
	Topics  []string
	Data    []byte
}

// Receipt is the ledger's acknowledgement of a confirmed transaction.
type Receipt struct {
	TxRef    TxRef
	Success  bool
	BlockRef uint64
	GasUsed  uint64
	Logs     []EventRecord
}

// Client is the thin RPC facade over the external ledger. Implementations:
// EthereumClient (JSON-RPC) and MemoryLedger (local development and tests).
type Client interface {
	// SubmitTransaction signs and broadcasts a state-changing call for the
	// named signing identity. The returned TxRef is valid even before
	// confirmation. Callers must not invoke this concurrently for the same
	// identity; the Submitter enforces that.
	SubmitTransaction(ctx context.Context, identity string, call FunctionCall) (TxRef, error)

	// WaitForConfirmation blocks until the transaction is final or the
	// timeout elapses. A timeout yields *TimeoutError: the outcome is
	// unknown and the transaction may still confirm later.
	WaitForConfirmation(ctx context.Context, ref TxRef, timeout time.Duration) (Receipt, error)

	// Call executes a read-only function and returns its decoded outputs.
	Call(ctx context.Context, call FunctionCall) ([]any, error)

	// EventLog extracts the named event's fields from a confirmed receipt.
	EventLog(receipt Receipt, contract, event string) (map[string]any, error)
}
