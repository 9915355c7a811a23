package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultConfirmTimeout bounds how long a submission waits for finality
// before reporting the outcome as unknown.
const DefaultConfirmTimeout = 120 * time.Second

// Confirmation is the result of a fully confirmed submission.
type Confirmation struct {
	TxRef    TxRef
	BlockRef uint64
	Receipt  Receipt
}

// Submitter serializes submissions per signing identity. The nonce for an
// identity is read inside SubmitTransaction, so two in-flight submissions
// for the same identity would race and one would be dropped by the ledger.
// Submit holds the identity's slot from nonce read through confirmation;
// callers for the same identity queue behind each other in arrival order.
type Submitter struct {
	Client         Client
	ConfirmTimeout time.Duration
	Log            logrus.FieldLogger

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewSubmitter(client Client, log logrus.FieldLogger) *Submitter {
	return &Submitter{
		Client:         client,
		ConfirmTimeout: DefaultConfirmTimeout,
		Log:            log,
		slots:          make(map[string]chan struct{}),
	}
}

func (s *Submitter) slot(identity string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[identity]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[identity] = ch
	}
	return ch
}

// Submit broadcasts the call and waits for confirmation, holding the
// identity's submission slot for the whole span. Error outcomes:
// *UnavailableError (nothing submitted), *RejectedError (confirmed revert),
// *TimeoutError (submitted, outcome unknown). Only a nil error or a
// *RejectedError means the outcome is known.
func (s *Submitter) Submit(ctx context.Context, identity string, call FunctionCall) (Confirmation, error) {
	return s.SubmitThen(ctx, identity, call, nil)
}

// SubmitThen behaves like Submit and additionally runs after, when non-nil,
// once the transaction confirmed and before the identity's slot is released.
// Reads that must observe the ledger exactly as this submission left it for
// the identity, such as id discovery against a running total, belong in
// after. Anywhere later, the next queued submission may already have landed.
func (s *Submitter) SubmitThen(ctx context.Context, identity string, call FunctionCall, after func(Confirmation)) (Confirmation, error) {
	slot := s.slot(identity)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return Confirmation{}, &UnavailableError{Op: fmt.Sprintf("%s.%s", call.Contract, call.Method), Err: ctx.Err()}
	}
	defer func() { <-slot }()

	timeout := s.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	ref, err := s.Client.SubmitTransaction(ctx, identity, call)
	if err != nil {
		return Confirmation{}, err
	}
	if s.Log != nil {
		s.Log.WithFields(logrus.Fields{
			"identity": identity,
			"method":   call.Method,
			"tx":       string(ref),
		}).Debug("transaction submitted")
	}

	receipt, err := s.Client.WaitForConfirmation(ctx, ref, timeout)
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) && s.Log != nil {
			s.Log.WithFields(logrus.Fields{
				"identity": identity,
				"method":   call.Method,
				"tx":       string(ref),
				"wait":     timeout.String(),
			}).Warn("confirmation timed out; transaction may still land")
		}
		return Confirmation{}, err
	}
	if !receipt.Success {
		return Confirmation{}, &RejectedError{TxRef: ref}
	}
	conf := Confirmation{TxRef: ref, BlockRef: receipt.BlockRef, Receipt: receipt}
	if after != nil {
		after(conf)
	}
	return conf, nil
}
