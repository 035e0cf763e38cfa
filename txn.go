package xenstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/creachadair/mds/value"
)

// A Transaction groups store operations so that they commit or abort
// atomically, with optimistic concurrency: if the tree was modified
// outside the transaction between Begin and Commit, the commit fails
// with ErrConflict and none of the grouped writes take effect.
//
// A transaction is owned by the caller that began it. Every operation
// issued through the handle carries the server-assigned transaction id.
// Commit and Abort are terminal; operations on a finished transaction
// fail locally with ErrTxDone.
type Transaction struct {
	c  *Conn
	id uint32

	μ    sync.Mutex
	done bool
}

// Begin starts a new transaction on c and returns its handle.
func (c *Conn) Begin(ctx context.Context) (*Transaction, error) {
	rsp, err := c.call(ctx, OpTransactionStart, 0, fieldPayload(""))
	if err != nil {
		return nil, err
	}
	id, err := strconv.ParseUint(rsp.PayloadString(), 10, 32)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("invalid transaction id %q", rsp.PayloadString())
	}
	return &Transaction{c: c, id: uint32(id)}, nil
}

// ID returns the server-assigned transaction id.
func (t *Transaction) ID() uint32 { return t.id }

// do issues a store operation tagged with the transaction id, after
// checking that the transaction is still active. It implements the
// caller interface for the path operations in store.go.
func (t *Transaction) do(ctx context.Context, op Op, payload []byte) (*Message, error) {
	t.μ.Lock()
	done := t.done
	t.μ.Unlock()
	if done {
		return nil, ErrTxDone
	}
	return t.c.call(ctx, op, t.id, payload)
}

// Commit ends the transaction, applying its operations atomically.
//
// If the store reports ErrConflict the entire transaction was discarded:
// the caller must rerun every operation under a fresh Begin, not merely
// retry the commit. Nothing is retried here.
func (t *Transaction) Commit(ctx context.Context) error { return t.end(ctx, true) }

// Abort ends the transaction, discarding its operations. The handle
// becomes finished even if the wire call fails: once the connection is
// gone the server-side transaction is abandoned with it.
func (t *Transaction) Abort(ctx context.Context) error {
	err := t.end(ctx, false)
	if errors.Is(err, ErrConnClosed) {
		return nil
	}
	return err
}

func (t *Transaction) end(ctx context.Context, commit bool) error {
	t.μ.Lock()
	if t.done {
		t.μ.Unlock()
		return ErrTxDone
	}
	t.done = true
	t.μ.Unlock()

	_, err := t.c.call(ctx, OpTransactionEnd, t.id, fieldPayload(value.Cond(commit, "T", "F")))
	return err
}
