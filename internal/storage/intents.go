package storage

import (
	"sync"

	"github.com/pingcap/errors"
)

// TxnStatus is the state of a transaction as seen by writers that find its intents.
type TxnStatus int

const (
	StatusPending TxnStatus = iota
	StatusCommitted
	StatusAborted
)

func (s TxnStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s TxnStatus) Terminal() bool {
	return s == StatusCommitted || s == StatusAborted
}

// IntentTable maps each write transaction to its status. Only Pending ->
// Committed and Pending -> Aborted are legal.
type IntentTable struct {
	mu     sync.RWMutex
	status map[TxnID]TxnStatus
}

func NewIntentTable() *IntentTable {
	return &IntentTable{status: make(map[TxnID]TxnStatus)}
}

// BeginWriteTxn registers id as pending. Registering an id twice is a no-op
// while it is still pending and fails once it has finished.
func (t *IntentTable) BeginWriteTxn(id TxnID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.status[id]; ok {
		if s.Terminal() {
			return errors.Annotatef(ErrTxnFinished, "%s is %s", id, s)
		}
		return nil
	}
	t.status[id] = StatusPending
	return nil
}

// SetStatus atomically moves id to a terminal status and returns the previous one.
func (t *IntentTable) SetStatus(id TxnID, next TxnStatus) (TxnStatus, error) {
	if !next.Terminal() {
		return StatusPending, errors.Annotatef(ErrIllegalTransition, "%s -> %s", id, next)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.status[id]
	if !ok {
		return StatusPending, errors.Annotatef(ErrUnknownTxn, "%s", id)
	}
	if prev != StatusPending {
		return prev, errors.Annotatef(ErrIllegalTransition, "%s: %s -> %s", id, prev, next)
	}
	t.status[id] = next
	return prev, nil
}

// Lookup returns the status of id. ok is false when the table has no entry.
func (t *IntentTable) Lookup(id TxnID) (status TxnStatus, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok = t.status[id]
	return status, ok
}

// Pending returns every transaction still pending.
func (t *IntentTable) Pending() []TxnID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []TxnID
	for id, s := range t.status {
		if s == StatusPending {
			out = append(out, id)
		}
	}
	return out
}
