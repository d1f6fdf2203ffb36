package storage

import (
	"fmt"

	"go.uber.org/atomic"
)

// Timestamp is a logical 64-bit time drawn from a process-local Clock.
// The zero value is MaxTs and compares greater than every other timestamp.
type Timestamp uint64

const (
	// MinTs is the smallest real timestamp.
	MinTs Timestamp = 1
	// MaxTs marks the end of a version that is still current.
	MaxTs Timestamp = 0
)

// Less reports whether t is strictly earlier than u, treating MaxTs as infinity.
func (t Timestamp) Less(u Timestamp) bool {
	switch {
	case t == u:
		return false
	case u == MaxTs:
		return true
	case t == MaxTs:
		return false
	default:
		return t < u
	}
}

// LessEq reports whether t <= u under the same ordering as Less.
func (t Timestamp) LessEq(u Timestamp) bool {
	return t == u || t.Less(u)
}

// Max returns the later of t and u.
func (t Timestamp) Max(u Timestamp) Timestamp {
	if t.Less(u) {
		return u
	}
	return t
}

func (t Timestamp) String() string {
	if t == MaxTs {
		return "max"
	}
	return fmt.Sprintf("%d", uint64(t))
}

// Clock hands out monotonically increasing timestamps.
type Clock struct {
	next atomic.Uint64
}

// NewClock returns a clock whose first timestamp is MinTs+1.
func NewClock() *Clock {
	c := &Clock{}
	c.next.Store(uint64(MinTs) + 1)
	return c
}

// Next returns a fresh timestamp.
func (c *Clock) Next() Timestamp {
	return Timestamp(c.next.Inc() - 1)
}

// Observe makes sure every later call to Next returns a value above ts.
// Transactions may arrive with a caller-chosen timestamp (followers, WAL replay).
func (c *Clock) Observe(ts Timestamp) {
	if ts == MaxTs {
		return
	}
	want := uint64(ts) + 1
	for {
		cur := c.next.Load()
		if cur >= want || c.next.CompareAndSwap(cur, want) {
			return
		}
	}
}

// Peek returns the timestamp the next call to Next will hand out.
func (c *Clock) Peek() Timestamp {
	return Timestamp(c.next.Load())
}

// TxnID identifies a transaction. ID equals Timestamp for transactions begun
// through a Clock; the pair travels verbatim on the wire.
type TxnID struct {
	ID        uint64    `json:"id"`
	Timestamp Timestamp `json:"timestamp"`
}

// NewTxnID builds the identifier of a transaction running at ts.
func NewTxnID(ts Timestamp) TxnID {
	return TxnID{ID: uint64(ts), Timestamp: ts}
}

func (id TxnID) String() string {
	return fmt.Sprintf("txn-%d@%s", id.ID, id.Timestamp)
}
