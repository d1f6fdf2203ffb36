package storage

import (
	"bytes"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultDegree is the btree degree used when none is configured.
const DefaultDegree = 32

// Index is the ordered map from key to version record. Lookups and scans hold
// the read lock; inserting a new key holds the write lock and passes the
// phantom gate. Keys are never removed: deletes are tombstone versions.
type Index struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*VersionRecord]

	// highWater is the largest timestamp that read the index while it was empty.
	highWater atomic.Uint64

	env *chainEnv
}

func recordLess(a, b *VersionRecord) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// NewIndex creates an empty index whose records archive into archive and
// resolve intents through intents.
func NewIndex(degree int, archive *Archive, intents *IntentTable, logger *zap.Logger) *Index {
	if degree < 2 {
		degree = DefaultDegree
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		tree: btree.NewG(degree, recordLess),
		env:  &chainEnv{archive: archive, intents: intents, logger: logger},
	}
}

func pivot(key Key) *VersionRecord {
	return &VersionRecord{key: key}
}

// Get returns the record of key, or nil.
func (ix *Index) Get(key Key) *VersionRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	rec, _ := ix.tree.Get(pivot(key))
	return rec
}

// Lookup returns the record of key. When the key is absent the gap it would
// occupy is marked as read at ts, so a later insert below ts is refused.
func (ix *Index) Lookup(key Key, ts Timestamp) *VersionRecord {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if rec, ok := ix.tree.Get(pivot(key)); ok {
		return rec
	}
	ix.guardGapLocked(key, key, ts)
	return nil
}

// Scan calls fn for every record with lo <= key <= hi, in key order, until fn
// returns false. The read lock is held for the whole scan. An empty range is
// marked as read at ts.
func (ix *Index) Scan(lo, hi Key, ts Timestamp, fn func(rec *VersionRecord) bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	visited := 0
	ix.tree.AscendGreaterOrEqual(pivot(lo), func(rec *VersionRecord) bool {
		if bytes.Compare(rec.key, hi) > 0 {
			return false
		}
		visited++
		return fn(rec)
	})
	if visited == 0 {
		ix.guardGapLocked(lo, hi, ts)
	}
}

// Insert adds a new record for key holding value under an intent of txn.
// When the key already exists the existing record is returned with
// created == false and nothing is written.
func (ix *Index) Insert(txn TxnID, key Key, value Value) (rec *VersionRecord, created bool, err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if existing, ok := ix.tree.Get(pivot(key)); ok {
		return existing, false, nil
	}
	if err := ix.phantomGateLocked(key, txn.Timestamp); err != nil {
		return nil, false, err
	}
	rec = newVersionRecord(ix.env, key.Clone(), txn, value)
	ix.tree.ReplaceOrInsert(rec)
	return rec, true, nil
}

// Len returns the number of keys, tombstoned ones included.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// Keys returns every key in order.
func (ix *Index) Keys() []Key {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	keys := make([]Key, 0, ix.tree.Len())
	ix.tree.Ascend(func(rec *VersionRecord) bool {
		keys = append(keys, rec.key)
		return true
	})
	return keys
}

// HighWater returns the last-read timestamp recorded while the index was empty.
func (ix *Index) HighWater() Timestamp {
	return Timestamp(ix.highWater.Load())
}

// neighborsLocked returns the nearest record strictly below lo and the nearest
// strictly above hi.
func (ix *Index) neighborsLocked(lo, hi Key) (pred, succ *VersionRecord) {
	ix.tree.DescendLessOrEqual(pivot(lo), func(rec *VersionRecord) bool {
		if bytes.Equal(rec.key, lo) {
			return true
		}
		pred = rec
		return false
	})
	ix.tree.AscendGreaterOrEqual(pivot(hi), func(rec *VersionRecord) bool {
		if bytes.Equal(rec.key, hi) {
			return true
		}
		succ = rec
		return false
	})
	return pred, succ
}

// phantomGateLocked admits an insert of key at ts only if neither neighbour
// has been read after ts. With no neighbour at all the index-wide high-water
// decides, and is raised to ts on success.
func (ix *Index) phantomGateLocked(key Key, ts Timestamp) error {
	pred, succ := ix.neighborsLocked(key, key)
	if pred == nil && succ == nil {
		hw := Timestamp(ix.highWater.Load())
		if uint64(hw) > uint64(ts) {
			return errors.Annotatef(ErrPhantomConflict, "insert %s at %s: empty index read at %s", key, ts, hw)
		}
		ix.raiseHighWater(ts)
		return nil
	}
	for _, n := range []*VersionRecord{pred, succ} {
		if n == nil {
			continue
		}
		if lr := n.LastRead(); ts.Less(lr) {
			return errors.Annotatef(ErrPhantomConflict, "insert %s at %s: neighbour %s read at %s", key, ts, n.key, lr)
		}
	}
	return nil
}

// guardGapLocked records a read of the empty key range [lo, hi] at ts.
// Requires at least the read lock.
func (ix *Index) guardGapLocked(lo, hi Key, ts Timestamp) {
	pred, succ := ix.neighborsLocked(lo, hi)
	if pred == nil && succ == nil {
		ix.raiseHighWater(ts)
		return
	}
	if pred != nil {
		pred.observe(ts)
	}
	if succ != nil {
		succ.observe(ts)
	}
}

func (ix *Index) raiseHighWater(ts Timestamp) {
	for {
		cur := ix.highWater.Load()
		if cur >= uint64(ts) || ix.highWater.CompareAndSwap(cur, uint64(ts)) {
			return
		}
	}
}
