package txn

import (
	"sync"

	"github.com/pingcap/errors"

	"github.com/myuser/pathdb/internal/storage"
)

// Factory creates the transaction for an id the registry has not seen.
type Factory func(id storage.TxnID) (*Transaction, error)

type entry struct {
	mu  sync.Mutex
	txn *Transaction
}

// Registry maps transaction ids to live transactions. Lookups share the map
// lock; inserting a new id takes it exclusively, so an insert waits for the
// lookups in flight, and sync.RWMutex keeps new lookups out while it waits.
// The map lock is dropped before an entry is used. Each entry has its own
// mutex: calls on one id serialize, calls on different ids run in parallel.
type Registry struct {
	mu      sync.RWMutex
	entries map[storage.TxnID]*entry
	newTxn  Factory
}

func NewRegistry(newTxn Factory) *Registry {
	return &Registry{
		entries: make(map[storage.TxnID]*entry),
		newTxn:  newTxn,
	}
}

// Acquire returns the transaction for id locked for exclusive use, creating
// it when create is set. The caller must call release exactly once.
func (r *Registry) Acquire(id storage.TxnID, create bool) (txn *Transaction, release func(), err error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		if !create {
			return nil, nil, errors.Annotatef(storage.ErrUnknownTxn, "%s", id)
		}
		if e, err = r.insert(id); err != nil {
			return nil, nil, err
		}
	}

	e.mu.Lock()
	return e.txn, e.mu.Unlock, nil
}

func (r *Registry) insert(id storage.TxnID) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e, nil
	}
	t, err := r.newTxn(id)
	if err != nil {
		return nil, err
	}
	e := &entry{txn: t}
	r.entries[id] = e
	return e, nil
}

// Remove forgets id. Holders of the transaction keep their reference.
func (r *Registry) Remove(id storage.TxnID) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// IDs returns the ids of every registered transaction.
func (r *Registry) IDs() []storage.TxnID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]storage.TxnID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
