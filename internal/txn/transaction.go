package txn

import (
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/myuser/pathdb/internal/metrics"
	"github.com/myuser/pathdb/internal/storage"
	"github.com/myuser/pathdb/internal/storage/wal"
)

type TxnState int

const (
	StateActive    TxnState = 0
	StateCommitted TxnState = 1
	StateAborted   TxnState = 2
)

func (s TxnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	default:
		return "aborted"
	}
}

// Env is the shared engine state every transaction of a store works against.
type Env struct {
	Index   *storage.Index
	Intents *storage.IntentTable
	WAL     *wal.WAL
	Logger  *zap.Logger
}

// Transaction buffers the operations of one transaction and drives the
// intent protocol on the records it touches. It is not safe for concurrent
// use; the Registry serializes calls on the same id.
type Transaction struct {
	id  storage.TxnID
	env *Env

	state TxnState
	ops   []wal.Operation
	// held are the records this transaction has staged writes on.
	held []*storage.VersionRecord
}

// Begin registers id as a pending writer and returns its transaction.
func Begin(env *Env, id storage.TxnID) (*Transaction, error) {
	if err := env.Intents.BeginWriteTxn(id); err != nil {
		return nil, err
	}
	return &Transaction{id: id, env: env}, nil
}

func (t *Transaction) ID() storage.TxnID { return t.id }

func (t *Transaction) State() TxnState { return t.state }

// Ops returns the operations logged so far.
func (t *Transaction) Ops() []wal.Operation { return t.ops }

func (t *Transaction) checkActive() error {
	if t.state != StateActive {
		return errors.Annotatef(storage.ErrTxnFinished, "%s is %s", t.id, t.state)
	}
	return nil
}

// Read returns the version of key visible to the transaction.
func (t *Transaction) Read(key storage.Key) (storage.Version, error) {
	if err := t.checkActive(); err != nil {
		return storage.Version{}, err
	}
	rec := t.env.Index.Lookup(key, t.id.Timestamp)
	if rec == nil {
		return storage.Version{}, errors.Annotatef(storage.ErrValueNotFound, "key %s", key)
	}
	v, err := rec.Read(t.id)
	if err != nil {
		return storage.Version{}, err
	}
	t.ops = append(t.ops, wal.Read(rec.Key(), v.Value))
	return v, nil
}

// RangeRead returns every visible row under prefix in key order. Keys with no
// visible version, tombstones included, are skipped but still record the read.
func (t *Transaction) RangeRead(prefix storage.Key) ([]storage.Entry, error) {
	if err := t.checkActive(); err != nil {
		return nil, err
	}
	lo, hi := prefix.PrefixRange()
	var (
		out  []storage.Entry
		fail error
	)
	t.env.Index.Scan(lo, hi, t.id.Timestamp, func(rec *storage.VersionRecord) bool {
		v, err := rec.Read(t.id)
		if err != nil {
			if storage.IsNotFound(err) {
				return true
			}
			fail = err
			return false
		}
		out = append(out, storage.Entry{Key: rec.Key(), Version: v})
		return true
	})
	if fail != nil {
		return nil, fail
	}
	for _, e := range out {
		t.ops = append(t.ops, wal.Read(e.Key, e.Version.Value))
	}
	return out, nil
}

// Write stages value for key. A brand-new key goes through the index's
// phantom gate; an existing one through its record's write rule.
func (t *Transaction) Write(key storage.Key, value storage.Value) error {
	if err := t.checkActive(); err != nil {
		return err
	}
	rec, created, err := t.env.Index.Insert(t.id, key, value)
	if err != nil {
		return err
	}
	if !created {
		if err := rec.Write(t.id, value); err != nil {
			return err
		}
	}
	t.hold(rec)
	t.ops = append(t.ops, wal.Write(rec.Key(), value))
	return nil
}

func (t *Transaction) hold(rec *storage.VersionRecord) {
	for _, r := range t.held {
		if r == rec {
			return
		}
	}
	t.held = append(t.held, rec)
}

// Commit marks the transaction committed, logs its operations as one batch
// and clears the intents it still holds. Committing twice is a no-op.
func (t *Transaction) Commit() error {
	return t.commit(true)
}

// CommitUnlogged is Commit without the WAL batch, for transactions replayed
// from the log they would be appended to.
func (t *Transaction) CommitUnlogged() error {
	return t.commit(false)
}

func (t *Transaction) commit(logged bool) error {
	switch t.state {
	case StateCommitted:
		return nil
	case StateAborted:
		return errors.Annotatef(storage.ErrTxnFinished, "%s is aborted", t.id)
	}
	if _, err := t.env.Intents.SetStatus(t.id, storage.StatusCommitted); err != nil {
		return err
	}
	t.state = StateCommitted
	metrics.TxnFinished(metrics.OutcomeCommit)

	for _, rec := range t.held {
		rec.ClearCommittedIntent(t.id)
	}
	if !logged || len(t.ops) == 0 || t.env.WAL == nil {
		return nil
	}
	if err := t.env.WAL.Store(wal.Batch{Txn: t.id, Ops: t.ops}); err != nil {
		t.env.Logger.Error("failed to log committed transaction", zap.Stringer("txn", t.id), zap.Error(err))
		return err
	}
	return nil
}

// Abort marks the transaction aborted. Its intents stay in place and are
// rescued by the next reader or writer that finds them.
func (t *Transaction) Abort() error {
	switch t.state {
	case StateAborted:
		return nil
	case StateCommitted:
		return errors.Annotatef(storage.ErrTxnFinished, "%s is committed", t.id)
	}
	if _, err := t.env.Intents.SetStatus(t.id, storage.StatusAborted); err != nil {
		return err
	}
	t.state = StateAborted
	metrics.TxnFinished(metrics.OutcomeAbort)
	t.env.Logger.Debug("transaction aborted", zap.Stringer("txn", t.id), zap.Int("intents", len(t.held)))
	return nil
}
