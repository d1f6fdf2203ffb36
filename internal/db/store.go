package db

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/myuser/pathdb/internal/metrics"
	"github.com/myuser/pathdb/internal/storage"
	"github.com/myuser/pathdb/internal/storage/wal"
	"github.com/myuser/pathdb/internal/txn"
)

// Store is the transactional facade over one in-memory engine. When a replica
// is configured every mutating call that succeeds locally is repeated on it,
// with no store lock held, and its failure fails the call.
type Store struct {
	clock   *storage.Clock
	archive *storage.Archive
	intents *storage.IntentTable
	index   *storage.Index
	log     *wal.WAL
	txns    *txn.Registry
	replica storage.Engine
	logger  *zap.Logger
	degree  int
}

var _ storage.Engine = (*Store)(nil)

type Option func(*Store)

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithWAL makes the store log commits to w instead of a fresh in-memory log.
func WithWAL(w *wal.WAL) Option {
	return func(s *Store) { s.log = w }
}

// WithReplica fans every call out to e after it succeeded locally.
func WithReplica(e storage.Engine) Option {
	return func(s *Store) { s.replica = e }
}

// WithDegree sets the btree degree of the key index.
func WithDegree(d int) Option {
	return func(s *Store) { s.degree = d }
}

func New(opts ...Option) *Store {
	s := &Store{degree: storage.DefaultDegree}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.log == nil {
		s.log = wal.New()
	}
	s.clock = storage.NewClock()
	s.archive = storage.NewArchive()
	s.intents = storage.NewIntentTable()
	s.index = storage.NewIndex(s.degree, s.archive, s.intents, s.logger)

	env := &txn.Env{Index: s.index, Intents: s.intents, WAL: s.log, Logger: s.logger}
	s.txns = txn.NewRegistry(func(id storage.TxnID) (*txn.Transaction, error) {
		return txn.Begin(env, id)
	})
	return s
}

// WAL returns the commit log of the store.
func (s *Store) WAL() *wal.WAL { return s.log }

// Index exposes the key index, for inspection.
func (s *Store) Index() *storage.Index { return s.index }

// Begin starts a transaction at a fresh timestamp.
func (s *Store) Begin(ctx context.Context) (storage.TxnID, error) {
	id := storage.NewTxnID(s.clock.Next())
	return id, s.NewTransaction(ctx, id)
}

func (s *Store) NewTransaction(ctx context.Context, id storage.TxnID) error {
	if err := s.beginLocal(id); err != nil {
		return err
	}
	if s.replica != nil {
		return s.replica.NewTransaction(ctx, id)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, id storage.TxnID, key storage.Key) (storage.Version, error) {
	v, err := s.readLocal(id, key)
	if err != nil {
		return storage.Version{}, err
	}
	if s.replica != nil {
		// Followers see the same reads so their read timestamps, and with
		// them the writes they accept, stay in step with ours.
		if _, err := s.replica.Read(ctx, id, key); err != nil {
			return storage.Version{}, err
		}
	}
	return v, nil
}

func (s *Store) RangeRead(ctx context.Context, id storage.TxnID, prefix storage.Key) ([]storage.Entry, error) {
	rows, err := s.rangeLocal(id, prefix)
	if err != nil {
		return nil, err
	}
	if s.replica != nil {
		if _, err := s.replica.RangeRead(ctx, id, prefix); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func (s *Store) Write(ctx context.Context, id storage.TxnID, key storage.Key, value storage.Value) error {
	if err := s.writeLocal(id, key, value); err != nil {
		return err
	}
	if s.replica != nil {
		return s.replica.Write(ctx, id, key, value)
	}
	return nil
}

// Commit commits id locally, then on the replica. Committing an already
// committed transaction succeeds.
func (s *Store) Commit(ctx context.Context, id storage.TxnID) error {
	start := time.Now()
	if err := s.commitLocal(id, true); err != nil {
		return err
	}
	if s.replica != nil {
		if err := s.replica.Commit(ctx, id); err != nil {
			s.logger.Error("replica commit failed", zap.Stringer("txn", id), zap.Error(err))
			return err
		}
	}
	metrics.ObserveCommit(time.Since(start).Seconds())
	return nil
}

// Abort aborts id locally, then on the replica. Aborting an already aborted
// transaction succeeds.
func (s *Store) Abort(ctx context.Context, id storage.TxnID) error {
	if err := s.abortLocal(id); err != nil {
		return err
	}
	if s.replica != nil {
		return s.replica.Abort(ctx, id)
	}
	return nil
}

func (s *Store) beginLocal(id storage.TxnID) error {
	err := s.withTxn(id, func(*txn.Transaction) error { return nil })
	if err != nil {
		return s.fail(id, "begin", err)
	}
	return nil
}

func (s *Store) readLocal(id storage.TxnID, key storage.Key) (storage.Version, error) {
	var v storage.Version
	err := s.withTxn(id, func(t *txn.Transaction) error {
		var err error
		v, err = t.Read(key)
		return err
	})
	if err != nil {
		return storage.Version{}, s.fail(id, "read", err)
	}
	return v, nil
}

func (s *Store) rangeLocal(id storage.TxnID, prefix storage.Key) ([]storage.Entry, error) {
	var rows []storage.Entry
	err := s.withTxn(id, func(t *txn.Transaction) error {
		var err error
		rows, err = t.RangeRead(prefix)
		return err
	})
	if err != nil {
		return nil, s.fail(id, "range", err)
	}
	return rows, nil
}

func (s *Store) writeLocal(id storage.TxnID, key storage.Key, value storage.Value) error {
	err := s.withTxn(id, func(t *txn.Transaction) error {
		return t.Write(key, value)
	})
	if err != nil {
		return s.fail(id, "write", err)
	}
	s.logger.Debug("write staged", zap.Stringer("txn", id), zap.Stringer("key", key))
	return nil
}

// commitLocal commits id on this store. With logged unset the batch is not
// appended to the WAL.
func (s *Store) commitLocal(id storage.TxnID, logged bool) error {
	err := s.withTxn(id, func(t *txn.Transaction) error {
		if logged {
			return t.Commit()
		}
		return t.CommitUnlogged()
	})
	if err != nil && !s.finishedAs(id, err, storage.StatusCommitted) {
		return s.fail(id, "commit", err)
	}
	s.txns.Remove(id)
	return nil
}

func (s *Store) abortLocal(id storage.TxnID) error {
	err := s.withTxn(id, func(t *txn.Transaction) error { return t.Abort() })
	if err != nil && !s.finishedAs(id, err, storage.StatusAborted) {
		return s.fail(id, "abort", err)
	}
	s.txns.Remove(id)
	return nil
}

// AbortPending aborts every registered transaction whose timestamp is below
// olderThan and returns how many it aborted. Transactions are never aborted
// implicitly, so this is how an operator releases abandoned intents.
func (s *Store) AbortPending(ctx context.Context, olderThan storage.Timestamp) (int, error) {
	n := 0
	for _, id := range s.txns.IDs() {
		if !id.Timestamp.Less(olderThan) {
			continue
		}
		if status, ok := s.intents.Lookup(id); ok && status != storage.StatusPending {
			continue
		}
		if err := s.Abort(ctx, id); err != nil {
			return n, errors.Annotatef(err, "abort %s", id)
		}
		n++
	}
	if n > 0 {
		s.logger.Info("aborted pending transactions", zap.Int("count", n), zap.Stringer("older_than", olderThan))
	}
	return n, nil
}

// Replay rebuilds the contents of w into this store, which should be empty.
// Replay stays local: the replica is not called, since followers already
// hold what the log records. When w is the store's own log the replayed
// batches are not appended to it a second time.
func (s *Store) Replay(ctx context.Context, w *wal.WAL) error {
	target := &localEngine{s: s, logged: w != s.log}
	if err := w.Apply(ctx, target); err != nil {
		s.logger.Error("wal replay failed", zap.Error(err))
		return err
	}
	s.logger.Info("wal replayed", zap.Int("batches", w.Len()), zap.Int("keys", s.index.Len()))
	return nil
}

// localEngine runs calls on its store only, without the replica.
type localEngine struct {
	s      *Store
	logged bool
}

var _ storage.Engine = (*localEngine)(nil)

func (l *localEngine) NewTransaction(_ context.Context, id storage.TxnID) error {
	return l.s.beginLocal(id)
}

func (l *localEngine) Read(_ context.Context, id storage.TxnID, key storage.Key) (storage.Version, error) {
	return l.s.readLocal(id, key)
}

func (l *localEngine) RangeRead(_ context.Context, id storage.TxnID, prefix storage.Key) ([]storage.Entry, error) {
	return l.s.rangeLocal(id, prefix)
}

func (l *localEngine) Write(_ context.Context, id storage.TxnID, key storage.Key, value storage.Value) error {
	return l.s.writeLocal(id, key, value)
}

func (l *localEngine) Commit(_ context.Context, id storage.TxnID) error {
	return l.s.commitLocal(id, l.logged)
}

func (l *localEngine) Abort(_ context.Context, id storage.TxnID) error {
	return l.s.abortLocal(id)
}

func (s *Store) withTxn(id storage.TxnID, fn func(t *txn.Transaction) error) error {
	s.clock.Observe(id.Timestamp)
	t, release, err := s.txns.Acquire(id, true)
	if err != nil {
		return err
	}
	defer release()
	return fn(t)
}

// finishedAs reports whether err only says that id already reached want.
func (s *Store) finishedAs(id storage.TxnID, err error, want storage.TxnStatus) bool {
	if storage.KindOf(err) != storage.KindTxnFinished {
		return false
	}
	status, ok := s.intents.Lookup(id)
	return ok && status == want
}

func (s *Store) fail(id storage.TxnID, op string, err error) error {
	kind := storage.KindOf(err)
	if kind.IsLogical() {
		metrics.Conflict(kind.String())
	}
	s.logger.Debug("operation failed", zap.String("op", op), zap.Stringer("txn", id),
		zap.Stringer("kind", kind), zap.Error(err))
	return err
}
