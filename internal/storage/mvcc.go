package storage

import (
	"fmt"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/myuser/pathdb/internal/metrics"
)

// WriteIntent marks a head version staged by Txn and not yet known to be
// committed. WasCommitted reports that the head under the intent still holds
// a committed value. Write never leaves such a head behind: it archives the
// committed value and installs a fresh head whose intent has the bit clear,
// so later writes by Txn replace that head in place.
type WriteIntent struct {
	Txn          TxnID
	WasCommitted bool
}

// Meta is the MVCC metadata of one version. Intent and Prev stay local to the
// engine and are not transmitted.
type Meta struct {
	Begin    Timestamp    `json:"begin_ts"`
	End      Timestamp    `json:"end_ts"`
	LastRead Timestamp    `json:"last_read"`
	Intent   *WriteIntent `json:"-"`
	Prev     ArchiveIndex `json:"-"`
}

// Contains reports whether ts falls in [Begin, End).
func (m Meta) Contains(ts Timestamp) bool {
	return m.Begin.LessEq(ts) && ts.Less(m.End)
}

// Version is a value together with its metadata.
type Version struct {
	Meta  Meta  `json:"meta"`
	Value Value `json:"value"`
}

func (v Version) public() Version {
	v.Meta.Intent = nil
	return v
}

// chainEnv is what every record of an index consults while resolving intents.
type chainEnv struct {
	archive *Archive
	intents *IntentTable
	logger  *zap.Logger
}

// access says how a caller is about to use the head once its intent is resolved.
type access int

const (
	// accessVisible: a read whose timestamp falls inside the head's interval.
	accessVisible access = iota
	// accessOlder: a read that will be served from the archived chain.
	accessOlder
	accessWrite
)

// VersionRecord is the head version of one key plus its mutex. The mutex makes
// multi-field updates atomic and is never held across more than one key.
type VersionRecord struct {
	key Key
	env *chainEnv

	mu   sync.Mutex
	head Version
}

func newVersionRecord(env *chainEnv, key Key, txn TxnID, value Value) *VersionRecord {
	ts := txn.Timestamp
	return &VersionRecord{
		key: key,
		env: env,
		head: Version{
			Meta: Meta{
				Begin:    ts,
				End:      MaxTs,
				LastRead: ts,
				Intent:   &WriteIntent{Txn: txn},
				Prev:     NoVersion,
			},
			Value: value,
		},
	}
}

// Key returns the key of the record.
func (r *VersionRecord) Key() Key { return r.key }

// Read returns the version visible to txn and records the read.
func (r *VersionRecord) Read(txn TxnID) (Version, error) {
	ts := txn.Timestamp
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		mode := accessOlder
		if r.head.Meta.Begin.LessEq(ts) {
			mode = accessVisible
		}
		retry, err := r.resolveLocked(txn, mode)
		if err != nil {
			return Version{}, err
		}
		if !retry {
			break
		}
	}

	if r.head.Meta.Begin.LessEq(ts) {
		r.checkHeadLocked()
		r.head.Meta.LastRead = r.head.Meta.LastRead.Max(ts)
		if r.head.Value.IsDeleted() {
			return Version{}, errors.Annotatef(ErrValueNotFound, "key %s deleted at %s", r.key, ts)
		}
		return r.head.public(), nil
	}

	for idx := r.head.Meta.Prev; idx != NoVersion; {
		v := r.env.archive.Get(idx)
		if v.Meta.Contains(ts) {
			v.Meta.LastRead = v.Meta.LastRead.Max(ts)
			if v.Value.IsDeleted() {
				return Version{}, errors.Annotatef(ErrValueNotFound, "key %s deleted at %s", r.key, ts)
			}
			return v.public(), nil
		}
		idx = v.Meta.Prev
	}
	return Version{}, errors.Annotatef(ErrValueNotFound, "key %s has no version at %s", r.key, ts)
}

// Write stages value for txn on the head version.
func (r *VersionRecord) Write(txn TxnID, value Value) error {
	ts := txn.Timestamp
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		retry, err := r.resolveLocked(txn, accessWrite)
		if err != nil {
			return err
		}
		if !retry {
			break
		}
	}

	if r.head.Meta.End != MaxTs {
		return errors.Annotatef(ErrHistoricalWrite, "key %s", r.key)
	}
	if ts.Less(r.head.Meta.LastRead) {
		return errors.Annotatef(ErrStaleWrite, "key %s: write at %s, last read at %s", r.key, ts, r.head.Meta.LastRead)
	}

	// Foreign intents were resolved above, so any intent left is txn's own.
	if in := r.head.Meta.Intent; in != nil && !in.WasCommitted {
		r.head.Value = value
		return nil
	}
	if !r.head.Meta.Begin.Less(ts) {
		return errors.Annotatef(ErrStaleWrite, "key %s: write at %s, head begins at %s", r.key, ts, r.head.Meta.Begin)
	}

	archived := r.head
	archived.Meta.End = ts
	archived.Meta.Intent = nil
	idx := r.env.archive.Append(archived)
	r.head = Version{
		Meta: Meta{
			Begin:    ts,
			End:      MaxTs,
			LastRead: ts,
			Intent:   &WriteIntent{Txn: txn},
			Prev:     idx,
		},
		Value: value,
	}
	return nil
}

// ClearCommittedIntent drops the intent of txn once txn has committed.
func (r *VersionRecord) ClearCommittedIntent(txn TxnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in := r.head.Meta.Intent; in != nil && in.Txn == txn {
		r.head.Meta.Intent = nil
	}
}

// observe records a read of the gap next to this key at ts.
func (r *VersionRecord) observe(ts Timestamp) {
	r.mu.Lock()
	r.head.Meta.LastRead = r.head.Meta.LastRead.Max(ts)
	r.mu.Unlock()
}

// LastRead returns the last-read timestamp of the head.
func (r *VersionRecord) LastRead() Timestamp {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head.Meta.LastRead
}

// Head returns a copy of the head version, intent included.
func (r *VersionRecord) Head() Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Chain returns the head followed by every archived version, newest first.
func (r *VersionRecord) Chain() []Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	chain := []Version{r.head}
	for idx := r.head.Meta.Prev; idx != NoVersion; {
		v := *r.env.archive.Get(idx)
		chain = append(chain, v)
		idx = v.Meta.Prev
	}
	return chain
}

// resolveLocked settles a foreign intent on the head. retry is true when the
// head changed and must be examined again.
func (r *VersionRecord) resolveLocked(txn TxnID, mode access) (retry bool, err error) {
	intent := r.head.Meta.Intent
	if intent == nil || intent.Txn == txn {
		return false, nil
	}

	status, ok := r.env.intents.Lookup(intent.Txn)
	if !ok {
		r.env.logger.Warn("intent without intent-table entry, treating as committed",
			zap.Stringer("key", r.key), zap.Stringer("owner", intent.Txn))
		r.clearIntentLocked(intent)
		return false, nil
	}

	switch status {
	case StatusCommitted:
		if mode == accessVisible && !intent.Txn.Timestamp.Less(txn.Timestamp) {
			return false, errors.Annotatef(ErrSerializationConflict,
				"key %s: reader %s, committed writer %s", r.key, txn, intent.Txn)
		}
		r.clearIntentLocked(intent)
		return false, nil
	case StatusAborted:
		r.rescueLocked()
		return true, nil
	default:
		if mode == accessOlder {
			return false, nil
		}
		return false, &PendingIntentError{Key: r.key.Clone(), Owner: intent.Txn}
	}
}

// clearIntentLocked removes intent if it is still the one installed on the head.
func (r *VersionRecord) clearIntentLocked(intent *WriteIntent) {
	if r.head.Meta.Intent == intent {
		r.head.Meta.Intent = nil
	}
}

// rescueLocked undoes the head written by an aborted transaction: the prior
// archived version becomes the head again, or the key becomes a tombstone.
func (r *VersionRecord) rescueLocked() {
	aborted := r.head
	if aborted.Meta.Prev == NoVersion {
		r.head.Value = Deleted()
		r.head.Meta.Intent = nil
	} else {
		prior := *r.env.archive.Get(aborted.Meta.Prev)
		prior.Meta.End = MaxTs
		prior.Meta.LastRead = prior.Meta.LastRead.Max(aborted.Meta.LastRead)
		r.head = prior
	}
	metrics.AbortRescued()
	r.env.logger.Debug("rescued aborted intent",
		zap.Stringer("key", r.key), zap.Stringer("owner", aborted.Meta.Intent.Txn),
		zap.Bool("restored", aborted.Meta.Prev != NoVersion))
}

func (r *VersionRecord) checkHeadLocked() {
	m := r.head.Meta
	if m.End != MaxTs || !m.Begin.LessEq(m.End) {
		panic(fmt.Sprintf("storage: corrupt head of %s: begin %s end %s", r.key, m.Begin, m.End))
	}
}
