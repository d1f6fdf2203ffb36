package storage

import (
	"fmt"

	"github.com/pingcap/errors"
)

// Kind classifies every error the engine and its edges return.
type Kind int

const (
	KindNone Kind = iota
	KindValueNotFound
	KindPendingIntent
	KindSerializationConflict
	KindStaleWrite
	KindHistoricalWrite
	KindPhantomConflict
	KindReplayDivergence
	KindFollowerUnavailable
	KindUnknownTxn
	KindTxnFinished
	KindIllegalTransition
	KindInternal
)

var kindNames = map[Kind]string{
	KindNone:                  "none",
	KindValueNotFound:         "value_not_found",
	KindPendingIntent:         "pending_intent",
	KindSerializationConflict: "serialization_conflict",
	KindStaleWrite:            "stale_write",
	KindHistoricalWrite:       "historical_write",
	KindPhantomConflict:       "phantom_conflict",
	KindReplayDivergence:      "replay_divergence",
	KindFollowerUnavailable:   "follower_unavailable",
	KindUnknownTxn:            "unknown_txn",
	KindTxnFinished:           "txn_finished",
	KindIllegalTransition:     "illegal_transition",
	KindInternal:              "internal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindInternal
}

// IsLogical reports whether the kind is a transactional outcome rather than a
// transport or internal failure.
func (k Kind) IsLogical() bool {
	switch k {
	case KindValueNotFound, KindPendingIntent, KindSerializationConflict, KindStaleWrite,
		KindHistoricalWrite, KindPhantomConflict, KindReplayDivergence:
		return true
	}
	return false
}

// IsRetryable reports whether aborting and retrying the transaction with a
// fresh timestamp may succeed.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindPendingIntent, KindSerializationConflict, KindStaleWrite, KindPhantomConflict:
		return true
	}
	return false
}

var (
	ErrValueNotFound         = errors.New("value not found")
	ErrSerializationConflict = errors.New("read would observe a later committed write")
	ErrStaleWrite            = errors.New("write timestamp below last read")
	ErrHistoricalWrite       = errors.New("write on a non-head version")
	ErrPhantomConflict       = errors.New("insert blocked by an earlier range read")
	ErrReplayDivergence      = errors.New("replay observed a different value")
	ErrFollowerUnavailable   = errors.New("follower unavailable")
	ErrUnknownTxn            = errors.New("unknown transaction")
	ErrTxnFinished           = errors.New("transaction already finished")
	ErrIllegalTransition     = errors.New("illegal transaction status transition")
)

var sentinelKinds = map[error]Kind{
	ErrValueNotFound:         KindValueNotFound,
	ErrSerializationConflict: KindSerializationConflict,
	ErrStaleWrite:            KindStaleWrite,
	ErrHistoricalWrite:       KindHistoricalWrite,
	ErrPhantomConflict:       KindPhantomConflict,
	ErrReplayDivergence:      KindReplayDivergence,
	ErrFollowerUnavailable:   KindFollowerUnavailable,
	ErrUnknownTxn:            KindUnknownTxn,
	ErrTxnFinished:           KindTxnFinished,
	ErrIllegalTransition:     KindIllegalTransition,
}

// Sentinel returns the sentinel error of a data-less kind, or nil.
func Sentinel(k Kind) error {
	for err, kind := range sentinelKinds {
		if kind == k {
			return err
		}
	}
	return nil
}

// PendingIntentError is returned when another in-flight transaction holds a
// write intent on the key. The caller decides whether to wait or abort.
type PendingIntentError struct {
	Key   Key
	Owner TxnID
}

func (e *PendingIntentError) Error() string {
	return fmt.Sprintf("key %q has a pending intent of %s", e.Key, e.Owner)
}

// ReplicaError tags a failure reported by, or while talking to, a follower.
// It does not expose Cause, so a logical error raised on a follower still
// classifies as KindFollowerUnavailable on the leader.
type ReplicaError struct {
	Replica int
	Op      string
	Err     error
}

func (e *ReplicaError) Error() string {
	return fmt.Sprintf("follower %d: %s: %v", e.Replica, e.Op, e.Err)
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	cause := errors.Cause(err)
	switch x := cause.(type) {
	case *PendingIntentError:
		return KindPendingIntent
	case *ReplicaError:
		return KindFollowerUnavailable
	default:
		if k, ok := sentinelKinds[x]; ok {
			return k
		}
	}
	return KindInternal
}

// IsNotFound reports whether err means no visible version exists.
func IsNotFound(err error) bool {
	return KindOf(err) == KindValueNotFound
}
