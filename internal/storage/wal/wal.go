package wal

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/pingcap/errors"
	"go.uber.org/atomic"

	"github.com/myuser/pathdb/internal/metrics"
	"github.com/myuser/pathdb/internal/storage"
)

// ErrCorrupt is returned when a frame fails its length or checksum check.
var ErrCorrupt = errors.New("wal: corrupt frame")

// OpKind tells a logged write from a logged read.
type OpKind string

const (
	OpWrite OpKind = "write"
	OpRead  OpKind = "read"
)

// Operation is one step of a committed transaction. For a write Value is the
// value written; for a read it is the value the transaction observed.
type Operation struct {
	Kind  OpKind        `json:"op"`
	Key   storage.Key   `json:"key"`
	Value storage.Value `json:"value"`
}

func Write(key storage.Key, value storage.Value) Operation {
	return Operation{Kind: OpWrite, Key: key, Value: value}
}

func Read(key storage.Key, value storage.Value) Operation {
	return Operation{Kind: OpRead, Key: key, Value: value}
}

// Batch is everything one transaction did, logged at commit.
type Batch struct {
	Txn storage.TxnID `json:"txn"`
	Ops []Operation   `json:"ops"`
}

// WAL is an append-only log of commit batches. Frames are kept in memory and,
// when the log was opened on a file, mirrored to it.
// Frame format: Len(4) | Data(N) | CRC(4)
type WAL struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	f    *os.File
	path string

	batches atomic.Int64
}

// New returns an empty log that lives only in memory.
func New() *WAL {
	return &WAL{}
}

// Open opens or creates a log file and loads the frames it already holds.
func Open(path string) (*WAL, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Trace(err)
	}
	n, err := iterateFrames(existing, func([]byte) error { return nil })
	if err != nil {
		return nil, errors.Annotatef(err, "open %s", path)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w := &WAL{f: f, path: path}
	w.buf.Write(existing)
	w.batches.Store(int64(n))
	return w, nil
}

// Store appends b as one frame.
func (w *WAL) Store(b Batch) error {
	data, err := json.Marshal(b)
	if err != nil {
		return errors.Trace(err)
	}
	frame := encodeFrame(data)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		if _, err := w.f.Write(frame); err != nil {
			return errors.Annotatef(err, "append to %s", w.path)
		}
		if err := w.f.Sync(); err != nil {
			return errors.Trace(err)
		}
	}
	w.buf.Write(frame)
	w.batches.Inc()
	metrics.WALBatch()
	return nil
}

// Iterate calls handler with the payload of every frame in append order.
func (w *WAL) Iterate(handler func(data []byte) error) error {
	w.mu.Lock()
	snapshot := append([]byte(nil), w.buf.Bytes()...)
	w.mu.Unlock()
	_, err := iterateFrames(snapshot, handler)
	return err
}

// Load returns every batch in append order.
func (w *WAL) Load() ([]Batch, error) {
	var out []Batch
	err := w.Iterate(func(data []byte) error {
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			return errors.Annotate(ErrCorrupt, err.Error())
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// Len returns the number of stored batches.
func (w *WAL) Len() int {
	return int(w.batches.Load())
}

// WriteTo copies the raw frames to dst, e.g. to ship the log to a file.
func (w *WAL) WriteTo(dst io.Writer) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, err := dst.Write(w.buf.Bytes())
	return int64(n), errors.Trace(err)
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return errors.Trace(err)
}

// Apply replays every batch into e, which should be empty. Batches run in
// timestamp order, each in a transaction carrying the logged id: writes are
// repeated, reads must observe the logged value, then the transaction commits.
func (w *WAL) Apply(ctx context.Context, e storage.Engine) error {
	batches, err := w.Load()
	if err != nil {
		return err
	}
	return Replay(ctx, e, batches)
}

// Replay applies batches to e the way Apply does.
func Replay(ctx context.Context, e storage.Engine, batches []Batch) error {
	sorted := append([]Batch(nil), batches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Txn.Timestamp.Less(sorted[j].Txn.Timestamp)
	})
	for _, b := range sorted {
		if err := ctx.Err(); err != nil {
			return errors.Trace(err)
		}
		if err := replayBatch(ctx, e, b); err != nil {
			return err
		}
	}
	return nil
}

func replayBatch(ctx context.Context, e storage.Engine, b Batch) error {
	if err := e.NewTransaction(ctx, b.Txn); err != nil {
		return errors.Annotatef(err, "replay %s", b.Txn)
	}
	for _, op := range b.Ops {
		var err error
		switch op.Kind {
		case OpWrite:
			err = e.Write(ctx, b.Txn, op.Key, op.Value)
		case OpRead:
			err = verifyRead(ctx, e, b.Txn, op)
		default:
			err = errors.Annotatef(ErrCorrupt, "unknown operation %q", op.Kind)
		}
		if err != nil {
			_ = e.Abort(ctx, b.Txn)
			return errors.Annotatef(err, "replay %s", b.Txn)
		}
	}
	return errors.Annotatef(e.Commit(ctx, b.Txn), "replay %s", b.Txn)
}

func verifyRead(ctx context.Context, e storage.Engine, id storage.TxnID, op Operation) error {
	got, err := e.Read(ctx, id, op.Key)
	if err != nil {
		if storage.IsNotFound(err) {
			return errors.Annotatef(storage.ErrReplayDivergence, "key %s: logged %q, found nothing", op.Key, op.Value)
		}
		return err
	}
	if !got.Value.EqualLoose(op.Value) {
		return errors.Annotatef(storage.ErrReplayDivergence, "key %s: logged %q, found %q", op.Key, op.Value, got.Value)
	}
	return nil
}

func encodeFrame(data []byte) []byte {
	frame := make([]byte, 4+len(data)+4)
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	binary.BigEndian.PutUint32(frame[4+len(data):], crc32.ChecksumIEEE(data))
	return frame
}

// iterateFrames walks the frames of raw and returns how many it handled.
func iterateFrames(raw []byte, handler func(data []byte) error) (int, error) {
	n := 0
	for len(raw) > 0 {
		if len(raw) < 8 {
			return n, errors.Annotatef(ErrCorrupt, "truncated header after %d frames", n)
		}
		length := int(binary.BigEndian.Uint32(raw))
		if len(raw) < 8+length {
			return n, errors.Annotatef(ErrCorrupt, "truncated frame %d", n)
		}
		data := raw[4 : 4+length]
		if crc32.ChecksumIEEE(data) != binary.BigEndian.Uint32(raw[4+length:]) {
			return n, errors.Annotatef(ErrCorrupt, "checksum mismatch in frame %d", n)
		}
		if err := handler(data); err != nil {
			return n, err
		}
		n++
		raw = raw[8+length:]
	}
	return n, nil
}
