package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	t       *testing.T
	index   *Index
	intents *IntentTable
	archive *Archive
}

func newTestEnv(t *testing.T) *testEnv {
	archive := NewArchive()
	intents := NewIntentTable()
	return &testEnv{
		t:       t,
		index:   NewIndex(4, archive, intents, zaptest.NewLogger(t)),
		intents: intents,
		archive: archive,
	}
}

// stage writes key=value for a transaction at ts without finishing it.
func (e *testEnv) stage(ts Timestamp, key string, value Value) (TxnID, *VersionRecord) {
	id := NewTxnID(ts)
	require.NoError(e.t, e.intents.BeginWriteTxn(id))
	rec, created, err := e.index.Insert(id, Key(key), value)
	require.NoError(e.t, err)
	if !created {
		require.NoError(e.t, rec.Write(id, value))
	}
	return id, rec
}

func (e *testEnv) commit(id TxnID, recs ...*VersionRecord) {
	_, err := e.intents.SetStatus(id, StatusCommitted)
	require.NoError(e.t, err)
	for _, r := range recs {
		r.ClearCommittedIntent(id)
	}
}

func (e *testEnv) abort(id TxnID) {
	_, err := e.intents.SetStatus(id, StatusAborted)
	require.NoError(e.t, err)
}

func (e *testEnv) put(ts Timestamp, key string, value Value) *VersionRecord {
	id, rec := e.stage(ts, key, value)
	e.commit(id, rec)
	return rec
}

func (e *testEnv) read(ts Timestamp, key string) (Value, error) {
	rec := e.index.Lookup(Key(key), ts)
	if rec == nil {
		return Value{}, ErrValueNotFound
	}
	v, err := rec.Read(NewTxnID(ts))
	return v.Value, err
}

// assertChain checks that the versions of rec form contiguous, strictly
// descending intervals ending at MaxTs.
func assertChain(t *testing.T, rec *VersionRecord) {
	t.Helper()
	chain := rec.Chain()
	require.NotEmpty(t, chain)
	assert.Equal(t, MaxTs, chain[0].Meta.End, "head must be current")
	for i, v := range chain {
		assert.True(t, v.Meta.Begin.Less(v.Meta.End), "version %d: [%s, %s)", i, v.Meta.Begin, v.Meta.End)
		if i > 0 {
			assert.Equal(t, chain[i-1].Meta.Begin, v.Meta.End, "gap or overlap at version %d", i)
			assert.Nil(t, v.Meta.Intent)
		}
	}
}

func TestRecordOwnWriteVisible(t *testing.T) {
	e := newTestEnv(t)
	id, rec := e.stage(5, "/a/", String("1"))

	v, err := rec.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "1", v.Value.String())

	require.NoError(t, rec.Write(id, String("2")))
	v, err = rec.Read(id)
	require.NoError(t, err)
	assert.Equal(t, "2", v.Value.String())
	assert.Len(t, rec.Chain(), 1, "rewrites by the same txn stay in place")
}

func TestRecordFirstWriteArchivesCommittedHead(t *testing.T) {
	e := newTestEnv(t)
	rec := e.put(3, "/a/", String("base"))
	assert.Nil(t, rec.Head().Meta.Intent)

	id, _ := e.stage(6, "/a/", String("1"))
	head := rec.Head()
	require.NotNil(t, head.Meta.Intent)
	assert.Equal(t, id, head.Meta.Intent.Txn)
	assert.False(t, head.Meta.Intent.WasCommitted)
	assert.Len(t, rec.Chain(), 2)

	require.NoError(t, rec.Write(id, String("2")))
	assert.Len(t, rec.Chain(), 2, "second write replaces the staged head")
	assert.Equal(t, "2", rec.Head().Value.String())
	assertChain(t, rec)

	v, err := e.read(4, "/a/")
	require.NoError(t, err)
	assert.Equal(t, "base", v.String())
}

func TestRecordPendingIntentBlocksNewerReader(t *testing.T) {
	e := newTestEnv(t)
	e.put(2, "/1/", String("10"))
	id, rec := e.stage(4, "/1/", String("11"))

	_, err := e.read(6, "/1/")
	require.Error(t, err)
	assert.Equal(t, KindPendingIntent, KindOf(err))
	var pending *PendingIntentError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, id, pending.Owner)

	// An older reader is served from the archive and is not blocked.
	v, err := e.read(3, "/1/")
	require.NoError(t, err)
	assert.Equal(t, "10", v.String())

	e.commit(id, rec)
	v, err = e.read(6, "/1/")
	require.NoError(t, err)
	assert.Equal(t, "11", v.String())
}

func TestRecordPendingIntentBlocksWriter(t *testing.T) {
	e := newTestEnv(t)
	_, rec := e.stage(4, "/k/", String("x"))
	err := rec.Write(NewTxnID(5), String("y"))
	assert.Equal(t, KindPendingIntent, KindOf(err))
}

func TestRecordVersionHistory(t *testing.T) {
	e := newTestEnv(t)
	var rec *VersionRecord
	for i := Timestamp(300000); i < 300010; i++ {
		rec = e.put(i, "/k/", String(fmt.Sprint(i)))
	}
	for i := Timestamp(300000); i < 300010; i++ {
		v, err := e.read(i, "/k/")
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), v.String())
	}
	assert.Len(t, rec.Chain(), 10)
	assertChain(t, rec)

	_, err := e.read(299999, "/k/")
	assert.True(t, IsNotFound(err))
}

func TestRecordStaleWrite(t *testing.T) {
	e := newTestEnv(t)
	rec := e.put(2, "/a/", String("v"))
	_, err := e.read(10, "/a/")
	require.NoError(t, err)

	id := NewTxnID(5)
	require.NoError(t, e.intents.BeginWriteTxn(id))
	err = rec.Write(id, String("late"))
	assert.Equal(t, KindStaleWrite, KindOf(err))

	// The head is untouched and a later writer still succeeds.
	e.put(11, "/a/", String("w"))
	v, err := e.read(12, "/a/")
	require.NoError(t, err)
	assert.Equal(t, "w", v.String())
	assertChain(t, rec)
}

func TestRecordSerializationConflict(t *testing.T) {
	e := newTestEnv(t)
	id, _ := e.stage(5, "/a/", String("v"))
	_, err := e.intents.SetStatus(id, StatusCommitted)
	require.NoError(t, err)

	// Intent still installed; a different transaction at the same timestamp
	// would observe a write that is not strictly earlier.
	rec := e.index.Get(Key("/a/"))
	_, err = rec.Read(TxnID{ID: 99, Timestamp: 5})
	assert.Equal(t, KindSerializationConflict, KindOf(err))

	v, err := rec.Read(NewTxnID(6))
	require.NoError(t, err)
	assert.Equal(t, "v", v.Value.String())
	assert.Nil(t, rec.Head().Meta.Intent, "committed intent is cleared on contact")
}

func TestRecordAbortRescue(t *testing.T) {
	e := newTestEnv(t)
	rec := e.put(2, "/a/", String("value"))

	ts := Timestamp(3)
	for i := 0; i < 20; i++ {
		id, _ := e.stage(ts, "/a/", String("x"))
		e.abort(id)
		v, err := e.read(ts+1, "/a/")
		require.NoError(t, err)
		assert.Equal(t, "value", v.String())
		ts += 2
	}
	assertChain(t, rec)
	assert.Len(t, rec.Chain(), 1)

	e.put(ts, "/a/", String("value2"))
	v, err := e.read(ts+1, "/a/")
	require.NoError(t, err)
	assert.Equal(t, "value2", v.String())
	assertChain(t, rec)
}

func TestRecordAbortRescueKeepsLastRead(t *testing.T) {
	e := newTestEnv(t)
	rec := e.put(2, "/a/", String("value"))
	id, _ := e.stage(5, "/a/", String("x"))
	e.abort(id)

	// The restored head inherits the aborted head's last read, so a writer
	// below it is still refused.
	err := rec.Write(NewTxnID(4), String("y"))
	assert.Equal(t, KindStaleWrite, KindOf(err))
	assert.Equal(t, Timestamp(5), rec.LastRead())
	assert.Equal(t, "value", rec.Head().Value.String())
}

func TestRecordAbortRescueWithoutPrior(t *testing.T) {
	e := newTestEnv(t)
	id, rec := e.stage(3, "/a/", String("x"))
	e.abort(id)

	_, err := e.read(4, "/a/")
	assert.True(t, IsNotFound(err))
	assert.True(t, rec.Head().Value.IsDeleted())
	assert.Nil(t, rec.Head().Meta.Intent)

	// The tombstone can be overwritten by a later writer.
	e.put(5, "/a/", String("y"))
	v, err := e.read(6, "/a/")
	require.NoError(t, err)
	assert.Equal(t, "y", v.String())
}

func TestRecordIntentWithoutTableEntry(t *testing.T) {
	e := newTestEnv(t)
	ghost := NewTxnID(3)
	rec, created, err := e.index.Insert(ghost, Key("/g/"), String("v"))
	require.NoError(t, err)
	require.True(t, created)

	v, err := rec.Read(NewTxnID(4))
	require.NoError(t, err)
	assert.Equal(t, "v", v.Value.String())
	assert.Nil(t, rec.Head().Meta.Intent)
}

func TestRecordTombstone(t *testing.T) {
	e := newTestEnv(t)
	rec := e.put(2, "/a/", String("v"))
	e.put(4, "/a/", Deleted())

	_, err := e.read(5, "/a/")
	assert.True(t, IsNotFound(err))
	v, err := e.read(3, "/a/")
	require.NoError(t, err)
	assert.Equal(t, "v", v.String())
	assertChain(t, rec)
}
