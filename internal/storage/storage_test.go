package storage

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampOrdering(t *testing.T) {
	assert.True(t, MinTs.Less(2))
	assert.True(t, Timestamp(1000).Less(MaxTs))
	assert.False(t, MaxTs.Less(1000))
	assert.False(t, MaxTs.Less(MaxTs))
	assert.True(t, MaxTs.LessEq(MaxTs))
	assert.Equal(t, MaxTs, Timestamp(7).Max(MaxTs))
	assert.Equal(t, Timestamp(9), Timestamp(9).Max(3))
	assert.Equal(t, "max", MaxTs.String())
}

func TestClock(t *testing.T) {
	c := NewClock()
	assert.Equal(t, Timestamp(2), c.Next())
	assert.Equal(t, Timestamp(3), c.Next())

	c.Observe(100)
	assert.Equal(t, Timestamp(101), c.Next())
	c.Observe(50)
	assert.Equal(t, Timestamp(102), c.Next())
	c.Observe(MaxTs)
	assert.Equal(t, Timestamp(103), c.Peek())
}

func TestClockConcurrentUnique(t *testing.T) {
	c := NewClock()
	const workers, each = 8, 500
	seen := make(chan Timestamp, workers*each)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				seen <- c.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)
	unique := make(map[Timestamp]struct{})
	for ts := range seen {
		unique[ts] = struct{}{}
	}
	assert.Len(t, unique, workers*each)
}

func TestKeys(t *testing.T) {
	k := NewKey("user", "a")
	assert.Equal(t, "/user/a/", k.String())
	assert.Equal(t, []string{"user", "a"}, k.Components())
	assert.Equal(t, "/user/a/b/", k.Append("b").String())
	assert.Equal(t, "/x/", Key("x").Normalize().String())
	assert.Equal(t, "/x/", Key("/x/").Normalize().String())

	lo, hi := Key("/test").PrefixRange()
	assert.Equal(t, Key("/test/\x01"), lo)
	assert.Equal(t, Key("/test/\x7e"), hi)

	child := NewKey("test", "12")
	assert.True(t, child.Compare(lo) > 0)
	assert.True(t, child.Compare(hi) < 0)
	assert.True(t, child.HasPrefix(Key("/test/")))
	assert.Equal(t, Key("12/"), child.TrimPrefix(Key("/test/")))

	c := child.Clone()
	c[1] = 'X'
	assert.Equal(t, "/test/12/", child.String())
}

func TestEscapeComponent(t *testing.T) {
	parent := NewKey("user")
	lo, hi := parent.PrefixRange()
	for _, name := range []string{"plain", "~tilde", "ünter", "a/b", "100%", "sp ace", "\x01ctl", "42"} {
		esc := EscapeComponent(name)
		assert.NotContains(t, esc, "/", name)

		k := parent.Append(esc)
		assert.True(t, lo.Compare(k) <= 0 && k.Compare(hi) <= 0, "%q escaped to %q", name, esc)

		back, err := UnescapeComponent(esc)
		require.NoError(t, err)
		assert.Equal(t, name, back)
	}
	assert.Equal(t, "plain", EscapeComponent("plain"))
}

func TestValues(t *testing.T) {
	assert.Equal(t, "1", Number(1).String())
	assert.Equal(t, "0.5", Number(0.5).String())
	assert.True(t, Number(1).Equal(Number(1.000001)))
	assert.False(t, Number(1).Equal(Number(1.001)))
	assert.True(t, String("x").Equal(String("x")))
	assert.False(t, String("x").EqualLoose(Number(1)))
	assert.Panics(t, func() { String("1").Equal(Number(1)) })

	// A user string spelled like the tombstone is still a string.
	assert.False(t, String("<deleted>").EqualLoose(Deleted()))
	assert.True(t, Deleted().IsDeleted())

	v, err := ParseValue(KindNumber, "21.25")
	require.NoError(t, err)
	f, ok := v.AsNumber()
	require.True(t, ok)
	assert.Equal(t, 21.25, f)

	_, err = ParseValue(KindNumber, "abc")
	assert.Error(t, err)
}

func TestValueJSON(t *testing.T) {
	for _, v := range []Value{String("hello"), Number(-3.5), Deleted(), String("")} {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		var got Value
		require.NoError(t, json.Unmarshal(data, &got))
		assert.True(t, v.EqualLoose(got), "%s", data)
	}
	var v Value
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"blob"}`), &v))
}

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{nil, KindNone},
		{errors.Annotatef(ErrStaleWrite, "key %s", "/a/"), KindStaleWrite},
		{errors.Trace(ErrPhantomConflict), KindPhantomConflict},
		{&PendingIntentError{Key: Key("/a/"), Owner: NewTxnID(3)}, KindPendingIntent},
		{errors.Trace(&PendingIntentError{Key: Key("/a/"), Owner: NewTxnID(3)}), KindPendingIntent},
		{&ReplicaError{Replica: 1, Op: "commit", Err: ErrValueNotFound}, KindFollowerUnavailable},
		{errors.New("boom"), KindInternal},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, KindOf(c.err), "%v", c.err)
	}
	assert.Equal(t, KindStaleWrite, ParseKind(KindStaleWrite.String()))
	assert.Equal(t, ErrPhantomConflict, Sentinel(KindPhantomConflict))
	assert.Nil(t, Sentinel(KindPendingIntent))
	assert.True(t, KindPhantomConflict.IsRetryable())
	assert.False(t, KindFollowerUnavailable.IsLogical())
	assert.True(t, IsNotFound(errors.Trace(ErrValueNotFound)))
}

func TestIntentTableTransitions(t *testing.T) {
	tbl := NewIntentTable()
	id := NewTxnID(5)

	_, err := tbl.SetStatus(id, StatusCommitted)
	assert.Equal(t, KindUnknownTxn, KindOf(err))

	require.NoError(t, tbl.BeginWriteTxn(id))
	require.NoError(t, tbl.BeginWriteTxn(id))
	assert.Equal(t, []TxnID{id}, tbl.Pending())

	_, err = tbl.SetStatus(id, StatusPending)
	assert.Equal(t, KindIllegalTransition, KindOf(err))

	prev, err := tbl.SetStatus(id, StatusAborted)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, prev)

	prev, err = tbl.SetStatus(id, StatusCommitted)
	assert.Equal(t, KindIllegalTransition, KindOf(err))
	assert.Equal(t, StatusAborted, prev)

	assert.Equal(t, KindTxnFinished, KindOf(tbl.BeginWriteTxn(id)))
	status, ok := tbl.Lookup(id)
	assert.True(t, ok)
	assert.Equal(t, StatusAborted, status)
	assert.Empty(t, tbl.Pending())
}

func TestArchive(t *testing.T) {
	a := NewArchive()
	assert.Equal(t, 0, a.Len())
	idx := a.Append(Version{Meta: Meta{Begin: 2, End: 5, LastRead: 3}, Value: String("v")})
	assert.NotEqual(t, NoVersion, idx)
	assert.Equal(t, Timestamp(5), a.Get(idx).Meta.End)
	assert.Equal(t, 1, a.Len())

	assert.Panics(t, func() { a.Append(Version{Meta: Meta{Begin: 2, End: MaxTs}}) })
	assert.Panics(t, func() {
		a.Append(Version{Meta: Meta{Begin: 2, End: 3, Intent: &WriteIntent{Txn: NewTxnID(2)}}})
	})
	assert.Panics(t, func() { a.Get(NoVersion) })
}
