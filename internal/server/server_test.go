package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/myuser/pathdb/internal/db"
	"github.com/myuser/pathdb/internal/replication"
	"github.com/myuser/pathdb/internal/storage"
)

func newNode(t *testing.T) (*db.Store, *httptest.Server, *Client) {
	store := db.New(db.WithLogger(zaptest.NewLogger(t)))
	ts := httptest.NewServer(New(store, zaptest.NewLogger(t)).Handler())
	t.Cleanup(ts.Close)
	return store, ts, NewClient(ts.URL, 2*time.Second)
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, _, c := newNode(t)
	require.NoError(t, c.Health(ctx))

	w := storage.NewTxnID(10)
	require.NoError(t, c.NewTransaction(ctx, w))
	require.NoError(t, c.Write(ctx, w, storage.Key("/a/1/"), storage.String("x")))
	require.NoError(t, c.Write(ctx, w, storage.Key("/a/2/"), storage.Number(2.5)))
	require.NoError(t, c.Commit(ctx, w))
	require.NoError(t, c.Commit(ctx, w))

	r := storage.NewTxnID(11)
	v, err := c.Read(ctx, r, storage.Key("/a/1/"))
	require.NoError(t, err)
	assert.Equal(t, "x", v.Value.String())
	assert.Equal(t, storage.Timestamp(10), v.Meta.Begin)
	assert.Equal(t, storage.MaxTs, v.Meta.End)

	rows, err := c.RangeRead(ctx, r, storage.Key("/a/"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "/a/2/", rows[1].Key.String())
	f, ok := rows[1].Version.Value.AsNumber()
	require.True(t, ok)
	assert.Equal(t, 2.5, f)

	empty, err := c.RangeRead(ctx, r, storage.Key("/none/"))
	require.NoError(t, err)
	assert.Empty(t, empty)
	require.NoError(t, c.Abort(ctx, r))
}

func TestClientErrorKinds(t *testing.T) {
	ctx := context.Background()
	_, _, c := newNode(t)

	_, err := c.Read(ctx, storage.NewTxnID(5), storage.Key("/missing/"))
	assert.True(t, storage.IsNotFound(err))

	holder := storage.NewTxnID(6)
	require.NoError(t, c.Write(ctx, holder, storage.Key("/k/"), storage.String("v")))
	_, err = c.Read(ctx, storage.NewTxnID(7), storage.Key("/k/"))
	var pending *storage.PendingIntentError
	require.ErrorAs(t, err, &pending)
	assert.Equal(t, holder, pending.Owner)
	assert.Equal(t, "/k/", pending.Key.String())

	// /k/ was written at 6, so an insert next to it at 3 is refused.
	err = c.Write(ctx, storage.NewTxnID(3), storage.Key("/missing/"), storage.String("late"))
	assert.Equal(t, storage.KindPhantomConflict, storage.KindOf(err))

	require.NoError(t, c.Abort(ctx, holder))
	_, err = c.Read(ctx, holder, storage.Key("/k/"))
	assert.Equal(t, storage.KindTxnFinished, storage.KindOf(err))
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	err := c.NewTransaction(context.Background(), storage.NewTxnID(2))
	assert.Equal(t, storage.KindFollowerUnavailable, storage.KindOf(err))
}

func TestBadRequests(t *testing.T) {
	_, ts, _ := newNode(t)
	resp, err := http.Post(ts.URL+"/txn/abc/1/begin", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/txn/1/1/write", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDocumentEndpoints(t *testing.T) {
	_, ts, _ := newNode(t)
	doc := `{"a":{"b":1},"c":[true,"x"]}`

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/doc?path=/user/", strings.NewReader(doc))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/doc?path=/user/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var want, got any
	require.NoError(t, json.Unmarshal([]byte(doc), &want))
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, want, got)

	missing, err := http.Get(ts.URL + "/doc?path=/nobody/")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRemoteFollowers(t *testing.T) {
	ctx := context.Background()
	_, _, f0 := newNode(t)
	_, down, f1 := newNode(t)
	logger := zaptest.NewLogger(t)
	leader := db.New(db.WithLogger(logger), db.WithReplica(replication.NewCoordinator(logger, f0, f1)))

	id, err := leader.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, leader.Write(ctx, id, storage.Key("/x/"), storage.String("1")))
	require.NoError(t, leader.Commit(ctx, id))
	require.NoError(t, replication.SelfCheck(ctx, leader, f0, storage.NewTxnID(id.Timestamp+1), storage.Key("/")))

	next, err := leader.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, leader.Write(ctx, next, storage.Key("/x/"), storage.String("2")))
	down.Close()
	err = leader.Commit(ctx, next)
	assert.Equal(t, storage.KindFollowerUnavailable, storage.KindOf(err))
	var re *storage.ReplicaError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 1, re.Replica)
}
