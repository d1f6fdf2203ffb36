package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(txnTotal.WithLabelValues(OutcomeCommit))
	TxnFinished(OutcomeCommit)
	TxnFinished(OutcomeCommit)
	assert.Equal(t, before+2, testutil.ToFloat64(txnTotal.WithLabelValues(OutcomeCommit)))

	rescues := testutil.ToFloat64(abortRescuesTotal)
	AbortRescued()
	assert.Equal(t, rescues+1, testutil.ToFloat64(abortRescuesTotal))

	conflicts := testutil.ToFloat64(conflictsTotal.WithLabelValues("stale_write"))
	Conflict("stale_write")
	assert.Equal(t, conflicts+1, testutil.ToFloat64(conflictsTotal.WithLabelValues("stale_write")))
}

func TestHandlerExposesCounters(t *testing.T) {
	WALBatch()
	ReplicaError("commit")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "pathdb_wal_batches_total")
	assert.Contains(t, body, `pathdb_replica_errors_total{op="commit"}`)
}
