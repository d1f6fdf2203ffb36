package server

import (
	"encoding/json"
	"net/http"

	"github.com/pingcap/errors"

	"github.com/myuser/pathdb/internal/storage"
)

// errorBody is the JSON form of every error the edge returns.
type errorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Key     storage.Key    `json:"key,omitempty"`
	Owner   *storage.TxnID `json:"owner,omitempty"`
}

type writeRequest struct {
	Key   storage.Key   `json:"key"`
	Value storage.Value `json:"value"`
}

type statusBody struct {
	Status string `json:"status"`
}

// statusOf maps an error kind to the HTTP status the edge answers with.
func statusOf(kind storage.Kind) int {
	switch kind {
	case storage.KindValueNotFound, storage.KindUnknownTxn:
		return http.StatusNotFound
	case storage.KindPendingIntent, storage.KindSerializationConflict, storage.KindStaleWrite,
		storage.KindHistoricalWrite, storage.KindPhantomConflict, storage.KindReplayDivergence,
		storage.KindIllegalTransition:
		return http.StatusConflict
	case storage.KindTxnFinished:
		return http.StatusGone
	case storage.KindFollowerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func encodeError(err error) (int, errorBody) {
	kind := storage.KindOf(err)
	body := errorBody{Kind: kind.String(), Message: err.Error()}
	if p, ok := errors.Cause(err).(*storage.PendingIntentError); ok {
		body.Key = p.Key
		owner := p.Owner
		body.Owner = &owner
	}
	return statusOf(kind), body
}

// decodeError turns an error body back into an error of the same kind.
func decodeError(status int, body errorBody) error {
	kind := storage.ParseKind(body.Kind)
	if kind == storage.KindPendingIntent && body.Owner != nil {
		return &storage.PendingIntentError{Key: body.Key, Owner: *body.Owner}
	}
	if sentinel := storage.Sentinel(kind); sentinel != nil {
		return errors.Annotate(sentinel, body.Message)
	}
	return errors.Errorf("status %d: %s", status, body.Message)
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Kind: "bad_request", Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
