package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pingcap/errors"
	"go.uber.org/zap"

	"github.com/myuser/pathdb/internal/document"
	"github.com/myuser/pathdb/internal/metrics"
	"github.com/myuser/pathdb/internal/storage"
)

// Node is what the edge serves: the transactional contract, plus fresh
// timestamps for the auto-committed document calls.
type Node interface {
	storage.Engine
	Begin(ctx context.Context) (storage.TxnID, error)
}

// Server exposes a Node over HTTP with JSON bodies.
type Server struct {
	node   Node
	logger *zap.Logger
	router chi.Router
}

func New(node Node, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{node: node, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/txn/{id}/{ts}", func(r chi.Router) {
		r.Post("/begin", s.handleBegin)
		r.Get("/read", s.handleRead)
		r.Get("/range", s.handleRange)
		r.Post("/write", s.handleWrite)
		r.Post("/commit", s.handleCommit)
		r.Post("/abort", s.handleAbort)
	})
	r.Get("/doc", s.handleGetDoc)
	r.Put("/doc", s.handlePutDoc)

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return errors.Trace(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("shutting down", zap.String("addr", addr))
		return errors.Trace(srv.Shutdown(shutdownCtx))
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func txnIDFrom(r *http.Request) (storage.TxnID, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return storage.TxnID{}, errors.Annotate(err, "transaction id")
	}
	ts, err := strconv.ParseUint(chi.URLParam(r, "ts"), 10, 64)
	if err != nil {
		return storage.TxnID{}, errors.Annotate(err, "transaction timestamp")
	}
	if ts == 0 {
		return storage.TxnID{}, errors.New("transaction timestamp must be positive")
	}
	return storage.TxnID{ID: id, Timestamp: storage.Timestamp(ts)}, nil
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, body := encodeError(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func (s *Server) ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	id, err := txnIDFrom(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.node.NewTransaction(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	id, err := txnIDFrom(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	v, err := s.node.Read(r.Context(), id, storage.Key(r.URL.Query().Get("key")))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	id, err := txnIDFrom(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	rows, err := s.node.RangeRead(r.Context(), id, storage.Key(r.URL.Query().Get("prefix")))
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []storage.Entry{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	id, err := txnIDFrom(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, errors.Annotate(err, "decode write"))
		return
	}
	if len(req.Key) == 0 {
		badRequest(w, errors.New("empty key"))
		return
	}
	if err := s.node.Write(r.Context(), id, req.Key, req.Value); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	id, err := txnIDFrom(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.node.Commit(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id, err := txnIDFrom(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	if err := s.node.Abort(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	s.ok(w)
}

// handleGetDoc reads the JSON document at ?path= in a transaction of its own.
func (s *Server) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	root := storage.Key(r.URL.Query().Get("path")).Normalize()
	id, err := s.node.Begin(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	data, err := document.Marshal(ctx, s.node, id, root)
	if err != nil {
		_ = s.node.Abort(ctx, id)
		s.fail(w, err)
		return
	}
	if err := s.node.Commit(ctx, id); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handlePutDoc replaces the JSON document at ?path= and commits.
func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	root := storage.Key(r.URL.Query().Get("path")).Normalize()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		badRequest(w, err)
		return
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		badRequest(w, errors.Annotate(err, "decode document"))
		return
	}
	id, err := s.node.Begin(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := document.Write(ctx, s.node, id, root, doc); err != nil {
		_ = s.node.Abort(ctx, id)
		if errors.Cause(err) == document.ErrInvalidKey {
			badRequest(w, err)
			return
		}
		s.fail(w, err)
		return
	}
	if err := s.node.Commit(ctx, id); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string        `json:"status"`
		Txn    storage.TxnID `json:"txn"`
	}{"ok", id})
}
