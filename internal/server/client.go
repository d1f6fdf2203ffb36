package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pingcap/errors"

	"github.com/myuser/pathdb/internal/storage"
)

// Client reaches a remote node over HTTP. It satisfies storage.Engine, so a
// remote node can serve as a follower of a replicated store.
type Client struct {
	base   string
	client *http.Client
}

var _ storage.Engine = (*Client)(nil)

func NewClient(base string, timeout time.Duration) *Client {
	return &Client{
		base:   strings.TrimSuffix(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *Client) txnPath(id storage.TxnID, op string) string {
	return fmt.Sprintf("/txn/%d/%d/%s", id.ID, uint64(id.Timestamp), op)
}

// do sends one request. Transport failures come back as ErrFollowerUnavailable;
// error responses are decoded into the kind the remote node reported.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Trace(err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return errors.Trace(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Annotatef(storage.ErrFollowerUnavailable, "%s %s: %v", method, c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
			return errors.Annotatef(storage.ErrFollowerUnavailable, "%s: status %d", c.base, resp.StatusCode)
		}
		return decodeError(resp.StatusCode, eb)
	}
	if out == nil {
		return nil
	}
	return errors.Annotate(json.NewDecoder(resp.Body).Decode(out), "decode response")
}

func (c *Client) NewTransaction(ctx context.Context, id storage.TxnID) error {
	return c.do(ctx, http.MethodPost, c.txnPath(id, "begin"), nil, nil, nil)
}

func (c *Client) Read(ctx context.Context, id storage.TxnID, key storage.Key) (storage.Version, error) {
	var v storage.Version
	err := c.do(ctx, http.MethodGet, c.txnPath(id, "read"), url.Values{"key": {key.String()}}, nil, &v)
	return v, err
}

func (c *Client) RangeRead(ctx context.Context, id storage.TxnID, prefix storage.Key) ([]storage.Entry, error) {
	var rows []storage.Entry
	err := c.do(ctx, http.MethodGet, c.txnPath(id, "range"), url.Values{"prefix": {prefix.String()}}, nil, &rows)
	return rows, err
}

func (c *Client) Write(ctx context.Context, id storage.TxnID, key storage.Key, value storage.Value) error {
	return c.do(ctx, http.MethodPost, c.txnPath(id, "write"), nil, writeRequest{Key: key, Value: value}, nil)
}

func (c *Client) Commit(ctx context.Context, id storage.TxnID) error {
	return c.do(ctx, http.MethodPost, c.txnPath(id, "commit"), nil, nil, nil)
}

func (c *Client) Abort(ctx context.Context, id storage.TxnID) error {
	return c.do(ctx, http.MethodPost, c.txnPath(id, "abort"), nil, nil, nil)
}

// Health checks that the node answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}
