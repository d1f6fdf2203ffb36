package replication

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/myuser/pathdb/internal/metrics"
	"github.com/myuser/pathdb/internal/storage"
)

// Coordinator repeats every transactional call on a fixed set of followers.
// Mutations go to all of them in parallel; reads go to follower 0 only. It
// holds no routing state and never retries.
type Coordinator struct {
	followers []storage.Engine
	logger    *zap.Logger
}

var _ storage.Engine = (*Coordinator)(nil)

func NewCoordinator(logger *zap.Logger, followers ...storage.Engine) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{followers: followers, logger: logger}
}

// Followers returns the number of followers.
func (c *Coordinator) Followers() int { return len(c.followers) }

func (c *Coordinator) NewTransaction(ctx context.Context, id storage.TxnID) error {
	return c.fanOut(ctx, "begin", func(ctx context.Context, e storage.Engine) error {
		return e.NewTransaction(ctx, id)
	})
}

func (c *Coordinator) Read(ctx context.Context, id storage.TxnID, key storage.Key) (storage.Version, error) {
	if len(c.followers) == 0 {
		return storage.Version{}, nil
	}
	v, err := c.followers[0].Read(ctx, id, key)
	if err != nil {
		return storage.Version{}, c.wrap(0, "read", err)
	}
	return v, nil
}

func (c *Coordinator) RangeRead(ctx context.Context, id storage.TxnID, prefix storage.Key) ([]storage.Entry, error) {
	if len(c.followers) == 0 {
		return nil, nil
	}
	rows, err := c.followers[0].RangeRead(ctx, id, prefix)
	if err != nil {
		return nil, c.wrap(0, "range", err)
	}
	return rows, nil
}

func (c *Coordinator) Write(ctx context.Context, id storage.TxnID, key storage.Key, value storage.Value) error {
	return c.fanOut(ctx, "write", func(ctx context.Context, e storage.Engine) error {
		return e.Write(ctx, id, key, value)
	})
}

func (c *Coordinator) Commit(ctx context.Context, id storage.TxnID) error {
	return c.fanOut(ctx, "commit", func(ctx context.Context, e storage.Engine) error {
		return e.Commit(ctx, id)
	})
}

func (c *Coordinator) Abort(ctx context.Context, id storage.TxnID) error {
	return c.fanOut(ctx, "abort", func(ctx context.Context, e storage.Engine) error {
		return e.Abort(ctx, id)
	})
}

// fanOut calls fn on every follower concurrently and waits for all of them.
// Every follower is called even if another fails; the error returned is the
// one of the lowest-numbered failing follower.
func (c *Coordinator) fanOut(ctx context.Context, op string, fn func(ctx context.Context, e storage.Engine) error) error {
	errs := make([]error, len(c.followers))
	var g errgroup.Group
	for i, f := range c.followers {
		i, f := i, f
		g.Go(func() error {
			errs[i] = fn(ctx, f)
			return nil
		})
	}
	_ = g.Wait()
	for i, err := range errs {
		if err != nil {
			return c.wrap(i, op, err)
		}
	}
	return nil
}

func (c *Coordinator) wrap(replica int, op string, err error) error {
	metrics.ReplicaError(op)
	c.logger.Warn("follower call failed", zap.Int("replica", replica), zap.String("op", op), zap.Error(err))
	return &storage.ReplicaError{Replica: replica, Op: op, Err: err}
}
