package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/myuser/pathdb/internal/server"
	"github.com/myuser/pathdb/internal/storage"
)

// Each worker repeatedly reads every key under the prefix, takes the largest
// integer n it finds and inserts n+1. Serializable execution leaves exactly
// the keys 1..n.
func main() {
	var (
		addr     string
		prefix   string
		workers  int
		inserts  int
		timeout  time.Duration
		maxRetry int
	)
	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Concurrent monotonic insertion against one node",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := &bench{
				c:        server.NewClient(addr, timeout),
				prefix:   storage.Key(prefix),
				maxRetry: maxRetry,
				clock:    atomic.NewUint64(uint64(time.Now().UnixNano())),
			}
			return b.run(cmd.Context(), workers, inserts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "http://127.0.0.1:9001", "node base URL")
	f.StringVar(&prefix, "prefix", "/bench/", "key prefix to insert under")
	f.IntVar(&workers, "workers", 4, "concurrent workers")
	f.IntVar(&inserts, "inserts", 25, "successful inserts per worker")
	f.IntVar(&maxRetry, "max-retry", 1000, "attempts per insert before giving up")
	f.DurationVar(&timeout, "timeout", 5*time.Second, "per-request timeout")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type bench struct {
	c        *server.Client
	prefix   storage.Key
	maxRetry int
	clock    *atomic.Uint64

	committed atomic.Int64
	conflicts atomic.Int64
}

func (b *bench) next() storage.TxnID {
	return storage.NewTxnID(storage.Timestamp(b.clock.Inc()))
}

func (b *bench) run(ctx context.Context, workers, inserts int) error {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < inserts; i++ {
				if err := b.insertNext(gctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	count, top, err := b.scan(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("committed=%d conflicts=%d elapsed=%v rate=%.1f txn/s\n",
		b.committed.Load(), b.conflicts.Load(), elapsed, float64(b.committed.Load())/elapsed.Seconds())
	if count != top {
		return errors.Errorf("not serializable: %d keys but largest is %d", count, top)
	}
	fmt.Printf("ok: %d keys, largest %d\n", count, top)
	return nil
}

func (b *bench) insertNext(ctx context.Context) error {
	for attempt := 0; attempt < b.maxRetry; attempt++ {
		err := b.attempt(ctx)
		if err == nil {
			b.committed.Inc()
			return nil
		}
		if !storage.KindOf(err).IsRetryable() {
			return err
		}
		b.conflicts.Inc()
	}
	return errors.Errorf("gave up after %d attempts", b.maxRetry)
}

func (b *bench) attempt(ctx context.Context) (err error) {
	id := b.next()
	defer func() {
		if err != nil {
			_ = b.c.Abort(ctx, id)
		}
	}()
	if err = b.c.NewTransaction(ctx, id); err != nil {
		return err
	}
	rows, err := b.c.RangeRead(ctx, id, b.prefix)
	if err != nil {
		return err
	}
	_, top := largest(b.prefix, rows)
	key := storage.Key(fmt.Sprintf("%s%d/", b.prefix, top+1))
	if err = b.c.Write(ctx, id, key, storage.Number(float64(top+1))); err != nil {
		return err
	}
	return b.c.Commit(ctx, id)
}

func (b *bench) scan(ctx context.Context) (count, top int, err error) {
	id := b.next()
	defer b.c.Abort(ctx, id)
	rows, err := b.c.RangeRead(ctx, id, b.prefix)
	if err != nil {
		return 0, 0, err
	}
	count, top = largest(b.prefix, rows)
	return count, top, nil
}

// largest returns how many integer-named children prefix has and the largest.
func largest(prefix storage.Key, rows []storage.Entry) (count, top int) {
	for _, r := range rows {
		name := strings.TrimSuffix(strings.TrimPrefix(r.Key.String(), prefix.String()), "/")
		n, err := strconv.Atoi(name)
		if err != nil {
			continue
		}
		count++
		if n > top {
			top = n
		}
	}
	return count, top
}
