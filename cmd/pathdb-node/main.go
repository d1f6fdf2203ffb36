package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/myuser/pathdb/internal/config"
	"github.com/myuser/pathdb/internal/db"
	"github.com/myuser/pathdb/internal/logging"
	"github.com/myuser/pathdb/internal/replication"
	"github.com/myuser/pathdb/internal/server"
	"github.com/myuser/pathdb/internal/storage"
	"github.com/myuser/pathdb/internal/storage/wal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pathdb-node",
		Short:         "In-memory MVCC path store node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newReplayCmd(), newSelfCheckCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transactional HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath, cmd.Flags())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	def := config.Default()
	f := cmd.Flags()
	f.StringVar(&cfgPath, "config", "", "config file (yaml, toml or json)")
	f.String("addr", def.Addr, "listen address")
	f.StringSlice("followers", nil, "follower base URLs, e.g. http://127.0.0.1:9002")
	f.Duration("follower-timeout", def.FollowerTimeout, "per-request follower timeout")
	f.Int("index-degree", def.IndexDegree, "btree degree of the key index")
	f.String("wal", "", "write-ahead log file; empty keeps the log in memory")
	f.String("log-level", def.Log.Level, "debug, info, warn or error")
	f.String("log-format", def.Log.Format, "json or console")
	f.String("log-file", "", "also log to this rotated file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	opts := []db.Option{db.WithLogger(logger), db.WithDegree(cfg.IndexDegree)}

	var log *wal.WAL
	if cfg.WALPath != "" {
		var err error
		if log, err = wal.Open(cfg.WALPath); err != nil {
			return err
		}
		defer log.Close()
		opts = append(opts, db.WithWAL(log))
	}

	if len(cfg.Followers) > 0 {
		followers := make([]storage.Engine, len(cfg.Followers))
		for i, u := range cfg.Followers {
			followers[i] = server.NewClient(u, cfg.FollowerTimeout)
		}
		opts = append(opts, db.WithReplica(replication.NewCoordinator(logger, followers...)))
		logger.Info("replicating", zap.Strings("followers", cfg.Followers))
	}

	store := db.New(opts...)
	if log != nil && log.Len() > 0 {
		if err := store.Replay(ctx, log); err != nil {
			return err
		}
	}

	return errors.Trace(server.New(store, logger).ListenAndServe(ctx, cfg.Addr))
}

func newReplayCmd() *cobra.Command {
	var (
		path   string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a log file into a fresh store and print the rows under a prefix",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log, err := wal.Open(path)
			if err != nil {
				return err
			}
			defer log.Close()

			store := db.New()
			if err := store.Replay(ctx, log); err != nil {
				return err
			}
			id, err := store.Begin(ctx)
			if err != nil {
				return err
			}
			defer store.Abort(ctx, id)
			rows, err := store.RangeRead(ctx, id, storage.Key(prefix))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
	cmd.Flags().StringVar(&path, "wal", "", "log file to replay")
	cmd.Flags().StringVar(&prefix, "prefix", "/", "key prefix to print")
	_ = cmd.MarkFlagRequired("wal")
	return cmd
}

func newSelfCheckCmd() *cobra.Command {
	var (
		leader, follower, prefix string
		ts                       uint64
		timeout                  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "selfcheck",
		Short: "Compare the rows under a prefix on a leader and one follower",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ts == 0 {
				ts = uint64(time.Now().UnixNano())
			}
			id := storage.NewTxnID(storage.Timestamp(ts))
			err := replication.SelfCheck(cmd.Context(),
				server.NewClient(leader, timeout), server.NewClient(follower, timeout),
				id, storage.Key(prefix))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "follower %s matches leader under %s at %s\n", follower, prefix, id)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&leader, "leader", "", "leader base URL")
	f.StringVar(&follower, "follower", "", "follower base URL")
	f.StringVar(&prefix, "prefix", "/", "key prefix to compare")
	f.Uint64Var(&ts, "ts", 0, "timestamp of the check transaction; 0 uses the wall clock")
	f.DurationVar(&timeout, "timeout", 5*time.Second, "per-request timeout")
	_ = cmd.MarkFlagRequired("leader")
	_ = cmd.MarkFlagRequired("follower")
	return cmd
}
