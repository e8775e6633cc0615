package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/warren-db/warren/internal/backend"
	"github.com/warren-db/warren/internal/bus"
	"github.com/warren-db/warren/internal/config"
	"github.com/warren-db/warren/internal/lock"
	"github.com/warren-db/warren/internal/replica"
	"github.com/warren-db/warren/internal/store"
	"github.com/warren-db/warren/internal/txn"
)

// NewServeCommand creates the serve command: it runs the store with the
// lock sweeper and, when enabled, the stdio replicator, until
// interrupted.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the record store",
		Long:  "Opens the backend, runs the lock sweeper, and replicates writes over stdio when replication is enabled.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()

	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	registry, err := cfg.Registry()
	if err != nil {
		return err
	}

	evbus := bus.New(logger)
	st := store.New(b, registry, evbus, logger, store.WithTxnOptions(txn.Options{
		Timeout:    cfg.Transaction.Timeout,
		MaxRetries: cfg.Transaction.MaxRetries,
	}))
	defer st.Close()

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renew := cfg.Lock.RenewInterval
	if renew <= 0 {
		renew = lock.DefaultRenewInterval
	}
	var sweepOpts []lock.SweeperOption
	if cfg.Lock.SweepInterval > 0 {
		sweepOpts = append(sweepOpts, lock.WithSweepInterval(cfg.Lock.SweepInterval))
	}
	sweeper := lock.NewSweeper(st, renew, logger, sweepOpts...)
	go sweeper.Run(runCtx)

	var rep *replica.Replicator
	if cfg.Replication.Enabled {
		transport := replica.NewPipeTransport(os.Stdin, os.Stdout, nil)
		var repOpts []replica.Option
		if cfg.Replication.CacheTTL > 0 {
			repOpts = append(repOpts, replica.WithCacheTTL(cfg.Replication.CacheTTL))
		}
		rep = replica.New(st, transport, cfg.Process, logger, repOpts...)
		rep.Start(runCtx)
	}

	logger.Info("warren serving",
		"process", cfg.Process,
		"backend", b.Name(),
		"replication", cfg.Replication.Enabled,
	)

	<-runCtx.Done()
	logger.Info("shutting down")

	if rep != nil {
		rep.Stop()
	}
	return nil
}

func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.Config == "" {
		return config.Default(), nil
	}
	return config.Load(opts.Config)
}

func openBackend(ctx context.Context, cfg config.Config) (backend.Backend, error) {
	switch cfg.Backend.Driver {
	case "sqlite":
		return backend.OpenSQLite(cfg.Backend.DSN)
	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return backend.OpenPostgres(openCtx, cfg.Backend.DSN)
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
	}
}
