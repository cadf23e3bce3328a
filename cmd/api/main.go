package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"escrowflow/auth"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/events"
	"escrowflow/ledger"
	"escrowflow/logging"
	"escrowflow/metrics"
	"escrowflow/migrations"
)

func main() {
	configPath := flag.String("config", os.Getenv("ESCROW_CONFIG"), "path to the TOML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("escrowflow: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New("escrowflow", cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	m := metrics.New()
	bus := events.NewBus()
	bus.OnDrop = func(env events.Envelope) {
		m.RecordDropped(env.Type)
		logger.Warn("event dropped for slow subscriber", "event", env.Type, "eventId", env.ID)
	}

	engine, err := escrow.NewEngine(stores.store, cfg.AdminAddress(),
		escrow.WithEmitter(bus),
		escrow.WithLogger(logger.With("component", "engine")),
		escrow.WithMetrics(m),
		escrow.WithPolicy(dispute.Policy{Quorum: cfg.Dispute.Quorum}),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if custody, err := engine.Custody(ctx); err == nil {
		m.SetCustody(custody)
	}

	authService := auth.NewService(stores.logins, cfg.Auth.JWTSecret, auth.Options{
		TokenTTL: cfg.Auth.TokenTTL,
		Skew:     cfg.Auth.Skew,
	})

	server := NewServer(engine, authService, bus, m, logger.With("component", "api"), ServerOptions{
		RatePerSecond: cfg.RateLimit.PerSecond,
		RateBurst:     cfg.RateLimit.Burst,
		EventBuffer:   cfg.EventBuffer,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpServer.RegisterOnShutdown(server.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.ListenAddr, "backend", cfg.Store.Backend, "admin", cfg.AdminAddress().Hex())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return pruneLogins(gctx, authService, cfg.Auth.Skew, logger)
	})
	return g.Wait()
}

// pruneLogins periodically forgets login messages that are past the skew window.
func pruneLogins(ctx context.Context, svc *auth.Service, every time.Duration, logger *slog.Logger) error {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := svc.Prune(ctx)
			if err != nil {
				logger.Warn("prune login messages", "err", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned login messages", "count", n)
			}
		}
	}
}

type backend struct {
	store   ledger.Store
	logins  auth.Repository
	closeFn func()
}

func (b *backend) Close() {
	if b.closeFn != nil {
		b.closeFn()
	}
}

// openBackend builds the ledger store and login repository for the configured
// backend.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		if cfg.Store.Migrate {
			if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info("migrations applied")
		}
		return &backend{
			store:   ledger.NewPGStore(pool),
			logins:  auth.NewRepository(pool),
			closeFn: pool.Close,
		}, nil
	case config.BackendLevelDB:
		store, err := ledger.OpenLevelStore(cfg.Store.LevelDBPath)
		if err != nil {
			return nil, fmt.Errorf("open leveldb store: %w", err)
		}
		return &backend{
			store:  store,
			logins: auth.NewMemoryRepository(),
			closeFn: func() {
				if err := store.Close(); err != nil {
					logger.Warn("close leveldb store", "err", err)
				}
			},
		}, nil
	default:
		logger.Warn("memory store selected; state is lost on exit")
		store := ledger.NewMemoryStore()
		return &backend{
			store:   store,
			logins:  auth.NewMemoryRepository(),
			closeFn: func() { _ = store.Close() },
		}, nil
	}
}
