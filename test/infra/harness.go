package infra

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ApplicationName tags every pooled connection so chaos only targets the
// stress run's own backends.
const ApplicationName = "escrowflow-stress"

// StressDSNEnv names the variable that points the stress run at an existing
// database instead of a container.
const StressDSNEnv = "ESCROW_STRESS_PG_DSN"

// Harness owns the database used by one stress run: a container or shared
// server, a migrated pool, and the teardown for an isolated schema.
type Harness struct {
	container *Postgres
	pool      *pgxpool.Pool
	dsn       string
	teardown  func(context.Context) error
}

// NewHarness resolves a database in order of preference: dsn, the
// ESCROW_STRESS_PG_DSN variable, a Docker container, a local server. Shared
// databases get an isolated schema.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	var (
		container *Postgres
		shared    = true
		err       error
	)
	switch {
	case dsn != "":
	case os.Getenv(StressDSNEnv) != "":
		dsn = os.Getenv(StressDSNEnv)
	case dockerAvailable(ctx):
		container, dsn, err = StartPostgres(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres: %w", err)
		}
		shared = false
	default:
		if dsn, err = InitLocalDatabase(ctx); err != nil {
			return nil, fmt.Errorf("init local database: %w", err)
		}
		shared = false
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, shared)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &Harness{container: container, pool: pool, dsn: dsn, teardown: teardown}, nil
}

// Pool exposes the migrated pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var err error
	if h.teardown != nil {
		err = h.teardown(ctx)
	}
	if termErr := h.container.Terminate(ctx); err == nil {
		err = termErr
	}
	return err
}

// Reset empties the ledger between epochs. The custody row is zeroed rather
// than removed.
func (h *Harness) Reset(ctx context.Context) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "TRUNCATE TABLE escrow_votes, escrows, ledger_users, ledger_balances, login_messages"); err != nil {
		return fmt.Errorf("truncate ledger: %w", err)
	}
	if _, err := tx.Exec(ctx, "UPDATE ledger_custody SET amount = 0 WHERE singleton"); err != nil {
		return fmt.Errorf("zero custody: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}
	return nil
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
