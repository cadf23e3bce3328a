package auth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/db"
	"escrowflow/migrations"
)

// TestPGRepository_Integration requires DATABASE_URL pointing at a disposable
// PostgreSQL database.
func TestPGRepository_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool, migrations.FS); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE login_messages`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	repo := NewRepository(pool)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	old := time.Unix(1_700_000_000, 0)
	recent := old.Add(time.Hour)

	if err := repo.ConsumeLogin(ctx, addr, old); err != nil {
		t.Fatalf("consume old: %v", err)
	}
	if err := repo.ConsumeLogin(ctx, addr, recent); err != nil {
		t.Fatalf("consume recent: %v", err)
	}
	if err := repo.ConsumeLogin(ctx, addr, recent); !errors.Is(err, ErrReplayedLogin) {
		t.Fatalf("replay: expected ErrReplayedLogin, got %v", err)
	}

	n, err := repo.PruneLogins(ctx, recent)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("prune: expected 1 row removed, got %d", n)
	}
	if err := repo.ConsumeLogin(ctx, addr, old); err != nil {
		t.Fatalf("consume pruned message again: %v", err)
	}
}
