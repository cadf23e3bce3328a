package ledger

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// TestPGStore_Integration connects to a real PostgreSQL via DATABASE_URL, applies
// the ledger schema and runs the shared store contract against it.
func TestPGStore_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	schema, err := os.ReadFile(filepath.Join("..", "migrations", "001_ledger.sql"))
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	reset := func(t *testing.T) {
		t.Helper()
		if _, err := pool.Exec(ctx, `TRUNCATE escrow_votes, escrows, ledger_users, ledger_balances`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		if _, err := pool.Exec(ctx, `UPDATE ledger_custody SET amount = 0`); err != nil {
			t.Fatalf("reset custody: %v", err)
		}
	}

	runStoreContract(t, func(t *testing.T) Store {
		reset(t)
		return NewPGStore(pool)
	})
}

func TestPGStore_DeleteGuard(t *testing.T) {
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

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_escrows')`).Scan(&exists); err != nil {
		t.Fatalf("query trigger: %v", err)
	}
	if !exists {
		t.Skip("ledger schema missing; run TestPGStore_Integration first")
	}

	store := NewPGStore(pool)
	id := putEscrow(t, store, newRecord(alice, bob, 5))
	if _, err := pool.Exec(ctx, `DELETE FROM escrows WHERE id = $1`, int64(id)); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
	if _, err := store.GetEscrow(ctx, id); err != nil {
		t.Fatalf("escrow vanished after rejected delete: %v", err)
	}
}

// TestPGStore_ReadsSeeVotesWithTheirRow resolves disputes while readers poll the
// same escrows. A resolving vote clears IsDisputed in the same commit, so a
// read must never show the dispute open alongside its vote.
func TestPGStore_ReadsSeeVotesWithTheirRow(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_escrows')`).Scan(&exists); err != nil {
		t.Fatalf("query trigger: %v", err)
	}
	if !exists {
		t.Skip("ledger schema missing; run TestPGStore_Integration first")
	}

	store := NewPGStore(pool)
	const rounds = 40
	ids := make([]uint64, 0, rounds)
	for i := 0; i < rounds; i++ {
		id := putEscrow(t, store, newRecord(alice, bob, 5))
		err := store.Update(ctx, func(tx Tx) error {
			rec, err := tx.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			rec.Submission = "done"
			rec.ClientDecisionGiven = true
			rec.IsDisputed = true
			return tx.UpdateEscrow(ctx, rec)
		})
		if err != nil {
			t.Fatalf("open dispute %d: %v", id, err)
		}
		ids = append(ids, id)
	}

	done := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		for i, id := range ids {
			voter := common.BigToAddress(big.NewInt(int64(0xf000 + i)))
			err := store.Update(gctx, func(tx Tx) error {
				rec, err := tx.GetEscrow(gctx, id)
				if err != nil {
					return err
				}
				rec.VotesYes = append(rec.VotesYes, voter)
				rec.IsDisputed = false
				return tx.UpdateEscrow(gctx, rec)
			})
			if err != nil {
				return fmt.Errorf("vote on %d: %w", id, err)
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for {
				select {
				case <-done:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				for _, id := range ids {
					rec, err := store.GetEscrow(gctx, id)
					if err != nil {
						return fmt.Errorf("read %d: %w", id, err)
					}
					if rec.IsDisputed == (len(rec.VotesYes) > 0) {
						return fmt.Errorf("escrow %d read disputed=%t with %d votes", id, rec.IsDisputed, len(rec.VotesYes))
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
