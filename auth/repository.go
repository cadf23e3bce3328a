package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrReplayedLogin signals a login message that was already exchanged for a token.
var ErrReplayedLogin = errors.New("auth: login message already used")

// Repository remembers which signed login messages were consumed so a captured
// signature cannot be exchanged twice.
type Repository interface {
	ConsumeLogin(ctx context.Context, addr common.Address, issuedAt time.Time) error
	PruneLogins(ctx context.Context, before time.Time) (int64, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed login repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// ConsumeLogin records the (address, issued-at) pair, failing on reuse.
func (r *PGRepository) ConsumeLogin(ctx context.Context, addr common.Address, issuedAt time.Time) error {
	const insertSQL = `
		INSERT INTO login_messages (address, issued_at)
		VALUES ($1, $2)
	`

	_, err := r.pool.Exec(ctx, insertSQL, strings.ToLower(addr.Hex()), issuedAt.Unix())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrReplayedLogin
		}
		return fmt.Errorf("auth: consume login: %w", err)
	}
	return nil
}

// PruneLogins drops records older than before; they are outside the accepted
// skew window and can never be replayed anyway.
func (r *PGRepository) PruneLogins(ctx context.Context, before time.Time) (int64, error) {
	const deleteSQL = `DELETE FROM login_messages WHERE issued_at < $1`

	tag, err := r.pool.Exec(ctx, deleteSQL, before.Unix())
	if err != nil {
		return 0, fmt.Errorf("auth: prune logins: %w", err)
	}
	return tag.RowsAffected(), nil
}

type loginKey struct {
	addr     common.Address
	issuedAt int64
}

// MemoryRepository is an in-process Repository for single-node deployments
// running on the memory or LevelDB ledger.
type MemoryRepository struct {
	mu   sync.Mutex
	used map[loginKey]struct{}
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{used: make(map[loginKey]struct{})}
}

func (r *MemoryRepository) ConsumeLogin(_ context.Context, addr common.Address, issuedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := loginKey{addr: addr, issuedAt: issuedAt.Unix()}
	if _, ok := r.used[key]; ok {
		return ErrReplayedLogin
	}
	r.used[key] = struct{}{}
	return nil
}

func (r *MemoryRepository) PruneLogins(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key := range r.used {
		if key.issuedAt < before.Unix() {
			delete(r.used, key)
			n++
		}
	}
	return n, nil
}
