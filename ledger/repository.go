package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ledgerLockKey is the advisory lock taken by every write transaction so that
// processes sharing one database still mutate the ledger one at a time.
const ledgerLockKey int64 = 0x657363726f77

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPGStore wraps an existing pool. The schema in migrations/ must be applied.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pgReader: pgReader{q: pool}, pool: pool}
}

func (s *PGStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		return fmt.Errorf("ledger: acquire lock: %w", err)
	}

	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

type pgReader struct {
	q querier
}

func addrKey(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func parseAmount(dec string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(dec)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse amount %q: %w", dec, err)
	}
	return v, nil
}

func (r pgReader) GetUser(ctx context.Context, addr common.Address) (UserType, error) {
	var t int16
	err := r.q.QueryRow(ctx, `SELECT user_type FROM ledger_users WHERE address = $1`, addrKey(addr)).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return UserNone, nil
		}
		return UserNone, fmt.Errorf("ledger: get user: %w", err)
	}
	return UserType(t), nil
}

// GetEscrow reads the row and its votes in one statement so both come from the
// same snapshot.
func (r pgReader) GetEscrow(ctx context.Context, id uint64) (*Escrow, error) {
	const query = `
		SELECT e.id, e.client, e.worker, e.amount::text, e.agreement, e.submission, e.is_disputed,
		       e.client_decision_given, e.is_settled, e.paid_to, e.created_at, e.settled_at,
		       ARRAY(SELECT v.voter FROM escrow_votes v WHERE v.escrow_id = e.id AND v.verdict ORDER BY v.seq),
		       ARRAY(SELECT v.voter FROM escrow_votes v WHERE v.escrow_id = e.id AND NOT v.verdict ORDER BY v.seq)
		FROM escrows e
		WHERE e.id = $1
	`

	var (
		rec       Escrow
		rawID     int64
		client    string
		worker    string
		amount    string
		paidTo    string
		settledAt *time.Time
		votesYes  []string
		votesNo   []string
	)
	err := r.q.QueryRow(ctx, query, int64(id)).Scan(
		&rawID,
		&client,
		&worker,
		&amount,
		&rec.Agreement,
		&rec.Submission,
		&rec.IsDisputed,
		&rec.ClientDecisionGiven,
		&rec.IsSettled,
		&paidTo,
		&rec.CreatedAt,
		&settledAt,
		&votesYes,
		&votesNo,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: get escrow: %w", err)
	}

	rec.ID = uint64(rawID)
	rec.Client = common.HexToAddress(client)
	rec.Worker = common.HexToAddress(worker)
	if paidTo != "" {
		rec.PaidTo = common.HexToAddress(paidTo)
	}
	rec.SettledAt = settledAt
	if rec.Amount, err = parseAmount(amount); err != nil {
		return nil, err
	}
	rec.VotesYes = toAddresses(votesYes)
	rec.VotesNo = toAddresses(votesNo)
	return &rec, nil
}

func toAddresses(raw []string) []common.Address {
	if len(raw) == 0 {
		return nil
	}
	out := make([]common.Address, 0, len(raw))
	for _, v := range raw {
		out = append(out, common.HexToAddress(v))
	}
	return out
}

func (r pgReader) collectIDs(ctx context.Context, query string, args ...any) ([]uint64, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list ids: %w", err)
	}
	defer rows.Close()

	ids := make([]uint64, 0, 8)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger: scan id: %w", err)
		}
		ids = append(ids, uint64(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate ids: %w", err)
	}
	return ids, nil
}

func (r pgReader) EscrowIDs(ctx context.Context) ([]uint64, error) {
	return r.collectIDs(ctx, `SELECT id FROM escrows ORDER BY id`)
}

func (r pgReader) EscrowIDsFor(ctx context.Context, addr common.Address, role Role) ([]uint64, error) {
	switch role {
	case RoleClient:
		return r.collectIDs(ctx, `SELECT id FROM escrows WHERE client = $1 ORDER BY id`, addrKey(addr))
	case RoleWorker:
		return r.collectIDs(ctx, `SELECT id FROM escrows WHERE worker = $1 ORDER BY id`, addrKey(addr))
	default:
		return nil, ErrInvariantViolation
	}
}

func (r pgReader) IsParticipant(ctx context.Context, addr common.Address, role Role) (bool, error) {
	var query string
	switch role {
	case RoleClient:
		query = `SELECT EXISTS (SELECT 1 FROM escrows WHERE client = $1)`
	case RoleWorker:
		query = `SELECT EXISTS (SELECT 1 FROM escrows WHERE worker = $1)`
	default:
		return false, ErrInvariantViolation
	}
	var exists bool
	if err := r.q.QueryRow(ctx, query, addrKey(addr)).Scan(&exists); err != nil {
		return false, fmt.Errorf("ledger: check participant: %w", err)
	}
	return exists, nil
}

func (r pgReader) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	var bal string
	err := r.q.QueryRow(ctx, `SELECT balance::text FROM ledger_balances WHERE address = $1`, addrKey(addr)).Scan(&bal)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return new(uint256.Int), nil
		}
		return nil, fmt.Errorf("ledger: get balance: %w", err)
	}
	return parseAmount(bal)
}

func (r pgReader) Custody(ctx context.Context) (*uint256.Int, error) {
	var amt string
	if err := r.q.QueryRow(ctx, `SELECT amount::text FROM ledger_custody WHERE singleton`).Scan(&amt); err != nil {
		return nil, fmt.Errorf("ledger: get custody: %w", err)
	}
	return parseAmount(amt)
}

type pgTx struct {
	pgReader
}

func (t *pgTx) PutUser(ctx context.Context, addr common.Address, ut UserType) error {
	current, err := t.GetUser(ctx, addr)
	if err != nil {
		return err
	}
	if err := checkUserWrite(current, ut); err != nil {
		return err
	}
	if current == ut {
		return nil
	}
	if _, err := t.q.Exec(ctx, `INSERT INTO ledger_users (address, user_type) VALUES ($1, $2)`, addrKey(addr), int16(ut)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("ledger: put user: %w", err)
	}
	return nil
}

func (t *pgTx) PutEscrow(ctx context.Context, rec *Escrow) (uint64, error) {
	if err := checkNewEscrow(rec); err != nil {
		return 0, err
	}

	var next int64
	if err := t.q.QueryRow(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM escrows`).Scan(&next); err != nil {
		return 0, fmt.Errorf("ledger: allocate id: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const insertSQL = `
		INSERT INTO escrows (id, client, worker, amount, agreement, submission, created_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
	`
	if _, err := t.q.Exec(ctx, insertSQL, next, addrKey(rec.Client), addrKey(rec.Worker), rec.Amount.Dec(), rec.Agreement, rec.Submission, createdAt); err != nil {
		return 0, fmt.Errorf("ledger: insert escrow: %w", err)
	}
	return uint64(next), nil
}

func (t *pgTx) UpdateEscrow(ctx context.Context, rec *Escrow) error {
	if rec == nil {
		return ErrInvariantViolation
	}
	prev, err := t.GetEscrow(ctx, rec.ID)
	if err != nil {
		return err
	}
	if err := checkEscrowUpdate(prev, rec); err != nil {
		return err
	}

	var paidTo string
	if rec.PaidTo != (common.Address{}) {
		paidTo = addrKey(rec.PaidTo)
	}

	const updateSQL = `
		UPDATE escrows
		SET submission = $2,
		    is_disputed = $3,
		    client_decision_given = $4,
		    is_settled = $5,
		    paid_to = $6,
		    settled_at = $7
		WHERE id = $1
	`
	if _, err := t.q.Exec(ctx, updateSQL, int64(rec.ID), rec.Submission, rec.IsDisputed, rec.ClientDecisionGiven, rec.IsSettled, paidTo, rec.SettledAt); err != nil {
		return fmt.Errorf("ledger: update escrow: %w", err)
	}

	if err := t.appendVotes(ctx, rec.ID, rec.VotesYes[len(prev.VotesYes):], true); err != nil {
		return err
	}
	return t.appendVotes(ctx, rec.ID, rec.VotesNo[len(prev.VotesNo):], false)
}

func (t *pgTx) appendVotes(ctx context.Context, id uint64, voters []common.Address, verdict bool) error {
	for _, voter := range voters {
		_, err := t.q.Exec(ctx, `INSERT INTO escrow_votes (escrow_id, voter, verdict) VALUES ($1, $2, $3)`, int64(id), addrKey(voter), verdict)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return ErrInvariantViolation
			}
			return fmt.Errorf("ledger: insert vote: %w", err)
		}
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	bal, err := t.Balance(ctx, addr)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, cloneAmount(amount))
	if overflow {
		return ErrInvariantViolation
	}
	const upsertSQL = `
		INSERT INTO ledger_balances (address, balance)
		VALUES ($1, $2::numeric)
		ON CONFLICT (address) DO UPDATE SET balance = EXCLUDED.balance
	`
	if _, err := t.q.Exec(ctx, upsertSQL, addrKey(addr), sum.Dec()); err != nil {
		return fmt.Errorf("ledger: credit: %w", err)
	}
	return nil
}

func (t *pgTx) setCustody(ctx context.Context, amt *uint256.Int) error {
	if _, err := t.q.Exec(ctx, `UPDATE ledger_custody SET amount = $1::numeric WHERE singleton`, amt.Dec()); err != nil {
		return fmt.Errorf("ledger: set custody: %w", err)
	}
	return nil
}

func (t *pgTx) LockCustody(ctx context.Context, amount *uint256.Int) error {
	held, err := t.Custody(ctx)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(held, cloneAmount(amount))
	if overflow {
		return ErrInvariantViolation
	}
	return t.setCustody(ctx, sum)
}

func (t *pgTx) ReleaseCustody(ctx context.Context, amount *uint256.Int) error {
	held, err := t.Custody(ctx)
	if err != nil {
		return err
	}
	amt := cloneAmount(amount)
	if held.Lt(amt) {
		return ErrInsufficientCustody
	}
	return t.setCustody(ctx, new(uint256.Int).Sub(held, amt))
}
