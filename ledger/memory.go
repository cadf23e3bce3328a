package ledger

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type memState struct {
	users    map[common.Address]UserType
	escrows  []*Escrow
	byClient map[common.Address][]uint64
	byWorker map[common.Address][]uint64
	balances map[common.Address]*uint256.Int
	custody  *uint256.Int
}

// MemoryStore keeps the ledger in process memory. Each Update stages its writes
// in an overlay that is applied only when the callback succeeds.
type MemoryStore struct {
	mu     sync.RWMutex
	state  *memState
	closed bool
}

// NewMemoryStore returns an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		users:    make(map[common.Address]UserType),
		byClient: make(map[common.Address][]uint64),
		byWorker: make(map[common.Address][]uint64),
		balances: make(map[common.Address]*uint256.Int),
		custody:  new(uint256.Int),
	}}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := newMemTx(s.state)
	if err := fn(tx); err != nil {
		return err
	}
	tx.apply()
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) read(fn func(tx *memTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(newMemTx(s.state))
}

func (s *MemoryStore) GetUser(ctx context.Context, addr common.Address) (t UserType, err error) {
	err = s.read(func(tx *memTx) error {
		t, err = tx.GetUser(ctx, addr)
		return err
	})
	return t, err
}

func (s *MemoryStore) GetEscrow(ctx context.Context, id uint64) (rec *Escrow, err error) {
	err = s.read(func(tx *memTx) error {
		rec, err = tx.GetEscrow(ctx, id)
		return err
	})
	return rec, err
}

func (s *MemoryStore) EscrowIDs(ctx context.Context) (ids []uint64, err error) {
	err = s.read(func(tx *memTx) error {
		ids, err = tx.EscrowIDs(ctx)
		return err
	})
	return ids, err
}

func (s *MemoryStore) EscrowIDsFor(ctx context.Context, addr common.Address, role Role) (ids []uint64, err error) {
	err = s.read(func(tx *memTx) error {
		ids, err = tx.EscrowIDsFor(ctx, addr, role)
		return err
	})
	return ids, err
}

func (s *MemoryStore) IsParticipant(ctx context.Context, addr common.Address, role Role) (ok bool, err error) {
	err = s.read(func(tx *memTx) error {
		ok, err = tx.IsParticipant(ctx, addr, role)
		return err
	})
	return ok, err
}

func (s *MemoryStore) Balance(ctx context.Context, addr common.Address) (bal *uint256.Int, err error) {
	err = s.read(func(tx *memTx) error {
		bal, err = tx.Balance(ctx, addr)
		return err
	})
	return bal, err
}

func (s *MemoryStore) Custody(ctx context.Context) (amt *uint256.Int, err error) {
	err = s.read(func(tx *memTx) error {
		amt, err = tx.Custody(ctx)
		return err
	})
	return amt, err
}

// memTx reads through its overlay to the committed state.
type memTx struct {
	base     *memState
	users    map[common.Address]UserType
	updated  map[uint64]*Escrow
	created  []*Escrow
	balances map[common.Address]*uint256.Int
	custody  *uint256.Int
}

func newMemTx(base *memState) *memTx {
	return &memTx{
		base:     base,
		users:    make(map[common.Address]UserType),
		updated:  make(map[uint64]*Escrow),
		balances: make(map[common.Address]*uint256.Int),
	}
}

func (tx *memTx) GetUser(_ context.Context, addr common.Address) (UserType, error) {
	if t, ok := tx.users[addr]; ok {
		return t, nil
	}
	return tx.base.users[addr], nil
}

func (tx *memTx) lookup(id uint64) (*Escrow, bool) {
	committed := uint64(len(tx.base.escrows))
	if id < committed {
		if rec, ok := tx.updated[id]; ok {
			return rec, true
		}
		return tx.base.escrows[id], true
	}
	if id-committed < uint64(len(tx.created)) {
		return tx.created[id-committed], true
	}
	return nil, false
}

func (tx *memTx) GetEscrow(_ context.Context, id uint64) (*Escrow, error) {
	rec, ok := tx.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (tx *memTx) EscrowIDs(context.Context) ([]uint64, error) {
	total := len(tx.base.escrows) + len(tx.created)
	ids := make([]uint64, total)
	for i := range ids {
		ids[i] = uint64(i)
	}
	return ids, nil
}

func (tx *memTx) EscrowIDsFor(_ context.Context, addr common.Address, role Role) ([]uint64, error) {
	var index map[common.Address][]uint64
	switch role {
	case RoleClient:
		index = tx.base.byClient
	case RoleWorker:
		index = tx.base.byWorker
	default:
		return nil, ErrInvariantViolation
	}
	ids := append([]uint64{}, index[addr]...)
	for _, rec := range tx.created {
		if (role == RoleClient && rec.Client == addr) || (role == RoleWorker && rec.Worker == addr) {
			ids = append(ids, rec.ID)
		}
	}
	return ids, nil
}

func (tx *memTx) IsParticipant(ctx context.Context, addr common.Address, role Role) (bool, error) {
	ids, err := tx.EscrowIDsFor(ctx, addr, role)
	if err != nil {
		return false, err
	}
	return len(ids) > 0, nil
}

func (tx *memTx) Balance(_ context.Context, addr common.Address) (*uint256.Int, error) {
	if bal, ok := tx.balances[addr]; ok {
		return cloneAmount(bal), nil
	}
	return cloneAmount(tx.base.balances[addr]), nil
}

func (tx *memTx) Custody(context.Context) (*uint256.Int, error) {
	if tx.custody != nil {
		return cloneAmount(tx.custody), nil
	}
	return cloneAmount(tx.base.custody), nil
}

func (tx *memTx) PutUser(ctx context.Context, addr common.Address, t UserType) error {
	current, _ := tx.GetUser(ctx, addr)
	if err := checkUserWrite(current, t); err != nil {
		return err
	}
	tx.users[addr] = t
	return nil
}

func (tx *memTx) PutEscrow(_ context.Context, rec *Escrow) (uint64, error) {
	if err := checkNewEscrow(rec); err != nil {
		return 0, err
	}
	stored := rec.Clone()
	stored.ID = uint64(len(tx.base.escrows) + len(tx.created))
	tx.created = append(tx.created, stored)
	return stored.ID, nil
}

func (tx *memTx) UpdateEscrow(_ context.Context, rec *Escrow) error {
	if rec == nil {
		return ErrInvariantViolation
	}
	prev, ok := tx.lookup(rec.ID)
	if !ok {
		return ErrNotFound
	}
	if err := checkEscrowUpdate(prev, rec); err != nil {
		return err
	}
	committed := uint64(len(tx.base.escrows))
	if rec.ID < committed {
		tx.updated[rec.ID] = rec.Clone()
	} else {
		tx.created[rec.ID-committed] = rec.Clone()
	}
	return nil
}

func (tx *memTx) Credit(ctx context.Context, addr common.Address, amount *uint256.Int) error {
	bal, _ := tx.Balance(ctx, addr)
	sum, overflow := new(uint256.Int).AddOverflow(bal, cloneAmount(amount))
	if overflow {
		return ErrInvariantViolation
	}
	tx.balances[addr] = sum
	return nil
}

func (tx *memTx) LockCustody(ctx context.Context, amount *uint256.Int) error {
	held, _ := tx.Custody(ctx)
	sum, overflow := new(uint256.Int).AddOverflow(held, cloneAmount(amount))
	if overflow {
		return ErrInvariantViolation
	}
	tx.custody = sum
	return nil
}

func (tx *memTx) ReleaseCustody(ctx context.Context, amount *uint256.Int) error {
	held, _ := tx.Custody(ctx)
	amt := cloneAmount(amount)
	if held.Lt(amt) {
		return ErrInsufficientCustody
	}
	tx.custody = new(uint256.Int).Sub(held, amt)
	return nil
}

func (tx *memTx) apply() {
	st := tx.base
	for addr, t := range tx.users {
		st.users[addr] = t
	}
	for id, rec := range tx.updated {
		st.escrows[id] = rec
	}
	for _, rec := range tx.created {
		st.escrows = append(st.escrows, rec)
		st.byClient[rec.Client] = append(st.byClient[rec.Client], rec.ID)
		st.byWorker[rec.Worker] = append(st.byWorker[rec.Worker], rec.ID)
	}
	for addr, bal := range tx.balances {
		st.balances[addr] = bal
	}
	if tx.custody != nil {
		st.custody = tx.custody
	}
}
