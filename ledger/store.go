package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	// ErrNotFound signals an escrow id that was never allocated.
	ErrNotFound = errors.New("ledger: escrow not found")
	// ErrAlreadyRegistered signals a conflicting registry write.
	ErrAlreadyRegistered = errors.New("ledger: identity already registered")
	// ErrInvariantViolation signals a write that would break a record invariant.
	ErrInvariantViolation = errors.New("ledger: invariant violation")
	// ErrInsufficientCustody signals a release larger than the held value.
	ErrInsufficientCustody = errors.New("ledger: insufficient custody")
	// ErrClosed is returned by stores used after Close.
	ErrClosed = errors.New("ledger: store closed")
)

// Reader exposes the lookup side of the ledger.
type Reader interface {
	GetUser(ctx context.Context, addr common.Address) (UserType, error)
	GetEscrow(ctx context.Context, id uint64) (*Escrow, error)
	EscrowIDs(ctx context.Context) ([]uint64, error)
	EscrowIDsFor(ctx context.Context, addr common.Address, role Role) ([]uint64, error)
	IsParticipant(ctx context.Context, addr common.Address, role Role) (bool, error)
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	Custody(ctx context.Context) (*uint256.Int, error)
}

// Tx is the write view handed to Store.Update callbacks.
type Tx interface {
	Reader
	PutUser(ctx context.Context, addr common.Address, t UserType) error
	PutEscrow(ctx context.Context, rec *Escrow) (uint64, error)
	UpdateEscrow(ctx context.Context, rec *Escrow) error
	Credit(ctx context.Context, addr common.Address, amount *uint256.Int) error
	LockCustody(ctx context.Context, amount *uint256.Int) error
	ReleaseCustody(ctx context.Context, amount *uint256.Int) error
}

// Store is the durable ledger. Update runs fn atomically: if fn returns an
// error none of its writes become visible.
type Store interface {
	Reader
	Update(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

func checkNewEscrow(rec *Escrow) error {
	if rec == nil {
		return ErrInvariantViolation
	}
	if rec.Amount == nil || rec.Amount.IsZero() {
		return ErrInvariantViolation
	}
	return nil
}

// checkEscrowUpdate guards the immutable and monotonic fields of a record.
func checkEscrowUpdate(prev, next *Escrow) error {
	if next == nil || next.ID != prev.ID {
		return ErrInvariantViolation
	}
	if next.Client != prev.Client || next.Worker != prev.Worker || next.Agreement != prev.Agreement {
		return ErrInvariantViolation
	}
	if next.Amount == nil || !next.Amount.Eq(prev.Amount) {
		return ErrInvariantViolation
	}
	if prev.IsSettled && !next.IsSettled {
		return ErrInvariantViolation
	}
	if prev.Submission != "" && next.Submission != prev.Submission {
		return ErrInvariantViolation
	}
	if !extends(prev.VotesYes, next.VotesYes) || !extends(prev.VotesNo, next.VotesNo) {
		return ErrInvariantViolation
	}
	return nil
}

func checkUserWrite(current, requested UserType) error {
	if !requested.Valid() || requested == UserNone {
		return ErrInvariantViolation
	}
	if current != UserNone && current != requested {
		return ErrAlreadyRegistered
	}
	return nil
}

// extends reports whether next starts with every element of prev in order.
func extends(prev, next []common.Address) bool {
	if len(next) < len(prev) {
		return false
	}
	for i := range prev {
		if prev[i] != next[i] {
			return false
		}
	}
	return true
}
