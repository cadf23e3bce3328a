package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

// Engine is the slice of the escrow engine the actors drive.
type Engine interface {
	Admin() common.Address
	RegisterUser(ctx context.Context, caller common.Address, t ledger.UserType) error
	CreateEscrow(ctx context.Context, caller common.Address, p escrow.CreateParams, value *uint256.Int) (uint64, error)
	EscrowDetails(ctx context.Context, caller common.Address, id uint64) (*ledger.Escrow, error)
	EscrowIDs(ctx context.Context) ([]uint64, error)
	EscrowsFor(ctx context.Context, addr common.Address, role ledger.Role) ([]*ledger.Escrow, error)
	SubmitWork(ctx context.Context, caller common.Address, id uint64, submission string) error
	ApproveWork(ctx context.Context, caller common.Address, approve bool, id uint64) error
	VoteForDispute(ctx context.Context, caller common.Address, id uint64, verdict dispute.Verdict) (bool, error)
	DisburseFunds(ctx context.Context, caller common.Address, id uint64) (common.Address, error)
}

// Stats counts actor outcomes across a run.
type Stats struct {
	Committed atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("committed=%d rejected=%d transient=%d", s.Committed.Load(), s.Rejected.Load(), s.Transient.Load())
}

// Address derives a stable identity for actor n of a given kind.
func Address(kind byte, n int) common.Address {
	var a common.Address
	a[0] = kind
	a[19] = byte(n + 1)
	a[18] = byte((n + 1) >> 8)
	return a
}

// record classifies err. Ledger invariant failures end the run; engine
// rejections and connection drops from chaos are expected under contention.
func (s *Stats) record(err error) error {
	switch {
	case err == nil:
		s.Committed.Add(1)
		return nil
	case errors.Is(err, ledger.ErrInvariantViolation), errors.Is(err, ledger.ErrInsufficientCustody):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	case isEngineRejection(err):
		s.Rejected.Add(1)
		return nil
	default:
		s.Transient.Add(1)
		return nil
	}
}

func isEngineRejection(err error) bool {
	for _, target := range []error{
		escrow.ErrZeroAmount, escrow.ErrAmountMismatch, escrow.ErrInvalidParticipant,
		escrow.ErrInvalidUserType, escrow.ErrNotFound, escrow.ErrAlreadyRegistered,
		escrow.ErrAlreadySubmitted, escrow.ErrEmptySubmission, escrow.ErrUnsubmittedWork,
		escrow.ErrDecisionGiven, escrow.ErrNotDisputed, escrow.ErrAlreadyVoted,
		escrow.ErrUnauthorized, escrow.ErrUnresolvedDispute, escrow.ErrAlreadySettled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func pause(ctx context.Context, stop <-chan struct{}, base, jitter int) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-time.After(time.Duration(base+rand.Intn(jitter)) * time.Millisecond):
		return true
	}
}

func pick(recs []*ledger.Escrow) *ledger.Escrow {
	if len(recs) == 0 {
		return nil
	}
	return recs[rand.Intn(len(recs))]
}

// Client registers, then keeps opening escrows against random workers and
// judging submitted work.
func Client(ctx context.Context, eng Engine, stats *Stats, self common.Address, workers []common.Address, stop <-chan struct{}) error {
	if err := stats.record(eng.RegisterUser(ctx, self, ledger.UserClient)); err != nil {
		return fmt.Errorf("client register: %w", err)
	}
	for pause(ctx, stop, 10, 20) {
		if rand.Intn(2) == 0 {
			amount := uint256.NewInt(uint64(1 + rand.Intn(1000)))
			_, err := eng.CreateEscrow(ctx, self, escrow.CreateParams{
				Worker:    workers[rand.Intn(len(workers))],
				Amount:    amount,
				Agreement: "stress agreement",
			}, amount)
			if err := stats.record(err); err != nil {
				return fmt.Errorf("client create: %w", err)
			}
			continue
		}
		recs, err := eng.EscrowsFor(ctx, self, ledger.RoleClient)
		if err != nil {
			stats.record(err)
			continue
		}
		rec := pick(recs)
		if rec == nil {
			continue
		}
		if err := stats.record(eng.ApproveWork(ctx, self, rand.Intn(3) != 0, rec.ID)); err != nil {
			return fmt.Errorf("client decide %d: %w", rec.ID, err)
		}
	}
	return nil
}

// Worker submits work on random escrows it was assigned.
func Worker(ctx context.Context, eng Engine, stats *Stats, self common.Address, stop <-chan struct{}) error {
	for pause(ctx, stop, 10, 30) {
		recs, err := eng.EscrowsFor(ctx, self, ledger.RoleWorker)
		if err != nil {
			stats.record(err)
			continue
		}
		rec := pick(recs)
		if rec == nil {
			continue
		}
		err = eng.SubmitWork(ctx, self, rec.ID, fmt.Sprintf("ipfs://work/%d", rec.ID))
		if err := stats.record(err); err != nil {
			return fmt.Errorf("worker submit %d: %w", rec.ID, err)
		}
	}
	return nil
}

// Voter votes on random escrows, disputed or not. Unregistered voters rely on
// being neutral.
func Voter(ctx context.Context, eng Engine, stats *Stats, self common.Address, register bool, stop <-chan struct{}) error {
	if register {
		if err := stats.record(eng.RegisterUser(ctx, self, ledger.UserVoter)); err != nil {
			return fmt.Errorf("voter register: %w", err)
		}
	}
	for pause(ctx, stop, 15, 30) {
		ids, err := eng.EscrowIDs(ctx)
		if err != nil {
			stats.record(err)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		id := ids[rand.Intn(len(ids))]
		_, err = eng.VoteForDispute(ctx, self, id, dispute.Verdict(rand.Intn(2) == 0))
		if err := stats.record(err); err != nil {
			return fmt.Errorf("voter vote %d: %w", id, err)
		}
	}
	return nil
}

// Admin disburses every escrow that has become settleable.
func Admin(ctx context.Context, eng Engine, stats *Stats, stop <-chan struct{}) error {
	admin := eng.Admin()
	for pause(ctx, stop, 30, 40) {
		ids, err := eng.EscrowIDs(ctx)
		if err != nil {
			stats.record(err)
			continue
		}
		for _, id := range ids {
			rec, err := eng.EscrowDetails(ctx, admin, id)
			if err != nil {
				stats.record(err)
				continue
			}
			if !escrow.Settleable(rec) {
				continue
			}
			paidTo, err := eng.DisburseFunds(ctx, admin, id)
			if err := stats.record(err); err != nil {
				return fmt.Errorf("admin disburse %d: %w", id, err)
			}
			if err == nil && paidTo != rec.Client && paidTo != rec.Worker {
				return fmt.Errorf("admin disburse %d: paid stranger %s", id, paidTo.Hex())
			}
		}
	}
	return nil
}

// Intruder hammers operations it is never allowed to perform. Any commit is a
// failure.
func Intruder(ctx context.Context, eng Engine, self common.Address, stop <-chan struct{}) error {
	for pause(ctx, stop, 20, 40) {
		ids, err := eng.EscrowIDs(ctx)
		if err != nil || len(ids) == 0 {
			continue
		}
		id := ids[rand.Intn(len(ids))]
		if _, err := eng.DisburseFunds(ctx, self, id); err == nil {
			return fmt.Errorf("intruder disbursed escrow %d", id)
		}
		if err := eng.SubmitWork(ctx, self, id, "forged"); err == nil {
			return fmt.Errorf("intruder submitted work on escrow %d", id)
		}
		if err := eng.ApproveWork(ctx, self, true, id); err == nil {
			return fmt.Errorf("intruder decided escrow %d", id)
		}
	}
	return nil
}
