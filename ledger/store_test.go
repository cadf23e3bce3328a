package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c3")
)

var errAbort = errors.New("abort")

func newRecord(client, worker common.Address, amount uint64) *Escrow {
	return &Escrow{
		Client:    client,
		Worker:    worker,
		Amount:    uint256.NewInt(amount),
		Agreement: "Build a website",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func putEscrow(t *testing.T, s Store, rec *Escrow) uint64 {
	t.Helper()
	var id uint64
	err := s.Update(context.Background(), func(tx Tx) error {
		var err error
		id, err = tx.PutEscrow(context.Background(), rec)
		return err
	})
	require.NoError(t, err)
	return id
}

// runStoreContract exercises the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("unknown user is none", func(t *testing.T) {
		s := newStore(t)
		got, err := s.GetUser(ctx, carol)
		require.NoError(t, err)
		require.Equal(t, UserNone, got)
	})

	t.Run("put user rejects conflicting type", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.PutUser(ctx, alice, UserVoter)
		}))
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			return tx.PutUser(ctx, alice, UserVoter)
		}))
		err := s.Update(ctx, func(tx Tx) error {
			return tx.PutUser(ctx, alice, UserClient)
		})
		require.ErrorIs(t, err, ErrAlreadyRegistered)

		got, err := s.GetUser(ctx, alice)
		require.NoError(t, err)
		require.Equal(t, UserVoter, got)
	})

	t.Run("sequential ids and indexes", func(t *testing.T) {
		s := newStore(t)
		first := putEscrow(t, s, newRecord(alice, bob, 250))
		second := putEscrow(t, s, newRecord(alice, carol, 350))
		third := putEscrow(t, s, newRecord(carol, bob, 10))
		require.Equal(t, []uint64{0, 1, 2}, []uint64{first, second, third})

		all, err := s.EscrowIDs(ctx)
		require.NoError(t, err)
		require.Equal(t, []uint64{0, 1, 2}, all)

		aliceClient, err := s.EscrowIDsFor(ctx, alice, RoleClient)
		require.NoError(t, err)
		require.Equal(t, []uint64{0, 1}, aliceClient)

		bobWorker, err := s.EscrowIDsFor(ctx, bob, RoleWorker)
		require.NoError(t, err)
		require.Equal(t, []uint64{0, 2}, bobWorker)

		bobClient, err := s.EscrowIDsFor(ctx, bob, RoleClient)
		require.NoError(t, err)
		require.Empty(t, bobClient)

		ok, err := s.IsParticipant(ctx, carol, RoleWorker)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.IsParticipant(ctx, bob, RoleClient)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("zero amount is rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(ctx, func(tx Tx) error {
			_, err := tx.PutEscrow(ctx, newRecord(alice, bob, 0))
			return err
		})
		require.ErrorIs(t, err, ErrInvariantViolation)

		ids, err := s.EscrowIDs(ctx)
		require.NoError(t, err)
		require.Empty(t, ids)
	})

	t.Run("get unknown escrow", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEscrow(ctx, 100)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update round trip", func(t *testing.T) {
		s := newStore(t)
		id := putEscrow(t, s, newRecord(alice, bob, 250))

		settledAt := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			rec, err := tx.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			rec.Submission = "worker has done work"
			rec.ClientDecisionGiven = true
			rec.VotesNo = append(rec.VotesNo, carol)
			rec.IsSettled = true
			rec.PaidTo = alice
			rec.SettledAt = &settledAt
			return tx.UpdateEscrow(ctx, rec)
		}))

		rec, err := s.GetEscrow(ctx, id)
		require.NoError(t, err)
		require.Equal(t, "worker has done work", rec.Submission)
		require.True(t, rec.ClientDecisionGiven)
		require.True(t, rec.IsSettled)
		require.Equal(t, []common.Address{carol}, rec.VotesNo)
		require.Empty(t, rec.VotesYes)
		require.Equal(t, alice, rec.PaidTo)
		require.Equal(t, uint64(250), rec.Amount.Uint64())
		require.NotNil(t, rec.SettledAt)
		require.True(t, settledAt.Equal(*rec.SettledAt))
	})

	t.Run("update refuses to unsettle or rewrite", func(t *testing.T) {
		s := newStore(t)
		id := putEscrow(t, s, newRecord(alice, bob, 250))
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			rec, err := tx.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			rec.Submission = "done"
			rec.IsSettled = true
			return tx.UpdateEscrow(ctx, rec)
		}))

		mutations := map[string]func(rec *Escrow){
			"unsettle":   func(rec *Escrow) { rec.IsSettled = false },
			"resubmit":   func(rec *Escrow) { rec.Submission = "again" },
			"amount":     func(rec *Escrow) { rec.Amount = uint256.NewInt(1) },
			"agreement":  func(rec *Escrow) { rec.Agreement = "other" },
			"new worker": func(rec *Escrow) { rec.Worker = carol },
		}
		for name, mutate := range mutations {
			err := s.Update(ctx, func(tx Tx) error {
				rec, err := tx.GetEscrow(ctx, id)
				if err != nil {
					return err
				}
				mutate(rec)
				return tx.UpdateEscrow(ctx, rec)
			})
			require.ErrorIs(t, err, ErrInvariantViolation, name)
		}
	})

	t.Run("failed update leaves no trace", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(ctx, func(tx Tx) error {
			if _, err := tx.PutEscrow(ctx, newRecord(alice, bob, 250)); err != nil {
				return err
			}
			if err := tx.PutUser(ctx, carol, UserVoter); err != nil {
				return err
			}
			if err := tx.LockCustody(ctx, uint256.NewInt(250)); err != nil {
				return err
			}
			if err := tx.Credit(ctx, bob, uint256.NewInt(5)); err != nil {
				return err
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		ids, err := s.EscrowIDs(ctx)
		require.NoError(t, err)
		require.Empty(t, ids)
		ut, err := s.GetUser(ctx, carol)
		require.NoError(t, err)
		require.Equal(t, UserNone, ut)
		custody, err := s.Custody(ctx)
		require.NoError(t, err)
		require.True(t, custody.IsZero())
		bal, err := s.Balance(ctx, bob)
		require.NoError(t, err)
		require.True(t, bal.IsZero())

		// the aborted id is not consumed
		require.Equal(t, uint64(0), putEscrow(t, s, newRecord(alice, bob, 1)))
	})

	t.Run("custody and balances", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			if err := tx.LockCustody(ctx, uint256.NewInt(300)); err != nil {
				return err
			}
			if err := tx.ReleaseCustody(ctx, uint256.NewInt(250)); err != nil {
				return err
			}
			if err := tx.Credit(ctx, bob, uint256.NewInt(250)); err != nil {
				return err
			}
			return tx.Credit(ctx, bob, uint256.NewInt(1))
		}))

		custody, err := s.Custody(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(50), custody.Uint64())
		bal, err := s.Balance(ctx, bob)
		require.NoError(t, err)
		require.Equal(t, uint64(251), bal.Uint64())

		err = s.Update(ctx, func(tx Tx) error {
			return tx.ReleaseCustody(ctx, uint256.NewInt(51))
		})
		require.ErrorIs(t, err, ErrInsufficientCustody)
	})

	t.Run("reads inside a transaction see its writes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			id, err := tx.PutEscrow(ctx, newRecord(alice, bob, 7))
			if err != nil {
				return err
			}
			rec, err := tx.GetEscrow(ctx, id)
			if err != nil {
				return err
			}
			rec.Submission = "same tx"
			if err := tx.UpdateEscrow(ctx, rec); err != nil {
				return err
			}
			ids, err := tx.EscrowIDsFor(ctx, bob, RoleWorker)
			if err != nil {
				return err
			}
			require.Equal(t, []uint64{id}, ids)
			return nil
		}))
		rec, err := s.GetEscrow(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, "same tx", rec.Submission)
	})

	t.Run("returned records are detached", func(t *testing.T) {
		s := newStore(t)
		id := putEscrow(t, s, newRecord(alice, bob, 9))
		rec, err := s.GetEscrow(ctx, id)
		require.NoError(t, err)
		rec.Amount.SetUint64(1)
		rec.VotesYes = append(rec.VotesYes, carol)

		again, err := s.GetEscrow(ctx, id)
		require.NoError(t, err)
		require.Equal(t, uint64(9), again.Amount.Uint64())
		require.Empty(t, again.VotesYes)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s := NewMemoryStore()
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestLevelStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := NewMemLevelStore()
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestLevelStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenLevelStore(dir)
	require.NoError(t, err)
	id := putEscrow(t, s, newRecord(alice, bob, 42))
	require.NoError(t, s.Close())

	reopened, err := OpenLevelStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetEscrow(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, uint64(42), rec.Amount.Uint64())
	require.Equal(t, uint64(1), putEscrow(t, reopened, newRecord(alice, bob, 1)))
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())
	_, err := s.GetUser(context.Background(), alice)
	require.ErrorIs(t, err, ErrClosed)
	err = s.Update(context.Background(), func(Tx) error { return nil })
	require.ErrorIs(t, err, ErrClosed)
}

func TestUserTypeNames(t *testing.T) {
	for ut := UserNone; ut <= UserVoter; ut++ {
		parsed, ok := ParseUserType(ut.String())
		require.True(t, ok)
		require.Equal(t, ut, parsed)
	}
	_, ok := ParseUserType("arbiter")
	require.False(t, ok)
}
