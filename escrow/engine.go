package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"escrowflow/dispute"
	"escrowflow/events"
	"escrowflow/ledger"
	"escrowflow/metrics"
)

// Engine owns every escrow state transition and fund movement. Mutations are
// serialized behind a single mutex and each one runs in exactly one store
// transaction; the transition event is emitted only after commit.
type Engine struct {
	mu      sync.Mutex
	store   ledger.Store
	admin   common.Address
	emitter events.Emitter
	logger  *slog.Logger
	metrics *metrics.Metrics
	policy  dispute.Policy
	nowFn   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the event sink. Nil resets to a no-op emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(e *Engine) {
		if emitter == nil {
			emitter = events.NoopEmitter{}
		}
		e.emitter = emitter
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPolicy sets the dispute resolution policy.
func WithPolicy(p dispute.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithNowFunc overrides the clock. Primarily intended for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// NewEngine builds an engine over store. admin is fixed for the lifetime of the
// engine.
func NewEngine(store ledger.Store, admin common.Address, opts ...Option) (*Engine, error) {
	if store == nil || admin == (common.Address{}) {
		return nil, ErrEngineConfig
	}
	e := &Engine{
		store:   store,
		admin:   admin,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		policy:  dispute.DefaultPolicy(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Admin returns the fixed admin identity.
func (e *Engine) Admin() common.Address { return e.admin }

// Policy returns the active dispute policy.
func (e *Engine) Policy() dispute.Policy { return e.policy }

func (e *Engine) now() time.Time { return e.nowFn().UTC() }

// mutate runs fn inside one store transaction while holding the engine lock.
func (e *Engine) mutate(ctx context.Context, op string, fn func(tx ledger.Tx, now time.Time) (*Event, error)) (*Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var evt *Event
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		var err error
		evt, err = fn(tx, now)
		return err
	})
	if err != nil {
		e.metrics.RecordRejection(op)
		e.logger.Debug("escrow operation rejected", "op", op, "err", err)
		return nil, err
	}

	e.metrics.RecordTransition(evt.EventType())
	if e.metrics != nil {
		if custody, err := e.store.Custody(ctx); err == nil {
			e.metrics.SetCustody(custody)
		}
	}
	e.logger.Info("escrow transition committed", "op", op, "event", evt.EventType(), "eventId", evt.EventID(), "escrowId", evt.Attr("escrowId"), "actor", evt.Attr("actor"))
	e.emitter.Emit(evt)
	return evt, nil
}

func loadEscrow(ctx context.Context, r ledger.Reader, id uint64) (*ledger.Escrow, error) {
	rec, err := r.GetEscrow(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("escrow: load %d: %w", id, err)
	}
	return rec, nil
}

// typeOf resolves the effective user type: the fixed admin, then the stored
// registration, then the roles implied by escrow participation.
func (e *Engine) typeOf(ctx context.Context, r ledger.Reader, addr common.Address) (ledger.UserType, error) {
	if addr == e.admin {
		return ledger.UserAdmin, nil
	}
	stored, err := r.GetUser(ctx, addr)
	if err != nil {
		return ledger.UserNone, fmt.Errorf("escrow: user type: %w", err)
	}
	if stored != ledger.UserNone {
		return stored, nil
	}
	isClient, err := r.IsParticipant(ctx, addr, ledger.RoleClient)
	if err != nil {
		return ledger.UserNone, fmt.Errorf("escrow: user type: %w", err)
	}
	if isClient {
		return ledger.UserClient, nil
	}
	isWorker, err := r.IsParticipant(ctx, addr, ledger.RoleWorker)
	if err != nil {
		return ledger.UserNone, fmt.Errorf("escrow: user type: %w", err)
	}
	if isWorker {
		return ledger.UserWorker, nil
	}
	return ledger.UserNone, nil
}

// neutralType reports whether t may vote on disputes. Identities that never
// registered and never took part in an escrow count as neutral.
func neutralType(t ledger.UserType) bool {
	return t == ledger.UserNone || t == ledger.UserVoter
}

// RegisterUser self-registers caller as a Client or a Voter.
func (e *Engine) RegisterUser(ctx context.Context, caller common.Address, t ledger.UserType) error {
	if t != ledger.UserClient && t != ledger.UserVoter {
		return ErrInvalidUserType
	}
	if caller == (common.Address{}) {
		return ErrInvalidParticipant
	}
	_, err := e.mutate(ctx, "register", func(tx ledger.Tx, now time.Time) (*Event, error) {
		current, err := e.typeOf(ctx, tx, caller)
		if err != nil {
			return nil, err
		}
		if current != ledger.UserNone {
			return nil, ErrAlreadyRegistered
		}
		if err := tx.PutUser(ctx, caller, t); err != nil {
			if errors.Is(err, ledger.ErrAlreadyRegistered) {
				return nil, ErrAlreadyRegistered
			}
			return nil, fmt.Errorf("escrow: register: %w", err)
		}
		return newUserRegisteredEvent(now, caller, t), nil
	})
	return err
}

// UserType reports the effective user type of addr.
func (e *Engine) UserType(ctx context.Context, addr common.Address) (ledger.UserType, error) {
	return e.typeOf(ctx, e.store, addr)
}

// CreateParams describes a new escrow.
type CreateParams struct {
	Worker    common.Address
	Amount    *uint256.Int
	Agreement string
}

// CreateEscrow records a new escrow for caller and moves value into custody.
func (e *Engine) CreateEscrow(ctx context.Context, caller common.Address, p CreateParams, value *uint256.Int) (uint64, error) {
	if p.Amount == nil || p.Amount.IsZero() {
		return 0, ErrZeroAmount
	}
	if value == nil || !value.Eq(p.Amount) {
		return 0, ErrAmountMismatch
	}
	zero := common.Address{}
	if caller == zero || p.Worker == zero || p.Worker == caller || caller == e.admin || p.Worker == e.admin {
		return 0, ErrInvalidParticipant
	}

	evt, err := e.mutate(ctx, "create", func(tx ledger.Tx, now time.Time) (*Event, error) {
		clientType, err := e.typeOf(ctx, tx, caller)
		if err != nil {
			return nil, err
		}
		if clientType != ledger.UserNone && clientType != ledger.UserClient {
			return nil, ErrInvalidParticipant
		}
		workerType, err := e.typeOf(ctx, tx, p.Worker)
		if err != nil {
			return nil, err
		}
		if workerType != ledger.UserNone && workerType != ledger.UserWorker {
			return nil, ErrInvalidParticipant
		}

		rec := &ledger.Escrow{
			Client:    caller,
			Worker:    p.Worker,
			Amount:    new(uint256.Int).Set(p.Amount),
			Agreement: p.Agreement,
			CreatedAt: now,
		}
		id, err := tx.PutEscrow(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("escrow: create: %w", err)
		}
		rec.ID = id
		if err := tx.LockCustody(ctx, rec.Amount); err != nil {
			return nil, fmt.Errorf("escrow: create: %w", err)
		}
		return newEscrowCreatedEvent(now, rec), nil
	})
	if err != nil {
		return 0, err
	}
	id, _ := evt.EscrowID()
	return id, nil
}

// EscrowDetails returns a snapshot of escrow id. Anyone may read any escrow.
func (e *Engine) EscrowDetails(ctx context.Context, caller common.Address, id uint64) (*ledger.Escrow, error) {
	e.logger.Debug("escrow details", "caller", caller.Hex(), "escrowId", id)
	return loadEscrow(ctx, e.store, id)
}

// SubmitWork records the worker's deliverable. It can be set only once.
func (e *Engine) SubmitWork(ctx context.Context, caller common.Address, id uint64, submission string) error {
	_, err := e.mutate(ctx, "submit", func(tx ledger.Tx, now time.Time) (*Event, error) {
		rec, err := loadEscrow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if caller != rec.Worker {
			return nil, ErrUnauthorized
		}
		if rec.Submission != "" {
			return nil, ErrAlreadySubmitted
		}
		if strings.TrimSpace(submission) == "" {
			return nil, ErrEmptySubmission
		}
		rec.Submission = submission
		if err := tx.UpdateEscrow(ctx, rec); err != nil {
			return nil, fmt.Errorf("escrow: submit: %w", err)
		}
		return newWorkSubmittedEvent(now, rec), nil
	})
	return err
}

// ApproveWork records the client's decision. A rejection opens a dispute.
func (e *Engine) ApproveWork(ctx context.Context, caller common.Address, approve bool, id uint64) error {
	_, err := e.mutate(ctx, "decide", func(tx ledger.Tx, now time.Time) (*Event, error) {
		rec, err := loadEscrow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if caller != rec.Client {
			return nil, ErrUnauthorized
		}
		if rec.Submission == "" {
			return nil, ErrUnsubmittedWork
		}
		if rec.ClientDecisionGiven {
			return nil, ErrDecisionGiven
		}
		rec.ClientDecisionGiven = true
		rec.IsDisputed = !approve
		if err := tx.UpdateEscrow(ctx, rec); err != nil {
			return nil, fmt.Errorf("escrow: decide: %w", err)
		}
		return newDecisionEvent(now, rec, approve), nil
	})
	return err
}

// VoteForDispute records a neutral voter's verdict on a disputed escrow. It
// reports whether the vote resolved the dispute under the engine policy.
func (e *Engine) VoteForDispute(ctx context.Context, caller common.Address, id uint64, verdict dispute.Verdict) (bool, error) {
	evt, err := e.mutate(ctx, "vote", func(tx ledger.Tx, now time.Time) (*Event, error) {
		rec, err := loadEscrow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		voterType, err := e.typeOf(ctx, tx, caller)
		if err != nil {
			return nil, err
		}
		if !neutralType(voterType) || rec.Involves(caller) {
			return nil, errOnlyNeutral
		}
		if !rec.IsDisputed {
			return nil, ErrNotDisputed
		}
		if rec.HasVoted(caller) {
			return nil, ErrAlreadyVoted
		}

		if verdict == dispute.VerdictWorker {
			rec.VotesYes = append(rec.VotesYes, caller)
		} else {
			rec.VotesNo = append(rec.VotesNo, caller)
		}
		resolved, favorWorker := e.policy.Tally(len(rec.VotesYes), len(rec.VotesNo))
		if resolved {
			rec.IsDisputed = false
		}
		if err := tx.UpdateEscrow(ctx, rec); err != nil {
			return nil, fmt.Errorf("escrow: vote: %w", err)
		}
		return newVoteEvent(now, rec, caller, verdict, resolved, favorWorker), nil
	})
	if err != nil {
		return false, err
	}
	return evt.EventType() == EventTypeDisputeResolved, nil
}

// DisburseFunds settles a decided escrow: the worker is paid when the client
// approved or the voters favored the worker, otherwise the client is refunded.
// Custody is released exactly once.
func (e *Engine) DisburseFunds(ctx context.Context, caller common.Address, id uint64) (common.Address, error) {
	if caller != e.admin {
		e.metrics.RecordRejection("disburse")
		e.logger.Debug("escrow operation rejected", "op", "disburse", "err", errOnlyAdmin)
		return common.Address{}, errOnlyAdmin
	}
	evt, err := e.mutate(ctx, "disburse", func(tx ledger.Tx, now time.Time) (*Event, error) {
		rec, err := loadEscrow(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if rec.IsSettled {
			return nil, ErrAlreadySettled
		}
		if !Settleable(rec) {
			return nil, ErrUnresolvedDispute
		}

		payee := rec.Client
		if dispute.FavorsWorker(len(rec.VotesYes), len(rec.VotesNo)) {
			payee = rec.Worker
		}
		if err := tx.ReleaseCustody(ctx, rec.Amount); err != nil {
			return nil, fmt.Errorf("escrow: disburse: %w", err)
		}
		if err := tx.Credit(ctx, payee, rec.Amount); err != nil {
			return nil, fmt.Errorf("escrow: disburse: %w", err)
		}
		rec.IsSettled = true
		rec.PaidTo = payee
		rec.SettledAt = &now
		if err := tx.UpdateEscrow(ctx, rec); err != nil {
			return nil, fmt.Errorf("escrow: disburse: %w", err)
		}
		return newSettledEvent(now, rec, caller), nil
	})
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(evt.Attr("paidTo")), nil
}

// EscrowIDs lists every escrow id in creation order.
func (e *Engine) EscrowIDs(ctx context.Context) ([]uint64, error) {
	ids, err := e.store.EscrowIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	return ids, nil
}

// EscrowsFor returns snapshots of the escrows in which addr holds role, in
// creation order.
func (e *Engine) EscrowsFor(ctx context.Context, addr common.Address, role ledger.Role) ([]*ledger.Escrow, error) {
	if role != ledger.RoleClient && role != ledger.RoleWorker {
		return nil, ErrInvalidRole
	}
	ids, err := e.store.EscrowIDsFor(ctx, addr, role)
	if err != nil {
		return nil, fmt.Errorf("escrow: list %s: %w", role, err)
	}
	out := make([]*ledger.Escrow, 0, len(ids))
	for _, id := range ids {
		rec, err := loadEscrow(ctx, e.store, id)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Balance returns the credited balance of addr.
func (e *Engine) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	bal, err := e.store.Balance(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("escrow: balance: %w", err)
	}
	return bal, nil
}

// Custody returns the value currently held for unsettled escrows.
func (e *Engine) Custody(ctx context.Context) (*uint256.Int, error) {
	v, err := e.store.Custody(ctx)
	if err != nil {
		return nil, fmt.Errorf("escrow: custody: %w", err)
	}
	return v, nil
}
