package main

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/events"
	"escrowflow/ledger"
	"escrowflow/metrics"
)

type escrowService interface {
	Admin() common.Address
	RegisterUser(ctx context.Context, caller common.Address, t ledger.UserType) error
	UserType(ctx context.Context, addr common.Address) (ledger.UserType, error)
	CreateEscrow(ctx context.Context, caller common.Address, p escrow.CreateParams, value *uint256.Int) (uint64, error)
	EscrowDetails(ctx context.Context, caller common.Address, id uint64) (*ledger.Escrow, error)
	EscrowIDs(ctx context.Context) ([]uint64, error)
	EscrowsFor(ctx context.Context, addr common.Address, role ledger.Role) ([]*ledger.Escrow, error)
	SubmitWork(ctx context.Context, caller common.Address, id uint64, submission string) error
	ApproveWork(ctx context.Context, caller common.Address, approve bool, id uint64) error
	VoteForDispute(ctx context.Context, caller common.Address, id uint64, verdict dispute.Verdict) (bool, error)
	DisburseFunds(ctx context.Context, caller common.Address, id uint64) (common.Address, error)
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	Custody(ctx context.Context) (*uint256.Int, error)
}

type sessionService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.Session, error)
	VerifyToken(token string) (common.Address, error)
}

type eventSource interface {
	Subscribe(buffer int) (<-chan events.Envelope, func())
}

// ServerOptions tunes the HTTP layer.
type ServerOptions struct {
	RatePerSecond float64
	RateBurst     int
	EventBuffer   int
}

// Server is the HTTP collaborating layer over the escrow engine.
type Server struct {
	escrowService  escrowService
	sessionService sessionService
	events         eventSource
	metrics        *metrics.Metrics
	logger         *slog.Logger
	limiter        *rateLimiter
	eventBuffer    int

	closeOnce sync.Once
	done      chan struct{}
}

// NewServer wires the handlers. Nil logger falls back to slog.Default.
func NewServer(svc escrowService, sessions sessionService, source eventSource, m *metrics.Metrics, logger *slog.Logger, opts ServerOptions) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		escrowService:  svc,
		sessionService: sessions,
		events:         source,
		metrics:        m,
		logger:         logger,
		limiter:        newRateLimiter(opts.RatePerSecond, opts.RateBurst),
		eventBuffer:    opts.EventBuffer,
		done:           make(chan struct{}),
	}
}

// Close ends every open event stream. Safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.limitByIP).Post("/session", s.handleSession)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.limitByCaller)

			r.Post("/users/register", s.handleRegister)
			r.Get("/users/me", s.handleMe)
			r.Get("/users/{address}", s.handleUser)

			r.Get("/escrows", s.handleListEscrows)
			r.Post("/escrows", s.handleCreateEscrow)
			r.Get("/escrows/{id}", s.handleEscrow)
			r.Post("/escrows/{id}/submission", s.handleSubmitWork)
			r.Post("/escrows/{id}/decision", s.handleDecision)
			r.Post("/escrows/{id}/votes", s.handleVote)
			r.Post("/escrows/{id}/disbursement", s.handleDisburse)

			r.Get("/balance", s.handleBalance)
			r.Get("/custody", s.handleCustody)
			r.Get("/events", s.handleEvents)
		})
	})
	return r
}
