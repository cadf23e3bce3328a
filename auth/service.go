package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
)

// LoginPrefix starts every login message; the unix issue time follows it.
const LoginPrefix = "escrowflow login "

var (
	// ErrInvalidCredentials signals a signature that does not recover to the
	// claimed address.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrBadMessage signals a login message in the wrong format.
	ErrBadMessage = errors.New("auth: malformed login message")
	// ErrStaleMessage signals a login message outside the accepted clock skew.
	ErrStaleMessage = errors.New("auth: login message expired")
	// ErrInvalidToken signals a session token that failed verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Service handles authentication business logic.
type Service struct {
	repo      Repository
	jwtSecret []byte
	tokenTTL  time.Duration
	skew      time.Duration
	now       func() time.Time
}

// Options tune token lifetime and accepted clock skew.
type Options struct {
	TokenTTL time.Duration
	Skew     time.Duration
	Now      func() time.Time
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string, opts Options) *Service {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	if opts.Skew <= 0 {
		opts.Skew = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		tokenTTL:  opts.TokenTTL,
		skew:      opts.Skew,
		now:       opts.Now,
	}
}

// LoginMessage builds the text a wallet signs to log in at t.
func LoginMessage(t time.Time) string {
	return LoginPrefix + strconv.FormatInt(t.Unix(), 10)
}

// Login verifies an EIP-191 personal signature over the login message and
// returns a session token bound to the recovered address.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	if !common.IsHexAddress(req.Address) {
		return Session{}, ErrInvalidCredentials
	}
	claimed := common.HexToAddress(req.Address)

	issuedAt, err := parseLoginMessage(req.Message)
	if err != nil {
		return Session{}, err
	}
	now := s.now()
	if issuedAt.Before(now.Add(-s.skew)) || issuedAt.After(now.Add(s.skew)) {
		return Session{}, ErrStaleMessage
	}

	signer, err := RecoverSigner(req.Message, req.Signature)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}
	if signer != claimed {
		return Session{}, ErrInvalidCredentials
	}

	if err := s.repo.ConsumeLogin(ctx, signer, issuedAt); err != nil {
		return Session{}, err
	}

	token, expires, err := s.generateToken(signer, now)
	if err != nil {
		return Session{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return Session{
		Token:     token,
		Address:   signer,
		IssuedAt:  now,
		ExpiresAt: expires,
	}, nil
}

// Prune forgets consumed login messages that can no longer pass the skew check.
func (s *Service) Prune(ctx context.Context) (int64, error) {
	return s.repo.PruneLogins(ctx, s.now().Add(-s.skew))
}

// VerifyToken validates a JWT token and returns the bound address.
func (s *Service) VerifyToken(tokenString string) (common.Address, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return common.Address{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || !common.IsHexAddress(sub) {
		return common.Address{}, fmt.Errorf("%w: invalid subject", ErrInvalidToken)
	}
	return common.HexToAddress(sub), nil
}

func (s *Service) generateToken(addr common.Address, now time.Time) (string, time.Time, error) {
	expires := now.Add(s.tokenTTL)
	claims := jwt.MapClaims{
		"sub": addr.Hex(),
		"exp": expires.Unix(),
		"iat": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expires, nil
}

func parseLoginMessage(msg string) (time.Time, error) {
	raw, ok := strings.CutPrefix(msg, LoginPrefix)
	if !ok {
		return time.Time{}, ErrBadMessage
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, ErrBadMessage
	}
	return time.Unix(secs, 0).UTC(), nil
}

// RecoverSigner returns the address that produced an EIP-191 personal
// signature over msg. The recovery id may be 0/1 or 27/28.
func RecoverSigner(msg, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("auth: decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("auth: signature must be %d bytes", crypto.SignatureLength)
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("auth: recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
