package auth

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LoginRequest carries a wallet-signed login message.
type LoginRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Session is the result of a successful login.
type Session struct {
	Token     string
	Address   common.Address
	IssuedAt  time.Time
	ExpiresAt time.Time
}
