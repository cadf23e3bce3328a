package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// UserType is the participant classification held by the registry. The numeric
// values are part of the external contract and must not be reordered.
type UserType uint8

const (
	UserNone UserType = iota
	UserAdmin
	UserClient
	UserWorker
	UserVoter
)

func (t UserType) String() string {
	switch t {
	case UserNone:
		return "none"
	case UserAdmin:
		return "admin"
	case UserClient:
		return "client"
	case UserWorker:
		return "worker"
	case UserVoter:
		return "voter"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the declared user types.
func (t UserType) Valid() bool {
	return t <= UserVoter
}

// ParseUserType maps the lower-case name back to a UserType.
func ParseUserType(name string) (UserType, bool) {
	for t := UserNone; t <= UserVoter; t++ {
		if t.String() == name {
			return t, true
		}
	}
	return UserNone, false
}

// Role selects which per-party index is consulted.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
)

// Escrow mirrors a single escrow record. Stores hand out clones so callers never
// alias persisted state.
type Escrow struct {
	ID                  uint64
	Client              common.Address
	Worker              common.Address
	Amount              *uint256.Int
	Agreement           string
	Submission          string
	IsDisputed          bool
	ClientDecisionGiven bool
	IsSettled           bool
	VotesYes            []common.Address
	VotesNo             []common.Address
	PaidTo              common.Address
	CreatedAt           time.Time
	SettledAt           *time.Time
}

// Clone returns a deep copy of the record.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(uint256.Int).Set(e.Amount)
	} else {
		clone.Amount = new(uint256.Int)
	}
	clone.VotesYes = append([]common.Address(nil), e.VotesYes...)
	clone.VotesNo = append([]common.Address(nil), e.VotesNo...)
	if e.SettledAt != nil {
		at := *e.SettledAt
		clone.SettledAt = &at
	}
	return &clone
}

// HasVoted reports whether voter appears in either vote list.
func (e *Escrow) HasVoted(voter common.Address) bool {
	for _, v := range e.VotesYes {
		if v == voter {
			return true
		}
	}
	for _, v := range e.VotesNo {
		if v == voter {
			return true
		}
	}
	return false
}

// Involves reports whether addr is the client or the worker of the escrow.
func (e *Escrow) Involves(addr common.Address) bool {
	return e.Client == addr || e.Worker == addr
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
