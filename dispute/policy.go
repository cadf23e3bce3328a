package dispute

import "errors"

// ErrBadQuorum is returned for a negative quorum.
var ErrBadQuorum = errors.New("dispute: quorum must not be negative")

// Policy decides when a disputed escrow is resolved.
//
// Quorum <= 1 resolves on the first vote cast. A larger quorum waits until at
// least Quorum votes are in and the two sides are not tied; a tie keeps the
// dispute open for another vote.
type Policy struct {
	Quorum int
}

// DefaultPolicy resolves on the first vote.
func DefaultPolicy() Policy { return Policy{Quorum: 1} }

// Validate reports whether the policy is usable.
func (p Policy) Validate() error {
	if p.Quorum < 0 {
		return ErrBadQuorum
	}
	return nil
}

// Tally evaluates the vote counts. favorWorker is only meaningful when resolved.
func (p Policy) Tally(yes, no int) (resolved bool, favorWorker bool) {
	total := yes + no
	if total == 0 {
		return false, false
	}
	need := p.Quorum
	if need < 1 {
		need = 1
	}
	if total < need || yes == no {
		return false, false
	}
	return true, yes > no
}

// FavorsWorker reports the payout direction for a settled escrow: an approval
// with no votes pays the worker, otherwise the majority decides.
func FavorsWorker(yes, no int) bool {
	if yes == 0 && no == 0 {
		return true
	}
	return yes > no
}
