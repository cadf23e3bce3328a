package escrow

import "escrowflow/ledger"

// Stage is the composite lifecycle position derived from the record flags.
type Stage string

const (
	StageCreated   Stage = "created"
	StageSubmitted Stage = "submitted"
	StageApproved  Stage = "approved"
	StageDisputed  Stage = "disputed"
	StageResolved  Stage = "resolved"
	StageSettled   Stage = "settled"
)

// StageOf derives the stage of rec. A rejection moves straight to disputed.
func StageOf(rec *ledger.Escrow) Stage {
	switch {
	case rec.IsSettled:
		return StageSettled
	case rec.IsDisputed:
		return StageDisputed
	case rec.ClientDecisionGiven && len(rec.VotesYes)+len(rec.VotesNo) > 0:
		return StageResolved
	case rec.ClientDecisionGiven:
		return StageApproved
	case rec.Submission != "":
		return StageSubmitted
	default:
		return StageCreated
	}
}

// Settleable reports whether the admin may disburse rec now.
func Settleable(rec *ledger.Escrow) bool {
	return !rec.IsSettled && rec.ClientDecisionGiven && !rec.IsDisputed
}
