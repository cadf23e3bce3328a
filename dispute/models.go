package dispute

// Status represents the lifecycle of a dispute attached to an escrow.
type Status string

const (
	StatusNone        Status = "none"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// StatusOf derives the dispute status from the escrow flags. A rejection opens
// the dispute; a resolving vote clears IsDisputed while the decision stays given.
func StatusOf(isDisputed, decisionGiven bool, votes int) Status {
	switch {
	case isDisputed:
		return StatusUnderReview
	case decisionGiven && votes > 0:
		return StatusResolved
	default:
		return StatusNone
	}
}

// Verdict is a single voter's position. VerdictWorker means the work was
// acceptable and the worker should be paid.
type Verdict bool

const (
	VerdictClient Verdict = false
	VerdictWorker Verdict = true
)

func (v Verdict) String() string {
	if v {
		return "worker"
	}
	return "client"
}
