package escrow

import "errors"

var (
	ErrZeroAmount         = errors.New("escrow: amount must be positive")
	ErrAmountMismatch     = errors.New("escrow: attached value does not match amount")
	ErrInvalidParticipant = errors.New("escrow: invalid participant")
	ErrInvalidUserType    = errors.New("escrow: user type cannot be self-registered")
	ErrInvalidRole        = errors.New("escrow: unknown role")
	ErrNotFound           = errors.New("escrow: not found")
	ErrAlreadyRegistered  = errors.New("escrow: identity already registered")
	ErrAlreadySubmitted   = errors.New("escrow: work already submitted")
	ErrEmptySubmission    = errors.New("escrow: submission is empty")
	ErrUnsubmittedWork    = errors.New("escrow: work not submitted")
	ErrDecisionGiven      = errors.New("escrow: client decision already given")
	ErrNotDisputed        = errors.New("escrow: escrow is not disputed")
	ErrAlreadyVoted       = errors.New("escrow: voter already voted")
	ErrUnauthorized       = errors.New("escrow: unauthorized")
	ErrNotNeutral         = errors.New("escrow: voter is not neutral")
	ErrNotAdmin           = errors.New("escrow: caller is not admin")
	ErrUnresolvedDispute  = errors.New("escrow: dispute not resolved")
	ErrAlreadySettled     = errors.New("escrow: already settled")
	ErrEngineConfig       = errors.New("escrow: engine requires a store and an admin identity")
)

// authError is a specific authorization failure that also matches
// ErrUnauthorized.
type authError struct {
	specific error
}

func (e authError) Error() string { return e.specific.Error() }

func (e authError) Is(target error) bool {
	return target == ErrUnauthorized || target == e.specific
}

func (e authError) Unwrap() error { return e.specific }

var (
	errOnlyNeutral = authError{specific: ErrNotNeutral}
	errOnlyAdmin   = authError{specific: ErrNotAdmin}
)

var messages = map[error]string{
	ErrZeroAmount:        "Escrow amount should not be 0",
	ErrNotFound:          "Escrow does not exist!",
	ErrUnsubmittedWork:   "Cannot judge unsubmitted work",
	ErrNotNeutral:        "Only neutral voter!",
	ErrNotAdmin:          "Not Admin",
	ErrUnresolvedDispute: "Escrow dispute not resolved!",
	ErrAlreadySettled:    "Escrow already settled",
}

// Message returns the user-facing text for an engine error. Errors without a
// dedicated message fall back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, msg := range messages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	return err.Error()
}
