package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFor maps engine and auth errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized),
		errors.Is(err, escrow.ErrNotNeutral),
		errors.Is(err, escrow.ErrNotAdmin):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrZeroAmount),
		errors.Is(err, escrow.ErrAmountMismatch),
		errors.Is(err, escrow.ErrInvalidParticipant),
		errors.Is(err, escrow.ErrEmptySubmission),
		errors.Is(err, escrow.ErrInvalidUserType),
		errors.Is(err, escrow.ErrInvalidRole),
		errors.Is(err, auth.ErrBadMessage):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrAlreadyRegistered),
		errors.Is(err, escrow.ErrAlreadySubmitted),
		errors.Is(err, escrow.ErrUnsubmittedWork),
		errors.Is(err, escrow.ErrDecisionGiven),
		errors.Is(err, escrow.ErrNotDisputed),
		errors.Is(err, escrow.ErrAlreadyVoted),
		errors.Is(err, escrow.ErrUnresolvedDispute),
		errors.Is(err, escrow.ErrAlreadySettled),
		errors.Is(err, auth.ErrReplayedLogin):
		return http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrStaleMessage),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Unexpected errors are logged and
// hidden from the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, escrow.Message(err))
}

type escrowResponse struct {
	ID                  uint64   `json:"id"`
	Client              string   `json:"client"`
	Worker              string   `json:"worker"`
	Amount              string   `json:"amount"`
	Agreement           string   `json:"agreement"`
	Submission          string   `json:"submission"`
	IsDisputed          bool     `json:"isDisputed"`
	ClientDecisionGiven bool     `json:"clientDecisionGiven"`
	IsSettled           bool     `json:"isSettled"`
	VotesYes            []string `json:"votesYes"`
	VotesNo             []string `json:"votesNo"`
	Stage               string   `json:"stage"`
	DisputeStatus       string   `json:"disputeStatus"`
	PaidTo              string   `json:"paidTo,omitempty"`
	CreatedAt           string   `json:"createdAt"`
	SettledAt           string   `json:"settledAt,omitempty"`
}

func toEscrowResponse(rec *ledger.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:                  rec.ID,
		Client:              rec.Client.Hex(),
		Worker:              rec.Worker.Hex(),
		Amount:              rec.Amount.Dec(),
		Agreement:           rec.Agreement,
		Submission:          rec.Submission,
		IsDisputed:          rec.IsDisputed,
		ClientDecisionGiven: rec.ClientDecisionGiven,
		IsSettled:           rec.IsSettled,
		VotesYes:            make([]string, 0, len(rec.VotesYes)),
		VotesNo:             make([]string, 0, len(rec.VotesNo)),
		Stage:               string(escrow.StageOf(rec)),
		DisputeStatus:       string(dispute.StatusOf(rec.IsDisputed, rec.ClientDecisionGiven, len(rec.VotesYes)+len(rec.VotesNo))),
		CreatedAt:           rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	for _, v := range rec.VotesYes {
		resp.VotesYes = append(resp.VotesYes, v.Hex())
	}
	for _, v := range rec.VotesNo {
		resp.VotesNo = append(resp.VotesNo, v.Hex())
	}
	if rec.IsSettled {
		resp.PaidTo = rec.PaidTo.Hex()
	}
	if rec.SettledAt != nil {
		resp.SettledAt = rec.SettledAt.UTC().Format(time.RFC3339)
	}
	return resp
}
