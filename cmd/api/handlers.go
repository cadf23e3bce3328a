package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/ledger"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func escrowIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid escrow id")
		return 0, false
	}
	return id, true
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("amount is required")
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("amount must be a non-negative decimal integer")
	}
	return v, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.escrowService.Custody(r.Context()); err != nil {
		s.logger.Warn("health check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionResponse struct {
	Token     string `json:"token"`
	Address   string `json:"address"`
	ExpiresAt string `json:"expiresAt"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	session, err := s.sessionService.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     session.Token,
		Address:   session.Address.Hex(),
		ExpiresAt: session.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type userResponse struct {
	Address  string `json:"address"`
	UserType string `json:"userType"`
	Code     uint8  `json:"code"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req struct {
		UserType string `json:"userType"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	t, ok := ledger.ParseUserType(strings.ToLower(strings.TrimSpace(req.UserType)))
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown user type")
		return
	}
	if err := s.escrowService.RegisterUser(r.Context(), caller, t); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{Address: caller.Hex(), UserType: t.String(), Code: uint8(t)})
}

func (s *Server) writeUser(w http.ResponseWriter, r *http.Request, addr common.Address) {
	t, err := s.escrowService.UserType(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{Address: addr.Hex(), UserType: t.String(), Code: uint8(t)})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	s.writeUser(w, r, caller)
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	s.writeUser(w, r, common.HexToAddress(raw))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	role := strings.TrimSpace(r.URL.Query().Get("role"))

	var (
		recs []*ledger.Escrow
		err  error
	)
	if role != "" {
		recs, err = s.escrowService.EscrowsFor(r.Context(), caller, ledger.Role(role))
	} else {
		var ids []uint64
		ids, err = s.escrowService.EscrowIDs(r.Context())
		for _, id := range ids {
			if err != nil {
				break
			}
			var rec *ledger.Escrow
			rec, err = s.escrowService.EscrowDetails(r.Context(), caller, id)
			recs = append(recs, rec)
		}
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	items := make([]escrowResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, toEscrowResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

type createEscrowRequest struct {
	Worker    string `json:"worker"`
	Amount    string `json:"amount"`
	Value     string `json:"value"`
	Agreement string `json:"agreement"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	var req createEscrowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Worker) {
		writeError(w, http.StatusBadRequest, "invalid worker address")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	value := amount
	if strings.TrimSpace(req.Value) != "" {
		if value, err = parseAmount(req.Value); err != nil {
			writeError(w, http.StatusBadRequest, "value: "+err.Error())
			return
		}
	}

	id, err := s.escrowService.CreateEscrow(r.Context(), caller, escrow.CreateParams{
		Worker:    common.HexToAddress(req.Worker),
		Amount:    amount,
		Agreement: req.Agreement,
	}, value)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeEscrow(w, r, http.StatusCreated, id, nil)
}

// writeEscrow responds with the authoritative post-state of escrow id, merged
// with any extra fields.
func (s *Server) writeEscrow(w http.ResponseWriter, r *http.Request, status int, id uint64, extra map[string]any) {
	caller, _ := callerFrom(r.Context())
	rec, err := s.escrowService.EscrowDetails(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if extra == nil {
		writeJSON(w, status, toEscrowResponse(rec))
		return
	}
	extra["escrow"] = toEscrowResponse(rec)
	writeJSON(w, status, extra)
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	s.writeEscrow(w, r, http.StatusOK, id, nil)
}

func (s *Server) handleSubmitWork(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Submission string `json:"submission"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.escrowService.SubmitWork(r.Context(), caller, id, req.Submission); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeEscrow(w, r, http.StatusOK, id, nil)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Approve *bool `json:"approve"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Approve == nil {
		writeError(w, http.StatusBadRequest, "approve is required")
		return
	}
	if err := s.escrowService.ApproveWork(r.Context(), caller, *req.Approve, id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeEscrow(w, r, http.StatusOK, id, nil)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Verdict *bool `json:"verdict"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Verdict == nil {
		writeError(w, http.StatusBadRequest, "verdict is required")
		return
	}
	resolved, err := s.escrowService.VoteForDispute(r.Context(), caller, id, dispute.Verdict(*req.Verdict))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeEscrow(w, r, http.StatusOK, id, map[string]any{"resolved": resolved})
}

func (s *Server) handleDisburse(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	id, ok := escrowIDParam(w, r)
	if !ok {
		return
	}
	paidTo, err := s.escrowService.DisburseFunds(r.Context(), caller, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeEscrow(w, r, http.StatusOK, id, map[string]any{"paidTo": paidTo.Hex()})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFrom(r.Context())
	addr := caller
	if raw := r.URL.Query().Get("address"); raw != "" {
		if !common.IsHexAddress(raw) {
			writeError(w, http.StatusBadRequest, "invalid address")
			return
		}
		addr = common.HexToAddress(raw)
	}
	bal, err := s.escrowService.Balance(r.Context(), addr)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": bal.Dec()})
}

func (s *Server) handleCustody(w http.ResponseWriter, r *http.Request) {
	v, err := s.escrowService.Custody(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"custody": v.Dec(), "admin": s.escrowService.Admin().Hex()})
}
