package http

import (
	"net/http"

	"famledger/internal/core"
	"famledger/internal/services"
)

func (s *Server) handleListDebts(w http.ResponseWriter, r *http.Request, familyID string) {
	debts, err := s.svc.Debts.ListDebts(r.Context(), familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(debts))
}

func (s *Server) handleCreateDebt(w http.ResponseWriter, r *http.Request, familyID string) {
	var req core.DebtRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.FamilyID = familyID
	req.Description = sanitizeInput(req.Description)

	debt, err := s.svc.Debts.CreateDebt(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, debt)
}

func (s *Server) handleGetDebt(w http.ResponseWriter, r *http.Request, familyID string) {
	debt, err := s.svc.Debts.GetDebt(r.Context(), familyID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, debt)
}

func (s *Server) handleUpdateDebt(w http.ResponseWriter, r *http.Request, familyID string) {
	var u services.DebtUpdate
	if err := decodeJSON(w, r, &u); err != nil {
		writeError(w, r, err)
		return
	}
	u.FamilyID = familyID
	u.ID = r.PathValue("id")
	if u.Description != nil {
		d := sanitizeInput(*u.Description)
		u.Description = &d
	}

	debt, err := s.svc.Debts.UpdateDebt(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, debt)
}

func (s *Server) handleDeleteDebt(w http.ResponseWriter, r *http.Request, familyID string) {
	if err := s.svc.Debts.DeleteDebt(r.Context(), familyID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePayDebt applies one payment. The Idempotency-Key header identifies
// the attempt: repeating a completed key returns the stored result with 200,
// and repeating a partially applied key resumes it.
func (s *Server) handlePayDebt(w http.ResponseWriter, r *http.Request, familyID string) {
	var req core.PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.FamilyID = familyID
	req.DebtID = r.PathValue("id")
	req.IdempotencyKey = sanitizeInput(r.Header.Get(headerIdempotencyKey))
	req.Description = sanitizeInput(req.Description)

	res, err := s.svc.Debts.PayDebt(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	NewJSONResponse().
		Status(status).
		Header(headerIdempotencyKey, res.IntentKey).
		Body(res).
		Write(w)
}
