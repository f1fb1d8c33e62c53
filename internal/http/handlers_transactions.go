package http

import (
	"net/http"
	"time"

	"famledger/internal/core"
	"famledger/internal/services"
)

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request, familyID string) {
	filter, err := parseTransactionFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	txs, err := s.svc.Ledger.ListTransactions(r.Context(), familyID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(txs))
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request, familyID string) {
	tx, err := s.svc.Ledger.GetTransaction(r.Context(), familyID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request, familyID string) {
	tx, err := decodeTransaction(w, r, familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx.ID = ""

	created, err := s.svc.Ledger.CreateTransaction(r.Context(), tx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateTransaction(w http.ResponseWriter, r *http.Request, familyID string) {
	tx, err := decodeTransaction(w, r, familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tx.ID = r.PathValue("id")

	updated, err := s.svc.Ledger.UpdateTransaction(r.Context(), tx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request, familyID string) {
	if err := s.svc.Ledger.DeleteTransaction(r.Context(), familyID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, familyID string) {
	var req services.TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.FamilyID = familyID
	req.Description = sanitizeInput(req.Description)

	tx, err := s.svc.Ledger.Transfer(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// decodeTransaction reads a transaction body. Server-owned fields are
// discarded.
func decodeTransaction(w http.ResponseWriter, r *http.Request, familyID string) (core.Transaction, error) {
	var tx core.Transaction
	if err := decodeJSON(w, r, &tx); err != nil {
		return core.Transaction{}, err
	}
	tx.FamilyID = familyID
	tx.Description = sanitizeInput(tx.Description)
	tx.CreatedAt, tx.UpdatedAt = time.Time{}, time.Time{}
	return tx, nil
}
