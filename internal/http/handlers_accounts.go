package http

import (
	"net/http"

	"famledger/internal/core"
	"famledger/internal/log"
	"famledger/internal/services"
)

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request, familyID string) {
	accounts, err := s.svc.Ledger.ListAccounts(r.Context(), familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accounts))
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request, familyID string) {
	var req services.AccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.FamilyID = familyID
	req.Name = sanitizeInput(req.Name)

	acc, err := s.svc.Ledger.CreateAccount(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request, familyID string) {
	acc, err := s.svc.Ledger.GetAccount(r.Context(), familyID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, familyID string) {
	if err := s.svc.Ledger.DeleteAccount(r.Context(), familyID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleReconcileAccount reports drift between the stored balance and the
// history. With ?fix=true the balance is rewritten.
func (s *Server) handleReconcileAccount(w http.ResponseWriter, r *http.Request, familyID string) {
	fix, err := parseBool(r.URL.Query(), "fix")
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	drift, err := s.svc.Reconciler.ReconcileAccount(r.Context(), familyID, id, fix)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.FromContext(r.Context()).InfoContext(r.Context(), "Account reconciled",
		log.FieldAccountID, id,
		log.FieldDrift, core.FormatAmount(drift.Difference),
		"fixed", drift.Fixed)
	writeJSON(w, http.StatusOK, drift)
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request, familyID string) {
	cats, err := s.svc.Categories.ListCategories(r.Context(), familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cats))
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request, familyID string) {
	var c core.Category
	if err := decodeJSON(w, r, &c); err != nil {
		writeError(w, r, err)
		return
	}
	c.ID = ""
	c.FamilyID = familyID
	c.Name = sanitizeInput(c.Name)

	created, err := s.svc.Categories.CreateCategory(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleFamilySetup creates the reserved debt categories. Safe to repeat.
func (s *Server) handleFamilySetup(w http.ResponseWriter, r *http.Request, familyID string) {
	cats, err := s.svc.Categories.EnsureSystemCategories(r.Context(), familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cats))
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
