package http

import (
	"net/http"
	"time"

	"famledger/internal/core"
)

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request, familyID string) {
	budgets, err := s.svc.Budgets.ListBudgets(r.Context(), familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(budgets))
}

func (s *Server) handleCreateBudget(w http.ResponseWriter, r *http.Request, familyID string) {
	b, err := decodeBudget(w, r, familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.ID = ""

	created, err := s.svc.Budgets.CreateBudget(r.Context(), b)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetBudget(w http.ResponseWriter, r *http.Request, familyID string) {
	b, err := s.svc.Budgets.GetBudget(r.Context(), familyID, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleUpdateBudget(w http.ResponseWriter, r *http.Request, familyID string) {
	b, err := decodeBudget(w, r, familyID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	b.ID = r.PathValue("id")

	updated, err := s.svc.Budgets.UpdateBudget(r.Context(), b)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request, familyID string) {
	if err := s.svc.Budgets.DeleteBudget(r.Context(), familyID, r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBudgetStatus measures one budget, at ?at= when given.
func (s *Server) handleBudgetStatus(w http.ResponseWriter, r *http.Request, familyID string) {
	at, err := parseTime("at", r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := s.svc.Budgets.Status(r.Context(), familyID, r.PathValue("id"), at)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAllBudgetStatus(w http.ResponseWriter, r *http.Request, familyID string) {
	at, err := parseTime("at", r.URL.Query().Get("at"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	statuses, err := s.svc.Budgets.StatusAll(r.Context(), familyID, at)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(statuses))
}

func decodeBudget(w http.ResponseWriter, r *http.Request, familyID string) (core.Budget, error) {
	var b core.Budget
	if err := decodeJSON(w, r, &b); err != nil {
		return core.Budget{}, err
	}
	b.FamilyID = familyID
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return b, nil
}
