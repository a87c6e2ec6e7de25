package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sendrecord-crawler/internal/account"
	"github.com/JakeFAU/sendrecord-crawler/internal/crawler"
)

type addAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type activeRequest struct {
	Active *bool `json:"active"`
}

type onlineRequest struct {
	Online *bool `json:"online"`
}

type accountView struct {
	crawler.Account
	IsOnline bool `json:"is_online"`
}

func viewAccount(a crawler.Account) accountView {
	return accountView{Account: a, IsOnline: a.Online()}
}

func (s *Server) listAccounts(w http.ResponseWriter, _ *http.Request) {
	accts := s.accounts.List()
	out := make([]accountView, 0, len(accts))
	for _, a := range accts {
		out = append(out, viewAccount(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.accounts.Get(chi.URLParam(r, "username"))
	if err != nil {
		s.writeAccountError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(a))
}

func (s *Server) addAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.accounts.Add(r.Context(), req.Username, req.Password); err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.respondAccount(w, http.StatusCreated, req.Username)
}

func (s *Server) removeAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.Remove(r.Context(), chi.URLParam(r, "username")); err != nil {
		s.writeAccountError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setAccountActive(w http.ResponseWriter, r *http.Request) {
	var req activeRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "active flag required")
		return
	}
	username := chi.URLParam(r, "username")
	if err := s.accounts.SetActive(r.Context(), username, *req.Active); err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.respondAccount(w, http.StatusOK, username)
}

func (s *Server) setAccountOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Online == nil {
		writeError(w, http.StatusBadRequest, "online flag required")
		return
	}
	username := chi.URLParam(r, "username")
	if err := s.accounts.SetOnline(r.Context(), username, *req.Online); err != nil {
		s.writeAccountError(w, err)
		return
	}
	s.respondAccount(w, http.StatusOK, username)
}

func (s *Server) respondAccount(w http.ResponseWriter, status int, username string) {
	a, err := s.accounts.Get(username)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}
	writeJSON(w, status, viewAccount(a))
}

func (s *Server) writeAccountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, account.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, account.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrExists), errors.Is(err, account.ErrNoToken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, account.ErrLoginFailed), errors.Is(err, account.ErrLogoutFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error("account operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
