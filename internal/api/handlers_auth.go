package api

import (
	"errors"
	"net/http"

	"studio/server/internal/auth"
	"studio/server/internal/model"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

type loginResponse struct {
	auth.Tokens
	User operatorView `json:"user"`
}

// operatorView is what the dashboard shows for the signed-in operator,
// including the editor state it has to restore after a reload.
type operatorView struct {
	ID             string         `json:"id"`
	Email          string         `json:"email"`
	Role           model.UserRole `json:"role"`
	Status         string         `json:"status,omitempty"`
	PendingRemoval string         `json:"pending_removal,omitempty"`
	RunningBatches int            `json:"running_batches"`
}

func (s *Server) login(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid login payload", false, nil)
		return
	}
	user, tokens, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			writeError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", false, nil)
			return
		}
		s.log.Error("login failed", "trace_id", traceIDFromContext(c), "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Login failed", true, nil)
		return
	}
	writeData(c, http.StatusOK, loginResponse{Tokens: tokens, User: s.operatorView(user)})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func bindRefresh(c *gin.Context) (string, bool) {
	if !requireJSON(c) {
		return "", false
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "refresh_token is required", false, nil)
		return "", false
	}
	return req.RefreshToken, true
}

func (s *Server) refresh(c *gin.Context) {
	token, ok := bindRefresh(c)
	if !ok {
		return
	}
	tokens, err := s.auth.Refresh(c.Request.Context(), token)
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		writeError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "Refresh token expired", false, nil)
	case err != nil:
		writeUnauthorized(c)
	default:
		writeData(c, http.StatusOK, tokens)
	}
}

func (s *Server) logout(c *gin.Context) {
	token, ok := bindRefresh(c)
	if !ok {
		return
	}
	if err := s.auth.Logout(c.Request.Context(), token); err != nil {
		writeUnauthorized(c)
		return
	}
	writeData(c, http.StatusOK, gin.H{"ok": true})
}

func (s *Server) me(c *gin.Context) {
	user, ok := s.auth.Operator()
	if !ok || user.ID != ctxString(c, ctxUserID) {
		writeUnauthorized(c)
		return
	}
	writeData(c, http.StatusOK, s.operatorView(user))
}

func (s *Server) operatorView(user model.User) operatorView {
	running := 0
	for _, run := range s.batches.List() {
		if run.Status == model.BatchRunning {
			running++
		}
	}
	return operatorView{
		ID:             user.ID,
		Email:          user.Email,
		Role:           user.Role,
		Status:         user.Status,
		PendingRemoval: s.seq.PendingRemoval(),
		RunningBatches: running,
	}
}
