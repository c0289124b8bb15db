// Package http contains the sync backend's HTTP handlers.
package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quickswitch/quickswitch/internal/api/middleware"
	"github.com/quickswitch/quickswitch/internal/domain/account"
	"github.com/quickswitch/quickswitch/internal/domain/vault"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

// Handlers contains all HTTP handlers of the sync backend.
type Handlers struct {
	accounts *account.Manager
	vault    *vault.Vault
}

// NewHandlers creates a new handler set.
func NewHandlers(accounts *account.Manager, sessions *vault.Vault) *Handlers {
	return &Handlers{accounts: accounts, vault: sessions}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Root handles the liveness check.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  "online",
		"service": "QuickSwitch Sync Backend",
	})
}

// Register creates an account and returns its identity and token.
func (h *Handlers) Register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "email and password are required")
		return
	}

	user, token, err := h.accounts.Register(req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"id":      user.ID,
		"email":   user.Email,
		"token":   token,
	})
}

// Login authenticates an account.
func (h *Handlers) Login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "email and password are required")
		return
	}

	user, token, err := h.accounts.Login(req.Email, req.Password)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      user.ID,
		"email":   user.Email,
		"token":   token,
	})
}

// Me returns the authenticated user.
func (h *Handlers) Me(c *gin.Context) {
	user, err := h.accounts.Get(middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"id":      user.ID,
		"email":   user.Email,
	})
}

// ListSessions returns all sessions of the authenticated user.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions, err := h.vault.List(middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": sessions,
	})
}

// UpsertSession creates or updates a session by its ID.
func (h *Handlers) UpsertSession(c *gin.Context) {
	var session types.Session
	if err := c.ShouldBindJSON(&session); err != nil {
		fail(c, http.StatusBadRequest, "invalid session payload")
		return
	}
	if session.ID == "" || session.Name == "" || session.Domain == "" || session.Origin == "" {
		fail(c, http.StatusBadRequest, "sessionId, sessionName, domain and origin are required")
		return
	}

	if err := h.vault.Upsert(middleware.UserID(c), &session); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"id":      session.ID,
	})
}

// DeleteSession removes a session.
func (h *Handlers) DeleteSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.vault.Delete(middleware.UserID(c), sessionID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "session deleted",
	})
}

// SyncSessions applies a client change set and returns the authoritative
// session list.
func (h *Handlers) SyncSessions(c *gin.Context) {
	var changes types.ChangeSet
	if err := c.ShouldBindJSON(&changes); err != nil {
		fail(c, http.StatusBadRequest, "invalid change set")
		return
	}

	sessions, err := h.vault.ApplySync(middleware.UserID(c), changes)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"sessions": sessions,
	})
}

// fail writes a uniform error envelope.
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"message": message,
	})
}

// respondError maps taxonomy errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, types.ErrUnauthenticated):
		fail(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, types.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	default:
		fail(c, http.StatusInternalServerError, "internal server error")
	}
}
