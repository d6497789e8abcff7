package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/retinascan/internal/auth"
	"github.com/example/retinascan/internal/repository"
)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	user, err := h.deps.Credentials.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, repository.ErrDuplicateUser):
		c.JSON(http.StatusConflict, gin.H{"error": repository.ErrDuplicateUser.Error()})
		return
	case err != nil:
		h.writeError(c, err, "registration failed")
		return
	}

	h.startSession(c, user, http.StatusCreated, "registration successful")
}

func (h *handler) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "all fields are required"})
		return
	}

	user, err := h.deps.Credentials.Authenticate(c.Request.Context(), req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidCredentials.Error()})
		return
	case err != nil:
		h.writeError(c, err, "login failed")
		return
	}

	h.startSession(c, user, http.StatusOK, "login successful")
}

func (h *handler) startSession(c *gin.Context, user *repository.User, status int, message string) {
	token, _, err := h.deps.Sessions.Issue(auth.Identity{UserID: user.ID, Username: user.Username})
	if err != nil {
		h.writeError(c, err, "failed to start session")
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookie, token, int(h.deps.Sessions.TTL().Seconds()), "/", "", h.deps.SecureCookie, true)
	c.JSON(status, gin.H{"message": message, "username": user.Username, "token": token})
}

// logout revokes the presented session, if any, and always clears the cookie.
func (h *handler) logout(c *gin.Context) {
	if token, err := auth.ExtractToken(c.Request); err == nil {
		if session, err := h.deps.Sessions.Verify(c.Request.Context(), token); err == nil {
			if err := h.deps.Sessions.Revoke(c.Request.Context(), session); err != nil {
				h.writeError(c, err, "logout failed")
				return
			}
		}
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.SessionCookie, "", -1, "/", "", h.deps.SecureCookie, true)
	c.JSON(http.StatusOK, gin.H{"message": "logged out successfully"})
}

func (h *handler) checkAuth(c *gin.Context) {
	token, err := auth.ExtractToken(c.Request)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	session, err := h.deps.Sessions.Verify(c.Request.Context(), token)
	if errors.Is(err, auth.ErrSessionStore) {
		h.writeError(c, err, "")
		return
	}
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "username": session.Username})
}
