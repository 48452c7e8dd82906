package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ansr/internal/auth"
	"ansr/internal/session"
)

type registerRequest struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, needsVerification, err := h.auth.SignUp(c.Request.Context(), req.Email, req.Password, req.Metadata)
	if err != nil {
		abortAuthError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":               user,
		"needs_verification": needsVerification,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) loginUser(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	sess, user, err := h.auth.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		abortAuthError(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	h.setAuthCookies(c, sess.AccessToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{"session": sess, "user": user})
}

func (h *Handler) logoutUser(c *gin.Context) {
	token, _ := auth.TokenFromContext(c)
	if err := h.auth.SignOut(c.Request.Context(), token); err != nil {
		abortAuthError(c, err)
		return
	}
	h.clearAuthCookies(c)
	c.JSON(http.StatusOK, gin.H{"status": "signed out"})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) refreshSession(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	sess, err := h.auth.RefreshSession(c.Request.Context(), req.RefreshToken)
	if err != nil {
		abortAuthError(c, err)
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	h.setAuthCookies(c, sess.AccessToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type resetRequest struct {
	Email string `json:"email"`
}

func (h *Handler) requestPasswordReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email required"})
		return
	}
	// the reset token goes out via mail in production; the response never
	// discloses whether the address exists
	if _, err := h.auth.ResetPassword(c.Request.Context(), req.Email); err != nil {
		if auth.KindOf(err) != auth.KindInvalidCredentials {
			abortAuthError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset requested"})
}

type updatePasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) updatePasswordByToken(c *gin.Context) {
	var req updatePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Token == "" || req.NewPassword == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token and new_password required"})
		return
	}
	userID, err := h.auth.ConsumeResetToken(c.Request.Context(), req.Token)
	if err != nil {
		abortAuthError(c, err)
		return
	}
	if err := h.auth.UpdatePassword(c.Request.Context(), userID, req.NewPassword); err != nil {
		abortAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password updated"})
}

type callbackRequest struct {
	URL string `json:"url"`
}

// recordAuthCallback remembers the auth-callback URL so recovery can
// mine it for tokens later.
func (h *Handler) recordAuthCallback(c *gin.Context) {
	var req callbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url required"})
		return
	}
	client := h.factory.Peek()
	if client == nil || client.Cache == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "callback recording unavailable"})
		return
	}
	if err := session.RecordCallbackURL(c.Request.Context(), client.Cache, req.URL); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (h *Handler) currentUser(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "is_admin": h.auth.IsAdmin(user)})
}

type profileRequest struct {
	Fields map[string]string `json:"fields"`
}

func (h *Handler) updateProfile(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fields required"})
		return
	}
	updated, err := h.auth.UpdateProfile(c.Request.Context(), user.ID, req.Fields)
	if err != nil {
		abortAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": updated})
}

func (h *Handler) verifyEmail(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	if err := h.auth.VerifyEmail(c.Request.Context(), user.ID); err != nil {
		abortAuthError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "verified"})
}

func (h *Handler) currentSession(c *gin.Context) {
	sess, ok := auth.SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	user, _ := auth.UserFromContext(c)
	c.JSON(http.StatusOK, gin.H{"session": sess, "user": user})
}
