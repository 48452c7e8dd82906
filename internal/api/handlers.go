package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ansr/internal/auth"
	"ansr/internal/hub"
	"ansr/internal/respond"
	"ansr/internal/session"
	"ansr/internal/stream"
	"ansr/internal/worker"
)

// Handler wires HTTP routes to the auth, response, and upload services.
type Handler struct {
	auth       *auth.Service
	guard      *auth.Guard
	respond    *respond.Service
	uploads    *worker.Manager
	dispatcher *worker.Dispatcher
	stream     *stream.Client
	factory    *session.Factory
	store      *session.Store
	recovery   *session.Recovery
	monitor    *session.Monitor
	sockets    *hub.Hub
}

type Deps struct {
	Auth       *auth.Service
	Guard      *auth.Guard
	Respond    *respond.Service
	Uploads    *worker.Manager
	Dispatcher *worker.Dispatcher
	Stream     *stream.Client
	Factory    *session.Factory
	Store      *session.Store
	Recovery   *session.Recovery
	Monitor    *session.Monitor
	Sockets    *hub.Hub
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		auth:       d.Auth,
		guard:      d.Guard,
		respond:    d.Respond,
		uploads:    d.Uploads,
		dispatcher: d.Dispatcher,
		stream:     d.Stream,
		factory:    d.Factory,
		store:      d.Store,
		recovery:   d.Recovery,
		monitor:    d.Monitor,
		sockets:    d.Sockets,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.POST("/auth/register", h.registerUser)
	api.POST("/auth/login", h.loginUser)
	api.POST("/auth/refresh", h.refreshSession)
	api.POST("/auth/reset-password", h.requestPasswordReset)
	api.POST("/auth/update-password", h.updatePasswordByToken)
	api.POST("/auth/callback", h.recordAuthCallback)

	api.GET("/campaigns/:id", h.getCampaign)
	api.GET("/quotes", h.listQuotes)

	authed := api.Group("")
	authed.Use(h.guard.RequireAuth(), h.auth.CSRFMiddleware())
	authed.POST("/auth/logout", h.logoutUser)
	authed.GET("/me", h.currentUser)
	authed.PUT("/me/profile", h.updateProfile)
	authed.POST("/me/verify", h.verifyEmail)
	authed.GET("/session", h.currentSession)
	authed.GET("/session/health", h.sessionHealth)
	authed.POST("/session/recover", h.recoverSession)

	authed.POST("/campaigns", h.createCampaign)
	authed.GET("/campaigns", h.listCampaigns)
	authed.PATCH("/campaigns/:id/status", h.updateCampaignStatus)
	authed.GET("/campaigns/:id/conversation", h.getConversation)
	authed.POST("/campaigns/:id/responses", h.submitTextResponse)
	authed.POST("/campaigns/:id/uploads", h.createUpload)
	authed.GET("/uploads/:id", h.getUpload)

	authed.GET("/ws", h.serveWS)
}

// statusForKind maps auth failure kinds onto HTTP statuses.
func statusForKind(kind auth.Kind) int {
	switch kind {
	case auth.KindInvalidCredentials:
		return http.StatusUnauthorized
	case auth.KindSessionNotFound, auth.KindSessionExpired:
		return http.StatusUnauthorized
	case auth.KindConflict:
		return http.StatusConflict
	case auth.KindInvalidRequest:
		return http.StatusBadRequest
	case auth.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortAuthError(c *gin.Context, err error) {
	kind := auth.KindOf(err)
	c.JSON(statusForKind(kind), gin.H{"error": err.Error(), "kind": string(kind)})
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.SessionTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck.Expires.IsZero() && ck.MaxAge > 0 {
		ck.Expires = time.Now().Add(time.Duration(ck.MaxAge) * time.Second)
	}
	http.SetCookie(c.Writer, ck)
}
