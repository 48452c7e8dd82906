package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ansr/internal/auth"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// cookies already gate the upgrade, cross-origin pages cannot read frames
		return true
	},
}

// sessionHealth probes the client handle and reports monitor state.
func (h *Handler) sessionHealth(c *gin.Context) {
	status := "healthy"
	var detail string
	client, err := h.factory.Client(c.Request.Context())
	if err == nil {
		err = client.HealthCheck(c.Request.Context())
	}
	if err != nil {
		status = "unhealthy"
		detail = err.Error()
	}
	payload := gin.H{
		"status":            status,
		"detail":            detail,
		"generation":        h.factory.Generation(),
		"failed_checks":     h.monitor.FailureCount(),
		"recovery_attempts": h.recovery.AttemptCount(),
	}
	if h.store != nil {
		snap := h.store.Snapshot()
		payload["store_loading"] = snap.Loading
		payload["store_bound"] = snap.Session != nil
		if snap.Err != nil {
			payload["store_error"] = snap.Err.Error()
		}
	}
	c.JSON(http.StatusOK, payload)
}

// recoverSession runs the recovery heuristic on demand and returns the
// step that resolved it, or why nothing did.
func (h *Handler) recoverSession(c *gin.Context) {
	res := h.recovery.Attempt(c.Request.Context())
	code := http.StatusOK
	if !res.Success {
		code = http.StatusConflict
	}
	c.JSON(code, res)
}

func (h *Handler) serveWS(c *gin.Context) {
	user, ok := auth.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return
	}
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	h.sockets.Register(user.ID, conn)
}
