package api

import (
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/twilight-project/forkscanner/internal/command"
	"github.com/twilight-project/forkscanner/internal/dispatch"
	"github.com/twilight-project/forkscanner/pkg/models"
)

// commandRatePerMin is how many set-tip commands per minute a single IP may
// submit, burst 5 — the same shape as the teacher's analyze-endpoint
// limiter, applied here to the one write endpoint this service exposes.
const commandRatePerMin = 30
const commandBurst = 5

type handler struct {
	hub  *dispatch.Hub
	cmds *command.Queue
}

// SetupRouter builds the engine's thin front door: a health check, a
// websocket relay of every dispatcher event, and the one command the spec
// defines (spec §4.9, §4.10, §6). Grounded on the teacher's SetupRouter —
// CORS middleware, the public/protected route-group split, and the
// auth+rate-limit middleware stack are carried verbatim in shape; the
// forensics-specific handlers are replaced with this service's surface.
func SetupRouter(hub *dispatch.Hub, cmds *command.Queue, authToken string) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	h := &handler{hub: hub, cmds: cmds}

	// ── Public endpoints (no auth) ─────────────────────────────
	r.GET("/healthz", h.handleHealth)
	pub := r.Group("/api/v1")
	{
		pub.GET("/stream", handleStream(hub))
	}

	// ── Protected endpoints (require bearer token if authToken set) ──
	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware(authToken))
	auth.Use(newCommandRateLimiter(commandRatePerMin, commandBurst).Middleware())
	{
		auth.POST("/commands/set-tip", h.handleSetTip)
	}

	return r
}

func (h *handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"subscribers": h.hub.SubscriberCount(),
	})
}

// handleSetTip accepts {"node_id": N, "hash": "..."} and enqueues it for
// the control loop's next command-drain step (spec §4.10). The handler
// never talks to the node or the store directly — only the queue.
func (h *handler) handleSetTip(c *gin.Context) {
	var cmd models.SetTipCommand
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body, expected {node_id, hash}"})
		return
	}
	if cmd.Hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hash is required"})
		return
	}

	if !h.cmds.Submit(cmd) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command queue full, try again shortly"})
		return
	}

	// requestID has no bearing on command processing — it only lets an
	// operator correlate this submission with the eventual TipUpdated or
	// TipUpdateFailed event in the logs/stream.
	requestID := uuid.NewString()
	log.Printf("[api] queued set-tip request=%s node=%d hash=%s", requestID, cmd.NodeID, cmd.Hash)
	c.JSON(http.StatusAccepted, gin.H{
		"status":     "queued",
		"node_id":    cmd.NodeID,
		"hash":       cmd.Hash,
		"request_id": requestID,
	})
}
