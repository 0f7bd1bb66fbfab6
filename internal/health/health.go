// Package health exposes the process liveness/readiness probes and the
// small set of adjacent HTTP endpoints clients need before they ever
// open a WebSocket: ICE server advertisement and token issuance (§6).
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/signalhub/signalhub/internal/authtoken"
	"github.com/signalhub/signalhub/internal/logging"
)

// Handler serves /health/live, /health/ready, /ice-servers and
// /auth/token.
type Handler struct {
	redis      *redis.Client
	verifier   *authtoken.Verifier
	iceServers []ICEServer
}

// ICEServer mirrors the shape a WebRTC client expects in its
// RTCConfiguration.iceServers list.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// NewHandler constructs a Handler. redisClient may be nil when Redis is
// not enabled, in which case readiness reports Redis as healthy by
// omission (single-instance deployment).
func NewHandler(redisClient *redis.Client, verifier *authtoken.Verifier, iceServers []ICEServer) *Handler {
	return &Handler{redis: redisClient, verifier: verifier, iceServers: iceServers}
}

// LivenessResponse is the body of GET /health/live.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the body of GET /health/ready.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness reports the process is alive, with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness reports whether every critical dependency is reachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"redis": h.checkRedis(ctx)}
	allHealthy := true
	for _, status := range checks {
		if status != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redis == nil {
		return "healthy"
	}
	if err := h.redis.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "redis health check failed")
		return "unhealthy"
	}
	return "healthy"
}

// ICEServersResponse is the body of GET /ice-servers.
type ICEServersResponse struct {
	ICEServers []ICEServer `json:"iceServers"`
}

// ICEServers advertises the STUN/TURN servers clients should configure
// on their RTCPeerConnection. The server never relays media itself; it
// only tells clients where to find it.
func (h *Handler) ICEServers(c *gin.Context) {
	c.JSON(http.StatusOK, ICEServersResponse{ICEServers: h.iceServers})
}

// TokenRequest is the body of POST /auth/token.
type TokenRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
}

// TokenResponse is the body of a successful POST /auth/token.
type TokenResponse struct {
	Token string `json:"token"`
}

// IssueToken mints a short-lived bearer token for userId (§6). This
// endpoint stands in for a real identity provider and exists so the
// rest of the system has something to verify against in development
// and in tests.
func (h *Handler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}

	token, err := h.verifier.Issue(req.UserID, req.RoomID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{Token: token})
}
