package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jackiexiao/asr-gateway/adapters/volc"
	"github.com/jackiexiao/asr-gateway/domain/repositories"
	"github.com/jackiexiao/asr-gateway/internal/auth"
	"github.com/jackiexiao/asr-gateway/internal/relay"
)

// Handler bundles everything the HTTP surface needs. Storage may be nil
// when no bucket is configured; the upload endpoint then answers 503.
type Handler struct {
	FileClient *volc.FileClient
	Upstream   repositories.RealtimeUpstream
	Storage    repositories.ObjectStorage
	Issuer     *auth.TokenIssuer
	Logger     *zap.Logger
}

// InitRoutes wires all routes onto the Echo instance.
func InitRoutes(e *echo.Echo, h *Handler) {
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "asr-gateway",
		})
	})

	v1 := e.Group("/api/v1")
	v1.POST("/token", h.issueToken)
	v1.POST("/file-asr/submit", h.submitFileTask)
	v1.POST("/file-asr/query", h.queryFileTask)
	v1.POST("/file-asr/recognize", h.recognizeFile)
	v1.POST("/uploads", h.uploadAudio)

	e.GET("/ws/asr", h.handleRelay)
}

func errorJSON(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, ErrorBody{
		OK:      false,
		Code:    code,
		Message: message,
		Details: details,
	})
}

func (h *Handler) issueToken(c echo.Context) error {
	if !h.Issuer.Enabled() {
		return errorJSON(c, http.StatusServiceUnavailable, "auth_disabled",
			"Session tokens are not configured on this server", nil)
	}

	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request", "Invalid request format", nil)
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}

	token, expiresAt, err := h.Issuer.Issue(req.ClientID)
	if err != nil {
		h.Logger.Error("Failed to issue session token", zap.Error(err))
		return errorJSON(c, http.StatusInternalServerError, "token_generation_failed",
			"Failed to generate session token", nil)
	}

	return c.JSON(http.StatusOK, TokenResponse{OK: true, Token: token, ExpiresAt: expiresAt})
}

// handleRelay authenticates the upgrade when session tokens are enabled,
// then hands the connection to the relay session.
func (h *Handler) handleRelay(c echo.Context) error {
	if h.Issuer.Enabled() {
		token := c.QueryParam("token")
		if token == "" {
			return errorJSON(c, http.StatusUnauthorized, "missing_token",
				"Session token is required", nil)
		}
		claims, err := h.Issuer.Validate(token)
		if err != nil {
			h.Logger.Warn("Relay connection rejected: invalid token", zap.Error(err))
			return errorJSON(c, http.StatusUnauthorized, "invalid_token",
				"Invalid or expired session token", nil)
		}
		h.Logger.Info("Relay connection authenticated", zap.String("clientID", claims.ClientID))
	}

	return relay.Handle(c, h.Upstream, h.Logger)
}
