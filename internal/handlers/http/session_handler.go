package http

import (
	"net/http"
	"strings"

	"callrelay/internal/core/domain"
	"callrelay/internal/core/ports"
	"callrelay/internal/infrastructure/middleware"
	apperrors "callrelay/pkg/errors"
	"callrelay/pkg/logger"
	"callrelay/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// hostCallPrefix marks a call id opened by the developer side of a booking.
const hostCallPrefix = "dev-"

type SessionHandler struct {
	sessions ports.SessionManager
	logger   *zap.SugaredLogger
}

func NewSessionHandler(sessions ports.SessionManager, logger *zap.SugaredLogger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   logger,
	}
}

func (h *SessionHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/session", h.GetSession)
		api.POST("/session/join", h.Join)
		api.POST("/session/leave", h.Leave)
		api.POST("/session/audio", h.SetAudio)
		api.POST("/session/video", h.SetVideo)
	}
}

type joinRequest struct {
	Channel string `json:"channel"`
	// CallID replaces Channel and Role: "dev-<channel>" joins as host, anything
	// else as audience.
	CallID string `json:"call_id"`
	Token  string `json:"token"`
	UID    string `json:"uid"`
	Role   string `json:"role"`
}

// ResolveCallID maps a booking call id to the channel and role it joins.
func ResolveCallID(callID string) (string, domain.Role) {
	if strings.HasPrefix(callID, hostCallPrefix) {
		return strings.TrimPrefix(callID, hostCallPrefix), domain.RoleHost
	}
	return callID, domain.RoleAudience
}

func (h *SessionHandler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeInvalidInput, err.Error()))
		return
	}

	channel := req.Channel
	var role domain.Role
	if req.CallID != "" {
		channel, role = ResolveCallID(req.CallID)
	} else {
		parsed, ok := domain.ParseRole(req.Role)
		if !ok {
			_ = c.Error(apperrors.New(apperrors.CodeInvalidInput, "role must be host or audience").With("role", req.Role))
			return
		}
		role = parsed
	}

	// an empty channel is left to the session layer, which reports channel_missing
	if channel != "" {
		if err := validation.ValidateChannel(channel); err != nil {
			_ = c.Error(apperrors.Wrap(err, apperrors.CodeInvalidInput, err.Error()))
			return
		}
	}
	if err := validation.ValidateUID(req.UID); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeInvalidInput, err.Error()))
		return
	}

	credential := req.Token
	if credential == "" {
		credential = middleware.Credential(c)
	}

	ctx := logger.WithChannel(c.Request.Context(), channel)
	session, err := h.sessions.Join(ctx, channel, credential, req.UID, role)
	if err != nil {
		_ = c.Error(err)
		return
	}

	h.logger.Infow("session joined via api",
		"channel", session.Channel,
		"identity", session.Identity,
		"role", session.Role,
	)

	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"snapshot": h.sessions.Snapshot(),
	})
}

func (h *SessionHandler) Leave(c *gin.Context) {
	h.sessions.Leave(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"snapshot": h.sessions.Snapshot(),
	})
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"snapshot": h.sessions.Snapshot(),
	})
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *SessionHandler) SetAudio(c *gin.Context) {
	h.toggle(c, h.sessions.SetAudioEnabled)
}

func (h *SessionHandler) SetVideo(c *gin.Context) {
	h.toggle(c, h.sessions.SetVideoEnabled)
}

func (h *SessionHandler) toggle(c *gin.Context, set func(bool) error) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeInvalidInput, err.Error()))
		return
	}
	if err := set(*req.Enabled); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot": h.sessions.Snapshot(),
	})
}
