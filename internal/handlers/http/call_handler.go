package http

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/ports"
	"pikacall/internal/core/services"
	"pikacall/internal/infrastructure/middleware"
	"pikacall/pkg/errors"
	"pikacall/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type CallHandler struct {
	calls     ports.CallService
	history   ports.CallRecordRepository
	heartbeat time.Duration
}

func NewCallHandler(calls ports.CallService, history ports.CallRecordRepository) *CallHandler {
	return &CallHandler{
		calls:     calls,
		history:   history,
		heartbeat: 15 * time.Second,
	}
}

// SetupRoutes mounts the control API. A nil authService leaves it open.
func (h *CallHandler) SetupRoutes(router *gin.Engine, authService services.AuthService) {
	api := router.Group("/api/v1", middleware.AuthMiddleware(authService))

	read := api.Group("", middleware.RequireRole(domain.RoleViewer))
	{
		read.GET("/call", h.GetState)
		read.GET("/call/events", h.StreamEvents)
		read.GET("/calls/history", h.ListHistory)
		read.GET("/calls/history/:id", h.GetHistory)
	}

	control := api.Group("", middleware.RequireRole(domain.RoleOperator))
	{
		control.POST("/calls", h.StartCall)
		control.POST("/calls/:id/accept", h.action(h.calls.AcceptCall))
		control.POST("/calls/:id/reject", h.action(h.calls.RejectCall))
		control.POST("/calls/:id/end", h.action(h.calls.EndCall))
		control.POST("/calls/:id/mute", h.action(h.calls.ToggleMute))
	}
}

func (h *CallHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"call": h.calls.State()})
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req struct {
		Group string `json:"group" binding:"required"`
		Peer  string `json:"peer" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateIdentity(req.Peer); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()).WithContext("field", "peer"))
		return
	}

	state, err := h.calls.StartCall(c.Request.Context(), domain.GroupID(req.Group), domain.Identity(req.Peer))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": state})
}

func (h *CallHandler) action(fn func(ctx context.Context, id domain.CallID) (domain.CallState, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := validation.ValidateCallID(id); err != nil {
			_ = c.Error(errors.NewInvalidInputError(err.Error()).WithContext("field", "id"))
			return
		}
		state, err := fn(c.Request.Context(), domain.CallID(id))
		if err != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"call": state})
	}
}

// StreamEvents sends the current state, then every change, as server-sent events.
func (h *CallHandler) StreamEvents(c *gin.Context) {
	updates, unsubscribe := h.calls.Subscribe(16)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	ctx := c.Request.Context()
	first := true
	c.Stream(func(w io.Writer) bool {
		if first {
			first = false
			c.SSEvent("state", h.calls.State())
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case state, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("state", state)
			return true
		case <-ticker.C:
			c.SSEvent("ping", time.Now().UnixMilli())
			return true
		}
	})
}

func (h *CallHandler) ListHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			_ = c.Error(errors.NewInvalidInputError("limit must be between 1 and " + strconv.Itoa(maxHistoryLimit)))
			return
		}
		limit = n
	}

	records, err := h.history.ListRecent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "call history unavailable", http.StatusServiceUnavailable))
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": records, "count": len(records)})
}

func (h *CallHandler) GetHistory(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateCallID(id); err != nil {
		_ = c.Error(errors.NewInvalidInputError(err.Error()).WithContext("field", "id"))
		return
	}
	record, err := h.history.GetByID(c.Request.Context(), domain.CallID(id))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": record})
}
