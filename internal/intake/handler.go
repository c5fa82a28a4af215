package intake

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"crm_backend/internal/intelligence"
	"crm_backend/platform/httpkit"
	"crm_backend/platform/validator"
)

const (
	msgInvalidRequest   = "invalid request"
	msgValidationFailed = "validation failed"
)

// FlagReader serves the flags endpoint.
type FlagReader interface {
	ComputeFlags(ctx context.Context, conversationID uuid.UUID) (intelligence.ConversationFlags, error)
}

type Handler struct {
	svc   *Service
	flags FlagReader
	val   *validator.Validator
}

func NewHandler(svc *Service, flags FlagReader, val *validator.Validator) *Handler {
	return &Handler{svc: svc, flags: flags, val: val}
}

// Mount registers the inbound endpoint (behind limit, when given) and the
// conversation endpoints on rg.
func (h *Handler) Mount(rg *gin.RouterGroup, limit gin.HandlerFunc) {
	inbound := []gin.HandlerFunc{h.Inbound}
	if limit != nil {
		inbound = append([]gin.HandlerFunc{limit}, inbound...)
	}
	rg.POST("/inbound", inbound...)

	conversations := rg.Group("/conversations")
	conversations.GET("/:id/flags", h.Flags)
	conversations.POST("/:id/stop", h.Stop)
	conversations.POST("/:id/outcome", h.Outcome)
}

func (h *Handler) Inbound(c *gin.Context) {
	var req InboundEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}

	resp, err := h.svc.HandleInbound(c.Request.Context(), req)
	if httpkit.HandleError(c, err) {
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) Flags(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	flags, err := h.flags.ComputeFlags(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, flags)
}

func (h *Handler) Stop(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
			return
		}
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	if httpkit.HandleError(c, h.svc.Stop(c.Request.Context(), id, req.Reason)) {
		return
	}
	httpkit.OK(c, gin.H{"stopped": true})
}

func (h *Handler) Outcome(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req OutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidationFailed, err.Error())
		return
	}
	if httpkit.HandleError(c, h.svc.SetOutcome(c.Request.Context(), id, req.Outcome)) {
		return
	}
	httpkit.OK(c, gin.H{"outcome": req.Outcome})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return uuid.Nil, false
	}
	return id, true
}
