package intake

import apphttp "crm_backend/internal/http"

// Module exposes intake over HTTP.
type Module struct {
	handler *Handler
}

func NewModule(handler *Handler) *Module {
	return &Module{handler: handler}
}

func (m *Module) Name() string { return "intake" }

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	m.handler.Mount(ctx.V1, ctx.IntakeLimiter)
}
