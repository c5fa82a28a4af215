package router

import (
	"context"
	"net/http"
	"time"

	apphttp "crm_backend/internal/http"
	"crm_backend/platform/httpkit"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const healthTimeout = 2 * time.Second

func New(app *apphttp.App) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpkit.RequestID())
	engine.Use(httpkit.RequestLogger(app.Logger))

	engine.GET("/api/health", func(c *gin.Context) {
		if app.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
			defer cancel()
			if err := app.Health.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	var limiter gin.HandlerFunc
	if app.Config != nil && app.Config.GetIntakeRatePerSecond() > 0 {
		limiter = httpkit.NewIPRateLimiter(
			rate.Limit(app.Config.GetIntakeRatePerSecond()),
			app.Config.GetIntakeBurst(),
			app.Logger,
		).RateLimit()
	}

	rc := &apphttp.RouterContext{
		Engine:        engine,
		V1:            engine.Group("/api/v1"),
		IntakeLimiter: limiter,
	}
	for _, m := range app.Modules {
		m.RegisterRoutes(rc)
		app.Logger.Info("module registered", "module", m.Name())
	}

	return engine
}
