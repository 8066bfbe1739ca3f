package admin

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/ubuygold/ocgateway/internal/auth"
	"github.com/ubuygold/ocgateway/internal/config"
	"github.com/ubuygold/ocgateway/internal/db"
)

func SetupRoutes(router *gin.Engine, dbService db.Service, gate *auth.Gate, cfg *config.Config, log *slog.Logger) {
	handler := NewHandler(dbService, gate, log)

	adminGroup := router.Group("/api/admin")
	adminGroup.Use(auth.AdminAuthMiddleware(cfg.Secrets.Admin))
	{
		tokensGroup := adminGroup.Group("/tokens")
		{
			tokensGroup.GET("", handler.ListTokensHandler)
			tokensGroup.PATCH("/:token", handler.UpdateTokenHandler)
			tokensGroup.DELETE("/:token", handler.DeleteTokenHandler)
		}
	}
}
