package tokens

import (
	"github.com/gin-gonic/gin"
	"github.com/ubuygold/ocgateway/internal/auth"
)

// SetupRoutes mounts token allocation and the public status lookup.
func SetupRoutes(router *gin.Engine, handler *Handler, buildSecret string) {
	tokensGroup := router.Group("/api/tokens")
	{
		tokensGroup.POST("", auth.BuildSecretMiddleware(buildSecret), handler.Create)
		tokensGroup.GET("/:token/status", handler.Status)
	}
}
