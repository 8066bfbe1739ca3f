package tunnel

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the tunnel bookkeeping routes and the public redirector.
func SetupRoutes(router *gin.Engine, handler *Handler) {
	tunnelGroup := router.Group("/api/tunnel")
	tunnelGroup.Use(handler.gate.IdentityMiddleware())
	{
		tunnelGroup.PUT("", handler.Register)
		tunnelGroup.DELETE("", handler.Clear)
	}

	router.GET("/openclaw", handler.Redirect)
}
