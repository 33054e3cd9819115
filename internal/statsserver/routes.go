package statsserver

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/jroosing/stubresolver/internal/statsserver/docs" // swagger docs
	"github.com/jroosing/stubresolver/internal/statsserver/handlers"
	"github.com/jroosing/stubresolver/internal/statsserver/middleware"
)

// RegisterRoutes wires h's endpoints onto r, guarding /stats behind apiKey
// when non-empty.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, apiKey string) {
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := r.Group("/api/v1")
	api.GET("/health", h.Health)
	api.GET("/stats", middleware.RequireAPIKey(apiKey), h.Stats)
}
