package handlers_test

import (
	"github.com/gin-gonic/gin"

	"github.com/jroosing/stubresolver/internal/statsserver/handlers"
)

func setupTestRouter(h *handlers.Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	api := r.Group("/api/v1")
	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)

	return r
}
