package http

import (
	"github.com/alexacart/backend/config"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter creates and configures the Gin router
func SetupRouter(cfg *config.Config, handler *Handler, logger *zap.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(RecoveryMiddleware(logger))
	router.Use(LoggerMiddleware(logger))
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		orders := v1.Group("/orders")
		{
			orders.POST("", handler.StartOrder)
			orders.GET("/history", handler.ListHistory)
			orders.DELETE("/history", handler.DeleteAllHistory)
			orders.DELETE("/history/:id", handler.DeleteHistory)
			orders.GET("/:id", handler.GetOrder)
			orders.GET("/:id/events", handler.StreamEvents)
			orders.POST("/:id/items/:index/review", handler.SubmitReview)
			orders.POST("/:id/commit", handler.CommitOrder)
			orders.POST("/:id/cancel", handler.CancelOrder)
		}

		v1.GET("/products/search", handler.SearchProducts)

		prefs := v1.Group("/preferences")
		{
			prefs.GET("", handler.ListPreferences)
			prefs.POST("/items", handler.CreateItem)
			prefs.POST("/items/merge", handler.MergeItems)
			prefs.GET("/items/:id", handler.GetItem)
			prefs.DELETE("/items/:id", handler.DeleteItem)
			prefs.POST("/items/:id/aliases", handler.AddAlias)
			prefs.DELETE("/items/:id/aliases/:alias", handler.RemoveAlias)
			prefs.POST("/items/:id/products", handler.AddProduct)
			prefs.POST("/items/:id/products/:rank/move-up", handler.MoveProductUp)
			prefs.DELETE("/items/:id/products/:rank", handler.RemoveProduct)
		}
	}

	return router
}
