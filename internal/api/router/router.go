package router

import (
	"net/http"

	"github.com/cuongbtq/journal-pipeline/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": "journal-api-service",
					"error":   err.Error(),
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "journal-api-service",
		})
	})

	journalHandler := handler.NewJournalHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(UserMiddleware())
	{
		// POST /api/v1/ingest - Queue raw text for chunking and embedding
		v1.POST("/ingest", journalHandler.Ingest)

		entries := v1.Group("/journal-entries")
		{
			// POST /api/v1/journal-entries - Create an entry and queue its analysis
			entries.POST("", journalHandler.CreateEntry)

			// GET /api/v1/journal-entries - List the caller's entries
			entries.GET("", journalHandler.ListEntries)

			// GET /api/v1/journal-entries/:entry_id - Poll an entry for pipeline results
			entries.GET("/:entry_id", journalHandler.GetEntry)
		}
	}

	return r
}
