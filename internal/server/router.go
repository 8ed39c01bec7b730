package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mapforge/geoflow/internal/handlers"
)

type RouterConfig struct {
	JobsHandler  *handlers.JobsHandler
	AllowOrigins []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/job-types", cfg.JobsHandler.ListJobTypes)
		api.POST("/jobs/:job_type", cfg.JobsHandler.SubmitJob)
		api.GET("/jobs/:job_id", cfg.JobsHandler.GetJob)
		api.GET("/jobs/:job_id/tasks", cfg.JobsHandler.GetJobTasks)
		api.GET("/requests/:request_id", cfg.JobsHandler.GetRequest)
	}

	return router
}
