package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func HealthCheck(c *gin.Context) {
	respondOK(c, gin.H{"status": "ok"})
}

type RouterConfig struct {
	JobsHandler *JobsHandler
}

// NewRouter builds the gin engine: CORS, OpenTelemetry span-per-request, a
// healthcheck, and the job submission/lookup endpoints. Nothing else is
// exposed — no inline task-execution route.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("rmhgeoapi"))
	router.Use(requestTrace())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	}))

	router.GET("/healthcheck", HealthCheck)

	api := router.Group("/api")
	if cfg.JobsHandler != nil {
		api.POST("/jobs", cfg.JobsHandler.SubmitJob)
		api.GET("/jobs/:id", cfg.JobsHandler.GetJob)
	}

	return router
}
