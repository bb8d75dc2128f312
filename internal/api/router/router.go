package router

import (
	"github.com/gin-gonic/gin"

	"github.com/no-man-is-an-island/toshtogo/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	h := handler.New(deps)

	r.GET("/health", h.Health)

	api := r.Group("/api")
	{
		jobs := api.Group("/jobs")
		{
			// GET /api/jobs - paged listing with filters
			jobs.GET("", h.ListJobs)

			// PUT /api/jobs/:job_id - submit a job graph
			jobs.PUT("/:job_id", h.PutJob)

			// GET /api/jobs/:job_id - job view with nested dependencies
			jobs.GET("/:job_id", h.GetJob)

			// POST /api/jobs/:job_id/pause - cancel the subtree
			jobs.POST("/:job_id/pause", h.PauseJob)

			// POST /api/jobs/:job_id/retry - re-issue failed contracts
			jobs.POST("/:job_id/retry", h.RetryJob)
		}

		commitments := api.Group("/commitments")
		{
			// PUT /api/commitments - claim work
			commitments.PUT("", h.RequestWork)

			// POST /api/commitments/:commitment_id/heartbeat - liveness + instruction
			commitments.POST("/:commitment_id/heartbeat", h.Heartbeat)

			// PUT /api/commitments/:commitment_id - report the result
			commitments.PUT("/:commitment_id", h.CompleteWork)
		}

		// GET /api/agents - registered worker identities
		api.GET("/agents", h.ListAgents)
	}

	return r
}
