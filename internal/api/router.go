package api

import (
	"github.com/gin-gonic/gin"

	"go-goals/internal/goals"
)

// SetupRouter wires the operator API. It is the service interface behind any
// admin frontend: inspection plus the block / unblock-retry actions.
func SetupRouter(eng *goals.Engine) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", HealthHandler(eng))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/goals", ListGoalsHandler(eng))
		apiGroup.POST("/goals", ScheduleGoalHandler(eng))
		apiGroup.GET("/goals/:id", GetGoalHandler(eng))
		apiGroup.POST("/goals/:id/block", BlockGoalHandler(eng))
		apiGroup.POST("/goals/:id/unblock-retry", UnblockRetryGoalHandler(eng))
	}

	return r
}
