package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentcom/agentcom/internal/agent/lifecycle"
	"github.com/agentcom/agentcom/internal/common/logger"
	"github.com/agentcom/agentcom/internal/hubfsm"
	"github.com/agentcom/agentcom/internal/ratelimit"
	"github.com/agentcom/agentcom/internal/task/queue"
)

// SetupRoutes configures the operator API routes
func SetupRoutes(router *gin.Engine, q *queue.Manager, agents *lifecycle.Manager,
	limiter *ratelimit.Limiter, fsm *hubfsm.FSM, log *logger.Logger) {
	handler := NewHandler(q, agents, limiter, fsm, log)

	router.GET("/health", handler.Health)

	apiV1 := router.Group("/api/v1")
	apiV1.Use(FloodGuard(), CallerLimit(limiter))

	// Task routes
	tasks := apiV1.Group("/tasks")
	{
		tasks.POST("", handler.SubmitTask)
		tasks.GET("", handler.ListTasks)
		tasks.GET("/:taskId", handler.GetTask)
		tasks.POST("/:taskId/reclaim", handler.ReclaimTask)
	}

	// Dead letter routes
	dead := apiV1.Group("/dead-letter")
	{
		dead.GET("", handler.ListDeadLetter)
		dead.POST("/:taskId/retry", handler.RetryDeadLetter)
	}

	// Agent routes
	apiV1.GET("/agents", handler.ListAgents)
	apiV1.GET("/stats", handler.Stats)

	// Rate limit routes
	ratelimits := apiV1.Group("/ratelimit")
	{
		ratelimits.POST("/overrides", handler.SetRateOverride)
		ratelimits.POST("/exemptions", handler.AddExempt)
	}

	// FSM routes
	fsmGroup := apiV1.Group("/fsm")
	{
		fsmGroup.GET("", handler.FSMState)
		fsmGroup.GET("/history", handler.FSMHistory)
		fsmGroup.POST("/transition", handler.ForceTransition)
		fsmGroup.POST("/pause", handler.PauseFSM)
		fsmGroup.POST("/resume", handler.ResumeFSM)
	}
}
