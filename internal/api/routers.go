package api

import "github.com/gin-gonic/gin"

// InitRouters registers the /api/v1 routes.
func InitRouters(e *gin.Engine, h *Handler) {
	e.GET("/healthz", h.Healthz)

	group := e.Group("/api/v1")
	{
		group.POST("/configs", h.CreateConfig)
		group.GET("/configs", h.ListConfigs)
		group.GET("/configs/:id", h.GetConfig)

		group.POST("/deployments", h.Deploy)
		group.GET("/deployments", h.ListDeployments)
		group.GET("/deployments/active", h.ListActiveDeployments)
		group.GET("/deployments/:id", h.GetDeployment)
		group.POST("/deployments/:id/pause", h.PauseDeployment)
		group.POST("/deployments/:id/resume", h.ResumeDeployment)
		group.POST("/deployments/:id/cancel", h.CancelDeployment)
		group.POST("/deployments/:id/rollback", h.RollbackDeployment)
		group.PUT("/deployments/:id/traffic", h.UpdateTrafficSplit)

		group.POST("/flags", h.CreateFlag)
		group.GET("/flags", h.ListFlags)
		group.GET("/flags/:key", h.GetFlag)
		group.PUT("/flags/:key", h.UpdateFlag)
		group.DELETE("/flags/:key", h.DeleteFlag)
		group.POST("/flags/:key/toggle", h.ToggleFlag)
		group.POST("/flags/:key/evaluate", h.EvaluateFlag)
	}
}
