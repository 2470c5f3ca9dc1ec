package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/homesync/internal/handlers"
)

func registerSyncRoutes(group *gin.RouterGroup, handler *handlers.SyncHandler) {
	if group == nil || handler == nil {
		return
	}

	group.GET("/status", handler.Status)
	group.GET("/queue", handler.ListQueue)
	group.DELETE("/queue", handler.ClearQueue)
	group.POST("/drain", handler.Drain)
	group.DELETE("/cache", handler.ClearCache)
}
