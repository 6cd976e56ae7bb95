package api

import (
	"net/http"

	"harvest-backend/internal/auth/delivery"
	authdomain "harvest-backend/internal/auth/domain"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api")
	{
		// Health check (no auth required)
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Device routes: the token subject is the device id
		devices := api.Group("/devices")
		devices.Use(delivery.AuthMiddleware(h.authUsecase, authdomain.RoleDevice))
		{
			devices.POST("/batches", h.ingestHandler.SubmitBatch)
		}

		// Operator routes
		admin := api.Group("/admin")
		admin.Use(delivery.AuthMiddleware(h.authUsecase, authdomain.RoleAdmin))
		{
			admin.GET("/devices/:deviceId/cadences", h.cadenceHandler.ListCadences)
			admin.PUT("/devices/:deviceId/cadences/:channel", h.cadenceHandler.UpdateCadence)

			admin.GET("/devices/:deviceId/mirror", h.ingestHandler.GetMirrorHealth)
			admin.POST("/devices/:deviceId/mirror/requeue", h.ingestHandler.RequeueTerminal)
			admin.GET("/devices/:deviceId/channels/:channel/records", h.ingestHandler.ListRecords)

			admin.GET("/devices/:deviceId/mailbox", h.mailboxHandler.GetStatus)
			admin.GET("/devices/:deviceId/mailbox/authorize", h.mailboxHandler.AuthorizationURL)
			admin.POST("/devices/:deviceId/mailbox/link", h.mailboxHandler.Link)
			admin.POST("/devices/:deviceId/mailbox/disable", h.mailboxHandler.Disable)
			admin.POST("/devices/:deviceId/mailbox/sync", h.mailboxHandler.Sync)

			admin.POST("/alerts/tokens", h.alertHandler.RegisterOperatorToken)
			admin.DELETE("/alerts/tokens/:token", h.alertHandler.UnregisterOperatorToken)
		}
	}
}
