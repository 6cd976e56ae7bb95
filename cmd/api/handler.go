package api

import (
	alertDelivery "harvest-backend/internal/alert/delivery"
	authUsecase "harvest-backend/internal/auth/usecase"
	cadenceDelivery "harvest-backend/internal/cadence/delivery"
	ingestDelivery "harvest-backend/internal/ingest/delivery"
	mailboxDelivery "harvest-backend/internal/mailbox/delivery"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	authUsecase    authUsecase.AuthUsecase
	ingestHandler  *ingestDelivery.IngestHandler
	cadenceHandler *cadenceDelivery.CadenceHandler
	mailboxHandler *mailboxDelivery.MailboxHandler
	alertHandler   *alertDelivery.AlertHandler
}

func NewHandler(authUc authUsecase.AuthUsecase, ingestHandler *ingestDelivery.IngestHandler, cadenceHandler *cadenceDelivery.CadenceHandler, mailboxHandler *mailboxDelivery.MailboxHandler, alertHandler *alertDelivery.AlertHandler) *Handler {
	return &Handler{
		authUsecase:    authUc,
		ingestHandler:  ingestHandler,
		cadenceHandler: cadenceHandler,
		mailboxHandler: mailboxHandler,
		alertHandler:   alertHandler,
	}
}

// Router builds the gin engine with middleware and routes
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// CORS middleware
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	SetupRoutes(r, h)
	return r
}
