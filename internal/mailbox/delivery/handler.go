package delivery

import (
	"errors"
	"net/http"

	"harvest-backend/internal/mailbox/domain"
	mailboxdto "harvest-backend/internal/mailbox/dto"
	"harvest-backend/internal/mailbox/usecase"

	"github.com/gin-gonic/gin"
)

type MailboxHandler struct {
	session *usecase.SessionManager
	poller  *usecase.Poller
}

func NewMailboxHandler(session *usecase.SessionManager, poller *usecase.Poller) *MailboxHandler {
	return &MailboxHandler{
		session: session,
		poller:  poller,
	}
}

func (h *MailboxHandler) GetStatus(c *gin.Context) {
	acc, err := h.session.AccountStatus(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mailboxdto.NewMailboxStatusResponse(acc))
}

// AuthorizationURL returns the consent page the owner opens to grant mailbox access
func (h *MailboxHandler) AuthorizationURL(c *gin.Context) {
	deviceID := c.Param("deviceId")
	c.JSON(http.StatusOK, mailboxdto.AuthorizationURLResponse{
		DeviceID: deviceID,
		URL:      h.session.AuthorizationURL(deviceID),
	})
}

// Link completes the authorization flow with the code handed over by the owner
func (h *MailboxHandler) Link(c *gin.Context) {
	var req mailboxdto.LinkMailboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	acc, err := h.session.LinkAccount(c.Request.Context(), c.Param("deviceId"), req.Code)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if h.poller != nil {
		h.poller.Trigger(acc.ID)
	}
	c.JSON(http.StatusOK, mailboxdto.NewMailboxStatusResponse(acc))
}

func (h *MailboxHandler) Disable(c *gin.Context) {
	if err := h.session.Disable(c.Request.Context(), c.Param("deviceId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "mailbox disabled"})
}

// Sync schedules an immediate harvest outside the cadence
func (h *MailboxHandler) Sync(c *gin.Context) {
	acc, err := h.session.AccountStatus(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	if acc.Status != domain.StatusActive {
		c.JSON(http.StatusConflict, gin.H{"error": "mailbox is not active", "status": acc.Status})
		return
	}
	triggered := h.poller.Trigger(acc.ID)
	c.JSON(http.StatusAccepted, gin.H{"triggered": triggered})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
