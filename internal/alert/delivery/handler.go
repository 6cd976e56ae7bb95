package delivery

import (
	"net/http"

	alertdto "harvest-backend/internal/alert/dto"
	alertrepo "harvest-backend/internal/alert/repository"

	"github.com/gin-gonic/gin"
)

type AlertHandler struct {
	tokens alertrepo.OperatorTokenRepository
}

func NewAlertHandler(tokens alertrepo.OperatorTokenRepository) *AlertHandler {
	return &AlertHandler{
		tokens: tokens,
	}
}

// RegisterOperatorToken subscribes an operator device to operational alerts
func (h *AlertHandler) RegisterOperatorToken(c *gin.Context) {
	var req alertdto.RegisterOperatorTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	operatorID := c.GetString("principal")
	if err := h.tokens.SaveToken(c.Request.Context(), operatorID, req.Token, req.DeviceInfo); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token registered"})
}

func (h *AlertHandler) UnregisterOperatorToken(c *gin.Context) {
	token := c.Param("token")
	if err := h.tokens.DeleteToken(c.Request.Context(), token); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token removed"})
}
