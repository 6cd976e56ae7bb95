package delivery

import (
	"errors"
	"net/http"

	"harvest-backend/internal/cadence/domain"
	cadencedto "harvest-backend/internal/cadence/dto"
	"harvest-backend/internal/cadence/usecase"

	"github.com/gin-gonic/gin"
)

type CadenceHandler struct {
	registry *usecase.Registry
}

func NewCadenceHandler(registry *usecase.Registry) *CadenceHandler {
	return &CadenceHandler{
		registry: registry,
	}
}

func (h *CadenceHandler) ListCadences(c *gin.Context) {
	deviceID := c.Param("deviceId")
	cadences, err := h.registry.List(c.Request.Context(), deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := cadencedto.CadencesResponse{Cadences: make([]cadencedto.CadenceResponse, 0, len(cadences))}
	for _, cadence := range cadences {
		resp.Cadences = append(resp.Cadences, cadencedto.NewCadenceResponse(cadence))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *CadenceHandler) UpdateCadence(c *gin.Context) {
	deviceID := c.Param("deviceId")
	channel := c.Param("channel")
	if !domain.IsKnownChannel(channel) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown channel"})
		return
	}

	var req cadencedto.UpdateCadenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cadence, err := h.registry.Configure(c.Request.Context(), deviceID, channel, usecase.ConfigureRequest{
		IntervalSeconds: req.IntervalSeconds,
		Enabled:         req.Enabled,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInterval) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, cadencedto.NewCadenceResponse(cadence))
}
