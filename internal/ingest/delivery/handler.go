package delivery

import (
	"errors"
	"net/http"
	"strconv"

	"harvest-backend/internal/ingest/domain"
	ingestdto "harvest-backend/internal/ingest/dto"
	"harvest-backend/internal/ingest/usecase"

	"github.com/gin-gonic/gin"
)

const maxBatchItems = 1000

type IngestHandler struct {
	gateway *usecase.Gateway
	sweeper *usecase.Sweeper
}

func NewIngestHandler(gateway *usecase.Gateway, sweeper *usecase.Sweeper) *IngestHandler {
	return &IngestHandler{
		gateway: gateway,
		sweeper: sweeper,
	}
}

// SubmitBatch accepts a harvested batch from the authenticated device
func (h *IngestHandler) SubmitBatch(c *gin.Context) {
	var req ingestdto.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Items) > maxBatchItems {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many items in one batch"})
		return
	}

	deviceID := c.GetString("principal")
	resp, err := h.gateway.SubmitBatch(c.Request.Context(), deviceID, req.Items)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRecord) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetMirrorHealth reports mirror states per channel for a device
func (h *IngestHandler) GetMirrorHealth(c *gin.Context) {
	deviceID := c.Param("deviceId")
	health, err := h.sweeper.MirrorHealth(c.Request.Context(), deviceID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := ingestdto.MirrorHealthResponse{DeviceID: deviceID, Channels: health}
	if resp.Channels == nil {
		resp.Channels = []domain.MirrorHealth{}
	}
	for _, row := range health {
		if row.State == domain.MirrorFailedTerminal {
			resp.Terminal += row.Count
		}
	}
	c.JSON(http.StatusOK, resp)
}

// RequeueTerminal puts a device's terminally failed mirror writes back in the retry queue
func (h *IngestHandler) RequeueTerminal(c *gin.Context) {
	n, err := h.sweeper.RequeueTerminal(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ingestdto.RequeueResponse{Requeued: n})
}

// ListRecords returns the most recently received records on one channel
func (h *IngestHandler) ListRecords(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	deviceID, channel := c.Param("deviceId"), c.Param("channel")
	records, err := h.gateway.RecentRecords(c.Request.Context(), deviceID, channel, limit)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRecord) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []*domain.IngestRecord{}
	}
	c.JSON(http.StatusOK, ingestdto.RecordListResponse{DeviceID: deviceID, Channel: channel, Records: records})
}
