package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/iotdserver/internal/command"
	"github.com/KevinKickass/iotdserver/internal/interfaces"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func parseDeviceID(c *gin.Context) (types.DeviceID, bool) {
	n, err := strconv.Atoi(c.Param("id"))
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "invalid device ID", c.Param("id")))
		return 0, false
	}
	return types.DeviceID(n), true
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	devices := s.lm.Devices()
	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GET /api/v1/devices/:id
func (s *Server) getDevice(c *gin.Context) {
	id, ok := parseDeviceID(c)
	if !ok {
		return
	}

	device, exists := s.lm.Device(id)
	if !exists {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "device not found", id.String()))
		return
	}

	c.JSON(http.StatusOK, device)
}

// POST /api/v1/devices/:id/command
func (s *Server) sendDeviceCommand(c *gin.Context) {
	id, ok := parseDeviceID(c)
	if !ok {
		return
	}

	var req command.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}
	req.Address = command.ForDevice(id)

	s.routeCommand(c, req)
}

// POST /api/v1/devices/:id/flush
func (s *Server) flushDevice(c *gin.Context) {
	id, ok := parseDeviceID(c)
	if !ok {
		return
	}

	n, err := s.lm.FlushDevice(id)
	switch {
	case errors.Is(err, types.ErrUnknownDevice):
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "device not found", id.String()))
	case err != nil:
		s.logger.Error("Manual flush failed", zap.Int("device_id", int(id)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "flush failed", err.Error()))
	default:
		c.JSON(http.StatusOK, gin.H{"device_id": id, "persisted": n})
	}
}

// GET /api/v1/sessions
func (s *Server) listSessions(c *gin.Context) {
	sessions := s.lm.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GET /api/v1/catalog
func (s *Server) listCatalog(c *gin.Context) {
	devices, err := s.lm.CatalogDevices(c.Request.Context())
	switch {
	case errors.Is(err, interfaces.ErrCatalogDisabled):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeUnavailable, err.Error(), nil))
	case err != nil:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "Failed to read catalog", err.Error()))
	default:
		c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
	}
}

// POST /api/v1/profiles/reload
func (s *Server) reloadProfiles(c *gin.Context) {
	if err := s.lm.ReloadProfiles(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse(types.CodeBadRequest, "Invalid device profiles, previous profiles kept", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Device profiles reloaded"})
}
