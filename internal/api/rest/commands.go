package rest

import (
	"net/http"

	"github.com/KevinKickass/iotdserver/internal/command"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/gin-gonic/gin"
)

// POST /api/v1/commands
func (s *Server) sendCommand(c *gin.Context) {
	var req command.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	s.routeCommand(c, req)
}

// routeCommand answers 200 when the payload was handed to a session, 409
// when the addressed device has no live connection and 503 when its
// connection could not take the payload.
func (s *Server) routeCommand(c *gin.Context, req command.Request) {
	payload, err := req.Text()
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid command", err.Error()))
		return
	}

	result := s.lm.SendCommand(req.Address, payload)
	switch result.Status {
	case command.StatusDelivered:
		c.JSON(http.StatusOK, result)
	case command.StatusDropped:
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeUnavailable, "command dropped", result))
	default:
		c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeConflict, "command not delivered", result))
	}
}
