package rest

import (
	"net/http"

	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.GetCurrentStatus())
}

// POST /api/v1/flush
func (s *Server) flushAll(c *gin.Context) {
	if err := s.lm.FlushAll(); err != nil {
		s.logger.Error("Manual flush failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeInternal, "flush failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All buffers flushed"})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	s.lm.RequestShutdown()
}
