package rest

import (
	"net/http"

	"github.com/KevinKickass/iotdserver/internal/auth"
	"github.com/KevinKickass/iotdserver/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type IssueTokenRequest struct {
	Subject string          `json:"subject" binding:"required"`
	Role    auth.Permission `json:"role"`
}

// GET /api/v1/auth/me
func (s *Server) getCurrentPrincipal(c *gin.Context) {
	principal, _ := auth.PrincipalFrom(c)
	c.JSON(http.StatusOK, principal)
}

// POST /api/v1/auth/token exchanges operator credentials for a signed
// token, e.g. for a dashboard that can only pass a query parameter.
func (s *Server) issueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}
	if req.Role == "" {
		req.Role = auth.PermViewer
	}
	if req.Role != auth.PermViewer && req.Role != auth.PermOperator {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "unknown role", req.Role))
		return
	}

	token, err := s.authenticator.IssueToken(req.Subject, req.Role)
	if err != nil {
		s.logger.Error("Failed to issue token", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.CodeUnavailable, "Failed to issue token", err.Error()))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token, "role": req.Role})
}
