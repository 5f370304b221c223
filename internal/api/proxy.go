package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/toolgate/pkg/types"
)

func (s *Server) executeToolHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.ExecuteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		if req.ToolID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "tool_id is required"})
			return
		}

		result, err := s.proxy.Execute(c.Request.Context(), req.ToolID, req.Arguments)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.ExecuteResponse{Result: result})
	}
}

func (s *Server) toolInfoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := s.proxy.ToolInfo(c.Param("id"), nil)
		if err != nil {
			// an unknown id on the info endpoint is a 404, not a client error
			c.JSON(http.StatusNotFound, gin.H{"detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}
