package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/toolgate/pkg/types"
)

func (s *Server) discoverToolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.DiscoverRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}

		resp, err := s.proxy.Discover(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) provisionToolsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.ProvisionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}

		resp, err := s.proxy.Provision(c.Request.Context(), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}
