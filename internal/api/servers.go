package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/toolgate/toolgate/pkg/types"
)

func (s *Server) listServersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.proxy.ListServers())
	}
}

func (s *Server) registerServerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input types.RegisterServerInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
			return
		}
		if input.Name == "" {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "name is required"})
			return
		}

		for _, existing := range s.proxy.ListServers() {
			if existing.Name == input.Name {
				c.JSON(http.StatusConflict, gin.H{"detail": "server " + input.Name + " already exists"})
				return
			}
		}

		status, err := s.proxy.RegisterServer(c.Request.Context(), input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, status)
	}
}

func (s *Server) removeServerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		for _, existing := range s.proxy.ListServers() {
			if existing.Name == name {
				if err := s.proxy.RemoveServer(name); err != nil {
					respondError(c, err)
					return
				}
				c.Status(http.StatusNoContent)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"detail": "server " + name + " is not registered"})
	}
}
