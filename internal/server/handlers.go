package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dtnitsch/pagewarden/models"
	"github.com/dtnitsch/pagewarden/pkg/pipeline"
)

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.Coord != nil {
		body["in_flight"] = s.Coord.Coalescer.InFlight()
		body["busy_tabs"] = s.Coord.Tabs.Held()
	}
	c.JSON(http.StatusOK, body)
}

func tabParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("tab"))
	if err != nil || id < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tab id"})
		return 0, false
	}
	return id, true
}

func (s *Server) observe(c *gin.Context) {
	tabID, ok := tabParam(c)
	if !ok {
		return
	}
	var obs models.PageObservation
	if err := c.ShouldBindJSON(&obs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid observation: " + err.Error()})
		return
	}

	res, err := s.Pipeline.Process(c.Request.Context(), tabID, obs)
	if err != nil {
		// The client went away while the tab was busy.
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) navigation(c *gin.Context) {
	tabID, ok := tabParam(c)
	if !ok {
		return
	}
	s.Pipeline.NavigationStarted(tabID)
	c.Status(http.StatusNoContent)
}

func (s *Server) closeTab(c *gin.Context) {
	tabID, ok := tabParam(c)
	if !ok {
		return
	}
	if err := s.Pipeline.TabClosed(c.Request.Context(), tabID); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) actions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": s.Outbox.Drain()})
}

func (s *Server) listActivity(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	entries, err := s.Log.List(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []models.ActivityLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) clearActivity(c *gin.Context) {
	if err := s.Log.Clear(c.Request.Context()); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearCache(c *gin.Context) {
	removed, err := s.Cache.Clear(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type versionRequest struct {
	Version int64 `json:"version" binding:"required,min=1"`
}

func (s *Server) cacheVersion(c *gin.Context) {
	var req versionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version: " + err.Error()})
		return
	}
	advanced, err := s.Pipeline.ObserveCacheVersion(c.Request.Context(), req.Version)
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced, "version": s.Cache.Version(c.Request.Context())})
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) setToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token: " + err.Error()})
		return
	}
	if err := s.Credential.Set(c.Request.Context(), req.Token); err != nil {
		c.Error(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) clearToken(c *gin.Context) {
	if err := s.Credential.Clear(c.Request.Context()); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type pauseRequest struct {
	Paused *bool `json:"paused" binding:"required"`
}

func (s *Server) getPause(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paused": pipeline.IsPaused(c.Request.Context(), s.Store)})
}

func (s *Server) setPause(c *gin.Context) {
	var req pauseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pause request: " + err.Error()})
		return
	}
	if err := pipeline.SetPaused(c.Request.Context(), s.Store, *req.Paused); err != nil {
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": *req.Paused})
}
