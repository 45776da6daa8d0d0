package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/sysbus_sim/protocol"
	"github.com/example/sysbus_sim/visual"
)

type controlRequest struct {
	Type  string `json:"type"`
	Steps int    `json:"steps,omitempty"`
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/agents", s.handleAgents)
	api.GET("/agents/:id", s.handleAgent)
	api.GET("/controller", s.handleController)
	api.GET("/stats", s.handleStats)
	api.GET("/plugins", s.handlePlugins)
	api.GET("/trace", s.handleTrace)
	api.POST("/control", s.handleControl)

	if s.hub != nil {
		r.GET("/ws", func(c *gin.Context) { s.hub.handle(c.Writer, c.Request) })
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if err := s.sim.Halted(); err != nil {
		status, code = "halted", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"system": s.sim.Config().Name,
		"cycle":  s.sim.Cycle(),
		"paused": s.sim.Paused(),
	})
}

func (s *Server) handleAgents(c *gin.Context) {
	out := make([]protocol.Snapshot, 0, s.sim.Agents())
	for id := 0; id < s.sim.Agents(); id++ {
		a, _ := s.sim.Agent(id)
		out = append(out, a.Snapshot())
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleAgent(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent id must be an integer"})
		return
	}
	a, ok := s.sim.Agent(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such agent"})
		return
	}
	snap := a.Snapshot()
	if c.Query("format") == "yaml" {
		c.YAML(http.StatusOK, snap)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleController(c *gin.Context) {
	snap := s.sim.Controller().Snapshot()
	if c.Query("format") == "yaml" {
		c.YAML(http.StatusOK, snap)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.sim.Stats())
}

func (s *Server) handlePlugins(c *gin.Context) {
	c.JSON(http.StatusOK, s.sim.Plugins())
}

func (s *Server) handleTrace(c *gin.Context) {
	trace := s.sim.Trace()
	if trace == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace recording is off"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events":  trace.Events(),
		"dropped": trace.Dropped(),
	})
}

func (s *Server) handleControl(c *gin.Context) {
	if s.controls == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "run controls are not enabled"})
		return
	}
	var req controlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	cmd, err := visual.ParseControl(req.Type, req.Steps)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.controls.Push(cmd) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "control queue full"})
		return
	}
	c.JSON(http.StatusAccepted, cmd)
}
