package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumina-studio/deploy-monitor/internal/session"
	"github.com/lumina-studio/deploy-monitor/internal/supervisor"
)

// Server groups the dependencies the HTTP surface reads from. The API is a
// read-mostly control plane; the only mutation it allows is stopping a
// session.
type Server struct {
	Store      *session.Store
	Controller *supervisor.Controller
	Metrics    *supervisor.Metrics
	Registry   prometheus.Gatherer
}

func SetupRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.healthzHandler)
	router.GET("/sessions", s.listSessionsHandler)
	router.GET("/sessions/:id", s.getSessionHandler)
	router.POST("/sessions/:id/stop", s.stopSessionHandler)
	router.GET("/report/latest", s.latestReportHandler)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))

	return router
}

func (s *Server) healthzHandler(c *gin.Context) {
	snap := s.Metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"cycles": snap,
	})
}

func (s *Server) listSessionsHandler(c *gin.Context) {
	if c.Query("status") == session.StatusMonitoring {
		// Active sessions get the registry cross-check.
		active, err := s.Controller.Active()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": active})
		return
	}

	sessions, err := s.Store.List(session.Filter{
		Status: c.Query("status"),
		Branch: c.Query("branch"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) getSessionHandler(c *gin.Context) {
	sess, err := s.Store.Get(c.Param("id"))
	if errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) stopSessionHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.Store.Get(id); errors.Is(err, session.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err := s.Controller.Stop(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stop session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "session stopped", "sessionId": id})
}

// latestReportHandler returns the analysis report of the most recently
// completed session.
func (s *Server) latestReportHandler(c *gin.Context) {
	sessions, err := s.Store.List(session.Filter{Status: session.StatusCompleted, Limit: 1})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sessions"})
		return
	}
	if len(sessions) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no completed sessions yet"})
		return
	}

	report, err := sessions[0].Report()
	if err != nil || report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "latest session has no report"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessions[0].SessionID, "report": report})
}
