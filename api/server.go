package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"simtrade/config"
	"simtrade/manager"
	"simtrade/metrics"
	"simtrade/runtimeflags"
)

// Server exposes the run manager over HTTP: run submission and inspection,
// trade exports, runtime flag toggles and Prometheus scraping.
type Server struct {
	manager *manager.RunManager
	router  *gin.Engine
	httpSrv *http.Server
	port    int
}

// NewServer wires the routes. Nothing listens until Start is called.
func NewServer(m *manager.RunManager, port int) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		manager: m,
		router:  gin.New(),
		port:    port,
	}
	s.router.Use(gin.Recovery())

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/runs", s.handleListRuns)
		apiGroup.POST("/runs", s.handleCreateRun)
		apiGroup.GET("/runs/:id", s.handleGetRun)
		apiGroup.GET("/runs/:id/report", s.handleRunReport)
		apiGroup.GET("/runs/:id/trades", s.handleRunTrades)
	}

	s.router.GET("/admin/runtime-flags", s.handleRuntimeFlags)
	s.router.POST("/admin/runtime-flags", s.handleRuntimeFlags)

	return s
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("API server listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runs": s.manager.ListRuns()})
}

// handleCreateRun registers a new run from the posted config and starts it
// immediately.
func (s *Server) handleCreateRun(c *gin.Context) {
	var cfg config.RunConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid run config: %v", err)})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.manager.AddRun(cfg)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.StartRun(context.Background(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleGetRun(c *gin.Context) {
	info, err := s.manager.GetRun(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleRunReport(c *gin.Context) {
	report, err := s.manager.Report(c.Param("id"))
	if err != nil {
		if strings.Contains(err.Error(), "unknown run") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleRunTrades returns the closed trades of a finished run, as JSON by
// default or as CSV with ?format=csv.
func (s *Server) handleRunTrades(c *gin.Context) {
	report, err := s.manager.Report(c.Param("id"))
	if err != nil {
		if strings.Contains(err.Error(), "unknown run") {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	if c.Query("format") == "csv" {
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s-trades.csv", report.RunID))
		if err := report.WriteTradesCSV(c.Writer); err != nil {
			log.Printf("trade CSV export failed for run %s: %v", report.RunID, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": report.Trades})
}

type runtimeFlagsResponse struct {
	Flags runtimeflags.State `json:"flags"`
}

// handleRuntimeFlags reports the current flag snapshot; a POST with a body
// applies a partial update first. An empty POST body is a plain read, which
// keeps curl probing cheap.
func (s *Server) handleRuntimeFlags(c *gin.Context) {
	flags := s.manager.Flags()

	if c.Request.Method == http.MethodPost && c.Request.ContentLength != 0 {
		var update runtimeflags.Update
		if err := c.ShouldBindJSON(&update); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid flag update: %v", err)})
			return
		}
		c.JSON(http.StatusOK, runtimeFlagsResponse{Flags: flags.Apply(update)})
		return
	}

	c.JSON(http.StatusOK, runtimeFlagsResponse{Flags: flags.State()})
}
