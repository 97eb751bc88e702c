// Package diagnostics exposes the replica's health, status and metrics over
// HTTP.
package diagnostics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hshomroni/concord-bft/internal/replica"
)

// Server is the diagnostics HTTP server.
type Server struct {
	logger  *zap.Logger
	replica *replica.Replica
	httpSrv *http.Server
}

// NewServer builds the diagnostics server for a replica.
func NewServer(logger *zap.Logger, rep *replica.Replica, addr string, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{logger: logger, replica: rep}
	router.GET("/healthz", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	s.httpSrv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("diagnostics server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("diagnostics server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if !s.replica.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	diag := s.replica.DiagCounters()
	c.JSON(http.StatusOK, gin.H{
		"running":            s.replica.IsRunning(),
		"current_primary":    s.replica.CurrentPrimary(),
		"epoch":              s.replica.Epochs().Epoch(),
		"in_flight_requests": s.replica.PreProcessor().InFlight(),
		"msg_bufs_allocated": diag.BufsAllocated(),
		"msg_bufs_freed":     diag.BufsFreed(),
		"live_msgs_per_type": diag.LivePerType(),
		"timestamp":          time.Now(),
	})
}
