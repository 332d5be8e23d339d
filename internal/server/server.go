package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/config"
	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/monitoring"
	"github.com/htrap1211/Legion/internal/node"
	"github.com/htrap1211/Legion/pkg/api"
)

// Server runs one Legion peer plus its HTTP control surface.
type Server struct {
	config     *config.Config
	node       *node.Node
	metrics    *monitoring.Metrics
	httpServer *http.Server
	logger     *logrus.Entry
}

// New creates a server instance.
func New(cfg *config.Config) (*Server, error) {
	var metrics *monitoring.Metrics
	if cfg.Monitoring.Enabled {
		metrics = monitoring.NewMetrics()
	}

	n, err := node.New(cfg, metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}

	return &Server{
		config:  cfg,
		node:    n,
		metrics: metrics,
		logger:  logger.NewForComponent("server"),
	}, nil
}

// Start starts the peer and the HTTP server, then blocks until the context
// is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting Legion peer")

	if err := s.node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      api.NewHTTPHandler(s.node, s.metrics, s.config.Monitoring),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		s.logger.WithField("address", s.httpServer.Addr).Info("Starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"node_id":   s.node.ID(),
		"http_port": s.config.Server.Port,
	}).Info("Server started successfully")

	<-ctx.Done()
	s.logger.Info("Context cancelled, shutting down")

	return s.Stop()
}

// Stop gracefully stops the HTTP server and the peer.
func (s *Server) Stop() error {
	s.logger.Info("Stopping server")

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to shutdown HTTP server")
		}
	}

	s.node.Stop()

	s.logger.Info("Server stopped successfully")
	return nil
}
