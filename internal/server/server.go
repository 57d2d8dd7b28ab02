// Package server exposes the operational HTTP surface: health, metrics and
// scheduler controls.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/storeboost/autobill/internal/config"
	"github.com/storeboost/autobill/internal/scheduler"
	"github.com/storeboost/autobill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Server struct {
	engine *gin.Engine
	srv    *http.Server
	sched  *scheduler.Scheduler
	log    *zap.Logger
}

// New builds the gin engine and routes.
func New(cfg config.Config, sched *scheduler.Scheduler, log *zap.Logger) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		srv: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		sched: sched,
		log:   log.Named("server"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	internal := s.engine.Group("/internal/scheduler")
	internal.GET("/status", s.handleStatus)
	internal.POST("/payments/:uid", s.handleManualPayment)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.GetStatus(c.Request.Context()))
}

func (s *Server) handleManualPayment(c *gin.Context) {
	uid := c.Param("uid")

	result, err := s.sched.RunManualPayment(c.Request.Context(), uid)
	switch {
	case errors.Is(err, domain.ErrSubscriptionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
	case errors.Is(err, scheduler.ErrPaymentInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "payment already in progress"})
	case err != nil:
		s.log.Error("manual payment failed", zap.String("uid", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment failed"})
	default:
		status := http.StatusOK
		if !result.Success {
			status = http.StatusPaymentRequired
		}
		c.JSON(status, result)
	}
}

func (s *Server) run(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.log.Info("http server starting", zap.String("addr", s.srv.Addr))
			go func() {
				if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.log.Info("http server shutting down")
			return s.srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		s.run(lc)
	}),
)
