package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"near-forwarder/config"
	"near-forwarder/internal/endpoint"
	"near-forwarder/internal/events"
	"near-forwarder/internal/near"
	"near-forwarder/internal/tracking"
)

// Server 管理接口：健康检查、端点状态、交易记录查询、指标与事件流
type Server struct {
	server    *http.Server
	engine    *gin.Engine
	logger    *slog.Logger
	config    *config.Config
	pool      *endpoint.Pool
	submitter *near.Submitter
	tracker   *tracking.Tracker
	bus       events.Bus

	startTime time.Time
}

// NewServer creates the admin HTTP server. submitter, tracker and bus may be
// nil when those subsystems are disabled.
func NewServer(cfg *config.Config, pool *endpoint.Pool, submitter *near.Submitter, tracker *tracking.Tracker, bus events.Bus, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		engine:    engine,
		logger:    logger,
		config:    cfg,
		pool:      pool,
		submitter: submitter,
		tracker:   tracker,
		bus:       bus,
		startTime: time.Now(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/endpoints", s.handleEndpoints)
		api.GET("/transactions", s.handleTransactions)
		api.POST("/transactions", s.handleSubmitTransaction)
		api.GET("/transactions/stats", s.handleTransactionStats)
		api.GET("/events", s.handleEventStream)
	}
}

// Start 启动管理接口监听
func (s *Server) Start() error {
	s.logger.Info(fmt.Sprintf("🌐 [管理接口] 监听 http://%s", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("❌ [管理接口] 服务异常退出: %v", err))
		}
	}()
	return nil
}

// Stop 优雅关闭管理接口
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("🛑 [管理接口] 正在关闭")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}
