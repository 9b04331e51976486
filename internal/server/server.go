// Package server is the gin HTTP/JSON-RPC surface (§6.1): one POST route
// per endpoint under /api/, matching original_source/app/main.py's literal
// paths. Structurally grounded on
// services/facilitator/internal/server/server.go's Server struct and
// New()/setupMiddleware()/setupRoutes()/Start() shape.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Shchepetov/erc4337-mempool/internal/health"
	"github.com/Shchepetov/erc4337-mempool/internal/metrics"
	"github.com/Shchepetov/erc4337-mempool/internal/pipeline"
	"github.com/Shchepetov/erc4337-mempool/internal/trace"
	"github.com/Shchepetov/erc4337-mempool/internal/userop"
)

// Pipeline is the slice of internal/pipeline the server needs.
type Pipeline interface {
	Validate(ctx context.Context, op *userop.UserOp, entryPoint common.Address, now int64) (*pipeline.Outcome, error)
}

// Pool is the slice of internal/mempool the server needs.
type Pool interface {
	Add(ctx context.Context, p *userop.PooledUserOp, helperHashes []common.Hash, now int64) error
	GetByHash(ctx context.Context, hash common.Hash) (*userop.PooledUserOp, error)
	GetReceipt(ctx context.Context, hash common.Hash) (txHash *common.Hash, accepted *bool, found bool, err error)
	ListLast(ctx context.Context, count int, now int64) ([]*userop.PooledUserOp, error)
}

// EntryPoints is the slice of internal/entrypoint the server needs.
type EntryPoints interface {
	List() ([]common.Address, error)
}

// ChainEstimator is the slice of internal/rpcadapter the gas-estimation
// endpoint needs, independent of the full admission pipeline.
type ChainEstimator interface {
	SimulateValidation(ctx context.Context, entryPoint common.Address, op *userop.UserOp) (selector [4]byte, payload []byte, frames []trace.Frame, err error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
}

// Settings carries the request-scoped configuration the handlers need.
type Settings struct {
	LastUserOpsCount    int
	ExpiresSoonInterval int64
	UserOpLifetime      int64
	Port                int
	RequestTimeout      time.Duration
}

// Server wires the admission pipeline, persisted stores, and ambient
// middleware into a gin.Engine.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	pipeline    Pipeline
	pool        Pool
	entryPoints EntryPoints
	chain       ChainEstimator
	settings    Settings

	metrics *metrics.Metrics
	health  *health.Checker
	logger  zerolog.Logger
}

func New(p Pipeline, pool Pool, ep EntryPoints, chain ChainEstimator, h *health.Checker, settings Settings, logger zerolog.Logger, m *metrics.Metrics) *Server {
	router := gin.New()

	s := &Server{
		router:      router,
		pipeline:    p,
		pool:        pool,
		entryPoints: ep,
		chain:       chain,
		settings:    settings,
		metrics:     m,
		health:      h,
		logger:      logger,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.Recovery())
	if s.settings.RequestTimeout > 0 {
		timeout := s.settings.RequestTimeout
		s.router.Use(func(c *gin.Context) {
			ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
			defer cancel()
			c.Request = c.Request.WithContext(ctx)
			c.Next()
		})
	}
	s.router.Use(RequestIDMiddleware())
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(CORSMiddleware())
	s.router.Use(s.metrics.Middleware())
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.HealthHandler())
	s.router.GET("/ready", s.health.ReadyHandler())
	s.router.GET("/metrics", s.metrics.Handler())

	api := s.router.Group("/api")
	api.POST("/eth_sendUserOperation", s.handleSendUserOperation)
	api.POST("/eth_estimateUserOperationGas", s.handleEstimateUserOperationGas)
	api.POST("/eth_getUserOperationByHash", s.handleGetUserOperationByHash)
	api.POST("/eth_getUserOperationReceipt", s.handleGetUserOperationReceipt)
	api.POST("/eth_supportedEntryPoints", s.handleSupportedEntryPoints)
	api.POST("/eth_lastUserOperations", s.handleLastUserOperations)
}

// Start runs the server until SIGINT/SIGTERM, then drains in-flight
// requests before returning, mirroring the teacher's Start()/
// waitForShutdown() split.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.settings.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info().Int("port", s.settings.Port).Msg("starting mempool server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	s.waitForShutdown()
}

func (s *Server) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("server forced to shutdown")
		return
	}
	s.logger.Info().Msg("server stopped")
}
