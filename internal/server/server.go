package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/partnerpay/internal/authorization"
	"github.com/smallbiznis/partnerpay/internal/config"
	"github.com/smallbiznis/partnerpay/internal/observability"
	obslogger "github.com/smallbiznis/partnerpay/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/partnerpay/internal/observability/metrics"
	obstracing "github.com/smallbiznis/partnerpay/internal/observability/tracing"
	settlementdomain "github.com/smallbiznis/partnerpay/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(provideRunTrigger),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.ServerMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	settlementSvc settlementdomain.Service
	authzSvc      authorization.Service
	runs          RunTrigger
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	SettlementSvc settlementdomain.Service
	AuthzSvc      authorization.Service
	Runs          RunTrigger
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		settlementSvc: p.SettlementSvc,
		authzSvc:      p.AuthzSvc,
		runs:          p.Runs,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api/commissions", IdentityRequired())
	{
		api.GET("/pending", s.PendingSettlement)
		api.GET("/breakdown", s.Breakdown)
		api.GET("/payouts", s.Payouts)
		api.GET("/running-tally", s.RunningTally)

		settlements := api.Group("/settlements")
		{
			settlements.POST("", s.MarkSettled)
			settlements.GET("", s.ListSettlements)
		}
	}
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal/commissions", IdentityRequired())
	{
		internal.POST("/process", s.TriggerProcess)
		internal.POST("/close", s.TriggerClose)
	}
}
