package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/apptrail-sh/orchestrator/internal/model"
	"github.com/apptrail-sh/orchestrator/internal/traffic"
	"github.com/gin-gonic/gin"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Engine is the deployment control surface exposed over HTTP.
type Engine interface {
	Deploy(ctx context.Context, configID string) (*model.Deployment, error)
	Pause(id string) (bool, error)
	Resume(id string) (bool, error)
	Cancel(id string) (bool, error)
	Rollback(ctx context.Context, id, reason string) (*model.RollbackResult, error)
	UpdateTrafficSplit(id string, targets []traffic.Target) (map[string]int, error)
	Get(id string) (*model.Deployment, error)
	List() []model.Deployment
	Active() []model.Deployment
}

type ConfigStore interface {
	Create(ctx context.Context, cfg model.DeploymentConfig) (*model.DeploymentConfig, error)
	Get(id string) (*model.DeploymentConfig, error)
	List() []model.DeploymentConfig
}

type FlagStore interface {
	Create(ctx context.Context, flag model.FeatureFlag) (*model.FeatureFlag, error)
	Get(key string) (*model.FeatureFlag, error)
	List() []model.FeatureFlag
	Toggle(ctx context.Context, key string) (*model.FeatureFlag, error)
	Update(ctx context.Context, key string, flag model.FeatureFlag) (*model.FeatureFlag, error)
	Delete(ctx context.Context, key string) error
	Evaluate(key, userID string, ectx model.EvaluationContext) bool
	Variant(key, userID string, ectx model.EvaluationContext) (model.FlagVariant, bool)
}

type Config struct {
	BindAddress       string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		BindAddress:       ":8090",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
	}
}

// Server serves the admin API.
type Server struct {
	config  Config
	handler *Handler
	router  *gin.Engine
}

func NewServer(config Config, engine Engine, configs ConfigStore, flags FlagStore) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	h := &Handler{engine: engine, configs: configs, flags: flags}
	InitRouters(router, h)

	return &Server{config: config, handler: h, router: router}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done. It satisfies the controller-runtime
// Runnable interface.
func (s *Server) Start(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("api")

	listener, err := net.Listen("tcp", s.config.BindAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.BindAddress, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", "address", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin API stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ShutdownTimeout)
	defer cancel()
	logger.Info("Shutting down admin API")
	return srv.Shutdown(shutdownCtx)
}

// NeedLeaderElection keeps the API on the replica that owns the deployments.
func (s *Server) NeedLeaderElection() bool {
	return true
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		log.FromContext(c.Request.Context()).WithName("api").V(1).Info("Handled request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(started),
		)
	}
}
