package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nhle/task-sync/internal/model"
	"github.com/nhle/task-sync/internal/reminder"
	"github.com/nhle/task-sync/internal/store"
	appsync "github.com/nhle/task-sync/internal/sync"
)

// maxBodySize caps request bodies; a task list is the largest payload.
const maxBodySize = 5 << 20 // 5MB

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// SyncService is the fetch/publish protocol.
type SyncService interface {
	Fetch(ctx context.Context, username string) (*model.Collection, error)
	Publish(ctx context.Context, username string, req appsync.PublishRequest) (appsync.PublishResult, error)
}

// PushService sends notifications to a user's devices.
type PushService interface {
	Configured() bool
	PublicKey() (string, error)
	Dispatch(ctx context.Context, username string, msg model.Message) (bool, error)
}

// ScannerControl exposes the reminder scanner to admins.
type ScannerControl interface {
	Status() reminder.Status
	RunOnce(ctx context.Context) reminder.RunResult
}

// Deps are the collaborators a Server needs. Scanner may be nil.
type Deps struct {
	Sync          SyncService
	Subscriptions store.SubscriptionStore
	Push          PushService
	Scanner       ScannerControl
	Auth          Authenticator
	Logger        *slog.Logger

	// NotificationURL is opened when a test notification is tapped.
	NotificationURL string

	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
}

// Server is the task sync HTTP API.
type Server struct {
	deps   Deps
	router *gin.Engine
}

// NewServer creates a new API server and registers its routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestID(), accessLog(deps.Logger), bodyLimit(maxBodySize))
	if deps.RequestTimeout > 0 {
		router.Use(timeout(deps.RequestTimeout))
	}

	s := &Server{
		deps:   deps,
		router: router,
	}

	router.GET("/healthz", s.handleHealth)

	api := router.Group("/api", requireAuth(deps.Auth))
	{
		api.GET("/sync", s.handleFetch)
		api.POST("/sync", s.handlePublish)

		api.GET("/push/vapid-public-key", s.handleVAPIDKey)
		api.POST("/push/subscribe", s.handleSubscribe)
		api.POST("/push/unsubscribe", s.handleUnsubscribe)
		api.POST("/push/test", s.handleTestNotification)

		admin := api.Group("/admin", requireAdmin())
		admin.GET("/scanner", s.handleScannerStatus)
		admin.POST("/scanner/run", s.handleScannerRun)
	}

	return s
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
