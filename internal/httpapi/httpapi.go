// Package httpapi serves the bot's HTTP surface: liveness, health, metrics
// and the subscription status lookup used by the payment pages.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xaenox/karma-bot/internal/metrics"
	"github.com/xaenox/karma-bot/internal/storage"
	"go.uber.org/zap"
)

const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeUnavailable = "unavailable"
	ErrCodeInternal    = "internal_error"
)

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SubscriptionResponse struct {
	ChatID    int64      `json:"chat_id"`
	Status    string     `json:"status"`
	Expiry    *time.Time `json:"expiry,omitempty"`
	TrialUsed bool       `json:"trial_used"`
}

type Server struct {
	store  storage.Storage
	logger *zap.Logger
	engine *gin.Engine
}

func New(store storage.Storage, logger *zap.Logger) *Server {
	s := &Server{store: store, logger: logger, engine: gin.New()}
	s.routes()
	return s
}

// Handler returns the router, for tests and custom servers.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.Use(gin.Recovery())
	r.Use(metrics.HTTP())

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "KarmaComet bot is running") })
	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/subscription-status", s.subscriptionStatus)

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "route not found")
	})
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		s.logger.Warn("Health check failed", zap.Error(err))
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "storage unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) subscriptionStatus(c *gin.Context) {
	chatID, err := strconv.ParseInt(c.Query("chat_id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "chat_id must be an integer")
		return
	}

	user, err := s.store.GetUser(c.Request.Context(), chatID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
			return
		}
		s.logger.Error("Failed to get user", zap.Error(err), zap.Int64("chat_id", chatID))
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "failed to load subscription")
		return
	}

	c.JSON(http.StatusOK, SubscriptionResponse{
		ChatID:    user.ID,
		Status:    string(user.Subscription.Status),
		Expiry:    user.Subscription.Expiry,
		TrialUsed: user.TrialUsed,
	})
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: msg})
}
