// Package api exposes the session lifecycle and outbound messaging over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/whatsdesk/internal/whatsapp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sessions is the connection supervisor surface the API drives.
type Sessions interface {
	Start(ctx context.Context, p whatsapp.StartParams) error
	Stop(ctx context.Context, sessionID string) error
	Status(sessionID string) whatsapp.Snapshot
	Registry() *whatsapp.Registry
}

// Credentials clears stored login material for a deleted session.
type Credentials interface {
	Clear(ctx context.Context, sessionID string) error
}

// TextSender delivers text through any connected session of a tenant.
type TextSender interface {
	SendText(ctx context.Context, tenantID uint, phone, text string) bool
}

// Server is the admin HTTP API.
type Server struct {
	db       *gorm.DB
	sessions Sessions
	creds    Credentials
	sender   TextSender
	log      *zap.Logger
	router   *gin.Engine
	watchers *watchers
}

// Opts holds parameters for creating a Server.
type Opts struct {
	DB          *gorm.DB
	Sessions    Sessions
	Credentials Credentials
	Sender      TextSender
	Logger      *zap.Logger // defaults to zap.L()
}

// New creates a Server and registers its routes.
func New(opts Opts) (*Server, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("api: db is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: sessions is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("api: credentials is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("api: sender is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		db:       opts.DB,
		sessions: opts.Sessions,
		creds:    opts.Credentials,
		sender:   opts.Sender,
		log:      opts.Logger,
		router:   router,
		watchers: newWatchers(),
	}
	if err := opts.Sessions.Registry().Bus().Subscribe(whatsapp.TopicStatus, s.watchers.publish); err != nil {
		return nil, fmt.Errorf("api: subscribe status: %w", err)
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int, out io.Writer) error {
	if port <= 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if out != nil {
		fmt.Fprintf(out, "API listening on http://localhost:%d\n", port)
	}
	s.log.Info("api: listening", zap.Int("port", port))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
