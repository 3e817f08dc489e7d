// Package server is the composition root: it builds every backend selected by the
// configuration, wires services and handlers, and owns the HTTP listener.
//
// Route map:
//
//	GET  /healthz
//	GET  /auth/nonce                       POST /auth/login      POST /auth/logout
//	GET  /api/me                           GET|PUT /api/tokens
//	GET  /api/webpages                     POST /api/webpages
//	PUT  /api/webpages/{id}                GET  /api/webpages/{id}/deployments
//	GET  /api/webpages/{id}/content
//	GET  /api/search                       POST /api/search/reindex
//	POST /api/generate-website             GET  /api/cdn/nodes
//
// Everything under /api except search, generation and the CDN view requires the
// session cookie.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sakif/webdeploy/internal/auth"
	"github.com/sakif/webdeploy/internal/config"
	"github.com/sakif/webdeploy/internal/gateway"
	"github.com/sakif/webdeploy/internal/generator"
	"github.com/sakif/webdeploy/internal/handler"
	"github.com/sakif/webdeploy/internal/keystore"
	"github.com/sakif/webdeploy/internal/middleware"
	"github.com/sakif/webdeploy/internal/publish"
	"github.com/sakif/webdeploy/internal/search"
	"github.com/sakif/webdeploy/internal/service"
)

// Server holds the router and every resource that must be released on shutdown.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	index   *search.Index
	closers []closer
}

type closer struct {
	name  string
	close func() error
}

// New opens every backend and wires the routes. On failure, whatever was already
// opened is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Server, err error) {
	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	defer func() {
		if err != nil {
			s.closeAll()
		}
	}()

	b, err := s.openBackends(ctx)
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenService(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	vault, err := keystore.New(b.db, cfg.KeyVaultSecret)
	if err != nil {
		return nil, err
	}

	s.index = search.New(b.db, b.content, cfg.ContentTTL, logger)
	workflow := publish.New(
		b.db, b.db, b.content, b.ledger, b.names, vault, s.index,
		publish.Options{MaxContentSize: cfg.MaxContentSize},
		logger,
	)

	var gen service.Generator
	if cfg.GeminiAPIKey != "" {
		gen = generator.New(generator.DefaultBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel)
	} else {
		logger.Warn("GEMINI_API_KEY not set, /api/generate-website will fail")
	}

	authService := service.NewAuthService(b.db, tokens, auth.NewChallenges(), logger)
	webpageService := service.NewWebpageService(workflow, b.db, s.index, logger)
	siteService := service.NewSiteService(s.index, gen,
		gateway.NewProber(cfg.Gateways, cfg.ProbeTimeout, logger), logger)

	// Content travels JSON-escaped; leave headroom over the raw size limit.
	maxBody := int64(cfg.MaxContentSize.Bytes())*2 + 64<<10

	s.setupRoutes(routes{
		auth:     handler.NewAuthHandler(authService, tokens.TTL(), cfg.CookieSecure, logger),
		webpages: handler.NewWebpageHandler(webpageService, maxBody, logger),
		sites:    handler.NewSiteHandler(siteService, logger),
		health:   handler.NewHealthHandler(b.db, logger),
		tokens:   tokens,
	})
	return s, nil
}

type routes struct {
	auth     *handler.AuthHandler
	webpages *handler.WebpageHandler
	sites    *handler.SiteHandler
	health   *handler.HealthHandler
	tokens   *auth.TokenService
}

// setupRoutes installs middleware in order: request ID, real IP, request log,
// panic recovery, CORS.
func (s *Server) setupRoutes(h routes) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.router.Get("/healthz", h.health.HandleHealth)

	s.router.Route("/auth", func(r chi.Router) {
		r.Get("/nonce", h.auth.HandleNonce)
		r.Post("/login", h.auth.HandleLogin)
		r.Post("/logout", h.auth.HandleLogout)
	})

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/search", h.sites.HandleSearch)
		r.Post("/search/reindex", h.sites.HandleReindex)
		r.Post("/generate-website", h.sites.HandleGenerate)
		r.Get("/cdn/nodes", h.sites.HandleNodes)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(h.tokens))

			r.Get("/me", h.auth.HandleMe)
			r.Get("/tokens", h.auth.HandleGetTokens)
			r.Put("/tokens", h.auth.HandleUpdateTokens)

			r.Get("/webpages", h.webpages.HandleList)
			r.Post("/webpages", h.webpages.HandleDeploy)
			r.Put("/webpages/{id}", h.webpages.HandleUpdate)
			r.Get("/webpages/{id}/deployments", h.webpages.HandleHistory)
			r.Get("/webpages/{id}/content", h.webpages.HandleContent)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until SIGINT or SIGTERM, then drains in-flight requests for up to
// 30 seconds and closes every backend.
func (s *Server) Start() error {
	defer s.closeAll()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // ledger confirmation can take several blocks
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("db", s.config.DBDriver),
			slog.String("content_store", s.config.ContentStore),
			slog.String("ledger", s.config.Ledger),
			slog.String("names", s.config.NameStore),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	go s.warmIndex()

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}

// warmIndex builds the search index from the database once at startup.
func (s *Server) warmIndex() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.index.Rebuild(ctx); err != nil {
		s.logger.Error("initial search index build failed", slog.String("error", err.Error()))
	}
}

func (s *Server) onClose(name string, fn func() error) {
	s.closers = append(s.closers, closer{name: name, close: fn})
}

// closeAll releases resources in reverse order of opening.
func (s *Server) closeAll() {
	for _, c := range slices.Backward(s.closers) {
		if err := c.close(); err != nil {
			s.logger.Warn("closing resource failed",
				slog.String("resource", c.name),
				slog.String("error", err.Error()),
			)
		}
	}
	s.closers = nil
}
