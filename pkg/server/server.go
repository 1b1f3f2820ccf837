// Package server serves the Klever web pages and the chat API.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/nstogner/klever/pkg/agent"
	"github.com/nstogner/klever/pkg/auth"
	"github.com/nstogner/klever/pkg/logger"
	"github.com/nstogner/klever/pkg/metrics"
	"github.com/nstogner/klever/pkg/store"
)

// ChatStore is the storage the server needs: chat persistence plus change
// notifications for live websocket clients.
type ChatStore interface {
	store.ChatStore
	Subscribe() (<-chan string, func())
}

// Options configures a Server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// AllowedOrigins enables CORS on /api for the listed origins.
	AllowedOrigins []string
	// AuthRateLimit caps login and register posts per IP per minute. Zero
	// disables the limit.
	AuthRateLimit int
}

// Server serves the web UI and REST API for Klever.
type Server struct {
	auth    *auth.Service
	chats   ChatStore
	agent   *agent.Agent
	metrics *metrics.Metrics
	pages   *renderer
	opts    Options
	srv     *http.Server
}

// New creates a new Server. m may be nil.
func New(authSvc *auth.Service, chats ChatStore, ag *agent.Agent, m *metrics.Metrics, opts Options) (*Server, error) {
	pages, err := newRenderer()
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		auth:    authSvc,
		chats:   chats,
		agent:   ag,
		metrics: m,
		pages:   pages,
		opts:    opts,
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.withSession)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(staticFS())))

	// Pages
	r.Get("/", s.handleNewChatPage)
	r.Get("/chat/{id}", s.handleChatPage)
	r.Post("/chat/{id}", s.handleChatSubmit)
	r.Get("/login", s.handleLoginPage)
	r.Get("/register", s.handleRegisterPage)
	r.Group(func(r chi.Router) {
		if s.opts.AuthRateLimit > 0 {
			r.Use(httprate.Limit(
				s.opts.AuthRateLimit,
				time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					http.Error(w, "Too many attempts. Please try again later.", http.StatusTooManyRequests)
				}),
			))
		}
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
	})
	r.Post("/logout", s.handleLogout)

	// API
	r.Route("/api", func(r chi.Router) {
		if len(s.opts.AllowedOrigins) > 0 {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   s.opts.AllowedOrigins,
				AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Content-Type"},
				AllowCredentials: true,
				MaxAge:           300,
			}))
		}
		r.Post("/chat", s.handleChatStream)
		r.Delete("/chat", s.handleDeleteChat)
		r.Get("/chat/{id}", s.handleGetChat)
		r.Get("/chat/{id}/ws", s.handleChatWebSocket)
		r.Get("/history", s.handleHistory)
	})

	return r
}

// Start starts the HTTP server and blocks until it stops. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	slog.Info("Starting web server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// requestLogger assigns a trace id, records metrics and logs each request
// once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Request-Id")
		if traceID == "" {
			traceID = logger.NewTraceID()
		}
		w.Header().Set("X-Request-Id", traceID)
		ctx := logger.WithTraceID(r.Context(), traceID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(ctx); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		took := time.Since(start)
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		s.metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(took.Seconds())

		log := logger.FromContext(ctx).With(
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"took", took,
		)
		if status >= http.StatusInternalServerError {
			log.Warn("Request failed")
		} else {
			log.Debug("Request served")
		}
	})
}

// withSession attaches the session carried by the request cookie, if any.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess := s.auth.SessionFromRequest(r); sess != nil {
			ctx := auth.WithSession(r.Context(), sess)
			ctx = logger.WithUserID(ctx, sess.User.ID)
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.chats.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.errorResponse(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, r *http.Request, status int, err error) {
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("API Error", "status", status, "error", err)
	} else {
		log.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}
