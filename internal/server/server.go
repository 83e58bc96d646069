// Package server exposes the session facade over HTTP and a websocket
// notification stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/meshlink/internal/auth"
	"github.com/danmuck/meshlink/internal/client"
	"github.com/danmuck/meshlink/internal/observability"
	"github.com/danmuck/meshlink/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

type Options struct {
	Name        string
	Addr        string
	CORSOrigins []string
	// Auth guards every route except /health and /metrics. Nil disables it.
	Auth auth.Validator
	// Selector is polled and answered by the /selection routes.
	Selector *transport.PendingSelector
	// ProfilesPath backs /profiles and connect-by-profile.
	ProfilesPath string
}

type Server struct {
	name     string
	addr     string
	client   *client.Client
	selector *transport.PendingSelector
	profiles string
	started  time.Time
	router   *gin.Engine
	upgrader websocket.Upgrader
}

func New(c *client.Client, o Options) *Server {
	observability.RegisterMetrics()
	name := strings.TrimSpace(o.Name)
	if name == "" {
		name = "meshctl"
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(name))
	origins := normalizeOrigins(o.CORSOrigins)
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		name:     name,
		addr:     o.Addr,
		client:   c,
		selector: o.Selector,
		profiles: o.ProfilesPath,
		started:  time.Now(),
		router:   r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(origins),
		},
	}
	s.registerRoutes(o.Auth)
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("server.Server.Serve listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server.Server.Serve shutdown")
		return err
	}
	return nil
}

// requireAuth accepts a bearer header, or a token query parameter for
// websocket upgrades where browsers cannot set headers.
func requireAuth(v auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := auth.BearerToken(c.GetHeader("Authorization"))
		if !ok && websocket.IsWebSocketUpgrade(c.Request) {
			token = c.Query("token")
			ok = token != ""
		}
		if !ok || v.Validate(token) != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"http://localhost:5173"}
	}
	return out
}

func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
