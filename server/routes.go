// Package server is the HTTP adapter over the scheduler: a pure translation
// layer that decodes requests, submits tasks and relays result sinks to the
// wire. It holds no inference state of its own.
package server

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/skein-ai/skein/chat"
	"github.com/skein-ai/skein/envconfig"
	"github.com/skein-ai/skein/llm"
	"github.com/skein-ai/skein/runner/slotrunner"
)

type Server struct {
	sched     *slotrunner.Scheduler
	tok       llm.Tokenizer
	templates chat.Templates

	// inflight bounds concurrently served inference requests to the slot
	// pool size so the deferred queue cannot grow without bound.
	inflight *semaphore.Weighted
}

func NewServer(sched *slotrunner.Scheduler, tok llm.Tokenizer, templates chat.Templates, parallel int) *Server {
	if parallel < 1 {
		parallel = 1
	}
	if templates == nil {
		templates = chat.Builtin()
	}
	return &Server{
		sched:     sched,
		tok:       tok,
		templates: templates,
		inflight:  semaphore.NewWeighted(int64(parallel)),
	}
}

// GenerateRoutes builds the router with CORS and request-id middleware.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "User-Agent", "Accept", "X-Requested-With"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(
		gin.Recovery(),
		cors.New(corsConfig),
		requestIDMiddleware(),
	)

	r.HEAD("/health", s.HealthHandler)
	r.GET("/health", s.HealthHandler)
	r.GET("/metrics", s.MetricsHandler)

	r.POST("/completion", s.CompletionHandler)
	r.POST("/chat", s.ChatHandler)
	r.POST("/embedding", s.EmbeddingHandler)
	r.POST("/rerank", s.RerankHandler)

	r.POST("/slots/:id", s.SlotHandler)
	r.POST("/lora", s.LoraHandler)

	return r
}

// requestIDMiddleware tags each request with a uuid, echoed in the response
// and attached to a request-scoped logger.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Header("X-Request-Id", id)
		c.Set("logger", slog.With("request_id", id, "path", c.Request.URL.Path))
		c.Next()
	}
}

func logger(c *gin.Context) *slog.Logger {
	if l, ok := c.Get("logger"); ok {
		return l.(*slog.Logger)
	}
	return slog.Default()
}

// Serve runs the HTTP server on ln until it fails or the listener closes.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("listening", "addr", ln.Addr())
	srv := &http.Server{Handler: s.GenerateRoutes()}
	return srv.Serve(ln)
}
