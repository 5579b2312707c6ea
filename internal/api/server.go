package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
}

// Server is the foreground HTTP task. Run returning is the liveness signal.
type Server struct {
	logger  *logrus.Logger
	srv     *http.Server
	started chan string
}

func NewServer(logger *logrus.Logger, handler *Handler, cfg ServerConfig) *Server {
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	requests := promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
		Namespace: "price_watcher",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by route and status code.",
	}, []string{"route", "method", "status"})

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware(requests))
	router.Use(corsMiddleware)
	SetupRoutes(router, handler, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	return &Server{
		logger: logger,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		started: make(chan string, 1),
	}
}

// Handler exposes the router for in-process tests
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Run serves until ctx is cancelled. Any other return is a server failure.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.srv.Addr, err)
	}
	s.started <- ln.Addr().String()
	s.logger.Infof("API server listening on %s", ln.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return errors.New("server closed unexpectedly")
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Addr blocks until the listener is bound and returns its address
func (s *Server) Addr(ctx context.Context) (string, error) {
	select {
	case addr := <-s.started:
		s.started <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			var durationStr string
			if duration < time.Millisecond {
				durationStr = fmt.Sprintf("%.2fµs", float64(duration.Microseconds()))
			} else if duration < time.Second {
				durationStr = fmt.Sprintf("%.2fms", float64(duration.Milliseconds()))
			} else {
				durationStr = fmt.Sprintf("%.2fs", duration.Seconds())
			}

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     rw.status,
				"duration":   durationStr,
				"user_agent": r.UserAgent(),
				"remote_ip":  r.RemoteAddr,
			}).Info("Request processed")
		})
	}
}

// metricsMiddleware labels by route template so path parameters do not explode cardinality
func metricsMiddleware(requests *prometheus.CounterVec) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			requests.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
		})
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{w, http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
