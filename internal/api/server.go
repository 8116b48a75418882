// Package api exposes the gateway's query surface over HTTP: read
// endpoints for every component's projections, one write endpoint for
// firewall reconfiguration, a websocket alert stream and the metrics
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/knakagaki/gatewarden/internal/accesslog"
	"github.com/knakagaki/gatewarden/internal/audit"
	"github.com/knakagaki/gatewarden/internal/config"
	"github.com/knakagaki/gatewarden/internal/firewall"
	"github.com/knakagaki/gatewarden/internal/gateway"
	"github.com/knakagaki/gatewarden/internal/monitor"
)

// Response is the envelope for every API reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Time    time.Time   `json:"time"`
}

// Server serves the query API.
type Server struct {
	logger *zap.Logger
	config config.APIConfig
	router *mux.Router
	server *http.Server

	ports    *gateway.PortManager
	connMon  *gateway.ConnectionMonitor
	access   *accesslog.Logger
	auditor  *audit.Auditor
	fw       firewall.Manager
	secMon   *monitor.SecurityMonitor
	bus      *gateway.AlertBus
	gwConfig config.GatewayConfig

	limiter  *ipLimiter
	upgrader websocket.Upgrader

	started time.Time
}

// NewServer wires the query surface to the components. secMon may be nil;
// the metrics endpoint is then omitted.
func NewServer(
	cfg config.APIConfig,
	gwCfg config.GatewayConfig,
	ports *gateway.PortManager,
	connMon *gateway.ConnectionMonitor,
	access *accesslog.Logger,
	auditor *audit.Auditor,
	fw firewall.Manager,
	secMon *monitor.SecurityMonitor,
	bus *gateway.AlertBus,
	logger *zap.Logger,
) *Server {
	s := &Server{
		logger:   logger,
		config:   cfg,
		ports:    ports,
		connMon:  connMon,
		access:   access,
		auditor:  auditor,
		fw:       fw,
		secMon:   secMon,
		bus:      bus,
		gwConfig: gwCfg,
		limiter:  newIPLimiter(cfg.RateLimit, cfg.Burst),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // same-origin and non-browser clients
				}
				for _, allowed := range cfg.AllowOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	s.setupRoutes()
	return s
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	s.started = time.Now()
	s.server = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting API server", zap.String("listen_addr", s.config.ListenAddr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.corsMiddleware)
	api.Use(s.rateLimitMiddleware)
	api.Use(s.loggingMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Transport-level admission projections.
	api.HandleFunc("/connections", s.handleConnectionLog).Methods("GET")
	api.HandleFunc("/connections/stats", s.handleConnectionStats).Methods("GET")
	api.HandleFunc("/ports", s.handlePortStatus).Methods("GET")

	// Alerting.
	api.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	api.HandleFunc("/monitoring/stats", s.handleMonitoringStats).Methods("GET")

	// Firewall collaborator.
	api.HandleFunc("/firewall/status", s.handleFirewallStatus).Methods("GET")
	api.HandleFunc("/firewall/validate", s.handleFirewallValidate).Methods("GET")
	api.HandleFunc("/firewall/reconfigure", s.handleFirewallReconfigure).Methods("POST")

	// Access log.
	api.HandleFunc("/access/logs", s.handleAccessLogs).Methods("GET")
	api.HandleFunc("/access/stats", s.handleAccessStats).Methods("GET")
	api.HandleFunc("/access/report", s.handleAccessReport).Methods("GET")

	// Audit layer.
	api.HandleFunc("/audit/events", s.handleAuditEvents).Methods("GET")
	api.HandleFunc("/audit/compliance", s.handleCompliance).Methods("GET")
	api.HandleFunc("/audit/report", s.handleAuditReport).Methods("GET")

	// Alert stream.
	api.HandleFunc("/ws/alerts", s.handleAlertStream)

	if s.secMon != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(
			s.secMon.Registry(), promhttp.HandlerOpts{}))
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, allowed := range s.config.AllowOrigins {
				if allowed == "*" || allowed == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.allow(host) {
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Debug("API request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendData(w http.ResponseWriter, data interface{}) {
	s.sendJSON(w, http.StatusOK, Response{Success: true, Data: data, Time: time.Now()})
}

func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, Response{Success: false, Error: message, Time: time.Now()})
}
