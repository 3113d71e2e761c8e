// Package server orchestrates the notify gateway's main HTTP server and
// admin server. The main server carries guest traffic for the notify
// endpoint while the admin server exposes health checks, readiness probes,
// and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/RaphaelGuerra/ez-order/internal/admission"
	"github.com/RaphaelGuerra/ez-order/internal/catalog"
	"github.com/RaphaelGuerra/ez-order/internal/config"
	"github.com/RaphaelGuerra/ez-order/internal/httpapi"
	"github.com/RaphaelGuerra/ez-order/internal/notify"
	"github.com/RaphaelGuerra/ez-order/internal/observability"
	"github.com/RaphaelGuerra/ez-order/internal/replay"
	"github.com/RaphaelGuerra/ez-order/internal/token"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is the notify gateway server pair.
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	version     string
	mainServer  *http.Server
	adminServer *http.Server
	handler     *httpapi.Handler
	replays     *replay.Guard
	health      *observability.HealthChecker
	metrics     *observability.Metrics
	certs       *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a new server instance from the loaded configuration.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// The replay guard outlives configuration reloads: forgetting consumed
	// token ids on a reload would reopen the replay window.
	replays := replay.NewGuard()

	pipeline := buildPipeline(cfg, replays, metrics, health, logger)
	handler := httpapi.NewHandler(pipeline, logger, metrics)

	mainServer := buildMainServer(cfg, instrument(handler, metrics, logger))
	adminServer := buildAdminServer(cfg, health, reg)

	return &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		adminServer: adminServer,
		handler:     handler,
		replays:     replays,
		health:      health,
		metrics:     metrics,
	}, nil
}

// buildPipeline assembles the request-processing dependency set from one
// configuration snapshot. A missing signing secret or missing provider
// credentials leave the corresponding component nil; the handler turns that
// into a 500 at request time so the operator can fix the environment without
// the process flapping.
func buildPipeline(cfg *config.Config, replays *replay.Guard, metrics *observability.Metrics, health *observability.HealthChecker, logger *slog.Logger) *httpapi.Pipeline {
	var tokens *token.Service
	secret, err := token.ResolveSecret(
		cfg.AuthToken.SigningSecret.Value(),
		cfg.Provider.Token.Value(),
		cfg.Provider.User.Value(),
	)
	if err != nil {
		logger.Error("no signing secret available; token issuance disabled", "error", err)
	} else {
		ttl := config.MustParseDuration(cfg.AuthToken.TTL, 2*time.Minute)
		tokens, err = token.NewService(secret, ttl)
		if err != nil {
			logger.Error("token service unavailable", "error", err)
		}
	}

	var dispatcher *notify.Dispatcher
	if cfg.Provider.Token != "" && cfg.Provider.User != "" {
		dispatcher = notify.NewDispatcher(
			cfg.Provider.URL,
			cfg.Provider.Token.Value(),
			cfg.Provider.User.Value(),
			config.MustParseDuration(cfg.Provider.Timeout, notify.DefaultTimeout),
			logger,
		)
		dispatcher.OnDuration = metrics.PromProviderDuration.Observe
	} else {
		logger.Error("provider credentials not configured; order dispatch disabled")
	}

	var locations *catalog.Validator
	if len(cfg.Locations.Static) > 0 {
		locations = catalog.NewStatic(cfg.Locations.Static, logger)
		health.SetCatalogPinger(nil)
	} else {
		locations = catalog.NewDynamic(
			cfg.Locations.CatalogURL,
			config.MustParseDuration(cfg.Locations.CacheTTL, 5*time.Minute),
			config.MustParseDuration(cfg.Locations.FetchTimeout, 5*time.Second),
			logger,
		)
		locations.OnRefresh = metrics.PromCatalogRefreshes.Inc
		locations.OnRefreshError = metrics.PromCatalogErrors.Inc
		health.SetCatalogPinger(locations)
	}

	return &httpapi.Pipeline{
		Path:       cfg.Server.EndpointPath,
		Origins:    admission.NewOriginPolicy(cfg.Admission.AllowedOrigins),
		Limiter:    admission.NewWindowLimiter(cfg.Admission.RequestsPerMinute),
		Tokens:     tokens,
		Locations:  locations,
		Dispatcher: dispatcher,
		Replays:    replays,
		BodyCap:    cfg.Admission.MaxBodyBytes,
	}
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 15*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, h2s),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument wraps the API handler with request-id propagation, access
// logging, and the request-duration histogram.
func instrument(next http.Handler, metrics *observability.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		metrics.PromRequestDuration.
			WithLabelValues(r.Method, strconv.Itoa(rec.status)).
			Observe(elapsed.Seconds())

		logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// Run starts both servers and blocks until the context is canceled, then
// performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("notify gateway is ready",
			"version", s.version,
			"endpoint", s.cfg.Server.EndpointPath,
		)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("main server starting",
		"address", s.cfg.Server.Address,
		"tls", s.cfg.Server.TLS.Enabled,
	)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("main server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		tlsLn := tls.NewListener(ln, &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: ch.GetCertificate,
		})
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("main server: %w", err)
	}
}

// Reload hot-swaps the request pipeline and TLS certificates without
// restarting the server. The listener address cannot change on reload.
func (s *Server) Reload(newCfg *config.Config) error {
	pipeline := buildPipeline(newCfg, s.replays, s.metrics, s.health, s.logger)
	old := s.handler.Swap(pipeline)

	// In-flight requests may still hold the old snapshot; release its bucket
	// table after they have had time to finish.
	if old != nil && old.Limiter != nil {
		drain := config.MustParseDuration(newCfg.Server.DrainTimeout, 20*time.Second)
		time.AfterFunc(drain, old.Limiter.Close)
	}

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded")
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 20*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("main server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if p := s.handler.Swap(nil); p != nil && p.Limiter != nil {
		p.Limiter.Close()
	}

	s.logger.Info("shutdown complete")
	return nil
}
