// Package transport implements the HTTP+UDS listeners (C8): the /metrics
// and /health routes, incoming rate limiting, and graceful shutdown,
// generalizing the teacher's pkg/collector/server.go onto a cached
// AppState instead of a live prometheus.Collector.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/go-chi/httprate"
	"github.com/gorilla/mux"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"

	"github.com/all-smi/all-smi-go/pkg/types"
)

// incomingRateLimit and incomingRateWindow implement the 10 req/s
// per-client sliding window limiter from §4.8.
const (
	incomingRateLimit  = 10
	incomingRateWindow = 1 * time.Second
)

const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 10 * time.Second
	readHeaderTimeout = 2 * time.Second
	udsShutdownGrace  = 3 * time.Second
)

// Config parameterizes Server construction.
type Config struct {
	Logger            *slog.Logger
	Exporter          types.MetricsExporter
	State             types.AppStateView
	TCPAddr           string // empty disables TCP
	SocketPath        string // empty disables UDS; "auto" picks the per-OS default
	EnableDebugServer bool
	StartedAt         time.Time
	// WebConfigFile is an exporter-toolkit TLS/basic-auth config file path,
	// forwarded to web.ListenAndServe for the TCP listener only; the UDS
	// listener is already local-only and always plaintext.
	WebConfigFile string
}

// Server hosts both the TCP and UDS listeners behind one handler, matching
// teacher server.go's router wiring but serving a cached snapshot rather
// than a live Collector.
type Server struct {
	logger        *slog.Logger
	httpSrv       *http.Server
	httpListeners []string
	webConfigFile string
	udsSrv        *http.Server
	udsPath       string
	startedAt     time.Time
}

// New builds a Server. It does not start listening; call Start.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	router := newRouter(logger, cfg.Exporter, cfg.State, startedAt, cfg.EnableDebugServer)

	s := &Server{logger: logger, startedAt: startedAt}

	if cfg.TCPAddr != "" {
		s.httpSrv = &http.Server{
			Addr:              cfg.TCPAddr,
			Handler:           router,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		s.httpListeners = []string{cfg.TCPAddr}
		s.webConfigFile = cfg.WebConfigFile
	}

	if cfg.SocketPath != "" {
		udsPath := cfg.SocketPath
		if udsPath == "auto" {
			udsPath = DefaultSocketPath()
		}

		s.udsPath = udsPath
		s.udsSrv = &http.Server{
			Handler:           router,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
		}
	}

	return s, nil
}

// newRouter builds the two-route gorilla/mux router: GET /metrics, GET
// /health, with the incoming rate limiter applied to both (§4.8).
func newRouter(logger *slog.Logger, exp types.MetricsExporter, st types.AppStateView, startedAt time.Time, debug bool) http.Handler {
	router := mux.NewRouter()
	router.Use(httprate.LimitByIP(incomingRateLimit, incomingRateWindow))

	router.Methods(http.MethodGet).Path("/metrics").Handler(metricsHandler(logger, exp, st))
	router.Methods(http.MethodGet).Path("/health").Handler(healthHandler(startedAt, st))

	if landingPage, err := web.NewLandingPage(web.LandingConfig{
		Name:        "all-smi",
		Description: "Cross-platform, multi-vendor accelerator and host telemetry exporter.",
		Version:     version.Info(),
		HeaderColor: "#3cc9beff",
		Links: []web.LandingLinks{
			{Address: "/metrics", Text: "Metrics"},
			{Address: "/health", Text: "Health"},
		},
	}); err != nil {
		logger.Warn("failed to build landing page, / will 404", "err", err)
	} else {
		router.Handle("/", landingPage)
	}

	if debug {
		router.PathPrefix("/debug/").Handler(http.DefaultServeMux).Methods(http.MethodGet).Host("localhost")
	}

	return router
}

func metricsHandler(logger *slog.Logger, exp types.MetricsExporter, st types.AppStateView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := exp.Build(st)
		if err != nil {
			logger.Error("failed to build exposition text", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)

			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Write(body)
	}
}

func healthHandler(startedAt time.Time, st types.AppStateView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		uptime := time.Since(startedAt).Round(time.Second)
		fmt.Fprintf(w, "ok\nuptime=%s\nhosts=%d\n", uptime, len(st.Hosts()))
	}
}

// Start launches whichever of the TCP/UDS listeners are configured. It
// blocks until one fails or Shutdown is called (net/http.ErrServerClosed is
// swallowed, matching teacher server.go's Start).
func (s *Server) Start() error {
	errCh := make(chan error, 2)
	started := 0

	if s.httpSrv != nil {
		started++

		go func() {
			s.logger.Info("starting TCP listener", "addr", s.httpSrv.Addr)

			// web.ListenAndServe understands an empty WebConfigFile as
			// "plaintext, no basic auth" and falls through to a plain
			// net/http listener, matching teacher server.go's Start.
			systemdSocket := false
			webCfg := &web.FlagConfig{
				WebListenAddresses: &s.httpListeners,
				WebSystemdSocket:   &systemdSocket,
				WebConfigFile:      &s.webConfigFile,
			}

			if err := web.ListenAndServe(s.httpSrv, webCfg, s.logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("tcp listener: %w", err)

				return
			}

			errCh <- nil
		}()
	}

	if s.udsSrv != nil {
		started++

		listener, err := bindUnixSocket(s.udsPath)
		if err != nil {
			return fmt.Errorf("bind unix socket %s: %w", s.udsPath, err)
		}

		go func() {
			s.logger.Info("starting UDS listener", "path", s.udsPath)

			if err := s.udsSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("uds listener: %w", err)

				return
			}

			errCh <- nil
		}()
	}

	if started == 0 {
		return errors.New("transport: neither TCP nor UDS listener configured")
	}

	for i := 0; i < started; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}

	return nil
}

// Shutdown stops both listeners, draining in-flight handlers, and unlinks
// the UDS path, per §4.8's graceful shutdown contract.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs error

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("tcp shutdown: %w", err))
		}
	}

	if s.udsSrv != nil {
		udsCtx, cancel := context.WithTimeout(ctx, udsShutdownGrace)

		if err := s.udsSrv.Shutdown(udsCtx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("uds shutdown: %w", err))
		}

		cancel()

		if err := os.Remove(s.udsPath); err != nil && !os.IsNotExist(err) {
			errs = errors.Join(errs, fmt.Errorf("unlink uds path: %w", err))
		}
	}

	return errs
}

// DefaultSocketPath returns the per-OS UDS default from §4.8.
func DefaultSocketPath() string {
	if runtime.GOOS == "darwin" {
		return "/tmp/all-smi.sock"
	}

	if _, err := os.Stat("/var/run"); err == nil {
		return "/var/run/all-smi.sock"
	}

	return "/tmp/all-smi.sock"
}

// bindUnixSocket implements the stale-socket policy from §6.2: if a socket
// exists, probe it with a connect attempt; if nothing answers, replace it
// atomically (temp name + rename) with 0600 permissions.
func bindUnixSocket(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if probeListening(path) {
			return nil, fmt.Errorf("a process is already listening on %s", path)
		}

		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
	}

	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(path), os.Getpid()))

	listener, err := net.Listen("unix", tmpPath)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(tmpPath, 0o600); err != nil {
		listener.Close()
		os.Remove(tmpPath)

		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		listener.Close()
		os.Remove(tmpPath)

		return nil, fmt.Errorf("rename socket into place: %w", err)
	}

	return listener, nil
}

// probeListening reports whether a live process answers at path.
func probeListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}

	conn.Close()

	return true
}
