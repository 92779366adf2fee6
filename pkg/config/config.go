// Package config builds a typed Config from kingpin CLI flags, loads and
// validates the hostfile, and wires the environment variables from §6.3,
// mirroring the teacher's cli.go flag-registration idiom.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"
)

// Mode selects which collection strategy the engine runs.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeAPI   Mode = "api"
	ModeView  Mode = "view"
)

const (
	minIntervalSeconds = 1
	maxIntervalSeconds = 60

	hostfileMaxBytes   = 10 * 1024 * 1024
	hostfileMaxEntries = 1000

	// AuthTokenEnv carries the bearer token injected into remote scrapes.
	AuthTokenEnv = "ALL_SMI_AUTH_TOKEN"
	// SuppressLocalhostWarningEnv disables the SSRF warning for loopback.
	SuppressLocalhostWarningEnv = "SUPPRESS_LOCALHOST_WARNING"
	// MaxConnectionsEnv overrides the outgoing concurrency cap.
	MaxConnectionsEnv = "ALL_SMI_MAX_CONNECTIONS"
	// BackendAIClusterHostsEnv auto-discovers a host list when none is given.
	BackendAIClusterHostsEnv = "BACKENDAI_CLUSTER_HOSTS"
)

// Exit codes, per §6.3.
const (
	ExitOK                  = 0
	ExitConfigError         = 1
	ExitBindFailure         = 2
	ExitNoReadersAvailable  = 3
)

// Config is the fully resolved, validated process configuration.
type Config struct {
	Mode             Mode
	IntervalSeconds  int
	Port             int
	SocketPath       string // empty disables UDS
	Hosts            []string
	IncludeProcesses bool
	DebugServer      bool
	WebConfigFile    string

	AuthToken             string
	SuppressLocalLoopback bool
	MaxConnections        int

	Logger *slog.Logger
}

// AppName is the kingpin application/binary name.
const AppName = "all-smi"

// Load parses os.Args, validates, and returns a Config, or a non-nil error
// paired with the exit code the caller should use.
func Load(args []string) (*Config, int, error) {
	app := kingpin.New(AppName, "Cross-platform, multi-vendor accelerator and host telemetry exporter.")

	var (
		mode             string
		interval         int
		port             int
		socket           string
		hostsFlag        []string
		hostfile         string
		includeProcesses bool
		debugServer      bool
		webConfigFile    string
	)

	app.Flag("mode", "Collection mode: local, api, or view.").Default(string(ModeLocal)).StringVar(&mode)
	app.Flag("interval", "Sample period in seconds, clamped to [1,60].").Default("2").IntVar(&interval)
	app.Flag("port", "TCP bind port; 0 disables TCP.").Default("9090").IntVar(&port)
	app.Flag("socket", "Unix domain socket path; empty disables UDS, \"auto\" picks the per-OS default.").Default("").StringVar(&socket)
	app.Flag("hosts", "Explicit remote host URL(s) for view mode.").StringsVar(&hostsFlag)
	app.Flag("hostfile", "Path to a newline-delimited remote host URL list.").Default("").StringVar(&hostfile)
	app.Flag("processes", "Include per-process GPU metrics.").Default("false").BoolVar(&includeProcesses)
	app.Flag("web.debug-server", "Enable /debug/pprof profiling endpoints (localhost only).").Default("false").BoolVar(&debugServer)
	app.Flag("web.config.file", "Path to a TLS/basic-auth exporter-toolkit web config file.").Default("").StringVar(&webConfigFile)

	promslogConfig := &promslog.Config{}
	promslogflag.AddFlags(app, promslogConfig)
	app.Version(version.Print(AppName))
	app.UsageWriter(os.Stdout)
	app.HelpFlag.Short('h')

	if _, err := app.Parse(args); err != nil {
		return nil, ExitConfigError, fmt.Errorf("parsing CLI flags: %w", err)
	}

	logger := promslog.New(promslogConfig)

	cfg := &Config{
		Mode:             Mode(mode),
		IntervalSeconds:  clampInterval(interval, logger),
		Port:             port,
		SocketPath:       socket,
		Hosts:            hostsFlag,
		IncludeProcesses: includeProcesses,
		DebugServer:      debugServer,
		WebConfigFile:    webConfigFile,
		Logger:           logger,
	}

	switch cfg.Mode {
	case ModeLocal, ModeAPI, ModeView:
	default:
		return nil, ExitConfigError, fmt.Errorf("unrecognized mode %q: must be local, api, or view", mode)
	}

	if cfg.SocketPath != "" && runtime.GOOS == "windows" {
		return nil, ExitConfigError, fmt.Errorf("unix domain sockets are not supported on windows")
	}

	if hostfile != "" {
		fileHosts, err := LoadHostfile(hostfile)
		if err != nil {
			return nil, ExitConfigError, err
		}

		cfg.Hosts = append(cfg.Hosts, fileHosts...)
	}

	if len(cfg.Hosts) == 0 {
		if clusterHosts := os.Getenv(BackendAIClusterHostsEnv); clusterHosts != "" {
			cfg.Hosts = splitNonEmpty(clusterHosts, ",")
		}
	}

	cfg.AuthToken = os.Getenv(AuthTokenEnv)
	cfg.SuppressLocalLoopback = os.Getenv(SuppressLocalhostWarningEnv) != ""

	cfg.MaxConnections = 64
	if v := os.Getenv(MaxConnectionsEnv); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.MaxConnections = n
		} else {
			logger.Warn("ignoring invalid "+MaxConnectionsEnv, "value", v)
		}
	}

	return cfg, ExitOK, nil
}

func clampInterval(v int, logger *slog.Logger) int {
	if v < minIntervalSeconds {
		logger.Warn("interval below minimum, clamping", "requested", v, "clamped", minIntervalSeconds)

		return minIntervalSeconds
	}

	if v > maxIntervalSeconds {
		logger.Warn("interval above maximum, clamping", "requested", v, "clamped", maxIntervalSeconds)

		return maxIntervalSeconds
	}

	return v
}

// LoadHostfile reads a newline-delimited URL list, enforcing §6.3's size,
// entry-count, ASCII-only, and path-traversal constraints.
func LoadHostfile(path string) ([]string, error) {
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("hostfile path %q contains path traversal", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat hostfile: %w", err)
	}

	if info.Size() > hostfileMaxBytes {
		return nil, fmt.Errorf("hostfile %q exceeds %d bytes", path, hostfileMaxBytes)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hostfile: %w", err)
	}
	defer f.Close()

	var hosts []string

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !isASCII(line) {
			return nil, fmt.Errorf("hostfile %q contains non-ASCII content", path)
		}

		hosts = append(hosts, line)

		if len(hosts) > hostfileMaxEntries {
			return nil, fmt.Errorf("hostfile %q exceeds %d entries", path, hostfileMaxEntries)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading hostfile: %w", err)
	}

	return hosts, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}

	return true
}

func splitNonEmpty(s, sep string) []string {
	var out []string

	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

func parsePositiveInt(s string) (int, error) {
	var n int

	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, err
	}

	if n <= 0 {
		return 0, fmt.Errorf("must be positive")
	}

	return n, nil
}
