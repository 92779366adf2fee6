// Command all-smi samples accelerator, host, and chassis telemetry and
// serves it as Prometheus exposition text over HTTP and a Unix domain
// socket (local/api mode), or aggregates remote all-smi endpoints into the
// shared application state for a UI collaborator to read (view mode).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/common/version"

	"github.com/all-smi/all-smi-go/pkg/config"
	"github.com/all-smi/all-smi-go/pkg/engine"
	"github.com/all-smi/all-smi-go/pkg/exporter"
	"github.com/all-smi/all-smi-go/pkg/factory"
	"github.com/all-smi/all-smi-go/pkg/reader"
	"github.com/all-smi/all-smi-go/pkg/state"
	"github.com/all-smi/all-smi-go/pkg/transport"
	"github.com/all-smi/all-smi-go/pkg/types"
)

func main() {
	cfg, exitCode, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode)
	}

	logger := cfg.Logger
	logger.Info("starting all-smi", "version", version.Info(), "mode", cfg.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := state.New(logger)

	var strategy types.CollectionStrategy

	switch cfg.Mode {
	case config.ModeLocal, config.ModeAPI:
		strategy, err = newLocalStrategy(cfg, logger)
	case config.ModeView:
		strategy, err = engine.NewRemoteStrategy(logger.With("strategy", "remote"), cfg.AuthToken)
	default:
		err = fmt.Errorf("unrecognized mode %q", cfg.Mode)
	}

	if errors.Is(err, errNoReaders) {
		logger.Error("no readers available in local mode")
		os.Exit(config.ExitNoReadersAvailable)
	}

	if err != nil {
		logger.Error("failed to build collection strategy", "err", err)
		os.Exit(config.ExitConfigError)
	}

	aggregator := engine.NewAggregator(logger.With("component", "aggregator"), st)

	collCfg := types.CollectionConfig{
		IntervalSeconds:      cfg.IntervalSeconds,
		ReaderDeadline:       2,
		MaxConcurrentScrapes: cfg.MaxConnections,
		Hosts:                cfg.Hosts,
		AuthToken:            cfg.AuthToken,
		AllowLoopback:        cfg.SuppressLocalLoopback,
	}

	interval := resolveInterval(cfg, collCfg)

	go runCollectionLoop(ctx, logger, strategy, aggregator, collCfg, interval)

	if cfg.Mode == config.ModeView {
		// The terminal UI renderer is an external collaborator (out of
		// scope); this process just keeps the shared state warm for it
		// until interrupted.
		<-ctx.Done()
		logger.Info("shutting down")

		return
	}

	exp := exporter.New(cfg.IncludeProcesses)

	srv, err := transport.New(transport.Config{
		Logger:            logger.With("component", "transport"),
		Exporter:          exp,
		State:             st,
		TCPAddr:           tcpAddr(cfg.Port),
		SocketPath:        cfg.SocketPath,
		EnableDebugServer: cfg.DebugServer,
		StartedAt:         time.Now(),
		WebConfigFile:     cfg.WebConfigFile,
	})
	if err != nil {
		logger.Error("failed to build transport server", "err", err)
		os.Exit(config.ExitBindFailure)
	}

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("transport server exited", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shut down transport", "err", err)
	}
}

func tcpAddr(port int) string {
	if port <= 0 {
		return ""
	}

	return fmt.Sprintf(":%d", port)
}

func resolveInterval(cfg *config.Config, collCfg types.CollectionConfig) time.Duration {
	switch cfg.Mode {
	case config.ModeLocal, config.ModeAPI:
		return engine.AdaptiveIntervalLocal(runtime.GOOS == "darwin" && runtime.GOARCH == "arm64")
	default:
		return engine.AdaptiveIntervalRemote(len(collCfg.Hosts))
	}
}

func runCollectionLoop(ctx context.Context, logger *slog.Logger, strategy types.CollectionStrategy, agg *engine.Aggregator, cfg types.CollectionConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	collectOnce := func() {
		cctx, cancel := context.WithTimeout(ctx, interval+5*time.Second)
		defer cancel()

		data, err := strategy.Collect(cctx, cfg)
		if err != nil {
			logger.Warn("collection cycle reported an error", "strategy", strategy.StrategyName(), "err", err)
		}

		if data != nil {
			agg.Apply(data)
		}
	}

	collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collectOnce()
		}
	}
}

// errNoReaders signals exit code 3: not even a CPU/Memory reader nor a
// single accelerator could be constructed on this host.
var errNoReaders = errors.New("no readers available")

// newLocalStrategy builds the reader factory roster for this host and
// wraps it in a LocalStrategy, per §4.4's probe order (NVIDIA/AMD first,
// down to the more exotic NPU families).
func newLocalStrategy(cfg *config.Config, logger *slog.Logger) (*engine.LocalStrategy, error) {
	registry := acceleratorRegistry()

	cpuReader, err := reader.NewHostCPUReader(logger.With("reader", "cpu"))
	if err != nil {
		logger.Debug("cpu reader unavailable", "err", err)

		cpuReader = nil
	}

	memReader, err := reader.NewHostMemoryReader(logger.With("reader", "memory"))
	if err != nil {
		logger.Debug("memory reader unavailable", "err", err)

		memReader = nil
	}

	hostID, _ := os.Hostname()
	if hostID == "" {
		hostID = "localhost"
	}

	storageReader := reader.NewStorageReader(hostID, hostID, logger.With("reader", "storage"))
	chassisReader := maybeChassisReader(logger)

	f := factory.New(logger.With("component", "factory"), registry, cpuReader, memReader, storageReader, chassisReader, nil)
	roster := f.Build()

	if len(roster.Accelerators) == 0 {
		logger.Warn("no accelerator readers detected on this host")
	}

	if cfg.IncludeProcesses {
		roster.Processes = reader.NewProcessReader(logger.With("reader", "process"), gpuProcessSource(roster.Accelerators))
	}

	if len(roster.Accelerators) == 0 && roster.CPU == nil && roster.Memory == nil {
		return nil, errNoReaders
	}

	return engine.NewLocalStrategy(logger.With("component", "local-strategy"), roster, hostID, cfg.IncludeProcesses), nil
}

// gpuProcessEnumerator is satisfied by accelerator readers that can also
// attribute running processes to a device (currently NVIDIA's NVML path).
type gpuProcessEnumerator interface {
	Processes(ctx context.Context) ([]types.Process, error)
}

// gpuProcessSource folds every accelerator reader's optional per-process
// attribution into one callback for reader.NewProcessReader, so the OS
// process enumerator can merge in GPU-memory/device attribution by PID.
func gpuProcessSource(accelerators []types.DeviceReader) func(ctx context.Context) ([]types.Process, error) {
	var sources []gpuProcessEnumerator

	for _, a := range accelerators {
		if src, ok := a.(gpuProcessEnumerator); ok {
			sources = append(sources, src)
		}
	}

	if len(sources) == 0 {
		return nil
	}

	return func(ctx context.Context) ([]types.Process, error) {
		var out []types.Process

		for _, src := range sources {
			procs, err := src.Processes(ctx)
			if err != nil {
				continue
			}

			out = append(out, procs...)
		}

		return out, nil
	}
}

// maybeChassisReader only builds a Redfish reader when BMC connection
// details are present in the environment; chassis telemetry degrades to an
// empty sample otherwise (§4.4 "missing data surfaces as empty samples").
func maybeChassisReader(logger *slog.Logger) types.ChassisReader {
	endpoint := os.Getenv("ALL_SMI_REDFISH_ENDPOINT")
	if endpoint == "" {
		return nil
	}

	r, err := reader.NewRedfishChassisReader(reader.RedfishConfig{
		Endpoint: endpoint,
		Username: os.Getenv("ALL_SMI_REDFISH_USERNAME"),
		Password: os.Getenv("ALL_SMI_REDFISH_PASSWORD"),
	}, logger.With("reader", "chassis"))
	if err != nil {
		logger.Debug("redfish chassis reader unavailable", "err", err)

		return nil
	}

	return r
}

// acceleratorRegistry wires every vendor reader constructor from pkg/reader
// to its probe, in the deterministic priority order §4.4 requires
// (datacenter GPUs first, down to the more exotic NPU families).
func acceleratorRegistry() []factory.RegistryEntry {
	return []factory.RegistryEntry{
		factory.NewRegistryEntry(factory.FamilyNVIDIA,
			orProbe(factory.ProbePCIVendor(factory.VendorNVIDIA), factory.ProbeToolOnPath("nvidia-smi")),
			wrapCtor(reader.NewNVIDIAReader)),
		factory.NewRegistryEntry(factory.FamilyAMD,
			orProbe(factory.ProbePCIVendor(factory.VendorAMD), factory.ProbeToolOnPath("amd-smi"), factory.ProbeToolOnPath("rocm-smi")),
			wrapCtor(reader.NewAMDReader)),
		factory.NewRegistryEntry(factory.FamilyAppleGPU,
			factory.ProbeDarwin(),
			wrapCtor(reader.NewAppleReader)),
		factory.NewRegistryEntry(factory.FamilyJetson,
			orProbe(factory.ProbeDeviceNode("/dev/nvhost-ctrl-gpu"), factory.ProbeDeviceNode("/dev/nvhost-gpu")),
			wrapCtor(reader.NewJetsonReader)),
		factory.NewRegistryEntry(factory.FamilyGaudi,
			factory.ProbeToolOnPath("hl-smi"),
			wrapCtor(reader.NewGaudiReader)),
		factory.NewRegistryEntry(factory.FamilyTPU,
			orProbe(factory.ProbeToolOnPath("tpu-info"), factory.ProbeEnvSet("TPU_ACCELERATOR_TYPE")),
			wrapCtor(reader.NewTPUReader)),
		factory.NewRegistryEntry(factory.FamilyTenstorrent,
			factory.ProbePCIVendor("0x1e52"),
			wrapCtor(reader.NewTenstorrentReader)),
		factory.NewRegistryEntry(factory.FamilyRebellions,
			factory.ProbeToolOnPath("rbln-stat"),
			wrapCtor(reader.NewRebellionsReader)),
		factory.NewRegistryEntry(factory.FamilyFuriosa,
			factory.ProbeToolOnPath("furiosa-smi"),
			wrapCtor(reader.NewFuriosaReader)),
	}
}

// orProbe succeeds if any of its probes succeed.
func orProbe(probes ...factory.Probe) factory.Probe {
	return func() bool {
		for _, p := range probes {
			if p() {
				return true
			}
		}

		return false
	}
}

// readerCtor is the common shape of every pkg/reader constructor: a
// *slog.Logger in, a concrete reader type implementing types.DeviceReader
// and an error out.
type readerCtor[T types.DeviceReader] func(logger *slog.Logger) (T, error)

// wrapCtor adapts a concrete-typed constructor to factory.ReaderCtor, which
// needs the interface type in its return signature.
func wrapCtor[T types.DeviceReader](ctor readerCtor[T]) factory.ReaderCtor {
	return func(logger *slog.Logger) (types.DeviceReader, error) {
		r, err := ctor(logger)
		if err != nil {
			return nil, err
		}

		return r, nil
	}
}
