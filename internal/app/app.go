// Package app wires the service components together with fx.
package app

import (
	"context"
	"path/filepath"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fxnlabs/subgen/internal/addon"
	"github.com/fxnlabs/subgen/internal/backend"
	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/config"
	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/history"
	"github.com/fxnlabs/subgen/internal/logger"
	"github.com/fxnlabs/subgen/internal/models"
	"github.com/fxnlabs/subgen/internal/orchestrator"
	"github.com/fxnlabs/subgen/internal/recovery"
	"github.com/fxnlabs/subgen/internal/server"
	"github.com/fxnlabs/subgen/internal/telemetry"
)

// Core provides the orchestrator and everything it depends on. The caller
// supplies a *config.Config.
var Core = fx.Options(
	fx.Provide(
		logger.NewLogger,
		NewDetector,
		NewDeviceCache,
		NewCatalog,
		addon.NewRegistry,
		NewOpener,
		addon.NewLoader,
		NewBuilder,
		NewAcquirer,
		NewMonitor,
		NewClassifier,
		NewCoordinator,
		NewHistory,
		NewOrchestrator,
	),
	fx.Invoke(RegisterHotplug),
)

// Server adds the HTTP server on top of Core.
var Server = fx.Options(
	fx.Provide(NewServer),
	fx.Invoke(RegisterServer, RegisterRefresh),
)

// WithZapLogger routes fx events to the application logger at debug level.
func WithZapLogger() fx.Option {
	return fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		l := &fxevent.ZapLogger{Logger: log.Named("fx")}
		l.UseLogLevel(zapcore.DebugLevel)
		return l
	})
}

func NewDetector(cfg *config.Config, log *zap.Logger) (*hardware.Detector, error) {
	policy, err := hardware.ParseSameVendorPolicy(cfg.Detection.SameVendorPolicy)
	if err != nil {
		return nil, err
	}
	return hardware.NewDetector(log, policy, hardware.DefaultProbers(hardware.ExecRunner, log)...), nil
}

func NewDeviceCache(cfg *config.Config, detector *hardware.Detector, log *zap.Logger) *hardware.Cache {
	return hardware.NewCache(detector.Detect, cfg.Detection.CacheTTL.Std(), log)
}

func NewCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	vendors, err := catalog.DefaultVendorPolicy().WithOverrides(cfg.Detection.VendorRules)
	if err != nil {
		return nil, err
	}
	return catalog.New(nil, vendors), nil
}

// NewOpener resolves modules from the in-process registry first, then from
// the configured addon directories.
func NewOpener(cfg *config.Config, registry *addon.Registry, log *zap.Logger) addon.Opener {
	return addon.Openers{registry, &addon.ExecOpener{Dirs: cfg.AddonDirs, Log: log}}
}

func NewBuilder(cfg *config.Config) *backend.Builder {
	return backend.NewBuilder(backend.Options{Threads: cfg.Threads})
}

func NewAcquirer(cfg *config.Config, log *zap.Logger) *models.Acquirer {
	return models.NewAcquirer(filepath.Join(cfg.CacheDir, "models"), cfg.Models.BaseURL, nil, cfg.Models.Digests, log)
}

// NewMonitor samples the process memory. A sampler that cannot be opened
// leaves memory figures at zero.
func NewMonitor(cfg *config.Config, log *zap.Logger) *telemetry.Monitor {
	var sampler telemetry.MemorySampler
	if ps, err := telemetry.NewProcessSampler(); err != nil {
		log.Warn("memory sampling unavailable", zap.Error(err))
	} else {
		sampler = ps
	}
	sink := telemetry.NewThrottledSink(telemetry.LogSink{Log: log.Named("telemetry")}, cfg.Telemetry.ProgressRate)
	return telemetry.NewMonitor(sampler, sink, log)
}

func NewClassifier() *recovery.Classifier {
	return recovery.NewClassifier()
}

func NewCoordinator(cfg *config.Config, log *zap.Logger) *recovery.Coordinator {
	return recovery.NewCoordinator(recovery.Policy{
		NetworkRetries:   cfg.Recovery.NetworkRetries,
		CorruptedRetries: cfg.Recovery.CorruptedRetries,
		BaseDelay:        cfg.Recovery.BaseDelay.Std(),
		MaxDelay:         cfg.Recovery.MaxDelay.Std(),
	}, log)
}

func NewHistory(lc fx.Lifecycle, cfg *config.Config) (*history.Store, error) {
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return store.Close() },
	})
	return store, nil
}

// OrchestratorParams are the inputs of NewOrchestrator.
type OrchestratorParams struct {
	fx.In

	Config      *config.Config
	Log         *zap.Logger
	Devices     *hardware.Cache
	Loader      *addon.Loader
	Catalog     *catalog.Catalog
	Builder     *backend.Builder
	Models      *models.Acquirer
	Monitor     *telemetry.Monitor
	Classifier  *recovery.Classifier
	Coordinator *recovery.Coordinator
	History     *history.Store
}

func NewOrchestrator(p OrchestratorParams) (*orchestrator.Orchestrator, error) {
	pref, err := catalog.ParsePreference(p.Config.Preference)
	if err != nil {
		return nil, err
	}
	return orchestrator.New(orchestrator.Deps{
		Devices:     p.Devices,
		Loader:      p.Loader,
		Catalog:     p.Catalog,
		Builder:     p.Builder,
		Models:      p.Models,
		Monitor:     p.Monitor,
		Classifier:  p.Classifier,
		Coordinator: p.Coordinator,
		History:     p.History,
	}, orchestrator.Options{
		Platform:       catalog.HostPlatform(),
		Preference:     pref,
		Language:       p.Config.Language,
		MaxAttempts:    p.Config.Recovery.MaxAttempts,
		SampleInterval: p.Config.Telemetry.SampleInterval.Std(),
	}, p.Log)
}

// RegisterHotplug invalidates the device cache on GPU hotplug events when enabled.
func RegisterHotplug(lc fx.Lifecycle, cfg *config.Config, cache *hardware.Cache, log *zap.Logger) {
	if !cfg.Detection.Hotplug {
		return
	}
	watcher := hardware.NewHotplugWatcher(cache, log)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return watcher.Start(context.WithoutCancel(ctx))
		},
		OnStop: func(context.Context) error {
			watcher.Stop()
			return nil
		},
	})
}

func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, cache *hardware.Cache, store *history.Store, log *zap.Logger) *server.Server {
	return server.New(orch, cache, store, server.Options{
		Addr:       cfg.ListenAddr(),
		BatchLimit: cfg.Server.BatchLimit,
		Resolve:    cfg.ResolveModel,
	}, log)
}

func RegisterServer(lc fx.Lifecycle, srv *server.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return srv.Start() },
		OnStop:  srv.Shutdown,
	})
}

// RegisterRefresh re-runs detection in the background while the server runs.
func RegisterRefresh(lc fx.Lifecycle, cfg *config.Config, cache *hardware.Cache) {
	ttl := cfg.Detection.CacheTTL.Std()
	var cancel context.CancelFunc
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				cache.Run(ctx, refreshInterval(ttl))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}

// refreshInterval runs slightly ahead of the TTL.
func refreshInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl - ttl/10
}
