package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/corral-sh/corral/pkg/codec"
	"github.com/corral-sh/corral/pkg/config"
	"github.com/corral-sh/corral/pkg/engine"
	"github.com/corral-sh/corral/pkg/gitrepo"
	"github.com/corral-sh/corral/pkg/policy"
	"github.com/corral-sh/corral/pkg/rancher"
	"github.com/corral-sh/corral/pkg/snapshot"
	"github.com/corral-sh/corral/pkg/source"
	"github.com/corral-sh/corral/pkg/telemetry"
)

// runtime bundles everything a command builds from the config file.
type runtime struct {
	cfg       *config.Config
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	repo      *gitrepo.Repo
	repoSrc   *source.RepoSource
	live      *rancher.Client
	snapshots *snapshot.Store
	gate      *policy.Gate
	format    codec.FileFormat
}

// buildRuntime loads the config and wires the shared collaborators.
// withSnapshots controls whether the snapshot database is opened; one-shot
// read-only commands skip it.
func buildRuntime(ctx context.Context, withSnapshots bool) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	telCfg := telemetry.DefaultConfig()
	telCfg.Logging.Level = cfg.Telemetry.LogLevel
	telCfg.Logging.Format = cfg.Telemetry.LogFormat
	if verbose {
		telCfg.Logging.Level = "debug"
	}
	if jsonOutput {
		telCfg.Logging.Format = "json"
	}
	telCfg.Metrics.Enabled = cfg.Telemetry.MetricsEnabled
	telCfg.Metrics.ListenAddress = cfg.Telemetry.MetricsAddress
	telCfg.Tracing.Enabled = cfg.Telemetry.TracingEnabled
	telCfg.Tracing.Exporter = cfg.Telemetry.TracingExporter
	telCfg.Tracing.Endpoint = cfg.Telemetry.TracingEndpoint
	telCfg.Tracing.SamplingRate = cfg.Telemetry.TracingSampling
	if err := telCfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(telCfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}

	metrics, err := telemetry.NewMetrics(telCfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("setup metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(telCfg.Tracing, telCfg.ServiceName, telCfg.ServiceVersion, telCfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	format, err := codec.ParseFormat(cfg.Repo.Format)
	if err != nil {
		return nil, err
	}

	repo, err := gitrepo.Open(ctx, gitrepo.Options{
		Path:        cfg.Repo.Path,
		RemoteURL:   cfg.Repo.RemoteURL,
		Branch:      cfg.Repo.Branch,
		Token:       cfg.Repo.Token,
		SSHKeyPath:  cfg.Repo.SSHKeyPath,
		AuthorName:  cfg.Repo.AuthorName,
		AuthorEmail: cfg.Repo.AuthorEmail,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		repo:    repo,
		repoSrc: source.NewRepoSource(cfg.Repo.Path, format, logger),
		live: rancher.NewClient(rancher.ClientOptions{
			BaseURL: cfg.API.URL,
			Token:   cfg.API.Token,
			Logger:  logger,
		}),
		gate:   policy.NewGate(logger),
		format: format,
	}

	if cfg.PolicyDir != "" {
		if err := rt.gate.LoadDir(cfg.PolicyDir); err != nil {
			return nil, err
		}
	}

	if withSnapshots {
		store, err := snapshot.NewStore(cfg.Snapshot.Path)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("open snapshot store: %w", err)
		}
		rt.snapshots = store
	}

	return rt, nil
}

// abbrev shortens an identifier for display. Revisions and cycle ids come
// from interfaces, so their length is not guaranteed.
func abbrev(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// close releases the runtime's resources and flushes pending spans.
func (rt *runtime) close() {
	if rt.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.tracer.Shutdown(ctx)
	}
	if rt.snapshots != nil {
		_ = rt.snapshots.Close()
	}
}

// reconcilerFor builds the reconciler for one configured cluster.
func (rt *runtime) reconcilerFor(cl config.ClusterConfig) *engine.Reconciler {
	var snapshots engine.SnapshotStore
	if rt.snapshots != nil {
		snapshots = rt.snapshots
	}
	return engine.NewReconciler(engine.ReconcilerOptions{
		Cluster:   cl.Name,
		Direction: engine.Direction(cl.Direction),
		Repo:      rt.repoSrc,
		Live:      rt.live,
		History:   rt.repo,
		Snapshots: snapshots,
		Gate:      rt.gate,
		Prune:     cl.Prune,
		Applier: engine.ApplierOptions{
			Attempts:    rt.cfg.Retry.Attempts,
			BaseDelay:   rt.cfg.RetryBaseDelay(),
			CallTimeout: rt.cfg.CallTimeout(),
			Logger:      rt.logger,
		},
		Logger:  rt.logger,
		Metrics: rt.metrics,
		Tracer:  rt.tracer,
	})
}
