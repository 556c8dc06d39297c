package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/corral-sh/corral/pkg/engine"
	"github.com/corral-sh/corral/pkg/source"
)

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation daemon",
		Long: `Run starts one reconciliation loop per configured cluster and blocks
until interrupted. Each loop pulls the repo, plans, and applies changes
on every tick; enforce-mode repos can additionally trigger early cycles
through the filesystem watcher.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}
}

func runDaemon(ctx context.Context) error {
	rt, err := buildRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	rt.metrics.StartServer(logger)

	scheduler := engine.NewScheduler(rt.cfg.Interval(), logger, rt.metrics)
	for _, cl := range rt.cfg.Clusters {
		scheduler.Add(cl.Name, rt.reconcilerFor(cl))
		logger.Info().
			Str("cluster", cl.Name).
			Str("direction", cl.Direction).
			Bool("prune", cl.Prune).
			Msg("cluster registered")
	}

	if rt.cfg.Repo.Watch {
		watcher, err := source.NewWatcher(rt.cfg.Repo.Path, 500*time.Millisecond, scheduler.Trigger, logger)
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
	}

	logger.Info().
		Dur("interval", rt.cfg.Interval()).
		Int("clusters", len(rt.cfg.Clusters)).
		Msg("daemon started")

	scheduler.Run(ctx)
	return nil
}
