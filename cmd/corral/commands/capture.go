package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/corral-sh/corral/pkg/config"
	"github.com/corral-sh/corral/pkg/engine"
)

func newCaptureCommand() *cobra.Command {
	var cluster string
	var prune bool

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Bootstrap the repo from live cluster state",
		Long: `Capture runs one capture-direction cycle per cluster: live state is
read, written into the repo layout, and committed. Use it to seed an
empty repo before switching a cluster to enforce mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, true)
			if err != nil {
				return err
			}
			defer rt.close()

			for _, cl := range rt.cfg.Clusters {
				if cluster != "" && cl.Name != cluster {
					continue
				}

				// Capture direction regardless of the configured one; this is
				// a deliberate one-shot snapshot, not the steady-state loop.
				r := rt.reconcilerFor(config.ClusterConfig{
					Name:      cl.Name,
					Direction: string(engine.DirectionCapture),
					Prune:     prune,
				})

				result, err := r.RunCycle(ctx)
				if err != nil {
					return fmt.Errorf("capture %s: %w", cl.Name, err)
				}

				applied := 0
				for _, o := range result.Outcomes {
					if o.Status == engine.OutcomeApplied {
						applied++
					}
				}
				fmt.Printf("cluster %s: captured %d changes", cl.Name, applied)
				if result.CommitRevision != "" {
					fmt.Printf(" (commit %s)", abbrev(result.CommitRevision, 12))
				}
				fmt.Println()

				if !result.Clean {
					return fmt.Errorf("capture %s finished with failures", cl.Name)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", "", "limit to one cluster")
	cmd.Flags().BoolVar(&prune, "prune", false, "remove repo documents with no live counterpart")
	return cmd
}
