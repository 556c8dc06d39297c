package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/corral-sh/corral/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var cluster string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the change set a cycle would apply, without applying it",
		Long: `Plan pulls the repo, diffs desired against observed state for each
configured cluster, and prints the resulting change set. Nothing is
applied; the same planning code feeds the daemon, so the output matches
what the next cycle would do.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.close()

			exitDirty := false
			for _, cl := range rt.cfg.Clusters {
				if cluster != "" && cl.Name != cluster {
					continue
				}

				r := rt.reconcilerFor(cl)
				cs, skips, planErrs, err := r.Plan(ctx)
				if err != nil {
					return fmt.Errorf("plan %s: %w", cl.Name, err)
				}

				if jsonOutput {
					out := map[string]any{
						"cluster":     cl.Name,
						"direction":   cl.Direction,
						"items":       cs.Items,
						"skipped":     skips,
						"plan_errors": planErrs,
					}
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if err := enc.Encode(out); err != nil {
						return err
					}
				} else {
					printPlan(cl.Name, cl.Direction, cs, skips, planErrs)
				}

				if len(cs.Items) > 0 || len(planErrs) > 0 {
					exitDirty = true
				}
			}

			if exitDirty {
				// Same convention as terraform plan -detailed-exitcode.
				os.Exit(2)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", "", "limit to one cluster")
	return cmd
}

func printPlan(cluster, direction string, cs *engine.ChangeSet, skips []engine.ApplyOutcome, planErrs []*engine.Error) {
	creates, updates, deletes := cs.Counts()
	fmt.Printf("cluster %s (%s): %d to create, %d to update, %d to delete\n",
		cluster, direction, creates, updates, deletes)

	for _, it := range cs.Items {
		switch it.Op {
		case engine.OpCreate:
			fmt.Printf("  + %s %s\n", it.Kind, it.Key)
		case engine.OpUpdate:
			fmt.Printf("  ~ %s %s (%d attribute changes)\n", it.Kind, it.Key, len(it.Patch))
		case engine.OpDelete:
			fmt.Printf("  - %s %s\n", it.Kind, it.Key)
		}
	}
	for _, s := range skips {
		fmt.Printf("  ! %s %s skipped: %s\n", s.Kind, s.Key, s.Reason)
	}
	for _, e := range planErrs {
		fmt.Printf("  error: %v\n", e)
	}
}
