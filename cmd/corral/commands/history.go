package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var cluster string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent reconciliation cycles",
		Long: `History prints the most recent cycle records from the local snapshot
database: per-cycle operation counts, clean/unclean status, and the
commit each capture cycle produced.`,
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

				records, err := rt.snapshots.RecentCycles(ctx, cl.Name, limit)
				if err != nil {
					return err
				}

				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					if err := enc.Encode(records); err != nil {
						return err
					}
					continue
				}

				fmt.Printf("cluster %s:\n", cl.Name)
				for _, rec := range records {
					status := "clean"
					if !rec.Clean {
						status = "unclean"
					}
					fmt.Printf("  %s  %s  %s  +%d ~%d -%d !%d x%d",
						rec.StartedAt.Format("2006-01-02 15:04:05"),
						abbrev(rec.CycleID, 8), status,
						rec.Created, rec.Updated, rec.Deleted, rec.Skipped, rec.Failed)
					if rec.CommitRevision != "" {
						fmt.Printf("  commit %s", abbrev(rec.CommitRevision, 12))
					}
					fmt.Println()
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cluster, "cluster", "", "limit to one cluster")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of cycles to show")
	return cmd
}
