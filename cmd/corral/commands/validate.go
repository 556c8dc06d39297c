package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/corral-sh/corral/pkg/codec"
	"github.com/corral-sh/corral/pkg/config"
	"github.com/corral-sh/corral/pkg/resource"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and every repo document",
		Long: `Validate loads the config file and then parses and normalizes every
resource document in the repo, reporting documents that a cycle would
exclude as malformed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config %s: ok (%d clusters)\n", configPath, len(cfg.Clusters))

			bad := 0
			total := 0
			for _, cl := range cfg.Clusters {
				for _, kind := range resource.Kinds() {
					dir := filepath.Join(cfg.Repo.Path, cl.Name, resource.PathName(kind))
					entries, err := os.ReadDir(dir)
					if os.IsNotExist(err) {
						continue
					}
					if err != nil {
						return err
					}
					for _, e := range entries {
						if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
							continue
						}
						total++
						path := filepath.Join(dir, e.Name())
						if err := validateDocument(path, cl.Name, kind); err != nil {
							bad++
							fmt.Printf("  %s: %v\n", path, err)
						}
					}
				}
			}

			if bad > 0 {
				return fmt.Errorf("%d of %d documents are malformed", bad, total)
			}
			fmt.Printf("documents: %d ok\n", total)
			return nil
		},
	}
}

func validateDocument(path, cluster string, kind resource.Kind) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, err := codec.Decode(data, codec.FormatFromPath(path))
	if err != nil {
		return err
	}
	if doc.Kind == "" {
		doc.Kind = string(kind)
	}
	if doc.ClusterName == "" {
		doc.ClusterName = cluster
	}

	r, err := resource.Normalize(doc)
	if err != nil {
		return err
	}
	if r.Kind != kind {
		return fmt.Errorf("kind %q does not match directory %q", r.Kind, resource.PathName(kind))
	}
	return nil
}
