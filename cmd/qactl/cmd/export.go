package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/indexer"
)

func newExportCmd(global *globalOptions) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export [corpus.md]",
		Short: "Rewrite a corpus in canonical table form",
		Long: `Parses the corpus with the configured section rules and writes it back
as one table per section with escaped cells. Loading the output yields the
same records.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			src, err := sourceFor(cfg, args)
			if err != nil {
				return err
			}
			loader := indexer.OptionsFromConfig(cfg, nil, nil).Loader
			version, err := loader.Load(cmd.Context(), src)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("creating %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			if err := corpus.Format(w, version.Records); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d records (checksum %s)\n", version.Len(), version.Checksum[:12])
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "-", "output file, - for stdout")
	return cmd
}
