package cmd

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kangjinkui/katokbot/internal/indexer"
)

func newValidateCmd(global *globalOptions) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate [corpus.md]",
		Short: "Parse a corpus and synonym table and report what would be indexed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}
			src, err := sourceFor(cfg, args)
			if err != nil {
				return err
			}

			coord := indexer.NewCoordinator(indexer.OptionsFromConfig(cfg, nil, nil))
			if _, err := coord.Reload(cmd.Context(), src); err != nil {
				return fmt.Errorf("invalid corpus: %w", err)
			}
			snap := coord.Snapshot()
			overlaps := snap.Lexical.Synonyms().Overlaps()

			out := cmd.OutOrStdout()
			if asJSON {
				info := snap.Describe()
				info["synonym_overlaps"] = overlaps
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(out, "source:    %s\n", snap.Corpus.Source)
			fmt.Fprintf(out, "checksum:  %s\n", snap.Corpus.Checksum)
			fmt.Fprintf(out, "records:   %d\n", snap.Corpus.Len())
			fmt.Fprintf(out, "terms:     %d\n", snap.Lexical.Terms())
			fmt.Fprintf(out, "synonyms:  %d groups\n", snap.Lexical.Synonyms().Groups())
			sections := snap.Corpus.Sections()
			names := make([]string, 0, len(sections))
			for name := range sections {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %-12s %d\n", name, sections[name])
			}
			for _, term := range overlaps {
				fmt.Fprintf(out, "note: %q appears in more than one synonym group\n", term)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the index summary as JSON")
	return cmd
}
