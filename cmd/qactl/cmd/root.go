// Package cmd provides the qactl subcommands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/pkg/config"
	"github.com/kangjinkui/katokbot/pkg/logger"
)

type globalOptions struct {
	configPath string
	verbose    bool
}

func NewRootCmd() *cobra.Command {
	var opts globalOptions

	cmd := &cobra.Command{
		Use:   "qactl",
		Short: "Inspect and query Q&A corpus documents",
		Long: `qactl works on the same markdown corpus and synonym table as the QA
service, using the same loader, tokenizer, encoder and ranker.

Examples:
  qactl validate data/hanbang_qa.md
  qactl query "식권 정산은 어떻게 하나요" --top-k 5
  qactl export data/hanbang_qa.md -o normalized.md`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			slog.SetDefault(logger.New(cmd.ErrOrStderr(), level, "text"))
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (defaults apply when empty)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging to stderr")

	cmd.AddCommand(newValidateCmd(&opts))
	cmd.AddCommand(newQueryCmd(&opts))
	cmd.AddCommand(newExportCmd(&opts))
	return cmd
}

func Execute() error {
	return NewRootCmd().ExecuteContext(context.Background())
}

func (o *globalOptions) load() (*config.Config, error) {
	if o.configPath == "" {
		cfg := config.Default()
		return cfg, nil
	}
	return config.Load(o.configPath)
}

// sourceFor uses the positional path when given, else the configured file.
func sourceFor(cfg *config.Config, args []string) (corpus.Source, error) {
	path := cfg.Corpus.Path
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, fmt.Errorf("no corpus path given")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("corpus %s: %w", path, err)
	}
	return corpus.FileSource{Path: path}, nil
}
