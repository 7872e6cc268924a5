package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kangjinkui/katokbot/internal/encoder"
	"github.com/kangjinkui/katokbot/internal/indexer"
	"github.com/kangjinkui/katokbot/internal/searcher/ranker"
)

type queryOptions struct {
	corpusPath string
	topK       int
	threshold  float64
	lexical    bool
	format     string
}

func newQueryCmd(global *globalOptions) *cobra.Command {
	var opts queryOptions

	cmd := &cobra.Command{
		Use:   "query <question>...",
		Short: "Index a corpus in memory and answer one or more questions",
		Long: `Builds the same indexes the service would and runs each argument as a
separate query, printing score and provenance for every accepted record.

Examples:
  qactl query "식권 정산" "QR 코드가 안 떠요"
  qactl query "회원 가입" --threshold 0.3 --lexical`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, global, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.corpusPath, "corpus", "", "corpus file (defaults to the configured path)")
	cmd.Flags().IntVarP(&opts.topK, "top-k", "k", 3, "maximum results per query")
	cmd.Flags().Float64Var(&opts.threshold, "threshold", -1, "acceptance threshold (configured value when negative)")
	cmd.Flags().BoolVar(&opts.lexical, "lexical", false, "skip the encoder and rank lexically only")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "output format: text, json")
	return cmd
}

func runQuery(cmd *cobra.Command, global *globalOptions, opts queryOptions, queries []string) error {
	cfg, err := global.load()
	if err != nil {
		return err
	}
	var pathArgs []string
	if opts.corpusPath != "" {
		pathArgs = []string{opts.corpusPath}
	}
	src, err := sourceFor(cfg, pathArgs)
	if err != nil {
		return err
	}
	if opts.lexical {
		cfg.Encoder.Provider = "none"
	}
	stack, err := encoder.New(cfg.Encoder)
	if err != nil {
		return err
	}
	defer stack.Close()

	coord := indexer.NewCoordinator(indexer.OptionsFromConfig(cfg, stack.Encoder, nil))
	if _, err := coord.Reload(cmd.Context(), src); err != nil {
		return err
	}

	rankOpts := ranker.DefaultOptions()
	rankOpts.Threshold = cfg.Retrieval.Threshold
	rankOpts.Overfetch = cfg.Retrieval.OverfetchFactor
	rankOpts.QueryTimeout = cfg.Retrieval.QueryTimeout
	r := ranker.New(coord, rankOpts)
	if opts.threshold >= 0 {
		r = r.WithThreshold(opts.threshold)
	}

	out := cmd.OutOrStdout()
	responses := make([]*ranker.Response, 0, len(queries))
	for _, q := range queries {
		resp, err := r.Search(cmd.Context(), q, opts.topK)
		if err != nil {
			return fmt.Errorf("query %q: %w", q, err)
		}
		responses = append(responses, resp)
	}

	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(responses)
	}
	for i, resp := range responses {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "Q: %s\n", resp.Query)
		if resp.Expansion != "" {
			fmt.Fprintf(out, "   expansion: %s\n", resp.Expansion)
		}
		if resp.Degraded {
			fmt.Fprintln(out, "   (encoder unavailable, lexical only)")
		}
		if !resp.Matched() {
			fmt.Fprintf(out, "   no match at threshold %.2f\n", r.Threshold())
			continue
		}
		for _, res := range resp.Results {
			fmt.Fprintf(out, "   %.3f %-7s #%d [%s] %s\n", res.Score, res.Source, res.Record.ID, res.Record.Section, res.Record.Question)
			fmt.Fprintf(out, "         %s\n", strings.ReplaceAll(res.Record.Answer, "\n", " "))
		}
	}
	return nil
}
