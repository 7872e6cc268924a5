package indexer

import (
	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/encoder"
	"github.com/kangjinkui/katokbot/internal/indexer/tokenizer"
	"github.com/kangjinkui/katokbot/internal/indexer/vector"
	"github.com/kangjinkui/katokbot/pkg/config"
	"github.com/kangjinkui/katokbot/pkg/metrics"
)

// OptionsFromConfig assembles coordinator options from the corpus, lexical
// and vector sections. enc and m may be nil.
func OptionsFromConfig(cfg *config.Config, enc encoder.Encoder, m *metrics.Metrics) Options {
	rules := make([]corpus.SectionRule, len(cfg.Corpus.Sections))
	for i, r := range cfg.Corpus.Sections {
		rules[i] = corpus.SectionRule{Match: r.Match, Label: r.Label}
	}
	ann := cfg.Vector.ANN
	return Options{
		Loader: corpus.NewLoader(corpus.WithSections(rules, cfg.Corpus.DefaultSection)),
		Tokenizer: tokenizer.New(tokenizer.Options{
			ExtraStopWords: cfg.Lexical.StopWords,
			StripParticles: cfg.Lexical.StripParticles,
		}),
		SynonymsPath: cfg.Corpus.SynonymsPath,
		Encoder:      enc,
		Vector: vector.Options{ANN: vector.ANNOptions{
			Enabled:         ann.Enabled,
			MinRecords:      ann.MinRecords,
			CandidateFactor: ann.CandidateFactor,
			M:               ann.M,
			EfSearch:        ann.EfSearch,
		}},
		Metrics: m,
	}
}
