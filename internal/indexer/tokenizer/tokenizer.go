// Package tokenizer provides text tokenisation shared by the lexical index and
// the query path. It lower-cases input, splits on non-alphanumeric boundaries,
// optionally strips Korean postpositional particles, and removes stop-words.
//
// Stop-term policy: a fixed list of English function words and Korean
// interrogatives/endings, plus any configured extras, is removed after
// particle stripping. Single-rune ASCII tokens are dropped; single Hangul
// syllables are kept because they commonly carry meaning. Positions count
// kept tokens only, so phrase adjacency ignores removed stop-words.
package tokenizer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var defaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from", "has",
	"in", "is", "it", "its", "of", "on", "or", "that", "the", "to", "was",
	"were", "will", "with", "this", "but", "have", "had", "what", "when",
	"where", "who", "which", "if", "do", "does", "how", "can", "i", "my",
	"about", "please",
	"어떻게", "어떤", "무엇", "뭐", "뭔가요", "무엇인가요", "있나요", "있어요",
	"되나요", "하나요", "인가요", "알려주세요", "알려줘", "궁금해요", "언제", "어디",
	"왜", "좀", "그", "저", "혹시",
}

// particle rules are tried in order; a rule only applies when the remaining
// stem keeps at least minRunes runes.
var particles = []struct {
	suffix   string
	minRunes int
}{
	{"에서", 2},
	{"으로", 2},
	{"은", 2},
	{"는", 2},
	{"이", 2},
	{"가", 2},
	{"을", 2},
	{"를", 2},
	{"에", 2},
	{"의", 2},
	{"로", 2},
	{"와", 2},
	{"과", 2},
	{"도", 2},
	{"만", 2},
}

// Token represents a single normalised term and its position in the
// original text.
type Token struct {
	Term     string
	Position int
}

type Options struct {
	ExtraStopWords []string
	StripParticles bool
}

type Tokenizer struct {
	stopWords      map[string]struct{}
	stripParticles bool
}

func New(opts Options) *Tokenizer {
	stop := make(map[string]struct{}, len(defaultStopWords)+len(opts.ExtraStopWords))
	for _, w := range defaultStopWords {
		stop[w] = struct{}{}
	}
	for _, w := range opts.ExtraStopWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			stop[w] = struct{}{}
		}
	}
	return &Tokenizer{stopWords: stop, stripParticles: opts.StripParticles}
}

// Default strips particles and uses only the built-in stop list.
func Default() *Tokenizer {
	return New(Options{StripParticles: true})
}

// Tokenize breaks text into lowercased Tokens with stop-words removed.
func (t *Tokenizer) Tokenize(text string) []Token {
	words := Words(text)
	tokens := make([]Token, 0, len(words))
	pos := 0
	for _, word := range words {
		if t.stripParticles {
			word = stripParticle(word)
		}
		if utf8.RuneCountInString(word) < 2 && word[0] < utf8.RuneSelf {
			continue
		}
		if _, isStop := t.stopWords[word]; isStop {
			continue
		}
		tokens = append(tokens, Token{
			Term:     word,
			Position: pos,
		})
		pos++
	}
	return tokens
}

// Terms is Tokenize without positions.
func (t *Tokenizer) Terms(text string) []string {
	tokens := t.Tokenize(text)
	terms := make([]string, len(tokens))
	for i, tok := range tokens {
		terms[i] = tok.Term
	}
	return terms
}

// Words lower-cases text and splits it on anything that is not a letter or a
// digit. No stop-word or particle handling is applied.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func stripParticle(word string) string {
	last, _ := utf8.DecodeLastRuneInString(word)
	if !unicode.Is(unicode.Hangul, last) {
		return word
	}
	for _, rule := range particles {
		if strings.HasSuffix(word, rule.suffix) {
			stem := strings.TrimSuffix(word, rule.suffix)
			if utf8.RuneCountInString(stem) >= rule.minRunes {
				return stem
			}
		}
	}
	return word
}
