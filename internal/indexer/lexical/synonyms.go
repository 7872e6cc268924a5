package lexical

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kangjinkui/katokbot/internal/indexer/tokenizer"
)

//go:embed default_synonyms.yaml
var defaultSynonyms []byte

// Table holds synonym groups over normalized phrases. Lookup is symmetric:
// if b is in Lookup(a) then a is in Lookup(b). It is not transitive; a term
// listed in two groups sees both, while the other members of each group see
// only their own.
type Table struct {
	groups   [][]string
	index    map[string][]int
	maxWords int
	overlaps []string
}

// synonymFile accepts either
//
//	groups:
//	  - [registration, sign up, enroll]
//
// or the canonical map form
//
//	정산: [정산, 계산, 집계]
type synonymFile struct {
	Groups [][]string `yaml:"groups"`
}

// ParseSynonyms decodes YAML (or JSON) synonym data and normalizes every term
// with tok so table lookups agree with indexed tokens.
func ParseSynonyms(data []byte, tok *tokenizer.Tokenizer) (*Table, error) {
	var file synonymFile
	if err := yaml.Unmarshal(data, &file); err == nil && len(file.Groups) > 0 {
		return NewTable(file.Groups, tok)
	}

	var canonical map[string][]string
	if err := yaml.Unmarshal(data, &canonical); err != nil {
		return nil, fmt.Errorf("parsing synonym table: %w", err)
	}
	keys := make([]string, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	groups := make([][]string, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, append([]string{k}, canonical[k]...))
	}
	return NewTable(groups, tok)
}

// LoadSynonyms reads a synonym file. An empty path yields the built-in
// table.
func LoadSynonyms(path string, tok *tokenizer.Tokenizer) (*Table, error) {
	if path == "" {
		return DefaultSynonyms(tok)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading synonym file %s: %w", path, err)
	}
	table, err := ParseSynonyms(data, tok)
	if err != nil {
		return nil, fmt.Errorf("synonym file %s: %w", path, err)
	}
	return table, nil
}

func DefaultSynonyms(tok *tokenizer.Tokenizer) (*Table, error) {
	return ParseSynonyms(defaultSynonyms, tok)
}

// NewTable validates and indexes groups. Terms that normalize to nothing are
// rejected; duplicates inside a group collapse.
func NewTable(groups [][]string, tok *tokenizer.Tokenizer) (*Table, error) {
	t := &Table{index: make(map[string][]int)}
	for gi, raw := range groups {
		seen := make(map[string]struct{}, len(raw))
		var members []string
		for _, term := range raw {
			words := tok.Terms(term)
			if len(words) == 0 {
				return nil, fmt.Errorf("synonym group %d: term %q is empty after normalization", gi+1, term)
			}
			phrase := strings.Join(words, " ")
			if _, dup := seen[phrase]; dup {
				continue
			}
			seen[phrase] = struct{}{}
			members = append(members, phrase)
			if len(words) > t.maxWords {
				t.maxWords = len(words)
			}
		}
		if len(members) < 2 {
			continue
		}
		idx := len(t.groups)
		t.groups = append(t.groups, members)
		for _, m := range members {
			if len(t.index[m]) == 1 {
				t.overlaps = append(t.overlaps, m)
			}
			t.index[m] = append(t.index[m], idx)
		}
	}
	sort.Strings(t.overlaps)
	return t, nil
}

// Lookup returns the union of every group containing phrase, in declaration
// order, or nil when phrase has no synonyms.
func (t *Table) Lookup(phrase string) []string {
	if t == nil {
		return nil
	}
	idxs := t.index[phrase]
	if len(idxs) == 0 {
		return nil
	}
	if len(idxs) == 1 {
		return t.groups[idxs[0]]
	}
	seen := make(map[string]struct{})
	var out []string
	for _, gi := range idxs {
		for _, m := range t.groups[gi] {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Groups is the number of declared groups that survived validation.
func (t *Table) Groups() int {
	if t == nil {
		return 0
	}
	return len(t.groups)
}

// Overlaps lists terms that appear in more than one group.
func (t *Table) Overlaps() []string {
	if t == nil {
		return nil
	}
	return t.overlaps
}

// MaxWords is the longest phrase length in tokens.
func (t *Table) MaxWords() int {
	if t == nil {
		return 0
	}
	return t.maxWords
}
