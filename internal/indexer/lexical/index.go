// Package lexical implements the token inverted index and synonym expansion
// used for keyword matching. An Index is built once per corpus version and is
// read-only afterwards, so it is safe for concurrent use without locking.
package lexical

import (
	"sort"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/indexer/tokenizer"
)

// Hit is a record that satisfied at least one expansion group.
type Hit struct {
	RecordID int
	Score    float64
}

// Group is one query term (or phrase) with its interchangeable alternatives.
// Each alternative is a token sequence; the group matches a record when any
// alternative does.
type Group struct {
	Term         string
	Alternatives [][]string
}

func (g Group) String() string {
	if len(g.Alternatives) == 1 {
		return strings.Join(g.Alternatives[0], " ")
	}
	parts := make([]string, len(g.Alternatives))
	for i, alt := range g.Alternatives {
		parts[i] = strings.Join(alt, " ")
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// Expression is a conjunction-style list of groups; scoring counts how many
// groups a record satisfies.
type Expression struct {
	Groups []Group
}

func (e Expression) Empty() bool { return len(e.Groups) == 0 }

func (e Expression) String() string {
	parts := make([]string, len(e.Groups))
	for i, g := range e.Groups {
		parts[i] = g.String()
	}
	return strings.Join(parts, " ")
}

type Index struct {
	tokenizer *tokenizer.Tokenizer
	synonyms  *Table
	postings  map[string]*roaring.Bitmap
	positions map[string]map[uint32][]int
	docCount  int
}

// Build tokenizes every question and fills the postings. A nil table means no
// synonym expansion.
func Build(records []corpus.Record, tok *tokenizer.Tokenizer, synonyms *Table) *Index {
	idx := &Index{
		tokenizer: tok,
		synonyms:  synonyms,
		postings:  make(map[string]*roaring.Bitmap),
		positions: make(map[string]map[uint32][]int),
	}
	for _, r := range records {
		id := uint32(r.ID)
		for _, token := range tok.Tokenize(r.Question) {
			bm, ok := idx.postings[token.Term]
			if !ok {
				bm = roaring.New()
				idx.postings[token.Term] = bm
				idx.positions[token.Term] = make(map[uint32][]int)
			}
			bm.Add(id)
			idx.positions[token.Term][id] = append(idx.positions[token.Term][id], token.Position)
		}
		idx.docCount++
	}
	for _, bm := range idx.postings {
		bm.RunOptimize()
	}
	return idx
}

// Expand rewrites query into synonym groups. Phrases are matched longest
// first; tokens without synonyms become single-alternative groups. Repeated
// groups collapse. The index postings are not consulted.
func (idx *Index) Expand(query string) Expression {
	terms := idx.tokenizer.Terms(query)
	maxWords := idx.synonyms.MaxWords()

	var expr Expression
	seen := make(map[string]struct{})
	for i := 0; i < len(terms); {
		group, n := idx.lookupAt(terms[i:], maxWords)
		i += n
		key := group.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		expr.Groups = append(expr.Groups, group)
	}
	return expr
}

func (idx *Index) lookupAt(terms []string, maxWords int) (Group, int) {
	for n := min(maxWords, len(terms)); n >= 1; n-- {
		phrase := strings.Join(terms[:n], " ")
		syns := idx.synonyms.Lookup(phrase)
		if syns == nil {
			continue
		}
		g := Group{Term: phrase, Alternatives: make([][]string, len(syns))}
		for i, s := range syns {
			g.Alternatives[i] = strings.Fields(s)
		}
		return g, n
	}
	return Group{Term: terms[0], Alternatives: [][]string{{terms[0]}}}, 1
}

// Search scores records by the fraction of expression groups they satisfy
// and returns at most limit hits ordered by score descending, then record ID
// ascending. No match is an empty result, not an error.
func (idx *Index) Search(expr Expression, limit int) []Hit {
	if expr.Empty() || limit <= 0 {
		return nil
	}
	matched := make(map[uint32]int)
	for _, g := range expr.Groups {
		groupHits := roaring.New()
		for _, alt := range g.Alternatives {
			if bm := idx.matchAlternative(alt); bm != nil {
				groupHits.Or(bm)
			}
		}
		for _, id := range groupHits.ToArray() {
			matched[id]++
		}
	}
	if len(matched) == 0 {
		return nil
	}

	total := float64(len(expr.Groups))
	hits := make([]Hit, 0, len(matched))
	for id, n := range matched {
		hits = append(hits, Hit{RecordID: int(id), Score: float64(n) / total})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].RecordID < hits[j].RecordID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// matchAlternative returns the records containing every token of alt, with
// multi-token alternatives required to appear as adjacent tokens.
func (idx *Index) matchAlternative(alt []string) *roaring.Bitmap {
	first, ok := idx.postings[alt[0]]
	if !ok {
		return nil
	}
	if len(alt) == 1 {
		return first
	}
	candidates := first.Clone()
	for _, term := range alt[1:] {
		bm, ok := idx.postings[term]
		if !ok {
			return nil
		}
		candidates.And(bm)
	}
	phrase := roaring.New()
	for _, id := range candidates.ToArray() {
		if idx.adjacent(alt, id) {
			phrase.Add(id)
		}
	}
	return phrase
}

func (idx *Index) adjacent(alt []string, id uint32) bool {
	for _, start := range idx.positions[alt[0]][id] {
		ok := true
		for k := 1; k < len(alt); k++ {
			if !containsInt(idx.positions[alt[k]][id], start+k) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// Terms is the number of distinct indexed tokens.
func (idx *Index) Terms() int { return len(idx.postings) }

// Docs is the number of indexed records.
func (idx *Index) Docs() int { return idx.docCount }

// Synonyms exposes the table the index expands with.
func (idx *Index) Synonyms() *Table { return idx.synonyms }
