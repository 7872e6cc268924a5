// Package corpus loads the curated Q&A document into immutable, versioned
// record sets.
package corpus

import (
	"fmt"
	"time"

	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

// Record is a single Q&A pair. Records are created only by Load and never
// mutated afterwards.
type Record struct {
	ID       int    `json:"id"`
	Section  string `json:"section"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Origin   string `json:"origin"`
}

// Version is an ordered, immutable record set. Record IDs run 1..N in
// document order, so Records[id-1] is the record with that ID.
type Version struct {
	Number   uint64
	BuiltAt  time.Time
	Source   string
	Checksum string
	Records  []Record
}

func (v *Version) Len() int {
	return len(v.Records)
}

func (v *Version) Record(id int) (Record, bool) {
	if id < 1 || id > len(v.Records) {
		return Record{}, false
	}
	return v.Records[id-1], true
}

// Sections counts records per section label.
func (v *Version) Sections() map[string]int {
	counts := make(map[string]int)
	for _, r := range v.Records {
		counts[r.Section]++
	}
	return counts
}

// Questions returns the question texts in ID order.
func (v *Version) Questions() []string {
	out := make([]string, len(v.Records))
	for i, r := range v.Records {
		out[i] = r.Question
	}
	return out
}

// FormatError reports a corpus source that is missing, unreadable or empty.
// It matches ErrCorpusFormat with errors.Is.
type FormatError struct {
	Source string
	Line   int
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := fmt.Sprintf("corpus %s: %s", e.Source, e.Reason)
	if e.Line > 0 {
		msg = fmt.Sprintf("corpus %s line %d: %s", e.Source, e.Line, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() []error {
	if e.Err == nil {
		return []error{apperrors.ErrCorpusFormat}
	}
	return []error{apperrors.ErrCorpusFormat, e.Err}
}
