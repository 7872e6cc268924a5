package corpus

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultSection  = "기타"
	defaultMaxBytes = 32 << 20
)

// SectionRule maps any heading containing Match to Label.
type SectionRule struct {
	Match string
	Label string
}

type Option func(*Loader)

func WithSections(rules []SectionRule, fallback string) Option {
	return func(l *Loader) {
		l.sections = rules
		if fallback != "" {
			l.defaultSection = fallback
		}
	}
}

func WithMaxBytes(n int64) Option {
	return func(l *Loader) { l.maxBytes = n }
}

func WithClock(now func() time.Time) Option {
	return func(l *Loader) { l.now = now }
}

// Loader parses markdown Q&A tables:
//
//	### 직원 FAQ
//	| 질문 | 답변 | 출처 |
//	|:--|:--|:--|
//	| 식권은 어디서 받나요? | 앱에서 QR로 발급됩니다. | 운영가이드 |
type Loader struct {
	sections       []SectionRule
	defaultSection string
	maxBytes       int64
	now            func() time.Time
	logger         *slog.Logger
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		defaultSection: defaultSection,
		maxBytes:       defaultMaxBytes,
		now:            time.Now,
		logger:         slog.Default().With("component", "corpus-loader"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads src and returns an unnumbered Version. Identical bytes always
// produce identical records, order and checksum.
func (l *Loader) Load(ctx context.Context, src Source) (*Version, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, &FormatError{Source: src.Name(), Reason: "cannot open source", Err: err}
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, l.maxBytes+1))
	if err != nil {
		return nil, &FormatError{Source: src.Name(), Reason: "cannot read source", Err: err}
	}
	if int64(len(data)) > l.maxBytes {
		return nil, &FormatError{Source: src.Name(), Reason: fmt.Sprintf("source exceeds %d bytes", l.maxBytes)}
	}

	records, err := l.Parse(bytes.NewReader(data), src.Name())
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	l.logger.Info("corpus parsed",
		"source", src.Name(),
		"records", len(records),
		"bytes", len(data),
	)
	return &Version{
		BuiltAt:  l.now(),
		Source:   src.Name(),
		Checksum: hex.EncodeToString(sum[:]),
		Records:  records,
	}, nil
}

// Parse turns a markdown document into records with IDs 1..N. A document
// that yields no records is a FormatError.
func (l *Loader) Parse(r io.Reader, name string) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, &FormatError{Source: name, Line: len(lines) + 1, Reason: "scan failed", Err: err}
	}

	section := ""
	var records []Record
	inTable := false
	for i, line := range lines {
		lineNo := i + 1
		if strings.HasPrefix(line, "###") {
			section = l.normalizeSection(strings.TrimLeft(line, "# "))
			inTable = false
			continue
		}
		if !strings.HasPrefix(line, "|") {
			inTable = false
			continue
		}
		first := !inTable
		inTable = true
		cols := splitRow(line)
		if len(cols) < 2 || isSeparatorRow(cols) {
			continue
		}
		if first && (isHeaderRow(cols) || nextIsSeparator(lines, i)) {
			continue
		}
		question := cleanCell(cols[0])
		answer := cleanCell(cols[1])
		if question == "" || answer == "" {
			l.logger.Debug("skipping incomplete row", "source", name, "line", lineNo)
			continue
		}
		origin := ""
		if len(cols) > 2 {
			origin = cleanCell(cols[2])
		}
		if origin == "" {
			origin = name
		}
		sec := section
		if sec == "" {
			sec = l.defaultSection
		}
		records = append(records, Record{
			ID:       len(records) + 1,
			Section:  sec,
			Question: question,
			Answer:   answer,
			Origin:   origin,
		})
	}
	if len(records) == 0 {
		return nil, &FormatError{Source: name, Reason: "no question/answer rows found"}
	}
	return records, nil
}

func (l *Loader) normalizeSection(heading string) string {
	heading = strings.TrimSpace(heading)
	for _, rule := range l.sections {
		if rule.Match != "" && strings.Contains(heading, rule.Match) {
			return rule.Label
		}
	}
	return heading
}

// splitRow splits a table row on unescaped pipes, dropping the cells outside
// the leading and trailing pipe.
func splitRow(line string) []string {
	var cols []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			if r != '|' && r != '\\' {
				cur.WriteByte('\\')
			}
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '|':
			cols = append(cols, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	// text after the last pipe is not a cell
	if len(cols) == 0 {
		return nil
	}
	cols = cols[1:]
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

func isSeparatorRow(cols []string) bool {
	for _, c := range cols {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

// isHeaderRow matches the column titles themselves. Only the first row of a
// table is considered; it is also a header when a separator row follows it.
func isHeaderRow(cols []string) bool {
	first, second := strings.ToLower(cleanCell(cols[0])), strings.ToLower(cleanCell(cols[1]))
	return (first == "질문" && second == "답변") || (first == "question" && second == "answer")
}

func nextIsSeparator(lines []string, i int) bool {
	if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "|") {
		return false
	}
	cols := splitRow(lines[i+1])
	return len(cols) > 0 && isSeparatorRow(cols)
}

func cleanCell(s string) string {
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ToValidUTF8(s, "")
	s = strings.ReplaceAll(s, "\uFFFD", "")
	s = strings.ReplaceAll(s, "<br>", "\n")
	return strings.TrimSpace(s)
}
