package corpus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangjinkui/katokbot/pkg/config"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

const sampleDoc = `# 한방 식권 Q&A

| 질문 | 답변 | 출처 |
|:--|:--|:--|
| 서비스는 무엇인가요? | 모바일 식권 서비스입니다. | 소개서 |

### 1. 직원 FAQ

| 질문 | 답변 | 출처 |
|:--|:--|:--|
| **식권**은 어디서 받나요? | 앱에서 QR로 발급됩니다. | 운영가이드 |
| 분실하면요? | 재발급 가능합니다. | |
| | 답만 있는 행 | 무시 |

### 5. 도입 절차

| 질문 | 답변 | 출처 |
|---|---|---|
| 가격 \| 요금은? | 식당당 월 1만원 | 영업자료 |
`

func testLoader() *Loader {
	return NewLoader(
		WithSections([]SectionRule{
			{Match: "직원", Label: "직원"},
			{Match: "도입", Label: "도입/참여"},
		}, "기타"),
		WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
	)
}

func TestLoadParsesSectionsAndRows(t *testing.T) {
	v, err := testLoader().Load(context.Background(), BytesSource{Label: "hanbang_qa.md", Data: []byte(sampleDoc)})
	require.NoError(t, err)
	require.Equal(t, 4, v.Len())

	assert.Equal(t, Record{ID: 1, Section: "기타", Question: "서비스는 무엇인가요?", Answer: "모바일 식권 서비스입니다.", Origin: "소개서"}, v.Records[0])
	assert.Equal(t, Record{ID: 2, Section: "직원", Question: "식권은 어디서 받나요?", Answer: "앱에서 QR로 발급됩니다.", Origin: "운영가이드"}, v.Records[1])
	assert.Equal(t, "hanbang_qa.md", v.Records[2].Origin, "empty origin falls back to the source name")
	assert.Equal(t, Record{ID: 4, Section: "도입/참여", Question: "가격 | 요금은?", Answer: "식당당 월 1만원", Origin: "영업자료"}, v.Records[3])

	assert.Equal(t, map[string]int{"기타": 1, "직원": 2, "도입/참여": 1}, v.Sections())
	assert.Equal(t, "hanbang_qa.md", v.Source)
	assert.Len(t, v.Checksum, 64)

	r, ok := v.Record(2)
	require.True(t, ok)
	assert.Equal(t, "식권은 어디서 받나요?", r.Question)
	_, ok = v.Record(5)
	assert.False(t, ok)
}

func TestLoadIsDeterministic(t *testing.T) {
	src := BytesSource{Label: "qa.md", Data: []byte(sampleDoc)}
	a, err := testLoader().Load(context.Background(), src)
	require.NoError(t, err)
	b, err := testLoader().Load(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, a.Records, b.Records)
	assert.Equal(t, a.Checksum, b.Checksum)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := testLoader().Load(context.Background(), FileSource{Path: filepath.Join(t.TempDir(), "gone.md")})
	require.Error(t, err)

	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.True(t, errors.Is(err, apperrors.ErrCorpusFormat))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestLoadEmptyDocument(t *testing.T) {
	_, err := testLoader().Load(context.Background(), BytesSource{Label: "empty.md", Data: []byte("# nothing here\n\n| 질문 | 답변 |\n|--|--|\n")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrCorpusFormat))
	assert.False(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestLoadRejectsOversizedSource(t *testing.T) {
	l := NewLoader(WithMaxBytes(16))
	_, err := l.Load(context.Background(), BytesSource{Label: "big.md", Data: []byte(sampleDoc)})
	assert.True(t, errors.Is(err, apperrors.ErrCorpusFormat))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qa.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o600))
	v, err := testLoader().Load(context.Background(), FileSource{Path: path})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Len())
	assert.Equal(t, path, v.Source)
}

func TestFormatRoundTrip(t *testing.T) {
	records := []Record{
		{ID: 1, Section: "직원", Question: "식권 | 쿠폰 차이?", Answer: "같습니다.\n둘 다 사용 가능", Origin: "가이드"},
		{ID: 2, Section: "직원", Question: `경로 C:\qa`, Answer: "백슬래시 \\| 파이프", Origin: "위키"},
		{ID: 3, Section: "기타", Question: "기타 질문", Answer: "기타 답변", Origin: "메모"},
		{ID: 4, Section: "직원", Question: "다시 직원", Answer: "섹션 재등장", Origin: "메모"},
		{ID: 5, Section: "직원", Question: "질문", Answer: "답변", Origin: "메모"},
		{ID: 6, Section: "직원", Question: "Question", Answer: "Answer", Origin: "memo"},
	}
	var buf bytes.Buffer
	require.NoError(t, Format(&buf, records))

	got, err := testLoader().Parse(&buf, "roundtrip.md")
	require.NoError(t, err)
	assert.Equal(t, records, got)
}

func TestHeaderDetectionIsPositional(t *testing.T) {
	doc := `### 직원 FAQ
| 질문 | 답변 | 출처 |
|---|---|---|
| 질문이 있어요 | 답변드립니다 | 가이드 |

| Q | A |
|:--|:--|
| 식권 질문 | 식권 답변 |

| 질문 | 답변 |
| 헤더 없는 표 | 첫 줄은 제목 |
`
	got, err := testLoader().Parse(strings.NewReader(doc), "faq.md")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "질문이 있어요", got[0].Question)
	assert.Equal(t, "식권 질문", got[1].Question)
	assert.Equal(t, "헤더 없는 표", got[2].Question)
}

type nopOpener struct{}

func (nopOpener) Open(context.Context, string, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func TestSourceFromConfig(t *testing.T) {
	src, err := SourceFromConfig(config.CorpusConfig{Path: "data/qa.md"}, nil)
	require.NoError(t, err)
	assert.Equal(t, FileSource{Path: "data/qa.md"}, src)

	src, err = SourceFromConfig(config.CorpusConfig{Source: "object", Bucket: "qa", Key: "faq.md"}, nopOpener{})
	require.NoError(t, err)
	assert.Equal(t, "s3://qa/faq.md", src.Name())

	_, err = SourceFromConfig(config.CorpusConfig{Source: "object"}, nil)
	assert.Error(t, err)
	_, err = SourceFromConfig(config.CorpusConfig{Source: "ftp"}, nil)
	assert.Error(t, err)
}
