package lexical

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kangjinkui/katokbot/internal/indexer/tokenizer"
)

func TestParseSynonymsGroupsForm(t *testing.T) {
	tok := tokenizer.Default()
	table, err := ParseSynonyms([]byte(`
groups:
  - [Registration, "Sign-Up", enroll]
  - [menu, 메뉴를]
`), tok)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Groups())
	assert.Equal(t, 2, table.MaxWords())
	assert.Equal(t, []string{"registration", "sign up", "enroll"}, table.Lookup("sign up"))
	assert.Equal(t, []string{"menu", "메뉴"}, table.Lookup("메뉴"))
	assert.Nil(t, table.Lookup("weather"))
}

func TestParseSynonymsCanonicalFormIsSymmetric(t *testing.T) {
	tok := tokenizer.Default()
	table, err := ParseSynonyms([]byte(`{"settlement": ["payment", "billing"]}`), tok)
	require.NoError(t, err)
	for _, term := range []string{"settlement", "payment", "billing"} {
		assert.ElementsMatch(t, []string{"settlement", "payment", "billing"}, table.Lookup(term), term)
	}
}

func TestOverlappingGroupsStaySymmetricButNotTransitive(t *testing.T) {
	tok := tokenizer.Default()
	table, err := NewTable([][]string{
		{"정산", "계산", "처리"},
		{"업무", "작업", "처리"},
	}, tok)
	require.NoError(t, err)

	assert.Equal(t, []string{"처리"}, table.Overlaps())
	assert.Equal(t, []string{"정산", "계산", "처리", "업무", "작업"}, table.Lookup("처리"))
	assert.NotContains(t, table.Lookup("정산"), "업무")
	assert.Contains(t, table.Lookup("업무"), "처리")
}

func TestNewTableRejectsEmptyTerms(t *testing.T) {
	_, err := NewTable([][]string{{"meal", "?!"}}, tokenizer.Default())
	assert.Error(t, err)
}

func TestNewTableDropsSingletonGroups(t *testing.T) {
	table, err := NewTable([][]string{{"meal", "Meal"}}, tokenizer.Default())
	require.NoError(t, err)
	assert.Equal(t, 0, table.Groups())
	assert.Nil(t, table.Lookup("meal"))
}

func TestLoadSynonyms(t *testing.T) {
	tok := tokenizer.Default()

	def, err := LoadSynonyms("", tok)
	require.NoError(t, err)
	assert.Equal(t, 11, def.Groups())
	assert.Contains(t, def.Lookup("쿠폰"), "식권")

	path := filepath.Join(t.TempDir(), "syn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("groups:\n  - [a1, b1]\n"), 0o600))
	custom, err := LoadSynonyms(path, tok)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, custom.Lookup("b1"))

	_, err = LoadSynonyms(filepath.Join(t.TempDir(), "missing.yaml"), tok)
	assert.Error(t, err)
}
