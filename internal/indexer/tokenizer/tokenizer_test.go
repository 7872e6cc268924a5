package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeFoldsCaseAndStripsPunctuation(t *testing.T) {
	got := Default().Tokenize("Meal-Ticket settlement, PROCEDURE?!")
	assert.Equal(t, []Token{
		{Term: "meal", Position: 0},
		{Term: "ticket", Position: 1},
		{Term: "settlement", Position: 2},
		{Term: "procedure", Position: 3},
	}, got)
}

func TestTokenizeStopWordsDoNotLeavePositionGaps(t *testing.T) {
	got := Default().Tokenize("how do I sign up")
	assert.Equal(t, []Token{
		{Term: "sign", Position: 0},
		{Term: "up", Position: 1},
	}, got)
}

func TestTokenizeKoreanParticles(t *testing.T) {
	tok := Default()
	assert.Equal(t, []string{"식권", "정산", "방법"}, tok.Terms("식권 정산 방법이 어떻게 되나요?"))
	assert.Equal(t, []string{"qr", "발급"}, tok.Terms("QR을 발급"))
	// stems shorter than two runes are left alone
	assert.Equal(t, []string{"회의"}, tok.Terms("회의"))

	plain := New(Options{})
	assert.Equal(t, []string{"방법이"}, plain.Terms("방법이"))
}

func TestTokenizeDropsSingleASCIIRunes(t *testing.T) {
	assert.Equal(t, []string{"돈", "x1"}, Default().Terms("a 돈 x1 b"))
}

func TestExtraStopWords(t *testing.T) {
	tok := New(Options{ExtraStopWords: []string{" Katok "}})
	assert.Equal(t, []string{"bot"}, tok.Terms("katok bot"))
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"sign", "up", "now"}, Words("Sign-up, NOW"))
	assert.Empty(t, Words("?!  ..."))
}

func BenchmarkTokenize(b *testing.B) {
	tok := Default()
	text := "직원 식권 QR 발급은 어떻게 하나요? How do I settle meal tickets at the end of the month?"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		tok.Tokenize(text)
	}
}
