package posstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitStatementsSkipsEmptyAndTrims(t *testing.T) {
	in := "  CREATE TABLE a (x INT);\n\nCREATE TABLE b (y INT);  ;  "
	got := splitStatements(in)
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE TABLE b (y INT)"}, got)
}

func TestTrimSpace(t *testing.T) {
	assert.Equal(t, "foo", trimSpace("  \t foo \n"))
	assert.Equal(t, "", trimSpace("   "))
}

func TestIsSpace(t *testing.T) {
	assert.True(t, isSpace(' '))
	assert.True(t, isSpace('\t'))
	assert.True(t, isSpace('\n'))
	assert.True(t, isSpace('\r'))
	assert.False(t, isSpace('a'))
}

func TestQuoteEscapesQuotesAndBackslashes(t *testing.T) {
	assert.Equal(t, `'it''s'`, quote("it's"))
	assert.Equal(t, `'a\\b'`, quote(`a\b`))
}
