package heartbeat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWriterQualifiedTable(t *testing.T) {
	w := New(nil, nil, nil, "client-a", "app", 0)
	assert.Equal(t, "`app`._flowtap_heartbeat", w.qualifiedTable())
}

func TestQuoteEscapesQuotesAndBackslashes(t *testing.T) {
	assert.Equal(t, `'it''s'`, quote("it's"))
	assert.Equal(t, `'a\\b'`, quote(`a\b`))
}
