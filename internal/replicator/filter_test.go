package replicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterNilAllowsEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Allows("app", "users"))
	assert.True(t, f.AllowsDatabase("app"))
}

func TestFilterExcludeTableWins(t *testing.T) {
	f := NewFilter([]string{"app"}, nil, nil, []string{"app.secrets"})
	assert.True(t, f.Allows("app", "users"))
	assert.False(t, f.Allows("app", "secrets"))
}

func TestFilterExcludeDatabase(t *testing.T) {
	f := NewFilter(nil, []string{"internal"}, nil, nil)
	assert.False(t, f.Allows("internal", "users"))
	assert.False(t, f.AllowsDatabase("internal"))
	assert.True(t, f.Allows("app", "users"))
}

func TestFilterIncludeDatabaseAllowList(t *testing.T) {
	f := NewFilter([]string{"app"}, nil, nil, nil)
	assert.True(t, f.Allows("app", "users"))
	assert.False(t, f.Allows("other", "users"))
}

func TestFilterIncludeTableGlob(t *testing.T) {
	f := NewFilter(nil, nil, []string{"app.*"}, nil)
	assert.True(t, f.Allows("app", "users"))
	assert.False(t, f.Allows("other", "users"))
}

func TestFilterGlobSuffixMatch(t *testing.T) {
	f := NewFilter(nil, nil, []string{"app.user_*"}, nil)
	assert.True(t, f.Allows("app", "user_sessions"))
	assert.False(t, f.Allows("app", "orders"))
}
