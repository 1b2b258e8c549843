package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRules = `
engines:
  http:
    default: 0.4
    extensions:
      .iso: 0.9
      .ZIP: 0.7
  media:
    domains:
      youtube.com: 1.0
      vimeo.com: 0.8
`

func TestRules_Priority(t *testing.T) {
	r, err := ParseRules([]byte(testRules))
	require.NoError(t, err)

	tests := []struct {
		name   string
		engine string
		url    string
		want   float64
	}{
		{"extension hint", "http", "https://example.com/debian.iso", 0.9},
		{"extension is case insensitive", "http", "https://example.com/A.zip", 0.7},
		{"engine default", "http", "https://example.com/page", 0.4},
		{"exact domain", "media", "https://youtube.com/watch?v=1", 1.0},
		{"subdomain", "media", "https://www.vimeo.com/123", 0.8},
		{"no match falls back", "media", "https://example.com/a.iso", 0.3},
		{"unknown engine falls back", "putio", "magnet:?xt=urn:btih:abc", 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, r.Priority(tt.engine, tt.url, 0.3), 1e-9)
		})
	}
}

func TestRules_NilFallsBack(t *testing.T) {
	var r *Rules
	assert.Equal(t, 0.25, r.Priority("http", "https://x/a.iso", 0.25))
}

func TestParseRules_RejectsOutOfRangeWeights(t *testing.T) {
	_, err := ParseRules([]byte("engines:\n  http:\n    extensions:\n      .iso: 1.5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".iso")

	_, err = ParseRules([]byte("engines: [not, a, map]"))
	assert.Error(t, err)
}

func TestLoadRules(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)
	assert.Empty(t, r.Engines)

	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o600))

	r, err = LoadRules(path)
	require.NoError(t, err)
	assert.Len(t, r.Engines, 2)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
