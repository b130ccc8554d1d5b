package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-assistants-lab/recall/internal/chunk"
	"github.com/open-assistants-lab/recall/internal/store"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, store.BackendChromem, cfg.Store.VectorBackend)
	assert.Equal(t, chunk.ByParagraph, cfg.Store.Chunking.Strategy)
	assert.Equal(t, "http://localhost:8080", cfg.Embeddings.Service.BaseURL)
	assert.Equal(t, 0.5, cfg.Search.LexicalWeight)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9999"
  shutdown_timeout: 5s
store:
  path: /tmp/custom.db
  vector_backend: qdrant
  qdrant:
    host: qdrant.internal
    port: 7443
  chunking:
    strategy: fixed
    size: 512
    overlap: 64
search:
  lexical_weight: 0.7
  vector_weight: 0.3
logging:
  level: debug
  format: console
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "/tmp/custom.db", cfg.Store.Path)
	assert.Equal(t, store.BackendQdrant, cfg.Store.VectorBackend)
	assert.Equal(t, "qdrant.internal", cfg.Store.Qdrant.Host)
	assert.Equal(t, 7443, cfg.Store.Qdrant.Port)
	assert.Equal(t, chunk.Fixed, cfg.Store.Chunking.Strategy)
	assert.Equal(t, 512, cfg.Store.Chunking.Size)
	assert.Equal(t, 0.7, cfg.Search.LexicalWeight)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o600))

	t.Setenv("RECALL_SERVER_ADDR", ":7777")
	t.Setenv("RECALL_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "bad chunking", yaml: "store:\n  chunking:\n    strategy: bogus\n"},
		{name: "bad log format", yaml: "logging:\n  format: xml\n"},
		{name: "negative weight", yaml: "search:\n  lexical_weight: -1\n  vector_weight: 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDurationRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("not-a-duration")))
}
