package keygate_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	kg "github.com/lumenlab/keygate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
providers:
  openai:
    keys:
      - sk-test-key-0001
      - sk-test-key-0002
    max_concurrent_per_key: 4
    max_per_minute: 30
    min_interval: 500ms
  anthropic:
    keys:
      - ak-test-key-0001
`)

	cfg, err := kg.LoadConfig(path)
	require.NoError(t, err)

	openai := cfg.Providers["openai"]
	assert.Equal(t, []string{"sk-test-key-0001", "sk-test-key-0002"}, openai.Keys)
	assert.Equal(t, 4, openai.MaxConcurrentPerKey)
	assert.Equal(t, 30, openai.MaxPerMinute)
	assert.Equal(t, kg.Duration(500*time.Millisecond), openai.MinInterval)

	assert.Len(t, cfg.Providers["anthropic"].Keys, 1)
}

func TestLoadConfig_ExpandsEnv(t *testing.T) {
	t.Setenv("KEYGATE_TEST_SECRET", "sk-from-env-0001")

	path := writeConfig(t, `
providers:
  openai:
    keys:
      - ${KEYGATE_TEST_SECRET}
`)

	cfg, err := kg.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-from-env-0001"}, cfg.Providers["openai"].Keys)
}

func TestLoadConfig_RejectsEmptyKey(t *testing.T) {
	path := writeConfig(t, `
providers:
  openai:
    keys:
      - ""
`)

	_, err := kg.LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keys[0] is empty")
}

func TestLoadConfig_RejectsNegativeCaps(t *testing.T) {
	path := writeConfig(t, `
providers:
  openai:
    max_per_minute: -1
`)

	_, err := kg.LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_per_minute")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := kg.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestKeysFromEnv(t *testing.T) {
	t.Setenv("PERPLEXITY_API_KEY", "pk-base-0001")
	t.Setenv("PERPLEXITY_API_KEY_1", "pk-test-0001")
	t.Setenv("PERPLEXITY_API_KEY_2", "pk-test-0002")
	// Gap: _4 must not be picked up.
	t.Setenv("PERPLEXITY_API_KEY_4", "pk-test-0004")

	keys := kg.KeysFromEnv("perplexity")
	assert.Equal(t, []string{"pk-base-0001", "pk-test-0001", "pk-test-0002"}, keys)
}

func TestKeysFromEnv_None(t *testing.T) {
	assert.Empty(t, kg.KeysFromEnv("no-such-provider"))
}
