package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_HasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 100, cfg.RateLimitThrottle)
	assert.Equal(t, 2, cfg.PoolMin)
	assert.Equal(t, 10, cfg.PoolMax)
}

func TestLoadFile_MissingPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile_NonexistentFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile("/nonexistent/path/gridcore.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFile_ParsesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/gridcore.yaml"
	require.NoError(t, os.WriteFile(path, []byte("httpaddr: \":9090\"\nsqlhost: db.internal\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "db.internal", cfg.SQLHost)
}

func TestGetEnv_FallsBackToDefault(t *testing.T) {
	os.Unsetenv("GRIDCORE_TEST_UNSET_VAR")
	assert.Equal(t, "fallback", getEnv("GRIDCORE_TEST_UNSET_VAR", "fallback"))
}

func TestGetEnvInt_ParsesOrFallsBack(t *testing.T) {
	t.Setenv("GRIDCORE_TEST_INT_VAR", "42")
	assert.Equal(t, 42, getEnvInt("GRIDCORE_TEST_INT_VAR", 7))

	t.Setenv("GRIDCORE_TEST_INT_VAR", "not-a-number")
	assert.Equal(t, 7, getEnvInt("GRIDCORE_TEST_INT_VAR", 7))
}
