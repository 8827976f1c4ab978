package cmd

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/claude-swarm-sub002/internal/config"
)

// TestSeededConfigIsReadable verifies the starter config the CLI writes on
// first run parses back cleanly and yields the defaults.
func TestSeededConfigIsReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".swarm", "config.yaml")
	require.NoError(t, config.WriteDefaultConfig(path))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	var got config.Config
	require.NoError(t, v.Unmarshal(&got))
	got.Normalize()
	require.Equal(t, config.Defaults(), got)
	require.NoError(t, config.Validate(got))
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abcd…", truncate("abcdefghij", 5))
}
