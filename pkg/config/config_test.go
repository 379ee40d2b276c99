package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroquant/internal/models"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Network, cfg.Network)
	assert.Equal(t, 1e-3, cfg.SUVR.AffineTolerance)
	assert.Equal(t, [3]int{192, 192, 192}, cfg.Network.Shape)
}

func TestCreateAndLoadDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "neuroquant.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SUVR, cfg.SUVR)
	assert.Equal(t, 30*time.Minute, cfg.External.Timeout)
}

func TestLoadOverridesAndCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "neuroquant.yaml")
	yml := `
network:
  shape: [96, 96, 96]
  voxelSize: [2, 2, 2]
suvr:
  mappingOrder: 1
  labels: [8, 47]
external:
  timeout: 90s
  register:
    path: /opt/synthmorph/register
    args: ["-m", "{moving}", "-f", "{fixed}", "-o", "{output}"]
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, [3]int{96, 96, 96}, cfg.Network.Shape)
	assert.Equal(t, "LIA", cfg.Network.Orientation)
	assert.Equal(t, []int{8, 47}, cfg.SUVR.Labels)
	assert.Equal(t, 90*time.Second, cfg.External.Timeout)

	cmds := cfg.Commands()
	assert.True(t, cmds.Register.Configured())
	assert.False(t, cmds.SkullStrip.Configured())
	assert.Equal(t, []string{"-m", "a", "-f", "b", "-o", "c"},
		cmds.Register.Expand(map[string]string{"moving": "a", "fixed": "b", "output": "c"}))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero shape", func(c *Config) { c.Network.Shape[1] = 0 }},
		{"negative voxel", func(c *Config) { c.Network.VoxelSize[0] = -1 }},
		{"bad orientation", func(c *Config) { c.Network.Orientation = "XYZ" }},
		{"bad interpolation", func(c *Config) { c.Network.Interpolation = "sinc" }},
		{"order", func(c *Config) { c.SUVR.MappingOrder = 6 }},
		{"tolerance", func(c *Config) { c.SUVR.SpacingTolerance = -0.1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), models.ErrConfig)
		})
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("network: [unterminated"), 0644))
	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, models.ErrConfig)
}
