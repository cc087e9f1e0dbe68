package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(PackageBaseEnv, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(PackageBaseEnv, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
system_disk: disk0
package: https://updates.example.com/2023/UniversalMac_13.5_22G74_Restore.ipsw
package_version: "13.5 (22G74)"
database: /tmp/history.db
device:
  board_id: 0x22
  chip_id: 0x6000
  device_class: j314sap
  fallback_sfr_version: "12.3"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "disk0", cfg.SystemDisk)
	assert.Equal(t, "/tmp/history.db", cfg.Database)
	assert.Equal(t, uint32(0x22), cfg.Device.BoardID)
	assert.Equal(t, uint32(0x6000), cfg.Device.ChipID)
	assert.Equal(t, "j314sap", cfg.Device.DeviceClass)
	assert.Equal(t, "12.3", cfg.Device.FallbackSFRVersion)

	// Defaults fill the gaps
	assert.Equal(t, "Linux", cfg.DefaultLabel)
	assert.Equal(t, 64, cfg.CacheBlocks)
	assert.Equal(t, "warn", cfg.LogLevel)

	assert.Equal(t, cfg.Package, cfg.PackageSource())
}

func TestLoadPackageBaseEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
package: https://updates.example.com/2023/UniversalMac_13.5_22G74_Restore.ipsw
package_base: https://ignored.example.com
`), 0o644))

	t.Setenv(PackageBaseEnv, "/srv/ipsw")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/ipsw", cfg.PackageBase)
	assert.Equal(t, "/srv/ipsw/UniversalMac_13.5_22G74_Restore.ipsw", cfg.PackageSource())
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
