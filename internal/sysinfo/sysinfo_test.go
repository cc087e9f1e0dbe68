package sysinfo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/stubos/internal/config"
)

// target-type "J314s\0"
const platformPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<array>
	<dict>
		<key>IOObjectClass</key>
		<string>IOPlatformExpertDevice</string>
		<key>target-type</key>
		<data>SjMxNHMA</data>
	</dict>
</array>
</plist>
`

// board-id 0x22, chip-id 0x6000, little-endian
const chosenPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<array>
	<dict>
		<key>IORegistryEntryName</key>
		<string>chosen</string>
		<key>board-id</key>
		<data>IgAAAA==</data>
		<key>chip-id</key>
		<data>AGAAAA==</data>
	</dict>
</array>
</plist>
`

func fakeIoreg(calls *int) func(string, ...string) ([]byte, error) {
	return func(name string, args ...string) ([]byte, error) {
		*calls++
		if name != "ioreg" {
			return nil, errors.New("unexpected command " + name)
		}
		if strings.Contains(strings.Join(args, " "), "chosen") {
			return []byte(chosenPlist), nil
		}
		return []byte(platformPlist), nil
	}
}

func writeSFR(t *testing.T, root, slot, version string) {
	t.Helper()
	dir := filepath.Join(root, slot)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data := `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0"><dict><key>ProductVersion</key><string>` + version + `</string></dict></plist>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SystemVersion.plist"), []byte(data), 0o644))
}

func TestLoadFromSystem(t *testing.T) {
	root := t.TempDir()
	writeSFR(t, root, "current", "13.5")

	var calls int
	info, err := LoadWith(fakeIoreg(&calls), root, config.Device{})
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	assert.Equal(t, "j314sap", info.DeviceClass)
	assert.Equal(t, uint32(0x22), info.BoardID)
	assert.Equal(t, uint32(0x6000), info.ChipID)
	assert.Equal(t, "0x22", info.BoardIDString())
	assert.Equal(t, "0x6000", info.ChipIDString())
	assert.Equal(t, "13.5", info.SFRVersion())
	assert.Equal(t, "", info.FallbackSFRVersion())
}

func TestLoadFallbackSFR(t *testing.T) {
	root := t.TempDir()
	writeSFR(t, root, "current", "13.5")
	writeSFR(t, root, "fallback", "12.3")

	var calls int
	info, err := LoadWith(fakeIoreg(&calls), root, config.Device{})
	require.NoError(t, err)
	assert.Equal(t, "12.3", info.FallbackSFRVersion())
}

func TestLoadOverrides(t *testing.T) {
	var calls int
	info, err := LoadWith(fakeIoreg(&calls), t.TempDir(), config.Device{
		BoardID:            0x8,
		ChipID:             0x8103,
		DeviceClass:        "j293ap",
		SFRVersion:         "14.0",
		FallbackSFRVersion: "12.1",
	})
	require.NoError(t, err)

	// Nothing left to ask the system for
	assert.Equal(t, 0, calls)
	assert.Equal(t, "0x08", info.BoardIDString())
	assert.Equal(t, "0x8103", info.ChipIDString())
	assert.Equal(t, "j293ap", info.DeviceClass)
	assert.Equal(t, "14.0", info.SFRVersion())
	assert.Equal(t, "12.1", info.FallbackSFRVersion())
}

func TestLoadIoregFailure(t *testing.T) {
	_, err := LoadWith(func(string, ...string) ([]byte, error) {
		return nil, errors.New("ioreg failed")
	}, t.TempDir(), config.Device{})
	assert.Error(t, err)
}

func TestLeUint32(t *testing.T) {
	v, err := leUint32([]byte{0x03, 0x81, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x8103), v)

	_, err = leUint32([]byte{1})
	assert.Error(t, err)
}
