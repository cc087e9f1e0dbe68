package sysinfo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/sigreer/stubos/internal/command"
	"github.com/sigreer/stubos/internal/config"
)

// DefaultSFRRoot holds the system recoveryOS version plists
const DefaultSFRRoot = "/System/Volumes/iSCPreboot/SFR"

// Identity identifies the hardware an OS build must match
type Identity struct {
	BoardID     uint32
	ChipID      uint32
	DeviceClass string
}

// BoardIDString formats the board id the way build manifests do
func (id Identity) BoardIDString() string {
	return fmt.Sprintf("0x%02X", id.BoardID)
}

// ChipIDString formats the chip id the way build manifests do
func (id Identity) ChipIDString() string {
	return fmt.Sprintf("0x%04X", id.ChipID)
}

// Info is what the installer needs to know about the running machine
type Info struct {
	Identity
	sfrVersion         string
	fallbackSFRVersion string
}

// SFRVersion is the version of the primary system recoveryOS
func (i *Info) SFRVersion() string {
	return i.sfrVersion
}

// FallbackSFRVersion is the version of the fallback system recoveryOS, or ""
// if there is none
func (i *Info) FallbackSFRVersion() string {
	return i.fallbackSFRVersion
}

// Load reads the machine's identity and recoveryOS versions. Values set in
// dev take precedence over what the system reports.
func Load(dev config.Device) (*Info, error) {
	return LoadWith(command.Run, DefaultSFRRoot, dev)
}

// LoadWith is Load with a custom command runner and SFR location
func LoadWith(run command.Runner, sfrRoot string, dev config.Device) (*Info, error) {
	logrus.Info("SysInfo.Load()")
	info := &Info{}

	if dev.BoardID == 0 || dev.ChipID == 0 || dev.DeviceClass == "" {
		id, err := readIdentity(run)
		if err != nil {
			return nil, err
		}
		info.Identity = id
	}
	if dev.BoardID != 0 {
		info.BoardID = dev.BoardID
	}
	if dev.ChipID != 0 {
		info.ChipID = dev.ChipID
	}
	if dev.DeviceClass != "" {
		info.DeviceClass = dev.DeviceClass
	}

	var err error
	info.sfrVersion = dev.SFRVersion
	if info.sfrVersion == "" {
		info.sfrVersion, err = readProductVersion(filepath.Join(sfrRoot, "current", "SystemVersion.plist"))
		if err != nil {
			return nil, err
		}
	}
	info.fallbackSFRVersion = dev.FallbackSFRVersion
	if info.fallbackSFRVersion == "" {
		info.fallbackSFRVersion, err = readProductVersion(filepath.Join(sfrRoot, "fallback", "SystemVersion.plist"))
		if err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"board_id":     info.BoardIDString(),
		"chip_id":      info.ChipIDString(),
		"device_class": info.DeviceClass,
		"sfr":          info.sfrVersion,
		"fallback_sfr": info.fallbackSFRVersion,
	}).Info("System info loaded")
	return info, nil
}

type platformNode struct {
	TargetType []byte `plist:"target-type"`
}

type chosenNode struct {
	BoardID []byte `plist:"board-id"`
	ChipID  []byte `plist:"chip-id"`
}

func readIdentity(run command.Runner) (Identity, error) {
	var id Identity

	out, err := run("ioreg", "-a", "-p", "IODeviceTree", "-r", "-c", "IOPlatformExpertDevice", "-d", "1")
	if err != nil {
		return id, err
	}
	var platform []platformNode
	if _, err := plist.Unmarshal(out, &platform); err != nil {
		return id, fmt.Errorf("failed to parse platform node: %w", err)
	}
	if len(platform) == 0 || len(platform[0].TargetType) == 0 {
		return id, errors.New("platform node has no target-type")
	}
	target := string(bytes.TrimRight(platform[0].TargetType, "\x00"))
	id.DeviceClass = strings.ToLower(target) + "ap"

	out, err = run("ioreg", "-a", "-p", "IODeviceTree", "-r", "-n", "chosen", "-d", "1")
	if err != nil {
		return id, err
	}
	var chosen []chosenNode
	if _, err := plist.Unmarshal(out, &chosen); err != nil {
		return id, fmt.Errorf("failed to parse chosen node: %w", err)
	}
	if len(chosen) == 0 {
		return id, errors.New("chosen node not found")
	}
	if id.BoardID, err = leUint32(chosen[0].BoardID); err != nil {
		return id, fmt.Errorf("board-id: %w", err)
	}
	if id.ChipID, err = leUint32(chosen[0].ChipID); err != nil {
		return id, fmt.Errorf("chip-id: %w", err)
	}
	return id, nil
}

func leUint32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("expected 4 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

type systemVersion struct {
	ProductVersion string `plist:"ProductVersion"`
}

func readProductVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.Debugf("%s not found", path)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var sv systemVersion
	if _, err := plist.Unmarshal(data, &sv); err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return sv.ProductVersion, nil
}
