package stub

import (
	"errors"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/firmware"
)

var (
	// ErrInvalidState is returned when a step is run out of order
	ErrInvalidState = errors.New("installer is not in the right state for this step")

	// ErrAmbiguousVolumes is returned when more than one volume already
	// claims a role the installer would create
	ErrAmbiguousVolumes = errors.New("multiple volumes with the same role")

	// ErrNoDataVolume is returned when no Data volume exists after preparing
	// the container
	ErrNoDataVolume = errors.New("could not find Data volume")

	// ErrNotReady is returned when no OS resolves on the target
	ErrNotReady = errors.New("container is not ready for OS install")

	// ErrConflictingInstall is returned when more than one OS resolves on
	// the target
	ErrConflictingInstall = errors.New("container already holds more than one OS")

	// ErrDeviceMismatch is returned when no build identity in the package
	// matches this machine
	ErrDeviceMismatch = errors.New("failed to locate a usable build identity for this device")

	// ErrAmbiguousIdentity is returned when several build identities match
	ErrAmbiguousIdentity = errors.New("multiple build identities match this device")

	// ErrDataNotMounted is returned when the target Data volume has no
	// mount point
	ErrDataNotMounted = errors.New("target Data volume is not mounted")
)

// State is a step of the install
type State int

const (
	StateOpened State = iota
	StateVolumesPrepared
	StateVolumeVerified
	StateFilesInstalled
	StateFirmwareCollected
)

var stateNames = map[State]string{
	StateOpened:            "opened",
	StateVolumesPrepared:   "volumes_prepared",
	StateVolumeVerified:    "volume_verified",
	StateFilesInstalled:    "files_installed",
	StateFirmwareCollected: "firmware_collected",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Package is the OS package files are installed from
type Package interface {
	ReadFile(name string) ([]byte, error)
	Extract(name, destDir string) error
	ExtractFile(name, destFile string) error
	ExtractTree(prefix, destDir string) error
}

// DiskUtility creates and changes volumes in a container
type DiskUtility interface {
	AddVolume(container, name string, role apfs.Role, groupWith string) error
	ChangeVolumeRole(dev string, role apfs.Role) error
	Rename(dev, name string) error
	RefreshPart(part *apfs.Partition) error
}

// Classifier resolves the operating systems on a partition
type Classifier interface {
	CollectPart(part *apfs.Partition) ([]*apfs.OSInfo, error)
}

// FirmwareSink receives collected firmware
type FirmwareSink interface {
	AddFiles(files []firmware.File) error
}

// Journal records install progress
type Journal interface {
	RecordInstallEvent(installID, partition, vgid, step, details string) error
}

// progressFlusher is implemented by packages that report download progress
type progressFlusher interface {
	FlushProgress()
}
