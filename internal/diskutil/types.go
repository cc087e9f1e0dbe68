package diskutil

import "errors"

var (
	// ErrSystemDiskNotFound is returned when no internal disk starts with an
	// iSC container
	ErrSystemDiskNotFound = errors.New("could not find system disk")

	// ErrNotMounted is returned when a mount succeeded but no mount point
	// is reported
	ErrNotMounted = errors.New("volume has no mount point")
)

// FreeThreshold is the smallest gap between partitions reported as free space
const FreeThreshold = 16 * 1024 * 1024

// iscContent is the partition type of the first partition on a system disk
const iscContent = "Apple_APFS_ISC"

// DiskInfo is the subset of `diskutil info -plist` this tool reads
type DiskInfo struct {
	DeviceIdentifier            string
	Content                     string
	Size                        uint64
	PartitionMapPartitionOffset uint64
	APFSContainerReference      string
	APFSVolumeGroupID           string
	VirtualOrPhysical           string
	Internal                    bool
	MountPoint                  string
	VolumeName                  string
}

// `diskutil list -plist`
type diskList struct {
	AllDisksAndPartitions []wholeDisk
	WholeDisks            []string
}

type wholeDisk struct {
	DeviceIdentifier string
	Size             uint64
	Content          string
	Partitions       []listPartition
}

type listPartition struct {
	DeviceIdentifier string
	Content          string
	Size             uint64
}

// `diskutil apfs list -plist`
type apfsList struct {
	Containers []apfsContainer
}

type apfsContainer struct {
	ContainerReference      string
	DesignatedPhysicalStore string
	Volumes                 []apfsVolume
}

type apfsVolume struct {
	DeviceIdentifier string
	Name             string
	APFSVolumeUUID   string
	Roles            []string
}

// `diskutil apfs listVolumeGroups -plist`
type volumeGroupList struct {
	Containers []struct {
		VolumeGroups []volumeGroup
	}
}

type volumeGroup struct {
	APFSVolumeGroupUUID string
	Volumes             []groupVolume
}

type groupVolume struct {
	DeviceIdentifier string
	Role             string
}
