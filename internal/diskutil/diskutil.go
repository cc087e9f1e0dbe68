package diskutil

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/command"
)

// DiskUtil wraps the diskutil command and caches the disk layout it reports
type DiskUtil struct {
	run command.Runner

	disks       []string
	diskParts   map[string]wholeDisk
	diskInfo    map[string]*DiskInfo
	ctnrByRef   map[string]*apfs.Container
	ctnrByStore map[string]*apfs.Container
}

// New creates a DiskUtil that runs the real diskutil
func New() *DiskUtil {
	return NewWithRunner(command.Run)
}

// NewWithRunner creates a DiskUtil with a custom command runner
func NewWithRunner(run command.Runner) *DiskUtil {
	return &DiskUtil{
		run:         run,
		diskParts:   make(map[string]wholeDisk),
		diskInfo:    make(map[string]*DiskInfo),
		ctnrByRef:   make(map[string]*apfs.Container),
		ctnrByStore: make(map[string]*apfs.Container),
	}
}

func (d *DiskUtil) action(args ...string) error {
	logrus.Debugf("diskutil action: %v", args)
	_, err := d.run("diskutil", args...)
	return err
}

func (d *DiskUtil) get(v interface{}, args ...string) error {
	out, err := d.run("diskutil", args...)
	if err != nil {
		return err
	}
	if _, err := plist.Unmarshal(out, v); err != nil {
		return fmt.Errorf("failed to parse diskutil %v output: %w", args, err)
	}
	return nil
}

// Refresh reloads the disk list, every APFS container and the whole-disk info
func (d *DiskUtil) Refresh() error {
	logrus.Info("DiskUtil.Refresh()")

	var list diskList
	if err := d.get(&list, "list", "-plist"); err != nil {
		return err
	}
	d.disks = list.WholeDisks
	d.diskParts = make(map[string]wholeDisk, len(list.AllDisksAndPartitions))
	for _, dsk := range list.AllDisksAndPartitions {
		d.diskParts[dsk.DeviceIdentifier] = dsk
	}

	d.ctnrByRef = make(map[string]*apfs.Container)
	d.ctnrByStore = make(map[string]*apfs.Container)
	if err := d.loadContainers(); err != nil {
		return err
	}

	d.diskInfo = make(map[string]*DiskInfo, len(d.disks))
	for _, name := range d.disks {
		info, err := d.Info(name)
		if err != nil {
			return err
		}
		d.diskInfo[name] = info
	}
	return nil
}

// loadContainers reads the APFS containers, all of them or only ref
func (d *DiskUtil) loadContainers(ref ...string) error {
	args := append([]string{"apfs", "list"}, ref...)
	args = append(args, "-plist")

	var list apfsList
	if err := d.get(&list, args...); err != nil {
		return err
	}

	for _, c := range list.Containers {
		var vgs volumeGroupList
		if err := d.get(&vgs, "apfs", "listVolumeGroups", c.ContainerReference, "-plist"); err != nil {
			return err
		}

		ct := &apfs.Container{
			Reference:     c.ContainerReference,
			PhysicalStore: c.DesignatedPhysicalStore,
		}
		for _, v := range c.Volumes {
			ct.Volumes = append(ct.Volumes, apfs.Volume{
				DeviceIdentifier: v.DeviceIdentifier,
				Name:             v.Name,
				UUID:             v.APFSVolumeUUID,
				Roles:            apfs.ParseRoles(v.Roles),
			})
		}
		if len(vgs.Containers) > 0 {
			for _, vg := range vgs.Containers[0].VolumeGroups {
				group := apfs.VolumeGroup{UUID: vg.APFSVolumeGroupUUID}
				for _, m := range vg.Volumes {
					group.Members = append(group.Members, apfs.GroupMember{
						DeviceIdentifier: m.DeviceIdentifier,
						Role:             apfs.ParseRole(m.Role),
					})
				}
				ct.VolumeGroups = append(ct.VolumeGroups, group)
			}
		}

		d.ctnrByRef[ct.Reference] = ct
		d.ctnrByStore[ct.PhysicalStore] = ct
	}
	return nil
}

// Info returns `diskutil info` for a device, volume or mount point
func (d *DiskUtil) Info(target string) (*DiskInfo, error) {
	var info DiskInfo
	if err := d.get(&info, "info", "-plist", target); err != nil {
		return nil, err
	}
	return &info, nil
}

// FindSystemDisk returns the internal physical disk whose first partition is
// the iSC container
func (d *DiskUtil) FindSystemDisk() (string, error) {
	logrus.Info("DiskUtil.FindSystemDisk()")
	for _, name := range d.disks {
		info, ok := d.diskInfo[name]
		if !ok || info.VirtualOrPhysical == "Virtual" || !info.Internal {
			continue
		}
		parts := d.diskParts[name].Partitions
		if len(parts) > 0 && parts[0].Content == iscContent {
			logrus.Infof("System disk: %s", name)
			return name, nil
		}
	}
	return "", ErrSystemDiskNotFound
}

// PartitionInfo describes one partition, with its APFS container attached
// when it has one
func (d *DiskUtil) PartitionInfo(dev string) (*apfs.Partition, error) {
	logrus.Infof("DiskUtil.PartitionInfo(%s)", dev)
	info, err := d.Info(dev)
	if err != nil {
		return nil, err
	}

	part := &apfs.Partition{
		Name:   info.DeviceIdentifier,
		Offset: info.PartitionMapPartitionOffset,
		Size:   info.Size,
		Type:   info.Content,
	}

	if ct, ok := d.ctnrByStore[part.Name]; ok {
		part.Container = ct
		part.Label = containerLabel(ct)
	} else {
		logrus.Debugf("%s doesn't have any volumes", part.Name)
	}
	return part, nil
}

// containerLabel names a container after its System volume, else its Data
// volume, else its first unroled volume
func containerLabel(ct *apfs.Container) string {
	for _, rs := range []apfs.RoleSet{apfs.Roles(apfs.RoleSystem), apfs.Roles(apfs.RoleData), apfs.NoRoles} {
		if vols := ct.VolumesWithRoles(rs); len(vols) > 0 {
			return vols[0].Name
		}
	}
	return ""
}

// Partitions lists the partitions of a disk in offset order, with gaps larger
// than FreeThreshold reported as free space named after the partition before
// them
func (d *DiskUtil) Partitions(disk string) ([]*apfs.Partition, error) {
	logrus.Infof("DiskUtil.Partitions(%s)", disk)
	dsk, ok := d.diskParts[disk]
	if !ok {
		return nil, fmt.Errorf("unknown disk %s", disk)
	}

	var parts []*apfs.Partition
	for _, p := range dsk.Partitions {
		part, err := d.PartitionInfo(p.DeviceIdentifier)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Offset < parts[j].Offset })

	var out []*apfs.Partition
	prev := disk
	var pos uint64
	for _, part := range parts {
		if part.Offset > pos && part.Offset-pos > FreeThreshold {
			out = append(out, freePartition(prev, pos, part.Offset-pos))
		}
		out = append(out, part)
		prev = part.Name
		pos = part.Offset + part.Size
	}
	if dsk.Size > pos && dsk.Size-pos > FreeThreshold {
		out = append(out, freePartition(prev, pos, dsk.Size-pos))
	}
	return out, nil
}

func freePartition(after string, offset, size uint64) *apfs.Partition {
	logrus.Debugf("  free space after %s: %s", after, humanize.IBytes(size))
	return &apfs.Partition{Name: after, Offset: offset, Size: size, Free: true}
}

// RefreshContainer reloads one container
func (d *DiskUtil) RefreshContainer(ref string) (*apfs.Container, error) {
	logrus.Infof("DiskUtil.RefreshContainer(%s)", ref)
	if err := d.loadContainers(ref); err != nil {
		return nil, err
	}
	ct, ok := d.ctnrByRef[ref]
	if !ok {
		return nil, fmt.Errorf("container %s not found", ref)
	}
	return ct, nil
}

// RefreshPart reloads the container of a partition in place
func (d *DiskUtil) RefreshPart(part *apfs.Partition) error {
	if part.Container == nil {
		return fmt.Errorf("partition %s has no container", part.Name)
	}
	if _, err := d.RefreshContainer(part.Container.Reference); err != nil {
		return err
	}
	ct, ok := d.ctnrByStore[part.Name]
	if !ok {
		return fmt.Errorf("no container on %s after refresh", part.Name)
	}
	part.Container = ct
	return nil
}

// Mount mounts a volume and returns its mount point
func (d *DiskUtil) Mount(dev string) (string, error) {
	if err := d.action("quiet", "mount", dev); err != nil {
		return "", err
	}
	info, err := d.Info(dev)
	if err != nil {
		return "", err
	}
	if info.MountPoint == "" {
		return "", fmt.Errorf("%w: %s", ErrNotMounted, dev)
	}
	return info.MountPoint, nil
}

// AddVolume creates a volume in a container. groupWith names the volume the
// new one shares a volume group with; empty means none.
func (d *DiskUtil) AddVolume(container, name string, role apfs.Role, groupWith string) error {
	logrus.WithFields(logrus.Fields{"container": container, "role": role, "group_with": groupWith}).Infof("Adding volume %q", name)
	args := []string{"quiet", "apfs", "addVolume", container, "apfs", name}
	if flag := role.Flag(); flag != "" {
		args = append(args, "-role", flag)
	}
	if groupWith != "" {
		args = append(args, "-groupWith", groupWith)
	}
	return d.action(args...)
}

// ChangeVolumeRole assigns a role to an existing volume
func (d *DiskUtil) ChangeVolumeRole(dev string, role apfs.Role) error {
	flag := role.Flag()
	if flag == "" {
		return fmt.Errorf("role %s cannot be assigned", role)
	}
	return d.action("quiet", "apfs", "changeVolumeRole", dev, flag)
}

// Rename renames a volume
func (d *DiskUtil) Rename(dev, name string) error {
	return d.action("quiet", "rename", dev, name)
}

// BootedVGID returns the volume group id of the running OS
func (d *DiskUtil) BootedVGID() (string, error) {
	info, err := d.Info("/")
	if err != nil {
		return "", err
	}
	if info.APFSVolumeGroupID == "" {
		return "", fmt.Errorf("booted volume reports no volume group")
	}
	return info.APFSVolumeGroupID, nil
}
