package osenum

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"howett.net/plist"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/bootpolicy"
)

// stubMarkerDir exists on the System volume of any complete install
const stubMarkerDir = "Library"

const coreServicesDir = "System/Library/CoreServices"

// versionPlists are tried in order; the first one present wins
var versionPlists = []string{"SystemVersion.plist", "SystemVersion-disabled.plist"}

// RecoveryVersions reports the installed system recoveryOS versions
type RecoveryVersions interface {
	SFRVersion() string
	FallbackSFRVersion() string
}

// Mounter mounts a volume and returns its mount point
type Mounter interface {
	Mount(device string) (string, error)
}

// PolicyReader queries the boot policy of a volume group
type PolicyReader interface {
	Query(vgid string) (*bootpolicy.Policy, error)
}

// Enumerator discovers and classifies the operating systems on partitions
type Enumerator struct {
	sys   RecoveryVersions
	dutil Mounter
	bp    PolicyReader
}

// New creates an enumerator
func New(sys RecoveryVersions, dutil Mounter, bp PolicyReader) *Enumerator {
	return &Enumerator{sys: sys, dutil: dutil, bp: bp}
}

// Collect replaces the OS list of every partition
func (e *Enumerator) Collect(parts []*apfs.Partition) error {
	logrus.Info("OSEnum.Collect()")
	for _, p := range parts {
		p.OS = nil
		if p.IsRecoveryContainer() {
			e.CollectRecovery(p)
			continue
		}
		if _, err := e.CollectPart(p); err != nil {
			return err
		}
	}
	return nil
}

// CollectRecovery records the system recoveryOS instances held by the
// recovery container. These records carry versions only, no mounts.
func (e *Enumerator) CollectRecovery(part *apfs.Partition) []*apfs.OSInfo {
	logrus.Infof("OSEnum.CollectRecovery(part=%s)", part.Name)
	part.OS = nil

	recs := part.Container.VolumesWithRoles(apfs.Roles(apfs.RoleRecovery))
	if len(recs) != 1 {
		logrus.Infof(" %d Recovery volumes, skipping", len(recs))
		return nil
	}

	sros := &apfs.OSInfo{
		Partition:    part,
		VGID:         apfs.PrimaryRecoveryVGID.String(),
		RecoveryVGID: recs[0].UUID,
		Version:      e.sys.SFRVersion(),
	}
	logrus.Infof(" Found SROS: %s", sros)
	part.OS = append(part.OS, sros)

	if ver := e.sys.FallbackSFRVersion(); ver != "" {
		fros := &apfs.OSInfo{
			Partition: part,
			VGID:      apfs.FallbackRecoveryVGID.String(),
			Version:   ver,
		}
		logrus.Infof(" Found FROS: %s", fros)
		part.OS = append(part.OS, fros)
	}

	return part.OS
}

// CollectPart classifies every volume group of a regular APFS container.
// Topology that does not look like an OS container yields an empty list;
// only failures while resolving an individual OS are returned as errors.
func (e *Enumerator) CollectPart(part *apfs.Partition) ([]*apfs.OSInfo, error) {
	logrus.Infof("OSEnum.CollectPart(part=%s)", part.Name)
	part.OS = nil

	ct := part.Container
	if ct == nil {
		return nil, nil
	}

	byRole := ct.ByRoles()
	byDevice := ct.ByDevice()

	volumes := make(map[apfs.Role]apfs.Volume)
	for _, role := range []apfs.Role{apfs.RolePreboot, apfs.RoleRecovery} {
		vols := byRole[apfs.Roles(role)]
		switch {
		case len(vols) == 0:
			logrus.Infof(" No %s volume", role)
			return nil, nil
		case len(vols) > 1:
			logrus.Infof("  Multiple %s volumes (%d)", role, len(vols))
			return nil, nil
		}
		volumes[role] = vols[0]
	}

	for _, vg := range ct.VolumeGroups {
		data := vg.MembersWithRole(apfs.RoleData)
		system := vg.MembersWithRole(apfs.RoleSystem)
		if len(data) != 1 || len(system) != 1 {
			logrus.Infof("  Weird VG %s: %d Data, %d System members", vg.UUID, len(data), len(system))
			continue
		}

		dataVol, okData := byDevice[data[0].DeviceIdentifier]
		sysVol, okSys := byDevice[system[0].DeviceIdentifier]
		if !okData || !okSys {
			logrus.Infof("  VG %s references volumes missing from the container", vg.UUID)
			continue
		}

		volumes[apfs.RoleData] = dataVol
		volumes[apfs.RoleSystem] = sysVol

		osi, err := e.CollectOS(part, volumes, vg.UUID)
		if err != nil {
			part.OS = nil
			return nil, err
		}
		logrus.Infof(" Found %s", osi)
		part.OS = append(part.OS, osi)
	}

	return part.OS, nil
}

// CollectOS mounts the volumes of one volume group and resolves what is
// installed there
func (e *Enumerator) CollectOS(part *apfs.Partition, volumes map[apfs.Role]apfs.Volume, vgid string) (*apfs.OSInfo, error) {
	log := logrus.WithFields(logrus.Fields{"part": part.Name, "vgid": vgid})
	log.Info("OSEnum.CollectOS()")

	mounts := make(map[apfs.Role]string)
	for _, role := range []apfs.Role{apfs.RolePreboot, apfs.RoleRecovery, apfs.RoleSystem} {
		dev := volumes[role].DeviceIdentifier
		mp, err := e.dutil.Mount(dev)
		if err != nil {
			return nil, fmt.Errorf("failed to mount %s volume %s of %s: %w", role, dev, vgid, err)
		}
		mounts[role] = mp
	}

	osi := &apfs.OSInfo{
		Partition:    part,
		VGID:         vgid,
		Label:        volumes[apfs.RoleSystem].Name,
		SysVolume:    volumes[apfs.RoleSystem].DeviceIdentifier,
		System:       mounts[apfs.RoleSystem],
		Preboot:      mounts[apfs.RolePreboot],
		Recovery:     mounts[apfs.RoleRecovery],
		RecoveryVGID: volumes[apfs.RoleRecovery].UUID,
	}

	// Data will fail to mount for FileVault-enabled OSes
	if mp, err := e.dutil.Mount(volumes[apfs.RoleData].DeviceIdentifier); err != nil {
		log.Infof("  Data volume not mounted: %v", err)
		osi.DataErr = err
	} else {
		osi.Data = mp
	}

	osi.Stub = !exists(filepath.Join(osi.System, stubMarkerDir))

	ver, err := readProductVersion(filepath.Join(osi.System, coreServicesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read version of %s: %w", vgid, err)
	}
	osi.Version = ver

	bp, err := e.bp.Query(vgid)
	if err != nil {
		log.Infof("  bputil failed: %v", err)
		return osi, nil
	}
	osi.BootPolicy = bp

	if !bp.HasCustomImage() {
		return osi, nil
	}
	if bp.NonSecureImageHash == nil {
		log.Warn("  custom image hash set without nsih, cannot locate kernel cache")
		return osi, nil
	}

	blv, err := bootpolicy.FindBootloaderVersion(osi.Preboot, vgid, *bp.NonSecureImageHash, *bp.CustomImageHash)
	if err != nil {
		return nil, err
	}
	if blv != "" {
		log.Infof("  m1n1 version found: %s", blv)
		osi.BootloaderVersion = blv
	}

	return osi, nil
}

type systemVersion struct {
	ProductVersion string `plist:"ProductVersion"`
}

// readProductVersion returns the ProductVersion of the first version plist
// present in dir, or "" if there is none
func readProductVersion(dir string) (string, error) {
	for _, name := range versionPlists {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", err
		}

		var sv systemVersion
		if _, err := plist.Unmarshal(data, &sv); err != nil {
			return "", fmt.Errorf("%s: %w", name, err)
		}
		return sv.ProductVersion, nil
	}
	return "", nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
