package osenum

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/bootpolicy"
)

const (
	vgidA = "5C4E2E2A-3B7E-4F47-8E8B-2A1B0E3C4D5F"
	vgidB = "9A1D0C3E-8F2B-4E6A-B7C5-1D2E3F4A5B6C"
)

type fakeSys struct {
	sfr, fsfr string
}

func (f fakeSys) SFRVersion() string         { return f.sfr }
func (f fakeSys) FallbackSFRVersion() string { return f.fsfr }

// fakeMounter mounts every device at root/<device>
type fakeMounter struct {
	root    string
	fail    map[string]error
	mounted []string
}

func (m *fakeMounter) Mount(device string) (string, error) {
	if err, ok := m.fail[device]; ok {
		return "", err
	}
	m.mounted = append(m.mounted, device)
	mp := filepath.Join(m.root, device)
	if err := os.MkdirAll(mp, 0o755); err != nil {
		return "", err
	}
	return mp, nil
}

type fakePolicy struct {
	policies map[string]*bootpolicy.Policy
	err      error
}

func (f *fakePolicy) Query(vgid string) (*bootpolicy.Policy, error) {
	if f.err != nil {
		return nil, f.err
	}
	if bp, ok := f.policies[vgid]; ok {
		return bp, nil
	}
	return &bootpolicy.Policy{}, nil
}

func vol(dev, name string, roles ...apfs.Role) apfs.Volume {
	return apfs.Volume{DeviceIdentifier: dev, Name: name, UUID: "UUID-" + dev, Roles: apfs.Roles(roles...)}
}

func group(id string, members ...apfs.GroupMember) apfs.VolumeGroup {
	return apfs.VolumeGroup{UUID: id, Members: members}
}

func member(dev string, role apfs.Role) apfs.GroupMember {
	return apfs.GroupMember{DeviceIdentifier: dev, Role: role}
}

// osContainer is a container with one complete OS volume group
func osContainer() *apfs.Container {
	return &apfs.Container{
		Reference: "disk3",
		Volumes: []apfs.Volume{
			vol("disk3s1", "Macintosh HD", apfs.RoleSystem),
			vol("disk3s2", "Macintosh HD - Data", apfs.RoleData),
			vol("disk3s3", "Preboot", apfs.RolePreboot),
			vol("disk3s4", "Recovery", apfs.RoleRecovery),
			vol("disk3s5", "VM", apfs.RoleVM),
		},
		VolumeGroups: []apfs.VolumeGroup{
			group(vgidA, member("disk3s1", apfs.RoleSystem), member("disk3s2", apfs.RoleData)),
		},
	}
}

func writeVersion(t *testing.T, system, name, version string) {
	t.Helper()
	dir := filepath.Join(system, coreServicesDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>ProductName</key>
	<string>macOS</string>
	<key>ProductVersion</key>
	<string>%s</string>
</dict>
</plist>
`, version)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644))
}

func newTestEnum(t *testing.T) (*Enumerator, *fakeMounter, *fakePolicy) {
	m := &fakeMounter{root: t.TempDir(), fail: map[string]error{}}
	bp := &fakePolicy{policies: map[string]*bootpolicy.Policy{}}
	return New(fakeSys{sfr: "13.5"}, m, bp), m, bp
}

func TestCollectPartFullInstall(t *testing.T) {
	e, m, _ := newTestEnum(t)
	require.NoError(t, os.MkdirAll(filepath.Join(m.root, "disk3s1", "Library"), 0o755))
	writeVersion(t, filepath.Join(m.root, "disk3s1"), "SystemVersion.plist", "14.1")

	part := &apfs.Partition{Name: "disk0s2", Container: osContainer()}
	oses, err := e.CollectPart(part)
	require.NoError(t, err)
	require.Len(t, oses, 1)

	osi := oses[0]
	assert.Same(t, part, osi.Partition)
	assert.Equal(t, vgidA, osi.VGID)
	assert.Equal(t, "Macintosh HD", osi.Label)
	assert.Equal(t, "disk3s1", osi.SysVolume)
	assert.False(t, osi.Stub)
	assert.Equal(t, "14.1", osi.Version)
	assert.Equal(t, "UUID-disk3s4", osi.RecoveryVGID)
	assert.Equal(t, filepath.Join(m.root, "disk3s2"), osi.Data)
	assert.NotNil(t, osi.BootPolicy)
	assert.Equal(t, apfs.KindFull, osi.Kind())
	assert.Equal(t, oses, part.OS)
}

func TestCollectPartStubWithDisabledVersion(t *testing.T) {
	e, m, _ := newTestEnum(t)
	writeVersion(t, filepath.Join(m.root, "disk3s1"), "SystemVersion-disabled.plist", "12.3")

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	require.Len(t, oses, 1)
	assert.True(t, oses[0].Stub)
	assert.Equal(t, "12.3", oses[0].Version)
}

func TestCollectPartVersionPrefersFirst(t *testing.T) {
	e, m, _ := newTestEnum(t)
	sys := filepath.Join(m.root, "disk3s1")
	writeVersion(t, sys, "SystemVersion.plist", "14.1")
	writeVersion(t, sys, "SystemVersion-disabled.plist", "12.3")

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	assert.Equal(t, "14.1", oses[0].Version)
}

func TestCollectPartNoVersion(t *testing.T) {
	e, _, _ := newTestEnum(t)
	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	require.Len(t, oses, 1)
	assert.Equal(t, "", oses[0].Version)
}

func TestCollectPartNoContainer(t *testing.T) {
	e, _, _ := newTestEnum(t)
	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s3"})
	require.NoError(t, err)
	assert.Empty(t, oses)
}

func TestCollectPartWrongPrebootRecoveryCount(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ct *apfs.Container)
	}{
		{"no preboot", func(ct *apfs.Container) {
			ct.Volumes = append(ct.Volumes[:2], ct.Volumes[3:]...)
		}},
		{"two preboot", func(ct *apfs.Container) {
			ct.Volumes = append(ct.Volumes, vol("disk3s9", "Preboot", apfs.RolePreboot))
		}},
		{"no recovery", func(ct *apfs.Container) {
			ct.Volumes = append(ct.Volumes[:3], ct.Volumes[4:]...)
		}},
		{"two recovery", func(ct *apfs.Container) {
			ct.Volumes = append(ct.Volumes, vol("disk3s9", "Recovery", apfs.RoleRecovery))
		}},
		{"recovery with extra role", func(ct *apfs.Container) {
			ct.Volumes[3].Roles = apfs.Roles(apfs.RoleRecovery, apfs.RoleUnknown)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, m, _ := newTestEnum(t)
			ct := osContainer()
			tt.mutate(ct)
			part := &apfs.Partition{Name: "disk0s2", Container: ct}
			oses, err := e.CollectPart(part)
			require.NoError(t, err)
			assert.Empty(t, oses)
			assert.Empty(t, part.OS)
			assert.Empty(t, m.mounted)
		})
	}
}

func TestCollectPartSkipsMalformedGroups(t *testing.T) {
	e, _, _ := newTestEnum(t)
	ct := osContainer()
	ct.Volumes = append(ct.Volumes,
		vol("disk3s6", "Other", apfs.RoleSystem),
		vol("disk3s7", "Other - Data", apfs.RoleData),
		vol("disk3s8", "Orphan", apfs.RoleSystem),
		vol("disk3s9", "Twin", apfs.RoleData),
		vol("disk3s10", "Twin 2", apfs.RoleData),
	)
	ct.VolumeGroups = []apfs.VolumeGroup{
		// System only
		group("11111111-1111-1111-1111-111111111111", member("disk3s8", apfs.RoleSystem)),
		group(vgidA, member("disk3s1", apfs.RoleSystem), member("disk3s2", apfs.RoleData)),
		// Two Data members
		group("22222222-2222-2222-2222-222222222222", member("disk3s9", apfs.RoleData), member("disk3s10", apfs.RoleData), member("disk3s8", apfs.RoleSystem)),
		group(vgidB, member("disk3s6", apfs.RoleSystem), member("disk3s7", apfs.RoleData)),
		// References a volume that does not exist
		group("33333333-3333-3333-3333-333333333333", member("disk3s99", apfs.RoleSystem), member("disk3s7", apfs.RoleData)),
	}

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: ct})
	require.NoError(t, err)
	require.Len(t, oses, 2)
	assert.Equal(t, vgidA, oses[0].VGID)
	assert.Equal(t, vgidB, oses[1].VGID)
	assert.Equal(t, "Other", oses[1].Label)
}

func TestCollectOSDataMountFailure(t *testing.T) {
	e, m, _ := newTestEnum(t)
	locked := errors.New("volume is locked")
	m.fail["disk3s2"] = locked

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	require.Len(t, oses, 1)
	assert.Equal(t, "", oses[0].Data)
	assert.ErrorIs(t, oses[0].DataErr, locked)
}

func TestCollectOSRequiredMountFailure(t *testing.T) {
	for _, dev := range []string{"disk3s1", "disk3s3", "disk3s4"} {
		t.Run(dev, func(t *testing.T) {
			e, m, _ := newTestEnum(t)
			m.fail[dev] = errors.New("mount failed")

			part := &apfs.Partition{Name: "disk0s2", Container: osContainer()}
			_, err := e.CollectPart(part)
			require.Error(t, err)
			assert.Contains(t, err.Error(), dev)
			assert.Contains(t, err.Error(), vgidA)
		})
	}
}

func TestCollectPartFailureClearsPartialResults(t *testing.T) {
	e, m, _ := newTestEnum(t)
	m.fail["disk3s6"] = errors.New("mount failed")

	ct := osContainer()
	ct.Volumes = append(ct.Volumes,
		vol("disk3s6", "Other", apfs.RoleSystem),
		vol("disk3s7", "Other - Data", apfs.RoleData),
	)
	ct.VolumeGroups = append(ct.VolumeGroups,
		group(vgidB, member("disk3s6", apfs.RoleSystem), member("disk3s7", apfs.RoleData)))

	part := &apfs.Partition{Name: "disk0s2", Container: ct}
	oses, err := e.CollectPart(part)
	require.Error(t, err)
	assert.Nil(t, oses)
	assert.Nil(t, part.OS)
}

func TestCollectOSBootPolicyFailure(t *testing.T) {
	e, _, bp := newTestEnum(t)
	bp.err = errors.New("bputil: exit status 1")

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	require.Len(t, oses, 1)
	assert.Nil(t, oses[0].BootPolicy)
}

func TestCollectOSBootloaderVersion(t *testing.T) {
	e, m, bp := newTestEnum(t)
	coih, nsih := "C0FFEE", "BEEF"
	bp.policies[vgidA] = &bootpolicy.Policy{CustomImageHash: &coih, NonSecureImageHash: &nsih}

	kc := bootpolicy.KernelCachePath(filepath.Join(m.root, "disk3s3"), vgidA, nsih, coih)
	require.NoError(t, os.MkdirAll(filepath.Dir(kc), 0o755))
	require.NoError(t, os.WriteFile(kc, []byte("xx##m1n1_ver##v1.4.11\x00yy"), 0o644))

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	require.Len(t, oses, 1)
	assert.Equal(t, "v1.4.11", oses[0].BootloaderVersion)
	assert.Equal(t, apfs.KindStubBootloader, oses[0].Kind())
}

func TestCollectOSCustomImageWithoutKernelCache(t *testing.T) {
	e, _, bp := newTestEnum(t)
	coih, nsih := "C0FFEE", "BEEF"
	bp.policies[vgidA] = &bootpolicy.Policy{CustomImageHash: &coih, NonSecureImageHash: &nsih}

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	assert.Equal(t, "", oses[0].BootloaderVersion)
	assert.Equal(t, apfs.KindStubUnknownAlternate, oses[0].Kind())
}

func TestCollectOSCustomImageWithoutNSIH(t *testing.T) {
	e, _, bp := newTestEnum(t)
	coih := "C0FFEE"
	bp.policies[vgidA] = &bootpolicy.Policy{CustomImageHash: &coih}

	oses, err := e.CollectPart(&apfs.Partition{Name: "disk0s2", Container: osContainer()})
	require.NoError(t, err)
	assert.Equal(t, "", oses[0].BootloaderVersion)
}

func recoveryContainer(recoveries int) *apfs.Container {
	ct := &apfs.Container{Reference: "disk2"}
	for i := 0; i < recoveries; i++ {
		ct.Volumes = append(ct.Volumes, vol(fmt.Sprintf("disk2s%d", i+1), "Recovery", apfs.RoleRecovery))
	}
	ct.Volumes = append(ct.Volumes, vol("disk2s9", "Update", apfs.RoleUpdate))
	return ct
}

func TestCollectRecovery(t *testing.T) {
	m := &fakeMounter{root: t.TempDir()}
	part := &apfs.Partition{Name: "disk0s3", Type: apfs.PartitionTypeRecovery, Container: recoveryContainer(1)}

	e := New(fakeSys{sfr: "13.5"}, m, &fakePolicy{})
	oses := e.CollectRecovery(part)
	require.Len(t, oses, 1)
	assert.Equal(t, apfs.KindPrimaryRecovery, oses[0].Kind())
	assert.Equal(t, "13.5", oses[0].Version)
	assert.Equal(t, "UUID-disk2s1", oses[0].RecoveryVGID)
	assert.Equal(t, "", oses[0].System)

	e = New(fakeSys{sfr: "13.5", fsfr: "12.3"}, m, &fakePolicy{})
	oses = e.CollectRecovery(part)
	require.Len(t, oses, 2)
	assert.Equal(t, apfs.KindPrimaryRecovery, oses[0].Kind())
	assert.Equal(t, apfs.KindFallbackRecovery, oses[1].Kind())
	assert.Equal(t, "12.3", oses[1].Version)
	assert.Empty(t, m.mounted)
}

func TestCollectRecoveryAmbiguous(t *testing.T) {
	e := New(fakeSys{sfr: "13.5", fsfr: "12.3"}, &fakeMounter{}, &fakePolicy{})
	for _, n := range []int{0, 2} {
		part := &apfs.Partition{Name: "disk0s3", Type: apfs.PartitionTypeRecovery, Container: recoveryContainer(n)}
		assert.Empty(t, e.CollectRecovery(part))
		assert.Empty(t, part.OS)
	}
}

func TestCollect(t *testing.T) {
	e, m, _ := newTestEnum(t)
	require.NoError(t, os.MkdirAll(filepath.Join(m.root, "disk3s1", "Library"), 0o755))

	stale := &apfs.OSInfo{VGID: "stale"}
	parts := []*apfs.Partition{
		{Name: "disk0s1", Type: "Apple_APFS_ISC", Container: &apfs.Container{}},
		{Name: "disk0s2", Type: "Apple_APFS", Container: osContainer(), OS: []*apfs.OSInfo{stale}},
		{Name: "disk0s3", Type: apfs.PartitionTypeRecovery, Container: recoveryContainer(1)},
		{Name: "disk0s4", Free: true},
	}

	require.NoError(t, e.Collect(parts))
	assert.Empty(t, parts[0].OS)
	require.Len(t, parts[1].OS, 1)
	assert.Equal(t, vgidA, parts[1].OS[0].VGID)
	require.Len(t, parts[2].OS, 1)
	assert.Equal(t, apfs.KindPrimaryRecovery, parts[2].OS[0].Kind())
	assert.Empty(t, parts[3].OS)
}
