package stub

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/command"
	"github.com/sigreer/stubos/internal/pkgsource"
	"github.com/sigreer/stubos/internal/sysinfo"
)

// Options configures an Installer
type Options struct {
	// Version is the package's advertised version, e.g. "13.5 (22G74)"
	Version      string
	DefaultLabel string
	// ResourcesDir holds logo.icns and step2/Finish Installation.app
	ResourcesDir string
	Device       sysinfo.Identity

	// Output receives operator-facing progress; defaults to io.Discard
	Output  io.Writer
	Journal Journal

	// Run and SetXattr default to the real system
	Run      command.Runner
	SetXattr func(path, attr string, data []byte) error
}

// Installer drives a stub OS install onto one partition. Steps must be run
// in order; a failed step leaves the installer where it was and the disk
// possibly modified.
type Installer struct {
	opts   Options
	pkg    Package
	dutil  DiskUtility
	osenum Classifier
	out    io.Writer

	id             string
	state          State
	installVersion string

	part  *apfs.Partition
	label string
	osi   *apfs.OSInfo

	systemVersionPath string
	step2Script       string
	bootObjectPath    string
}

// Open opens the OS package at source and returns an installer in the
// Opened state
func Open(ctx context.Context, source string, pkgOpts pkgsource.Options, dutil DiskUtility, osenum Classifier, opts Options) (*Installer, *pkgsource.Package, error) {
	out := opts.Output
	if out == nil {
		out = io.Discard
	}
	if pkgsource.IsRemote(source) {
		fmt.Fprintln(out, "Downloading macOS OS package info...")
	} else {
		fmt.Fprintln(out, "Loading macOS OS package info...")
	}
	if pkgOpts.Progress == nil {
		pkgOpts.Progress = out
	}

	pkg, err := pkgsource.Open(ctx, source, pkgOpts)
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintln(out)
	return New(pkg, dutil, osenum, opts), pkg, nil
}

// New creates an installer over an already opened package
func New(pkg Package, dutil DiskUtility, osenum Classifier, opts Options) *Installer {
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.Run == nil {
		opts.Run = command.Run
	}
	if opts.SetXattr == nil {
		opts.SetXattr = func(path, attr string, data []byte) error {
			return unix.Setxattr(path, attr, data, 0)
		}
	}

	i := &Installer{
		opts:   opts,
		pkg:    pkg,
		dutil:  dutil,
		osenum: osenum,
		out:    opts.Output,
		id:     uuid.NewString(),
		state:  StateOpened,
	}
	if f := strings.Fields(opts.Version); len(f) > 0 {
		i.installVersion = f[0]
	}
	logrus.WithField("install", i.id).Infof("Stub installer opened, version %q", i.installVersion)
	i.record("opened", opts.Version)
	return i
}

// ID identifies this install attempt in the journal
func (i *Installer) ID() string { return i.id }

// State returns the last completed step
func (i *Installer) State() State { return i.state }

// InstallVersion is the OS version being installed
func (i *Installer) InstallVersion() string { return i.installVersion }

// Label is the name given to the target volumes
func (i *Installer) Label() string { return i.label }

// OS returns the verified target OS, nil before CheckVolume
func (i *Installer) OS() *apfs.OSInfo { return i.osi }

// Step2Script is the path of the rendered second-stage script
func (i *Installer) Step2Script() string { return i.step2Script }

// BootObjectPath is where the caller should place the boot object
func (i *Installer) BootObjectPath() string { return i.bootObjectPath }

// SystemVersionPath is the stub's SystemVersion.plist
func (i *Installer) SystemVersionPath() string { return i.systemVersionPath }

func (i *Installer) printf(format string, args ...interface{}) {
	fmt.Fprintf(i.out, format, args...)
}

func (i *Installer) flushProgress() {
	if f, ok := i.pkg.(progressFlusher); ok {
		f.FlushProgress()
	}
}

func (i *Installer) expect(allowed ...State) error {
	for _, s := range allowed {
		if i.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: currently %s", ErrInvalidState, i.state)
}

func (i *Installer) advance(s State, details string) {
	i.state = s
	i.record(s.String(), details)
}

func (i *Installer) record(step, details string) {
	if i.opts.Journal == nil {
		return
	}
	var partName, vgid string
	if i.part != nil {
		partName = i.part.Name
	}
	if i.osi != nil {
		vgid = i.osi.VGID
	}
	if err := i.opts.Journal.RecordInstallEvent(i.id, partName, vgid, step, details); err != nil {
		logrus.Warnf("Failed to journal install step %s: %v", step, err)
	}
}

// roles the installer creates, one volume each
var targetRoles = []apfs.Role{apfs.RolePreboot, apfs.RoleRecovery, apfs.RoleData, apfs.RoleSystem}

// PrepareVolume creates whatever System, Data, Preboot and Recovery volumes
// the partition's container is missing. An unroled volume is turned into the
// Data volume in place so its contents survive.
func (i *Installer) PrepareVolume(part *apfs.Partition) error {
	if err := i.expect(StateOpened); err != nil {
		return err
	}
	logrus.Infof("StubInstaller.PrepareVolume(part=%s)", part.Name)
	i.part = part

	ct := part.Container
	if ct == nil {
		return fmt.Errorf("partition %s has no APFS container", part.Name)
	}
	ref := ct.Reference

	i.printf("Preparing target volumes...\n")

	byRole := ct.ByRoles()
	for _, v := range ct.Volumes {
		logrus.Infof(" %s roles: %s", v.DeviceIdentifier, v.Roles)
	}
	for _, role := range targetRoles {
		if n := len(byRole[apfs.Roles(role)]); n > 1 {
			return fmt.Errorf("%w: %d %s volumes in %s", ErrAmbiguousVolumes, n, role, ref)
		}
	}

	i.label = part.Label
	if i.label == "" {
		i.label = i.opts.DefaultLabel
	}

	if len(byRole[apfs.Roles(apfs.RoleData)]) == 0 {
		if unroled := byRole[apfs.NoRoles]; len(unroled) > 0 {
			dev := unroled[0].DeviceIdentifier
			logrus.Infof(" Repurposing %s as the Data volume", dev)
			if err := i.dutil.ChangeVolumeRole(dev, apfs.RoleData); err != nil {
				return fmt.Errorf("failed to change role of %s: %w", dev, err)
			}
			if err := i.dutil.Rename(dev, i.label+" - Data"); err != nil {
				return fmt.Errorf("failed to rename %s: %w", dev, err)
			}
		} else {
			if err := i.dutil.AddVolume(ref, i.label, apfs.RoleData, ""); err != nil {
				return fmt.Errorf("failed to add Data volume: %w", err)
			}
		}
		if err := i.dutil.RefreshPart(part); err != nil {
			return err
		}
	} else {
		i.label = strings.TrimSuffix(i.label, " - Data")
	}

	data := part.Container.VolumesWithRoles(apfs.Roles(apfs.RoleData))
	if len(data) == 0 {
		return fmt.Errorf("%w in %s", ErrNoDataVolume, ref)
	}
	dataDev := data[0].DeviceIdentifier

	if len(byRole[apfs.Roles(apfs.RoleSystem)]) == 0 {
		if err := i.dutil.AddVolume(ref, i.label, apfs.RoleSystem, dataDev); err != nil {
			return fmt.Errorf("failed to add System volume: %w", err)
		}
	}
	if len(byRole[apfs.Roles(apfs.RolePreboot)]) == 0 {
		if err := i.dutil.AddVolume(ref, "Preboot", apfs.RolePreboot, ""); err != nil {
			return fmt.Errorf("failed to add Preboot volume: %w", err)
		}
	}
	if len(byRole[apfs.Roles(apfs.RoleRecovery)]) == 0 {
		if err := i.dutil.AddVolume(ref, "Recovery", apfs.RoleRecovery, ""); err != nil {
			return fmt.Errorf("failed to add Recovery volume: %w", err)
		}
	}

	if err := i.dutil.RefreshPart(part); err != nil {
		return err
	}

	i.advance(StateVolumesPrepared, i.label)
	return nil
}

// CheckVolume requires exactly one OS to resolve on the partition and makes
// it the install target. A nil part re-checks the prepared partition.
func (i *Installer) CheckVolume(part *apfs.Partition) error {
	if err := i.expect(StateOpened, StateVolumesPrepared); err != nil {
		return err
	}
	if part != nil {
		i.part = part
	}
	if i.part == nil {
		return fmt.Errorf("no partition to check")
	}
	logrus.Infof("StubInstaller.CheckVolume(part=%s)", i.part.Name)

	i.printf("Checking volumes...\n")
	oses, err := i.osenum.CollectPart(i.part)
	if err != nil {
		return err
	}

	switch len(oses) {
	case 0:
		return fmt.Errorf("%w: no OS found on %s", ErrNotReady, i.part.Name)
	case 1:
	default:
		return fmt.Errorf("%w: %d OSes found on %s", ErrConflictingInstall, len(oses), i.part.Name)
	}

	i.osi = oses[0]
	if i.label == "" {
		i.label = i.osi.Label
	}
	i.advance(StateVolumeVerified, i.osi.String())
	return nil
}
