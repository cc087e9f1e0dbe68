package stub

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-version"
	"github.com/sirupsen/logrus"

	"github.com/sigreer/stubos/internal/apfs"
	"github.com/sigreer/stubos/internal/templates"
)

const (
	coreServicesDir   = "System/Library/CoreServices"
	adminUsersPath    = "var/db/AdminUserRecoveryInfo.plist"
	baseSystemDir     = "usr/standalone/firmware"
	baseSystemImage   = "arm64eBaseSystem.dmg"
	finishAppName     = "Finish Installation.app"
	finderInfoXattr   = "com.apple.FinderInfo"
	bootcachesPkgPath = "usr/standalone/bootcaches.plist"
)

// finderInfo sets the custom icon flag
var finderInfo = func() []byte {
	b := make([]byte, 32)
	b[8] = 0x04
	return b
}()

// Bootability code before 12.0 looks for the restore bundle on the System
// volume. Both the installed OS and the one running the install may carry it.
var restoreBundleLinkBefore = version.Must(version.NewVersion("12.0"))

func legacyBootability(v string) bool {
	if v == "" {
		return true
	}
	parsed, err := version.NewVersion(v)
	if err != nil {
		return true
	}
	return parsed.LessThan(restoreBundleLinkBefore)
}

func needsRestoreBundleLink(installed, booted string) bool {
	return legacyBootability(installed) || legacyBootability(booted)
}

// InstallFiles populates the verified target with a stub OS for this
// machine. cur is the running OS, whose admin recovery info is copied.
func (i *Installer) InstallFiles(cur *apfs.OSInfo) error {
	if err := i.expect(StateVolumeVerified); err != nil {
		return err
	}
	if cur == nil || cur.Preboot == "" {
		return fmt.Errorf("the running OS has no mounted Preboot volume")
	}
	osi := i.osi
	if osi.Data == "" {
		return fmt.Errorf("%w: %v", ErrDataNotMounted, osi.DataErr)
	}

	log := logrus.WithFields(logrus.Fields{"part": i.part.Name, "vgid": osi.VGID})
	log.Info("StubInstaller.InstallFiles()")
	log.Infof("OS info: %s", osi)

	i.printf("Beginning stub OS install...\n")

	log.Info("Parsing metadata...")
	data, err := i.pkg.ReadFile("SystemVersion.plist")
	if err != nil {
		return err
	}
	sysver, sysverFormat, err := decodeDict(data)
	if err != nil {
		return fmt.Errorf("failed to parse SystemVersion.plist: %w", err)
	}

	data, err = i.pkg.ReadFile("BuildManifest.plist")
	if err != nil {
		return err
	}
	manifest, err := ParseManifest(data)
	if err != nil {
		return err
	}

	data, err = i.pkg.ReadFile(bootcachesPkgPath)
	if err != nil {
		return err
	}
	bc, err := parseBootcaches(data)
	if err != nil {
		return err
	}
	i.flushProgress()

	idx, err := manifest.SelectIdentity(i.opts.Device)
	if err != nil {
		return err
	}
	identity := &manifest.Identities[idx]
	log.Infof("Using OS build %s for %s", identity.Info.BuildNumber, i.opts.Device.DeviceClass)

	trimmed, err := manifest.Trimmed(idx)
	if err != nil {
		return err
	}

	uvv, ok := sysver["ProductUserVisibleVersion"].(string)
	if !ok {
		return fmt.Errorf("SystemVersion.plist has no ProductUserVisibleVersion")
	}
	sysver["ProductUserVisibleVersion"] = uvv + " (stub)"
	pkgVersion, _ := sysver["ProductVersion"].(string)

	cs, err := i.setupSystem()
	if err != nil {
		return err
	}
	if err := i.setupData(); err != nil {
		return err
	}
	if err := i.setupPreboot(identity, trimmed, bc.Bless2.RestoreBundlePath, pkgVersion, cur); err != nil {
		return err
	}
	if err := i.setupRecovery(identity); err != nil {
		return err
	}
	if err := i.wrapUp(cs, sysver, sysverFormat); err != nil {
		return err
	}

	i.advance(StateFilesInstalled, identity.Info.BuildNumber)
	return nil
}

func (i *Installer) setupSystem() (string, error) {
	osi := i.osi
	i.printf("Setting up System volume...\n")
	logrus.Info("Setting up System volume")

	if err := i.pkg.Extract(bootcachesPkgPath, osi.System); err != nil {
		return "", err
	}
	if err := copyFile(filepath.Join(i.opts.ResourcesDir, "logo.icns"), filepath.Join(osi.System, ".VolumeIcon.icns")); err != nil {
		return "", fmt.Errorf("failed to install volume icon: %w", err)
	}

	cs := filepath.Join(osi.System, coreServicesDir)
	if err := os.MkdirAll(cs, 0o755); err != nil {
		return "", err
	}
	if err := i.pkg.Extract("PlatformSupport.plist", cs); err != nil {
		return "", err
	}
	i.flushProgress()

	logrus.Infof("Setting %s on %s", finderInfoXattr, osi.System)
	if err := i.opts.SetXattr(osi.System, finderInfoXattr, finderInfo); err != nil {
		logrus.Warnf("Failed to set %s: %v", finderInfoXattr, err)
		i.printf("Failed to apply extended attributes, logo will not work.\n")
	}
	return cs, nil
}

func (i *Installer) setupData() error {
	i.printf("Setting up Data volume...\n")
	logrus.Info("Setting up Data volume")
	return os.MkdirAll(filepath.Join(i.osi.Data, "private/var/db/dslocal"), 0o755)
}

func (i *Installer) setupPreboot(identity *BuildIdentity, manifest []byte, restoreBundlePath, pkgVersion string, cur *apfs.OSInfo) error {
	osi := i.osi
	i.printf("Setting up Preboot volume...\n")
	logrus.Info("Setting up Preboot volume")

	pbVGID := filepath.Join(osi.Preboot, osi.VGID)
	restoreBundle := filepath.Join(pbVGID, restoreBundlePath)
	if err := os.MkdirAll(restoreBundle, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(restoreBundle, "BuildManifest.plist"), manifest, 0o644); err != nil {
		return err
	}
	for _, name := range []string{"SystemVersion.plist", "RestoreVersion.plist", bootcachesPkgPath} {
		if err := i.pkg.Extract(name, restoreBundle); err != nil {
			return err
		}
	}

	if err := i.pkg.ExtractTree("BootabilityBundle/Restore/Bootability", filepath.Join(restoreBundle, "Bootability")); err != nil {
		return err
	}
	if err := i.pkg.ExtractFile("BootabilityBundle/Restore/Firmware/Bootability.dmg.trustcache",
		filepath.Join(restoreBundle, "Bootability/Bootability.trustcache")); err != nil {
		return err
	}
	if err := i.pkg.ExtractTree("Firmware/Manifests/restore/macOS Customer/", restoreBundle); err != nil {
		return err
	}

	for _, p := range identity.AssetPaths() {
		if err := i.pkg.Extract(p, restoreBundle); err != nil {
			return err
		}
	}
	i.flushProgress()

	if err := os.MkdirAll(filepath.Join(pbVGID, "var/db"), 0o755); err != nil {
		return err
	}
	adminUsers := filepath.Join(cur.Preboot, cur.VGID, adminUsersPath)
	tgAdminUsers := filepath.Join(pbVGID, adminUsersPath)

	if _, err := os.Lstat(tgAdminUsers); err == nil {
		if err := i.chflags("noschg", tgAdminUsers); err != nil {
			return err
		}
	}
	if err := copyFile(adminUsers, tgAdminUsers); err != nil {
		return fmt.Errorf("failed to copy admin user recovery info: %w", err)
	}
	// Keep older bootability tooling from replacing it
	if err := i.chflags("schg", tgAdminUsers); err != nil {
		return err
	}

	if needsRestoreBundleLink(pkgVersion, cur.Version) {
		sysRestoreBundle := filepath.Join(osi.System, restoreBundlePath)
		logrus.Infof("Linking %s -> %s", sysRestoreBundle, restoreBundle)
		if _, err := os.Lstat(sysRestoreBundle); err == nil {
			if err := os.Remove(sysRestoreBundle); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(filepath.Dir(sysRestoreBundle), 0o755); err != nil {
			return err
		}
		if err := os.Symlink(restoreBundle, sysRestoreBundle); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) setupRecovery(identity *BuildIdentity) error {
	i.printf("Setting up Recovery volume...\n")
	logrus.Info("Setting up Recovery volume")

	src, err := identity.BaseSystemPath()
	if err != nil {
		return err
	}
	dir := filepath.Join(i.osi.Recovery, i.osi.VGID, baseSystemDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	logrus.Infof("Extracting %s", baseSystemImage)
	if err := i.pkg.ExtractFile(src, filepath.Join(dir, baseSystemImage)); err != nil {
		return err
	}
	i.flushProgress()
	return nil
}

func (i *Installer) wrapUp(cs string, sysver map[string]interface{}, format int) error {
	osi := i.osi
	i.printf("Wrapping up...\n")

	i.systemVersionPath = filepath.Join(cs, "SystemVersion.plist")
	logrus.Info("Writing SystemVersion.plist")
	data, err := encodePlist(sysver, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(i.systemVersionPath, data, 0o644); err != nil {
		return err
	}

	logrus.Infof("Copying %s", finishAppName)
	app := filepath.Join(osi.System, finishAppName)
	if err := os.CopyFS(app, os.DirFS(filepath.Join(i.opts.ResourcesDir, "step2", finishAppName))); err != nil {
		return fmt.Errorf("failed to copy %s: %w", finishAppName, err)
	}

	logrus.Info("Writing step2.sh")
	step2, err := templates.Step2(osi.VGID)
	if err != nil {
		return err
	}
	resources := filepath.Join(app, "Contents/Resources")
	if err := os.MkdirAll(resources, 0o755); err != nil {
		return err
	}
	i.step2Script = filepath.Join(resources, "step2.sh")
	if err := os.WriteFile(i.step2Script, step2, 0o755); err != nil {
		return err
	}
	if err := os.Chmod(i.step2Script, 0o755); err != nil {
		return err
	}
	i.bootObjectPath = filepath.Join(resources, "boot.bin")

	logrus.Info("Writing .IAPhysicalMedia")
	media, err := templates.PhysicalMedia()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(osi.System, ".IAPhysicalMedia"), media, 0o644); err != nil {
		return err
	}

	i.printf("Stub OS installation complete.\n\n")
	logrus.Info("Stub OS installed")
	return nil
}

func (i *Installer) chflags(flags, path string) error {
	logrus.Infof("chflags %s %s", flags, path)
	if _, err := i.opts.Run("chflags", flags, path); err != nil {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%s is not writable: %w", dst, err)
	}
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
