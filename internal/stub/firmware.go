package stub

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/sigreer/stubos/internal/firmware"
)

const wifiFirmwareDir = "usr/share/firmware/wifi"

// CollectFirmware mounts the installed base system image and hands its WiFi
// firmware to sink. The image is always detached again.
func (i *Installer) CollectFirmware(sink FirmwareSink) (err error) {
	if err := i.expect(StateFilesInstalled); err != nil {
		return err
	}
	logrus.Info("StubInstaller.CollectFirmware()")
	i.printf("Collecting firmware...\n")

	img := filepath.Join(i.osi.Recovery, i.osi.VGID, baseSystemDir, baseSystemImage)
	mountpoint, err := os.MkdirTemp("", "stubos-basesystem-")
	if err != nil {
		return err
	}
	defer os.Remove(mountpoint)

	logrus.Infof("Mounting %s at %s", img, mountpoint)
	if _, err := i.opts.Run("hdiutil", "attach", "-quiet", "-readonly", "-mountpoint", mountpoint, img); err != nil {
		return fmt.Errorf("failed to mount base system image: %w", err)
	}
	defer func() {
		logrus.Infof("Detaching %s", mountpoint)
		if _, derr := i.opts.Run("hdiutil", "detach", mountpoint); derr != nil {
			logrus.Warnf("Failed to detach %s: %v", mountpoint, derr)
			if err == nil {
				err = fmt.Errorf("failed to detach base system image: %w", derr)
			}
		}
	}()

	col, err := firmware.NewWiFiCollection(filepath.Join(mountpoint, wifiFirmwareDir))
	if err != nil {
		return err
	}
	files := col.Files()
	logrus.Infof("Collected %d WiFi firmware files", len(files))
	if err := sink.AddFiles(files); err != nil {
		return err
	}

	i.advance(StateFirmwareCollected, fmt.Sprintf("%d files", len(files)))
	return nil
}
