package bootpolicy

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sigreer/stubos/internal/command"
)

// bootloaderMarker precedes the NUL-terminated version string embedded in a
// custom boot image
var bootloaderMarker = []byte("##m1n1_ver##")

// kernelCacheDir is the location of kernel caches inside a boot directory
const kernelCacheDir = "System/Library/Caches/com.apple.kernelcaches"

// Reader queries boot policy through bputil
type Reader struct {
	run command.Runner
}

// NewReader creates a reader that runs the real bputil
func NewReader() *Reader {
	return &Reader{run: command.Run}
}

// NewReaderWithRunner creates a reader with a custom command runner
func NewReaderWithRunner(run command.Runner) *Reader {
	return &Reader{run: run}
}

// Query returns the boot policy of a volume group. An error means bputil
// could not be run or exited non-zero; callers decide whether that matters.
func (r *Reader) Query(vgid string) (*Policy, error) {
	if _, err := uuid.Parse(vgid); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVGID, vgid)
	}

	out, err := r.run("bputil", "-d", "-v", vgid)
	if err != nil {
		return nil, err
	}

	bp := Parse(out)
	logrus.WithFields(logrus.Fields{
		"vgid": vgid,
		"coih": deref(bp.CustomImageHash),
		"nsih": deref(bp.NonSecureImageHash),
	}).Debug("boot policy parsed")
	return bp, nil
}

// KernelCachePath returns where the custom kernel cache for a boot policy
// lives on the Preboot volume
func KernelCachePath(preboot, vgid, nsih, coih string) string {
	return filepath.Join(preboot, vgid, "boot", nsih, kernelCacheDir, "kernelcache.custom."+coih)
}

// FindBootloaderVersion returns the secondary bootloader version embedded in
// the custom kernel cache, or "" if the file or the marker is missing
func FindBootloaderVersion(preboot, vgid, nsih, coih string) (string, error) {
	path := KernelCachePath(preboot, vgid, nsih, coih)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logrus.Debugf("custom kernel cache %s not found", path)
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read custom kernel cache: %w", err)
	}

	ver, _ := ScanMarker(data)
	return ver, nil
}

// ScanMarker finds the bootloader version marker in a blob and returns the
// ASCII value following it up to the first NUL
func ScanMarker(blob []byte) (string, bool) {
	i := bytes.Index(blob, bootloaderMarker)
	if i < 0 {
		return "", false
	}
	rest := blob[i+len(bootloaderMarker):]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	return string(rest), true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
