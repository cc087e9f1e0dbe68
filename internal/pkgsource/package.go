package pkgsource

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// ErrNotInPackage is returned for paths the package does not contain
var ErrNotInPackage = errors.New("not found in package")

// Options configures how a package is opened
type Options struct {
	// CacheBlocks bounds the block cache of remote packages
	CacheBlocks int
	// Progress receives download progress lines; nil disables them
	Progress io.Writer
}

// Package is a path-addressable OS package archive
type Package struct {
	source string
	zr     *zip.Reader
	files  map[string]*zip.File
	closer io.Closer
	remote *remoteFile

	progress     io.Writer
	lastReported int64
}

// IsRemote reports whether source is fetched over HTTP
func IsRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Rebase replaces everything but the file name of source with base
func Rebase(source, base string) string {
	if base == "" {
		return source
	}
	return strings.TrimSuffix(base, "/") + "/" + path.Base(source)
}

// Open opens a package from a local path or an HTTP(S) URL
func Open(ctx context.Context, source string, opts Options) (*Package, error) {
	logrus.Infof("Package source: %s", source)

	p := &Package{source: source, progress: opts.Progress}

	if IsRemote(source) {
		rf, err := openRemote(ctx, source, opts.CacheBlocks)
		if err != nil {
			return nil, err
		}
		zr, err := zip.NewReader(rf, rf.size)
		if err != nil {
			return nil, fmt.Errorf("failed to read package %s: %w", source, err)
		}
		p.zr, p.remote = zr, rf
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("failed to open package: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		zr, err := zip.NewReader(f, st.Size())
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to read package %s: %w", source, err)
		}
		p.zr, p.closer = zr, f
	}

	p.files = make(map[string]*zip.File, len(p.zr.File))
	for _, f := range p.zr.File {
		p.files[f.Name] = f
	}

	p.FlushProgress()
	logrus.Infof("Package opened: %d entries", len(p.files))
	return p, nil
}

// Close releases the underlying file
func (p *Package) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}

// Source returns the path or URL the package was opened from
func (p *Package) Source() string {
	return p.source
}

// FlushProgress reports how much has been downloaded since the last call
func (p *Package) FlushProgress() {
	if p.remote == nil {
		return
	}
	fetched := p.remote.fetched.Load()
	if fetched == p.lastReported {
		return
	}
	p.lastReported = fetched

	stats := p.remote.blocks.Stats()
	logrus.WithFields(logrus.Fields{
		"fetched":   fetched,
		"hits":      stats.Hits,
		"misses":    stats.Misses,
		"evictions": stats.Evictions,
	}).Debug("Package block cache")

	if p.progress != nil {
		fmt.Fprintf(p.progress, "  Downloaded %s of %s\n",
			humanize.IBytes(uint64(fetched)), humanize.IBytes(uint64(p.remote.size)))
	}
}

func (p *Package) lookup(name string) (*zip.File, error) {
	f, ok := p.files[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInPackage, name)
	}
	return f, nil
}

// Open returns a reader for one file of the package
func (p *Package) Open(name string) (io.ReadCloser, error) {
	f, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	return f.Open()
}

// ReadFile returns the contents of one file of the package
func (p *Package) ReadFile(name string) ([]byte, error) {
	rc, err := p.Open(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Extract writes name into destDir at its path within the package
func (p *Package) Extract(name, destDir string) error {
	dest, err := safeJoin(destDir, name)
	if err != nil {
		return err
	}
	return p.ExtractFile(name, dest)
}

// ExtractFile writes name to destFile
func (p *Package) ExtractFile(name, destFile string) error {
	f, err := p.lookup(name)
	if err != nil {
		return err
	}
	logrus.Debugf("  Extracting %s -> %s", name, destFile)
	return extractEntry(f, destFile)
}

// ExtractTree writes every file below prefix into destDir, keeping the
// relative layout. Directories are created as files need them.
func (p *Package) ExtractTree(prefix, destDir string) error {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	logrus.Infof("  Extracting tree %s -> %s", prefix, destDir)

	names := p.ListTree(prefix)
	if len(names) == 0 {
		return fmt.Errorf("%w: %s", ErrNotInPackage, prefix)
	}

	for _, name := range names {
		f := p.files[name]
		dest, err := safeJoin(destDir, strings.TrimPrefix(name, prefix))
		if err != nil {
			return err
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			err = extractSymlink(f, dest)
		} else {
			err = extractEntry(f, dest)
		}
		if err != nil {
			return err
		}
	}

	p.FlushProgress()
	return nil
}

// ListTree returns the files below prefix, sorted
func (p *Package) ListTree(prefix string) []string {
	var names []string
	for name, f := range p.files {
		if strings.HasPrefix(name, prefix) && !f.Mode().IsDir() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func safeJoin(dir, sub string) (string, error) {
	local := filepath.FromSlash(strings.TrimSuffix(sub, "/"))
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("package entry %q escapes %s", sub, dir)
	}
	return filepath.Join(dir, local), nil
}

func extractEntry(f *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return dst.Close()
}

func extractSymlink(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	target, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	if _, err := os.Lstat(dest); err == nil {
		if err := os.Remove(dest); err != nil {
			return err
		}
	}
	return os.Symlink(string(target), dest)
}
