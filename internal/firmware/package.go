package firmware

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// Package builds a tar archive of firmware files plus a checksum manifest
type Package struct {
	path   string
	f      *os.File
	tw     *tar.Writer
	hashes map[string]string
	size   uint64
}

// NewPackage creates the archive at path
func NewPackage(path string) (*Package, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create firmware package: %w", err)
	}
	return &Package{
		path:   path,
		f:      f,
		tw:     tar.NewWriter(f),
		hashes: make(map[string]string),
	}, nil
}

// Path returns the archive location
func (p *Package) Path() string {
	return p.path
}

// AddFile appends one file. Names already in the package are skipped.
func (p *Package) AddFile(file File) error {
	if _, ok := p.hashes[file.Name]; ok {
		logrus.Warnf("Duplicate firmware file %s, skipping", file.Name)
		return nil
	}

	hdr := &tar.Header{
		Name:    file.Name,
		Mode:    0o644,
		Size:    int64(len(file.Data)),
		ModTime: time.Unix(0, 0),
		Format:  tar.FormatPAX,
	}
	if err := p.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to add %s: %w", file.Name, err)
	}
	if _, err := p.tw.Write(file.Data); err != nil {
		return fmt.Errorf("failed to add %s: %w", file.Name, err)
	}

	sum := sha256.Sum256(file.Data)
	p.hashes[file.Name] = hex.EncodeToString(sum[:])
	p.size += uint64(len(file.Data))
	return nil
}

// AddFiles appends files in the given order
func (p *Package) AddFiles(files []File) error {
	for _, f := range files {
		if err := p.AddFile(f); err != nil {
			return err
		}
	}
	logrus.Infof("Firmware package: %d files, %s", len(p.hashes), humanize.IBytes(p.size))
	return nil
}

// Len returns the number of files in the package
func (p *Package) Len() int {
	return len(p.hashes)
}

// Manifest renders one "<name> <sha256>" line per file, sorted by name
func (p *Package) Manifest() string {
	names := make([]string, 0, len(p.hashes))
	for n := range p.hashes {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s %s\n", n, p.hashes[n])
	}
	return b.String()
}

// SaveManifest writes the manifest to path
func (p *Package) SaveManifest(path string) error {
	return os.WriteFile(path, []byte(p.Manifest()), 0o644)
}

// Close finishes the archive
func (p *Package) Close() error {
	if err := p.tw.Close(); err != nil {
		p.f.Close()
		return err
	}
	return p.f.Close()
}
