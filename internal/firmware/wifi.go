package firmware

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

// File is one firmware blob, named relative to the firmware package root
type File struct {
	Name string
	Data []byte
}

// wifiPrefix is where WiFi firmware lives inside the firmware package
const wifiPrefix = "brcm"

var wifiPatterns = []glob.Glob{
	glob.MustCompile("**.bin", '/'),
	glob.MustCompile("**.txt", '/'),
	glob.MustCompile("**.clmb", '/'),
	glob.MustCompile("**.txcb", '/'),
	glob.MustCompile("**.sig", '/'),
}

func isWiFiFirmware(rel string) bool {
	for _, g := range wifiPatterns {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// WiFiCollection holds the WiFi firmware found under one directory
type WiFiCollection struct {
	root  string
	files []File
}

// NewWiFiCollection walks root and loads every WiFi firmware file in it
func NewWiFiCollection(root string) (*WiFiCollection, error) {
	logrus.Infof("Collecting WiFi firmware from %s", root)

	c := &WiFiCollection{root: root}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !isWiFiFirmware(rel) {
			logrus.Debugf("  skipping %s", rel)
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		c.files = append(c.files, File{Name: path.Join(wifiPrefix, rel), Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect WiFi firmware: %w", err)
	}

	logrus.Infof("  %d WiFi firmware files", len(c.files))
	return c, nil
}

// Files returns the collected files sorted by name
func (c *WiFiCollection) Files() []File {
	files := append([]File(nil), c.files...)
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}
