package stub

import (
	"fmt"
	"sort"

	"howett.net/plist"

	"github.com/sigreer/stubos/internal/sysinfo"
)

const (
	restoreBehaviorErase = "Erase"
	variantCustomer      = "macOS Customer"
)

// manifest entries that are never copied into the restore bundle
var skippedAssets = map[string]bool{
	"BaseSystem":                       true,
	"OS":                               true,
	"Ap,SystemVolumeCanonicalMetadata": true,
}

// BuildManifest is a parsed BuildManifest.plist. The raw document is kept so
// it can be written back with only the identity list changed.
type BuildManifest struct {
	Identities []BuildIdentity

	raw    map[string]interface{}
	format int
}

type BuildIdentity struct {
	ApBoardID string                   `plist:"ApBoardID"`
	ApChipID  string                   `plist:"ApChipID"`
	Info      IdentityInfo             `plist:"Info"`
	Manifest  map[string]ManifestEntry `plist:"Manifest"`
}

type IdentityInfo struct {
	BuildNumber     string `plist:"BuildNumber"`
	DeviceClass     string `plist:"DeviceClass"`
	RestoreBehavior string `plist:"RestoreBehavior"`
	Variant         string `plist:"Variant"`
}

type ManifestEntry struct {
	Info struct {
		Path string `plist:"Path"`
	} `plist:"Info"`
}

// ParseManifest decodes a BuildManifest.plist in any plist format
func ParseManifest(data []byte) (*BuildManifest, error) {
	var typed struct {
		BuildIdentities []BuildIdentity `plist:"BuildIdentities"`
	}
	format, err := plist.Unmarshal(data, &typed)
	if err != nil {
		return nil, fmt.Errorf("failed to parse build manifest: %w", err)
	}

	var raw map[string]interface{}
	if _, err := plist.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse build manifest: %w", err)
	}
	if _, ok := raw["BuildIdentities"].([]interface{}); !ok {
		return nil, fmt.Errorf("build manifest has no BuildIdentities list")
	}

	return &BuildManifest{
		Identities: typed.BuildIdentities,
		raw:        raw,
		format:     format,
	}, nil
}

// Matches reports whether the identity is the customer erase install for dev
func (id *BuildIdentity) Matches(dev sysinfo.Identity) bool {
	return id.ApBoardID == dev.BoardIDString() &&
		id.ApChipID == dev.ChipIDString() &&
		id.Info.DeviceClass == dev.DeviceClass &&
		id.Info.RestoreBehavior == restoreBehaviorErase &&
		id.Info.Variant == variantCustomer
}

// SelectIdentity returns the index of the single identity matching dev
func (m *BuildManifest) SelectIdentity(dev sysinfo.Identity) (int, error) {
	found := -1
	for i := range m.Identities {
		if !m.Identities[i].Matches(dev) {
			continue
		}
		if found >= 0 {
			return -1, fmt.Errorf("%w: board %s, chip %s, class %s", ErrAmbiguousIdentity,
				dev.BoardIDString(), dev.ChipIDString(), dev.DeviceClass)
		}
		found = i
	}
	if found < 0 {
		return -1, fmt.Errorf("%w: board %s, chip %s, class %s", ErrDeviceMismatch,
			dev.BoardIDString(), dev.ChipIDString(), dev.DeviceClass)
	}
	return found, nil
}

// Trimmed encodes the manifest with only identity idx left, in the format it
// was read in
func (m *BuildManifest) Trimmed(idx int) ([]byte, error) {
	ids := m.raw["BuildIdentities"].([]interface{})
	if idx < 0 || idx >= len(ids) {
		return nil, fmt.Errorf("identity %d out of range", idx)
	}

	out := make(map[string]interface{}, len(m.raw))
	for k, v := range m.raw {
		out[k] = v
	}
	out["BuildIdentities"] = []interface{}{ids[idx]}

	return encodePlist(out, m.format)
}

// AssetPaths returns every distinct file the identity references, except the
// OS images, in manifest key order
func (id *BuildIdentity) AssetPaths() []string {
	keys := make([]string, 0, len(id.Manifest))
	for k := range id.Manifest {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seen := make(map[string]bool)
	var paths []string
	for _, k := range keys {
		if skippedAssets[k] {
			continue
		}
		p := id.Manifest[k].Info.Path
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	return paths
}

// BaseSystemPath returns the package path of the recovery base system image
func (id *BuildIdentity) BaseSystemPath() (string, error) {
	e, ok := id.Manifest["BaseSystem"]
	if !ok || e.Info.Path == "" {
		return "", fmt.Errorf("build identity %s has no BaseSystem image", id.Info.BuildNumber)
	}
	return e.Info.Path, nil
}

type bootcaches struct {
	Bless2 struct {
		RestoreBundlePath string `plist:"RestoreBundlePath"`
	} `plist:"bless2"`
}

func parseBootcaches(data []byte) (*bootcaches, error) {
	var bc bootcaches
	if _, err := plist.Unmarshal(data, &bc); err != nil {
		return nil, fmt.Errorf("failed to parse bootcaches.plist: %w", err)
	}
	if bc.Bless2.RestoreBundlePath == "" {
		return nil, fmt.Errorf("bootcaches.plist has no bless2 RestoreBundlePath")
	}
	return &bc, nil
}

func decodeDict(data []byte) (map[string]interface{}, int, error) {
	var d map[string]interface{}
	format, err := plist.Unmarshal(data, &d)
	if err != nil {
		return nil, 0, err
	}
	return d, format, nil
}

func encodePlist(v interface{}, format int) ([]byte, error) {
	if format == plist.XMLFormat {
		return plist.MarshalIndent(v, format, "\t")
	}
	return plist.Marshal(v, format)
}
