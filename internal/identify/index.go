package identify

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sigreer/stubos/internal/apfs"
)

// OSIndex holds one enumeration pass with lookup indexes over it
type OSIndex struct {
	OSes []*apfs.OSInfo

	// Reverse lookup indexes. Volume group ids are keyed in canonical
	// lower-case form.
	ByVGID      map[string]*apfs.OSInfo
	BySysVolume map[string]*apfs.OSInfo
	ByLabel     map[string][]*apfs.OSInfo
	ByPartition map[string][]*apfs.OSInfo
}

// NewOSIndex indexes the given records
func NewOSIndex(oses []*apfs.OSInfo) *OSIndex {
	idx := &OSIndex{
		OSes:        oses,
		ByVGID:      make(map[string]*apfs.OSInfo),
		BySysVolume: make(map[string]*apfs.OSInfo),
		ByLabel:     make(map[string][]*apfs.OSInfo),
		ByPartition: make(map[string][]*apfs.OSInfo),
	}

	for _, osi := range oses {
		// Recovery records share the sentinel vgid across partitions, so the
		// first one seen wins
		if key := vgidKey(osi.VGID); key != "" {
			if _, ok := idx.ByVGID[key]; !ok {
				idx.ByVGID[key] = osi
			}
		}
		if osi.SysVolume != "" {
			idx.BySysVolume[osi.SysVolume] = osi
		}
		if osi.Label != "" {
			idx.ByLabel[osi.Label] = append(idx.ByLabel[osi.Label], osi)
		}
		if osi.Partition != nil {
			name := osi.Partition.Name
			idx.ByPartition[name] = append(idx.ByPartition[name], osi)
		}
	}

	return idx
}

func vgidKey(s string) string {
	id, err := uuid.Parse(s)
	if err != nil {
		return strings.ToLower(s)
	}
	return id.String()
}

// Lookup finds an OS by volume group id, System volume device, label or
// partition name, in that order
func (idx *OSIndex) Lookup(query string) (*apfs.OSInfo, MatchedAs, error) {
	if osi, ok := idx.ByVGID[vgidKey(query)]; ok {
		return osi, MatchVGID, nil
	}

	dev := strings.TrimPrefix(query, "/dev/")
	if osi, ok := idx.BySysVolume[dev]; ok {
		return osi, MatchSysVolume, nil
	}

	lookups := []struct {
		index     map[string][]*apfs.OSInfo
		key       string
		matchedAs MatchedAs
	}{
		{idx.ByLabel, query, MatchLabel},
		{idx.ByPartition, dev, MatchPartition},
	}

	for _, lookup := range lookups {
		matches := lookup.index[lookup.key]
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], lookup.matchedAs, nil
		default:
			return nil, lookup.matchedAs, fmt.Errorf("%w: %d OSes with %s %q", ErrAmbiguous, len(matches), lookup.matchedAs, query)
		}
	}

	return nil, MatchUnknown, ErrNotFound
}

// Find wraps Lookup into a LookupResult
func (idx *OSIndex) Find(query string) (*LookupResult, error) {
	osi, matched, err := idx.Lookup(query)
	if err != nil {
		return nil, err
	}
	return &LookupResult{Query: query, MatchedAs: matched, OS: osi}, nil
}
