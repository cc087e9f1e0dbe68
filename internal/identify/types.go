package identify

import (
	"errors"

	"github.com/sigreer/stubos/internal/apfs"
)

var (
	// ErrNotFound is returned when a query doesn't match any OS
	ErrNotFound = errors.New("OS not found")

	// ErrAmbiguous is returned when a label or partition holds several OSes
	ErrAmbiguous = errors.New("query matches more than one OS")
)

// MatchedAs describes what kind of identifier a query matched
type MatchedAs string

const (
	MatchVGID      MatchedAs = "vgid"
	MatchSysVolume MatchedAs = "sys_volume"
	MatchLabel     MatchedAs = "label"
	MatchPartition MatchedAs = "partition"
	MatchUnknown   MatchedAs = "unknown"
)

// LookupResult contains the matched OS and how it was matched
type LookupResult struct {
	Query     string       `json:"query"`
	MatchedAs MatchedAs    `json:"matched_as"`
	OS        *apfs.OSInfo `json:"os"`
}
