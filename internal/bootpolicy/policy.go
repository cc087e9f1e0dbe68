package bootpolicy

import (
	"bytes"
	"errors"
)

// ErrInvalidVGID is returned when a query is made for something that is not a
// volume group UUID
var ErrInvalidVGID = errors.New("invalid volume group id")

// absentValue is how bputil reports an unset hash
const absentValue = "absent"

const (
	tagCustomImageHash    = "(coih): "
	tagNonSecureImageHash = "(nsih): "
)

// Policy holds the boot policy fields this tool consumes. A nil field means
// the key was not reported or was reported as absent.
type Policy struct {
	// CustomImageHash (coih) identifies an alternate boot image authorized
	// for the volume group
	CustomImageHash *string `json:"coih,omitempty"`
	// NonSecureImageHash (nsih) names the boot directory of the OS image
	NonSecureImageHash *string `json:"nsih,omitempty"`
}

// HasCustomImage reports whether a non-empty custom image hash is set
func (p *Policy) HasCustomImage() bool {
	return p != nil && p.CustomImageHash != nil && *p.CustomImageHash != ""
}

// Parse extracts the policy fields from bputil text output
func Parse(out []byte) *Policy {
	return &Policy{
		CustomImageHash:    scanTag(out, tagCustomImageHash),
		NonSecureImageHash: scanTag(out, tagNonSecureImageHash),
	}
}

// scanTag returns the text following the first occurrence of tag up to the
// next line break, or nil when the tag is missing or the value is "absent"
func scanTag(out []byte, tag string) *string {
	i := bytes.Index(out, []byte(tag))
	if i < 0 {
		return nil
	}
	rest := out[i+len(tag):]
	if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	val := string(bytes.TrimSuffix(rest, []byte("\r")))
	if val == absentValue {
		return nil
	}
	return &val
}
