package apfs

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sigreer/stubos/internal/bootpolicy"
)

// Well-known volume group ids the platform uses for the system recoveryOS
// instances. They never correspond to a real volume group on disk.
var (
	PrimaryRecoveryVGID  = uuid.MustParse("3D3287DE-280D-4619-AAAB-D97469CA9C71")
	FallbackRecoveryVGID = uuid.MustParse("C8858560-55AC-400F-BBB9-C9220A8DAC0D")
)

// Kind is the classification of an OS record
type Kind string

const (
	KindPrimaryRecovery      Kind = "primary_recovery"
	KindFallbackRecovery     Kind = "fallback_recovery"
	KindFull                 Kind = "full"
	KindStubBootloader       Kind = "stub_bootloader"
	KindStubUnknownAlternate Kind = "stub_unknown_alternate"
	KindStubIncomplete       Kind = "stub_incomplete"
)

// OSInfo describes one OS found on a partition. Records are built fresh by
// every classification pass.
type OSInfo struct {
	Partition *Partition

	// VGID is the volume group UUID, or one of the recoveryOS sentinels
	VGID  string
	Label string
	// SysVolume is the device identifier of the System volume
	SysVolume string

	// Mount points, owned by diskutil
	System   string
	Data     string // empty when Data could not be mounted
	Preboot  string
	Recovery string

	// DataErr holds the mount error when Data is empty. Usually this is a
	// FileVault-locked volume.
	DataErr error

	Stub              bool
	Version           string
	BootloaderVersion string
	RecoveryVGID      string

	// BootPolicy is nil when it was not queried or bputil failed
	BootPolicy *bootpolicy.Policy
}

// IsVGID reports whether the record's volume group id equals id,
// ignoring case
func (o *OSInfo) IsVGID(id uuid.UUID) bool {
	parsed, err := uuid.Parse(o.VGID)
	return err == nil && parsed == id
}

// Kind classifies the record. Exactly one kind applies.
func (o *OSInfo) Kind() Kind {
	switch {
	case o.IsVGID(PrimaryRecoveryVGID):
		return KindPrimaryRecovery
	case o.IsVGID(FallbackRecoveryVGID):
		return KindFallbackRecovery
	case !o.Stub:
		return KindFull
	case o.BootPolicy.HasCustomImage() && o.BootloaderVersion != "":
		return KindStubBootloader
	case o.BootPolicy.HasCustomImage():
		return KindStubUnknownAlternate
	default:
		return KindStubIncomplete
	}
}

// String renders the human-readable summary used in logs and listings
func (o *OSInfo) String() string {
	where := fmt.Sprintf("[%s, %s]", o.SysVolume, o.VGID)

	switch o.Kind() {
	case KindPrimaryRecovery:
		return fmt.Sprintf("recoveryOS v%s [Primary recoveryOS]", o.Version)
	case KindFallbackRecovery:
		return fmt.Sprintf("recoveryOS v%s [Fallback recoveryOS]", o.Version)
	case KindFull:
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] macOS v%s", o.Label, o.Version)
		if o.BootloaderVersion != "" {
			fmt.Fprintf(&b, " + m1n1 %s", o.BootloaderVersion)
		} else if o.BootPolicy.HasCustomImage() {
			b.WriteString(" + unknown fuOS")
		}
		b.WriteString(" " + where)
		return b.String()
	case KindStubBootloader:
		return fmt.Sprintf("[%s] m1n1 v%s (macOS %s stub) %s", o.Label, o.BootloaderVersion, o.Version, where)
	case KindStubUnknownAlternate:
		return fmt.Sprintf("[%s] unknown fuOS (macOS %s stub) %s", o.Label, o.Version, where)
	default:
		return fmt.Sprintf("[%s] incomplete install (macOS %s stub) %s", o.Label, o.Version, where)
	}
}

// osInfoJSON is the serialized form of OSInfo, without the partition
// back-reference
type osInfoJSON struct {
	Partition         string             `json:"partition,omitempty"`
	VGID              string             `json:"vgid"`
	Kind              Kind               `json:"kind"`
	Display           string             `json:"display"`
	Label             string             `json:"label,omitempty"`
	SysVolume         string             `json:"sys_volume,omitempty"`
	System            string             `json:"system,omitempty"`
	Data              string             `json:"data,omitempty"`
	DataError         string             `json:"data_error,omitempty"`
	Preboot           string             `json:"preboot,omitempty"`
	Recovery          string             `json:"recovery,omitempty"`
	Stub              bool               `json:"stub"`
	Version           string             `json:"version,omitempty"`
	BootloaderVersion string             `json:"bootloader_version,omitempty"`
	RecoveryVGID      string             `json:"recovery_vgid,omitempty"`
	BootPolicy        *bootpolicy.Policy `json:"boot_policy,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (o *OSInfo) MarshalJSON() ([]byte, error) {
	out := osInfoJSON{
		VGID:              o.VGID,
		Kind:              o.Kind(),
		Display:           o.String(),
		Label:             o.Label,
		SysVolume:         o.SysVolume,
		System:            o.System,
		Data:              o.Data,
		Preboot:           o.Preboot,
		Recovery:          o.Recovery,
		Stub:              o.Stub,
		Version:           o.Version,
		BootloaderVersion: o.BootloaderVersion,
		RecoveryVGID:      o.RecoveryVGID,
		BootPolicy:        o.BootPolicy,
	}
	if o.Partition != nil {
		out.Partition = o.Partition.Name
	}
	if o.DataErr != nil {
		out.DataError = o.DataErr.Error()
	}
	return json.Marshal(out)
}
