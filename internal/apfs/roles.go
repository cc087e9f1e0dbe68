package apfs

import (
	"encoding/json"
	"math/bits"
	"strings"
)

// Role is a single APFS volume role as reported by diskutil
type Role uint16

const (
	RoleSystem Role = 1 << iota
	RoleData
	RolePreboot
	RoleRecovery
	RoleVM
	RoleUpdate
	RoleXART
	RoleHardware
	RoleUser
	RoleBackup
	RoleInstaller
	RoleBaseband
	RoleEnterprise
	RolePrelogin
	RoleSidecar
	// RoleUnknown stands in for any role name this tool does not know about
	RoleUnknown
)

var roleNames = []struct {
	role Role
	name string
	flag string
}{
	{RoleSystem, "System", "S"},
	{RoleData, "Data", "D"},
	{RolePreboot, "Preboot", "B"},
	{RoleRecovery, "Recovery", "R"},
	{RoleVM, "VM", "V"},
	{RoleUpdate, "Update", ""},
	{RoleXART, "xART", ""},
	{RoleHardware, "Hardware", ""},
	{RoleUser, "User", ""},
	{RoleBackup, "Backup", ""},
	{RoleInstaller, "Installer", ""},
	{RoleBaseband, "Baseband", ""},
	{RoleEnterprise, "Enterprise", ""},
	{RolePrelogin, "Prelogin", ""},
	{RoleSidecar, "Sidecar", ""},
	{RoleUnknown, "Unknown", ""},
}

// ParseRole maps a diskutil role name to a Role. Unrecognized names map to
// RoleUnknown.
func ParseRole(name string) Role {
	for _, r := range roleNames {
		if r.role != RoleUnknown && strings.EqualFold(r.name, name) {
			return r.role
		}
	}
	return RoleUnknown
}

// String returns the diskutil name of the role
func (r Role) String() string {
	for _, rn := range roleNames {
		if rn.role == r {
			return rn.name
		}
	}
	return "Invalid"
}

// Flag returns the single-letter role code accepted by
// `diskutil apfs addVolume -role` and `changeVolumeRole`. Only the roles this
// tool assigns have one.
func (r Role) Flag() string {
	for _, rn := range roleNames {
		if rn.role == r {
			return rn.flag
		}
	}
	return ""
}

// RoleSet is the exact set of roles assigned to a volume. Two volumes have
// the same roles only if their sets are equal, independent of the order the
// platform reported them in.
type RoleSet uint16

// NoRoles is the role set of an unroled (default) volume
const NoRoles RoleSet = 0

// Roles builds a set from individual roles
func Roles(roles ...Role) RoleSet {
	var s RoleSet
	for _, r := range roles {
		s |= RoleSet(r)
	}
	return s
}

// ParseRoles builds a set from diskutil role names
func ParseRoles(names []string) RoleSet {
	var s RoleSet
	for _, n := range names {
		s |= RoleSet(ParseRole(n))
	}
	return s
}

// Has reports whether r is a member of the set
func (s RoleSet) Has(r Role) bool {
	return s&RoleSet(r) != 0
}

// Is reports whether the set consists of exactly the role r
func (s RoleSet) Is(r Role) bool {
	return s == RoleSet(r)
}

// Empty reports whether the volume has no roles at all
func (s RoleSet) Empty() bool {
	return s == NoRoles
}

// Len returns the number of roles in the set
func (s RoleSet) Len() int {
	return bits.OnesCount16(uint16(s))
}

// Members returns the roles in the set in declaration order
func (s RoleSet) Members() []Role {
	var out []Role
	for _, rn := range roleNames {
		if s.Has(rn.role) {
			out = append(out, rn.role)
		}
	}
	return out
}

// String formats the set like "{Preboot}" or "{}"
func (s RoleSet) String() string {
	members := s.Members()
	names := make([]string, len(members))
	for i, r := range members {
		names[i] = r.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// MarshalText encodes the role by name
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// MarshalJSON encodes the set as a list of role names
func (s RoleSet) MarshalJSON() ([]byte, error) {
	members := s.Members()
	if members == nil {
		members = []Role{}
	}
	return json.Marshal(members)
}
