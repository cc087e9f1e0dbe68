package apfs

// PartitionTypeRecovery is the partition content type of the system
// recovery container (the one holding the paired recoveryOS)
const PartitionTypeRecovery = "Apple_APFS_Recovery"

// Volume is a single APFS volume inside a container
type Volume struct {
	DeviceIdentifier string  `json:"device_identifier"`
	Name             string  `json:"name"`
	UUID             string  `json:"uuid"`
	Roles            RoleSet `json:"roles"`
}

// GroupMember is a volume's membership in a volume group. Each member carries
// exactly one role.
type GroupMember struct {
	DeviceIdentifier string `json:"device_identifier"`
	Role             Role   `json:"role"`
}

// VolumeGroup ties a System volume to its paired Data volume
type VolumeGroup struct {
	UUID    string        `json:"uuid"`
	Members []GroupMember `json:"members"`
}

// MembersWithRole returns all group members carrying role r
func (vg VolumeGroup) MembersWithRole(r Role) []GroupMember {
	var out []GroupMember
	for _, m := range vg.Members {
		if m.Role == r {
			out = append(out, m)
		}
	}
	return out
}

// Container is a read-only snapshot of an APFS container
type Container struct {
	Reference     string        `json:"reference"`      // disk3
	PhysicalStore string        `json:"physical_store"` // disk0s2
	Volumes       []Volume      `json:"volumes"`
	VolumeGroups  []VolumeGroup `json:"volume_groups"`
}

// ByRoles groups volumes by their exact role set
func (c *Container) ByRoles() map[RoleSet][]Volume {
	out := make(map[RoleSet][]Volume)
	if c == nil {
		return out
	}
	for _, v := range c.Volumes {
		out[v.Roles] = append(out[v.Roles], v)
	}
	return out
}

// ByDevice indexes volumes by device identifier
func (c *Container) ByDevice() map[string]Volume {
	out := make(map[string]Volume)
	if c == nil {
		return out
	}
	for _, v := range c.Volumes {
		out[v.DeviceIdentifier] = v
	}
	return out
}

// VolumesWithRoles returns the volumes whose role set equals roles
func (c *Container) VolumesWithRoles(roles RoleSet) []Volume {
	if c == nil {
		return nil
	}
	var out []Volume
	for _, v := range c.Volumes {
		if v.Roles == roles {
			out = append(out, v)
		}
	}
	return out
}

// Partition is a slice of the disk as seen by the partition map. Free space
// gaps are represented as partitions with Free set.
type Partition struct {
	Name      string     `json:"name"`
	Offset    uint64     `json:"offset"`
	Size      uint64     `json:"size"`
	Free      bool       `json:"free"`
	Type      string     `json:"type,omitempty"`
	Desc      string     `json:"desc,omitempty"`
	Label     string     `json:"label,omitempty"`
	Container *Container `json:"container,omitempty"`

	// OS is replaced on every classification pass
	OS []*OSInfo `json:"-"`
}

// IsRecoveryContainer reports whether this is the system recoveryOS container
func (p *Partition) IsRecoveryContainer() bool {
	return p.Type == PartitionTypeRecovery
}
