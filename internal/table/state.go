package table

// PartitionState is the lifecycle state of one partition on this node.
// Transitions are driven only by ownership notifications and recovery
// completion.
type PartitionState int32

const (
	// Unassigned: this node holds no role for the partition
	Unassigned PartitionState = iota
	// Recovering: changelog replay in progress, reads fail fast
	Recovering
	// Active: owned, caught up, serving reads and writes
	Active
	// Standby: continuously tailing the changelog, never serving reads
	Standby
	// Failed: store open or recovery failure; retried on next assignment
	Failed
)

func (s PartitionState) String() string {
	switch s {
	case Unassigned:
		return "unassigned"
	case Recovering:
		return "recovering"
	case Active:
		return "active"
	case Standby:
		return "standby"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Role is the role this node plays for an assigned partition
type Role int32

const (
	// RoleOwner serves reads and writes after recovery
	RoleOwner Role = iota
	// RoleStandby only tails the changelog for fast failover
	RoleStandby
)

func (r Role) String() string {
	if r == RoleStandby {
		return "standby"
	}
	return "owner"
}

// Assignment is one partition handed to this node by the external ownership
// tracker
type Assignment struct {
	Partition int32
	Role      Role
}
