package core

// OperationKind is the kind of logical change carried by a replication unit.
type OperationKind byte

const (
	// OpUpdate creates or replaces the value of a key.
	OpUpdate OperationKind = 'U'
	// OpDelete replaces the value of a key with a tombstone.
	OpDelete OperationKind = 'D'
)

func (k OperationKind) String() string {
	switch k {
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	return k == OpUpdate || k == OpDelete
}
