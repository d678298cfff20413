package replication

import (
	"fmt"
	"strconv"

	"github.com/INLOpen/nexusstate/core"
)

// Unit is one logical, sequence-numbered state change produced by the
// replication stream. Sequence numbers are strictly increasing across the
// whole table, not per type or per key.
type Unit struct {
	Sequence int64
	Type     core.TypeTag
	Key      string
	Kind     core.OperationKind
	Value    []byte // nil for deletes
	// Fanout is the number of physical entries this unit stands for under
	// a shared key prefix. Zero is treated as one. It only affects count
	// bookkeeping.
	Fanout int
}

// NewUpdate creates an update unit.
func NewUpdate(seq int64, t core.TypeTag, key string, value []byte) Unit {
	return Unit{Sequence: seq, Type: t, Key: key, Kind: core.OpUpdate, Value: value}
}

// NewDelete creates a delete unit. A delete is an update to a tombstone.
func NewDelete(seq int64, t core.TypeTag, key string) Unit {
	return Unit{Sequence: seq, Type: t, Key: key, Kind: core.OpDelete}
}

// Factory builds units for a single type tag.
type Factory struct {
	Type core.TypeTag
}

// ForType returns a Factory bound to t.
func ForType(t core.TypeTag) Factory {
	return Factory{Type: t}
}

func (f Factory) Update(seq int64, key string, value []byte) Unit {
	return NewUpdate(seq, f.Type, key, value)
}

func (f Factory) Delete(seq int64, key string) Unit {
	return NewDelete(seq, f.Type, key)
}

// WithFanout returns a copy of u standing for n physical entries.
func (u Unit) WithFanout(n int) Unit {
	u.Fanout = n
	return u
}

// Weight is the number of physical entries u contributes to counts.
func (u Unit) Weight() int64 {
	if u.Fanout <= 1 {
		return 1
	}
	return int64(u.Fanout)
}

// IsDelete reports whether u writes a tombstone.
func (u Unit) IsDelete() bool {
	return u.Kind == core.OpDelete
}

// PhysicalKeys enumerates the deterministic keys u expands to when
// Fanout > 1. A unit without fan-out expands to its own key.
func (u Unit) PhysicalKeys() []string {
	if u.Fanout <= 1 {
		return []string{u.Key}
	}
	keys := make([]string, u.Fanout)
	for i := range keys {
		keys[i] = u.Key + "/" + strconv.Itoa(i)
	}
	return keys
}

// Validate checks the unit's shape. It does not check ordering, which only
// the table can judge.
func (u Unit) Validate() error {
	if u.Sequence <= 0 {
		return &core.ProtocolViolationError{Op: "validate", Sequence: u.Sequence, Err: core.ErrInvalidSequence}
	}
	if u.Type == 0 {
		return &core.ValidationError{Field: "type", Value: "0", Message: "type tag must be set"}
	}
	if u.Key == "" {
		return &core.ValidationError{Field: "key", Value: "", Message: "key must not be empty"}
	}
	if !u.Kind.Valid() {
		return &core.ValidationError{Field: "kind", Value: string(u.Kind), Message: "unknown operation kind"}
	}
	if u.Kind == core.OpDelete && u.Value != nil {
		return &core.ValidationError{Field: "value", Value: u.Key, Message: "delete must not carry a value"}
	}
	if u.Fanout < 0 {
		return &core.ValidationError{Field: "fanout", Value: strconv.Itoa(u.Fanout), Message: "fanout must not be negative"}
	}
	return nil
}

func (u Unit) String() string {
	return fmt.Sprintf("%s#%d %s/%s", u.Kind, u.Sequence, u.Type, u.Key)
}
