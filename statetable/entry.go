package statetable

import "github.com/INLOpen/nexusstate/core"

// entryKey identifies an entry. The same key under two type tags names two
// independent entries.
type entryKey struct {
	typ core.TypeTag
	key string
}

// version is one immutable value of an entry. Snapshots share versions with
// the live table, so a version is never modified after it is created.
type version struct {
	seq       int64
	value     []byte
	tombstone bool
	weight    int64
}

func (v *version) live() bool {
	return v != nil && !v.tombstone
}

// entryState is the tagged view of an entry's two version slots.
type entryState uint8

const (
	stateEmpty entryState = iota
	statePendingOnly
	stateCommittedOnly
	stateBoth
)

func (s entryState) String() string {
	switch s {
	case statePendingOnly:
		return "pending"
	case stateCommittedOnly:
		return "committed"
	case stateBoth:
		return "committed+pending"
	default:
		return "empty"
	}
}

// entry holds the committed and pending versions of one (type, key) pair.
// There is at most one pending version; a newer prepare replaces it.
// When both are set, committed.seq < pending.seq.
type entry struct {
	committed *version
	pending   *version
}

func (e *entry) state() entryState {
	switch {
	case e.committed != nil && e.pending != nil:
		return stateBoth
	case e.committed != nil:
		return stateCommittedOnly
	case e.pending != nil:
		return statePendingOnly
	default:
		return stateEmpty
	}
}

// latest is the newest version known for the entry.
func (e *entry) latest() *version {
	if e.pending != nil {
		return e.pending
	}
	return e.committed
}

// setPending installs v as the pending version and returns the version it
// replaced. A version older than the current pending one is not installed;
// ok is false in that case.
func (e *entry) setPending(v *version) (replaced *version, ok bool) {
	if e.pending != nil && e.pending.seq > v.seq {
		return nil, false
	}
	replaced = e.pending
	e.pending = v
	return replaced, true
}

// promote moves the pending version with sequence seq into the committed
// slot. It returns the previous committed version, and false if the pending
// slot no longer holds seq.
func (e *entry) promote(seq int64) (previous *version, ok bool) {
	if e.pending == nil || e.pending.seq != seq {
		return nil, false
	}
	previous = e.committed
	e.committed = e.pending
	e.pending = nil
	return previous, true
}
