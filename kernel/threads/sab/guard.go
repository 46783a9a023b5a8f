package sab

// JoinMode is how a process maps a workspace.
type JoinMode int

const (
	JoinNone JoinMode = iota
	JoinReadOnly
	JoinReadWrite
)

func (m JoinMode) String() string {
	switch m {
	case JoinReadOnly:
		return "ro"
	case JoinReadWrite:
		return "rw"
	default:
		return "none"
	}
}

// CanWrite reports whether objects in a region joined with m may be mutated.
func (m JoinMode) CanWrite() bool { return m == JoinReadWrite }

// ParseJoinMode accepts "ro", "rw" and "none".
func ParseJoinMode(s string) (JoinMode, bool) {
	switch s {
	case "ro", "readonly", "read-only":
		return JoinReadOnly, true
	case "rw", "readwrite", "read-write":
		return JoinReadWrite, true
	case "", "none":
		return JoinNone, true
	}
	return JoinNone, false
}

// Widen returns the stronger of two modes.
func Widen(a, b JoinMode) JoinMode {
	if b > a {
		return b
	}
	return a
}
