package model

import "strings"

// Flags is the set of per-message flags, stored as a bitmask.
// Flags are a set, not mutually exclusive: a message can be both
// starred and deleted.
type Flags uint8

const (
	FlagSeen Flags = 1 << iota
	FlagStarred
	FlagAnswered
	FlagDeleted
)

// FlagKind identifies a single flag bit for mutation tracking.
type FlagKind Flags

const (
	KindSeen    = FlagKind(FlagSeen)
	KindStarred = FlagKind(FlagStarred)
	KindDeleted = FlagKind(FlagDeleted)
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}

// With returns a copy with the bits of f set.
func (fl Flags) With(f Flags) Flags {
	return fl | f
}

// Without returns a copy with the bits of f cleared.
func (fl Flags) Without(f Flags) Flags {
	return fl &^ f
}

// Set returns a copy with the bits of f set or cleared per v.
func (fl Flags) Set(f Flags, v bool) Flags {
	if v {
		return fl.With(f)
	}
	return fl.Without(f)
}

// String renders the flag set for logging.
func (fl Flags) String() string {
	var parts []string
	if fl.Has(FlagSeen) {
		parts = append(parts, "seen")
	}
	if fl.Has(FlagStarred) {
		parts = append(parts, "starred")
	}
	if fl.Has(FlagAnswered) {
		parts = append(parts, "answered")
	}
	if fl.Has(FlagDeleted) {
		parts = append(parts, "deleted")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
