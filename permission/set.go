package permission

// Set is a 64-bit capability mask. The zero value is the empty set.
type Set uint64

// Has reports whether the capability at bit is enabled.
func (s Set) Has(bit int) bool {
	if bit < 0 || bit >= MaxCapabilities {
		return false
	}
	return s&(1<<bit) != 0
}

// Set enables the capability at bit.
func (s *Set) Set(bit int) {
	if bit < 0 || bit >= MaxCapabilities {
		return
	}
	*s |= 1 << bit
}

// Clear disables the capability at bit.
func (s *Set) Clear(bit int) {
	if bit < 0 || bit >= MaxCapabilities {
		return
	}
	*s &^= 1 << bit
}

// IsEmpty reports whether no capability is enabled.
func (s Set) IsEmpty() bool {
	return s == 0
}

// Raw returns the underlying mask for persistence.
func (s Set) Raw() uint64 {
	return uint64(s)
}
