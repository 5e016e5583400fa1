package permission

import (
	"errors"
	"sort"
	"sync"
)

// MaxCapabilities is the width of a [Set]; a registry can never hold more
// named capabilities than this.
const MaxCapabilities = 64

// Registry maps capability names to bit positions within a [Set].
//
// Registries are populated during initialization, frozen, and then read-only.
// The Version field changes whenever the registered name list changes between
// releases, so persisted masks can be rejected when the layout they were
// written under no longer matches.
type Registry struct {
	version uint32

	mu        sync.RWMutex
	nameToBit map[string]int
	bitToName map[int]string
	frozen    bool
}

// NewRegistry creates an empty capability registry with the given layout
// version. Version zero is reserved for "unversioned" test registries.
func NewRegistry(version uint32) *Registry {
	return &Registry{
		version:   version,
		nameToBit: make(map[string]int),
		bitToName: make(map[int]string),
	}
}

// Register assigns the next available bit to the named capability and
// returns its bit index. Registration fails after [Registry.Freeze].
func (r *Registry) Register(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return -1, errors.New("permission registry frozen")
	}
	if name == "" {
		return -1, errors.New("capability name cannot be empty")
	}
	if _, exists := r.nameToBit[name]; exists {
		return -1, errors.New("capability already registered")
	}

	nextBit := len(r.nameToBit)
	if nextBit >= MaxCapabilities {
		return -1, errors.New("capability limit exceeded")
	}

	r.nameToBit[name] = nextBit
	r.bitToName[nextBit] = name

	return nextBit, nil
}

// Freeze prevents further registrations. Must be called before the registry
// is used for evaluation.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Bit returns the bit index for the named capability, or false if it is not
// part of the closed set.
func (r *Registry) Bit(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bit, ok := r.nameToBit[name]
	return bit, ok
}

// Name returns the capability name for the given bit index, or false if the
// bit is unassigned.
func (r *Registry) Name(bit int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.bitToName[bit]
	return name, ok
}

// Count returns the number of registered capabilities.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nameToBit)
}

// Version returns the registry layout version.
func (r *Registry) Version() uint32 {
	return r.version
}

// Names returns all registered capability names in bit order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.nameToBit))
	for name := range r.nameToBit {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.nameToBit[names[i]] < r.nameToBit[names[j]]
	})
	return names
}

// SetOf builds a [Set] containing exactly the named capabilities. Unknown
// names produce an error rather than a silently narrower set.
func (r *Registry) SetOf(names ...string) (Set, error) {
	var s Set
	for _, name := range names {
		bit, ok := r.Bit(name)
		if !ok {
			return 0, errors.New("unknown capability: " + name)
		}
		s.Set(bit)
	}
	return s, nil
}

// NamesOf expands a [Set] into the capability names it enables, in bit order.
func (r *Registry) NamesOf(s Set) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for bit := 0; bit < len(r.nameToBit); bit++ {
		if !s.Has(bit) {
			continue
		}
		if name, ok := r.bitToName[bit]; ok {
			names = append(names, name)
		}
	}
	return names
}
