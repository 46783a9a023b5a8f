package sab

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryRegion is one placed object inside a workspace.
type MemoryRegion struct {
	Name    string
	Offset  uint64
	Size    uint64
	Purpose string
}

// End is the first offset past the region.
func (r MemoryRegion) End() uint64 { return r.Offset + r.Size }

// ValidationViolation records a rejected registration or access.
type ValidationViolation struct {
	Type    string
	Message string
	Offset  uint64
	Size    uint64
}

// Validator tracks every object placed in one workspace and rejects
// overlapping or out-of-bounds placements.
type Validator struct {
	mu         sync.RWMutex
	lo, hi     uint64
	regions    []MemoryRegion
	violations []ValidationViolation
}

// NewValidator accepts placements inside [lo, hi).
func NewValidator(lo, hi uint64) *Validator {
	return &Validator{lo: lo, hi: hi}
}

// RegisterRegion adds a placed object.
func (v *Validator) RegisterRegion(name string, offset, size uint64, purpose string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if offset < v.lo || offset > v.hi || size > v.hi-offset {
		return v.reject("OUT_OF_BOUNDS", fmt.Sprintf("region %s [%d,+%d) outside [%d,%d)", name, offset, size, v.lo, v.hi), offset, size)
	}
	for _, r := range v.regions {
		if overlap(offset, size, r.Offset, r.Size) {
			return v.reject("REGION_OVERLAP", fmt.Sprintf("region %s overlaps with %s", name, r.Name), offset, size)
		}
	}
	v.regions = append(v.regions, MemoryRegion{Name: name, Offset: offset, Size: size, Purpose: purpose})
	return nil
}

// ValidateAccess checks that [offset, offset+size) lies inside one region.
func (v *Validator) ValidateAccess(offset, size uint64) error {
	v.mu.RLock()
	for _, r := range v.regions {
		if offset >= r.Offset && size <= r.End()-offset && offset < r.End() {
			v.mu.RUnlock()
			return nil
		}
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reject("UNPLACED_ACCESS", fmt.Sprintf("access [%d,+%d) not inside a placed object", offset, size), offset, size)
}

func (v *Validator) reject(kind, msg string, offset, size uint64) error {
	v.violations = append(v.violations, ValidationViolation{Type: kind, Message: msg, Offset: offset, Size: size})
	if len(v.violations) > 1000 {
		v.violations = v.violations[len(v.violations)-1000:]
	}
	return &LayoutError{Code: kind, Message: msg}
}

// Regions returns the placed objects sorted by offset.
func (v *Validator) Regions() []MemoryRegion {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := append([]MemoryRegion(nil), v.regions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Violations returns every rejected request so far.
func (v *Validator) Violations() []ValidationViolation {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]ValidationViolation(nil), v.violations...)
}

// MemoryMap renders the placed objects one per line.
func (v *Validator) MemoryMap() string {
	var b strings.Builder
	for _, r := range v.Regions() {
		fmt.Fprintf(&b, "0x%010x-0x%010x %10d %-28s %s\n", r.Offset, r.End(), r.Size, r.Name, r.Purpose)
	}
	return b.String()
}

func overlap(off1, sz1, off2, sz2 uint64) bool {
	if sz1 == 0 || sz2 == 0 {
		return false
	}
	return off1 < off2+sz2 && off2 < off1+sz1
}
