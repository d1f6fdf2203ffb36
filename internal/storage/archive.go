package storage

import (
	"fmt"
	"sync"
)

// ArchiveIndex is a stable position in an Archive. NoVersion marks the end of a chain.
type ArchiveIndex uint64

const NoVersion ArchiveIndex = 0

// Archive stores superseded versions. Indices never move and entries are
// never reclaimed during a run.
type Archive struct {
	mu       sync.RWMutex
	versions []*Version
}

func NewArchive() *Archive {
	// Slot 0 stays empty so NoVersion never names a real entry.
	return &Archive{versions: make([]*Version, 1, 64)}
}

// Append stores a copy of v and returns its index.
func (a *Archive) Append(v Version) ArchiveIndex {
	if v.Meta.End == MaxTs {
		panic(fmt.Sprintf("storage: archiving a version that is still current (begin %s)", v.Meta.Begin))
	}
	if v.Meta.Intent != nil {
		panic("storage: archiving a version that carries a write intent")
	}
	cp := v
	a.mu.Lock()
	a.versions = append(a.versions, &cp)
	idx := ArchiveIndex(len(a.versions) - 1)
	a.mu.Unlock()
	return idx
}

// Get returns the archived version at idx. The returned pointer is shared;
// only its LastRead may change, and only under the owning record's mutex.
func (a *Archive) Get(idx ArchiveIndex) *Version {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx == NoVersion || int(idx) >= len(a.versions) {
		panic(fmt.Sprintf("storage: archive index %d out of range", idx))
	}
	return a.versions[idx]
}

// Len returns the number of archived versions.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.versions) - 1
}
