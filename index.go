package scopemesh

import "sync"

// IndexRegistry interns strings into stable integers.
//
// Indices are handed out in insertion order and are never reused, even once
// the entity they identify is gone.
type IndexRegistry struct {
	lk     sync.RWMutex
	names  []string
	byName map[string]int
}

func NewIndexRegistry() *IndexRegistry {
	return &IndexRegistry{
		byName: make(map[string]int),
	}
}

// Prepare appends s and returns its new index. If s is already present, it
// returns its existing index and false.
func (reg *IndexRegistry) Prepare(s string) (int, bool) {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	if idx, ok := reg.byName[s]; ok {
		return idx, false
	}
	idx := len(reg.names)
	reg.names = append(reg.names, s)
	reg.byName[s] = idx
	return idx, true
}

// GetOrAdd returns the index of s, appending it if needed.
func (reg *IndexRegistry) GetOrAdd(s string) int {
	if idx, ok := reg.Lookup(s); ok {
		return idx
	}
	idx, _ := reg.Prepare(s)
	return idx
}

func (reg *IndexRegistry) Lookup(s string) (int, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	idx, ok := reg.byName[s]
	return idx, ok
}

func (reg *IndexRegistry) Name(idx int) (string, bool) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	if idx < 0 || idx >= len(reg.names) {
		return "", false
	}
	return reg.names[idx], true
}

func (reg *IndexRegistry) Len() int {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	return len(reg.names)
}
