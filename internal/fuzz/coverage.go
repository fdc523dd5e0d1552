package fuzz

import "sync"

// MapSize is the number of edge counters per execution.
const MapSize = 1 << 16

// Coverage is the edge hit-count map of one execution.
type Coverage struct {
	bits []byte
}

// NewCoverage returns a zeroed map of MapSize counters.
func NewCoverage() *Coverage {
	return &Coverage{bits: make([]byte, MapSize)}
}

// Bits exposes the counters for the emulator to write into.
func (c *Coverage) Bits() []byte { return c.bits }

// Reset zeroes every counter.
func (c *Coverage) Reset() { clear(c.bits) }

// Edges counts the edges hit at least once.
func (c *Coverage) Edges() int {
	n := 0
	for _, b := range c.bits {
		if b != 0 {
			n++
		}
	}
	return n
}

// bucket folds a hit count into one of eight classes.
func bucket(n byte) byte {
	switch {
	case n == 0:
		return 0
	case n == 1:
		return 1
	case n == 2:
		return 2
	case n == 3:
		return 4
	case n <= 7:
		return 8
	case n <= 15:
		return 16
	case n <= 31:
		return 32
	case n <= 127:
		return 64
	}
	return 128
}

// Virgin tracks the hit-count classes seen so far across all workers.
type Virgin struct {
	mu    sync.Mutex
	bits  []byte
	edges int
}

// NewVirgin returns a map where nothing has been seen.
func NewVirgin() *Virgin {
	v := &Virgin{bits: make([]byte, MapSize)}
	for i := range v.bits {
		v.bits[i] = 0xff
	}
	return v
}

// Merge folds c into the virgin map and reports whether c hit a new edge or
// a new hit-count class of a known edge.
func (v *Virgin) Merge(c *Coverage) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	novel := false
	for i, n := range c.bits {
		if n == 0 {
			continue
		}
		b := bucket(n)
		if v.bits[i]&b == 0 {
			continue
		}
		if v.bits[i] == 0xff {
			v.edges++
		}
		v.bits[i] &^= b
		novel = true
	}
	return novel
}

// Edges returns the number of distinct edges ever hit.
func (v *Virgin) Edges() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.edges
}
