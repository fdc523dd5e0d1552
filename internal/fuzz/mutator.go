package fuzz

import (
	"encoding/binary"
	"math/rand/v2"
)

var (
	interesting8  = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}
	interesting16 = []int16{-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767}
	interesting32 = []int32{-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647}
)

const (
	arithMax = 35
	// maxStack is the largest number of operations stacked per mutation.
	maxStack = 16
)

// Mutator applies stacked havoc operations.
type Mutator struct {
	rng     *rand.Rand
	MaxSize int
}

// NewMutator returns a deterministic mutator for seed.
func NewMutator(seed uint64, maxSize int) *Mutator {
	if maxSize < MinInputSize {
		maxSize = MinInputSize
	}
	return &Mutator{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), MaxSize: maxSize}
}

// Rand exposes the mutator's source for corpus selection.
func (m *Mutator) Rand() *rand.Rand { return m.rng }

// Mutate returns a mutated copy of in. other is a splice partner and may be nil.
// The result is never empty and never longer than MaxSize.
func (m *Mutator) Mutate(in, other []byte) []byte {
	out := append([]byte(nil), in...)
	if len(out) == 0 {
		out = make([]byte, MinInputSize)
	}

	n := 1 << (1 + m.rng.IntN(4))
	if n > maxStack {
		n = maxStack
	}
	for i := 0; i < n; i++ {
		out = m.op(out, other)
	}
	if len(out) == 0 {
		out = append(out, byte(m.rng.IntN(256)))
	}
	if len(out) > m.MaxSize {
		out = out[:m.MaxSize]
	}
	return out
}

func (m *Mutator) op(b, other []byte) []byte {
	r := m.rng
	switch r.IntN(11) {
	case 0: // flip one bit
		i := r.IntN(len(b) * 8)
		b[i/8] ^= 1 << (i % 8)
	case 1: // random byte
		b[r.IntN(len(b))] = byte(r.IntN(256))
	case 2:
		b[r.IntN(len(b))] = byte(interesting8[r.IntN(len(interesting8))])
	case 3:
		if len(b) >= 2 {
			i := r.IntN(len(b) - 1)
			binary.LittleEndian.PutUint16(b[i:], uint16(interesting16[r.IntN(len(interesting16))]))
		}
	case 4:
		if len(b) >= 4 {
			i := r.IntN(len(b) - 3)
			binary.LittleEndian.PutUint32(b[i:], uint32(interesting32[r.IntN(len(interesting32))]))
		}
	case 5: // byte arithmetic
		i := r.IntN(len(b))
		b[i] += byte(1 + r.IntN(arithMax))
	case 6: // word arithmetic
		if len(b) >= 4 {
			i := r.IntN(len(b) - 3)
			v := binary.LittleEndian.Uint32(b[i:])
			d := uint32(1 + r.IntN(arithMax))
			if r.IntN(2) == 0 {
				v += d
			} else {
				v -= d
			}
			binary.LittleEndian.PutUint32(b[i:], v)
		}
	case 7: // delete block
		if len(b) > 1 {
			n := 1 + r.IntN(len(b)/2+1)
			if n >= len(b) {
				n = len(b) - 1
			}
			i := r.IntN(len(b) - n + 1)
			b = append(b[:i], b[i+n:]...)
		}
	case 8: // insert random block
		if len(b) < m.MaxSize {
			n := 1 + r.IntN(min(m.MaxSize-len(b), 16))
			blk := make([]byte, n)
			for j := range blk {
				blk[j] = byte(r.IntN(256))
			}
			i := r.IntN(len(b) + 1)
			b = append(b[:i], append(blk, b[i:]...)...)
		}
	case 9: // duplicate block
		if len(b) < m.MaxSize {
			from := r.IntN(len(b))
			n := 1 + r.IntN(min(len(b)-from, m.MaxSize-len(b)))
			blk := append([]byte(nil), b[from:from+n]...)
			i := r.IntN(len(b) + 1)
			b = append(b[:i], append(blk, b[i:]...)...)
		}
	case 10: // splice
		if len(other) > 1 && len(b) > 1 {
			cut := 1 + r.IntN(min(len(b), len(other)))
			b = append(b[:cut:cut], other[cut:]...)
		}
	}
	return b
}
