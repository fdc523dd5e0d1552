package emulator

import (
	"encoding/binary"
	"fmt"

	"github.com/twmb/murmur3"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// EnableCoverage records AFL-style edge hits into bitmap. Each basic block
// start address is hashed to a location; the edge id is the current
// location xor the previous one shifted right.
func (e *Emulator) EnableCoverage(bitmap []byte) error {
	n := len(bitmap)
	if n == 0 || n&(n-1) != 0 {
		return fmt.Errorf("coverage map size %d is not a power of two", n)
	}
	e.coverage = bitmap
	mask := uint32(n - 1)

	_, err := e.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
		cur := BlockID(uint32(addr)) & mask
		e.coverage[cur^e.prevLoc]++
		e.prevLoc = cur >> 1
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("hook coverage: %w", err)
	}
	return nil
}

// ResetEdge forgets the previous block so the next hit starts a fresh trace.
func (e *Emulator) ResetEdge() {
	e.prevLoc = 0
}

// BlockID hashes a block address into a well-spread location.
func BlockID(addr uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], addr)
	return murmur3.Sum32(buf[:])
}
