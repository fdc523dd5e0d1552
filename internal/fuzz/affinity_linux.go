//go:build linux

package fuzz

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCPU binds the calling OS thread to one CPU, wrapping around when
// there are more workers than CPUs.
func pinToCPU(id int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(id % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
