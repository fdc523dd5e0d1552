//go:build !linux

package fuzz

func pinToCPU(int) error { return nil }
