package log

import "testing"

func TestHex(t *testing.T) {
	tests := []struct {
		in   uint32
		want string
	}{
		{0, "0x0"},
		{0xfe10f2b0, "0xfe10f2b0"},
		{0x10, "0x10"},
	}
	for _, tt := range tests {
		if got := Hex(tt.in); got != tt.want {
			t.Errorf("Hex(0x%x) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInitOnce(t *testing.T) {
	Init(false)
	first := L
	Init(true)
	if L != first {
		t.Error("Init should only take effect once")
	}
	if L == nil || L.Worker(3) == nil {
		t.Fatal("logger not initialised")
	}
}
