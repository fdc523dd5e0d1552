package hooks

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/zboralski/firmhook/internal/machine"
)

// MaxStringLen bounds every C string read from emulated memory.
const MaxStringLen = 100

// Placeholder replaces strings that are unterminated, not UTF-8 or unreadable.
const Placeholder = "<unreadable string>"

// ReadString reads a NUL-terminated string of at most MaxStringLen bytes,
// degrading to Placeholder instead of failing.
func ReadString(mem machine.Memory, addr uint32) string {
	data, ok, err := machine.ReadCString(mem, addr, MaxStringLen)
	if err != nil || !ok || !utf8.Valid(data) {
		return Placeholder
	}
	return string(data)
}

// FormatPrintf expands %d, %s, %x and %% in format. Conversions consume
// argument slots starting at 1 (slot 0 holds the format string itself); %%
// consumes none. Unrecognised conversions are copied through and consume none.
func FormatPrintf(format string, arg func(slot int) (uint32, error), str func(addr uint32) string) (string, error) {
	var b strings.Builder
	b.Grow(len(format) + 16)

	slot := 1
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		switch format[i+1] {
		case 'd':
			v, err := arg(slot)
			if err != nil {
				return "", err
			}
			b.WriteString(strconv.FormatUint(uint64(v), 10))
			slot++
		case 's':
			v, err := arg(slot)
			if err != nil {
				return "", err
			}
			b.WriteString(str(v))
			slot++
		case 'x':
			v, err := arg(slot)
			if err != nil {
				return "", err
			}
			b.WriteString(strconv.FormatUint(uint64(v), 16))
			slot++
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte(c)
			continue
		}
		i++
	}
	return b.String(), nil
}
