// Package colorize styles diagnostic output: backtraces, breakpoint hits and
// disassembly at stops.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// FirmDark is the disassembly style: white mnemonics, cyan registers, pink immediates.
var FirmDark = styles.Register(chroma.MustNewStyle("firm-dark", chroma.StyleEntries{
	chroma.Text:                 "#FFFFFF",
	chroma.Background:           "bg:#000000",
	chroma.Comment:              "#FF8000",
	chroma.Keyword:              "#FFFFFF",
	chroma.KeywordPseudo:        "#FFFFFF",
	chroma.Name:                 "#87CEEB",
	chroma.NameBuiltin:          "#87CEEB",
	chroma.NameVariable:         "#87CEEB",
	chroma.NameLabel:            "#FFC800",
	chroma.NameFunction:         "#FFFFFF",
	chroma.LiteralNumber:        "#FF80C0",
	chroma.LiteralNumberHex:     "#FF80C0",
	chroma.LiteralNumberInteger: "#FF80C0",
	chroma.Operator:             "#FFFFFF",
	chroma.Punctuation:          "#FFFFFF",
	chroma.String:               "#00FF00",
}))

var forceOff bool

// Disable turns styling off for the process.
func Disable() {
	forceOff = true
}

// IsDisabled returns true if colors are disabled via Disable or environment.
func IsDisabled() bool {
	return forceOff || os.Getenv("FIRMHOOK_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Instruction colorizes an assembly instruction using Chroma.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, FirmDark, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a 32-bit address in yellow.
func Address(addr uint32) string {
	return rgb(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink.
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// FuncName formats a function or breakpoint name in yellow.
func FuncName(name string) string { return rgb(255, 200, 0, name) }

// Detail formats detail text in light gray.
func Detail(detail string) string { return rgb(180, 180, 180, detail) }

// Border formats border characters in dark gray.
func Border(s string) string { return rgb(80, 80, 80, s) }

// Header formats header text in blue.
func Header(s string) string { return rgb(86, 156, 214, s) }

// Error formats error messages in pink.
func Error(s string) string { return rgb(255, 128, 192, s) }

// String formats string values in green.
func String(s string) string { return rgb(0, 255, 0, s) }

// Backtrace styles a rendered backtrace block line by line: rulers in gray,
// frame numbers in blue, everything else untouched.
func Backtrace(bt string) string {
	if IsDisabled() {
		return bt
	}
	lines := strings.SplitAfter(bt, "\n")
	var b strings.Builder
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "-----"):
			b.WriteString(Border(strings.TrimSuffix(line, "\n")))
			if strings.HasSuffix(line, "\n") {
				b.WriteByte('\n')
			}
		case strings.HasPrefix(line, "#"):
			if i := strings.IndexByte(line, ':'); i > 0 {
				b.WriteString(Header(line[:i+1]))
				b.WriteString(line[i+1:])
				continue
			}
			b.WriteString(line)
		default:
			b.WriteString(line)
		}
	}
	return b.String()
}
