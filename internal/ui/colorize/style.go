// Package colorize provides terminal coloring for disassembly and
// capture output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Disassembly theme colors.
const (
	colorMnemonic = "#FFFFFF" // mnemonics and operators
	colorRegister = "#87CEEB" // light blue registers
	colorNumber   = "#FF80C0" // pink immediates
	colorLabel    = "#FFC800" // yellow labels and symbols
	colorComment  = "#FF8000" // orange comments
	colorString   = "#00FF00" // green strings
)

// DisasmDark is the style scan and verbose run output highlight with.
var DisasmDark = styles.Register(chroma.MustNewStyle("disasm-dark", chroma.StyleEntries{
	chroma.Text:           colorMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        colorComment,
	chroma.CommentPreproc: colorComment,

	// NASM lexer token mappings.
	chroma.Keyword:       colorMnemonic,
	chroma.KeywordPseudo: colorMnemonic,
	chroma.Name:          colorRegister,
	chroma.NameBuiltin:   colorRegister,
	chroma.NameVariable:  colorRegister,

	chroma.LiteralNumber:        colorNumber,
	chroma.LiteralNumberHex:     colorNumber,
	chroma.LiteralNumberBin:     colorNumber,
	chroma.LiteralNumberOct:     colorNumber,
	chroma.LiteralNumberInteger: colorNumber,
	chroma.LiteralNumberFloat:   colorNumber,

	chroma.NameLabel:    colorLabel,
	chroma.NameFunction: colorMnemonic,

	chroma.Operator:    colorMnemonic,
	chroma.Punctuation: colorMnemonic,

	chroma.String: colorString,
}))
