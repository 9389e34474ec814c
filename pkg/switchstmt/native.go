package switchstmt

import (
	"fmt"
	"strings"
)

// NativeSwitchCompiler emits a plain C switch using GCC's range-case
// extension (`case LO ... HI:`). Straightforward, but every case body is
// duplicated verbatim even when many cases share identical content —
// FactoredSwitchCompiler exists to avoid that.
type NativeSwitchCompiler struct {
	indenter
}

// NewNativeSwitchCompiler returns a compiler that indents its output
// starting at the given depth.
func NewNativeSwitchCompiler(indent int) *NativeSwitchCompiler {
	return &NativeSwitchCompiler{indenter{depth: indent}}
}

func (c *NativeSwitchCompiler) Compile(sw Statement) string {
	var b strings.Builder
	b.WriteString(c.tabs())
	b.WriteString("switch(" + sw.SwitchVar + ") {\n")
	c.depth++

	for _, cs := range sw.Cases {
		b.WriteString(c.tabs())
		b.WriteString(fmt.Sprintf("case 0x%x ... 0x%x:\n", cs.Low, cs.High))
		c.depth++
		b.WriteString(c.indentBlock(cs.Content.Code))
		c.depth--
	}

	b.WriteString(c.tabs())
	b.WriteString("default:\n")
	c.depth++
	b.WriteString(c.indentBlock(sw.DefaultCase))
	c.depth--

	b.WriteString(c.tabs())
	b.WriteString("}\n")
	c.depth--

	return b.String()
}
