package switchstmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNativeSwitchCompilerBasic(t *testing.T) {
	c := NewNativeSwitchCompiler(0)
	sw := Statement{
		SwitchVar:   "pc",
		DefaultCase: "assert(0);\n",
		Cases: []SwitchCase{
			cs(0x10, 0x1f, "a();\n"),
			cs(0x20, 0x2f, "b();\n"),
		},
	}
	out := c.Compile(sw)
	assert.Contains(t, out, "switch(pc) {")
	assert.Contains(t, out, "case 0x10 ... 0x1f:")
	assert.Contains(t, out, "case 0x20 ... 0x2f:")
	assert.Contains(t, out, "default:")
	assert.Contains(t, out, "a();")
	assert.Contains(t, out, "b();")
}

func TestNativeSwitchCompilerEmptyCases(t *testing.T) {
	c := NewNativeSwitchCompiler(0)
	out := c.Compile(Statement{SwitchVar: "pc", DefaultCase: "assert(0);\n"})
	assert.Contains(t, out, "switch(pc) {")
	assert.Contains(t, out, "default:")
}
