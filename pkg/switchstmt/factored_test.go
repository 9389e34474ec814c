package switchstmt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cs(low, high uint64, code string) SwitchCase {
	return SwitchCase{Low: low, High: high, Content: CaseContent{Code: code}}
}

func TestFactoredSwitchCompilerEmptyCases(t *testing.T) {
	c := NewFactoredSwitchCompiler(0)
	out := c.Compile(Statement{SwitchVar: "pc", DefaultCase: "return 1;\n"})
	assert.Equal(t, "return 1;\n", out)
	assert.Equal(t, Stats{}, c.Stats())
}

func TestFactoredSwitchCompilerDedupesIdenticalContent(t *testing.T) {
	// S5: three identical-content cases collapse to one label, each
	// referenced by a distinct goto.
	c := NewFactoredSwitchCompiler(0)
	sw := Statement{
		SwitchVar:   "pc",
		DefaultCase: "assert(0);\n",
		Cases: []SwitchCase{
			cs(0x10, 0x1f, "do_thing();\n"),
			cs(0x30, 0x3f, "do_thing();\n"),
			cs(0x50, 0x5f, "do_thing();\n"),
		},
	}
	out := c.Compile(sw)

	stats := c.Stats()
	assert.Equal(t, 1, stats.GeneratedCount, "P4: one block per distinct content")
	assert.Equal(t, 3, stats.ReferCount, "P4: one goto per input case")
	assert.Equal(t, 1, strings.Count(out, "_factor_0:"), "exactly one label definition")
	assert.Equal(t, 3, strings.Count(out, "goto _factor_0;"), "three gotos to the shared label")
	assert.Contains(t, out, "goto _factor_default")
}

func TestFactoredSwitchCompilerDistinctContentGetsDistinctLabels(t *testing.T) {
	c := NewFactoredSwitchCompiler(0)
	sw := Statement{
		SwitchVar:   "pc",
		DefaultCase: "assert(0);\n",
		Cases: []SwitchCase{
			cs(0x10, 0x1f, "a();\n"),
			cs(0x20, 0x2f, "b();\n"),
		},
	}
	out := c.Compile(sw)
	stats := c.Stats()
	assert.Equal(t, 2, stats.GeneratedCount)
	assert.Equal(t, 2, stats.ReferCount)
	assert.Contains(t, out, "_factor_0:")
	assert.Contains(t, out, "_factor_1:")
}

func TestFactoredSwitchCompilerGapReachesDefault(t *testing.T) {
	// An uncovered pc (0x25 in this layout) takes the pc < 0x30 branch and
	// then hits the leaf's gap check: verify the generated source contains
	// that check, which falls through to _factor_default.
	c := NewFactoredSwitchCompiler(0)
	sw := Statement{
		SwitchVar:   "pc",
		DefaultCase: "assert(0);\n",
		Cases: []SwitchCase{
			cs(0x10, 0x1f, "x();\n"),
			cs(0x30, 0x3f, "x();\n"),
			cs(0x50, 0x5f, "x();\n"),
		},
	}
	out := c.Compile(sw)
	require.Contains(t, out, "if(pc > 0x1f) goto _factor_default;")
}

func TestFactoredSwitchCompilerSingleCaseNoGap(t *testing.T) {
	c := NewFactoredSwitchCompiler(0)
	sw := Statement{
		SwitchVar:   "pc",
		DefaultCase: "assert(0);\n",
		Cases:       []SwitchCase{cs(0x1000, 0x100f, "x();\n")},
	}
	out := c.Compile(sw)
	assert.Equal(t, 1, strings.Count(out, "goto _factor_default;"), "only the outer range guard, no per-leaf gap check")
	assert.Contains(t, out, "goto _factor_0;")
}
