package switchstmt

import (
	"fmt"
	"strings"
)

// Stats reports how many case bodies FactoredSwitchCompiler actually had
// to emit versus how many were referenced — the difference is the
// number of `goto`s that got to share an already-emitted block instead
// of duplicating it.
type Stats struct {
	GeneratedCount int
	ReferCount     int
}

// FactoredSwitchCompiler lowers a Statement to a binary-search dispatch
// tree whose leaves `goto` shared labels, one label per distinct
// case-content (byte-exact source equality) rather than one per case.
// This is the back end that matters for eh_elf: many functions share
// identical prologue/epilogue unwinding rules, and factoring collapses
// all of them into a single emitted block.
type FactoredSwitchCompiler struct {
	indenter
	curLabelID int
	stats      Stats
}

// NewFactoredSwitchCompiler returns a compiler that indents its output
// starting at the given depth.
func NewFactoredSwitchCompiler(indent int) *FactoredSwitchCompiler {
	return &FactoredSwitchCompiler{indenter: indenter{depth: indent}}
}

// Stats returns the generated/referenced label counts accumulated by the
// most recent call to Compile.
func (c *FactoredSwitchCompiler) Stats() Stats { return c.stats }

type jumpPoint = string

// jumpPointMap deduplicates labels by case content while preserving
// first-seen order, since the emission order of shared blocks is part of
// the generated output (spec.md §4.3 step 4).
type jumpPointMap struct {
	byContent map[string]jumpPoint
	order     []struct {
		label   jumpPoint
		content CaseContent
	}
}

func newJumpPointMap() *jumpPointMap {
	return &jumpPointMap{byContent: map[string]jumpPoint{}}
}

func (c *FactoredSwitchCompiler) getJumpPoint(jm *jumpPointMap, content CaseContent) jumpPoint {
	c.stats.ReferCount++
	if label, ok := jm.byContent[content.Code]; ok {
		return label
	}
	c.stats.GeneratedCount++
	label := fmt.Sprintf("_factor_%d", c.curLabelID)
	c.curLabelID++
	jm.byContent[content.Code] = label
	jm.order = append(jm.order, struct {
		label   jumpPoint
		content CaseContent
	}{label, content})
	return label
}

func (c *FactoredSwitchCompiler) Compile(sw Statement) string {
	c.stats = Stats{}
	var b strings.Builder

	if len(sw.Cases) == 0 {
		b.WriteString(c.indentBlock(sw.DefaultCase))
		return b.String()
	}

	jm := newJumpPointMap()
	lo, hi := sw.Cases[0].Low, sw.Cases[len(sw.Cases)-1].High

	b.WriteString(c.tabs())
	b.WriteString(fmt.Sprintf("if(%s < 0x%x || %s > 0x%x) goto _factor_default;\n", sw.SwitchVar, lo, sw.SwitchVar, hi))

	c.genBinsearchTree(&b, jm, sw.SwitchVar, sw.Cases, 0, len(sw.Cases), lo, hi)

	b.WriteString(c.tabs())
	b.WriteString("_factor_default:\n")
	b.WriteString(c.indentBlock(sw.DefaultCase))
	b.WriteByte('\n')

	c.genJumpPointsCode(&b, jm)

	return b.String()
}

func (c *FactoredSwitchCompiler) genJumpPointsCode(b *strings.Builder, jm *jumpPointMap) {
	for _, entry := range jm.order {
		b.WriteString(c.tabs())
		b.WriteString(entry.label)
		b.WriteString(":\n")
		b.WriteString(c.indentBlock(entry.content.Code))
		b.WriteByte('\n')
	}
	b.WriteString(c.tabs())
	b.WriteString("assert(0);\n")
}

// genBinsearchTree recurses on cases[begin:end], where (lo, hi) is the
// PC range this subtree is currently known to cover (established by the
// chain of comparisons taken to get here, not necessarily equal to the
// case's own [Low, High]).
func (c *FactoredSwitchCompiler) genBinsearchTree(
	b *strings.Builder, jm *jumpPointMap, swVar string,
	cases []SwitchCase, begin, end int, lo, hi uint64,
) {
	switch end - begin {
	case 0:
		b.WriteString(c.tabs())
		b.WriteString("assert(0);\n")
	case 1:
		cs := cases[begin]
		if lo < cs.Low {
			b.WriteString(c.tabs())
			b.WriteString(fmt.Sprintf("if(%s < 0x%x) goto _factor_default;\n", swVar, cs.Low))
		}
		if hi > cs.High {
			b.WriteString(c.tabs())
			b.WriteString(fmt.Sprintf("if(%s > 0x%x) goto _factor_default;\n", swVar, cs.High))
		}
		label := c.getJumpPoint(jm, cs.Content)
		b.WriteString(c.tabs())
		b.WriteString(fmt.Sprintf("// IP=0x%x ... 0x%x\n", cs.Low, cs.High))
		b.WriteString(c.tabs())
		b.WriteString("goto " + label + ";\n")
	default:
		mid := begin + (end-begin)/2
		b.WriteString(c.tabs())
		b.WriteString(fmt.Sprintf("if(%s < 0x%x) {\n", swVar, cases[mid].Low))
		c.depth++
		c.genBinsearchTree(b, jm, swVar, cases, begin, mid, lo, cases[mid].Low)
		c.depth--
		b.WriteString(c.tabs())
		b.WriteString("} else {\n")
		c.depth++
		c.genBinsearchTree(b, jm, swVar, cases, mid, end, cases[mid].Low, hi)
		c.depth--
		b.WriteString(c.tabs())
		b.WriteString("}\n")
	}
}
