// Package switchstmt implements the dispatch intermediate representation
// (spec.md §4.3): a table of PC-range -> code block, lowered to C either
// as a native switch or as a binary-searched, label-factored form. The
// IR is deliberately ignorant of how it gets lowered; that's the
// Compiler's job.
package switchstmt

import "strings"

// CaseContent is an opaque generated code block. Two contents are equal
// iff their source text is byte-identical; FactoredSwitchCompiler uses
// this to deduplicate structurally identical cases.
type CaseContent struct {
	Code string
}

// SwitchCase is one non-overlapping [Low, High] PC range and the code to
// run when the switch variable falls inside it.
type SwitchCase struct {
	Low, High uint64
	Content   CaseContent
}

// Statement is a case table: cases must be sorted ascending by Low and
// non-overlapping (Low <= High, and no two cases share any PC).
type Statement struct {
	SwitchVar   string // always "pc" in this module
	Cases       []SwitchCase
	DefaultCase string
}

// Compiler lowers a Statement to C source text.
type Compiler interface {
	Compile(sw Statement) string
}

// indenter is embedded by value (not inherited) in each compiler: the
// REDESIGN FLAGS note in spec.md §9 replaces the C++ AbstractSwitchCompiler
// base class with plain composition.
type indenter struct {
	depth int
}

func (ind indenter) tabs() string {
	return strings.Repeat("\t", ind.depth)
}

// indentBlock prefixes every line of code (which may itself be
// multi-line, already-generated C) with the current indent depth.
func (ind indenter) indentBlock(code string) string {
	lines := strings.Split(code, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i == len(lines)-1 && line == "" {
			// Trailing newline in the source: don't emit a dangling indent.
			break
		}
		b.WriteString(ind.tabs())
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}
