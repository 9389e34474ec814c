// Package codegen lowers a filtered SimpleDwarf to C source: either one
// function per FDE plus a PC-to-function lookup table (SwitchPerFunc),
// or a single global unwinding function (GlobalSwitch). Dispatch itself
// is delegated to pkg/switchstmt; this package only derives the case
// table and the per-row register-recovery formulas (spec.md §4.4).
package codegen

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
	"github.com/frdwarf/dwarf-assembly/pkg/switchstmt"
)

// ErrNotImplementedCase is the error ctxOfMachineReg reports for a
// machine register that cannot be the base of a Register formula (RIP,
// RA). Generate does not return it: genReg writes a `0 /* unreachable */`
// placeholder instead, as it does for an Undefined register reached
// where a value is required. In well-formed input neither happens:
// pkg/dwarffilter and the pre-checks in genRowContent guard against it.
var ErrNotImplementedCase = errors.New("codegen: not implemented case")

// Policy selects how functions are emitted.
type Policy int

const (
	// SwitchPerFunc emits one function per FDE plus a lookup function.
	SwitchPerFunc Policy = iota
	// GlobalSwitch emits a single function covering every FDE.
	GlobalSwitch
)

// NamingScheme derives a generated function's name from its FDE. The
// default is `_fde_<BegIP>`, matching the original generator's naming.
type NamingScheme func(fde dwarfmodel.Fde) string

// DefaultNamingScheme is `_fde_<hex BegIP>`.
func DefaultNamingScheme(fde dwarfmodel.Fde) string {
	return fmt.Sprintf("_fde_%x", fde.BegIP)
}

// Options configures a Generator.
type Options struct {
	Policy         Policy
	EnableDerefArg bool
	NamingScheme   NamingScheme
	Compiler       switchstmt.Compiler // dispatch back end; defaults to a FactoredSwitchCompiler
}

// contextStructC is the shared ABI struct this generator's callers
// expect (pkg/abi.UnwindContext, restated in C for the generated file).
const contextStructC = `typedef struct {
    uint8_t   flags;
    uintptr_t rip, rsp, rbp, rbx;
} unwind_context_t;

typedef uintptr_t (*deref_func_t)(uintptr_t);

typedef unwind_context_t (*_fde_func_t)(unwind_context_t, uintptr_t);
typedef unwind_context_t (*_fde_func_with_deref_t)(
        unwind_context_t, uintptr_t, deref_func_t);
`

const prelude = "#include <assert.h>\n#include <stdint.h>\n"

// flagBits mirror pkg/abi's bit positions; kept local so this package
// has no import-time dependency loop with generated-code readers.
const (
	flagRIP   = 1 << 0
	flagRSP   = 1 << 1
	flagRBP   = 1 << 2
	flagRBX   = 1 << 3
	flagError = 1 << 7
)

// Generator emits C source for a filtered SimpleDwarf.
type Generator struct {
	dwarf dwarfmodel.SimpleDwarf
	opts  Options
}

// New validates options (filling in defaults) and returns a Generator
// for dw. dw should already have gone through pkg/dwarffilter's
// canonical pipeline.
func New(dw dwarfmodel.SimpleDwarf, opts Options) *Generator {
	if opts.NamingScheme == nil {
		opts.NamingScheme = DefaultNamingScheme
	}
	if opts.Compiler == nil {
		opts.Compiler = switchstmt.NewFactoredSwitchCompiler(1)
	}
	return &Generator{dwarf: dw, opts: opts}
}

// Generate writes the full generated C source to w.
func (g *Generator) Generate(w io.Writer) error {
	fmt.Fprintln(w, contextStructC)
	fmt.Fprintln(w, prelude)

	switch g.opts.Policy {
	case SwitchPerFunc:
		return g.generateSwitchPerFunc(w)
	case GlobalSwitch:
		return g.generateGlobalSwitch(w)
	default:
		return fmt.Errorf("codegen: unknown policy %d", g.opts.Policy)
	}
}

type lookupEntry struct {
	name     string
	beg, end uint64
}

func (g *Generator) generateSwitchPerFunc(w io.Writer) error {
	entries := make([]lookupEntry, 0, len(g.dwarf.Fdes))
	for _, fde := range g.dwarf.Fdes {
		name := g.opts.NamingScheme(fde)
		entries = append(entries, lookupEntry{name: name, beg: fde.BegIP, end: fde.EndIP})

		g.genFuncHeader(w, name)
		sw := g.freshSwitch()
		g.appendFde(&sw, fde)
		fmt.Fprint(w, g.opts.Compiler.Compile(sw))
		g.genFuncFooter(w)
		fmt.Fprintln(w)
	}
	g.genLookup(w, entries)
	return nil
}

// lookupFuncType names the function-pointer typedef _fde_lookup returns:
// it must match the signature genFuncHeader actually emitted for every
// per-FDE function (plain or carrying the deref argument).
func (g *Generator) lookupFuncType() string {
	if g.opts.EnableDerefArg {
		return "_fde_func_with_deref_t"
	}
	return "_fde_func_t"
}

func (g *Generator) generateGlobalSwitch(w io.Writer) error {
	g.genFuncHeader(w, "_eh_elf")
	sw := g.freshSwitch()
	for _, fde := range g.dwarf.Fdes {
		g.appendFde(&sw, fde)
	}
	fmt.Fprint(w, g.opts.Compiler.Compile(sw))
	g.genFuncFooter(w)
	return nil
}

func (g *Generator) genFuncHeader(w io.Writer, name string) {
	derefArg := ""
	if g.opts.EnableDerefArg {
		derefArg = ", deref_func_t deref"
	}
	fmt.Fprintf(w, "unwind_context_t %s(unwind_context_t ctx, uintptr_t pc%s) {\n\tunwind_context_t out_ctx;\n", name, derefArg)
}

func (g *Generator) genFuncFooter(w io.Writer) {
	fmt.Fprintln(w, "}")
}

func (g *Generator) freshSwitch() switchstmt.Statement {
	return switchstmt.Statement{
		SwitchVar:   "pc",
		DefaultCase: fmt.Sprintf("out_ctx.flags = %du;\nreturn out_ctx;\n", flagError),
	}
}

// appendFde adds one SwitchCase per row of fde to sw.
func (g *Generator) appendFde(sw *switchstmt.Statement, fde dwarfmodel.Fde) {
	for i, row := range fde.Rows {
		upBound := fde.EndIP - 1
		if i != len(fde.Rows)-1 {
			upBound = fde.Rows[i+1].IP - 1
		}
		var code strings.Builder
		g.genRowContent(row, &code)
		sw.Cases = append(sw.Cases, switchstmt.SwitchCase{
			Low:     row.IP,
			High:    upBound,
			Content: switchstmt.CaseContent{Code: code.String()},
		})
	}
}

// genRowContent lowers one row to the body of its dispatch case,
// following the flag semantics of spec.md §4.4 exactly:
//  1. ra not implemented => error, skip all assignments.
//  2. cfa defined => assign rsp, set flag; cfa not implemented => error.
//  3. rbp/ra/rbx defined (and implemented) => assign, set flag.
//  4. always write out_ctx.flags and return.
func (g *Generator) genRowContent(row dwarfmodel.DwRow, w io.Writer) {
	flags := 0

	if !checkRegValid(row.RA) {
		flags |= flagError
		fmt.Fprintf(w, "out_ctx.flags = %du;\nreturn out_ctx;\n", flags)
		return
	}

	if checkRegDefined(row.CFA) {
		flags |= flagRSP
		fmt.Fprint(w, "out_ctx.rsp = ")
		g.genReg(row.CFA, w)
		fmt.Fprintln(w, ";")
	} else {
		flags |= flagError
		fmt.Fprintf(w, "out_ctx.flags = %du;\nreturn out_ctx;\n", flags)
		return
	}

	if checkRegDefined(row.RBP) {
		flags |= flagRBP
		fmt.Fprint(w, "out_ctx.rbp = ")
		g.genReg(row.RBP, w)
		fmt.Fprintln(w, ";")
	}

	if checkRegDefined(row.RA) {
		flags |= flagRIP
		fmt.Fprint(w, "out_ctx.rip = ")
		g.genReg(row.RA, w)
		fmt.Fprintln(w, ";")
	}

	if checkRegDefined(row.RBX) {
		flags |= flagRBX
		fmt.Fprint(w, "out_ctx.rbx = ")
		g.genReg(row.RBX, w)
		fmt.Fprintln(w, ";")
	}

	fmt.Fprintf(w, "out_ctx.flags = %du;\nreturn out_ctx;\n", flags)
}

// checkRegDefined reports whether reg carries any recoverable value at
// all (Undefined and NotImplemented both mean "nothing to assign").
func checkRegDefined(reg dwarfmodel.DwRegister) bool {
	switch reg.Kind {
	case dwarfmodel.RegUndefined, dwarfmodel.RegNotImplemented:
		return false
	default:
		return true
	}
}

// checkRegValid reports whether reg is safe to lower to an expression:
// everything except NotImplemented (Undefined still "valid" here, callers
// distinguish the CFA case, which must also be defined, from RA which
// may legitimately be undefined at the last row of a leaf function).
func checkRegValid(reg dwarfmodel.DwRegister) bool {
	return reg.Kind != dwarfmodel.RegNotImplemented
}

func ctxOfMachineReg(reg dwarfmodel.MachineRegister) (string, error) {
	switch reg {
	case dwarfmodel.RSP:
		return "ctx.rsp", nil
	case dwarfmodel.RBP:
		return "ctx.rbp", nil
	case dwarfmodel.RBX:
		return "ctx.rbx", nil
	default: // RIP, RA: never valid as the base of a Register formula
		return "", ErrNotImplementedCase
	}
}

func (g *Generator) genReg(reg dwarfmodel.DwRegister, w io.Writer) {
	switch reg.Kind {
	case dwarfmodel.RegRegister:
		base, err := ctxOfMachineReg(reg.Reg)
		if err != nil {
			// Guarded by genRowContent's pre-checks; reaching this means a
			// filter upstream let an invalid formula through.
			fmt.Fprint(w, "0 /* unreachable */")
			return
		}
		fmt.Fprintf(w, "%s + (%d)", base, reg.Offset)
	case dwarfmodel.RegCFAOffset:
		if g.opts.EnableDerefArg {
			fmt.Fprintf(w, "deref(out_ctx.rsp + (%d))", reg.Offset)
		} else {
			fmt.Fprintf(w, "*((uintptr_t*)(out_ctx.rsp + (%d)))", reg.Offset)
		}
	case dwarfmodel.RegPLTExpr:
		// The canonical PLT stub's CFA formula (plt_std_expr.hpp),
		// reproduced directly as the DW_OP_breg7/breg16/lit/and/ge/shl/plus
		// stack program evaluates it: CFA is 8 past the incoming rsp, plus
		// another 8 when the low nibble of the current pc is 11 or more
		// within a 16-byte PLT stub.
		fmt.Fprintf(w, "(ctx.rsp + 8) + (((pc & 15) >= 11) << 3)")
	default:
		// RegUndefined/RegNotImplemented must never reach here;
		// genRowContent's checkRegDefined/checkRegValid pre-checks exist
		// precisely to rule this out.
		fmt.Fprint(w, "0 /* unreachable */")
	}
}

func (g *Generator) genLookup(w io.Writer, entries []lookupEntry) {
	fmt.Fprintf(w, "%s _fde_lookup(uintptr_t pc) {\n", g.lookupFuncType())
	fmt.Fprintln(w, "\tswitch(pc) {")
	for _, e := range entries {
		fmt.Fprintf(w, "\t\tcase 0x%x ... 0x%x:\n\t\t\treturn &%s;\n", e.beg, e.end-1, e.name)
	}
	fmt.Fprintln(w, "\t\tdefault: assert(0);")
	fmt.Fprintln(w, "\t}")
	fmt.Fprintln(w, "}")
}
