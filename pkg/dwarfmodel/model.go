// Package dwarfmodel holds SimpleDwarf, the normalized in-memory
// representation of Call Frame Information that the rest of this module
// operates on. It is built once by pkg/dwarfread, canonicalized by
// pkg/dwarffilter, and consumed by pkg/codegen; nothing else mutates it.
package dwarfmodel

import (
	"fmt"
	"strings"

	"github.com/frdwarf/dwarf-assembly/pkg/abi"
)

// MachineRegister enumerates the x86-64 registers this system tracks,
// plus the synthetic "return address" register.
type MachineRegister int

const (
	RIP MachineRegister = iota
	RSP
	RBP
	RBX
	RA // not a real machine register: the return-address column
)

func (r MachineRegister) String() string {
	switch r {
	case RIP:
		return "rip"
	case RSP:
		return "rsp"
	case RBP:
		return "rbp"
	case RBX:
		return "rbx"
	case RA:
		return "RA"
	default:
		return fmt.Sprintf("reg(%d)", int(r))
	}
}

// ToSharedFlag maps a MachineRegister onto its bit in the ABI flags
// byte (pkg/abi). RA has no corresponding bit: the return address is
// reported through RIP.
func ToSharedFlag(reg MachineRegister) uint8 {
	switch reg {
	case RIP:
		return 1 << abi.FlagRIP
	case RSP:
		return 1 << abi.FlagRSP
	case RBP:
		return 1 << abi.FlagRBP
	case RBX:
		return 1 << abi.FlagRBX
	default:
		return 0
	}
}

// RegisterKind is the tag of a DwRegister.
type RegisterKind int

const (
	// RegUndefined: not yet set in this FDE.
	RegUndefined RegisterKind = iota
	// RegRegister: value is ctx[Reg] + Offset.
	RegRegister
	// RegCFAOffset: value is the machine word at [cfa + Offset].
	RegCFAOffset
	// RegPLTExpr: the canonical PLT stub expression (spec.md §6).
	RegPLTExpr
	// RegNotImplemented: an expression outside the recognized subset.
	RegNotImplemented
)

// DwRegister describes how to recover one saved register at a given PC.
type DwRegister struct {
	Kind   RegisterKind
	Reg    MachineRegister // valid when Kind == RegRegister
	Offset int64           // valid when Kind == RegRegister or RegCFAOffset
}

// Undefined is the zero-value register: not yet set in this FDE.
var Undefined = DwRegister{Kind: RegUndefined}

// Register builds a DwRegister of kind RegRegister.
func Register(reg MachineRegister, offset int64) DwRegister {
	return DwRegister{Kind: RegRegister, Reg: reg, Offset: offset}
}

// CFAOffset builds a DwRegister of kind RegCFAOffset.
func CFAOffset(offset int64) DwRegister {
	return DwRegister{Kind: RegCFAOffset, Offset: offset}
}

// PLTExpr is the shared RegPLTExpr marker value.
var PLTExpr = DwRegister{Kind: RegPLTExpr}

// NotImplemented is the shared RegNotImplemented marker value.
var NotImplemented = DwRegister{Kind: RegNotImplemented}

// Equiv reports whether two registers describe the same recovery rule,
// the equality ConseqEquivFilter dedups rows on.
func (r DwRegister) Equiv(o DwRegister) bool {
	return r.Kind == o.Kind && r.Offset == o.Offset && r.Reg == o.Reg
}

func (r DwRegister) String() string {
	switch r.Kind {
	case RegUndefined:
		return "u"
	case RegRegister:
		if r.Offset >= 0 {
			return fmt.Sprintf("%s+%d", r.Reg, r.Offset)
		}
		return fmt.Sprintf("%s%d", r.Reg, r.Offset)
	case RegCFAOffset:
		if r.Offset >= 0 {
			return fmt.Sprintf("c+%d", r.Offset)
		}
		return fmt.Sprintf("c%d", r.Offset)
	case RegPLTExpr:
		return "PLT"
	case RegNotImplemented:
		return "X"
	default:
		return "?"
	}
}

// DwRow is the unwinding table state for a contiguous PC range starting
// at IP (inclusive); the upper bound is implicit: the next row's IP
// minus one, or the owning FDE's EndIP minus one for the last row.
type DwRow struct {
	IP            uint64
	CFA, RBP, RBX, RA DwRegister
}

// Equiv reports whether two rows carry pointwise-equal recovery
// formulas for every tracked register (IP is not compared: callers that
// need IP equality too should compare it separately, as
// OverriddenRowFilter does).
func (r DwRow) Equiv(o DwRow) bool {
	return r.CFA.Equiv(o.CFA) && r.RBP.Equiv(o.RBP) && r.RBX.Equiv(o.RBX) && r.RA.Equiv(o.RA)
}

func (r DwRow) String() string {
	return fmt.Sprintf("%#x\t%s\t%s\t%s\t%s", r.IP, r.CFA, r.RBP, r.RBX, r.RA)
}

// Fde is one function's unwinding table.
type Fde struct {
	FDEOffset    uint64
	BegIP, EndIP uint64 // [BegIP, EndIP), EndIP exclusive
	Rows         []DwRow
}

func (f Fde) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FDE: %#x … %#x\nIP\tCFA\tRBP\tRBX\tRA\n", f.BegIP, f.EndIP)
	for _, row := range f.Rows {
		fmt.Fprintln(&b, row)
	}
	return b.String()
}

// Clone returns a deep copy of this Fde (filters never mutate a shared
// Rows slice in place).
func (f Fde) Clone() Fde {
	out := f
	out.Rows = append([]DwRow(nil), f.Rows...)
	return out
}

// SimpleDwarf is an ordered sequence of FDEs. After the canonical filter
// pipeline has run it additionally satisfies: sorted by BegIP; no two
// FDEs overlap; no empty FDEs; no two consecutive equivalent rows within
// one FDE.
type SimpleDwarf struct {
	Fdes []Fde
}

// Clone returns a deep copy: filters return fresh instances rather than
// mutating their input.
func (d SimpleDwarf) Clone() SimpleDwarf {
	out := SimpleDwarf{Fdes: make([]Fde, len(d.Fdes))}
	for i, fde := range d.Fdes {
		out.Fdes[i] = fde.Clone()
	}
	return out
}

func (d SimpleDwarf) String() string {
	var b strings.Builder
	for _, fde := range d.Fdes {
		fmt.Fprintln(&b, fde)
		fmt.Fprintln(&b)
	}
	return b.String()
}
