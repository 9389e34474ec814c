// Package dwarffilter implements the canonicalization pipeline that
// turns a raw SimpleDwarf (straight off the DWARF reader) into one that
// satisfies the invariants pkg/codegen relies on: sorted, non-overlapping,
// non-empty FDEs with strictly increasing, non-redundant rows.
//
// Each filter is a total function SimpleDwarf -> SimpleDwarf, modeled as
// an interface rather than the C++ SimpleDwarfFilter base class
// (REDESIGN FLAGS, spec.md §9): the "enabled" toggle lives on the
// concrete filter, not in a shared hierarchy.
package dwarffilter

import (
	"sort"

	"github.com/frdwarf/dwarf-assembly/internal/logflags"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
)

// Filter transforms a SimpleDwarf into an equivalent, more canonical
// one. Implementations must be pure: the input is never mutated.
type Filter interface {
	Apply(dw dwarfmodel.SimpleDwarf) dwarfmodel.SimpleDwarf
}

// Pipeline runs filters in order, feeding each one's output to the next.
// The canonical order (spec.md §4.2) is:
//
//	ConseqEquivFilter -> OverriddenRowFilter -> EmptyFdeDeleter -> PcHoleFiller
func Pipeline(dw dwarfmodel.SimpleDwarf, filters ...Filter) dwarfmodel.SimpleDwarf {
	out := dw
	for _, f := range filters {
		out = f.Apply(out)
	}
	return out
}

// Canonical builds the standard pipeline. keepHoles disables the final
// PcHoleFiller stage (the CLI's --keep-holes flag).
func Canonical(keepHoles bool) []Filter {
	return []Filter{
		ConseqEquivFilter{},
		OverriddenRowFilter{},
		EmptyFdeDeleter{},
		&PcHoleFiller{Enabled: !keepHoles},
	}
}

func sortedByBegIP(fdes []dwarfmodel.Fde) []dwarfmodel.Fde {
	out := append([]dwarfmodel.Fde(nil), fdes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].BegIP < out[j].BegIP })
	return out
}

// AntiOverlapFilter truncates overlapping adjacent FDEs so no two FDEs
// cover the same PC: the higher-BegIP FDE keeps its range, the lower one
// is cut short. Unlike the original implementation, it only rewrites
// end_ip when an actual overlap is detected (spec.md §9 REDESIGN FLAGS:
// the unconditional rewrite was a bug, indistinguishable in effect from
// PcHoleFiller).
type AntiOverlapFilter struct {
	Enabled bool
}

func (f AntiOverlapFilter) Apply(dw dwarfmodel.SimpleDwarf) dwarfmodel.SimpleDwarf {
	if !f.Enabled {
		return dw
	}
	out := dwarfmodel.SimpleDwarf{Fdes: sortedByBegIP(dw.Fdes)}
	log := logflags.Logger("filter")
	for i := 0; i < len(out.Fdes)-1; i++ {
		if out.Fdes[i].EndIP > out.Fdes[i+1].BegIP {
			log.Warnf("overlapping FDEs %#x-%#x and %#x-%#x",
				out.Fdes[i].BegIP, out.Fdes[i].EndIP,
				out.Fdes[i+1].BegIP, out.Fdes[i+1].EndIP)
			out.Fdes[i].EndIP = out.Fdes[i+1].BegIP
		}
	}
	return out
}

// PcHoleFiller extends every FDE's EndIP to the next FDE's BegIP,
// eliminating inter-FDE gaps so the generated dispatch table never falls
// to its default case between two known functions. The last FDE's EndIP
// is left unchanged.
type PcHoleFiller struct {
	Enabled bool
}

func (f *PcHoleFiller) Apply(dw dwarfmodel.SimpleDwarf) dwarfmodel.SimpleDwarf {
	if !f.Enabled {
		return dw
	}
	out := dwarfmodel.SimpleDwarf{Fdes: sortedByBegIP(dw.Fdes)}
	log := logflags.Logger("filter")
	for i := 0; i < len(out.Fdes)-1; i++ {
		if out.Fdes[i].EndIP > out.Fdes[i+1].BegIP {
			log.Warnf("FDE %#x-%#x overlaps %#x-%#x",
				out.Fdes[i].BegIP, out.Fdes[i].EndIP,
				out.Fdes[i+1].BegIP, out.Fdes[i+1].EndIP)
		}
		out.Fdes[i].EndIP = out.Fdes[i+1].BegIP
	}
	return out
}

// EmptyFdeDeleter removes FDEs with no rows: an empty FDE would
// otherwise fabricate an invalid, contentless dispatch range.
type EmptyFdeDeleter struct{}

func (EmptyFdeDeleter) Apply(dw dwarfmodel.SimpleDwarf) dwarfmodel.SimpleDwarf {
	out := dwarfmodel.SimpleDwarf{Fdes: make([]dwarfmodel.Fde, 0, len(dw.Fdes))}
	for _, fde := range dw.Fdes {
		if len(fde.Rows) > 0 {
			out.Fdes = append(out.Fdes, fde)
		}
	}
	return out
}

// ConseqEquivFilter drops rows whose recovery formulas are pointwise
// identical to the previous kept row within the same FDE (DwRow.Equiv).
// It operates intra-FDE only: it never looks across FDE boundaries, even
// when one FDE's last row matches the next FDE's first row (spec.md §8,
// scenario S2).
type ConseqEquivFilter struct{}

func (ConseqEquivFilter) Apply(dw dwarfmodel.SimpleDwarf) dwarfmodel.SimpleDwarf {
	out := dwarfmodel.SimpleDwarf{Fdes: make([]dwarfmodel.Fde, 0, len(dw.Fdes))}
	for _, fde := range dw.Fdes {
		cur := dwarfmodel.Fde{FDEOffset: fde.FDEOffset, BegIP: fde.BegIP, EndIP: fde.EndIP}
		for i, row := range fde.Rows {
			if i == 0 || !row.Equiv(cur.Rows[len(cur.Rows)-1]) {
				cur.Rows = append(cur.Rows, row)
			}
		}
		out.Fdes = append(out.Fdes, cur)
	}
	return out
}

// OverriddenRowFilter keeps only the last row among any group sharing
// the same IP, matching DWARF semantics: later instructions at the same
// address override earlier ones.
type OverriddenRowFilter struct{}

func (OverriddenRowFilter) Apply(dw dwarfmodel.SimpleDwarf) dwarfmodel.SimpleDwarf {
	out := dwarfmodel.SimpleDwarf{Fdes: make([]dwarfmodel.Fde, 0, len(dw.Fdes))}
	for _, fde := range dw.Fdes {
		cur := dwarfmodel.Fde{FDEOffset: fde.FDEOffset, BegIP: fde.BegIP, EndIP: fde.EndIP}
		for i, row := range fde.Rows {
			if i == len(fde.Rows)-1 || row.IP != fde.Rows[i+1].IP {
				cur.Rows = append(cur.Rows, row)
			}
		}
		out.Fdes = append(out.Fdes, cur)
	}
	return out
}
