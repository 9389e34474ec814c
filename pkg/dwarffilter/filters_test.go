package dwarffilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
)

func row(ip uint64, off int64) dwarfmodel.DwRow {
	return dwarfmodel.DwRow{
		IP:  ip,
		CFA: dwarfmodel.Register(dwarfmodel.RSP, off),
		RA:  dwarfmodel.CFAOffset(-8),
	}
}

func TestAntiOverlapFilterOnlyRewritesActualOverlap(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1010, Rows: []dwarfmodel.DwRow{row(0x1000, 8)}},
		{BegIP: 0x1020, EndIP: 0x1030, Rows: []dwarfmodel.DwRow{row(0x1020, 8)}},
	}}
	out := AntiOverlapFilter{Enabled: true}.Apply(dw)
	require.Len(t, out.Fdes, 2)
	assert.Equal(t, uint64(0x1010), out.Fdes[0].EndIP, "no overlap: EndIP must be untouched")
}

func TestAntiOverlapFilterTruncatesOverlap(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1030, Rows: []dwarfmodel.DwRow{row(0x1000, 8)}},
		{BegIP: 0x1020, EndIP: 0x1040, Rows: []dwarfmodel.DwRow{row(0x1020, 8)}},
	}}
	out := AntiOverlapFilter{Enabled: true}.Apply(dw)
	require.Len(t, out.Fdes, 2)
	assert.Equal(t, uint64(0x1020), out.Fdes[0].EndIP)
	assert.Equal(t, uint64(0x1040), out.Fdes[1].EndIP)
}

func TestAntiOverlapFilterDisabledIsPassthrough(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1030},
		{BegIP: 0x1020, EndIP: 0x1040},
	}}
	out := AntiOverlapFilter{Enabled: false}.Apply(dw)
	assert.Equal(t, dw, out)
}

func TestPcHoleFillerClosesGapsButKeepsLastFde(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1005, Rows: []dwarfmodel.DwRow{row(0x1000, 8)}},
		{BegIP: 0x1020, EndIP: 0x1030, Rows: []dwarfmodel.DwRow{row(0x1020, 8)}},
	}}
	out := (&PcHoleFiller{Enabled: true}).Apply(dw)
	require.Len(t, out.Fdes, 2)
	assert.Equal(t, uint64(0x1020), out.Fdes[0].EndIP, "hole must be closed")
	assert.Equal(t, uint64(0x1030), out.Fdes[1].EndIP, "last FDE is unchanged")
}

func TestPcHoleFillerContiguousFdesAreNoop(t *testing.T) {
	// Scenario S2: contiguous FDEs, PcHoleFiller must not change EndIP.
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1020, Rows: []dwarfmodel.DwRow{row(0x1000, 8)}},
		{BegIP: 0x1020, EndIP: 0x1040, Rows: []dwarfmodel.DwRow{row(0x1020, 8)}},
	}}
	out := (&PcHoleFiller{Enabled: true}).Apply(dw)
	assert.Equal(t, uint64(0x1020), out.Fdes[0].EndIP)
	assert.Equal(t, uint64(0x1040), out.Fdes[1].EndIP)
}

func TestEmptyFdeDeleter(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1010, Rows: []dwarfmodel.DwRow{row(0x1000, 8)}},
		{BegIP: 0x1010, EndIP: 0x1020, Rows: nil},
	}}
	out := EmptyFdeDeleter{}.Apply(dw)
	require.Len(t, out.Fdes, 1)
	assert.Equal(t, uint64(0x1000), out.Fdes[0].BegIP)
}

func TestConseqEquivFilterIsIntraFdeOnly(t *testing.T) {
	// Scenario S2: two FDEs whose rows are equal across the boundary must
	// both survive, since the filter never looks across FDEs.
	shared := row(0x1000, 8)
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1020, Rows: []dwarfmodel.DwRow{shared}},
		{BegIP: 0x1020, EndIP: 0x1040, Rows: []dwarfmodel.DwRow{{IP: 0x1020, CFA: shared.CFA, RA: shared.RA}}},
	}}
	out := ConseqEquivFilter{}.Apply(dw)
	require.Len(t, out.Fdes, 2)
	assert.Len(t, out.Fdes[0].Rows, 1)
	assert.Len(t, out.Fdes[1].Rows, 1)
}

func TestConseqEquivFilterDropsDuplicates(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1030, Rows: []dwarfmodel.DwRow{
			row(0x1000, 8),
			row(0x1008, 8), // same formula, different IP: dropped
			row(0x1020, 16),
		}},
	}}
	out := ConseqEquivFilter{}.Apply(dw)
	require.Len(t, out.Fdes[0].Rows, 2)
	assert.Equal(t, uint64(0x1000), out.Fdes[0].Rows[0].IP)
	assert.Equal(t, uint64(0x1020), out.Fdes[0].Rows[1].IP)
}

func TestOverriddenRowFilterKeepsLastAtSameIP(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1030, Rows: []dwarfmodel.DwRow{
			row(0x1000, 8),
			row(0x1000, 16), // overrides the first at the same IP
			row(0x1020, 16),
		}},
	}}
	out := OverriddenRowFilter{}.Apply(dw)
	require.Len(t, out.Fdes[0].Rows, 2)
	assert.Equal(t, int64(16), out.Fdes[0].Rows[0].CFA.Offset)
}

func TestFiltersAreIdempotent(t *testing.T) {
	// R2: every filter is idempotent at its fixed point.
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1030, Rows: []dwarfmodel.DwRow{
			row(0x1000, 8),
			row(0x1000, 16),
			row(0x1020, 16),
		}},
		{BegIP: 0x1030, EndIP: 0x1040, Rows: nil},
	}}

	filters := []Filter{
		AntiOverlapFilter{Enabled: true},
		&PcHoleFiller{Enabled: true},
		EmptyFdeDeleter{},
		ConseqEquivFilter{},
		OverriddenRowFilter{},
	}
	for _, f := range filters {
		once := f.Apply(dw)
		twice := f.Apply(once)
		assert.Equal(t, once, twice)
	}
}

func TestCanonicalPipelineOrder(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1010, Rows: []dwarfmodel.DwRow{row(0x1000, 8), row(0x1000, 16)}},
		{BegIP: 0x1010, EndIP: 0x1020, Rows: nil},
		{BegIP: 0x1020, EndIP: 0x1025, Rows: []dwarfmodel.DwRow{row(0x1020, 8)}},
	}}
	out := Pipeline(dw, Canonical(false)...)

	require.Len(t, out.Fdes, 2, "empty FDE must be gone")
	assert.Equal(t, uint64(0x1020), out.Fdes[0].EndIP, "hole filled")
	assert.Equal(t, uint64(0x1025), out.Fdes[1].EndIP, "last FDE untouched")
	require.Len(t, out.Fdes[0].Rows, 1, "overridden row dropped")
	assert.Equal(t, int64(16), out.Fdes[0].Rows[0].CFA.Offset)
}

func TestCanonicalPipelineKeepHoles(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1005, Rows: []dwarfmodel.DwRow{row(0x1000, 8)}},
		{BegIP: 0x1020, EndIP: 0x1030, Rows: []dwarfmodel.DwRow{row(0x1020, 8)}},
	}}
	out := Pipeline(dw, Canonical(true)...)
	assert.Equal(t, uint64(0x1005), out.Fdes[0].EndIP, "--keep-holes disables PcHoleFiller")
}
