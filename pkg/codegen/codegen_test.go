package codegen

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
	"github.com/frdwarf/dwarf-assembly/pkg/switchstmt"
)

func simpleDwarf() dwarfmodel.SimpleDwarf {
	return dwarfmodel.SimpleDwarf{
		Fdes: []dwarfmodel.Fde{
			{
				BegIP: 0x1000, EndIP: 0x1020,
				Rows: []dwarfmodel.DwRow{
					{
						IP:  0x1000,
						CFA: dwarfmodel.Register(dwarfmodel.RSP, 8),
						RBP: dwarfmodel.Undefined,
						RBX: dwarfmodel.Undefined,
						RA:  dwarfmodel.CFAOffset(-8),
					},
					{
						IP:  0x1004,
						CFA: dwarfmodel.Register(dwarfmodel.RBP, 16),
						RBP: dwarfmodel.CFAOffset(-16),
						RBX: dwarfmodel.Undefined,
						RA:  dwarfmodel.CFAOffset(-8),
					},
				},
			},
		},
	}
}

// S1 from spec.md §8: a single straightforward FDE lowers to one
// function whose cases both recover rsp and rip, the second also rbp.
func TestGenerateSwitchPerFunc(t *testing.T) {
	g := New(simpleDwarf(), Options{
		Policy:   SwitchPerFunc,
		Compiler: switchstmt.NewNativeSwitchCompiler(1),
	})
	var buf bytes.Buffer
	require.NoError(t, g.Generate(&buf))
	out := buf.String()

	assert.Contains(t, out, "unwind_context_t _fde_1000(unwind_context_t ctx, uintptr_t pc) {")
	assert.Contains(t, out, "out_ctx.rsp = ctx.rsp + (8);")
	assert.Contains(t, out, "out_ctx.rip = *((uintptr_t*)(out_ctx.rsp + (-8)));")
	assert.Contains(t, out, "out_ctx.rbp = *((uintptr_t*)(out_ctx.rsp + (-16)));")
	assert.Contains(t, out, "_fde_lookup")
	assert.Contains(t, out, "case 0x1000 ... 0x101f:")
}

func TestGenerateGlobalSwitch(t *testing.T) {
	g := New(simpleDwarf(), Options{
		Policy:   GlobalSwitch,
		Compiler: switchstmt.NewNativeSwitchCompiler(1),
	})
	var buf bytes.Buffer
	require.NoError(t, g.Generate(&buf))
	out := buf.String()

	assert.Contains(t, out, "unwind_context_t _eh_elf(unwind_context_t ctx, uintptr_t pc) {")
	assert.NotContains(t, out, "_fde_lookup")
}

// S4 from spec.md §8: a not-implemented RA produces an error row with no
// register assignments at all.
func TestGenRowContentNotImplementedRAIsError(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{{
		BegIP: 0x2000, EndIP: 0x2010,
		Rows: []dwarfmodel.DwRow{{
			IP:  0x2000,
			CFA: dwarfmodel.Register(dwarfmodel.RSP, 8),
			RA:  dwarfmodel.NotImplemented,
		}},
	}}}
	g := New(dw, Options{Policy: GlobalSwitch, Compiler: switchstmt.NewNativeSwitchCompiler(1)})
	var buf bytes.Buffer
	require.NoError(t, g.Generate(&buf))
	out := buf.String()
	assert.Contains(t, out, "out_ctx.flags = 128u;")
	assert.NotContains(t, out, "out_ctx.rsp =")
}

func TestGenRowContentNotImplementedCFAIsError(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{{
		BegIP: 0x2000, EndIP: 0x2010,
		Rows: []dwarfmodel.DwRow{{
			IP:  0x2000,
			CFA: dwarfmodel.NotImplemented,
			RA:  dwarfmodel.CFAOffset(-8),
		}},
	}}}
	g := New(dw, Options{Policy: GlobalSwitch, Compiler: switchstmt.NewNativeSwitchCompiler(1)})
	var buf bytes.Buffer
	require.NoError(t, g.Generate(&buf))
	out := buf.String()
	assert.Contains(t, out, "out_ctx.flags = 128u;")
}

func TestGenRowContentEnableDerefArg(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{{
		BegIP: 0x2000, EndIP: 0x2010,
		Rows: []dwarfmodel.DwRow{{
			IP:  0x2000,
			CFA: dwarfmodel.Register(dwarfmodel.RSP, 8),
			RA:  dwarfmodel.CFAOffset(-8),
		}},
	}}}
	g := New(dw, Options{
		Policy:         GlobalSwitch,
		EnableDerefArg: true,
		Compiler:       switchstmt.NewNativeSwitchCompiler(1),
	})
	var buf bytes.Buffer
	require.NoError(t, g.Generate(&buf))
	out := buf.String()
	assert.Contains(t, out, "deref_func_t deref")
	assert.Contains(t, out, "out_ctx.rip = deref(out_ctx.rsp + (-8));")
}

func TestGenRowContentPLTExprCFA(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{{
		BegIP: 0x2000, EndIP: 0x2010,
		Rows: []dwarfmodel.DwRow{{
			IP:  0x2000,
			CFA: dwarfmodel.PLTExpr,
			RA:  dwarfmodel.CFAOffset(-8),
		}},
	}}}
	g := New(dw, Options{Policy: GlobalSwitch, Compiler: switchstmt.NewNativeSwitchCompiler(1)})
	var buf bytes.Buffer
	require.NoError(t, g.Generate(&buf))
	out := buf.String()
	assert.Contains(t, out, "out_ctx.rsp = (ctx.rsp + 8) + (((pc & 15) >= 11) << 3);")
}

func TestDefaultNamingScheme(t *testing.T) {
	fde := dwarfmodel.Fde{BegIP: 0xabc}
	assert.Equal(t, "_fde_abc", DefaultNamingScheme(fde))
}
