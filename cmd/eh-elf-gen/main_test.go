package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
)

func TestRootCmdRequiresAPolicyFlag(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"somefile.elf"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--switch-per-func or --global-switch")
}

func TestRootCmdRejectsBothPolicyFlags(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--switch-per-func", "--global-switch", "somefile.elf"})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRestrictToPcListDropsUncoveredFdes(t *testing.T) {
	dw := dwarfmodel.SimpleDwarf{Fdes: []dwarfmodel.Fde{
		{BegIP: 0x1000, EndIP: 0x1010, Rows: []dwarfmodel.DwRow{{IP: 0x1000}}},
		{BegIP: 0x2000, EndIP: 0x2010, Rows: []dwarfmodel.DwRow{{IP: 0x2000}}},
	}}

	out := restrictToPcList(dw, []uint64{0x1004})
	require.Len(t, out.Fdes, 1)
	assert.Equal(t, uint64(0x1000), out.Fdes[0].BegIP)
}
