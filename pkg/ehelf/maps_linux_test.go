//go:build linux

package ehelf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMapsLineKeepsExecutableMapping(t *testing.T) {
	e, ok, err := parseMapsLine("7f1234000000-7f1234021000 r-xp 00001000 08:01 123456  /lib/libc.so.6")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0x7f1234000000), e.beg)
	assert.Equal(t, uint64(0x7f1234021000), e.end)
	assert.Equal(t, uint64(0x1000), e.offset)
	assert.Equal(t, "/lib/libc.so.6", e.objPath)
}

func TestParseMapsLineSkipsNonExecutable(t *testing.T) {
	_, ok, err := parseMapsLine("7f1234000000-7f1234021000 rw-p 00001000 08:01 123456  /lib/libc.so.6")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseMapsLineSkipsVDSO(t *testing.T) {
	_, ok, err := parseMapsLine("7ffee0000000-7ffee0002000 r-xp 00000000 00:00 0                  [vdso]")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseMapsLineAllowsMissingPath(t *testing.T) {
	e, ok, err := parseMapsLine("00400000-00402000 r-xp 00000000 08:01 789012")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", e.objPath)
}

func TestReadlinkRecStopsAtNonSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	link1 := filepath.Join(dir, "link1")
	require.NoError(t, os.Symlink(target, link1))
	link2 := filepath.Join(dir, "link2")
	require.NoError(t, os.Symlink(link1, link2))

	got, err := readlinkRec(link2)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}

func TestReadlinkRecOnPlainFileReturnsItself(t *testing.T) {
	// A path that is not itself a symlink fails its very first readlink
	// with EINVAL; per spec.md §9 the corrected behavior stops there and
	// returns the last (in this case: the original) path, not an error.
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	got, err := readlinkRec(target)
	require.NoError(t, err)
	assert.Equal(t, target, got)
}
