//go:build !linux || !cgo

package ehelf

// eh_elf.so objects are loaded with dlopen and called through raw C
// function pointers, which needs cgo on a Unix dynamic loader; this
// stub lets the package still build (e.g. for doc tooling or on a
// non-Linux GOOS) without providing a working walker.

import (
	"errors"

	"github.com/frdwarf/dwarf-assembly/pkg/abi"
	"github.com/frdwarf/dwarf-assembly/pkg/codegen"
)

var errUnsupportedPlatform = errors.New("ehelf: stack walking requires linux with cgo enabled")

type dlHandle uintptr

func loadEhElf(objPath string) (dlHandle, uintptr, uintptr, codegen.Policy, error) {
	return 0, 0, 0, 0, errUnsupportedPlatform
}

func dlClose(dlHandle) {}

func callHandler(fn uintptr, ctx abi.UnwindContext, trPC uint64) abi.UnwindContext {
	return abi.ErrorContext()
}

func lookupFde(lookupFn uintptr, trPC uint64) (uintptr, bool) { return 0, false }

func captureContext() (abi.UnwindContext, bool) { return abi.UnwindContext{}, false }
