//go:build !linux || !cgo

package libunwind

import (
	"errors"

	"github.com/frdwarf/dwarf-assembly/pkg/abi"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
)

var errUnsupportedPlatform = errors.New("libunwind: requires linux with cgo enabled")

// Walker is the no-op stand-in used when this package is built without
// cgo or off Linux.
type Walker struct{}

func NewWalker() *Walker         { return &Walker{} }
func (w *Walker) Init() error    { return errUnsupportedPlatform }
func (w *Walker) Close()         {}
func (w *Walker) GetContext() abi.UnwindContext { return abi.UnwindContext{} }

func (w *Walker) UnwindContext(ctx abi.UnwindContext) (abi.UnwindContext, bool) {
	return ctx, false
}

func (w *Walker) WalkStack(observe func(abi.UnwindContext)) {}

func GetRegister(ctx abi.UnwindContext, reg dwarfmodel.MachineRegister) (uintptr, error) {
	return 0, errUnsupportedPlatform
}
