//go:build linux && cgo

// Package libunwind is the alternative stack-walking back end of
// spec.md §4.6: a drop-in implementation of the same
// {get_context, unwind_context, walk_stack, get_register} surface as
// pkg/ehelf, built over a stock libunwind instead of generated eh_elf
// code. It exists purely for head-to-head benchmarking against the
// eh_elf back end (pkg/ehelfbench's Bench can time either), and must be
// contract-equivalent: same abi.UnwindContext shape in and out.
//
// Grounded directly on
// original_source/stack_walker_libunwind/stack_walker.cpp, including
// its one deliberately "subtly dirty" trick: a live *unw_cursor_t is
// smuggled through the context struct's RIP field, since both are one
// machine word wide. Go only adds that the cursor's backing C memory is
// tracked so Close can free it, where the original leaked it until
// process exit via a global std::vector.
package libunwind

/*
#cgo LDFLAGS: -lunwind
#define UNW_LOCAL_ONLY
#include <libunwind.h>
#include <stdlib.h>

typedef struct {
    unw_context_t ctx;
    unw_cursor_t cursor;
} eh_unw_pair_t;

static eh_unw_pair_t *eh_unw_alloc() {
    return (eh_unw_pair_t *) malloc(sizeof(eh_unw_pair_t));
}

static int eh_unw_getcontext(eh_unw_pair_t *p) {
    return unw_getcontext(&p->ctx);
}

static int eh_unw_init_local(eh_unw_pair_t *p) {
    return unw_init_local(&p->cursor, &p->ctx);
}

static int eh_unw_step(eh_unw_pair_t *p) {
    return unw_step(&p->cursor);
}

static int eh_unw_get_reg(eh_unw_pair_t *p, int regnum, unw_word_t *out) {
    return unw_get_reg(&p->cursor, regnum, out);
}
*/
import "C"

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/frdwarf/dwarf-assembly/pkg/abi"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
)

// Walker unwinds the calling goroutine's own stack through libunwind.
// Every cursor it has handed out via GetContext/UnwindContext is tracked
// so Close can free the backing C memory.
type Walker struct {
	mu      sync.Mutex
	cursors []*C.eh_unw_pair_t
}

// NewWalker returns a ready-to-use libunwind-backed walker. Unlike
// pkg/ehelf.Walker, Init does no discovery work: libunwind resolves
// unwind rules from the process's own loaded CFI at step time, with no
// eh_elf.so to load ahead of it.
func NewWalker() *Walker { return &Walker{} }

// Init is a no-op, matching the original's stack_walker_init() for this
// back end (original_source/stack_walker_libunwind/stack_walker.cpp).
func (w *Walker) Init() error { return nil }

// Close frees every cursor/context pair allocated by this Walker.
func (w *Walker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.cursors {
		C.free(unsafe.Pointer(p))
	}
	w.cursors = nil
}

func cursorOf(ctx abi.UnwindContext) *C.eh_unw_pair_t {
	return (*C.eh_unw_pair_t)(unsafe.Pointer(ctx.RIP))
}

func contextOf(p *C.eh_unw_pair_t) abi.UnwindContext {
	return abi.UnwindContext{
		Flags: 1 << abi.FlagRIP,
		RIP:   uintptr(unsafe.Pointer(p)),
	}
}

// GetContext captures the current machine state via unw_getcontext,
// initializes a local cursor, and steps once so the returned context
// already describes the caller's own caller — the same contract as
// pkg/ehelf.Walker.GetContext.
func (w *Walker) GetContext() abi.UnwindContext {
	p := C.eh_unw_alloc()
	if p == nil {
		return abi.UnwindContext{}
	}
	if C.eh_unw_getcontext(p) < 0 {
		C.free(unsafe.Pointer(p))
		return abi.UnwindContext{}
	}
	if C.eh_unw_init_local(p) < 0 {
		C.free(unsafe.Pointer(p))
		return abi.UnwindContext{}
	}
	if C.eh_unw_step(p) <= 0 {
		C.free(unsafe.Pointer(p))
		return abi.UnwindContext{}
	}

	w.mu.Lock()
	w.cursors = append(w.cursors, p)
	w.mu.Unlock()

	return contextOf(p)
}

// UnwindContext steps the cursor smuggled through ctx.RIP one frame
// further up the stack.
func (w *Walker) UnwindContext(ctx abi.UnwindContext) (abi.UnwindContext, bool) {
	p := cursorOf(ctx)
	if p == nil {
		return ctx, false
	}
	rc := C.eh_unw_step(p)
	if rc <= 0 {
		return ctx, false
	}
	return contextOf(p), true
}

// WalkStack captures the initial context, invokes observe with it, then
// repeatedly steps until libunwind reports the bottom of the stack.
func (w *Walker) WalkStack(observe func(abi.UnwindContext)) {
	ctx := w.GetContext()
	if ctx.RIP == 0 {
		return
	}
	observe(ctx)
	for {
		next, ok := w.UnwindContext(ctx)
		if !ok {
			return
		}
		observe(next)
		ctx = next
	}
}

// GetRegister reads one register off the cursor smuggled through ctx.
func GetRegister(ctx abi.UnwindContext, reg dwarfmodel.MachineRegister) (uintptr, error) {
	p := cursorOf(ctx)
	if p == nil {
		return 0, errors.New("libunwind: context carries no cursor")
	}
	var dwreg C.int
	switch reg {
	case dwarfmodel.RIP:
		dwreg = C.UNW_X86_64_RIP
	case dwarfmodel.RSP:
		dwreg = C.UNW_X86_64_RSP
	case dwarfmodel.RBP:
		dwreg = C.UNW_X86_64_RBP
	default:
		return 0, errors.New("libunwind: unsupported register")
	}
	var out C.unw_word_t
	if C.eh_unw_get_reg(p, dwreg, &out) < 0 {
		return 0, errors.New("libunwind: unw_get_reg failed")
	}
	return uintptr(out), nil
}
