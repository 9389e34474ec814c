//go:build linux && cgo

package ehelf

// This file is the direct Go analogue of
// original_source/stack_walker/stack_walker.cpp's use of <dlfcn.h> and
// <link.h>: it is the one place in this package that talks to the
// dynamic loader and to generated eh_elf code through raw function
// pointers, both of which require cgo. Everything else in pkg/ehelf is
// plain Go operating on the abi.UnwindContext mirror struct.

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdint.h>
#include <stdlib.h>
#include <ucontext.h>

typedef struct {
    uint8_t   flags;
    uintptr_t rip, rsp, rbp, rbx;
} unwind_context_t;

typedef unwind_context_t (*fde_func_t)(unwind_context_t, uintptr_t);
typedef fde_func_t (*fde_lookup_func_t)(uintptr_t);

static unwind_context_t eh_call_handler(void *fn, unwind_context_t ctx, uintptr_t pc) {
    fde_func_t f = (fde_func_t) fn;
    return f(ctx, pc);
}

static uintptr_t eh_call_lookup(void *fn, uintptr_t pc) {
    fde_lookup_func_t f = (fde_lookup_func_t) fn;
    return (uintptr_t) f(pc);
}

static int eh_capture_context(uintptr_t *rip, uintptr_t *rsp, uintptr_t *rbp) {
    ucontext_t uctx;
    if (getcontext(&uctx) < 0) {
        return -1;
    }
#if defined(__x86_64__)
    *rip = (uintptr_t) uctx.uc_mcontext.gregs[REG_RIP];
    *rsp = (uintptr_t) uctx.uc_mcontext.gregs[REG_RSP];
    *rbp = (uintptr_t) uctx.uc_mcontext.gregs[REG_RBP];
    return 0;
#else
    return -1;
#endif
}
*/
import "C"

import (
	"fmt"
	"path/filepath"
	"unsafe"

	"github.com/frdwarf/dwarf-assembly/pkg/abi"
	"github.com/frdwarf/dwarf-assembly/pkg/codegen"
)

// dlHandle is an opaque dynamic-loader handle, as returned by dlopen.
type dlHandle uintptr

// loadEhElf opens "<basename(objPath)>.eh_elf.so" from the same
// directory as objPath (spec.md §4.5) and resolves either its "_eh_elf"
// symbol (GlobalSwitch policy) or its "_fde_lookup" symbol
// (SwitchPerFunc policy), preferring GlobalSwitch when both happen to be
// present.
func loadEhElf(objPath string) (dlHandle, uintptr, uintptr, codegen.Policy, error) {
	dir := filepath.Dir(objPath)
	soName := filepath.Join(dir, filepath.Base(objPath)+".eh_elf.so")

	cName := C.CString(soName)
	defer C.free(unsafe.Pointer(cName))

	h := C.dlopen(cName, C.RTLD_LAZY)
	if h == nil {
		return 0, 0, 0, 0, fmt.Errorf("dlopen %s: %s", soName, C.GoString(C.dlerror()))
	}

	if fn := dlsymOptional(h, "_eh_elf"); fn != 0 {
		return dlHandle(uintptr(h)), fn, 0, codegen.GlobalSwitch, nil
	}
	if lookupFn := dlsymOptional(h, "_fde_lookup"); lookupFn != 0 {
		return dlHandle(uintptr(h)), 0, lookupFn, codegen.SwitchPerFunc, nil
	}

	C.dlclose(h)
	return 0, 0, 0, 0, fmt.Errorf("%s exports neither _eh_elf nor _fde_lookup", soName)
}

func dlsymOptional(h unsafe.Pointer, name string) uintptr {
	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	sym := C.dlsym(h, cName)
	return uintptr(sym)
}

func dlClose(h dlHandle) {
	C.dlclose(unsafe.Pointer(uintptr(h)))
}

// callHandler invokes a generated handler function pointer with ctx
// translated to the C unwind_context_t layout (pkg/abi documents the
// shared bit-level contract) and trPC, returning the caller's context.
func callHandler(fn uintptr, ctx abi.UnwindContext, trPC uint64) abi.UnwindContext {
	cCtx := C.unwind_context_t{
		flags: C.uint8_t(ctx.Flags),
		rip:   C.uintptr_t(ctx.RIP),
		rsp:   C.uintptr_t(ctx.RSP),
		rbp:   C.uintptr_t(ctx.RBP),
		rbx:   C.uintptr_t(ctx.RBX),
	}
	out := C.eh_call_handler(unsafe.Pointer(uintptr(fn)), cCtx, C.uintptr_t(trPC))
	return abi.UnwindContext{
		Flags: uint8(out.flags),
		RIP:   uintptr(out.rip),
		RSP:   uintptr(out.rsp),
		RBP:   uintptr(out.rbp),
		RBX:   uintptr(out.rbx),
	}
}

// lookupFde calls a segment's _fde_lookup(trPC) and returns the
// function pointer it resolves, or ok=false if it returned NULL.
func lookupFde(lookupFn uintptr, trPC uint64) (uintptr, bool) {
	ret := uintptr(C.eh_call_lookup(unsafe.Pointer(lookupFn), C.uintptr_t(trPC)))
	if ret == 0 {
		return 0, false
	}
	return ret, true
}

// captureContext grabs the calling goroutine's current machine registers
// via the platform getcontext(3) API, the same primitive the original's
// get_context() uses (original_source/stack_walker/stack_walker.cpp).
func captureContext() (abi.UnwindContext, bool) {
	var rip, rsp, rbp C.uintptr_t
	if C.eh_capture_context(&rip, &rsp, &rbp) < 0 {
		return abi.UnwindContext{}, false
	}
	return abi.UnwindContext{
		Flags: 1<<abi.FlagRIP | 1<<abi.FlagRSP | 1<<abi.FlagRBP,
		RIP:   uintptr(rip),
		RSP:   uintptr(rsp),
		RBP:   uintptr(rbp),
	}, true
}
