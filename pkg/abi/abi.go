// Package abi defines the bit-level contract shared between generated
// eh_elf handler functions and the Go runtime that calls them.
//
// This mirrors original_source/shared/context_struct.h: the context
// struct layout and the handler function-pointer shapes must match
// whatever the C compiler that built the eh_elf.so produced. Nothing
// here is Go-specific ABI; it documents the C ABI both sides agree on.
package abi

// Flag bit positions within UnwindContext.Flags, fixed by the wire
// contract with generated code (spec.md §6).
const (
	FlagRIP = iota
	FlagRSP
	FlagRBP
	FlagRBX
	_
	_
	_
	FlagError = 7
)

// UnwindContext is the Go mirror of the C struct:
//
//	struct unwind_context_t {
//	    uint8_t   flags;
//	    uintptr_t rip, rsp, rbp, rbx;
//	};
//
// Field order and sizes must match the generated header byte-for-byte;
// see pkg/codegen for the emitted C definition.
type UnwindContext struct {
	Flags          uint8
	RIP, RSP, RBP, RBX uintptr
}

// HasRIP reports whether the handler filled in RIP.
func (c UnwindContext) HasRIP() bool { return c.Flags&(1<<FlagRIP) != 0 }

// HasRSP reports whether the handler filled in RSP.
func (c UnwindContext) HasRSP() bool { return c.Flags&(1<<FlagRSP) != 0 }

// HasRBP reports whether the handler filled in RBP.
func (c UnwindContext) HasRBP() bool { return c.Flags&(1<<FlagRBP) != 0 }

// HasRBX reports whether the handler filled in RBX.
func (c UnwindContext) HasRBX() bool { return c.Flags&(1<<FlagRBX) != 0 }

// IsError reports whether the handler could not unwind this frame.
func (c UnwindContext) IsError() bool { return c.Flags&(1<<FlagError) != 0 }

// ErrorContext is the canonical "could not unwind" context: every flag
// bit clear except the error bit.
func ErrorContext() UnwindContext {
	return UnwindContext{Flags: 1 << FlagError}
}
