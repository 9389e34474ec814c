// Package ehelf is the stack walker runtime (component F, spec.md §4.5):
// it loads one eh_elf shared object per executable load segment, maps a
// program counter to the segment that owns it, and chains calls across
// frames to reconstruct a call stack without ever invoking libgcc's
// bytecode interpreter.
//
// The state machine of a walk (spec.md §4.5) is:
//
//	Initialized -> Capturing -> Frame(0) -> Frame(1) -> ... -> End | Error
//
// Capturing -> Frame(0) on a successful initial UnwindContext call;
// Frame(n) -> Frame(n+1) on a successful handler call with non-error
// flags; Frame(n) -> End on a sentinel context, a segment miss, a
// missing handler symbol, or a handler-returned error flag. A failed
// walk looks exactly like a successful one that happened to stop at the
// frame carrying flags.error == 1 (spec.md §7).
package ehelf

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/frdwarf/dwarf-assembly/internal/logflags"
	"github.com/frdwarf/dwarf-assembly/pkg/abi"
	"github.com/frdwarf/dwarf-assembly/pkg/codegen"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
)

var logger = logflags.Logger("walker")

// ErrInitFailed is returned by Init when segment discovery or any
// eh_elf.so fails to load; all partially acquired handles are released
// before it returns.
var ErrInitFailed = errors.New("ehelf: stack walker initialization failed")

// handlerCacheSize bounds the LRU cache of resolved (segment, handler)
// pairs keyed by absolute PC — a pure optimization for the common case
// of repeatedly unwinding through the same hot functions (a sampling
// profiler's steady state), never a correctness dependency: a miss
// always falls back to the full segment/handler lookup.
const handlerCacheSize = 4096

// Segment is one executable PT_LOAD mapping discovered at Init time,
// plus the dynamic-loader handle for its matching eh_elf.so.
type Segment struct {
	Beg, End uint64
	Offset   uint64
	ObjPath  string

	handle   dlHandle
	policy   codegen.Policy
	fn       uintptr // _eh_elf, when policy == GlobalSwitch
	lookupFn uintptr // _fde_lookup, when policy == SwitchPerFunc
}

func (s *Segment) contains(pc uint64) bool { return pc >= s.Beg && pc < s.End }

// Walker loads eh_elf.so handles and unwinds stacks against them. The
// zero value is not usable; construct one with NewWalker and call Init
// before any Unwind call.
type Walker struct {
	mu       sync.Mutex
	segments []*Segment // sorted by Beg descending: first Beg <= pc wins
	cache    *lru.Cache
}

// NewWalker returns an unwinder with no segments loaded yet.
func NewWalker() *Walker {
	c, _ := lru.New(handlerCacheSize)
	return &Walker{cache: c}
}

// Init discovers every executable PT_LOAD segment of the running
// process (via /proc/self/maps), resolves each segment's object path
// (following the running binary's /proc/self/exe symlink when the
// segment's own path is empty), and dlopens "<basename>.eh_elf.so" next
// to it. Any failure tears down every handle opened so far.
func (w *Walker) Init() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := readExecutableSegments()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInitFailed, err)
	}

	segs := make([]*Segment, 0, len(entries))
	for _, e := range entries {
		seg := &Segment{Beg: e.beg, End: e.end, Offset: e.offset, ObjPath: e.objPath}
		h, fn, lookupFn, policy, err := loadEhElf(seg.ObjPath)
		if err != nil {
			closeAll(segs)
			return fmt.Errorf("%w: loading eh_elf for %s: %v", ErrInitFailed, seg.ObjPath, err)
		}
		seg.handle, seg.fn, seg.lookupFn, seg.policy = h, fn, lookupFn, policy
		segs = append(segs, seg)
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].Beg > segs[j].Beg })
	w.segments = segs
	logger.Debugf("loaded %d eh_elf segments", len(segs))
	return nil
}

// Close releases every loaded eh_elf.so handle. Calling Close while a
// walk is in progress on another goroutine is undefined, same as the C
// original (spec.md §5).
func (w *Walker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	closeAll(w.segments)
	w.segments = nil
	w.cache.Purge()
}

func closeAll(segs []*Segment) {
	for _, s := range segs {
		if s.handle != 0 {
			dlClose(s.handle)
		}
	}
}

// findSegment returns the segment with the greatest Beg not exceeding
// pc, provided pc also falls before its End. Segments is sorted by Beg
// descending so a binary search finds the first candidate.
func (w *Walker) findSegment(pc uint64) *Segment {
	i := sort.Search(len(w.segments), func(i int) bool { return w.segments[i].Beg <= pc })
	if i >= len(w.segments) {
		return nil
	}
	seg := w.segments[i]
	if !seg.contains(pc) {
		return nil
	}
	return seg
}

type cacheEntry struct {
	seg     *Segment
	handler uintptr
}

// resolve maps an absolute pc to its owning segment and the handler
// function to call for it, translating to the file-relative address the
// generated tables key on (spec.md §4.5 step 3) and consulting/filling
// the LRU cache.
func (w *Walker) resolve(pc uint64) (*Segment, uintptr, uint64, bool) {
	if v, ok := w.cache.Get(pc); ok {
		e := v.(cacheEntry)
		return e.seg, e.handler, pc - e.seg.Beg, true
	}

	seg := w.findSegment(pc)
	if seg == nil {
		return nil, 0, 0, false
	}
	trPC := pc - seg.Beg

	var handler uintptr
	switch seg.policy {
	case codegen.GlobalSwitch:
		handler = seg.fn
	case codegen.SwitchPerFunc:
		h, ok := lookupFde(seg.lookupFn, trPC)
		if !ok {
			return nil, 0, 0, false
		}
		handler = h
	}
	if handler == 0 {
		return nil, 0, 0, false
	}

	w.cache.Add(pc, cacheEntry{seg: seg, handler: handler})
	return seg, handler, trPC, true
}

// GetContext captures the caller's current registers and advances them
// once, so the first context a caller observes already belongs to its
// own caller's frame (spec.md §4.5: "Context capture"). If the initial
// step fails, it returns a zeroed context rather than panicking.
func (w *Walker) GetContext() abi.UnwindContext {
	ctx, ok := captureContext()
	if !ok {
		return abi.UnwindContext{}
	}
	next, ok := w.UnwindContext(ctx)
	if !ok {
		return abi.UnwindContext{}
	}
	return next
}

// isSentinel reports whether ctx marks the end of a chain regardless of
// any segment/handler lookup: rbp == 0 (frame-pointer-based unwinding
// bottomed out) or rip+1 == 0 (an explicit "no more frames" marker).
func isSentinel(ctx abi.UnwindContext) bool {
	return ctx.RBP == 0 || ctx.RIP+1 == 0
}

// UnwindContext performs one frame step: resolve ctx.RIP to a segment
// and handler, invoke the handler, and return the caller's context. The
// bool result is false exactly when the walk has ended (spec.md §4.5,
// §7): sentinel context, no owning segment, no handler, or the handler
// itself reporting flags.error.
func (w *Walker) UnwindContext(ctx abi.UnwindContext) (abi.UnwindContext, bool) {
	if isSentinel(ctx) {
		return ctx, false
	}

	w.mu.Lock()
	seg, handler, trPC, ok := w.resolve(uint64(ctx.RIP))
	w.mu.Unlock()
	if !ok {
		logger.Debugf("no owning segment/handler for pc %#x", ctx.RIP)
		return ctx, false
	}

	out := callHandler(handler, ctx, trPC)
	if out.IsError() {
		logger.Debugf("handler for %s reported an error unwinding pc %#x", seg.ObjPath, ctx.RIP)
		return out, false
	}
	return out, true
}

// WalkStack captures the initial context, invokes observe with it, then
// repeatedly calls UnwindContext, invoking observe with each subsequent
// frame until the chain ends.
func (w *Walker) WalkStack(observe func(abi.UnwindContext)) {
	ctx := w.GetContext()
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

// GetRegister reads one register out of a captured context. Only RIP,
// RSP, and RBP are meaningful here (spec.md §4.6's StackWalkerRegisters);
// RBX is tracked in the unwind formulas but was never part of the
// original's register-query surface.
func GetRegister(ctx abi.UnwindContext, reg dwarfmodel.MachineRegister) (uintptr, error) {
	switch reg {
	case dwarfmodel.RIP:
		return ctx.RIP, nil
	case dwarfmodel.RSP:
		return ctx.RSP, nil
	case dwarfmodel.RBP:
		return ctx.RBP, nil
	default:
		return 0, fmt.Errorf("ehelf: register %s not available from a captured context", reg)
	}
}
