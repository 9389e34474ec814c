// Package dwarfread decodes the Call Frame Information of an ELF binary
// into a dwarfmodel.SimpleDwarf: one Fde per DWARF FDE, one DwRow per
// distinct row the CFI bytecode program produces.
//
// go-delve/delve's pkg/dwarf/frame answers "what are the rules at this
// one PC" (EstablishFrame(pc)), which is exactly what a live debugger
// needs and exactly not what an ahead-of-time compiler needs: eh-elf-gen
// has to enumerate every row up front so it can emit one dispatch case
// per row. So this package runs its own CFI bytecode interpreter over
// the raw .eh_frame/.debug_frame bytes, reusing go-delve/delve's
// pkg/dwarf/regnum for the x86-64 DWARF register numbering. The handful
// of location expressions this subset of the format recognizes
// (DW_OP_breg<n>, the PLT stub) are matched directly against their
// opcode bytes rather than through a general expression evaluator; see
// DESIGN.md.
package dwarfread

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/edsrzf/mmap-go"
	"github.com/go-delve/delve/pkg/dwarf/regnum"

	"github.com/frdwarf/dwarf-assembly/internal/logflags"
	"github.com/frdwarf/dwarf-assembly/pkg/dwarfmodel"
)

// ErrInvalidDWARF is returned when the CFI bytecode leaves CFA undefined
// on a row other than the synthetic trailing one (spec.md §4.2): every
// real row must be able to compute a CFA, or the binary cannot be
// unwound at all and generation should abort rather than emit a
// generator that silently returns garbage.
var ErrInvalidDWARF = errors.New("dwarfread: CFA undefined in non-trailing row")

// ErrNoCFISection is returned when neither .eh_frame nor .debug_frame is
// present.
var ErrNoCFISection = errors.New("dwarfread: no .eh_frame or .debug_frame section")

// logger is this package's component logger (see internal/logflags).
var logger = logflags.Logger("dwarfread")

// Read opens path, mmaps it, and decodes its CFI into a SimpleDwarf. The
// returned SimpleDwarf has its FDEs sorted by BegIP; callers normally run
// it through pkg/dwarffilter.Canonical before use.
func Read(path string) (dwarfmodel.SimpleDwarf, error) {
	f, err := elf_Open(path)
	if err != nil {
		return dwarfmodel.SimpleDwarf{}, err
	}
	defer f.Close()
	return ReadELF(f.File)
}

// openFile bundles an mmap-backed *elf.File with the mapping that backs
// it, so callers can Close() once and release both.
type openFile struct {
	*elf.File
	m mmap.MMap
}

func (f *openFile) Close() error {
	ferr := f.File.Close()
	merr := f.m.Unmap()
	if ferr != nil {
		return ferr
	}
	return merr
}

func elf_Open(path string) (*openFile, error) {
	raw, err := openMmap(path)
	if err != nil {
		return nil, fmt.Errorf("dwarfread: mmap %s: %w", path, err)
	}
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		raw.Unmap()
		return nil, fmt.Errorf("dwarfread: parse ELF %s: %w", path, err)
	}
	return &openFile{File: ef, m: raw}, nil
}

func openMmap(path string) (mmap.MMap, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return mmap.Map(fh, mmap.RDONLY, 0)
}

// ReadELF decodes the CFI of an already-open ELF file.
func ReadELF(f *elf.File) (dwarfmodel.SimpleDwarf, error) {
	sec := f.Section(".eh_frame")
	if sec == nil {
		sec = f.Section(".debug_frame")
	}
	if sec == nil {
		return dwarfmodel.SimpleDwarf{}, ErrNoCFISection
	}
	data, err := sec.Data()
	if err != nil {
		return dwarfmodel.SimpleDwarf{}, fmt.Errorf("dwarfread: read %s: %w", sec.Name, err)
	}

	order := f.ByteOrder
	fdes, err := decodeSection(data, order, sec.Addr)
	if err != nil {
		return dwarfmodel.SimpleDwarf{}, err
	}

	out := dwarfmodel.SimpleDwarf{Fdes: make([]dwarfmodel.Fde, 0, len(fdes))}
	for _, raw := range fdes {
		fde, err := lowerFDE(raw)
		if err != nil {
			return dwarfmodel.SimpleDwarf{}, err
		}
		out.Fdes = append(out.Fdes, fde)
	}
	sort.Slice(out.Fdes, func(i, j int) bool { return out.Fdes[i].BegIP < out.Fdes[j].BegIP })
	return out, nil
}

// --- CIE/FDE framing -------------------------------------------------

type cie struct {
	offset               uint64
	codeAlign, dataAlign uint64
	returnAddrReg        uint64
	initialInstructions  []byte

	// zAugmented is true when the augmentation string begins with 'z':
	// every FDE referencing this CIE then carries its own ULEB128-prefixed
	// augmentation data block (spec.md §4.1 scope note on .eh_frame/
	// .debug_frame framing) that must be skipped before its CFI program.
	zAugmented bool
	// fdeEncoding is the DW_EH_PE byte for this CIE's 'R' augmentation
	// letter, governing how each FDE's initial_location/address_range are
	// encoded. Defaults to DW_EH_PE_absptr (0x00, a plain 8-byte native
	// address) when the CIE carries no 'R' augmentation, matching
	// .debug_frame and augmentation-less CIEs.
	fdeEncoding byte
}

type rawFDE struct {
	offset       uint64
	cie          *cie
	begIP, endIP uint64
	instructions []byte
}

// decodeSection walks the length-prefixed CIE/FDE records of .eh_frame
// (or .debug_frame — 32-bit format only; the 64-bit DWARF format's
// 0xffffffff escape is not produced by any toolchain in this batch's
// target set).
func decodeSection(data []byte, order binary.ByteOrder, sectionAddr uint64) ([]rawFDE, error) {
	cies := map[uint64]*cie{}
	var fdes []rawFDE

	r := bytes.NewReader(data)
	for r.Len() > 0 {
		recOffset := uint64(len(data) - r.Len())

		var length uint32
		if err := binary.Read(r, order, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("dwarfread: read record length at %#x: %w", recOffset, err)
		}
		if length == 0 {
			break // terminator record
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("dwarfread: read record body at %#x: %w", recOffset, err)
		}
		br := bytes.NewReader(body)

		var cieOrFdePtr uint32
		if err := binary.Read(br, order, &cieOrFdePtr); err != nil {
			return nil, err
		}

		if cieOrFdePtr == 0 {
			c, err := parseCIE(recOffset, br, order)
			if err != nil {
				return nil, fmt.Errorf("dwarfread: parse CIE at %#x: %w", recOffset, err)
			}
			cies[recOffset] = c
			continue
		}

		// .eh_frame CIE pointers are relative (record offset minus pointer);
		// .debug_frame CIE pointers are absolute. Both land on a key we've
		// already recorded, because CIEs always precede their FDEs.
		cieOffset := recOffset + 4 - uint64(cieOrFdePtr)
		c, ok := cies[cieOffset]
		if !ok {
			return nil, fmt.Errorf("dwarfread: FDE at %#x references unknown CIE at %#x", recOffset, cieOffset)
		}

		// initial_location's DW_EH_PE_pcrel base is the address of the
		// field itself: sectionAddr plus this record's offset, plus the 4
		// bytes of length field and the 4 bytes of cie_pointer already
		// consumed from br.
		fieldAddr := sectionAddr + recOffset + 4 + uint64(len(body)-br.Len())
		initialLoc, err := readEhPEValue(br, order, c.fdeEncoding, fieldAddr, false)
		if err != nil {
			return nil, fmt.Errorf("dwarfread: read initial_location at %#x: %w", recOffset, err)
		}
		rangeLen, err := readEhPEValue(br, order, c.fdeEncoding, 0, true)
		if err != nil {
			return nil, fmt.Errorf("dwarfread: read address_range at %#x: %w", recOffset, err)
		}

		if c.zAugmented {
			augLen, err := readULEB(br)
			if err != nil {
				return nil, fmt.Errorf("dwarfread: read FDE augmentation length at %#x: %w", recOffset, err)
			}
			skip := make([]byte, augLen)
			if _, err := io.ReadFull(br, skip); err != nil {
				return nil, fmt.Errorf("dwarfread: read FDE augmentation data at %#x: %w", recOffset, err)
			}
		}

		rest := make([]byte, br.Len())
		io.ReadFull(br, rest)

		fdes = append(fdes, rawFDE{
			offset:       recOffset,
			cie:          c,
			begIP:        initialLoc,
			endIP:        initialLoc + rangeLen,
			instructions: rest,
		})
	}
	return fdes, nil
}

func parseCIE(offset uint64, br *bytes.Reader, order binary.ByteOrder) (*cie, error) {
	version, err := br.ReadByte()
	if err != nil {
		return nil, err
	}
	_ = version

	augmentation, err := readCString(br)
	if err != nil {
		return nil, err
	}

	codeAlign, err := readULEB(br)
	if err != nil {
		return nil, err
	}
	dataAlign, err := readSLEB(br)
	if err != nil {
		return nil, err
	}
	retReg, err := readULEB(br)
	if err != nil {
		return nil, err
	}

	c := &cie{
		offset:        offset,
		codeAlign:     codeAlign,
		dataAlign:     uint64(dataAlign),
		returnAddrReg: retReg,
		fdeEncoding:   0x00, // DW_EH_PE_absptr: plain native-size address
	}

	if len(augmentation) > 0 && augmentation[0] == 'z' {
		c.zAugmented = true
		augLen, err := readULEB(br)
		if err != nil {
			return nil, err
		}
		augData := make([]byte, augLen)
		if _, err := io.ReadFull(br, augData); err != nil {
			return nil, err
		}
		if err := parseAugmentationData(augmentation[1:], augData, order, &c.fdeEncoding); err != nil {
			return nil, err
		}
	}

	c.initialInstructions = make([]byte, br.Len())
	io.ReadFull(br, c.initialInstructions)

	return c, nil
}

// parseAugmentationData walks a CIE's augmentation string (minus its
// leading 'z') against the augmentation data block it describes,
// extracting the 'R' letter's FDE code-pointer encoding byte. 'L'
// (LSDA encoding) and 'P' (personality routine, an encoding byte plus
// its encoded value) are skipped correctly so later letters — and the
// CFI program that follows the augmentation block — land on the right
// bytes; this tool has no use for the LSDA or personality values
// themselves. 'S' (signal frame) and any other unrecognized letter
// carry no augmentation bytes of their own.
func parseAugmentationData(letters string, data []byte, order binary.ByteOrder, fdeEncoding *byte) error {
	r := bytes.NewReader(data)
	for _, c := range letters {
		switch c {
		case 'L':
			if _, err := r.ReadByte(); err != nil {
				return fmt.Errorf("dwarfread: CIE augmentation 'L': %w", err)
			}
		case 'P':
			enc, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("dwarfread: CIE augmentation 'P' encoding: %w", err)
			}
			if _, err := readEhPEValue(r, order, enc, 0, true); err != nil {
				return fmt.Errorf("dwarfread: CIE augmentation 'P' value: %w", err)
			}
		case 'R':
			enc, err := r.ReadByte()
			if err != nil {
				return fmt.Errorf("dwarfread: CIE augmentation 'R': %w", err)
			}
			*fdeEncoding = enc
		default:
			// 'S', 'B', and any letter this tool doesn't recognize carry no
			// augmentation-data bytes of their own.
		}
	}
	return nil
}

// DW_EH_PE encoding byte: high nibble is the application (how the
// decoded value combines with a base address), low nibble is the
// format (how many bytes are on the wire and whether they're signed).
const (
	dwEhPEOmit  = 0xff
	dwEhPEPCRel = 0x10
)

// readEhPEValue reads one DW_EH_PE-encoded value from r. enc ==
// DW_EH_PE_absptr (0x00) reads a plain native-size (8-byte) address,
// matching this tool's previous, .debug_frame-only behavior. Any other
// format reads the wire-size the low nibble names (2/4/8-byte fixed,
// or ULEB128/SLEB128).
//
// isLength suppresses the application half of the encoding entirely:
// an FDE's address_range reuses its CIE's 'R' encoding for wire
// format only — it is a byte count, never an address, so
// DW_EH_PE_pcrel never applies to it. For an actual address (isLength
// == false) with the pcrel application bit set, fieldAddr — the
// address of this field as mapped in memory — is added to the decoded
// value, per the DW_EH_PE_pcrel convention .eh_frame relies on (almost
// universally paired with sdata4 on x86-64 PIE binaries).
func readEhPEValue(r *bytes.Reader, order binary.ByteOrder, enc byte, fieldAddr uint64, isLength bool) (uint64, error) {
	if enc == dwEhPEOmit {
		return 0, nil
	}

	format := enc & 0x0f
	var raw int64
	var unsignedRaw uint64
	signed := false

	switch format {
	case 0x00: // absptr: native pointer size
		var v uint64
		if err := binary.Read(r, order, &v); err != nil {
			return 0, err
		}
		unsignedRaw = v
	case 0x01: // uleb128
		v, err := readULEB(r)
		if err != nil {
			return 0, err
		}
		unsignedRaw = v
	case 0x02: // udata2
		var v uint16
		if err := binary.Read(r, order, &v); err != nil {
			return 0, err
		}
		unsignedRaw = uint64(v)
	case 0x03: // udata4
		var v uint32
		if err := binary.Read(r, order, &v); err != nil {
			return 0, err
		}
		unsignedRaw = uint64(v)
	case 0x04: // udata8
		var v uint64
		if err := binary.Read(r, order, &v); err != nil {
			return 0, err
		}
		unsignedRaw = v
	case 0x09: // sleb128
		v, err := readSLEB(r)
		if err != nil {
			return 0, err
		}
		raw, signed = v, true
	case 0x0a: // sdata2
		var v int16
		if err := binary.Read(r, order, &v); err != nil {
			return 0, err
		}
		raw, signed = int64(v), true
	case 0x0b: // sdata4
		var v int32
		if err := binary.Read(r, order, &v); err != nil {
			return 0, err
		}
		raw, signed = int64(v), true
	case 0x0c: // sdata8
		var v int64
		if err := binary.Read(r, order, &v); err != nil {
			return 0, err
		}
		raw, signed = v, true
	default:
		return 0, fmt.Errorf("dwarfread: unsupported DW_EH_PE format %#x", format)
	}

	if isLength {
		if signed {
			return uint64(raw), nil
		}
		return unsignedRaw, nil
	}

	if enc&0x70 == dwEhPEPCRel {
		if signed {
			return uint64(int64(fieldAddr) + raw), nil
		}
		return fieldAddr + unsignedRaw, nil
	}
	if signed {
		return uint64(raw), nil
	}
	return unsignedRaw, nil
}

func readCString(r *bytes.Reader) (string, error) {
	var b []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b), nil
}

func readULEB(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}

func readSLEB(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}

// --- CFI bytecode interpretation -------------------------------------

// DWARF Call Frame Instructions, primary opcode in the top 2 bits.
const (
	dwCFAAdvanceLoc   = 0x1 << 6
	dwCFAOffset       = 0x2 << 6
	dwCFARestore      = 0x3 << 6
	dwCFANop          = 0x00
	dwCFASetLoc       = 0x01
	dwCFAAdvanceLoc1  = 0x02
	dwCFAAdvanceLoc2  = 0x03
	dwCFAAdvanceLoc4  = 0x04
	dwCFAOffsetExt    = 0x05
	dwCFARestoreExt   = 0x06
	dwCFAUndefined    = 0x07
	dwCFASameValue    = 0x08
	dwCFARegister     = 0x09
	dwCFARememberSt   = 0x0a
	dwCFARestoreSt    = 0x0b
	dwCFADefCFA       = 0x0c
	dwCFADefCFAReg    = 0x0d
	dwCFADefCFAOffset = 0x0e
	dwCFADefCFAExpr   = 0x0f
	dwCFAExpression   = 0x10
	dwCFAOffsetExtSf  = 0x11
	dwCFADefCFASf     = 0x12
	dwCFADefCFAOffSf  = 0x13
	dwCFAValOffset    = 0x14
	dwCFAValOffsetSf  = 0x15
	dwCFAValExpr      = 0x16
)

// cfaRule is the CFA column, tracked separately from register rules
// because it can be expressed either as reg+offset or as an arbitrary
// DWARF expression. defined distinguishes "no DW_CFA_def_cfa* has run
// yet" (Undefined, a hard error outside the trailing row) from "one ran
// but named a register this tool doesn't track" (NotImplemented, a
// per-row soft error) — both would otherwise collapse onto the reg == 0
// zero value.
type cfaRule struct {
	reg     uint64
	offset  int64
	isExpr  bool
	expr    []byte
	defined bool
}

type machineState struct {
	cfa  cfaRule
	regs map[uint64]dwarfmodel.DwRegister
}

func (s machineState) clone() machineState {
	out := machineState{cfa: s.cfa, regs: make(map[uint64]dwarfmodel.DwRegister, len(s.regs))}
	for k, v := range s.regs {
		out.regs[k] = v
	}
	return out
}

// runProgram executes a CFI instruction stream starting from init,
// calling emit(pc, state) every time the location advances (i.e. once
// per row, matching DW_CFA_advance_loc* boundaries).
func runProgram(prog []byte, codeAlign uint64, begIP uint64, init machineState, emit func(pc uint64, s machineState)) error {
	pc := begIP
	state := init.clone()
	var stack []machineState

	r := bytes.NewReader(prog)
	for r.Len() > 0 {
		op0, err := r.ReadByte()
		if err != nil {
			return err
		}
		primary := op0 & 0xc0
		sub := op0 & 0x3f

		switch primary {
		case dwCFAAdvanceLoc:
			emit(pc, state)
			pc += uint64(sub) * codeAlign
			continue
		case dwCFAOffset:
			off, err := readULEB(r)
			if err != nil {
				return err
			}
			state.regs[uint64(sub)] = dwarfmodel.CFAOffset(int64(off))
			continue
		case dwCFARestore:
			delete(state.regs, uint64(sub))
			continue
		}

		switch op0 {
		case dwCFANop:
		case dwCFASetLoc:
			var v uint64
			binary.Read(r, binary.LittleEndian, &v)
			emit(pc, state)
			pc = v
		case dwCFAAdvanceLoc1:
			var d uint8
			binary.Read(r, binary.LittleEndian, &d)
			emit(pc, state)
			pc += uint64(d) * codeAlign
		case dwCFAAdvanceLoc2:
			var d uint16
			binary.Read(r, binary.LittleEndian, &d)
			emit(pc, state)
			pc += uint64(d) * codeAlign
		case dwCFAAdvanceLoc4:
			var d uint32
			binary.Read(r, binary.LittleEndian, &d)
			emit(pc, state)
			pc += uint64(d) * codeAlign
		case dwCFAOffsetExt:
			reg, _ := readULEB(r)
			off, _ := readULEB(r)
			state.regs[reg] = dwarfmodel.CFAOffset(int64(off))
		case dwCFAOffsetExtSf:
			reg, _ := readULEB(r)
			off, _ := readSLEB(r)
			state.regs[reg] = dwarfmodel.CFAOffset(off)
		case dwCFAValOffset:
			reg, _ := readULEB(r)
			off, _ := readULEB(r)
			state.regs[reg] = dwarfmodel.CFAOffset(int64(off))
		case dwCFAValOffsetSf:
			reg, _ := readULEB(r)
			off, _ := readSLEB(r)
			state.regs[reg] = dwarfmodel.CFAOffset(off)
		case dwCFARestoreExt:
			reg, _ := readULEB(r)
			delete(state.regs, reg)
		case dwCFAUndefined:
			reg, _ := readULEB(r)
			state.regs[reg] = dwarfmodel.Undefined
		case dwCFASameValue:
			reg, _ := readULEB(r)
			delete(state.regs, reg)
		case dwCFARegister:
			reg, _ := readULEB(r)
			other, _ := readULEB(r)
			if mreg, ok := toMachineRegister(other); ok {
				state.regs[reg] = dwarfmodel.Register(mreg, 0)
			} else {
				state.regs[reg] = dwarfmodel.NotImplemented
			}
		case dwCFARememberSt:
			stack = append(stack, state.clone())
		case dwCFARestoreSt:
			if len(stack) > 0 {
				state = stack[len(stack)-1]
				stack = stack[:len(stack)-1]
			}
		case dwCFADefCFA:
			reg, _ := readULEB(r)
			off, _ := readULEB(r)
			state.cfa = cfaRule{reg: reg, offset: int64(off), defined: true}
		case dwCFADefCFASf:
			reg, _ := readULEB(r)
			off, _ := readSLEB(r)
			state.cfa = cfaRule{reg: reg, offset: off, defined: true}
		case dwCFADefCFAReg:
			reg, _ := readULEB(r)
			state.cfa.reg = reg
			state.cfa.isExpr = false
		case dwCFADefCFAOffset:
			off, _ := readULEB(r)
			state.cfa.offset = int64(off)
			state.cfa.isExpr = false
		case dwCFADefCFAOffSf:
			off, _ := readSLEB(r)
			state.cfa.offset = off
			state.cfa.isExpr = false
		case dwCFADefCFAExpr:
			n, _ := readULEB(r)
			expr := make([]byte, n)
			io.ReadFull(r, expr)
			state.cfa = cfaRule{isExpr: true, expr: expr, defined: true}
		case dwCFAExpression:
			reg, _ := readULEB(r)
			n, _ := readULEB(r)
			expr := make([]byte, n)
			io.ReadFull(r, expr)
			state.regs[reg] = classifyExpression(expr)
		case dwCFAValExpr:
			reg, _ := readULEB(r)
			n, _ := readULEB(r)
			expr := make([]byte, n)
			io.ReadFull(r, expr)
			state.regs[reg] = classifyExpression(expr)
		default:
			logger.Warnf("dwarfread: unhandled CFA opcode %#x at FDE offset for pc %#x", op0, pc)
		}
	}

	// The state reached after the last instruction is never "closed" by a
	// further advance_loc: it stays valid from pc through the end of the
	// FDE. Always emit it as the trailing row (spec.md §4.1); lowerFDE
	// drops it again if its CFA never got defined.
	emit(pc, state)
	return nil
}

// referencePLTExpr is the fixed DWARF expression binutils emits for the
// CFA/RA columns of a .plt stub's CFI row (spec.md §6): DW_OP_breg7 8;
// DW_OP_breg16 0; DW_OP_lit15; DW_OP_and; DW_OP_lit11; DW_OP_ge;
// DW_OP_lit3; DW_OP_shl; DW_OP_plus — "rsp + 8 + (((rip & 15) >= 11) <<
// 3)", the formula that accounts for the two different PLT stub
// variants a PC can land inside. Recognition is a byte-for-byte
// comparison against this exact sequence, never structural (no
// .plt-section membership check): a row's PC landing inside .plt
// proves nothing about its CFI, and the same expression can in
// principle appear anywhere its producing compiler chooses to emit it.
var referencePLTExpr = []byte{
	0x77, 0x08, // DW_OP_breg7 8
	0x80, 0x00, // DW_OP_breg16 0
	0x3f,       // DW_OP_lit15
	0x1a,       // DW_OP_and
	0x3b,       // DW_OP_lit11
	0x2a,       // DW_OP_ge
	0x33,       // DW_OP_lit3
	0x24,       // DW_OP_shl
	0x22,       // DW_OP_plus
}

// classifyExpression recognizes the two DWARF expression shapes this
// tool understands: the canonical PLT stub expression (byte-exact
// match against referencePLTExpr) and DW_OP_breg<n> <sleb>, i.e. "value
// at [reg + offset]" expressed as a location-list opcode rather than
// through DW_CFA_offset. Anything else is NotImplemented: eh-elf-gen
// emits an error row for it rather than guessing.
func classifyExpression(expr []byte) dwarfmodel.DwRegister {
	if bytes.Equal(expr, referencePLTExpr) {
		return dwarfmodel.PLTExpr
	}
	if len(expr) == 0 {
		return dwarfmodel.NotImplemented
	}
	const dwOpBreg0 = 0x70 // DW_OP_breg0 .. DW_OP_breg31 = 0x70..0x8f
	if expr[0] >= dwOpBreg0 && expr[0] <= dwOpBreg0+31 {
		r := bytes.NewReader(expr[1:])
		off, err := readSLEB(r)
		if err != nil || r.Len() != 0 {
			// Trailing opcodes (e.g. DW_OP_deref) make this more than a
			// plain DW_OP_breg<n> <sleb>.
			return dwarfmodel.NotImplemented
		}
		if mreg, ok := toMachineRegister(uint64(expr[0] - dwOpBreg0)); ok {
			return dwarfmodel.Register(mreg, off)
		}
	}
	return dwarfmodel.NotImplemented
}

func toMachineRegister(dwreg uint64) (dwarfmodel.MachineRegister, bool) {
	switch dwreg {
	case regnum.AMD64_Rsp:
		return dwarfmodel.RSP, true
	case regnum.AMD64_Rbp:
		return dwarfmodel.RBP, true
	case regnum.AMD64_Rbx:
		return dwarfmodel.RBX, true
	default:
		return 0, false
	}
}

// lowerFDE runs the CIE's initial instructions followed by the FDE's own
// instructions, converting every emitted machineState into a DwRow.
func lowerFDE(raw rawFDE) (dwarfmodel.Fde, error) {
	init := machineState{regs: map[uint64]dwarfmodel.DwRegister{}}
	if err := runProgram(raw.cie.initialInstructions, raw.cie.codeAlign, raw.begIP, init, func(_ uint64, s machineState) {
		init = s.clone()
	}); err != nil {
		return dwarfmodel.Fde{}, fmt.Errorf("dwarfread: CIE initial program at %#x: %w", raw.cie.offset, err)
	}

	fde := dwarfmodel.Fde{FDEOffset: raw.offset, BegIP: raw.begIP, EndIP: raw.endIP}

	var rows []dwarfmodel.DwRow
	err := runProgram(raw.instructions, raw.cie.codeAlign, raw.begIP, init, func(pc uint64, s machineState) {
		rows = append(rows, rowOf(pc, raw.cie.returnAddrReg, s))
	})
	if err != nil {
		return dwarfmodel.Fde{}, fmt.Errorf("dwarfread: FDE program at %#x: %w", raw.offset, err)
	}

	for i, row := range rows {
		if row.CFA.Kind != dwarfmodel.RegUndefined {
			continue
		}
		if i == len(rows)-1 {
			// The trailing unfinished row never got a CFA: silently drop
			// it rather than fabricating an invalid dispatch case for it
			// (spec.md §4.1 point 4).
			rows = rows[:i]
			break
		}
		return dwarfmodel.Fde{}, fmt.Errorf("%w: FDE at %#x, pc %#x", ErrInvalidDWARF, raw.offset, row.IP)
	}

	fde.Rows = rows
	return fde, nil
}

func rowOf(pc, raReg uint64, s machineState) dwarfmodel.DwRow {
	row := dwarfmodel.DwRow{IP: pc}

	row.CFA = cfaToReg(s.cfa)
	if reg, ok := s.regs[regnum.AMD64_Rbp]; ok {
		row.RBP = reg
	} else {
		row.RBP = dwarfmodel.Undefined
	}
	if reg, ok := s.regs[regnum.AMD64_Rbx]; ok {
		row.RBX = reg
	} else {
		row.RBX = dwarfmodel.Undefined
	}
	if reg, ok := s.regs[raReg]; ok {
		row.RA = reg
	} else {
		row.RA = dwarfmodel.Undefined
	}
	return row
}

func cfaToReg(c cfaRule) dwarfmodel.DwRegister {
	if !c.defined {
		return dwarfmodel.Undefined
	}
	if c.isExpr {
		return classifyExpression(c.expr)
	}
	if mreg, ok := toMachineRegister(c.reg); ok {
		return dwarfmodel.Register(mreg, c.offset)
	}
	return dwarfmodel.NotImplemented
}
