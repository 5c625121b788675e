package dwarf

import (
	"fmt"

	"github.com/minoca/dbgsym/symbols"
)

// frameEntry is one FDE with its owning CIE's parameters folded in.
type frameEntry struct {
	start        uint64
	length       uint64
	instructions []byte
	cie          *frameCie
}

type frameCie struct {
	codeAlign     uint64
	dataAlign     int64
	returnAddrReg uint64
	addrSize      int
	fdeEncoding   uint8
	lsdaEncoding  uint8
	hasAugData    bool
	initial       []byte
}

// unwinder implements symbols.Unwinder over the parsed call frame
// information. Entries from .debug_frame are preferred; .eh_frame fills in
// the rest.
type unwinder struct {
	data    *Data
	entries []frameEntry
}

// newUnwinder parses both frame sections. Nil is returned when the image
// carries no usable call frame information at all.
func newUnwinder(d *Data) symbols.Unwinder {
	u := &unwinder{data: d}
	if d.frame != nil {
		if err := u.parseSection(d.frame, 0, false); err != nil {
			d.log.V(1).Info(".debug_frame parse failed", "error", err.Error())
		}
	}
	if d.ehFrame != nil {
		if err := u.parseSection(d.ehFrame, d.ehFrameAddr, true); err != nil {
			d.log.V(1).Info(".eh_frame parse failed", "error", err.Error())
		}
	}
	if len(u.entries) == 0 {
		return nil
	}
	return u
}

// parseSection walks one frame section, collecting CIEs by offset and
// attaching each FDE to its CIE.
func (u *unwinder) parseSection(section []byte, sectionAddr uint64, eh bool) error {
	cies := make(map[uint64]*frameCie)
	b := newBuffer(section)
	for b.remaining() > 0 {
		entryStart := uint64(b.off)
		length, is64 := b.initialLength()
		if b.err != nil {
			return b.err
		}
		if length == 0 {
			// Zero terminator in .eh_frame.
			break
		}
		next := b.off + int(length)
		if next > len(section) {
			return fmt.Errorf("%w: frame entry at 0x%x runs past section", ErrCorrupt, entryStart)
		}

		idOffset := uint64(b.off)
		id := b.offset(is64)
		isCie := false
		if eh {
			isCie = id == 0
		} else {
			sentinel := uint64(0xFFFFFFFF)
			if is64 {
				sentinel = ^uint64(0)
			}
			isCie = id == sentinel
		}

		if isCie {
			cie, err := u.parseCie(b, next, eh)
			if err != nil {
				return fmt.Errorf("CIE at 0x%x: %w", entryStart, err)
			}
			cies[entryStart] = cie
		} else {
			cieOffset := id
			if eh {
				// Self-relative, pointing backwards.
				cieOffset = idOffset - id
			}
			cie, ok := cies[cieOffset]
			if !ok {
				return fmt.Errorf("%w: FDE at 0x%x references missing CIE 0x%x",
					ErrCorrupt, entryStart, cieOffset)
			}
			entry, err := u.parseFde(b, next, cie, eh, sectionAddr)
			if err != nil {
				return fmt.Errorf("FDE at 0x%x: %w", entryStart, err)
			}
			u.entries = append(u.entries, *entry)
		}
		b.off = next
	}
	return nil
}

func (u *unwinder) parseCie(b *buffer, end int, eh bool) (*frameCie, error) {
	cie := &frameCie{
		addrSize:    u.data.addrSize,
		fdeEncoding: EhPeAbsptr,
	}
	version := b.uint8()
	if version != 1 && version != 3 && version != 4 {
		return nil, fmt.Errorf("%w: CIE version %d", ErrCorrupt, version)
	}
	augmentation := b.cstring()
	if version == 4 {
		cie.addrSize = int(b.uint8())
		b.uint8() // segment selector size
	}
	cie.codeAlign = b.uleb()
	cie.dataAlign = b.sleb()
	if version == 1 {
		cie.returnAddrReg = uint64(b.uint8())
	} else {
		cie.returnAddrReg = b.uleb()
	}
	if b.err != nil {
		return nil, b.err
	}

	if len(augmentation) > 0 && augmentation[0] == 'z' {
		cie.hasAugData = true
		augLength := b.uleb()
		augEnd := b.off + int(augLength)
		for _, ch := range augmentation[1:] {
			switch ch {
			case 'R':
				cie.fdeEncoding = b.uint8()
			case 'L':
				cie.lsdaEncoding = b.uint8()
			case 'P':
				encoding := b.uint8()
				u.readEncodedPointer(b, encoding, cie.addrSize, 0)
			case 'S':
				// Signal frame marker, no data.
			default:
				// Unknown augmentation: the length field lets us skip it.
			}
		}
		if b.err != nil {
			return nil, b.err
		}
		if b.off > augEnd {
			return nil, fmt.Errorf("%w: augmentation data overrun", ErrCorrupt)
		}
		b.off = augEnd
	} else if len(augmentation) > 0 {
		return nil, fmt.Errorf("%w: unreadable augmentation %q", ErrCorrupt, augmentation)
	}
	cie.initial = b.block(end - b.off)
	return cie, b.err
}

func (u *unwinder) parseFde(b *buffer, end int, cie *frameCie, eh bool, sectionAddr uint64) (*frameEntry, error) {
	entry := &frameEntry{cie: cie}
	if eh {
		var err error
		entry.start, err = u.readEncodedPointer(b, cie.fdeEncoding, cie.addrSize, sectionAddr)
		if err != nil {
			return nil, err
		}
		// The range uses the encoding's value format without relocation.
		entry.length, err = u.readEncodedPointer(b, cie.fdeEncoding&0x0F, cie.addrSize, 0)
		if err != nil {
			return nil, err
		}
	} else {
		entry.start = b.uint(cie.addrSize)
		entry.length = b.uint(cie.addrSize)
	}
	if cie.hasAugData {
		augLength := b.uleb()
		b.skip(int(augLength))
	}
	entry.instructions = b.block(end - b.off)
	return entry, b.err
}

// readEncodedPointer decodes a DW_EH_PE encoded pointer. sectionAddr is the
// virtual address of the byte stream's origin, needed for pcrel values.
func (u *unwinder) readEncodedPointer(b *buffer, encoding uint8, addrSize int, sectionAddr uint64) (uint64, error) {
	if encoding == EhPeOmit {
		return 0, nil
	}
	fieldOffset := uint64(b.off)
	var value uint64
	switch encoding & 0x0F {
	case EhPeAbsptr:
		value = b.uint(addrSize)
	case EhPeUleb128:
		value = b.uleb()
	case EhPeUdata2:
		value = uint64(b.uint16())
	case EhPeUdata4:
		value = uint64(b.uint32())
	case EhPeUdata8:
		value = b.uint64()
	case EhPeSleb128:
		value = uint64(b.sleb())
	case EhPeSdata2:
		value = uint64(int64(int16(b.uint16())))
	case EhPeSdata4:
		value = uint64(int64(int32(b.uint32())))
	case EhPeSdata8:
		value = b.uint64()
	default:
		return 0, fmt.Errorf("%w: pointer encoding 0x%x", ErrUnknownOpcode, encoding)
	}
	if b.err != nil {
		return 0, b.err
	}
	switch encoding & 0x70 {
	case 0:
	case EhPePcrel:
		value += sectionAddr + fieldOffset
	case EhPeDatarel:
		value += sectionAddr
	default:
		return 0, fmt.Errorf("%w: pointer application 0x%x", ErrUnknownOpcode, encoding)
	}
	return value, nil
}

// Register rules.
type ruleKind int

const (
	ruleUndefined ruleKind = iota
	ruleSameValue
	ruleOffset
	ruleValOffset
	ruleRegister
	ruleExpression
	ruleValExpression
)

type registerRule struct {
	kind     ruleKind
	offset   int64
	register uint64
	expr     []byte
}

type cfaRule struct {
	register uint64
	offset   int64
	expr     []byte
}

type frameRow struct {
	cfa   cfaRule
	rules map[uint64]registerRule
}

func (r *frameRow) clone() frameRow {
	rules := make(map[uint64]registerRule, len(r.rules))
	for k, v := range r.rules {
		rules[k] = v
	}
	return frameRow{cfa: r.cfa, rules: rules}
}

// Unwind computes the caller's register context for the frame containing
// pc. The register file is updated in place; the returned frame carries the
// CFA and return address.
func (u *unwinder) Unwind(pc uint64, regs symbols.RegisterFile, memory symbols.MemoryReader) (*symbols.StackFrame, error) {
	var entry *frameEntry
	for i := range u.entries {
		e := &u.entries[i]
		if pc >= e.start && pc < e.start+e.length {
			entry = e
			break
		}
	}
	if entry == nil {
		return nil, symbols.ErrNoUnwindInfo
	}

	row := frameRow{rules: make(map[uint64]registerRule)}
	machine := &cfiMachine{cie: entry.cie, row: &row, pc: pc, loc: entry.start}
	if err := machine.run(entry.cie.initial); err != nil {
		return nil, err
	}
	machine.initial = row.clone()
	if err := machine.run(entry.instructions); err != nil {
		return nil, err
	}

	eval := &evaluator{data: u.data, regs: regs, memory: memory, pc: pc}

	// Compute the CFA first; every offset rule hangs off it.
	var cfa uint64
	if row.cfa.expr != nil {
		pieces, err := eval.run(row.cfa.expr, nil)
		if err != nil {
			return nil, err
		}
		if len(pieces) != 1 || pieces[0].Kind == symbols.PieceRegister {
			return nil, fmt.Errorf("%w: CFA expression", ErrCorrupt)
		}
		if pieces[0].Kind == symbols.PieceValue {
			cfa = pieces[0].Value
		} else {
			cfa = pieces[0].Address
		}
	} else {
		base, err := regs.ReadRegister(uint32(row.cfa.register))
		if err != nil {
			return nil, err
		}
		cfa = base + uint64(row.cfa.offset)
	}

	// Resolve every rule against the callee's context before writing any
	// register back.
	values := make(map[uint64]uint64)
	for register, rule := range row.rules {
		value, ok, err := u.applyRule(rule, cfa, entry.cie, regs, memory)
		if err != nil {
			return nil, err
		}
		if ok {
			values[register] = value
		}
	}

	ra, ok := values[entry.cie.returnAddrReg]
	if !ok {
		raRule, present := row.rules[entry.cie.returnAddrReg]
		if !present || raRule.kind == ruleUndefined {
			return nil, symbols.ErrNoMoreFrames
		}
		return nil, fmt.Errorf("%w: return address", symbols.ErrNotFound)
	}
	if ra == 0 {
		return nil, symbols.ErrNoMoreFrames
	}

	for register, value := range values {
		regs.WriteRegister(uint32(register), value)
	}
	machineSp := u.data.machine.SpRegister()
	regs.WriteRegister(machineSp, cfa)
	regs.WriteRegister(u.data.machine.PcRegister(), ra)
	return &symbols.StackFrame{FramePointer: cfa, ReturnAddress: ra}, nil
}

func (u *unwinder) applyRule(rule registerRule, cfa uint64, cie *frameCie,
	regs symbols.RegisterFile, memory symbols.MemoryReader) (uint64, bool, error) {

	readMemory := func(address uint64) (uint64, error) {
		data, err := memory.ReadMemory(address, cie.addrSize)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", symbols.ErrMemoryUnavailable, err)
		}
		var value uint64
		for i := len(data) - 1; i >= 0; i-- {
			value = value<<8 | uint64(data[i])
		}
		return value, nil
	}

	switch rule.kind {
	case ruleOffset:
		value, err := readMemory(cfa + uint64(rule.offset))
		return value, err == nil, err
	case ruleValOffset:
		return cfa + uint64(rule.offset), true, nil
	case ruleRegister:
		value, err := regs.ReadRegister(uint32(rule.register))
		return value, err == nil, err
	case ruleExpression, ruleValExpression:
		eval := &evaluator{data: u.data, regs: regs, memory: memory}
		seed := &cell{kind: cellValue, value: cfa}
		pieces, err := eval.run(rule.expr, seed)
		if err != nil {
			return 0, false, err
		}
		if len(pieces) != 1 {
			return 0, false, fmt.Errorf("%w: register rule expression", ErrCorrupt)
		}
		var value uint64
		switch pieces[0].Kind {
		case symbols.PieceValue:
			value = pieces[0].Value
		case symbols.PieceMemory:
			value = pieces[0].Address
		default:
			return 0, false, fmt.Errorf("%w: register rule expression", ErrCorrupt)
		}
		if rule.kind == ruleExpression {
			loaded, err := readMemory(value)
			return loaded, err == nil, err
		}
		return value, true, nil
	}
	return 0, false, nil
}

// cfiMachine executes call frame instructions, advancing the location until
// it passes the target PC.
type cfiMachine struct {
	cie     *frameCie
	row     *frameRow
	initial frameRow
	stack   []frameRow
	pc      uint64
	loc     uint64
}

func (m *cfiMachine) run(instructions []byte) error {
	b := newBuffer(instructions)
	for b.remaining() > 0 && m.loc <= m.pc {
		op := b.uint8()
		if b.err != nil {
			return b.err
		}
		switch op & 0xC0 {
		case CfaAdvanceLoc:
			m.loc += uint64(op&0x3F) * m.cie.codeAlign
			continue
		case CfaOffset:
			offset := b.uleb()
			m.row.rules[uint64(op&0x3F)] = registerRule{
				kind:   ruleOffset,
				offset: int64(offset) * m.cie.dataAlign,
			}
			continue
		case CfaRestore:
			m.restore(uint64(op & 0x3F))
			continue
		}

		switch op {
		case CfaNop:
		case CfaSetLoc:
			m.loc = b.uint(m.cie.addrSize)
		case CfaAdvanceLoc1:
			m.loc += uint64(b.uint8()) * m.cie.codeAlign
		case CfaAdvanceLoc2:
			m.loc += uint64(b.uint16()) * m.cie.codeAlign
		case CfaAdvanceLoc4:
			m.loc += uint64(b.uint32()) * m.cie.codeAlign
		case CfaOffsetExtended:
			register := b.uleb()
			offset := b.uleb()
			m.row.rules[register] = registerRule{
				kind:   ruleOffset,
				offset: int64(offset) * m.cie.dataAlign,
			}
		case CfaOffsetExtendedSf:
			register := b.uleb()
			offset := b.sleb()
			m.row.rules[register] = registerRule{
				kind:   ruleOffset,
				offset: offset * m.cie.dataAlign,
			}
		case CfaRestoreExtended:
			m.restore(b.uleb())
		case CfaUndefined:
			m.row.rules[b.uleb()] = registerRule{kind: ruleUndefined}
		case CfaSameValue:
			m.row.rules[b.uleb()] = registerRule{kind: ruleSameValue}
		case CfaRegister:
			target := b.uleb()
			source := b.uleb()
			m.row.rules[target] = registerRule{kind: ruleRegister, register: source}
		case CfaRememberState:
			m.stack = append(m.stack, m.row.clone())
		case CfaRestoreState:
			if len(m.stack) == 0 {
				return fmt.Errorf("%w: restore_state with empty stack", ErrCorrupt)
			}
			*m.row = m.stack[len(m.stack)-1]
			m.stack = m.stack[:len(m.stack)-1]
		case CfaDefCfa:
			m.row.cfa = cfaRule{register: b.uleb(), offset: int64(b.uleb())}
		case CfaDefCfaSf:
			register := b.uleb()
			offset := b.sleb()
			m.row.cfa = cfaRule{register: register, offset: offset * m.cie.dataAlign}
		case CfaDefCfaRegister:
			m.row.cfa.register = b.uleb()
			m.row.cfa.expr = nil
		case CfaDefCfaOffset:
			m.row.cfa.offset = int64(b.uleb())
			m.row.cfa.expr = nil
		case CfaDefCfaOffsetSf:
			m.row.cfa.offset = b.sleb() * m.cie.dataAlign
			m.row.cfa.expr = nil
		case CfaDefCfaExpression:
			m.row.cfa = cfaRule{expr: b.block(int(b.uleb()))}
		case CfaExpression:
			register := b.uleb()
			expr := b.block(int(b.uleb()))
			m.row.rules[register] = registerRule{kind: ruleExpression, expr: expr}
		case CfaValExpression:
			register := b.uleb()
			expr := b.block(int(b.uleb()))
			m.row.rules[register] = registerRule{kind: ruleValExpression, expr: expr}
		case CfaValOffset:
			register := b.uleb()
			offset := b.uleb()
			m.row.rules[register] = registerRule{
				kind:   ruleValOffset,
				offset: int64(offset) * m.cie.dataAlign,
			}
		case CfaValOffsetSf:
			register := b.uleb()
			offset := b.sleb()
			m.row.rules[register] = registerRule{
				kind:   ruleValOffset,
				offset: offset * m.cie.dataAlign,
			}
		default:
			return fmt.Errorf("%w: call frame instruction 0x%x", ErrUnknownOpcode, op)
		}
		if b.err != nil {
			return b.err
		}
	}
	return nil
}

// restore resets one register to the rule established by the CIE's initial
// instructions.
func (m *cfiMachine) restore(register uint64) {
	if rule, ok := m.initial.rules[register]; ok {
		m.row.rules[register] = rule
	} else {
		delete(m.row.rules, register)
	}
}
