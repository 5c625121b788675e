package dwarf

import (
	"fmt"

	"github.com/minoca/dbgsym/symbols"
)

// lineHeader is the decoded .debug_line program header.
type lineHeader struct {
	version           uint16
	minInstLength     uint64
	maxOpsPerInst     uint64
	defaultIsStmt     bool
	lineBase          int8
	lineRange         uint8
	opcodeBase        uint8
	stdOpcodeLengths  []uint8
	includeDirs       []string
	files             []lineFile
	programStart      int
	programEnd        int
}

type lineFile struct {
	name     string
	dirIndex uint64
}

// lineMachine is the line number program state machine.
type lineMachine struct {
	address  uint64
	opIndex  uint64
	file     uint64
	line     int64
	column   uint64
	isStmt   bool
	basicBlk bool
	endSeq   bool
	prologue bool
	epilogue bool
	isa      uint64
}

func (m *lineMachine) reset(header *lineHeader) {
	*m = lineMachine{file: 1, line: 1, isStmt: header.defaultIsStmt}
}

// loadLineProgram runs the line program at the given .debug_line offset and
// attaches the committed rows to their source files.
func (d *Data) loadLineProgram(u *unit, offset uint64) error {
	if offset >= uint64(len(d.line)) {
		return fmt.Errorf("%w: line program offset 0x%x", ErrCorrupt, offset)
	}
	b := newBuffer(d.line)
	b.off = int(offset)
	header, err := parseLineHeader(b)
	if err != nil {
		return err
	}

	emitter := &lineEmitter{data: d, unit: u, header: header}
	machine := &lineMachine{}
	machine.reset(header)

	b.off = header.programStart
	for b.off < header.programEnd {
		opcode := b.uint8()
		if b.err != nil {
			return b.err
		}
		switch {
		case opcode >= header.opcodeBase:
			adjusted := uint64(opcode - header.opcodeBase)
			machine.advance(header, adjusted/uint64(header.lineRange))
			machine.line += int64(header.lineBase) + int64(adjusted%uint64(header.lineRange))
			emitter.commit(machine)

		case opcode == 0:
			// Extended opcode: length-prefixed.
			length := b.uleb()
			end := b.off + int(length)
			sub := b.uint8()
			switch sub {
			case LneEndSequence:
				machine.endSeq = true
				emitter.commit(machine)
				machine.reset(header)
			case LneSetAddress:
				machine.address = b.uint(u.addrSize)
				machine.opIndex = 0
			case LneDefineFile:
				name := b.cstring()
				dir := b.uleb()
				b.uleb() // modification time
				b.uleb() // file length
				header.files = append(header.files, lineFile{name: name, dirIndex: dir})
			case LneSetDiscriminator:
				b.uleb()
			default:
				d.log.V(1).Info("unknown extended line opcode", "opcode", sub)
			}
			if b.err != nil {
				return b.err
			}
			if b.off > end {
				return fmt.Errorf("%w: extended opcode %d overran its length", ErrCorrupt, sub)
			}
			b.off = end

		default:
			switch opcode {
			case LnsCopy:
				emitter.commit(machine)
				machine.basicBlk = false
				machine.prologue = false
				machine.epilogue = false
			case LnsAdvancePc:
				machine.advance(header, b.uleb())
			case LnsAdvanceLine:
				machine.line += b.sleb()
			case LnsSetFile:
				machine.file = b.uleb()
			case LnsSetColumn:
				machine.column = b.uleb()
			case LnsNegateStmt:
				machine.isStmt = !machine.isStmt
			case LnsSetBasicBlock:
				machine.basicBlk = true
			case LnsConstAddPc:
				adjusted := uint64(255 - header.opcodeBase)
				machine.advance(header, adjusted/uint64(header.lineRange))
			case LnsFixedAdvancePc:
				machine.address += uint64(b.uint16())
				machine.opIndex = 0
			case LnsSetPrologueEnd:
				machine.prologue = true
			case LnsSetEpilogueBegin:
				machine.epilogue = true
			case LnsSetIsa:
				machine.isa = b.uleb()
			default:
				// Unknown standard opcode: skip its declared operands.
				if int(opcode) <= len(header.stdOpcodeLengths) {
					for i := uint8(0); i < header.stdOpcodeLengths[opcode-1]; i++ {
						b.uleb()
					}
				}
			}
			if b.err != nil {
				return b.err
			}
		}
	}
	emitter.close()
	return nil
}

// advance applies an operation advance to the address and op_index pair.
func (m *lineMachine) advance(header *lineHeader, operationAdvance uint64) {
	maxOps := header.maxOpsPerInst
	if maxOps <= 1 {
		m.address += operationAdvance * header.minInstLength
		return
	}
	total := m.opIndex + operationAdvance
	m.address += (total / maxOps) * header.minInstLength
	m.opIndex = total % maxOps
}

func parseLineHeader(b *buffer) (*lineHeader, error) {
	start := b.off
	length, is64 := b.initialLength()
	programEnd := b.off + int(length)
	if b.err != nil || programEnd > len(b.data) {
		return nil, fmt.Errorf("%w: line program header at 0x%x", ErrCorrupt, start)
	}
	header := &lineHeader{
		version: b.uint16(),
	}
	if header.version < 2 || header.version > 4 {
		return nil, fmt.Errorf("%w: line program version %d", ErrCorrupt, header.version)
	}
	headerLength := b.offset(is64)
	headerEnd := b.off + int(headerLength)

	header.minInstLength = uint64(b.uint8())
	header.maxOpsPerInst = 1
	if header.version >= 4 {
		header.maxOpsPerInst = uint64(b.uint8())
	}
	header.defaultIsStmt = b.uint8() != 0
	header.lineBase = int8(b.uint8())
	header.lineRange = b.uint8()
	header.opcodeBase = b.uint8()
	if b.err != nil || header.lineRange == 0 || header.opcodeBase == 0 {
		return nil, fmt.Errorf("%w: bad line program header at 0x%x", ErrCorrupt, start)
	}
	for i := uint8(1); i < header.opcodeBase; i++ {
		header.stdOpcodeLengths = append(header.stdOpcodeLengths, b.uint8())
	}
	for {
		dir := b.cstring()
		if b.err != nil {
			return nil, b.err
		}
		if dir == "" {
			break
		}
		header.includeDirs = append(header.includeDirs, dir)
	}
	for {
		name := b.cstring()
		if b.err != nil {
			return nil, b.err
		}
		if name == "" {
			break
		}
		dir := b.uleb()
		b.uleb() // modification time
		b.uleb() // file length
		header.files = append(header.files, lineFile{name: name, dirIndex: dir})
	}
	if b.err != nil {
		return nil, b.err
	}
	header.programStart = headerEnd
	header.programEnd = programEnd
	return header, nil
}

// lineEmitter turns committed rows into SourceLine entries. Each commit
// patches the previous row's end up to the new address, a row repeating the
// previous (file, line) pair merely extends it, and an end_sequence closes
// the open row without starting a new one.
type lineEmitter struct {
	data    *Data
	unit    *unit
	header  *lineHeader
	open    *symbols.SourceLine
	sources map[uint64]*symbols.SourceFile
}

func (e *lineEmitter) commit(m *lineMachine) {
	if e.open != nil {
		end := m.address
		if end < e.open.Start+1 {
			end = e.open.Start + 1
		}
		e.open.End = end
	}
	if m.endSeq {
		e.open = nil
		return
	}
	source := e.sourceForFile(m.file)
	if source == nil {
		e.open = nil
		return
	}
	if e.open != nil && e.open.Source == source && e.open.LineNumber == int(m.line) {
		return
	}
	line := &symbols.SourceLine{
		Source:     source,
		LineNumber: int(m.line),
		Start:      m.address,
		End:        m.address + 1,
		Absolute:   true,
	}
	source.Lines = append(source.Lines, line)
	e.open = line
}

func (e *lineEmitter) close() {
	e.open = nil
}

// sourceForFile maps a file register value to its source file, creating the
// file on first use. Directory index zero means the compilation directory.
func (e *lineEmitter) sourceForFile(index uint64) *symbols.SourceFile {
	if e.sources == nil {
		e.sources = make(map[uint64]*symbols.SourceFile)
	}
	if source, ok := e.sources[index]; ok {
		return source
	}
	if index == 0 || index > uint64(len(e.header.files)) {
		e.data.log.V(1).Info("line row references unknown file",
			"unit", e.unit.offset, "file", index)
		e.sources[index] = nil
		return nil
	}
	file := e.header.files[index-1]
	directory := e.unit.source.Directory
	if file.dirIndex > 0 && file.dirIndex <= uint64(len(e.header.includeDirs)) {
		directory = e.header.includeDirs[file.dirIndex-1]
	}
	source := e.unit.source.Module.FindSource(directory, file.name, true)
	e.sources[index] = source
	return source
}
