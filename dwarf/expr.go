package dwarf

import (
	"fmt"

	"github.com/minoca/dbgsym/symbols"
)

// maxExprStack bounds the evaluation stack so malformed expressions cannot
// grow without limit.
const maxExprStack = 128

// cellKind is the form of one evaluation stack cell.
type cellKind int

const (
	cellValue    cellKind = iota // literal data
	cellMemory                   // an address to be dereferenced
	cellRegister                 // a register number
)

type cell struct {
	kind  cellKind
	value uint64
}

// evaluator runs DWARF location expressions against an optional register
// file and memory reader. Without a target, register and memory operations
// report the location as unavailable.
type evaluator struct {
	data     *Data
	unit     *unit
	function *symbols.Function
	pc       uint64
	regs     symbols.RegisterFile
	memory   symbols.MemoryReader
	pieces   []symbols.LocationPiece
}

// locationEvaluator defers a variable's location attribute until query time.
// It implements symbols.LocationEvaluator.
type locationEvaluator struct {
	data     *Data
	unit     *unit
	function *symbols.Function
	attr     attrValue
}

func (l *locationEvaluator) Evaluate(pc uint64, regs symbols.RegisterFile, memory symbols.MemoryReader) ([]symbols.LocationPiece, error) {
	e := &evaluator{
		data:     l.data,
		unit:     l.unit,
		function: l.function,
		pc:       pc,
		regs:     regs,
		memory:   memory,
	}
	switch l.attr.class {
	case classBlock:
		return e.run(l.attr.block, nil)
	case classSecOffset, classConstant:
		expr, err := l.data.searchLocationList(l.unit, l.attr.uval, pc)
		if err != nil {
			return nil, err
		}
		return e.run(expr, nil)
	}
	return nil, fmt.Errorf("%w: unsupported location form 0x%x", ErrUnknownForm, l.attr.form)
}

// searchLocationList finds the expression covering pc in the .debug_loc
// list at the given offset. Entry addresses are relative to the unit's low
// PC; a start of all ones updates the base, and a (0, 0) pair terminates.
func (d *Data) searchLocationList(u *unit, offset uint64, pc uint64) ([]byte, error) {
	if offset >= uint64(len(d.loc)) {
		return nil, fmt.Errorf("%w: location list offset 0x%x", ErrCorrupt, offset)
	}
	b := newBuffer(d.loc)
	b.off = int(offset)
	sentinel := ^uint64(0) >> (64 - uint(u.addrSize)*8)
	base := u.lowPc
	for {
		start := b.uint(u.addrSize)
		end := b.uint(u.addrSize)
		if b.err != nil {
			return nil, b.err
		}
		if start == 0 && end == 0 {
			return nil, fmt.Errorf("%w: location not available here", symbols.ErrNotFound)
		}
		if start == sentinel {
			base = end
			continue
		}
		expr := b.block(int(b.uint16()))
		if b.err != nil {
			return nil, b.err
		}
		if pc >= base+start && pc < base+end {
			return expr, nil
		}
	}
}

// evaluateConstant runs an expression with a literal seed and no target,
// returning the value left on top of the stack. The semantic loader uses
// this for member offset expressions.
func evaluateConstant(d *Data, u *unit, expr []byte, seed uint64) (uint64, error) {
	e := &evaluator{data: d, unit: u}
	pieces, err := e.run(expr, &cell{kind: cellValue, value: seed})
	if err != nil {
		return 0, err
	}
	if len(pieces) != 1 {
		return 0, fmt.Errorf("%w: expression did not yield a value", ErrCorrupt)
	}
	switch pieces[0].Kind {
	case symbols.PieceValue:
		return pieces[0].Value, nil
	case symbols.PieceMemory:
		return pieces[0].Address, nil
	}
	return 0, fmt.Errorf("%w: expression did not yield a value", ErrCorrupt)
}

// run executes the expression. The result is the accumulated piece list if
// any piece opcode was seen, otherwise a single piece made from the top of
// the stack. An empty stack at the end means the object is unavailable at
// this PC rather than a parse failure.
func (e *evaluator) run(expr []byte, seed *cell) ([]symbols.LocationPiece, error) {
	var stack []cell
	if seed != nil {
		stack = append(stack, *seed)
	}

	push := func(c cell) error {
		if len(stack) >= maxExprStack {
			return fmt.Errorf("%w: expression stack overflow", ErrCorrupt)
		}
		stack = append(stack, c)
		return nil
	}
	pop := func() (cell, error) {
		if len(stack) == 0 {
			return cell{}, fmt.Errorf("%w: expression stack underflow", ErrCorrupt)
		}
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return c, nil
	}

	b := newBuffer(expr)
	for b.remaining() > 0 {
		op := b.uint8()
		var err error
		switch {
		case op >= OpLit0 && op <= OpLit31:
			err = push(cell{kind: cellValue, value: uint64(op - OpLit0)})

		case op >= OpReg0 && op <= OpReg31:
			err = push(cell{kind: cellRegister, value: uint64(op - OpReg0)})

		case op >= OpBreg0 && op <= OpBreg31:
			err = e.pushRegisterOffset(&stack, uint32(op-OpBreg0), b.sleb())

		default:
			err = e.step(op, b, &stack, push, pop)
		}
		if err != nil {
			return nil, err
		}
		if b.err != nil {
			return nil, b.err
		}
	}

	if len(e.pieces) != 0 {
		return e.pieces, nil
	}
	if len(stack) == 0 {
		return nil, fmt.Errorf("%w: location not available here", symbols.ErrNotFound)
	}
	return []symbols.LocationPiece{pieceFromCell(stack[len(stack)-1])}, nil
}

func (e *evaluator) step(op uint8, b *buffer, stack *[]cell,
	push func(cell) error, pop func() (cell, error)) error {

	binary := func(f func(a, b uint64) (uint64, error)) error {
		right, err := pop()
		if err != nil {
			return err
		}
		left, err := pop()
		if err != nil {
			return err
		}
		value, err := f(left.value, right.value)
		if err != nil {
			return err
		}
		return push(cell{kind: cellValue, value: value})
	}
	unary := func(f func(a uint64) uint64) error {
		top, err := pop()
		if err != nil {
			return err
		}
		return push(cell{kind: cellValue, value: f(top.value)})
	}
	compare := func(f func(a, b int64) bool) error {
		return binary(func(a, b uint64) (uint64, error) {
			if f(int64(a), int64(b)) {
				return 1, nil
			}
			return 0, nil
		})
	}

	switch op {
	case OpNop:
		return nil

	case OpAddr:
		return push(cell{kind: cellMemory, value: b.uint(e.addrSize())})
	case OpConst1u:
		return push(cell{kind: cellValue, value: uint64(b.uint8())})
	case OpConst1s:
		return push(cell{kind: cellValue, value: uint64(int64(int8(b.uint8())))})
	case OpConst2u:
		return push(cell{kind: cellValue, value: uint64(b.uint16())})
	case OpConst2s:
		return push(cell{kind: cellValue, value: uint64(int64(int16(b.uint16())))})
	case OpConst4u:
		return push(cell{kind: cellValue, value: uint64(b.uint32())})
	case OpConst4s:
		return push(cell{kind: cellValue, value: uint64(int64(int32(b.uint32())))})
	case OpConst8u, OpConst8s:
		return push(cell{kind: cellValue, value: b.uint64()})
	case OpConstu:
		return push(cell{kind: cellValue, value: b.uleb()})
	case OpConsts:
		return push(cell{kind: cellValue, value: uint64(b.sleb())})

	case OpRegx:
		return push(cell{kind: cellRegister, value: b.uleb()})
	case OpBregx:
		register := uint32(b.uleb())
		return e.pushRegisterOffset(stack, register, b.sleb())
	case OpFbreg:
		offset := b.sleb()
		base, err := e.frameBase()
		if err != nil {
			return err
		}
		return push(cell{kind: cellMemory, value: base + uint64(offset)})

	case OpDeref, OpDerefSize:
		size := e.addrSize()
		if op == OpDerefSize {
			size = int(b.uint8())
		}
		top, err := pop()
		if err != nil {
			return err
		}
		value, err := e.readMemory(top.value, size)
		if err != nil {
			return err
		}
		return push(cell{kind: cellValue, value: value})

	case OpDup:
		if len(*stack) == 0 {
			return fmt.Errorf("%w: expression stack underflow", ErrCorrupt)
		}
		return push((*stack)[len(*stack)-1])
	case OpDrop:
		_, err := pop()
		return err
	case OpOver:
		if len(*stack) < 2 {
			return fmt.Errorf("%w: expression stack underflow", ErrCorrupt)
		}
		return push((*stack)[len(*stack)-2])
	case OpPick:
		index := int(b.uint8())
		if b.err != nil {
			return b.err
		}
		if index >= len(*stack) {
			return fmt.Errorf("%w: pick beyond stack", ErrCorrupt)
		}
		return push((*stack)[len(*stack)-1-index])
	case OpSwap:
		if len(*stack) < 2 {
			return fmt.Errorf("%w: expression stack underflow", ErrCorrupt)
		}
		s := *stack
		s[len(s)-1], s[len(s)-2] = s[len(s)-2], s[len(s)-1]
		return nil
	case OpRot:
		if len(*stack) < 3 {
			return fmt.Errorf("%w: expression stack underflow", ErrCorrupt)
		}
		s := *stack
		top := s[len(s)-1]
		s[len(s)-1] = s[len(s)-2]
		s[len(s)-2] = s[len(s)-3]
		s[len(s)-3] = top
		return nil

	case OpPlus:
		return binary(func(a, b uint64) (uint64, error) { return a + b, nil })
	case OpPlusUconst:
		addend := b.uleb()
		return unary(func(a uint64) uint64 { return a + addend })
	case OpMinus:
		return binary(func(a, b uint64) (uint64, error) { return a - b, nil })
	case OpMul:
		return binary(func(a, b uint64) (uint64, error) { return a * b, nil })
	case OpDiv:
		return binary(func(a, b uint64) (uint64, error) {
			if b == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrCorrupt)
			}
			return uint64(int64(a) / int64(b)), nil
		})
	case OpMod:
		return binary(func(a, b uint64) (uint64, error) {
			if b == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrCorrupt)
			}
			return a % b, nil
		})
	case OpAnd:
		return binary(func(a, b uint64) (uint64, error) { return a & b, nil })
	case OpOr:
		return binary(func(a, b uint64) (uint64, error) { return a | b, nil })
	case OpXor:
		return binary(func(a, b uint64) (uint64, error) { return a ^ b, nil })
	case OpShl:
		return binary(func(a, b uint64) (uint64, error) { return a << (b & 63), nil })
	case OpShr:
		return binary(func(a, b uint64) (uint64, error) { return a >> (b & 63), nil })
	case OpShra:
		return binary(func(a, b uint64) (uint64, error) {
			return uint64(int64(a) >> (b & 63)), nil
		})
	case OpNeg:
		return unary(func(a uint64) uint64 { return uint64(-int64(a)) })
	case OpNot:
		return unary(func(a uint64) uint64 { return ^a })
	case OpAbs:
		return unary(func(a uint64) uint64 {
			if int64(a) < 0 {
				return uint64(-int64(a))
			}
			return a
		})

	case OpEq:
		return compare(func(a, b int64) bool { return a == b })
	case OpNe:
		return compare(func(a, b int64) bool { return a != b })
	case OpLt:
		return compare(func(a, b int64) bool { return a < b })
	case OpLe:
		return compare(func(a, b int64) bool { return a <= b })
	case OpGt:
		return compare(func(a, b int64) bool { return a > b })
	case OpGe:
		return compare(func(a, b int64) bool { return a >= b })

	case OpSkip:
		delta := int(int16(b.uint16()))
		return e.branch(b, delta)
	case OpBra:
		delta := int(int16(b.uint16()))
		top, err := pop()
		if err != nil {
			return err
		}
		if top.value == 0 {
			return nil
		}
		return e.branch(b, delta)

	case OpPiece:
		size := b.uleb()
		return e.finishPiece(pop, uint32(size)*8, 0)
	case OpBitPiece:
		size := b.uleb()
		offset := b.uleb()
		return e.finishPiece(pop, uint32(size), uint32(offset))

	case OpStackValue:
		top, err := pop()
		if err != nil {
			return err
		}
		top.kind = cellValue
		return push(top)
	}
	return fmt.Errorf("%w: expression opcode 0x%x", ErrUnknownOpcode, op)
}

func (e *evaluator) branch(b *buffer, delta int) error {
	target := b.off + delta
	if target < 0 || target > len(b.data) {
		return fmt.Errorf("%w: branch outside expression", ErrCorrupt)
	}
	b.off = target
	return nil
}

// finishPiece closes the current piece. An empty stack yields an undefined
// piece, meaning that part of the object has no location.
func (e *evaluator) finishPiece(pop func() (cell, error), bitSize uint32, bitOffset uint32) error {
	piece := symbols.LocationPiece{
		Kind:      symbols.PieceUndefined,
		BitSize:   bitSize,
		BitOffset: bitOffset,
	}
	if top, err := pop(); err == nil {
		piece = pieceFromCell(top)
		piece.BitSize = bitSize
		piece.BitOffset = bitOffset
	}
	e.pieces = append(e.pieces, piece)
	return nil
}

func pieceFromCell(c cell) symbols.LocationPiece {
	switch c.kind {
	case cellRegister:
		return symbols.LocationPiece{Kind: symbols.PieceRegister, Register: uint32(c.value)}
	case cellValue:
		return symbols.LocationPiece{Kind: symbols.PieceValue, Value: c.value}
	}
	return symbols.LocationPiece{Kind: symbols.PieceMemory, Address: c.value}
}

func (e *evaluator) addrSize() int {
	if e.unit != nil {
		return e.unit.addrSize
	}
	return e.data.addrSize
}

func (e *evaluator) pushRegisterOffset(stack *[]cell, register uint32, offset int64) error {
	base, err := e.readRegister(register)
	if err != nil {
		return err
	}
	if len(*stack) >= maxExprStack {
		return fmt.Errorf("%w: expression stack overflow", ErrCorrupt)
	}
	*stack = append(*stack, cell{kind: cellMemory, value: base + uint64(offset)})
	return nil
}

func (e *evaluator) readRegister(register uint32) (uint64, error) {
	if e.regs == nil {
		return 0, fmt.Errorf("%w: no register context", symbols.ErrNotFound)
	}
	return e.regs.ReadRegister(register)
}

func (e *evaluator) readMemory(address uint64, size int) (uint64, error) {
	if e.memory == nil {
		return 0, fmt.Errorf("%w: no memory context", symbols.ErrMemoryUnavailable)
	}
	data, err := e.memory.ReadMemory(address, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", symbols.ErrMemoryUnavailable, err)
	}
	var value uint64
	for i := len(data) - 1; i >= 0; i-- {
		value = value<<8 | uint64(data[i])
	}
	return value, nil
}

// frameBase evaluates the enclosing function's frame base attribute.
func (e *evaluator) frameBase() (uint64, error) {
	if e.function == nil {
		return 0, fmt.Errorf("%w: no enclosing function", symbols.ErrNotFound)
	}
	context, ok := e.function.SymbolContext.(*functionContext)
	if !ok || context.frameBase == nil {
		return 0, fmt.Errorf("%w: function has no frame base", symbols.ErrNotFound)
	}
	inner := &locationEvaluator{
		data: e.data,
		unit: context.unit,
		attr: *context.frameBase,
	}
	pieces, err := inner.Evaluate(e.pc, e.regs, e.memory)
	if err != nil {
		return 0, err
	}
	if len(pieces) != 1 {
		return 0, fmt.Errorf("%w: frame base is composite", ErrCorrupt)
	}
	switch pieces[0].Kind {
	case symbols.PieceMemory:
		return pieces[0].Address, nil
	case symbols.PieceRegister:
		return e.readRegister(pieces[0].Register)
	case symbols.PieceValue:
		return pieces[0].Value, nil
	}
	return 0, fmt.Errorf("%w: frame base not available", symbols.ErrNotFound)
}
