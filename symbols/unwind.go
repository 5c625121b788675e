package symbols

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// DWARF register numbers for the supported machines.
const (
	RegX86Eax = 0
	RegX86Esp = 4
	RegX86Ebp = 5
	RegX86Eip = 8

	RegX64Rax = 0
	RegX64Rbp = 6
	RegX64Rsp = 7
	RegX64Rip = 16

	RegArmFp      = 11
	RegArmSp      = 13
	RegArmLr      = 14
	RegArmPc      = 15
	RegArmThumbFp = 7
)

// PcRegister returns the register number holding the program counter.
func (m Machine) PcRegister() uint32 {
	switch m {
	case MachineX64:
		return RegX64Rip
	case MachineArm:
		return RegArmPc
	}
	return RegX86Eip
}

// SpRegister returns the register number holding the stack pointer.
func (m Machine) SpRegister() uint32 {
	switch m {
	case MachineX64:
		return RegX64Rsp
	case MachineArm:
		return RegArmSp
	}
	return RegX86Esp
}

// FpRegister returns the frame pointer register number. For ARM the Thumb
// state changes which register holds the frame chain, so the current PC's
// Thumb bit is consulted.
func (m Machine) FpRegister(pc uint64) uint32 {
	switch m {
	case MachineX64:
		return RegX64Rbp
	case MachineArm:
		if pc&1 != 0 {
			return RegArmThumbFp
		}
		return RegArmFp
	}
	return RegX86Ebp
}

// ReadDataSymbol reads the current value of a data symbol from the target,
// returning the raw bytes and a human readable location string. The size
// to read comes from the symbol's type; pass a nonzero size to override.
func ReadDataSymbol(symbol *DataSymbol, pc uint64, regs RegisterFile, memory MemoryReader, size int) ([]byte, string, error) {
	if symbol == nil {
		return nil, "", ErrNotFound
	}
	if size == 0 {
		size = int(symbol.Type.Resolve().Size())
		if size == 0 {
			size = 1
		}
	}

	switch symbol.Location.Kind {
	case LocationAbsolute:
		data, err := memory.ReadMemory(symbol.Location.Address, size)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMemoryUnavailable, err)
		}
		return data, fmt.Sprintf("[0x%x]", symbol.Location.Address), nil

	case LocationRegister:
		value, err := regs.ReadRegister(symbol.Location.Register)
		if err != nil {
			return nil, "", err
		}
		return uintBytes(value, size), fmt.Sprintf("@r%d", symbol.Location.Register), nil

	case LocationIndirect:
		base, err := regs.ReadRegister(symbol.Location.Register)
		if err != nil {
			return nil, "", err
		}
		address := base + uint64(symbol.Location.Offset)
		data, err := memory.ReadMemory(address, size)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrMemoryUnavailable, err)
		}
		return data, fmt.Sprintf("[0x%x]", address), nil

	case LocationComplex:
		pieces, err := symbol.Location.Complex.Evaluate(pc, regs, memory)
		if err != nil {
			return nil, "", err
		}
		return assemblePieces(pieces, regs, memory, size)
	}
	return nil, "", fmt.Errorf("%w: %s has no location", ErrNotFound, symbol.Name)
}

// DataSymbolAddress returns the target address of a memory resident symbol.
// Register and undefined locations have no address.
func DataSymbolAddress(symbol *DataSymbol, pc uint64, regs RegisterFile, memory MemoryReader) (uint64, error) {
	if symbol == nil {
		return 0, ErrNotFound
	}
	switch symbol.Location.Kind {
	case LocationAbsolute:
		return symbol.Location.Address, nil
	case LocationIndirect:
		base, err := regs.ReadRegister(symbol.Location.Register)
		if err != nil {
			return 0, err
		}
		return base + uint64(symbol.Location.Offset), nil
	case LocationComplex:
		pieces, err := symbol.Location.Complex.Evaluate(pc, regs, memory)
		if err != nil {
			return 0, err
		}
		if len(pieces) == 1 && pieces[0].Kind == PieceMemory {
			return pieces[0].Address, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not in memory", ErrNotFound, symbol.Name)
}

// assemblePieces concatenates the bytes of each location piece into a single
// value and builds a comma joined location string.
func assemblePieces(pieces []LocationPiece, regs RegisterFile, memory MemoryReader, size int) ([]byte, string, error) {
	if len(pieces) == 0 {
		return nil, "", fmt.Errorf("%w: location not available here", ErrNotFound)
	}
	var value bytes.Buffer
	var where []string
	for _, piece := range pieces {
		pieceSize := int(piece.BitSize+7) / 8
		if pieceSize == 0 || len(pieces) == 1 {
			pieceSize = size - value.Len()
		}
		switch piece.Kind {
		case PieceMemory:
			data, err := memory.ReadMemory(piece.Address, pieceSize)
			if err != nil {
				return nil, "", fmt.Errorf("%w: %v", ErrMemoryUnavailable, err)
			}
			value.Write(data)
			where = append(where, fmt.Sprintf("[0x%x]", piece.Address))

		case PieceRegister:
			reg, err := regs.ReadRegister(piece.Register)
			if err != nil {
				return nil, "", err
			}
			value.Write(uintBytes(reg, pieceSize))
			where = append(where, fmt.Sprintf("@r%d", piece.Register))

		case PieceValue:
			value.Write(uintBytes(piece.Value, pieceSize))
			where = append(where, "<const>")

		case PieceData:
			value.Write(piece.Data)
			where = append(where, "<const>")

		case PieceUndefined:
			value.Write(make([]byte, pieceSize))
			where = append(where, "<undef>")
		}
	}
	data := value.Bytes()
	if len(data) > size {
		data = data[:size]
	}
	return data, strings.Join(where, ", "), nil
}

func uintBytes(value uint64, size int) []byte {
	if size > 8 {
		size = 8
	}
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		data[i] = byte(value >> (8 * i))
	}
	return data
}

// x86Prologue is the canonical push ebp / mov ebp, esp sequence. If a
// function does not start with it the frame pointer cannot be trusted.
var x86Prologue = []byte{0x55, 0x89, 0xE5}

// Unwind unwinds one stack frame. The module's call frame information is
// consulted first; when it does not cover the PC the walk falls back to
// frame pointer chaining. The register file is updated to the caller's
// context and the unwound frame is returned.
func (m *Module) Unwind(regs RegisterFile, memory MemoryReader) (*StackFrame, error) {
	pc, err := regs.ReadRegister(m.Machine.PcRegister())
	if err != nil {
		return nil, err
	}
	if pc == 0 {
		return nil, ErrNoMoreFrames
	}
	if m.Unwinder != nil {
		frame, err := m.Unwinder.Unwind(pc, regs, memory)
		if err == nil {
			return frame, nil
		}
		if !errors.Is(err, ErrNoUnwindInfo) {
			return nil, err
		}
	}
	return m.frameChainUnwind(pc, regs, memory)
}

// frameChainUnwind walks one frame of the classic frame pointer chain. On
// x86, if the bytes at the PC are the standard prologue the frame has not
// been established yet and the raw return address at the stack pointer is
// used instead. On x86 and x64 the saved frame pointer sits at [fp] with
// the return address one pointer above; AAPCS puts the saved frame pointer
// at [fp - ptr] and the return address at [fp].
func (m *Module) frameChainUnwind(pc uint64, regs RegisterFile, memory MemoryReader) (*StackFrame, error) {
	machine := m.Machine
	pointerSize := uint64(machine.PointerSize())
	fpReg := machine.FpRegister(pc)
	spReg := machine.SpRegister()
	pcReg := machine.PcRegister()

	if machine == MachineX86 {
		code, err := memory.ReadMemory(pc, len(x86Prologue))
		if err == nil && bytes.Equal(code, x86Prologue) {
			sp, err := regs.ReadRegister(spReg)
			if err != nil {
				return nil, err
			}
			raBytes, err := memory.ReadMemory(sp, int(pointerSize))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMemoryUnavailable, err)
			}
			ra := readUint(raBytes)
			if ra == 0 {
				return nil, ErrNoMoreFrames
			}
			regs.WriteRegister(spReg, sp+pointerSize)
			regs.WriteRegister(pcReg, ra)
			return &StackFrame{FramePointer: sp, ReturnAddress: ra}, nil
		}
	}

	fp, err := regs.ReadRegister(fpReg)
	if err != nil {
		return nil, err
	}
	if fp == 0 {
		return nil, ErrNoMoreFrames
	}

	savedFpAddr := fp
	raAddr := fp + pointerSize
	if machine == MachineArm {
		savedFpAddr = fp - pointerSize
		raAddr = fp
	}
	savedFpBytes, err := memory.ReadMemory(savedFpAddr, int(pointerSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemoryUnavailable, err)
	}
	raBytes, err := memory.ReadMemory(raAddr, int(pointerSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemoryUnavailable, err)
	}
	callerFp := readUint(savedFpBytes)
	ra := readUint(raBytes)
	if ra == 0 {
		return nil, ErrNoMoreFrames
	}

	regs.WriteRegister(fpReg, callerFp)
	regs.WriteRegister(spReg, fp)
	regs.WriteRegister(pcReg, ra)
	return &StackFrame{FramePointer: fp, ReturnAddress: ra}, nil
}

// CallStack walks the stack from the current register context, returning up
// to maxFrames frames. The register file is consumed: after the call it
// holds the oldest unwound context.
func (m *Module) CallStack(regs RegisterFile, memory MemoryReader, maxFrames int) ([]StackFrame, error) {
	var frames []StackFrame
	for maxFrames <= 0 || len(frames) < maxFrames {
		frame, err := m.Unwind(regs, memory)
		if errors.Is(err, ErrNoMoreFrames) || errors.Is(err, ErrNoUnwindInfo) {
			break
		}
		if err != nil {
			if len(frames) != 0 {
				break
			}
			return nil, err
		}
		// A chain that repeats a frame pointer is cyclic.
		if len(frames) != 0 && frame.FramePointer == frames[len(frames)-1].FramePointer {
			break
		}
		frames = append(frames, *frame)
	}
	return frames, nil
}
