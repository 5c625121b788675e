package symbols

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRegs is a map backed register file.
type testRegs map[uint32]uint64

func (r testRegs) ReadRegister(number uint32) (uint64, error) {
	value, ok := r[number]
	if !ok {
		return 0, fmt.Errorf("no register %d", number)
	}
	return value, nil
}

func (r testRegs) WriteRegister(number uint32, value uint64) error {
	r[number] = value
	return nil
}

// testMemory serves reads out of sparse per-address bytes.
type testMemory map[uint64]byte

func (m testMemory) ReadMemory(address uint64, size int) ([]byte, error) {
	data := make([]byte, size)
	for i := 0; i < size; i++ {
		b, ok := m[address+uint64(i)]
		if !ok {
			return nil, fmt.Errorf("address 0x%x not mapped", address+uint64(i))
		}
		data[i] = b
	}
	return data, nil
}

func (m testMemory) put32(address uint64, value uint32) {
	for i := 0; i < 4; i++ {
		m[address+uint64(i)] = byte(value >> (8 * i))
	}
}

func TestFramePointerUnwindX86(t *testing.T) {
	module := NewModule("test.elf", 0, MachineX86)
	regs := testRegs{
		RegX86Eip: 0x2000,
		RegX86Esp: 0x7000,
		RegX86Ebp: 0x7100,
	}
	memory := testMemory{}
	memory.put32(0x7100, 0x7200)
	memory.put32(0x7104, 0x2040)
	// Not prologue bytes at the PC.
	memory[0x2000] = 0x8B
	memory[0x2001] = 0x45
	memory[0x2002] = 0x08

	frame, err := module.Unwind(regs, memory)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7100), frame.FramePointer)
	require.Equal(t, uint64(0x2040), frame.ReturnAddress)

	require.Equal(t, uint64(0x7200), regs[RegX86Ebp])
	require.Equal(t, uint64(0x7100), regs[RegX86Esp])
	require.Equal(t, uint64(0x2040), regs[RegX86Eip])
}

func TestFramePointerUnwindX86AtPrologue(t *testing.T) {
	module := NewModule("test.elf", 0, MachineX86)
	regs := testRegs{
		RegX86Eip: 0x2000,
		RegX86Esp: 0x7000,
		RegX86Ebp: 0x8000,
	}
	memory := testMemory{
		0x2000: 0x55, 0x2001: 0x89, 0x2002: 0xE5,
	}
	memory.put32(0x7000, 0x2040)

	// The prologue has not executed, so the return address is at the raw
	// stack pointer and the frame pointer is untouched.
	frame, err := module.Unwind(regs, memory)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7000), frame.FramePointer)
	require.Equal(t, uint64(0x2040), frame.ReturnAddress)
	require.Equal(t, uint64(0x8000), regs[RegX86Ebp])
	require.Equal(t, uint64(0x7004), regs[RegX86Esp])
}

func TestFramePointerUnwindX64(t *testing.T) {
	module := NewModule("test.elf", 0, MachineX64)
	regs := testRegs{
		RegX64Rip: 0x2000,
		RegX64Rsp: 0x7000,
		RegX64Rbp: 0x7100,
	}
	memory := testMemory{}
	for i := uint64(0); i < 8; i++ {
		memory[0x7100+i] = 0
		memory[0x7108+i] = 0
	}
	memory.put32(0x7100, 0x7200)
	memory.put32(0x7108, 0x2040)

	frame, err := module.Unwind(regs, memory)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7100), frame.FramePointer)
	require.Equal(t, uint64(0x2040), frame.ReturnAddress)
	require.Equal(t, uint64(0x7200), regs[RegX64Rbp])
}

// testUnwinder covers one PC range and records the PC it was asked about.
type testUnwinder struct {
	start, end uint64
	frame      StackFrame
	gotPc      uint64
}

func (u *testUnwinder) Unwind(pc uint64, regs RegisterFile, memory MemoryReader) (*StackFrame, error) {
	u.gotPc = pc
	if pc < u.start || pc >= u.end {
		return nil, ErrNoUnwindInfo
	}
	frame := u.frame
	regs.WriteRegister(RegX86Eip, frame.ReturnAddress)
	return &frame, nil
}

func TestUnwindPassesLinkAddressToUnwinder(t *testing.T) {
	// Unwind tables hold link-time virtual addresses, so a module based
	// above zero must hand the unwinder the raw PC, not an offset.
	module := NewModule("kernel.elf", 0x400000, MachineX86)
	unwinder := &testUnwinder{
		start: 0x402000,
		end:   0x402100,
		frame: StackFrame{FramePointer: 0x7108, ReturnAddress: 0x403040},
	}
	module.Unwinder = unwinder

	regs := testRegs{RegX86Eip: 0x402000, RegX86Esp: 0x7000, RegX86Ebp: 0x8000}
	frame, err := module.Unwind(regs, testMemory{})
	require.NoError(t, err)
	require.Equal(t, uint64(0x402000), unwinder.gotPc)
	require.Equal(t, uint64(0x403040), frame.ReturnAddress)
	require.Equal(t, uint64(0x403040), regs[RegX86Eip])
}

func TestUnwindStopsAtZeroPc(t *testing.T) {
	module := NewModule("test.elf", 0, MachineX86)
	regs := testRegs{RegX86Eip: 0, RegX86Esp: 0x7000, RegX86Ebp: 0x7100}

	_, err := module.Unwind(regs, testMemory{})
	require.ErrorIs(t, err, ErrNoMoreFrames)
}

func TestCallStackWalk(t *testing.T) {
	module := NewModule("test.elf", 0, MachineX86)
	regs := testRegs{
		RegX86Eip: 0x2000,
		RegX86Esp: 0x7000,
		RegX86Ebp: 0x7100,
	}
	memory := testMemory{
		0x2000: 0x90, 0x2001: 0x90, 0x2002: 0x90,
		0x2040: 0x90, 0x2041: 0x90, 0x2042: 0x90,
	}
	memory.put32(0x7100, 0x7200)
	memory.put32(0x7104, 0x2040)
	memory.put32(0x7200, 0x0000)
	memory.put32(0x7204, 0x2080)

	frames, err := module.CallStack(regs, memory, 16)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, uint64(0x2040), frames[0].ReturnAddress)
	require.Equal(t, uint64(0x2080), frames[1].ReturnAddress)
}

func TestCallStackStopsOnCyclicFrameChain(t *testing.T) {
	module := NewModule("test.elf", 0, MachineX86)
	regs := testRegs{
		RegX86Eip: 0x2000,
		RegX86Esp: 0x7000,
		RegX86Ebp: 0x7100,
	}
	memory := testMemory{
		0x2000: 0x90, 0x2001: 0x90, 0x2002: 0x90,
		0x2040: 0x90, 0x2041: 0x90, 0x2042: 0x90,
	}
	// The saved frame pointer points back at the same frame, so an
	// unbounded walk would never terminate.
	memory.put32(0x7100, 0x7100)
	memory.put32(0x7104, 0x2040)

	frames, err := module.CallStack(regs, memory, 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, uint64(0x2040), frames[0].ReturnAddress)
}

func TestReadDataSymbolLocations(t *testing.T) {
	_, source := testSource(t, MachineX86)
	memory := testMemory{}
	memory.put32(0x4000, 0x1234)
	regs := testRegs{5: 0x7100}
	memory.put32(0x70F8, 0xBEEF)

	global := &DataSymbol{
		Name:     "gValue",
		Type:     TypeRef{Source: source, Number: 3},
		Source:   source,
		Location: Location{Kind: LocationAbsolute, Address: 0x4000},
	}
	data, where, err := ReadDataSymbol(global, 0, regs, memory, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0x34, 0x12, 0x00, 0x00}, data)
	require.Equal(t, "[0x4000]", where)

	local := &DataSymbol{
		Name:     "local",
		Type:     TypeRef{Source: source, Number: 3},
		Source:   source,
		Location: Location{Kind: LocationIndirect, Register: 5, Offset: -8},
	}
	data, where, err = ReadDataSymbol(local, 0, regs, memory, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0xEF, 0xBE, 0x00, 0x00}, data)
	require.Equal(t, "[0x70f8]", where)

	inReg := &DataSymbol{
		Name:     "counter",
		Type:     TypeRef{Source: source, Number: 3},
		Source:   source,
		Location: Location{Kind: LocationRegister, Register: 5},
	}
	data, where, err = ReadDataSymbol(inReg, 0, regs, memory, 0)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x71, 0x00, 0x00}, data)
	require.Equal(t, "@r5", where)
}

func TestDataSymbolAddress(t *testing.T) {
	_, source := testSource(t, MachineX86)
	regs := testRegs{5: 0x7100}

	global := &DataSymbol{
		Name:     "gValue",
		Type:     TypeRef{Source: source, Number: 3},
		Location: Location{Kind: LocationAbsolute, Address: 0x4000},
	}
	address, err := DataSymbolAddress(global, 0, regs, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0x4000), address)

	local := &DataSymbol{
		Name:     "local",
		Type:     TypeRef{Source: source, Number: 3},
		Location: Location{Kind: LocationIndirect, Register: 5, Offset: -8},
	}
	address, err = DataSymbolAddress(local, 0, regs, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(0x70F8), address)

	inReg := &DataSymbol{
		Name:     "counter",
		Type:     TypeRef{Source: source, Number: 3},
		Location: Location{Kind: LocationRegister, Register: 5},
	}
	_, err = DataSymbolAddress(inReg, 0, regs, nil)
	require.ErrorIs(t, err, ErrNotFound)
}
