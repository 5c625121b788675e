// Package disasm decodes short instruction sequences so callers can reason
// about function prologues and print disassembly next to symbols.
package disasm

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/minoca/dbgsym/symbols"
)

// EstablishesFrame reports whether the code at a function entry begins with
// the canonical frame-establishing prologue for the machine: push ebp/rbp
// then mov ebp/rbp, esp/rsp on x86 and x64, a push including the frame
// pointer on ARM.
func EstablishesFrame(machine symbols.Machine, code []byte) bool {
	switch machine {
	case symbols.MachineX86, symbols.MachineX64:
		return x86EstablishesFrame(machine, code)
	case symbols.MachineArm:
		return armEstablishesFrame(code)
	}
	return false
}

func x86EstablishesFrame(machine symbols.Machine, code []byte) bool {
	mode := 32
	bp, sp := x86asm.EBP, x86asm.ESP
	if machine == symbols.MachineX64 {
		mode = 64
		bp, sp = x86asm.RBP, x86asm.RSP
	}
	push, err := x86asm.Decode(code, mode)
	if err != nil || push.Op != x86asm.PUSH || push.Args[0] != bp {
		return false
	}
	mov, err := x86asm.Decode(code[push.Len:], mode)
	if err != nil || mov.Op != x86asm.MOV {
		return false
	}
	return mov.Args[0] == bp && mov.Args[1] == sp
}

func armEstablishesFrame(code []byte) bool {
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return false
	}
	text := armasm.GNUSyntax(inst)
	if !strings.HasPrefix(text, "push") && !strings.HasPrefix(text, "stmdb") {
		return false
	}
	return strings.Contains(text, "fp") || strings.Contains(text, "r11")
}

// Annotate decodes up to maxInstructions starting at pc and renders each as
// "address  text" in GNU syntax. Decoding stops quietly at the first
// undecodable instruction.
func Annotate(machine symbols.Machine, code []byte, pc uint64, maxInstructions int) []string {
	var lines []string
	offset := 0
	for len(lines) < maxInstructions && offset < len(code) {
		var text string
		var length int
		switch machine {
		case symbols.MachineX86, symbols.MachineX64:
			mode := 32
			if machine == symbols.MachineX64 {
				mode = 64
			}
			inst, err := x86asm.Decode(code[offset:], mode)
			if err != nil {
				return lines
			}
			text = x86asm.GNUSyntax(inst, pc+uint64(offset), nil)
			length = inst.Len
		case symbols.MachineArm:
			inst, err := armasm.Decode(code[offset:], armasm.ModeARM)
			if err != nil {
				return lines
			}
			text = armasm.GNUSyntax(inst)
			length = inst.Len
		default:
			return lines
		}
		lines = append(lines, fmt.Sprintf("0x%x  %s", pc+uint64(offset), text))
		offset += length
	}
	return lines
}
