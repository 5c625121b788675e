package disasm

import (
	"strings"
	"testing"

	"github.com/minoca/dbgsym/symbols"
)

func TestEstablishesFrameX86(t *testing.T) {
	prologue := []byte{0x55, 0x89, 0xE5, 0x83, 0xEC, 0x10} // push ebp; mov ebp, esp; sub esp, 16
	if !EstablishesFrame(symbols.MachineX86, prologue) {
		t.Error("classic prologue not recognized")
	}

	leaf := []byte{0x8B, 0x45, 0x08, 0xC3} // mov eax, [ebp+8]; ret
	if EstablishesFrame(symbols.MachineX86, leaf) {
		t.Error("leaf body misread as a prologue")
	}

	if EstablishesFrame(symbols.MachineX86, []byte{0x55}) {
		t.Error("truncated prologue accepted")
	}
}

func TestEstablishesFrameX64(t *testing.T) {
	prologue := []byte{0x55, 0x48, 0x89, 0xE5} // push rbp; mov rbp, rsp
	if !EstablishesFrame(symbols.MachineX64, prologue) {
		t.Error("classic prologue not recognized")
	}
	if EstablishesFrame(symbols.MachineX64, []byte{0x90, 0x90}) {
		t.Error("nops misread as a prologue")
	}
}

func TestEstablishesFrameArm(t *testing.T) {
	// push {fp, lr}
	prologue := []byte{0x00, 0x48, 0x2D, 0xE9}
	if !EstablishesFrame(symbols.MachineArm, prologue) {
		t.Error("push {fp, lr} not recognized")
	}
	// push {r4, lr} saves no frame pointer.
	noFp := []byte{0x10, 0x40, 0x2D, 0xE9}
	if EstablishesFrame(symbols.MachineArm, noFp) {
		t.Error("push without fp accepted")
	}
}

func TestEstablishesFrameUnknownMachine(t *testing.T) {
	if EstablishesFrame(symbols.MachineUnknown, []byte{0x55, 0x89, 0xE5}) {
		t.Error("unknown machine accepted")
	}
}

func TestAnnotate(t *testing.T) {
	code := []byte{0x55, 0x89, 0xE5, 0xC3} // push ebp; mov ebp, esp; ret
	lines := Annotate(symbols.MachineX86, code, 0x1000, 8)
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "0x1000  push") {
		t.Errorf("line 0: %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "0x1001  mov") {
		t.Errorf("line 1: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "0x1003  ret") {
		t.Errorf("line 2: %q", lines[2])
	}
}

func TestAnnotateStopsAtLimit(t *testing.T) {
	code := []byte{0x90, 0x90, 0x90, 0x90} // nops
	lines := Annotate(symbols.MachineX86, code, 0x2000, 2)
	if len(lines) != 2 {
		t.Errorf("got %d lines, want 2", len(lines))
	}
}

func TestAnnotateStopsAtBadInstruction(t *testing.T) {
	lines := Annotate(symbols.MachineX86, []byte{0xC3, 0x0F}, 0x3000, 8)
	if len(lines) != 1 {
		t.Errorf("got %d lines: %v", len(lines), lines)
	}
}
