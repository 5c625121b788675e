package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/profile"

	"github.com/minoca/dbgsym/dwarf"
)

type testSection struct {
	name string
	addr uint32
	data []byte
}

// buildTestElf assembles a minimal 32-bit x86 executable around the given
// sections so the loaders have a real file to open.
func buildTestElf(sections []testSection) []byte {
	const (
		ehsize = 52
		phsize = 32
		shsize = 40
	)

	shstrtab := []byte{0}
	nameOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		nameOffsets[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, s.name...)
		shstrtab = append(shstrtab, 0)
	}
	shstrtabName := uint32(len(shstrtab))
	shstrtab = append(shstrtab, ".shstrtab"...)
	shstrtab = append(shstrtab, 0)

	offset := uint32(ehsize + phsize)
	dataOffsets := make([]uint32, len(sections))
	for i, s := range sections {
		dataOffsets[i] = offset
		offset += uint32(len(s.data))
	}
	shstrtabOffset := offset
	offset += uint32(len(shstrtab))
	shoff := offset
	shnum := uint16(len(sections) + 2)

	var b bytes.Buffer
	le := binary.LittleEndian
	u16 := func(v uint16) { binary.Write(&b, le, v) }
	u32 := func(v uint32) { binary.Write(&b, le, v) }

	b.Write([]byte{0x7F, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	u16(2) // ET_EXEC
	u16(3) // EM_386
	u32(1)
	u32(0x400000) // entry
	u32(ehsize)
	u32(shoff)
	u32(0)
	u16(ehsize)
	u16(phsize)
	u16(1)
	u16(shsize)
	u16(shnum)
	u16(shnum - 1)

	u32(1) // PT_LOAD
	u32(0)
	u32(0x400000)
	u32(0x400000)
	u32(shoff)
	u32(shoff)
	u32(5)
	u32(0x1000)

	for _, s := range sections {
		b.Write(s.data)
	}
	b.Write(shstrtab)

	shdr := func(name uint32, typ uint32, addr uint32, off uint32, size uint32) {
		u32(name)
		u32(typ)
		u32(0)
		u32(addr)
		u32(off)
		u32(size)
		u32(0)
		u32(0)
		u32(1)
		u32(0)
	}
	shdr(0, 0, 0, 0, 0)
	for i, s := range sections {
		shdr(nameOffsets[i], 1, s.addr, dataOffsets[i], uint32(len(s.data)))
	}
	shdr(shstrtabName, 3, 0, shstrtabOffset, uint32(len(shstrtab)))
	return b.Bytes()
}

// Every tag, attribute, and form used here fits in one LEB byte, so the
// sections can be spelled out literally.
func buildDwarfSections() (info []byte, abbrev []byte) {
	abbrev = []byte{
		1, dwarf.TagCompileUnit, 1,
		dwarf.AttrName, dwarf.FormString,
		dwarf.AttrCompDir, dwarf.FormString,
		0, 0,
		2, dwarf.TagBaseType, 0,
		dwarf.AttrName, dwarf.FormString,
		dwarf.AttrEncoding, dwarf.FormData1,
		dwarf.AttrByteSize, dwarf.FormData1,
		0, 0,
		3, dwarf.TagSubprogram, 0,
		dwarf.AttrName, dwarf.FormString,
		dwarf.AttrLowPc, dwarf.FormAddr,
		dwarf.AttrHighPc, dwarf.FormData4,
		0, 0,
		0,
	}

	var payload []byte
	payload = append(payload, 1)
	payload = append(payload, "main.c\x00/src\x00"...)
	payload = append(payload, 2)
	payload = append(payload, "int\x00"...)
	payload = append(payload, dwarf.EncSigned, 4)
	payload = append(payload, 3)
	payload = append(payload, "kmain\x00"...)
	payload = append(payload, 0x00, 0x10, 0x40, 0x00) // low_pc 0x401000
	payload = append(payload, 0x10, 0x00, 0x00, 0x00) // high_pc +0x10
	payload = append(payload, 0)

	info = make([]byte, 0, len(payload)+11)
	length := uint32(2 + 4 + 1 + len(payload))
	info = append(info, byte(length), byte(length>>8), byte(length>>16), byte(length>>24))
	info = append(info, 2, 0) // version
	info = append(info, 0, 0, 0, 0)
	info = append(info, 4) // address size
	info = append(info, payload...)
	return info, abbrev
}

func writeDwarfImage(t *testing.T) string {
	t.Helper()
	info, abbrev := buildDwarfSections()
	text := []byte{0x55, 0x89, 0xE5, 0x83, 0xEC, 0x10, 0xC3,
		0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90}
	raw := buildTestElf([]testSection{
		{name: ".text", addr: 0x401000, data: text},
		{name: ".debug_info", data: info},
		{name: ".debug_abbrev", data: abbrev},
	})
	path := filepath.Join(t.TempDir(), "kernel.elf")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestDumpDwarfImage(t *testing.T) {
	defer profile.Start(profile.ProfilePath(".")).Stop()

	path := writeDwarfImage(t)
	data, err := main_impl(path, "k*", true, true, true, "x86", false)
	if err != nil {
		t.Fatalf("main_impl: %v", err)
	}

	if data.Format != "dwarf" {
		t.Errorf("format: got %q", data.Format)
	}
	if data.Machine != "x86" {
		t.Errorf("machine: got %q", data.Machine)
	}
	if data.ImageBase != 0x400000 {
		t.Errorf("image base: got %#x", data.ImageBase)
	}
	if len(data.Sources) == 0 {
		t.Fatal("no sources")
	}

	var source *SourceMetadata
	for i := range data.Sources {
		if data.Sources[i].Name == "main.c" {
			source = &data.Sources[i]
		}
	}
	if source == nil {
		t.Fatal("main.c missing from sources")
	}

	foundInt := false
	for _, tm := range source.Types {
		if tm.Name == "int" && tm.Kind == "numeric" && tm.SizeInBytes == 4 {
			foundInt = true
		}
	}
	if !foundInt {
		t.Errorf("int type missing: %+v", source.Types)
	}

	if len(source.Functions) != 1 {
		t.Fatalf("functions: %+v", source.Functions)
	}
	kmain := source.Functions[0]
	if kmain.Name != "kmain" || kmain.StartVA != 0x401000 || kmain.EndVA != 0x401010 {
		t.Errorf("kmain: %+v", kmain)
	}
	if !strings.Contains(kmain.Prototype, "kmain") {
		t.Errorf("prototype: %q", kmain.Prototype)
	}
	if len(kmain.Prologue) == 0 {
		t.Error("no prologue disassembly")
	}
	if kmain.HasFrame == nil || !*kmain.HasFrame {
		t.Error("frame-establishing prologue not detected")
	}

	if len(data.Matches) != 1 || data.Matches[0] != "function kmain" {
		t.Errorf("matches: %+v", data.Matches)
	}
}

func TestDumpStabsImage(t *testing.T) {
	// One source file, one typed function, via the .stab fallback path.
	stabstr := []byte{0}
	addString := func(s string) uint32 {
		strx := uint32(len(stabstr))
		stabstr = append(stabstr, s...)
		stabstr = append(stabstr, 0)
		return strx
	}
	var stab []byte
	addRecord := func(str string, typ uint8, desc uint16, value uint32) {
		strx := uint32(0)
		if str != "" {
			strx = addString(str)
		}
		stab = append(stab,
			byte(strx), byte(strx>>8), byte(strx>>16), byte(strx>>24),
			typ, 0, byte(desc), byte(desc>>8),
			byte(value), byte(value>>8), byte(value>>16), byte(value>>24))
	}
	addRecord("/src/", 0x64, 0, 0)
	addRecord("boot.c", 0x64, 0, 0x401000)
	addRecord("int:t1=r1;-2147483648;2147483647;", 0x80, 0, 0)
	addRecord("bootmain:F1", 0x24, 0, 0x401000)
	addRecord("", 0x24, 0, 0x20)
	addRecord("", 0x64, 0, 0x401020)

	raw := buildTestElf([]testSection{
		{name: ".stab", data: stab},
		{name: ".stabstr", data: stabstr},
	})
	path := filepath.Join(t.TempDir(), "boot.elf")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	data, err := main_impl(path, "", false, false, false, "auto", false)
	if err != nil {
		t.Fatalf("main_impl: %v", err)
	}
	if data.Format != "stabs" {
		t.Errorf("format: got %q", data.Format)
	}

	found := false
	for _, source := range data.Sources {
		for _, fn := range source.Functions {
			if fn.Name == "bootmain" && fn.StartVA == 0x401000 && fn.EndVA == 0x401020 {
				found = true
			}
		}
	}
	if !found {
		t.Errorf("bootmain missing: %+v", data.Sources)
	}
}

func TestRejectsUnknownMachineName(t *testing.T) {
	if _, err := main_impl("nonexistent.elf", "", false, false, false, "mips", false); err == nil {
		t.Error("unknown machine name accepted")
	}
}

func TestRejectsMissingFile(t *testing.T) {
	if _, err := main_impl(filepath.Join(t.TempDir(), "missing.elf"), "", false, false, false, "auto", false); err == nil {
		t.Error("missing file accepted")
	}
}
