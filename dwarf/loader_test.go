package dwarf

import (
	"errors"
	"strings"
	"testing"

	"github.com/go-logr/logr"

	"github.com/minoca/dbgsym/symbols"
)

// testUnit assembles a compilation unit with the basic C type zoo and the
// structure "S" from kernel.c, returning the loaded module and the offsets
// of the interesting DIEs.
type testUnit struct {
	module *symbols.Module
	source *symbols.SourceFile

	intOff    uint64
	charOff   uint64
	uintOff   uint64
	ptrOff    uint64
	piOff     uint64
	structOff uint64
}

const (
	tuAbbrevCompileUnit = 1
	tuAbbrevBaseType    = 2
	tuAbbrevPointer     = 3
	tuAbbrevTypedef     = 4
	tuAbbrevStructure   = 5
	tuAbbrevMember      = 6
)

func loadTestUnit(t *testing.T) *testUnit {
	t.Helper()

	var abbrevs sectionBuilder
	abbrevDecl(&abbrevs, tuAbbrevCompileUnit, TagCompileUnit, true,
		AttrName, FormString, AttrCompDir, FormString)
	abbrevDecl(&abbrevs, tuAbbrevBaseType, TagBaseType, false,
		AttrName, FormString, AttrEncoding, FormData1, AttrByteSize, FormData1)
	abbrevDecl(&abbrevs, tuAbbrevPointer, TagPointerType, false,
		AttrType, FormRef4)
	abbrevDecl(&abbrevs, tuAbbrevTypedef, TagTypedef, false,
		AttrName, FormString, AttrType, FormRef4)
	abbrevDecl(&abbrevs, tuAbbrevStructure, TagStructureType, true,
		AttrName, FormString, AttrByteSize, FormData1)
	abbrevDecl(&abbrevs, tuAbbrevMember, TagMember, false,
		AttrName, FormString, AttrType, FormRef4, AttrDataMemberLoc, FormData1)
	abbrevs.uleb(0)

	tu := &testUnit{}
	var payload sectionBuilder
	offset := func() uint64 {
		return unitHeaderSize + uint64(len(payload.b))
	}

	payload.uleb(tuAbbrevCompileUnit).str("main.c").str("/src")

	tu.intOff = offset()
	payload.uleb(tuAbbrevBaseType).str("int").u8(EncSigned).u8(4)

	tu.charOff = offset()
	payload.uleb(tuAbbrevBaseType).str("unsigned char").u8(EncUnsignedChar).u8(1)

	tu.uintOff = offset()
	payload.uleb(tuAbbrevBaseType).str("unsigned int").u8(EncUnsigned).u8(4)

	tu.ptrOff = offset()
	payload.uleb(tuAbbrevPointer).u32(uint32(tu.intOff))

	tu.piOff = offset()
	payload.uleb(tuAbbrevTypedef).str("pi").u32(uint32(tu.ptrOff))

	tu.structOff = offset()
	payload.uleb(tuAbbrevStructure).str("S").u8(8)
	payload.uleb(tuAbbrevMember).str("a").u32(uint32(tu.charOff)).u8(0)
	payload.uleb(tuAbbrevMember).str("b").u32(uint32(tu.uintOff)).u8(4)
	payload.uleb(0) // close S
	payload.uleb(0) // close compile unit

	d := &Data{
		info:     wrapUnit(2, 4, payload.b),
		abbrev:   abbrevs.b,
		machine:  symbols.MachineX86,
		addrSize: 4,
		log:      logr.Discard(),
	}
	if err := d.parseUnits(); err != nil {
		t.Fatalf("parseUnits: %v", err)
	}

	tu.module = symbols.NewModule("test.elf", 0, symbols.MachineX86)
	tu.module.SymbolContext = d
	d.loadUnits(tu.module)

	tu.source = tu.module.FindSource("/src", "main.c", false)
	if tu.source == nil {
		t.Fatal("compilation unit produced no source file")
	}
	return tu
}

func TestLoadBaseType(t *testing.T) {
	tu := loadTestUnit(t)

	intType := tu.source.Type(int64(tu.intOff))
	if intType == nil {
		t.Fatal("int type not loaded")
	}
	if intType.Kind != symbols.TypeNumeric || !intType.Numeric.Signed {
		t.Errorf("int type: %+v", intType)
	}
	if size := intType.Size(); size != 4 {
		t.Errorf("int size: got %d, want 4", size)
	}

	var b strings.Builder
	symbols.PrintTypeDescription(&b, intType, 0, 1)
	if b.String() != "Int32" {
		t.Errorf("int description: got %q, want %q", b.String(), "Int32")
	}
}

func TestLoadTypedefChain(t *testing.T) {
	tu := loadTestUnit(t)

	pi := tu.source.Type(int64(tu.piOff))
	if pi == nil {
		t.Fatal("typedef not loaded")
	}
	if pi.Kind != symbols.TypeRelation || pi.Name != "pi" {
		t.Fatalf("typedef: %+v", pi)
	}

	pointer := pi.Relation.Ref.Resolve()
	if pointer == nil || pointer.Relation.Pointer != 4 {
		t.Fatalf("typedef target is not a 4 byte pointer: %+v", pointer)
	}
	target := pointer.Relation.Ref.Resolve()
	if target == nil || target.Name != "int" {
		t.Errorf("pointer target: %+v", target)
	}

	// Skipping typedefs stops at the pointer, and the chain sizes as one.
	if skipped := pi.SkipTypedefs(); skipped != pointer {
		t.Errorf("SkipTypedefs landed on %+v", skipped)
	}
	if size := pi.Size(); size != 4 {
		t.Errorf("typedef size: got %d, want 4", size)
	}
}

func TestLoadStructure(t *testing.T) {
	tu := loadTestUnit(t)

	s := tu.source.Type(int64(tu.structOff))
	if s == nil {
		t.Fatal("structure not loaded")
	}
	if got := symbols.TypeName(s); got != "struct S" {
		t.Errorf("structure name: got %q", got)
	}
	if size := s.Size(); size != 8 {
		t.Errorf("structure size: got %d, want 8", size)
	}

	bitOffset, bitSize, err := s.MemberOffset("b")
	if err != nil {
		t.Fatalf("MemberOffset(b): %v", err)
	}
	if bitOffset != 32 || bitSize != 32 {
		t.Errorf("member b: got (%d, %d), want (32, 32)", bitOffset, bitSize)
	}
	if _, _, err := s.MemberOffset("missing"); !errors.Is(err, symbols.ErrNotFound) {
		t.Errorf("missing member: got %v", err)
	}

	data := []byte{0x01, 0x00, 0x00, 0x00, 0xEF, 0xBE, 0xAD, 0xDE}
	var b strings.Builder
	consumed, err := symbols.FormatValue(&b, data, s, 10)
	if err != nil {
		t.Fatalf("FormatValue: %v", err)
	}
	if consumed != 8 {
		t.Errorf("consumed %d bytes, want 8", consumed)
	}
	if b.String() != "a=1, b=0xDEADBEEF" {
		t.Errorf("formatted value: got %q", b.String())
	}
}

func TestLoadArrayBounds(t *testing.T) {
	var abbrevs sectionBuilder
	abbrevDecl(&abbrevs, 1, TagCompileUnit, true,
		AttrName, FormString, AttrCompDir, FormString)
	abbrevDecl(&abbrevs, 2, TagBaseType, false,
		AttrName, FormString, AttrEncoding, FormData1, AttrByteSize, FormData1)
	abbrevDecl(&abbrevs, 3, TagArrayType, true,
		AttrType, FormRef4)
	abbrevDecl(&abbrevs, 4, TagSubrangeType, false,
		AttrUpperBound, FormSdata)
	abbrevs.uleb(0)

	var payload sectionBuilder
	offset := func() uint64 {
		return unitHeaderSize + uint64(len(payload.b))
	}
	payload.uleb(1).str("a.c").str("/src")
	intOff := offset()
	payload.uleb(2).str("int").u8(EncSigned).u8(4)
	fixedOff := offset()
	payload.uleb(3).u32(uint32(intOff))
	payload.uleb(4).sleb(3)
	payload.uleb(0) // close fixed array
	flexOff := offset()
	payload.uleb(3).u32(uint32(intOff))
	payload.uleb(4).sleb(-1)
	payload.uleb(0) // close flexible array
	payload.uleb(0) // close compile unit

	d := &Data{
		info:     wrapUnit(2, 4, payload.b),
		abbrev:   abbrevs.b,
		machine:  symbols.MachineX86,
		addrSize: 4,
		log:      logr.Discard(),
	}
	if err := d.parseUnits(); err != nil {
		t.Fatalf("parseUnits: %v", err)
	}
	module := symbols.NewModule("test.elf", 0, symbols.MachineX86)
	d.loadUnits(module)
	source := module.FindSource("/src", "a.c", false)

	fixed := source.Type(int64(fixedOff))
	if fixed == nil {
		t.Fatal("fixed array not loaded")
	}
	if size := fixed.Size(); size != 16 {
		t.Errorf("fixed array size: got %d, want 16", size)
	}
	if got := symbols.TypeName(fixed); got != "int[4]" {
		t.Errorf("fixed array name: got %q", got)
	}

	// An upper bound of -1 marks a flexible array member.
	flex := source.Type(int64(flexOff))
	if flex == nil {
		t.Fatal("flexible array not loaded")
	}
	if !flex.Relation.Array.MaxUint64 {
		t.Fatal("saturated bound not flagged")
	}
	if size := flex.Size(); size != 0 {
		t.Errorf("flexible array size: got %d, want 0", size)
	}
	if got := symbols.TypeName(flex); got != "int[]" {
		t.Errorf("flexible array name: got %q", got)
	}
}

func TestCrossUnitTypeReference(t *testing.T) {
	// Two units: the second one's typedef points into the first one's int.
	var abbrevs sectionBuilder
	abbrevDecl(&abbrevs, 1, TagCompileUnit, true,
		AttrName, FormString, AttrCompDir, FormString)
	abbrevDecl(&abbrevs, 2, TagBaseType, false,
		AttrName, FormString, AttrEncoding, FormData1, AttrByteSize, FormData1)
	abbrevDecl(&abbrevs, 3, TagTypedef, false,
		AttrName, FormString, AttrType, FormRefAddr)
	abbrevs.uleb(0)

	var first sectionBuilder
	first.uleb(1).str("a.c").str("/src")
	intOff := unitHeaderSize + uint64(len(first.b))
	first.uleb(2).str("int").u8(EncSigned).u8(4)
	first.uleb(0)
	firstUnit := wrapUnit(2, 4, first.b)

	var second sectionBuilder
	second.uleb(1).str("b.c").str("/src")
	aliasRel := unitHeaderSize + uint64(len(second.b))
	second.uleb(3).str("alias").u32(uint32(intOff))
	second.uleb(0)
	aliasOff := uint64(len(firstUnit)) + aliasRel

	d := &Data{
		info:     append(firstUnit, wrapUnit(2, 4, second.b)...),
		abbrev:   abbrevs.b,
		machine:  symbols.MachineX86,
		addrSize: 4,
		log:      logr.Discard(),
	}
	if err := d.parseUnits(); err != nil {
		t.Fatalf("parseUnits: %v", err)
	}
	module := symbols.NewModule("test.elf", 0, symbols.MachineX86)
	d.loadUnits(module)

	bSource := module.FindSource("/src", "b.c", false)
	if bSource == nil {
		t.Fatal("second unit produced no source file")
	}
	alias := bSource.Type(int64(aliasOff))
	if alias == nil {
		t.Fatal("typedef not loaded")
	}
	target := alias.Relation.Ref.Resolve()
	if target == nil || target.Name != "int" {
		t.Fatalf("cross unit reference resolved to %+v", target)
	}
	if alias.Size() != 4 {
		t.Errorf("alias size: got %d, want 4", alias.Size())
	}
}

func TestMissingTypeAttributeIsVoid(t *testing.T) {
	var abbrevs sectionBuilder
	abbrevDecl(&abbrevs, 1, TagCompileUnit, true,
		AttrName, FormString, AttrCompDir, FormString)
	abbrevDecl(&abbrevs, 2, TagPointerType, false)
	abbrevs.uleb(0)

	var payload sectionBuilder
	payload.uleb(1).str("v.c").str("/src")
	ptrOff := unitHeaderSize + uint64(len(payload.b))
	payload.uleb(2)
	payload.uleb(0)

	d := &Data{
		info:     wrapUnit(2, 4, payload.b),
		abbrev:   abbrevs.b,
		machine:  symbols.MachineX86,
		addrSize: 4,
		log:      logr.Discard(),
	}
	if err := d.parseUnits(); err != nil {
		t.Fatalf("parseUnits: %v", err)
	}
	module := symbols.NewModule("test.elf", 0, symbols.MachineX86)
	d.loadUnits(module)

	source := module.FindSource("/src", "v.c", false)
	pointer := source.Type(int64(ptrOff))
	if pointer == nil {
		t.Fatal("pointer not loaded")
	}
	if pointer.Relation.Ref.Resolve() != source.VoidType() {
		t.Error("pointer to nothing should reference void")
	}
	if got := symbols.TypeName(pointer); got != "void*" {
		t.Errorf("pointer name: got %q", got)
	}
}
