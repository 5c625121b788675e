package symbols

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// testSource builds a source file with the numeric, pointer, and structure
// types the query tests exercise.
func testSource(t *testing.T, machine Machine) (*Module, *SourceFile) {
	t.Helper()
	module := NewModule("test.elf", 0, machine)
	source := module.FindSource("/src", "main.c", true)

	u8 := &Type{Number: 1, Name: "unsigned char", Kind: TypeNumeric}
	u8.Numeric.BitSize = 8
	source.AddType(u8)

	i32 := &Type{Number: 2, Name: "int", Kind: TypeNumeric}
	i32.Numeric.Signed = true
	i32.Numeric.BitSize = 32
	source.AddType(i32)

	u32 := &Type{Number: 3, Name: "unsigned int", Kind: TypeNumeric}
	u32.Numeric.BitSize = 32
	source.AddType(u32)

	pointer := &Type{Number: 4, Kind: TypeRelation}
	pointer.Relation.Ref = TypeRef{Source: source, Number: 2}
	pointer.Relation.Pointer = uint32(machine.PointerSize())
	source.AddType(pointer)

	pi := &Type{Number: 5, Name: "pi", Kind: TypeRelation}
	pi.Relation.Ref = TypeRef{Source: source, Number: 4}
	source.AddType(pi)

	s := &Type{Number: 6, Name: "S", Kind: TypeStructure}
	s.Structure.SizeInBytes = 8
	s.Structure.Members = []*StructureMember{
		{Name: "a", Type: TypeRef{Source: source, Number: 1}, BitOffset: 0},
		{Name: "b", Type: TypeRef{Source: source, Number: 3}, BitOffset: 32},
	}
	source.AddType(s)

	return module, source
}

func addFunction(source *SourceFile, name string, start, end uint64) *Function {
	function := &Function{
		Source:       source,
		Name:         name,
		StartAddress: start,
		EndAddress:   end,
	}
	source.Functions = append(source.Functions, function)
	return function
}

func TestTypeSize(t *testing.T) {
	_, source := testSource(t, MachineX86)

	require.Equal(t, uint64(4), source.Type(2).Size(), "int")
	require.Equal(t, uint64(4), source.Type(4).Size(), "pointer")
	require.Equal(t, uint64(4), source.Type(5).Size(), "typedef of pointer")
	require.Equal(t, uint64(8), source.Type(6).Size(), "struct S")
	require.Equal(t, uint64(0), source.VoidType().Size(), "void")
}

func TestSkipTypedefsReachesNumeric(t *testing.T) {
	_, source := testSource(t, MachineX86)

	concrete := source.Type(5).SkipTypedefs()
	require.NotNil(t, concrete)
	require.Equal(t, TypeRelation, concrete.Kind)
	require.NotZero(t, concrete.Relation.Pointer)

	inner := concrete.Relation.Ref.Resolve()
	require.Equal(t, TypeNumeric, inner.Kind)
}

func TestMemberOffset(t *testing.T) {
	_, source := testSource(t, MachineX86)

	bitOffset, bitSize, err := source.Type(6).MemberOffset("b")
	require.NoError(t, err)
	require.Equal(t, uint32(32), bitOffset)
	require.Equal(t, uint32(32), bitSize)

	_, _, err = source.Type(6).MemberOffset("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindSymbolWildcard(t *testing.T) {
	module, source := testSource(t, MachineX86)
	addFunction(source, "kmain", 0x1000, 0x1100)
	addFunction(source, "kinit", 0x1100, 0x1200)
	addFunction(source, "usermode", 0x1200, 0x1300)

	result := module.FindSymbol("k*", nil)
	require.NotNil(t, result)
	require.Equal(t, ResultFunction, result.Kind)
	require.Equal(t, "kmain", result.Function.Name)

	result = module.FindSymbol("k*", result)
	require.NotNil(t, result)
	require.Equal(t, "kinit", result.Function.Name)

	result = module.FindSymbol("k*", result)
	require.Nil(t, result)
}

func TestFindSymbolLeadingWildcard(t *testing.T) {
	module, source := testSource(t, MachineX86)
	addFunction(source, "kmain", 0x1000, 0x1100)
	addFunction(source, "usermode", 0x1200, 0x1300)

	result := module.FindSymbol("*mode", nil)
	require.NotNil(t, result)
	require.Equal(t, ResultFunction, result.Kind)
	require.Equal(t, "usermode", result.Function.Name)
	require.Nil(t, module.FindSymbol("*mode", result))

	// A star on both ends matches anywhere in the name.
	result = module.FindSymbol("*main*", nil)
	require.NotNil(t, result)
	require.Equal(t, "kmain", result.Function.Name)
}

func TestFindSymbolCaseInsensitive(t *testing.T) {
	module, source := testSource(t, MachineX86)
	addFunction(source, "KeServiceInterrupt", 0x2000, 0x2100)

	result := module.FindSymbol("keservice*", nil)
	require.NotNil(t, result)
	require.Equal(t, "KeServiceInterrupt", result.Function.Name)
}

func TestFindSymbolOrdersTypesFirst(t *testing.T) {
	module, source := testSource(t, MachineX86)
	addFunction(source, "pi_reader", 0x1000, 0x1100)

	// "pi*" matches both the typedef and the function; types come first.
	result := module.FindSymbol("pi*", nil)
	require.NotNil(t, result)
	require.Equal(t, ResultType, result.Kind)
	require.Equal(t, "pi", result.Type.Name)

	result = module.FindSymbol("pi*", result)
	require.NotNil(t, result)
	require.Equal(t, ResultFunction, result.Kind)
	require.Equal(t, "pi_reader", result.Function.Name)
}

func TestLookupSymbolByAddress(t *testing.T) {
	module, source := testSource(t, MachineX86)
	addFunction(source, "kmain", 0x1000, 0x1100)
	source.Data = append(source.Data, &DataSymbol{
		Name:   "gCounter",
		Type:   TypeRef{Source: source, Number: 3},
		Source: source,
		Location: Location{
			Kind:    LocationAbsolute,
			Address: 0x4000,
		},
	})

	result := module.LookupSymbol(0x1080, nil)
	require.NotNil(t, result)
	require.Equal(t, ResultFunction, result.Kind)
	require.Equal(t, "kmain", result.Function.Name)

	result = module.LookupSymbol(0x4002, nil)
	require.NotNil(t, result)
	require.Equal(t, ResultData, result.Kind)
	require.Equal(t, "gCounter", result.Data.Name)

	require.Nil(t, module.LookupSymbol(0x9000, nil))
}

func TestLookupSourceLine(t *testing.T) {
	module, source := testSource(t, MachineX86)
	function := addFunction(source, "kmain", 0x1000, 0x1100)

	source.Lines = append(source.Lines,
		&SourceLine{Source: source, LineNumber: 10, Start: 0x1000, End: 0x1008, Absolute: true},
		&SourceLine{Source: source, Function: function, LineNumber: 12, Start: 0x20, End: 0x28},
	)

	line := module.LookupSourceLine(0x1004)
	require.NotNil(t, line)
	require.Equal(t, 10, line.LineNumber)

	// Function relative entries resolve against the function start.
	line = module.LookupSourceLine(0x1024)
	require.NotNil(t, line)
	require.Equal(t, 12, line.LineNumber)

	require.Nil(t, module.LookupSourceLine(0x5000))
}

func TestSourceFileUniquing(t *testing.T) {
	module, source := testSource(t, MachineX86)

	again := module.FindSource("/src", "main.c", true)
	require.Same(t, source, again)
	require.Equal(t, 1, module.SourceCount())

	other := module.FindSource("/src", "other.c", true)
	require.NotSame(t, source, other)
	require.Equal(t, 2, module.SourceCount())
}

func TestTypeTableInsertionOrder(t *testing.T) {
	_, source := testSource(t, MachineX86)

	var numbers []int64
	source.EachType(func(tp *Type) bool {
		numbers = append(numbers, tp.Number)
		return true
	})
	require.Equal(t, []int64{1, 2, 3, 4, 5, 6}, numbers)
}

func TestFirstTypeDefinitionWins(t *testing.T) {
	_, source := testSource(t, MachineX86)

	duplicate := &Type{Number: 2, Name: "bogus", Kind: TypeNumeric}
	source.AddType(duplicate)
	require.Equal(t, "int", source.Type(2).Name)
}
