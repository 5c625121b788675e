// Package symbols defines the uniform in-memory model for debug symbols:
// modules, source files, types, functions, data symbols, and line numbers.
// Format-specific front ends (the dwarf and stabs packages) populate this
// model; the query engine in this package answers address, name, and type
// questions against it.
package symbols

import (
	"errors"

	"github.com/elliotchance/orderedmap"
)

// Machine identifies the target architecture of a loaded image.
type Machine int

const (
	MachineUnknown Machine = iota
	MachineX86
	MachineX64
	MachineArm
)

func (m Machine) String() string {
	switch m {
	case MachineX86:
		return "x86"
	case MachineX64:
		return "x64"
	case MachineArm:
		return "arm"
	}
	return "unknown"
}

// PointerSize returns the size of a target pointer in bytes.
func (m Machine) PointerSize() uint {
	switch m {
	case MachineX86, MachineArm:
		return 4
	case MachineX64:
		return 8
	}
	return 4
}

var (
	// ErrNotFound is returned by queries that complete without a match.
	ErrNotFound = errors.New("symbol not found")

	// ErrMemoryUnavailable is returned when a target memory read failed
	// during a query.
	ErrMemoryUnavailable = errors.New("target memory unavailable")

	// ErrNoUnwindInfo is returned by an Unwinder when no unwind
	// information covers the requested PC. The caller falls back to frame
	// pointer chaining.
	ErrNoUnwindInfo = errors.New("no unwind information for address")

	// ErrNoMoreFrames is returned when the stack walk has reached the
	// first frame.
	ErrNoMoreFrames = errors.New("no more stack frames")
)

// MemoryReader reads target memory. Implementations are supplied by the
// host: a live target connection, a core file, or the image itself.
type MemoryReader interface {
	ReadMemory(address uint64, size int) ([]byte, error)
}

// RegisterFile provides access to one frame's register context. Register
// numbers follow the DWARF numbering for the target machine. The unwinder
// mutates a register file in place to produce the caller's context.
type RegisterFile interface {
	ReadRegister(number uint32) (uint64, error)
	WriteRegister(number uint32, value uint64) error
}

// StackFrame describes one unwound stack frame.
type StackFrame struct {
	FramePointer  uint64
	ReturnAddress uint64
}

// Unwinder unwinds one stack frame at the given PC, updating the register
// file to the caller's context. The PC is a link-time virtual address, the
// same space the unwind tables describe; relocation adjustment is the host's
// concern. Symbol libraries that carry call frame information attach one of
// these to the module.
type Unwinder interface {
	Unwind(pc uint64, regs RegisterFile, memory MemoryReader) (*StackFrame, error)
}

// PieceKind discriminates the forms a piece of a computed location can take.
type PieceKind int

const (
	PieceUndefined PieceKind = iota
	PieceMemory              // Address holds a target virtual address
	PieceRegister            // Register holds a register number
	PieceValue               // Value holds the literal value
	PieceData                // Data holds literal bytes
)

// LocationPiece is one piece of a computed data symbol location. Simple
// locations are a single piece; DW_OP_piece style composites carry several,
// each covering BitSize bits of the object.
type LocationPiece struct {
	Kind      PieceKind
	Address   uint64
	Register  uint32
	Value     uint64
	Data      []byte
	BitOffset uint32
	BitSize   uint32
}

// LocationEvaluator lazily computes a data symbol's location against a
// register file and target memory. The dwarf package implements this for
// location expressions and location lists.
type LocationEvaluator interface {
	Evaluate(pc uint64, regs RegisterFile, memory MemoryReader) ([]LocationPiece, error)
}

// LocationKind discriminates how a data symbol's storage is described.
type LocationKind int

const (
	LocationInvalid LocationKind = iota
	LocationAbsolute
	LocationRegister
	LocationIndirect
	LocationComplex
)

// Location describes where a data symbol lives.
type Location struct {
	Kind LocationKind

	// Address is valid for LocationAbsolute.
	Address uint64

	// Register is valid for LocationRegister and LocationIndirect.
	Register uint32

	// Offset is valid for LocationIndirect: the symbol lives at
	// *(register) + Offset.
	Offset int64

	// Complex is valid for LocationComplex and is evaluated at query time.
	Complex LocationEvaluator
}

// TypeRef names a type by its owning source file and type id. A zero Source
// with Number -1 denotes void.
type TypeRef struct {
	Source *SourceFile
	Number int64
}

// TypeKind discriminates the type variants.
type TypeKind int

const (
	TypeInvalid TypeKind = iota
	TypeRelation
	TypeNumeric
	TypeStructure
	TypeEnumeration
	TypeFunctionPointer
)

// Numeric describes an integer or floating point type.
type Numeric struct {
	Signed  bool
	Float   bool
	BitSize uint32
}

// StructureMember is one member of a structure, union, or class.
type StructureMember struct {
	Name      string
	Type      TypeRef
	BitOffset uint32
	BitSize   uint32
}

// Structure describes a struct, union, or class type.
type Structure struct {
	SizeInBytes uint64
	Members     []*StructureMember
}

// EnumerationMember is one named value of an enumeration.
type EnumerationMember struct {
	Name  string
	Value int64
}

// Enumeration describes an enum type.
type Enumeration struct {
	SizeInBytes uint64
	Members     []*EnumerationMember
}

// ArrayRange holds the inclusive index bounds of an array relation.
// MaxUint64 marks a saturated maximum: a flexible array member whose bound
// the producer left open.
type ArrayRange struct {
	Minimum   int64
	Maximum   int64
	MaxUint64 bool
}

// IsArray reports whether the bounds describe an array rather than a plain
// relation.
func (a ArrayRange) IsArray() bool {
	return a.Minimum != a.Maximum || a.MaxUint64
}

// Relation unifies typedef, pointer, reference, array, const, volatile, and
// function pointer types: a decorated reference to another type. A relation
// that references itself denotes void.
type Relation struct {
	// Pointer is zero for non-pointers; otherwise it holds the size of a
	// target pointer in bytes.
	Pointer uint32

	Ref TypeRef

	// Array holds the index bounds; Minimum == Maximum means not an array.
	Array ArrayRange

	// Function is set for function types; Ref then names the return type.
	Function bool
}

// Type is one type defined by a source file.
type Type struct {
	Source *SourceFile
	Number int64
	Name   string
	Kind   TypeKind

	// Exactly one of the following is meaningful, selected by Kind.
	Numeric         Numeric
	Structure       Structure
	Enumeration     Enumeration
	Relation        Relation
	FunctionPointer struct{ SizeInBytes uint32 }
}

// DataSymbol is a variable: a global, a function parameter, or a local.
type DataSymbol struct {
	Name     string
	Type     TypeRef
	Source   *SourceFile
	Function *Function // nil for file scope symbols
	Location Location

	// MinimumValidPc is the first PC at which the location is valid, used
	// for stack locals that only exist after the prologue.
	MinimumValidPc uint64
}

// Function is one subprogram with its parameters and locals. Number is the
// function's ordinal within its source file, counting from 1.
type Function struct {
	Source       *SourceFile
	Name         string
	Number       uint16
	StartAddress uint64
	EndAddress   uint64
	ReturnType   TypeRef
	Parameters   []*DataSymbol
	Locals       []*DataSymbol

	// SymbolContext is reserved for the symbol library that produced this
	// function (the DWARF loader stows the owning CU and frame base here).
	SymbolContext any
}

// SourceLine maps one source line to an address range. Start and End are
// offsets from the owning function's start address unless Absolute is set,
// in which case they are virtual addresses (assembly and DWARF line tables).
type SourceLine struct {
	Source     *SourceFile
	Function   *Function
	LineNumber int
	Start      uint64
	End        uint64
	Absolute   bool
}

type sourceKey struct {
	directory string
	name      string
}

// SourceFile collects the symbols of one source file in a module.
type SourceFile struct {
	Module    *Module
	Directory string
	Name      string

	// Identifier matches future references to this file; STABS uses it to
	// pair N_EXCL records with their N_BINCL.
	Identifier uint64

	StartAddress uint64
	EndAddress   uint64

	types     *orderedmap.OrderedMap // int64 -> *Type
	Functions []*Function
	Data      []*DataSymbol
	Lines     []*SourceLine

	voidType *Type

	// SymbolContext is reserved for the owning symbol library.
	SymbolContext any
}

// AddType registers a type under its id. The first definition of an id wins.
func (s *SourceFile) AddType(t *Type) {
	if _, ok := s.types.Get(t.Number); ok {
		return
	}
	t.Source = s
	s.types.Set(t.Number, t)
}

// Type resolves a type id within this source file.
func (s *SourceFile) Type(number int64) *Type {
	if v, ok := s.types.Get(number); ok {
		return v.(*Type)
	}
	return nil
}

// TypeCount returns the number of types defined by this file.
func (s *SourceFile) TypeCount() int {
	return s.types.Len()
}

// EachType visits the file's types in definition order. The walk stops when
// the callback returns false.
func (s *SourceFile) EachType(visit func(*Type) bool) {
	for el := s.types.Front(); el != nil; el = el.Next() {
		if !visit(el.Value.(*Type)) {
			return
		}
	}
}

// VoidType returns the file's void type, creating it on first use. Void is
// modeled as a relation that references itself.
func (s *SourceFile) VoidType() *Type {
	if s.voidType == nil {
		void := &Type{
			Source: s,
			Number: -1,
			Name:   "void",
			Kind:   TypeRelation,
		}
		void.Relation.Ref = TypeRef{Source: s, Number: -1}
		s.AddType(void)
		s.voidType = void
	}
	return s.voidType
}

// Module is one loaded image's worth of debug symbols. All entities hang off
// the module and share its lifetime; queries return references that must not
// outlive a call to Registry.UnloadModule.
type Module struct {
	Filename  string
	ImageBase uint64
	Machine   Machine
	Timestamp int64

	sources *orderedmap.OrderedMap // sourceKey -> *SourceFile

	// Unwinder is the symbol-supplied stack unwinder (DWARF CFI), or nil
	// if the format carries none.
	Unwinder Unwinder

	// SymbolContext is reserved for the symbol library that loaded this
	// module.
	SymbolContext any
}

// NewModule creates an empty module.
func NewModule(filename string, imageBase uint64, machine Machine) *Module {
	return &Module{
		Filename:  filename,
		ImageBase: imageBase,
		Machine:   machine,
		sources:   orderedmap.NewOrderedMap(),
	}
}

// FindSource locates the source file with the given directory and name,
// optionally creating it. A second reference to the same pair returns the
// existing entry.
func (m *Module) FindSource(directory string, name string, create bool) *SourceFile {
	key := sourceKey{directory: directory, name: name}
	if v, ok := m.sources.Get(key); ok {
		return v.(*SourceFile)
	}
	if !create {
		return nil
	}
	source := &SourceFile{
		Module:    m,
		Directory: directory,
		Name:      name,
		types:     orderedmap.NewOrderedMap(),
	}
	m.sources.Set(key, source)
	return source
}

// SourceCount returns the number of source files in the module.
func (m *Module) SourceCount() int {
	return m.sources.Len()
}

// EachSource visits the module's source files in load order. The walk stops
// when the callback returns false.
func (m *Module) EachSource(visit func(*SourceFile) bool) {
	for el := m.sources.Front(); el != nil; el = el.Next() {
		if !visit(el.Value.(*SourceFile)) {
			return
		}
	}
}

// Resolve follows a type reference to its definition. Nil source or a -1
// number outside any file resolves to nil; callers treat that as void or
// dangling depending on context.
func (r TypeRef) Resolve() *Type {
	if r.Source == nil {
		return nil
	}
	return r.Source.Type(r.Number)
}

// IsVoid reports whether the reference names nothing at all.
func (r TypeRef) IsVoid() bool {
	return r.Source == nil
}
