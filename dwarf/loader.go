package dwarf

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/minoca/dbgsym/objfile"
	"github.com/minoca/dbgsym/symbols"
)

// Loader is the DWARF front end for the module registry.
type Loader struct{}

func (Loader) Name() string { return "dwarf" }

func (Loader) Load(filename string, options symbols.LoadOptions) (*symbols.Module, error) {
	return LoadSymbols(filename, options)
}

// LoadSymbols opens an image, parses its DWARF sections, and returns a
// fully populated module. Damage inside one compilation unit abandons that
// unit but keeps everything loaded before it.
func LoadSymbols(filename string, options symbols.LoadOptions) (*symbols.Module, error) {
	file, err := objfile.Open(filename)
	if err != nil {
		return nil, err
	}
	machine := file.Machine()
	if options.Machine != symbols.MachineUnknown && machine != options.Machine {
		return nil, fmt.Errorf("%s: %w: image is %s, wanted %s",
			filename, objfile.ErrWrongMachine, machine, options.Machine)
	}
	log := options.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	d, err := newData(file, machine, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if err := d.parseUnits(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	module := symbols.NewModule(filename, file.ImageBase(), machine)
	module.SymbolContext = d
	d.loadUnits(module)
	if unwinder := newUnwinder(d); unwinder != nil {
		module.Unwinder = unwinder
	}
	return module, nil
}

// functionContext is stowed in Function.SymbolContext so the expression
// evaluator can find the owning unit and the frame base attribute later.
type functionContext struct {
	unit      *unit
	frameBase *attrValue
}

// loadUnits runs the semantic pass: source files first, so cross-unit type
// references can land in any unit, then entities and line tables. The DIE
// trees are dropped at the end.
func (d *Data) loadUnits(module *symbols.Module) {
	for _, u := range d.units {
		root := u.root
		if root.tag != TagCompileUnit {
			d.log.V(1).Info("unit root is not a compile unit", "offset", u.offset)
			continue
		}
		u.source = module.FindSource(root.strAttr(AttrCompDir), root.strAttr(AttrName), true)
	}
	for _, u := range d.units {
		if u.source == nil {
			continue
		}
		d.loadUnit(u)
	}
	for _, u := range d.units {
		u.root = nil
	}
}

func (d *Data) loadUnit(u *unit) {
	root := u.root
	u.lowPc, _ = root.uintAttr(AttrLowPc)
	u.highPc = d.highPc(root, u.lowPc)
	if u.lowPc < u.source.StartAddress || u.source.StartAddress == 0 {
		u.source.StartAddress = u.lowPc
	}
	if u.highPc > u.source.EndAddress {
		u.source.EndAddress = u.highPc
	}

	for _, child := range root.children {
		d.loadDie(u, child, nil)
	}

	if stmtList, ok := root.uintAttr(AttrStmtList); ok {
		if err := d.loadLineProgram(u, stmtList); err != nil {
			d.log.V(1).Info("line program failed",
				"unit", u.offset, "error", err.Error())
		}
	}
}

// loadDie translates one DIE into model entities. function is non-nil when
// walking inside a subprogram.
func (d *Data) loadDie(u *unit, entry *die, function *symbols.Function) {
	switch entry.tag {
	case TagBaseType:
		d.loadBaseType(u, entry)

	case TagTypedef, TagPointerType, TagReferenceType, TagRvalueRefType,
		TagConstType, TagVolatileType, TagRestrictType:
		d.loadRelation(u, entry)

	case TagArrayType:
		d.loadArrayType(u, entry)

	case TagStructureType, TagUnionType, TagClassType:
		d.loadStructure(u, entry)

	case TagEnumerationType:
		d.loadEnumeration(u, entry)

	case TagSubroutineType:
		t := &symbols.Type{
			Number: int64(entry.offset),
			Name:   entry.strAttr(AttrName),
			Kind:   symbols.TypeFunctionPointer,
		}
		t.FunctionPointer.SizeInBytes = uint32(u.addrSize)
		u.source.AddType(t)

	case TagSubprogram:
		d.loadSubprogram(u, entry)

	case TagVariable:
		d.loadVariable(u, entry, function)

	case TagNamespace, TagLexicalBlock:
		for _, child := range entry.children {
			d.loadDie(u, child, function)
		}
	}
}

func (d *Data) loadBaseType(u *unit, entry *die) {
	t := &symbols.Type{
		Number: int64(entry.offset),
		Name:   entry.strAttr(AttrName),
		Kind:   symbols.TypeNumeric,
	}
	encoding, _ := entry.uintAttr(AttrEncoding)
	switch encoding {
	case EncSigned, EncSignedChar:
		t.Numeric.Signed = true
	case EncFloat:
		t.Numeric.Float = true
	case EncAddress:
		t.Numeric.BitSize = uint32(u.addrSize) * 8
	}
	if bits, ok := entry.uintAttr(AttrBitSize); ok && t.Numeric.BitSize == 0 {
		t.Numeric.BitSize = uint32(bits)
	}
	if bytes, ok := entry.uintAttr(AttrByteSize); ok && t.Numeric.BitSize == 0 {
		t.Numeric.BitSize = uint32(bytes) * 8
	}
	u.source.AddType(t)
}

func (d *Data) loadRelation(u *unit, entry *die) {
	t := &symbols.Type{
		Number: int64(entry.offset),
		Name:   entry.strAttr(AttrName),
		Kind:   symbols.TypeRelation,
	}
	t.Relation.Ref = d.typeRef(u, entry)
	if entry.tag == TagPointerType || entry.tag == TagReferenceType ||
		entry.tag == TagRvalueRefType {

		t.Relation.Pointer = uint32(u.addrSize)
	}
	u.source.AddType(t)
}

// loadArrayType builds an array relation from the subrange child. An array
// with no upper bound degrades to a pointer.
func (d *Data) loadArrayType(u *unit, entry *die) {
	t := &symbols.Type{
		Number: int64(entry.offset),
		Name:   entry.strAttr(AttrName),
		Kind:   symbols.TypeRelation,
	}
	t.Relation.Ref = d.typeRef(u, entry)
	bounded := false
	for _, child := range entry.children {
		if child.tag != TagSubrangeType {
			continue
		}
		if upper, ok := child.intAttr(AttrUpperBound); ok {
			if upper == -1 {
				// Saturated bound: a flexible array member.
				t.Relation.Array.MaxUint64 = true
			} else {
				t.Relation.Array.Maximum = upper
			}
			bounded = true
		}
		break
	}
	if !bounded {
		t.Relation.Pointer = uint32(u.addrSize)
	}
	u.source.AddType(t)
}

func (d *Data) loadStructure(u *unit, entry *die) {
	t := &symbols.Type{
		Number: int64(entry.offset),
		Name:   entry.strAttr(AttrName),
		Kind:   symbols.TypeStructure,
	}
	t.Structure.SizeInBytes, _ = entry.uintAttr(AttrByteSize)
	for _, child := range entry.children {
		switch child.tag {
		case TagMember:
			member := d.loadMember(u, child, t.Structure.SizeInBytes)
			if member != nil {
				t.Structure.Members = append(t.Structure.Members, member)
			}
		default:
			// Nested type definitions live in the file scope.
			d.loadDie(u, child, nil)
		}
	}
	u.source.AddType(t)
}

// loadMember decodes a structure member's bit offset. DWARF4 carries
// data_bit_offset directly. DWARF2 bitfields describe the storage unit via
// data_member_location plus a big-endian-style bit_offset that counts from
// the high end of the unit.
func (d *Data) loadMember(u *unit, entry *die, structSize uint64) *symbols.StructureMember {
	member := &symbols.StructureMember{
		Name: entry.strAttr(AttrName),
		Type: d.typeRef(u, entry),
	}
	if bits, ok := entry.uintAttr(AttrBitSize); ok {
		member.BitSize = uint32(bits)
	}

	if bits, ok := entry.uintAttr(AttrDataBitOffset); ok {
		member.BitOffset = uint32(bits)
		return member
	}

	var bitOffset uint64
	if loc := entry.attr(AttrDataMemberLoc); loc != nil {
		switch loc.class {
		case classConstant:
			bitOffset = loc.uval * 8
		case classSigned:
			bitOffset = uint64(loc.sval) * 8
		case classBlock:
			// The expression expects the structure base on the stack;
			// seed with one and remove it from the result.
			value, err := evaluateConstant(d, u, loc.block, 1)
			if err != nil {
				d.log.V(1).Info("member location failed",
					"member", member.Name, "error", err.Error())
				return nil
			}
			bitOffset = (value - 1) * 8
		}
	}
	if legacy, ok := entry.uintAttr(AttrBitOffset); ok {
		storage := structSize * 8
		if bytes, ok := entry.uintAttr(AttrByteSize); ok {
			storage = bytes * 8
		}
		bitOffset += storage - (legacy + uint64(member.BitSize))
	}
	member.BitOffset = uint32(bitOffset)
	return member
}

func (d *Data) loadEnumeration(u *unit, entry *die) {
	t := &symbols.Type{
		Number: int64(entry.offset),
		Name:   entry.strAttr(AttrName),
		Kind:   symbols.TypeEnumeration,
	}
	t.Enumeration.SizeInBytes, _ = entry.uintAttr(AttrByteSize)
	if t.Enumeration.SizeInBytes == 0 {
		t.Enumeration.SizeInBytes = uint64(u.addrSize)
	}
	for _, child := range entry.children {
		if child.tag != TagEnumerator {
			continue
		}
		value, _ := child.intAttr(AttrConstValue)
		t.Enumeration.Members = append(t.Enumeration.Members, &symbols.EnumerationMember{
			Name:  child.strAttr(AttrName),
			Value: value,
		})
	}
	u.source.AddType(t)
}

// loadSubprogram creates a function. Declarations and inlined copies carry
// no code of their own and are skipped.
func (d *Data) loadSubprogram(u *unit, entry *die) {
	if entry.flagAttr(AttrDeclaration) || entry.attr(AttrInline) != nil {
		return
	}
	lowPc, hasLow := entry.uintAttr(AttrLowPc)
	if !hasLow {
		return
	}
	function := &symbols.Function{
		Source:       u.source,
		Name:         entry.strAttr(AttrName),
		Number:       uint16(len(u.source.Functions) + 1),
		StartAddress: lowPc,
		EndAddress:   d.highPc(entry, lowPc),
		ReturnType:   d.typeRef(u, entry),
	}
	function.SymbolContext = &functionContext{
		unit:      u,
		frameBase: entry.attr(AttrFrameBase),
	}
	for _, child := range entry.children {
		switch child.tag {
		case TagFormalParameter:
			if parameter := d.loadDataSymbol(u, child, function); parameter != nil {
				function.Parameters = append(function.Parameters, parameter)
			}
		case TagVariable:
			if local := d.loadDataSymbol(u, child, function); local != nil {
				function.Locals = append(function.Locals, local)
			}
		case TagLexicalBlock:
			d.loadDie(u, child, function)
		}
	}
	u.source.Functions = append(u.source.Functions, function)
}

func (d *Data) loadVariable(u *unit, entry *die, function *symbols.Function) {
	symbol := d.loadDataSymbol(u, entry, function)
	if symbol == nil {
		return
	}
	if function != nil {
		function.Locals = append(function.Locals, symbol)
	} else {
		u.source.Data = append(u.source.Data, symbol)
	}
}

// loadDataSymbol creates a data symbol for a variable or parameter DIE. A
// DIE with no location attribute was optimized out and is dropped.
func (d *Data) loadDataSymbol(u *unit, entry *die, function *symbols.Function) *symbols.DataSymbol {
	loc := entry.attr(AttrLocation)
	if loc == nil {
		return nil
	}
	symbol := &symbols.DataSymbol{
		Name:     entry.strAttr(AttrName),
		Type:     d.typeRef(u, entry),
		Source:   u.source,
		Function: function,
	}
	if function != nil {
		symbol.MinimumValidPc = function.StartAddress
	}
	symbol.Location = d.decodeLocation(u, loc, function)
	if symbol.Location.Kind == symbols.LocationInvalid {
		return nil
	}
	return symbol
}

// decodeLocation classifies a location attribute. Single-opcode expressions
// become direct locations; everything else, including location lists, is
// deferred to the evaluator.
func (d *Data) decodeLocation(u *unit, loc *attrValue, function *symbols.Function) symbols.Location {
	complexLocation := func() symbols.Location {
		return symbols.Location{
			Kind: symbols.LocationComplex,
			Complex: &locationEvaluator{
				data:     d,
				unit:     u,
				function: function,
				attr:     *loc,
			},
		}
	}

	switch loc.class {
	case classBlock:
		expr := loc.block
		if len(expr) == 0 {
			return symbols.Location{}
		}
		b := newBuffer(expr)
		op := b.uint8()
		switch {
		case op == OpAddr:
			address := b.uint(u.addrSize)
			if b.err == nil && b.remaining() == 0 {
				return symbols.Location{Kind: symbols.LocationAbsolute, Address: address}
			}
		case op >= OpReg0 && op <= OpReg31:
			if b.remaining() == 0 {
				return symbols.Location{
					Kind:     symbols.LocationRegister,
					Register: uint32(op - OpReg0),
				}
			}
		case op == OpRegx:
			register := b.uleb()
			if b.err == nil && b.remaining() == 0 {
				return symbols.Location{
					Kind:     symbols.LocationRegister,
					Register: uint32(register),
				}
			}
		case op >= OpBreg0 && op <= OpBreg31:
			offset := b.sleb()
			if b.err == nil && b.remaining() == 0 {
				return symbols.Location{
					Kind:     symbols.LocationIndirect,
					Register: uint32(op - OpBreg0),
					Offset:   offset,
				}
			}
		}
		return complexLocation()

	case classSecOffset, classConstant:
		// A location list offset; DWARF2 used data4/data8 for these.
		return complexLocation()
	}
	return symbols.Location{}
}

// typeRef resolves a DIE's type attribute to a (source, id) reference. A
// missing attribute means void. References into another unit resolve to
// that unit's source file.
func (d *Data) typeRef(u *unit, entry *die) symbols.TypeRef {
	attr := entry.attr(AttrType)
	if attr == nil || attr.class != classReference {
		void := u.source.VoidType()
		return symbols.TypeRef{Source: u.source, Number: void.Number}
	}
	source := u.source
	if target := d.unitForOffset(attr.uval); target != nil && target.source != nil {
		source = target.source
	}
	return symbols.TypeRef{Source: source, Number: int64(attr.uval)}
}

// highPc returns a DIE's end address. DWARF4 allows high_pc to be a length
// rather than an address.
func (d *Data) highPc(entry *die, lowPc uint64) uint64 {
	attr := entry.attr(AttrHighPc)
	if attr == nil {
		return lowPc
	}
	switch attr.class {
	case classAddress:
		return attr.uval
	case classConstant:
		return lowPc + attr.uval
	case classSigned:
		return lowPc + uint64(attr.sval)
	}
	return lowPc
}
