package stabs

import (
	"fmt"

	"github.com/minoca/dbgsym/symbols"
)

// typeParser decodes the classic STABS type grammar out of a stab string:
// references are `N` or `(file,N)`, and a reference followed by `=` defines
// the type inline.
type typeParser struct {
	loader *loader
	input  string
	pos    int
}

func (p *typeParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *typeParser) next() byte {
	c := p.peek()
	if c != 0 {
		p.pos++
	}
	return c
}

func (p *typeParser) expect(c byte) error {
	if p.next() != c {
		return fmt.Errorf("%w: expected %q at %d in %q", ErrBadSymbol, string(c), p.pos, p.input)
	}
	return nil
}

func (p *typeParser) parseInt() (int64, error) {
	negative := false
	if p.peek() == '-' {
		p.pos++
		negative = true
	}
	start := p.pos
	var value uint64
	for p.peek() >= '0' && p.peek() <= '9' {
		value = value*10 + uint64(p.next()-'0')
	}
	if p.pos == start {
		return 0, fmt.Errorf("%w: expected number at %d in %q", ErrBadSymbol, p.pos, p.input)
	}
	if negative {
		return -int64(value), nil
	}
	return int64(value), nil
}

// parseTypeRef reads a type reference and, when it is followed by an equals
// sign, the inline definition that establishes it.
func (p *typeParser) parseTypeRef() (symbols.TypeRef, error) {
	var ref symbols.TypeRef
	if p.peek() == '(' {
		p.pos++
		fileIndex, err := p.parseInt()
		if err != nil {
			return ref, err
		}
		if err := p.expect(','); err != nil {
			return ref, err
		}
		number, err := p.parseInt()
		if err != nil {
			return ref, err
		}
		if err := p.expect(')'); err != nil {
			return ref, err
		}
		ref = symbols.TypeRef{Source: p.loader.tableFile(fileIndex), Number: number}
	} else {
		number, err := p.parseInt()
		if err != nil {
			return ref, err
		}
		ref = symbols.TypeRef{Source: p.loader.currentFile(), Number: number}
	}
	if ref.Source == nil {
		return ref, fmt.Errorf("%w: type reference outside any file", ErrBadSymbol)
	}
	if p.peek() == '=' {
		p.pos++
		if err := p.parseDefinition(ref); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

// parseDefinition reads a type definition and registers it under ref.
func (p *typeParser) parseDefinition(ref symbols.TypeRef) error {
	c := p.peek()
	switch {
	case c == '(' || (c >= '0' && c <= '9'):
		inner, err := p.parseTypeRef()
		if err != nil {
			return err
		}
		t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeRelation}
		t.Relation.Ref = inner
		ref.Source.AddType(t)
		return nil

	case c == '*':
		p.pos++
		inner, err := p.parseTypeRef()
		if err != nil {
			return err
		}
		t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeRelation}
		t.Relation.Ref = inner
		t.Relation.Pointer = uint32(p.loader.module.Machine.PointerSize())
		ref.Source.AddType(t)
		return nil

	case c == 'r':
		p.pos++
		return p.parseRange(ref)

	case c == 'b':
		p.pos++
		return p.parseBuiltin(ref)

	case c == 's' || c == 'u':
		p.pos++
		return p.parseStructure(ref)

	case c == 'e':
		p.pos++
		return p.parseEnumeration(ref)

	case c == 'a':
		p.pos++
		return p.parseArray(ref)

	case c == 'f':
		p.pos++
		inner, err := p.parseTypeRef()
		if err != nil {
			return err
		}
		t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeRelation}
		t.Relation.Ref = inner
		t.Relation.Function = true
		t.Relation.Pointer = uint32(p.loader.module.Machine.PointerSize())
		ref.Source.AddType(t)
		return nil

	case c == 'x':
		p.pos++
		return p.parseForwardReference(ref)
	}
	return fmt.Errorf("%w: type descriptor %q in %q", ErrBadSymbol, string(c), p.input)
}

// parseRange handles `r<ref>;<min>;<max>;`. The bounds pick the numeric
// flavor: a zero maximum with a positive minimum is a float of that many
// bytes, a zero minimum is unsigned, anything else is signed.
func (p *typeParser) parseRange(ref symbols.TypeRef) error {
	if _, err := p.parseTypeRef(); err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	min, err := p.parseInt()
	if err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	max, err := p.parseInt()
	if err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}

	t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeNumeric}
	switch {
	case max == 0 && min > 0:
		t.Numeric.Float = true
		t.Numeric.BitSize = uint32(min) * 8
	case min == 0:
		t.Numeric.BitSize = unsignedBits(uint64(max))
	default:
		t.Numeric.Signed = true
		t.Numeric.BitSize = signedBits(min, max)
	}
	ref.Source.AddType(t)
	return nil
}

func unsignedBits(max uint64) uint32 {
	switch {
	case max <= 0xFF:
		return 8
	case max <= 0xFFFF:
		return 16
	case max <= 0xFFFFFFFF:
		return 32
	}
	return 64
}

func signedBits(min int64, max int64) uint32 {
	switch {
	case min >= -0x80 && max <= 0x7F:
		return 8
	case min >= -0x8000 && max <= 0x7FFF:
		return 16
	case min >= -0x80000000 && max <= 0x7FFFFFFF:
		return 32
	}
	return 64
}

// parseBuiltin handles the Sun `b<s|u>[c]<width>;<offset>;<nbits>;` form.
func (p *typeParser) parseBuiltin(ref symbols.TypeRef) error {
	t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeNumeric}
	switch p.next() {
	case 's':
		t.Numeric.Signed = true
	case 'u':
	default:
		return fmt.Errorf("%w: builtin sign in %q", ErrBadSymbol, p.input)
	}
	if p.peek() == 'c' {
		p.pos++
	}
	width, err := p.parseInt()
	if err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	if _, err := p.parseInt(); err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	bits, err := p.parseInt()
	if err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	t.Numeric.BitSize = uint32(bits)
	if t.Numeric.BitSize == 0 {
		t.Numeric.BitSize = uint32(width) * 8
	}
	ref.Source.AddType(t)
	return nil
}

// parseStructure handles `s<size>` and `u<size>` followed by
// `name:<ref>,<bitoffset>,<bitsize>;` members and a closing semicolon.
func (p *typeParser) parseStructure(ref symbols.TypeRef) error {
	size, err := p.parseInt()
	if err != nil {
		return err
	}
	t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeStructure}
	t.Structure.SizeInBytes = uint64(size)
	for p.peek() != ';' && p.peek() != 0 {
		name := p.readUntil(':')
		memberType, err := p.parseTypeRef()
		if err != nil {
			return err
		}
		if err := p.expect(','); err != nil {
			return err
		}
		bitOffset, err := p.parseInt()
		if err != nil {
			return err
		}
		if err := p.expect(','); err != nil {
			return err
		}
		bitSize, err := p.parseInt()
		if err != nil {
			return err
		}
		if err := p.expect(';'); err != nil {
			return err
		}
		t.Structure.Members = append(t.Structure.Members, &symbols.StructureMember{
			Name:      name,
			Type:      memberType,
			BitOffset: uint32(bitOffset),
			BitSize:   uint32(bitSize),
		})
	}
	p.pos++ // closing semicolon
	ref.Source.AddType(t)
	return nil
}

// parseEnumeration handles `e` followed by `name:<value>,` members and a
// closing semicolon.
func (p *typeParser) parseEnumeration(ref symbols.TypeRef) error {
	t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeEnumeration}
	t.Enumeration.SizeInBytes = uint64(p.loader.module.Machine.PointerSize())
	for p.peek() != ';' && p.peek() != 0 {
		name := p.readUntil(':')
		value, err := p.parseInt()
		if err != nil {
			return err
		}
		if err := p.expect(','); err != nil {
			return err
		}
		t.Enumeration.Members = append(t.Enumeration.Members, &symbols.EnumerationMember{
			Name:  name,
			Value: value,
		})
	}
	p.pos++
	ref.Source.AddType(t)
	return nil
}

// parseArray handles `ar<indextype>;<min>;<max>;<elemtype>`.
func (p *typeParser) parseArray(ref symbols.TypeRef) error {
	if err := p.expect('r'); err != nil {
		return err
	}
	if _, err := p.parseTypeRef(); err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	min, err := p.parseInt()
	if err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	max, err := p.parseInt()
	if err != nil {
		return err
	}
	if err := p.expect(';'); err != nil {
		return err
	}
	element, err := p.parseTypeRef()
	if err != nil {
		return err
	}
	t := &symbols.Type{Number: ref.Number, Kind: symbols.TypeRelation}
	t.Relation.Ref = element
	t.Relation.Array.Minimum = min
	t.Relation.Array.Maximum = max
	ref.Source.AddType(t)
	return nil
}

// parseForwardReference handles `x<s|u|e><name>:`. The named type may not
// exist yet; an earlier definition anywhere in the module satisfies it,
// otherwise the reference degrades to void.
func (p *typeParser) parseForwardReference(ref symbols.TypeRef) error {
	switch p.next() {
	case 's', 'u', 'e':
	default:
		return fmt.Errorf("%w: forward reference tag in %q", ErrBadSymbol, p.input)
	}
	name := p.readUntil(':')
	var found *symbols.Type
	p.loader.module.EachSource(func(source *symbols.SourceFile) bool {
		source.EachType(func(t *symbols.Type) bool {
			if t.Name == name &&
				(t.Kind == symbols.TypeStructure || t.Kind == symbols.TypeEnumeration) {

				found = t
				return false
			}
			return true
		})
		return found == nil
	})

	t := &symbols.Type{Number: ref.Number, Name: name, Kind: symbols.TypeRelation}
	if found != nil {
		t.Relation.Ref = symbols.TypeRef{Source: found.Source, Number: found.Number}
	} else {
		void := ref.Source.VoidType()
		t.Relation.Ref = symbols.TypeRef{Source: ref.Source, Number: void.Number}
	}
	ref.Source.AddType(t)
	return nil
}

// readUntil consumes up to and including the delimiter, returning what came
// before it.
func (p *typeParser) readUntil(delim byte) string {
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != delim {
		p.pos++
	}
	s := p.input[start:p.pos]
	if p.pos < len(p.input) {
		p.pos++
	}
	return s
}

// tableFile resolves a type reference's file index against the include
// table built up by N_SO and N_BINCL records.
func (l *loader) tableFile(index int64) *symbols.SourceFile {
	if index >= 0 && index < int64(len(l.fileTable)) {
		return l.fileTable[index]
	}
	return l.currentFile()
}
