package dwarf

import (
	"fmt"

	"github.com/minoca/dbgsym/symbols"
)

// valueClass discriminates the decoded representation of an attribute value.
type valueClass int

const (
	classInvalid valueClass = iota
	classAddress            // uval: target address
	classConstant           // uval: unsigned constant
	classSigned             // sval: signed constant
	classFlag               // flag
	classString             // str
	classBlock              // block: raw bytes (blocks and exprlocs)
	classReference          // uval: absolute offset into .debug_info
	classSecOffset          // uval: offset into another debug section
	classSignature          // uval: 64-bit type signature
)

// attrValue is one decoded (attribute, form, value) tuple.
type attrValue struct {
	attr  uint64
	form  uint64
	class valueClass
	uval  uint64
	sval  int64
	flag  bool
	str   string
	block []byte
}

// die is one debug information entry with its decoded attributes and
// children, identified by its absolute offset into .debug_info.
type die struct {
	tag      uint64
	offset   uint64
	parent   *die
	children []*die
	attrs    []attrValue
}

// attr returns the first attribute with the given name, or nil.
func (d *die) attr(name uint64) *attrValue {
	for i := range d.attrs {
		if d.attrs[i].attr == name {
			return &d.attrs[i]
		}
	}
	return nil
}

// uintAttr returns an attribute's unsigned value, accepting signed forms.
func (d *die) uintAttr(name uint64) (uint64, bool) {
	v := d.attr(name)
	if v == nil {
		return 0, false
	}
	switch v.class {
	case classAddress, classConstant, classSecOffset, classReference, classSignature:
		return v.uval, true
	case classSigned:
		return uint64(v.sval), true
	}
	return 0, false
}

func (d *die) intAttr(name uint64) (int64, bool) {
	v := d.attr(name)
	if v == nil {
		return 0, false
	}
	switch v.class {
	case classSigned:
		return v.sval, true
	case classConstant, classAddress:
		return int64(v.uval), true
	}
	return 0, false
}

func (d *die) strAttr(name uint64) string {
	v := d.attr(name)
	if v == nil || v.class != classString {
		return ""
	}
	return v.str
}

func (d *die) flagAttr(name uint64) bool {
	v := d.attr(name)
	if v == nil {
		return false
	}
	if v.class == classFlag {
		return v.flag
	}
	u, ok := d.uintAttr(name)
	return ok && u != 0
}

// unit is one compilation unit from .debug_info. The DIE tree hangs off the
// unit during loading and is dropped once the semantic pass finishes; the
// unit itself stays behind to resolve cross-CU references by offset.
type unit struct {
	offset       uint64 // absolute offset of the unit header
	end          uint64 // absolute offset one past the unit
	payloadStart uint64 // absolute offset of the first DIE
	is64         bool
	version      uint16
	abbrevOffset uint64
	addrSize     int
	lowPc        uint64
	highPc       uint64

	source *symbols.SourceFile
	root   *die
}

// parseUnits walks .debug_info and decodes every compilation unit header
// and DIE tree. Damage is localized: a unit that fails to parse is logged
// and skipped, and the walk resumes at the next unit header.
func (d *Data) parseUnits() error {
	b := newBuffer(d.info)
	for b.remaining() > 0 {
		start := uint64(b.off)
		length, is64 := b.initialLength()
		if b.err != nil {
			return fmt.Errorf("unit header at 0x%x: %w", start, b.err)
		}
		next := uint64(b.off) + length
		if next > uint64(len(d.info)) {
			return fmt.Errorf("%w: unit at 0x%x runs past section", ErrCorrupt, start)
		}
		u := &unit{
			offset:  start,
			end:     next,
			is64:    is64,
			version: b.uint16(),
		}
		u.abbrevOffset = b.offset(is64)
		u.addrSize = int(b.uint8())
		u.payloadStart = uint64(b.off)
		if b.err != nil {
			return fmt.Errorf("unit header at 0x%x: %w", start, b.err)
		}
		if u.version < 2 || u.version > 4 {
			d.log.V(1).Info("skipping unit with unsupported version",
				"offset", start, "version", u.version)
			b.off = int(next)
			continue
		}
		if err := d.parseDieTree(u); err != nil {
			d.log.V(1).Info("skipping damaged unit", "offset", start, "error", err.Error())
		} else {
			d.units = append(d.units, u)
		}
		b.off = int(next)
	}
	if len(d.units) == 0 {
		return fmt.Errorf("%w: no usable compilation units", ErrCorrupt)
	}
	return nil
}

// parseDieTree builds the unit's DIE tree. A zero abbreviation code closes
// the current parent; attribute and child order is preserved.
func (d *Data) parseDieTree(u *unit) error {
	table, err := parseAbbrevTable(d.abbrev, u.abbrevOffset)
	if err != nil {
		return err
	}
	b := newBuffer(d.info[:u.end])
	b.off = int(u.payloadStart)

	var parent *die
	for b.remaining() > 0 {
		offset := uint64(b.off)
		code := b.uleb()
		if b.err != nil {
			return fmt.Errorf("DIE at 0x%x: %w", offset, b.err)
		}
		if code == 0 {
			if parent == nil {
				break
			}
			parent = parent.parent
			continue
		}
		decl, ok := table[code]
		if !ok {
			return fmt.Errorf("%w: no abbreviation %d at 0x%x", ErrCorrupt, code, offset)
		}
		entry := &die{
			tag:    decl.tag,
			offset: offset,
			parent: parent,
		}
		for _, af := range decl.attrs {
			value, err := d.readFormValue(b, u, af.form)
			if err != nil {
				return fmt.Errorf("DIE at 0x%x attribute 0x%x: %w", offset, af.attr, err)
			}
			value.attr = af.attr
			entry.attrs = append(entry.attrs, value)
		}
		if parent == nil {
			if u.root != nil {
				return fmt.Errorf("%w: multiple roots in unit at 0x%x", ErrCorrupt, u.offset)
			}
			u.root = entry
		} else {
			parent.children = append(parent.children, entry)
		}
		if decl.children {
			parent = entry
		}
	}
	if u.root == nil {
		return fmt.Errorf("%w: empty unit at 0x%x", ErrCorrupt, u.offset)
	}
	return nil
}

// readFormValue decodes one attribute value. It is a pure function of the
// cursor and unit context; DW_FORM_indirect recurses with the form read
// from the stream.
func (d *Data) readFormValue(b *buffer, u *unit, form uint64) (attrValue, error) {
	v := attrValue{form: form}
	switch form {
	case FormAddr:
		v.class = classAddress
		v.uval = b.uint(u.addrSize)

	case FormBlock1:
		v.class = classBlock
		v.block = b.block(int(b.uint8()))
	case FormBlock2:
		v.class = classBlock
		v.block = b.block(int(b.uint16()))
	case FormBlock4:
		v.class = classBlock
		v.block = b.block(int(b.uint32()))
	case FormBlock, FormExprloc:
		v.class = classBlock
		v.block = b.block(int(b.uleb()))

	case FormData1:
		v.class = classConstant
		v.uval = uint64(b.uint8())
	case FormData2:
		v.class = classConstant
		v.uval = uint64(b.uint16())
	case FormData4:
		v.class = classConstant
		v.uval = uint64(b.uint32())
	case FormData8:
		v.class = classConstant
		v.uval = b.uint64()
	case FormSdata:
		v.class = classSigned
		v.sval = b.sleb()
	case FormUdata:
		v.class = classConstant
		v.uval = b.uleb()

	case FormFlag:
		v.class = classFlag
		v.flag = b.uint8() != 0
	case FormFlagPresent:
		v.class = classFlag
		v.flag = true

	case FormString:
		v.class = classString
		v.str = b.cstring()
	case FormStrp:
		v.class = classString
		offset := b.offset(u.is64)
		if b.err == nil {
			if offset >= uint64(len(d.str)) {
				return v, fmt.Errorf("%w: string offset 0x%x", ErrCorrupt, offset)
			}
			sb := newBuffer(d.str)
			sb.off = int(offset)
			v.str = sb.cstring()
			if sb.err != nil {
				return v, sb.err
			}
		}

	case FormRef1:
		v.class = classReference
		v.uval = u.offset + uint64(b.uint8())
	case FormRef2:
		v.class = classReference
		v.uval = u.offset + uint64(b.uint16())
	case FormRef4:
		v.class = classReference
		v.uval = u.offset + uint64(b.uint32())
	case FormRef8:
		v.class = classReference
		v.uval = u.offset + b.uint64()
	case FormRefUdata:
		v.class = classReference
		v.uval = u.offset + b.uleb()
	case FormRefAddr:
		v.class = classReference
		v.uval = b.offset(u.is64)
	case FormRefSig8:
		v.class = classSignature
		v.uval = b.uint64()

	case FormSecOffset:
		v.class = classSecOffset
		v.uval = b.offset(u.is64)

	case FormIndirect:
		indirect := b.uleb()
		if b.err != nil {
			return v, b.err
		}
		return d.readFormValue(b, u, indirect)

	default:
		return v, fmt.Errorf("%w: 0x%x", ErrUnknownForm, form)
	}
	return v, b.err
}
