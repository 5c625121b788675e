package dwarf

import "fmt"

// attrForm is one attribute/form pair of an abbreviation.
type attrForm struct {
	attr uint64
	form uint64
}

// abbrev is one decoded abbreviation declaration.
type abbrev struct {
	tag      uint64
	children bool
	attrs    []attrForm
}

// abbrevTable maps abbreviation codes to declarations for one compilation
// unit. Tables are decoded per CU and discarded with the CU's DIE tree.
type abbrevTable map[uint64]*abbrev

// parseAbbrevTable decodes the abbreviation declarations starting at the
// given offset into .debug_abbrev, stopping at the zero terminator code.
func parseAbbrevTable(section []byte, offset uint64) (abbrevTable, error) {
	if offset > uint64(len(section)) {
		return nil, fmt.Errorf("%w: abbreviation offset 0x%x beyond section", ErrCorrupt, offset)
	}
	b := newBuffer(section[offset:])
	table := make(abbrevTable)
	for {
		code := b.uleb()
		if b.err != nil {
			return nil, fmt.Errorf("abbreviation table at 0x%x: %w", offset, b.err)
		}
		if code == 0 {
			return table, nil
		}
		decl := &abbrev{
			tag:      b.uleb(),
			children: b.uint8() != 0,
		}
		for {
			attr := b.uleb()
			form := b.uleb()
			if b.err != nil {
				return nil, fmt.Errorf("abbreviation %d at 0x%x: %w", code, offset, b.err)
			}
			if attr == 0 && form == 0 {
				break
			}
			decl.attrs = append(decl.attrs, attrForm{attr: attr, form: form})
		}
		table[code] = decl
	}
}
