// Package dwarf reads DWARF 2, 3, and 4 debug information and populates the
// uniform symbol model: compilation units, abbreviation tables, DIE trees,
// line programs, location expressions, and call frame information.
package dwarf

import (
	"errors"

	"github.com/go-logr/logr"

	"github.com/minoca/dbgsym/objfile"
	"github.com/minoca/dbgsym/symbols"
)

var (
	// ErrNotDwarf is returned when an image carries no .debug_info and
	// .debug_abbrev sections.
	ErrNotDwarf = errors.New("no DWARF debug information")

	// ErrCorrupt flags truncated or inconsistent debug data: bad offsets,
	// abbreviation misses, overlong LEB128 runs.
	ErrCorrupt = errors.New("corrupt DWARF data")

	// ErrUnknownForm is returned for attribute forms this reader does not
	// decode.
	ErrUnknownForm = errors.New("unknown attribute form")

	// ErrUnknownOpcode is returned for unhandled expression or call frame
	// opcodes.
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// Data holds the raw debug sections of one image plus the per-module state
// built while loading them.
type Data struct {
	info    []byte
	abbrev  []byte
	str     []byte
	line    []byte
	loc     []byte
	frame   []byte
	ehFrame []byte

	// ehFrameAddr is the virtual address of .eh_frame, needed to resolve
	// PC relative pointer encodings inside it.
	ehFrameAddr uint64

	machine  symbols.Machine
	addrSize int
	units    []*unit
	log      logr.Logger
}

// newData collects the debug sections out of an opened image.
func newData(file *objfile.File, machine symbols.Machine, log logr.Logger) (*Data, error) {
	section := func(name string) []byte {
		if s := file.Section(name); s != nil {
			return s.Data
		}
		return nil
	}
	d := &Data{
		info:     section(".debug_info"),
		abbrev:   section(".debug_abbrev"),
		str:      section(".debug_str"),
		line:     section(".debug_line"),
		loc:      section(".debug_loc"),
		frame:    section(".debug_frame"),
		ehFrame:  section(".eh_frame"),
		machine:  machine,
		addrSize: int(machine.PointerSize()),
		log:      log,
	}
	if s := file.Section(".eh_frame"); s != nil {
		d.ehFrameAddr = s.Addr
	}
	if d.info == nil || d.abbrev == nil {
		return nil, ErrNotDwarf
	}
	return d, nil
}

// unitForOffset finds the compilation unit whose byte range contains the
// given absolute .debug_info offset. Cross-CU type references resolve
// through this.
func (d *Data) unitForOffset(offset uint64) *unit {
	for _, u := range d.units {
		if offset >= u.offset && offset < u.end {
			return u
		}
	}
	return nil
}
