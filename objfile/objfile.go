// Package objfile opens ELF and PE/COFF images and exposes their sections
// uniformly, which is all the debug information parsers need from a file
// format.
package objfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/minoca/dbgsym/symbols"
)

var (
	// ErrNotImage is returned when a file matches neither the ELF nor the
	// PE magic.
	ErrNotImage = errors.New("not an ELF or PE image")

	// ErrWrongMachine is returned when an image's machine type does not
	// match what the caller required.
	ErrWrongMachine = errors.New("image machine mismatch")
)

// Section is one named section with its mapped address and contents.
type Section struct {
	Name string
	Addr uint64
	Data []byte
}

// File is an opened image. The whole file is held in memory; sections
// borrow from that buffer.
type File struct {
	name      string
	raw       []byte
	machine   symbols.Machine
	imageBase uint64
	sections  []*Section
}

// Open reads the file and parses its section table. The format is sniffed
// from the magic number: ELF first, then PE.
func Open(filename string) (*File, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return parse(filename, raw)
}

// NewFile parses an image already held in memory.
func NewFile(filename string, raw []byte) (*File, error) {
	return parse(filename, raw)
}

func parse(filename string, raw []byte) (*File, error) {
	f := &File{name: filename, raw: raw}
	switch {
	case len(raw) >= 4 && raw[0] == 0x7F && raw[1] == 'E' && raw[2] == 'L' && raw[3] == 'F':
		if err := f.parseElf(); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	case len(raw) >= 2 && raw[0] == 'M' && raw[1] == 'Z':
		if err := f.parsePe(); err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
	default:
		return nil, fmt.Errorf("%s: %w", filename, ErrNotImage)
	}
	return f, nil
}

// Name returns the filename the image was opened from.
func (f *File) Name() string { return f.name }

// Machine returns the image's target architecture.
func (f *File) Machine() symbols.Machine { return f.machine }

// ImageBase returns the image's preferred load address.
func (f *File) ImageBase() uint64 { return f.imageBase }

// Section returns the named section, or nil.
func (f *File) Section(name string) *Section {
	for _, s := range f.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Sections returns all sections in file order.
func (f *File) Sections() []*Section { return f.sections }

// ReadMemory serves virtual address reads out of the mapped sections,
// letting callers format global data without a live target. It implements
// symbols.MemoryReader.
func (f *File) ReadMemory(address uint64, size int) ([]byte, error) {
	for _, s := range f.sections {
		if s.Addr == 0 || address < s.Addr {
			continue
		}
		offset := address - s.Addr
		if offset+uint64(size) <= uint64(len(s.Data)) {
			return s.Data[offset : offset+uint64(size)], nil
		}
	}
	return nil, fmt.Errorf("address 0x%x not mapped by %s", address, f.name)
}
