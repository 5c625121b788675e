package objfile

import (
	"bytes"
	"debug/pe"
	"fmt"

	"github.com/minoca/dbgsym/symbols"
)

// parsePe reads the COFF section table. Section addresses come out as
// ImageBase plus the section's RVA so PE and ELF look the same to callers.
func (f *File) parsePe() error {
	file, err := pe.NewFile(bytes.NewReader(f.raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	defer file.Close()

	switch file.Machine {
	case pe.IMAGE_FILE_MACHINE_I386:
		f.machine = symbols.MachineX86
	case pe.IMAGE_FILE_MACHINE_AMD64:
		f.machine = symbols.MachineX64
	case pe.IMAGE_FILE_MACHINE_ARM, pe.IMAGE_FILE_MACHINE_ARMNT:
		f.machine = symbols.MachineArm
	default:
		f.machine = symbols.MachineUnknown
	}

	switch header := file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		f.imageBase = uint64(header.ImageBase)
	case *pe.OptionalHeader64:
		f.imageBase = header.ImageBase
	}

	for _, s := range file.Sections {
		data, err := s.Data()
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		// Raw data can be padded past the virtual size.
		if s.VirtualSize != 0 && uint32(len(data)) > s.VirtualSize {
			data = data[:s.VirtualSize]
		}
		f.sections = append(f.sections, &Section{
			Name: s.Name,
			Addr: f.imageBase + uint64(s.VirtualAddress),
			Data: data,
		})
	}
	return nil
}
