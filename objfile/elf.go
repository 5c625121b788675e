package objfile

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/minoca/dbgsym/symbols"
)

// parseElf reads the ELF section table, copying out every allocated or
// debug section. The image base is the lowest loadable segment address.
func (f *File) parseElf() error {
	file, err := elf.NewFile(bytes.NewReader(f.raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	defer file.Close()

	switch file.Machine {
	case elf.EM_386:
		f.machine = symbols.MachineX86
	case elf.EM_X86_64:
		f.machine = symbols.MachineX64
	case elf.EM_ARM:
		f.machine = symbols.MachineArm
	default:
		f.machine = symbols.MachineUnknown
	}

	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if f.imageBase == 0 || prog.Vaddr < f.imageBase {
			f.imageBase = prog.Vaddr
		}
	}

	for _, s := range file.Sections {
		if s.Type == elf.SHT_NULL || s.Type == elf.SHT_NOBITS || s.Name == "" {
			continue
		}
		data, err := s.Data()
		if err != nil {
			return fmt.Errorf("section %s: %w", s.Name, err)
		}
		f.sections = append(f.sections, &Section{
			Name: s.Name,
			Addr: s.Addr,
			Data: data,
		})
	}
	return nil
}
