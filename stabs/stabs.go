// Package stabs reads legacy STABS debug records and populates the uniform
// symbol model. It understands the classic GNU subset: source and include
// file boundaries, functions, lines, and the string-encoded type grammar.
package stabs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"

	"github.com/minoca/dbgsym/objfile"
	"github.com/minoca/dbgsym/symbols"
)

var (
	// ErrNotStabs is returned when an image has no .stab section.
	ErrNotStabs = errors.New("no STABS debug information")

	// ErrBadSymbol flags a record whose string fails the type grammar.
	ErrBadSymbol = errors.New("malformed stab string")
)

// Record types.
const (
	nGsym  = 0x20
	nFun   = 0x24
	nStsym = 0x26
	nLcsym = 0x28
	nRsym  = 0x40
	nSline = 0x44
	nSo    = 0x64
	nLsym  = 0x80
	nBincl = 0x82
	nSol   = 0x84
	nPsym  = 0xA0
	nEincl = 0xA2
	nExcl  = 0xC2
)

const recordSize = 12

// Loader is the STABS front end for the module registry.
type Loader struct{}

func (Loader) Name() string { return "stabs" }

func (Loader) Load(filename string, options symbols.LoadOptions) (*symbols.Module, error) {
	return LoadSymbols(filename, options)
}

// record is one decoded 12-byte stab.
type record struct {
	str   string
	typ   uint8
	other uint8
	desc  uint16
	value uint32
}

// loader carries the walk state: the current source and function, the
// include file stack, and the file table that type references index.
type loader struct {
	module *symbols.Module
	log    logr.Logger

	directory string
	current   *symbols.SourceFile
	includes  []*symbols.SourceFile
	fileTable []*symbols.SourceFile
	function  *symbols.Function
	lastLine  *symbols.SourceLine
}

// LoadSymbols opens an image and loads its STABS records into a module.
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
	stab := file.Section(".stab")
	stabstr := file.Section(".stabstr")
	if stab == nil || stabstr == nil {
		return nil, fmt.Errorf("%s: %w", filename, ErrNotStabs)
	}
	log := options.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	module := symbols.NewModule(filename, file.ImageBase(), machine)
	l := &loader{module: module, log: log}
	if err := l.run(stab.Data, stabstr.Data); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return module, nil
}

func (l *loader) run(stab []byte, stabstr []byte) error {
	count := len(stab) / recordSize
	var continued string
	for i := 0; i < count; i++ {
		r := decodeRecord(stab[i*recordSize:])
		str, err := stabString(stabstr, stab, i)
		if err != nil {
			return err
		}
		// A trailing backslash continues the string in the next record.
		if strings.HasSuffix(str, "\\") {
			continued += strings.TrimSuffix(str, "\\")
			continue
		}
		r.str = continued + str
		continued = ""

		if err := l.handle(r, i); err != nil {
			l.log.V(1).Info("skipping stab", "index", i, "type",
				fmt.Sprintf("0x%x", r.typ), "error", err.Error())
		}
	}
	return nil
}

func decodeRecord(data []byte) record {
	return record{
		typ:   data[4],
		other: data[5],
		desc:  uint16(data[6]) | uint16(data[7])<<8,
		value: uint32(data[8]) | uint32(data[9])<<8 | uint32(data[10])<<16 | uint32(data[11])<<24,
	}
}

// stabString fetches a record's string from the string table. The string
// index lives in the first word of the record.
func stabString(stabstr []byte, stab []byte, index int) (string, error) {
	strx := uint32(stab[index*recordSize]) | uint32(stab[index*recordSize+1])<<8 |
		uint32(stab[index*recordSize+2])<<16 | uint32(stab[index*recordSize+3])<<24
	if strx >= uint32(len(stabstr)) {
		return "", fmt.Errorf("%w: string index 0x%x out of table", ErrBadSymbol, strx)
	}
	end := strx
	for end < uint32(len(stabstr)) && stabstr[end] != 0 {
		end++
	}
	return string(stabstr[strx:end]), nil
}

func (l *loader) handle(r record, index int) error {
	switch r.typ {
	case nSo:
		return l.handleSourceFile(r)
	case nSol:
		// Line table switches file; the model keys lines by function, so
		// only note it.
		return nil
	case nBincl:
		return l.handleInclude(r)
	case nEincl:
		if len(l.includes) > 0 {
			l.includes = l.includes[:len(l.includes)-1]
		}
		return nil
	case nExcl:
		return l.handleExcludedInclude(r)
	case nFun:
		return l.handleFunction(r)
	case nSline:
		return l.handleLine(r)
	case nGsym, nStsym, nLcsym:
		return l.handleGlobal(r)
	case nPsym:
		return l.handleParameter(r)
	case nRsym:
		return l.handleRegisterVariable(r)
	case nLsym:
		return l.handleLocal(r)
	}
	return nil
}

// handleSourceFile opens or closes the main source file. A string ending in
// a slash is the compilation directory for the name that follows; an empty
// string closes the file.
func (l *loader) handleSourceFile(r record) error {
	if r.str == "" {
		l.closeFunction(uint64(r.value))
		if l.current != nil {
			l.current.EndAddress = uint64(r.value)
		}
		l.current = nil
		l.includes = nil
		l.fileTable = nil
		l.directory = ""
		return nil
	}
	if strings.HasSuffix(r.str, "/") {
		l.directory = r.str
		return nil
	}
	l.closeFunction(uint64(r.value))
	l.current = l.module.FindSource(l.directory, r.str, true)
	l.current.StartAddress = uint64(r.value)
	l.includes = nil
	l.fileTable = []*symbols.SourceFile{l.current}
	return nil
}

// handleInclude opens an include file. The record value identifies the
// header so a later N_EXCL can refer back to it.
func (l *loader) handleInclude(r record) error {
	source := l.module.FindSource(l.directory, r.str, true)
	if source.Identifier == 0 {
		source.Identifier = uint64(r.value)
	}
	l.includes = append(l.includes, source)
	l.fileTable = append(l.fileTable, source)
	return nil
}

// handleExcludedInclude resolves an N_EXCL to the first earlier include
// with the same identifier, keeping the file table indices consistent with
// the compiler's.
func (l *loader) handleExcludedInclude(r record) error {
	var found *symbols.SourceFile
	l.module.EachSource(func(source *symbols.SourceFile) bool {
		if source.Identifier == uint64(r.value) && source.Name == r.str {
			found = source
			return false
		}
		return true
	})
	if found == nil {
		found = l.module.FindSource(l.directory, r.str, true)
		found.Identifier = uint64(r.value)
	}
	l.fileTable = append(l.fileTable, found)
	return nil
}

func (l *loader) handleFunction(r record) error {
	if r.str == "" {
		l.closeFunction(uint64(r.value))
		return nil
	}
	name, rest, err := splitSymbolName(r.str)
	if err != nil {
		return err
	}
	if rest == "" || (rest[0] != 'F' && rest[0] != 'f') {
		return fmt.Errorf("%w: function class %q", ErrBadSymbol, rest)
	}
	l.closeFunction(uint64(r.value))
	source := l.currentFile()
	if source == nil {
		return fmt.Errorf("%w: function outside any file", ErrBadSymbol)
	}
	function := &symbols.Function{
		Source:       source,
		Name:         name,
		Number:       uint16(len(source.Functions) + 1),
		StartAddress: uint64(r.value),
	}
	parser := &typeParser{loader: l, input: rest[1:]}
	function.ReturnType, err = parser.parseTypeRef()
	if err != nil {
		return err
	}
	source.Functions = append(source.Functions, function)
	l.function = function
	return nil
}

// closeFunction seals the open function's end address and its last line.
func (l *loader) closeFunction(end uint64) {
	if l.function == nil {
		return
	}
	if end > l.function.StartAddress {
		l.function.EndAddress = end
	} else if end > 0 {
		// The closing record holds the function size.
		l.function.EndAddress = l.function.StartAddress + end
	}
	if l.lastLine != nil && l.function.EndAddress > l.function.StartAddress {
		l.lastLine.End = l.function.EndAddress - l.function.StartAddress
	}
	l.function = nil
	l.lastLine = nil
}

// handleLine records one function-relative source line. Each new line
// patches the previous one's end offset.
func (l *loader) handleLine(r record) error {
	if l.function == nil {
		return nil
	}
	offset := uint64(r.value)
	if l.lastLine != nil {
		end := offset
		if end < l.lastLine.Start+1 {
			end = l.lastLine.Start + 1
		}
		l.lastLine.End = end
		if l.lastLine.LineNumber == int(r.desc) {
			return nil
		}
	}
	line := &symbols.SourceLine{
		Source:     l.function.Source,
		Function:   l.function,
		LineNumber: int(r.desc),
		Start:      offset,
		End:        offset + 1,
	}
	l.function.Source.Lines = append(l.function.Source.Lines, line)
	l.lastLine = line
	return nil
}

func (l *loader) handleGlobal(r record) error {
	name, rest, err := splitSymbolName(r.str)
	if err != nil {
		return err
	}
	if rest == "" {
		return fmt.Errorf("%w: global without class", ErrBadSymbol)
	}
	// G is a true global; S and V are statics. All carry a type next.
	parser := &typeParser{loader: l, input: rest[1:]}
	typeRef, err := parser.parseTypeRef()
	if err != nil {
		return err
	}
	source := l.currentFile()
	if source == nil {
		return fmt.Errorf("%w: data symbol outside any file", ErrBadSymbol)
	}
	symbol := &symbols.DataSymbol{
		Name:   name,
		Type:   typeRef,
		Source: source,
		Location: symbols.Location{
			Kind:    symbols.LocationAbsolute,
			Address: uint64(r.value),
		},
	}
	source.Data = append(source.Data, symbol)
	return nil
}

func (l *loader) handleParameter(r record) error {
	symbol, err := l.stackSymbol(r)
	if err != nil || symbol == nil {
		return err
	}
	if l.function != nil {
		symbol.Function = l.function
		l.function.Parameters = append(l.function.Parameters, symbol)
	}
	return nil
}

func (l *loader) handleRegisterVariable(r record) error {
	name, rest, err := splitSymbolName(r.str)
	if err != nil {
		return err
	}
	if rest == "" || rest[0] != 'r' {
		return fmt.Errorf("%w: register variable class %q", ErrBadSymbol, rest)
	}
	parser := &typeParser{loader: l, input: rest[1:]}
	typeRef, err := parser.parseTypeRef()
	if err != nil {
		return err
	}
	source := l.currentFile()
	if source == nil || l.function == nil {
		return nil
	}
	symbol := &symbols.DataSymbol{
		Name:     name,
		Type:     typeRef,
		Source:   source,
		Function: l.function,
		Location: symbols.Location{
			Kind:     symbols.LocationRegister,
			Register: uint32(r.value),
		},
		MinimumValidPc: l.function.StartAddress,
	}
	l.function.Locals = append(l.function.Locals, symbol)
	return nil
}

// handleLocal handles N_LSYM, which is either a stack local or, with class
// t or T, a type definition.
func (l *loader) handleLocal(r record) error {
	name, rest, err := splitSymbolName(r.str)
	if err != nil {
		return err
	}
	if rest != "" && (rest[0] == 't' || rest[0] == 'T') {
		parser := &typeParser{loader: l, input: rest[1:]}
		ref, err := parser.parseTypeRef()
		if err != nil {
			return err
		}
		if t := ref.Resolve(); t != nil && t.Name == "" {
			t.Name = name
		}
		return nil
	}
	symbol, err := l.stackSymbol(r)
	if err != nil || symbol == nil {
		return err
	}
	if l.function != nil {
		symbol.Function = l.function
		l.function.Locals = append(l.function.Locals, symbol)
	}
	return nil
}

// stackSymbol builds a frame-pointer-relative data symbol from an N_PSYM or
// plain N_LSYM record.
func (l *loader) stackSymbol(r record) (*symbols.DataSymbol, error) {
	name, rest, err := splitSymbolName(r.str)
	if err != nil {
		return nil, err
	}
	if rest == "" {
		return nil, fmt.Errorf("%w: stack symbol without type", ErrBadSymbol)
	}
	input := rest
	if input[0] == 'p' {
		input = input[1:]
	}
	parser := &typeParser{loader: l, input: input}
	typeRef, err := parser.parseTypeRef()
	if err != nil {
		return nil, err
	}
	source := l.currentFile()
	if source == nil {
		return nil, nil
	}
	symbol := &symbols.DataSymbol{
		Name:   name,
		Type:   typeRef,
		Source: source,
		Location: symbols.Location{
			Kind:     symbols.LocationIndirect,
			Register: l.module.Machine.FpRegister(0),
			Offset:   int64(int32(r.value)),
		},
	}
	if l.function != nil {
		symbol.MinimumValidPc = l.function.StartAddress
	}
	return symbol, nil
}

// currentFile returns the innermost open file: the top include if any, else
// the main source.
func (l *loader) currentFile() *symbols.SourceFile {
	if len(l.includes) > 0 {
		return l.includes[len(l.includes)-1]
	}
	return l.current
}

// splitSymbolName splits "name:rest" at the first colon. Operator names may
// embed double colons, which do not terminate the name.
func splitSymbolName(s string) (name string, rest string, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] != ':' {
			continue
		}
		if i+1 < len(s) && s[i+1] == ':' {
			i++
			continue
		}
		return s[:i], s[i+1:], nil
	}
	return "", "", fmt.Errorf("%w: no symbol class in %q", ErrBadSymbol, s)
}
