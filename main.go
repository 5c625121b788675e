package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/minoca/dbgsym/disasm"
	"github.com/minoca/dbgsym/dwarf"
	"github.com/minoca/dbgsym/objfile"
	"github.com/minoca/dbgsym/stabs"
	"github.com/minoca/dbgsym/symbols"
)

// dbgdump loads the debug symbols out of an ELF or PE image and dumps them
// as JSON, or flat text with -human.

type TypeMetadata struct {
	Name        string
	Kind        string
	SizeInBytes uint64
	Layout      string `json:",omitempty"`
}

type DataMetadata struct {
	Name string
	Type string
}

type FunctionMetadata struct {
	Name       string
	StartVA    uint64
	EndVA      uint64
	Prototype  string
	Parameters []DataMetadata `json:",omitempty"`
	Locals     []DataMetadata `json:",omitempty"`
	Prologue   []string       `json:",omitempty"`
	HasFrame   *bool          `json:",omitempty"`
}

type LineMetadata struct {
	Line    int
	StartVA uint64
	EndVA   uint64
}

type SourceMetadata struct {
	Directory string
	Name      string
	Types     []TypeMetadata     `json:",omitempty"`
	Globals   []DataMetadata     `json:",omitempty"`
	Functions []FunctionMetadata `json:",omitempty"`
	Lines     []LineMetadata     `json:",omitempty"`
}

type DumpMetadata struct {
	File      string
	Format    string
	Machine   string
	ImageBase uint64
	Sources   []SourceMetadata
	Matches   []string `json:",omitempty"`
}

func main_impl(fileName string, query string, printTypes bool, printLines bool,
	withDisasm bool, machineName string, verbose bool) (DumpMetadata, error) {

	machine, err := parseMachine(machineName)
	if err != nil {
		return DumpMetadata{}, err
	}
	logger := logr.Discard()
	if verbose {
		logger = funcr.New(func(prefix, args string) {
			log.Println(prefix, args)
		}, funcr.Options{Verbosity: 1})
	}

	registry := symbols.NewRegistry([]symbols.Loader{dwarf.Loader{}, stabs.Loader{}}, logger)
	module, err := registry.LoadModule(fileName, symbols.LoadOptions{
		Machine: machine,
		Logger:  logger,
	})
	if err != nil {
		return DumpMetadata{}, err
	}

	format := "stabs"
	if _, ok := module.SymbolContext.(*dwarf.Data); ok {
		format = "dwarf"
	}
	metadata := DumpMetadata{
		File:      fileName,
		Format:    format,
		Machine:   module.Machine.String(),
		ImageBase: module.ImageBase,
	}

	var image *objfile.File
	if withDisasm {
		image, err = objfile.Open(fileName)
		if err != nil {
			return DumpMetadata{}, err
		}
	}

	module.EachSource(func(source *symbols.SourceFile) bool {
		sm := SourceMetadata{Directory: source.Directory, Name: source.Name}
		if printTypes {
			source.EachType(func(t *symbols.Type) bool {
				sm.Types = append(sm.Types, describeType(t))
				return true
			})
		}
		for _, data := range source.Data {
			sm.Globals = append(sm.Globals, DataMetadata{
				Name: data.Name,
				Type: symbols.TypeName(data.Type.Resolve()),
			})
		}
		for _, function := range source.Functions {
			sm.Functions = append(sm.Functions, describeFunction(module, function, image))
		}
		if printLines {
			for _, line := range source.Lines {
				base := uint64(0)
				if !line.Absolute && line.Function != nil {
					base = line.Function.StartAddress
				}
				sm.Lines = append(sm.Lines, LineMetadata{
					Line:    line.LineNumber,
					StartVA: base + line.Start,
					EndVA:   base + line.End,
				})
			}
		}
		metadata.Sources = append(metadata.Sources, sm)
		return true
	})

	if query != "" {
		for result := module.FindSymbol(query, nil); result != nil; result = module.FindSymbol(query, result) {
			switch result.Kind {
			case symbols.ResultType:
				metadata.Matches = append(metadata.Matches, "type "+symbols.TypeName(result.Type))
			case symbols.ResultData:
				metadata.Matches = append(metadata.Matches, "data "+result.Data.Name)
			case symbols.ResultFunction:
				metadata.Matches = append(metadata.Matches, "function "+result.Function.Name)
			}
		}
	}
	return metadata, nil
}

func describeType(t *symbols.Type) TypeMetadata {
	tm := TypeMetadata{
		Name:        symbols.TypeName(t),
		SizeInBytes: t.Size(),
	}
	switch t.Kind {
	case symbols.TypeNumeric:
		tm.Kind = "numeric"
	case symbols.TypeStructure:
		tm.Kind = "structure"
		var layout strings.Builder
		symbols.PrintTypeDescription(&layout, t, 0, 2)
		tm.Layout = layout.String()
	case symbols.TypeEnumeration:
		tm.Kind = "enumeration"
	case symbols.TypeRelation:
		tm.Kind = "relation"
	case symbols.TypeFunctionPointer:
		tm.Kind = "function pointer"
	}
	return tm
}

func describeFunction(module *symbols.Module, function *symbols.Function, image *objfile.File) FunctionMetadata {
	fm := FunctionMetadata{
		Name:    function.Name,
		StartVA: function.StartAddress,
		EndVA:   function.EndAddress,
	}
	var prototype strings.Builder
	symbols.PrintFunctionPrototype(&prototype, function, "", function.StartAddress)
	fm.Prototype = prototype.String()
	for _, parameter := range function.Parameters {
		fm.Parameters = append(fm.Parameters, DataMetadata{
			Name: parameter.Name,
			Type: symbols.TypeName(parameter.Type.Resolve()),
		})
	}
	for _, local := range function.Locals {
		fm.Locals = append(fm.Locals, DataMetadata{
			Name: local.Name,
			Type: symbols.TypeName(local.Type.Resolve()),
		})
	}
	if image != nil {
		size := function.EndAddress - function.StartAddress
		if size > 64 {
			size = 64
		}
		if code, err := image.ReadMemory(function.StartAddress, int(size)); err == nil {
			fm.Prologue = disasm.Annotate(module.Machine, code, function.StartAddress, 4)
			hasFrame := disasm.EstablishesFrame(module.Machine, code)
			fm.HasFrame = &hasFrame
		}
	}
	return fm
}

func parseMachine(name string) (symbols.Machine, error) {
	switch name {
	case "", "auto":
		return symbols.MachineUnknown, nil
	case "x86":
		return symbols.MachineX86, nil
	case "x64":
		return symbols.MachineX64, nil
	case "arm":
		return symbols.MachineArm, nil
	}
	return symbols.MachineUnknown, fmt.Errorf("unknown machine %q", name)
}

func DataToJson(data interface{}) string {
	jsonBytes, err := json.MarshalIndent(data, "", "    ")
	if err != nil {
		return "{\"error\": \"failed to format output\"}"
	}
	return string(jsonBytes)
}

func TextToJson(key string, text string) string {
	return fmt.Sprintf("{\"%s\": \"%s\"}", key, text)
}

func printForHuman(metadata DumpMetadata) {
	fmt.Printf("%-14s %s\n", "File:", metadata.File)
	fmt.Printf("%-14s %s\n", "Format:", metadata.Format)
	fmt.Printf("%-14s %s\n", "Machine:", metadata.Machine)
	fmt.Printf("%-14s 0x%x\n", "ImageBase:", metadata.ImageBase)

	for _, source := range metadata.Sources {
		fmt.Printf("\n-Source %s%s-\n", source.Directory, source.Name)
		for _, t := range source.Types {
			fmt.Printf("type %-30s size %d\n", t.Name, t.SizeInBytes)
			if t.Layout != "" {
				fmt.Println(t.Layout)
			}
		}
		for _, data := range source.Globals {
			fmt.Printf("data %-30s %s\n", data.Name, data.Type)
		}
		for _, fn := range source.Functions {
			fmt.Printf("func %s\n", fn.Prototype)
			for _, line := range fn.Prologue {
				fmt.Printf("    %s\n", line)
			}
		}
		for _, line := range source.Lines {
			fmt.Printf("line %-6d [0x%x, 0x%x)\n", line.Line, line.StartVA, line.EndVA)
		}
	}

	if len(metadata.Matches) > 0 {
		fmt.Println("\n-Matches-")
		for _, match := range metadata.Matches {
			fmt.Println(match)
		}
	}
}

func main() {
	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()

	log.SetFlags(0)
	log.SetPrefix("dbgdump: ")

	printTypes := flag.Bool("t", false, "Print the type table of every source file")
	printLines := flag.Bool("l", false, "Print line number tables")
	query := flag.String("find", "", "Search symbols by name, * matches any run of characters")
	machineName := flag.String("machine", "auto", "Require a machine type: x86, x64, arm")
	withDisasm := flag.Bool("disasm", false, "Disassemble each function prologue")
	humanView := flag.Bool("human", false, "Human view, print information flat rather than json")
	verbose := flag.Bool("v", false, "Print parse diagnostics to stderr")

	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Println(TextToJson("error", "filepath must be provided as first argument"))
		os.Exit(1)
	}

	metadata, err := main_impl(flag.Arg(0), *query, *printTypes, *printLines,
		*withDisasm, *machineName, *verbose)
	if err != nil {
		fmt.Println(TextToJson("error", fmt.Sprintf("Failed to parse file: %s", err)))
		os.Exit(1)
	}
	if *humanView {
		printForHuman(metadata)
	} else {
		fmt.Println(DataToJson(metadata))
	}
}
