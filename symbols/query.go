package symbols

import (
	"fmt"
	"strings"

	"rsc.io/binaryregexp"
)

// Relation chains longer than this are treated as cyclic and resolve to
// nothing. Matches the recursion cap used for type sizing and printing.
const maxRelationDepth = 50

// SearchResultKind discriminates what a symbol search matched.
type SearchResultKind int

const (
	ResultInvalid SearchResultKind = iota
	ResultFunction
	ResultType
	ResultData
)

// SearchResult is a stateful search cursor. Passing a previous result back
// into the search resumes after it, so callers can enumerate every match.
type SearchResult struct {
	Kind     SearchResultKind
	Type     *Type
	Function *Function
	Data     *DataSymbol

	sourceIndex int
	itemIndex   int
}

// Size returns the size of the type in bytes. Void, incomplete declarations,
// and cyclic relation chains report zero.
func (t *Type) Size() uint64 {
	return typeSize(t, 0)
}

func typeSize(t *Type, depth int) uint64 {
	if t == nil {
		return 0
	}
	switch t.Kind {
	case TypeNumeric:
		return uint64(t.Numeric.BitSize+7) / 8
	case TypeStructure:
		return t.Structure.SizeInBytes
	case TypeEnumeration:
		return t.Enumeration.SizeInBytes
	case TypeFunctionPointer:
		return uint64(t.FunctionPointer.SizeInBytes)
	case TypeRelation:
		relation := &t.Relation
		relative := relation.Ref.Resolve()
		if relative == nil || depth >= maxRelationDepth {
			return 0
		}
		arrayCount := uint64(1)
		if relation.Array.IsArray() {
			arrayCount = uint64(relation.Array.Maximum + 1 - relation.Array.Minimum)
			if relation.Array.MaxUint64 {
				// A flexible array member contributes no size.
				arrayCount = 0
			}
		}
		if relation.Pointer != 0 {
			return arrayCount * uint64(relation.Pointer)
		}
		if relative == t {
			// The void self-reference.
			return 0
		}
		return arrayCount * typeSize(relative, depth+1)
	}
	return 0
}

// SkipTypedefs follows relation links that are neither pointers nor arrays
// until a concrete type is reached. Returns nil for void or cyclic chains.
func (t *Type) SkipTypedefs() *Type {
	if t == nil || t.Kind != TypeRelation {
		return t
	}
	for depth := 0; depth < maxRelationDepth; depth++ {
		if t.Kind != TypeRelation || t.Relation.Pointer != 0 ||
			t.Relation.Array.IsArray() {

			return t
		}
		relative := t.Relation.Ref.Resolve()
		if relative == nil || relative == t {
			return nil
		}
		t = relative
	}
	return nil
}

// MemberOffset returns the bit offset and bit size of the named field within
// a structure type.
func (t *Type) MemberOffset(name string) (bitOffset uint32, bitSize uint32, err error) {
	if t == nil || t.Kind != TypeStructure {
		return 0, 0, fmt.Errorf("%w: not a structure", ErrNotFound)
	}
	for _, member := range t.Structure.Members {
		if member.Name == name {
			bitSize := member.BitSize
			if bitSize == 0 {
				bitSize = uint32(member.Type.Resolve().Size() * 8)
			}
			return member.BitOffset, bitSize, nil
		}
	}
	return 0, 0, fmt.Errorf("%s has no member %s: %w", t.Name, name, ErrNotFound)
}

// LookupSourceLine finds the source line covering the given address. Line
// entries are function-relative unless marked absolute.
func (m *Module) LookupSourceLine(address uint64) *SourceLine {
	var found *SourceLine
	m.EachSource(func(source *SourceFile) bool {
		for _, line := range source.Lines {
			base := uint64(0)
			if !line.Absolute && line.Function != nil {
				base = line.Function.StartAddress
			}
			if address >= base+line.Start && address < base+line.End {
				found = line
				return false
			}
		}
		return true
	})
	return found
}

// LookupSymbol finds the symbol at the given address, searching data symbols
// first and then functions. Pass the previous result to resume enumeration.
func (m *Module) LookupSymbol(address uint64, previous *SearchResult) *SearchResult {
	return m.search(previous, func(kind SearchResultKind, name string, item any) bool {
		switch kind {
		case ResultData:
			data := item.(*DataSymbol)
			if data.Location.Kind != LocationAbsolute {
				return false
			}
			size := data.Type.Resolve().Size()
			if size == 0 {
				size = 1
			}
			return address >= data.Location.Address &&
				address < data.Location.Address+size
		case ResultFunction:
			function := item.(*Function)
			return address >= function.StartAddress && address < function.EndAddress
		}
		return false
	}, []SearchResultKind{ResultData, ResultFunction})
}

// FindSymbol searches the module for symbols matching the query. The query
// is case-insensitive and '*' matches any run of characters. Types are
// searched first, then data symbols, then functions. Pass the previous
// result back in to advance to the next match.
func (m *Module) FindSymbol(query string, previous *SearchResult) *SearchResult {
	re, err := compileQuery(query)
	if err != nil {
		return nil
	}
	return m.search(previous, func(kind SearchResultKind, name string, item any) bool {
		return re.MatchString(name)
	}, []SearchResultKind{ResultType, ResultData, ResultFunction})
}

// compileQuery turns a wildcard query into an anchored case-insensitive
// regular expression, quoting everything except '*'.
func compileQuery(query string) (*binaryregexp.Regexp, error) {
	var pattern strings.Builder
	pattern.WriteString("(?i)^")
	for i, part := range strings.Split(query, "*") {
		if i > 0 {
			pattern.WriteString(".*")
		}
		pattern.WriteString(binaryregexp.QuoteMeta(part))
	}
	pattern.WriteString("$")
	return binaryregexp.Compile(pattern.String())
}

// search walks the module's sources in order, visiting items of the
// requested kinds and returning the first accepted one after the previous
// cursor position.
func (m *Module) search(previous *SearchResult, accept func(SearchResultKind, string, any) bool, order []SearchResultKind) *SearchResult {
	for _, kind := range order {
		startSource := 0
		startItem := 0
		if previous != nil {
			if previous.Kind != kind {
				if searchKindIndex(order, previous.Kind) > searchKindIndex(order, kind) {
					continue
				}
			} else {
				startSource = previous.sourceIndex
				startItem = previous.itemIndex + 1
			}
		}
		sourceIndex := -1
		var result *SearchResult
		m.EachSource(func(source *SourceFile) bool {
			sourceIndex++
			if sourceIndex < startSource {
				return true
			}
			first := 0
			if sourceIndex == startSource {
				first = startItem
			}
			itemIndex := -1
			test := func(name string, item any) bool {
				itemIndex++
				if itemIndex < first || !accept(kind, name, item) {
					return false
				}
				result = &SearchResult{
					Kind:        kind,
					sourceIndex: sourceIndex,
					itemIndex:   itemIndex,
				}
				return true
			}
			switch kind {
			case ResultType:
				source.EachType(func(t *Type) bool {
					if test(t.Name, t) {
						result.Type = t
						return false
					}
					return true
				})
			case ResultData:
				for _, data := range source.Data {
					if test(data.Name, data) {
						result.Data = data
						break
					}
				}
			case ResultFunction:
				for _, function := range source.Functions {
					if test(function.Name, function) {
						result.Function = function
						break
					}
				}
			}
			return result == nil
		})
		if result != nil {
			return result
		}
		// Restart at the top of the next kind.
		if previous != nil && previous.Kind == kind {
			previous = nil
		}
	}
	return nil
}

func searchKindIndex(order []SearchResultKind, kind SearchResultKind) int {
	for i, k := range order {
		if k == kind {
			return i
		}
	}
	return -1
}
