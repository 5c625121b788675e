package symbols

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

const memberNameSpace = 17

// PrintTypeName writes a type name with pointer and array decorations.
func PrintTypeName(w io.Writer, t *Type) {
	if t == nil {
		fmt.Fprint(w, "UNKNOWN_TYPE")
		return
	}
	switch t.Kind {
	case TypeStructure:
		if t.Name == "" {
			fmt.Fprint(w, "struct (anon)")
		} else {
			fmt.Fprintf(w, "struct %s", t.Name)
		}
	case TypeEnumeration:
		if t.Name == "" || t.Name == " " {
			fmt.Fprint(w, "(unnamed enum)")
		} else {
			fmt.Fprint(w, t.Name)
		}
	case TypeNumeric:
		if t.Name == "" || t.Name == " " {
			fmt.Fprint(w, "(unnamed numeric)")
		} else {
			fmt.Fprint(w, t.Name)
		}
	case TypeRelation:
		if t.Name != "" {
			fmt.Fprint(w, t.Name)
			return
		}
		relation := &t.Relation
		relative := relation.Ref.Resolve()
		if relative != t {
			PrintTypeName(w, relative)
		}
		if relation.Array.IsArray() {
			switch {
			case relation.Array.MaxUint64:
				fmt.Fprint(w, "[]")
			case relation.Array.Minimum != 0:
				fmt.Fprintf(w, "[%d:%d]", relation.Array.Minimum, relation.Array.Maximum+1)
			default:
				fmt.Fprintf(w, "[%d]", relation.Array.Maximum+1)
			}
		}
		if relation.Pointer != 0 {
			fmt.Fprint(w, "*")
		}
	case TypeFunctionPointer:
		fmt.Fprint(w, "(Function pointer)")
	}
}

// TypeName renders a type name to a string.
func TypeName(t *Type) string {
	var b strings.Builder
	PrintTypeName(&b, t)
	return b.String()
}

// PrintTypeDescription writes a description of the structure of a type.
// spaceLevel is the indentation for nested members; depth limits recursion
// into structure members, with zero printing only the name.
func PrintTypeDescription(w io.Writer, t *Type, spaceLevel int, depth int) {
	if t == nil {
		return
	}
	if depth == 0 {
		PrintTypeName(w, t)
		return
	}
	switch t.Kind {
	case TypeNumeric:
		numeric := &t.Numeric
		if numeric.Float {
			fmt.Fprintf(w, "%d bit floating point number.", numeric.BitSize)
			return
		}
		if !numeric.Signed {
			fmt.Fprint(w, "U")
		}
		fmt.Fprintf(w, "Int%d", numeric.BitSize)

	case TypeRelation:
		relation := &t.Relation
		relative := relation.Ref.Resolve()
		if relative == nil {
			fmt.Fprintf(w, "DANGLING RELATION %d", relation.Ref.Number)
			return
		}
		if relative == t {
			fmt.Fprint(w, "void type.")
			return
		}
		if !relation.Array.IsArray() && relation.Pointer == 0 {
			PrintTypeDescription(w, relative, spaceLevel, depth-1)
			return
		}
		if relation.Pointer != 0 {
			fmt.Fprint(w, "*")
		}
		PrintTypeName(w, relative)
		if relation.Array.IsArray() {
			if relation.Array.MaxUint64 {
				fmt.Fprint(w, "[]")
			} else {
				fmt.Fprint(w, "[")
				if relation.Array.Minimum != 0 {
					fmt.Fprintf(w, "%d:", relation.Array.Minimum)
				}
				fmt.Fprintf(w, "%d]", relation.Array.Maximum+1)
			}
		}

	case TypeEnumeration:
		fmt.Fprint(w, "enum {\n")
		spaceLevel += 2
		for _, member := range t.Enumeration.Members {
			fmt.Fprintf(w, "%*s%-*s = %d\n",
				spaceLevel, "", memberNameSpace, member.Name, member.Value)
		}
		spaceLevel -= 2
		fmt.Fprintf(w, "%*s}", spaceLevel, "")

	case TypeStructure:
		fmt.Fprint(w, "struct {\n")
		spaceLevel += 2
		for _, member := range t.Structure.Members {
			name := member.Name
			if member.BitOffset%8 != 0 {
				name = fmt.Sprintf("%s:%d", name, member.BitOffset%8)
			}
			fmt.Fprintf(w, "%*s+0x%03x  %-*s : ",
				spaceLevel, "", member.BitOffset/8, memberNameSpace, name)

			memberType := member.Type.Resolve()
			if memberType == nil {
				fmt.Fprintf(w, "DANGLING REFERENCE %d\n", member.Type.Number)
				continue
			}
			PrintTypeDescription(w, memberType, spaceLevel, depth-1)
			fmt.Fprint(w, "\n")
		}
		spaceLevel -= 2
		fmt.Fprintf(w, "%*s}", spaceLevel, "")
		if spaceLevel == 0 {
			fmt.Fprintf(w, "\nType Size: %d Bytes.", t.Structure.SizeInBytes)
		}

	case TypeFunctionPointer:
		fmt.Fprint(w, "(*)()")
	}
}

// PrintFunctionPrototype writes a C style prototype for a function.
func PrintFunctionPrototype(w io.Writer, function *Function, moduleName string, address uint64) {
	if function == nil {
		return
	}
	PrintTypeName(w, function.ReturnType.Resolve())
	if moduleName != "" {
		fmt.Fprintf(w, " %s!%s (", moduleName, function.Name)
	} else {
		fmt.Fprintf(w, " %s (", function.Name)
	}
	for i, parameter := range function.Parameters {
		if i != 0 {
			fmt.Fprint(w, ", ")
		}
		PrintTypeName(w, parameter.Type.Resolve())
		fmt.Fprintf(w, " %s", parameter.Name)
	}
	fmt.Fprintf(w, "); 0x%x", address)
}

// FormatValue decodes a memory snapshot as the given type and writes a human
// readable rendering. It returns the number of bytes consumed. A nil data
// slice measures without writing, which callers use to size reads.
func FormatValue(w io.Writer, data []byte, t *Type, depth int) (int, error) {
	return formatValue(w, data, t, depth)
}

func formatValue(w io.Writer, data []byte, t *Type, depth int) (int, error) {
	if t == nil {
		return 0, fmt.Errorf("%w: dangling type reference", ErrNotFound)
	}
	if depth <= 0 {
		return 0, fmt.Errorf("type nesting too deep")
	}
	size := int(t.Size())
	if data != nil && len(data) < size {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", io.ErrUnexpectedEOF, size, len(data))
	}

	switch t.Kind {
	case TypeNumeric:
		if data == nil {
			return size, nil
		}
		printNumeric(w, data[:size], &t.Numeric)
		return size, nil

	case TypeEnumeration:
		if data == nil {
			return size, nil
		}
		value := int64(readUint(data[:size]))
		for _, member := range t.Enumeration.Members {
			if member.Value == value {
				fmt.Fprintf(w, "%s (%d)", member.Name, value)
				return size, nil
			}
		}
		fmt.Fprintf(w, "%d", value)
		return size, nil

	case TypeFunctionPointer:
		if data == nil {
			return size, nil
		}
		fmt.Fprintf(w, "0x%x", readUint(data[:size]))
		return size, nil

	case TypeRelation:
		relation := &t.Relation
		relative := relation.Ref.Resolve()
		if relative == t {
			if data != nil {
				fmt.Fprint(w, "void")
			}
			return 0, nil
		}
		if relative == nil {
			return 0, fmt.Errorf("%w: dangling relation %d", ErrNotFound, relation.Ref.Number)
		}
		if relation.Array.IsArray() {
			return formatArray(w, data, t, relative, depth)
		}
		if relation.Pointer != 0 {
			if data == nil {
				return int(relation.Pointer), nil
			}
			fmt.Fprintf(w, "0x%x", readUint(data[:relation.Pointer]))
			return int(relation.Pointer), nil
		}
		return formatValue(w, data, relative, depth-1)

	case TypeStructure:
		if data == nil {
			return size, nil
		}
		for i, member := range t.Structure.Members {
			if i != 0 {
				fmt.Fprint(w, ", ")
			}
			fmt.Fprintf(w, "%s=", member.Name)
			if err := formatMember(w, data, member, depth); err != nil {
				return 0, err
			}
		}
		return size, nil
	}
	return 0, fmt.Errorf("cannot format type %s", TypeName(t))
}

func formatArray(w io.Writer, data []byte, t *Type, element *Type, depth int) (int, error) {
	relation := &t.Relation
	elementSize := int(element.Size())
	if relation.Pointer != 0 {
		elementSize = int(relation.Pointer)
	}
	count := int(relation.Array.Maximum + 1 - relation.Array.Minimum)
	if relation.Array.MaxUint64 {
		count = 0
	}
	total := elementSize * count
	if data == nil {
		return total, nil
	}
	fmt.Fprint(w, "[")
	for i := 0; i < count; i++ {
		if i != 0 {
			fmt.Fprint(w, ", ")
		}
		chunk := data[i*elementSize:]
		if relation.Pointer != 0 {
			fmt.Fprintf(w, "0x%x", readUint(chunk[:relation.Pointer]))
			continue
		}
		if _, err := formatValue(w, chunk[:elementSize], element, depth-1); err != nil {
			return 0, err
		}
	}
	fmt.Fprint(w, "]")
	return total, nil
}

func formatMember(w io.Writer, data []byte, member *StructureMember, depth int) error {
	memberType := member.Type.Resolve()
	if memberType == nil {
		return fmt.Errorf("%w: dangling member type %d", ErrNotFound, member.Type.Number)
	}
	if member.BitOffset%8 == 0 && member.BitSize%8 == 0 {
		offset := int(member.BitOffset / 8)
		if offset > len(data) {
			return fmt.Errorf("%w: member %s outside value", io.ErrUnexpectedEOF, member.Name)
		}
		_, err := formatValue(w, data[offset:], memberType, depth-1)
		return err
	}

	// Bitfield: extract the bits into a scratch integer.
	bitSize := member.BitSize
	if bitSize == 0 {
		bitSize = uint32(memberType.Size() * 8)
	}
	value := extractBits(data, member.BitOffset, bitSize)
	fmt.Fprintf(w, "%d", value)
	return nil
}

func printNumeric(w io.Writer, data []byte, numeric *Numeric) {
	switch {
	case numeric.Float && numeric.BitSize == 32:
		fmt.Fprintf(w, "%g", math.Float32frombits(binary.LittleEndian.Uint32(data)))
	case numeric.Float && numeric.BitSize == 64:
		fmt.Fprintf(w, "%g", math.Float64frombits(binary.LittleEndian.Uint64(data)))
	case numeric.Signed:
		fmt.Fprintf(w, "%d", signExtend(readUint(data), uint(len(data)*8)))
	default:
		value := readUint(data)
		if value > 9 {
			fmt.Fprintf(w, "0x%X", value)
		} else {
			fmt.Fprintf(w, "%d", value)
		}
	}
}

// readUint reads a little-endian unsigned value of 1 to 8 bytes.
func readUint(data []byte) uint64 {
	var value uint64
	if len(data) > 8 {
		data = data[:8]
	}
	for i := len(data) - 1; i >= 0; i-- {
		value = value<<8 | uint64(data[i])
	}
	return value
}

func signExtend(value uint64, bits uint) int64 {
	if bits == 0 || bits >= 64 {
		return int64(value)
	}
	shift := 64 - bits
	return int64(value<<shift) >> shift
}

func extractBits(data []byte, bitOffset uint32, bitSize uint32) uint64 {
	var value uint64
	for i := uint32(0); i < bitSize && i < 64; i++ {
		bit := bitOffset + i
		byteIndex := bit / 8
		if int(byteIndex) >= len(data) {
			break
		}
		if data[byteIndex]&(1<<(bit%8)) != 0 {
			value |= 1 << i
		}
	}
	return value
}
