package dwarf

// DWARF constants used by the parsers, named after the standard's
// DW_TAG/DW_AT/DW_FORM/DW_OP families.

// Tags.
const (
	TagArrayType          = 0x01
	TagClassType          = 0x02
	TagEnumerationType    = 0x04
	TagFormalParameter    = 0x05
	TagLexicalBlock       = 0x0B
	TagMember             = 0x0D
	TagPointerType        = 0x0F
	TagReferenceType      = 0x10
	TagCompileUnit        = 0x11
	TagStructureType      = 0x13
	TagSubroutineType     = 0x15
	TagTypedef            = 0x16
	TagUnionType          = 0x17
	TagUnspecifiedParams  = 0x18
	TagVariant            = 0x19
	TagInheritance        = 0x1C
	TagSubrangeType       = 0x21
	TagBaseType           = 0x24
	TagConstType          = 0x26
	TagEnumerator         = 0x28
	TagSubprogram         = 0x2E
	TagVariable           = 0x34
	TagVolatileType       = 0x35
	TagRestrictType       = 0x37
	TagNamespace          = 0x39
	TagUnspecifiedType    = 0x3B
	TagRvalueRefType      = 0x42
)

// Attributes.
const (
	AttrLocation          = 0x02
	AttrName              = 0x03
	AttrByteSize          = 0x0B
	AttrBitOffset         = 0x0C
	AttrBitSize           = 0x0D
	AttrStmtList          = 0x10
	AttrLowPc             = 0x11
	AttrHighPc            = 0x12
	AttrLanguage          = 0x13
	AttrCompDir           = 0x1B
	AttrConstValue        = 0x1C
	AttrInline            = 0x20
	AttrProducer          = 0x25
	AttrUpperBound        = 0x2F
	AttrDataMemberLoc     = 0x38
	AttrDeclaration       = 0x3C
	AttrEncoding          = 0x3E
	AttrExternal          = 0x3F
	AttrFrameBase         = 0x40
	AttrSpecification     = 0x47
	AttrType              = 0x49
	AttrRanges            = 0x55
	AttrDataBitOffset     = 0x6B
)

// Forms.
const (
	FormAddr        = 0x01
	FormBlock2      = 0x03
	FormBlock4      = 0x04
	FormData2       = 0x05
	FormData4       = 0x06
	FormData8       = 0x07
	FormString      = 0x08
	FormBlock       = 0x09
	FormBlock1      = 0x0A
	FormData1       = 0x0B
	FormFlag        = 0x0C
	FormSdata       = 0x0D
	FormStrp        = 0x0E
	FormUdata       = 0x0F
	FormRefAddr     = 0x10
	FormRef1        = 0x11
	FormRef2        = 0x12
	FormRef4        = 0x13
	FormRef8        = 0x14
	FormRefUdata    = 0x15
	FormIndirect    = 0x16
	FormSecOffset   = 0x17
	FormExprloc     = 0x18
	FormFlagPresent = 0x19
	FormRefSig8     = 0x20
)

// Base type encodings (DW_ATE).
const (
	EncAddress      = 0x01
	EncBoolean      = 0x02
	EncFloat        = 0x04
	EncSigned       = 0x05
	EncSignedChar   = 0x06
	EncUnsigned     = 0x07
	EncUnsignedChar = 0x08
)

// Expression opcodes (DW_OP).
const (
	OpAddr       = 0x03
	OpDeref      = 0x06
	OpConst1u    = 0x08
	OpConst1s    = 0x09
	OpConst2u    = 0x0A
	OpConst2s    = 0x0B
	OpConst4u    = 0x0C
	OpConst4s    = 0x0D
	OpConst8u    = 0x0E
	OpConst8s    = 0x0F
	OpConstu     = 0x10
	OpConsts     = 0x11
	OpDup        = 0x12
	OpDrop       = 0x13
	OpOver       = 0x14
	OpPick       = 0x15
	OpSwap       = 0x16
	OpRot        = 0x17
	OpXderef     = 0x18
	OpAbs        = 0x19
	OpAnd        = 0x1A
	OpDiv        = 0x1B
	OpMinus      = 0x1C
	OpMod        = 0x1D
	OpMul        = 0x1E
	OpNeg        = 0x1F
	OpNot        = 0x20
	OpOr         = 0x21
	OpPlus       = 0x22
	OpPlusUconst = 0x23
	OpShl        = 0x24
	OpShr        = 0x25
	OpShra       = 0x26
	OpXor        = 0x27
	OpBra        = 0x28
	OpEq         = 0x29
	OpGe         = 0x2A
	OpGt         = 0x2B
	OpLe         = 0x2C
	OpLt         = 0x2D
	OpNe         = 0x2E
	OpSkip       = 0x2F
	OpLit0       = 0x30
	OpLit31      = 0x4F
	OpReg0       = 0x50
	OpReg31      = 0x6F
	OpBreg0      = 0x70
	OpBreg31     = 0x8F
	OpRegx       = 0x90
	OpFbreg      = 0x91
	OpBregx      = 0x92
	OpPiece      = 0x93
	OpDerefSize  = 0x94
	OpNop        = 0x96
	OpBitPiece   = 0x9D
	OpStackValue = 0x9F
)

// Line program standard opcodes (DW_LNS).
const (
	LnsCopy             = 0x01
	LnsAdvancePc        = 0x02
	LnsAdvanceLine      = 0x03
	LnsSetFile          = 0x04
	LnsSetColumn        = 0x05
	LnsNegateStmt       = 0x06
	LnsSetBasicBlock    = 0x07
	LnsConstAddPc       = 0x08
	LnsFixedAdvancePc   = 0x09
	LnsSetPrologueEnd   = 0x0A
	LnsSetEpilogueBegin = 0x0B
	LnsSetIsa           = 0x0C
)

// Line program extended opcodes (DW_LNE).
const (
	LneEndSequence      = 0x01
	LneSetAddress       = 0x02
	LneDefineFile       = 0x03
	LneSetDiscriminator = 0x04
)

// Call frame instructions (DW_CFA). The high two bits of the first byte
// select the advance_loc/offset/restore shorthands; the rest use the full
// opcode byte.
const (
	CfaAdvanceLoc = 0x40 // high bits 01, low bits delta
	CfaOffset     = 0x80 // high bits 10, low bits register
	CfaRestore    = 0xC0 // high bits 11, low bits register

	CfaNop              = 0x00
	CfaSetLoc           = 0x01
	CfaAdvanceLoc1      = 0x02
	CfaAdvanceLoc2      = 0x03
	CfaAdvanceLoc4      = 0x04
	CfaOffsetExtended   = 0x05
	CfaRestoreExtended  = 0x06
	CfaUndefined        = 0x07
	CfaSameValue        = 0x08
	CfaRegister         = 0x09
	CfaRememberState    = 0x0A
	CfaRestoreState     = 0x0B
	CfaDefCfa           = 0x0C
	CfaDefCfaRegister   = 0x0D
	CfaDefCfaOffset     = 0x0E
	CfaDefCfaExpression = 0x0F
	CfaExpression       = 0x10
	CfaOffsetExtendedSf = 0x11
	CfaDefCfaSf         = 0x12
	CfaDefCfaOffsetSf   = 0x13
	CfaValOffset        = 0x14
	CfaValOffsetSf      = 0x15
	CfaValExpression    = 0x16
)

// Exception handling pointer encodings (DW_EH_PE), used by .eh_frame.
const (
	EhPeAbsptr  = 0x00
	EhPeUleb128 = 0x01
	EhPeUdata2  = 0x02
	EhPeUdata4  = 0x03
	EhPeUdata8  = 0x04
	EhPeSleb128 = 0x09
	EhPeSdata2  = 0x0A
	EhPeSdata4  = 0x0B
	EhPeSdata8  = 0x0C

	EhPePcrel   = 0x10
	EhPeTextrel = 0x20
	EhPeDatarel = 0x30
	EhPeFuncrel = 0x40
	EhPeAligned = 0x50

	EhPeIndirect = 0x80
	EhPeOmit     = 0xFF
)
