package readstat

import (
	"time"
)

// Layout constants shared by the SAS7BDAT reader and writer. The same
// buffer changes layout between the 32-bit and the 64-bit rendition of
// the format, so field positions are kept as named offsets rather than
// struct types.
const (
	sasDefaultFileVersion = 90101

	sasHeaderSize = 1024
	sasPageSize   = 4096

	sasPageHeaderSize32 = 24
	sasPageHeaderSize64 = 40

	sasSubheaderPointerSize32 = 12
	sasSubheaderPointerSize64 = 24

	sasAlignmentOffset0 = 0x22
	sasAlignmentOffset4 = 0x33

	sasEndianBig    = 0x00
	sasEndianLittle = 0x01

	sasFileFormatUnix = '1'

	// Encoding identifiers as stored in the header byte; 20 is UTF-8.
	sasEncodingUTF8 = 20

	sasPageTypeMeta = 0x0000
	sasPageTypeData = 0x0100
	sasPageTypeMix  = 0x0200
	sasPageTypeAMD  = 0x0400

	sasColumnTypeNum = 0x01
	sasColumnTypeChr = 0x02
)

// Subheader signatures. Signatures at or above 0xFF000000 are written
// sign-extended to 64 bits in 64-bit files.
const (
	sasSubheaderSignatureRowSize      = 0xF7F7F7F7
	sasSubheaderSignatureColumnSize   = 0xF6F6F6F6
	sasSubheaderSignatureCounts       = 0xFFFFFC00
	sasSubheaderSignatureColumnFormat = 0xFFFFFBFE
	sasSubheaderSignatureColumnAttrs  = 0xFFFFFFFC
	sasSubheaderSignatureColumnText   = 0xFFFFFFFD
	sasSubheaderSignatureColumnList   = 0xFFFFFFFE
	sasSubheaderSignatureColumnName   = 0xFFFFFFFF
)

var sas7bdatMagic = [32]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xc2, 0xea, 0x81, 0x60,
	0xb3, 0x14, 0x11, 0xcf, 0xbd, 0x92, 0x08, 0x00,
	0x09, 0xc7, 0x31, 0x8c, 0x18, 0x1f, 0x10, 0x11,
}

var sas7bcatMagic = [32]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xc2, 0xea, 0x81, 0x63,
	0xb3, 0x14, 0x11, 0xcf, 0xbd, 0x92, 0x08, 0x00,
	0x09, 0xc7, 0x31, 0x8c, 0x18, 0x1f, 0x10, 0x11,
}

// sasEpoch is the zero point of SAS timestamps, midnight 1960-01-01 in
// the local time zone.
var sasEpoch = time.Date(1960, time.January, 1, 0, 0, 0, 0, time.Local)

// sasHeaderInfo carries the geometry of one SAS7BDAT file.
type sasHeaderInfo struct {
	creationTime     time.Time
	modificationTime time.Time
	headerSize       int
	pageSize         int
	pageCount        int64
	u64              bool

	pageHeaderSize       int
	subheaderPointerSize int
}

func (h *sasHeaderInfo) signatureLen() int {
	if h.u64 {
		return 8
	}
	return 4
}

// sasTaggedMissingBits builds the NaN payload of a missing numeric
// cell. Byte 5 of the little-endian double carries the complement of
// the tag: 0 for the system missing value, 'a'..'z' for user-defined
// missing categories. The bits are assembled on a uint64 so that no
// float operation can normalise the NaN payload away.
func sasTaggedMissingBits(tag byte) uint64 {
	const quietNaN = 0x7FF8000000000000
	return quietNaN | uint64(^tag)<<40
}

// sasMissingTag inspects the bits of a double and reports whether they
// encode a missing cell, returning the tag (0 = system missing).
func sasMissingTag(bits uint64) (tag byte, missing bool) {
	if bits&0x7FF0000000000000 != 0x7FF0000000000000 || bits&0x000FFFFFFFFFFFFF == 0 {
		return 0, false
	}
	tag = ^byte(bits >> 40)
	if tag == 0 || (tag >= 'a' && tag <= 'z') {
		return tag, true
	}
	return 0, true
}
