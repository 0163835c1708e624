package readstat

import (
	"encoding/binary"
	"fmt"
	"math"

	"golang.org/x/xerrors"
)

const (
	sasColumnTextSize32 = sasPageSize - sasPageHeaderSize32 - sasSubheaderPointerSize32
	sasColumnTextSize64 = sasPageSize - sasPageHeaderSize64 - sasSubheaderPointerSize64
)

// sasSubheader is an opaque metadata record destined for a meta page.
// The first signatureLen bytes of data are reserved for the signature,
// which is poked in at emission time because 64-bit files sign-extend
// the high signatures.
type sasSubheader struct {
	signature uint32
	data      []byte
}

// sasColumnText is one fixed-capacity buffer of the column text pool.
type sasColumnText struct {
	data  []byte
	used  int
	index int
}

// sasTextRef locates a string within the column text pool. The offset
// is pool-local plus 28, the fixed header length of a COLUMN_TEXT
// subheader.
type sasTextRef struct {
	index  uint16
	offset uint16
	length uint16
}

type sasDialect struct {
	hinfo *sasHeaderInfo
}

func newSASHeaderInfo(w *Writer) *sasHeaderInfo {
	hinfo := &sasHeaderInfo{
		creationTime:     w.timestamp,
		modificationTime: w.timestamp,
		headerSize:       sasHeaderSize,
		pageSize:         sasPageSize,
		u64:              w.version >= 90000,
	}
	if hinfo.u64 {
		hinfo.pageHeaderSize = sasPageHeaderSize64
		hinfo.subheaderPointerSize = sasSubheaderPointerSize64
	} else {
		hinfo.pageHeaderSize = sasPageHeaderSize32
		hinfo.subheaderPointerSize = sasSubheaderPointerSize32
	}
	return hinfo
}

func (d *sasDialect) variableWidth(typ Type, userWidth int) int {
	if typ == TypeString {
		return userWidth
	}
	return 8
}

func sasRowLength(w *Writer) int {
	length := 0
	for _, v := range w.variables {
		length += (&sasDialect{}).variableWidth(v.Type, v.StorageWidth)
	}
	return length
}

func sasRowsPerPage(w *Writer, hinfo *sasHeaderInfo) int {
	rowLength := sasRowLength(w)
	if rowLength == 0 {
		return 0
	}
	return (sasPageSize - hinfo.pageHeaderSize) / rowLength
}

func sasCountDataPages(w *Writer, hinfo *sasHeaderInfo) int64 {
	rowsPerPage := sasRowsPerPage(w, hinfo)
	if rowsPerPage == 0 {
		return 0
	}
	return int64((w.rowCount + rowsPerPage - 1) / rowsPerPage)
}

// sasCountMetaPages walks the subheaders back to front and counts the
// meta pages needed so that every subheader plus its pointer fits in a
// page's usable area.
func sasCountMetaPages(hinfo *sasHeaderInfo, subheaders []*sasSubheader) int64 {
	pages := int64(1)
	bytesLeft := hinfo.pageSize - hinfo.pageHeaderSize
	ptrSize := hinfo.subheaderPointerSize
	for i := len(subheaders) - 1; i >= 0; i-- {
		subheader := subheaders[i]
		if len(subheader.data)+ptrSize > bytesLeft {
			bytesLeft = hinfo.pageSize - hinfo.pageHeaderSize
			pages++
		}
		bytesLeft -= len(subheader.data) + ptrSize
	}
	return pages
}

func newSASColumnText(index, capacity int) *sasColumnText {
	return &sasColumnText{data: make([]byte, capacity), index: index}
}

// makeSASTextRef copies s into the pool, NUL-padded to a multiple of 4
// bytes, appending a fresh pool buffer when the current one cannot
// take it. Refs issued earlier stay valid across appends.
func makeSASTextRef(pool *[]*sasColumnText, s string) (sasTextRef, error) {
	paddedLen := (len(s) + 3) / 4 * 4
	columnText := (*pool)[len(*pool)-1]
	if columnText.used+paddedLen > len(columnText.data) {
		if paddedLen > len(columnText.data) {
			return sasTextRef{}, xerrors.Errorf("string of %d bytes exceeds the column text capacity: %w",
				len(s), ErrValueOutOfRange)
		}
		columnText = newSASColumnText(len(*pool), len(columnText.data))
		*pool = append(*pool, columnText)
	}
	ref := sasTextRef{
		index:  uint16(columnText.index),
		offset: uint16(columnText.used + 28),
		length: uint16(len(s)),
	}
	copy(columnText.data[columnText.used:], s)
	columnText.used += paddedLen
	return ref, nil
}

func newSASSubheader(signature uint32, length int) *sasSubheader {
	return &sasSubheader{signature: signature, data: make([]byte, length)}
}

func sasRowSizeSubheader(w *Writer, hinfo *sasHeaderInfo) *sasSubheader {
	le := binary.LittleEndian
	if hinfo.u64 {
		subheader := newSASSubheader(sasSubheaderSignatureRowSize, 128)
		le.PutUint64(subheader.data[40:], uint64(sasRowLength(w)))
		le.PutUint64(subheader.data[48:], uint64(w.rowCount))
		le.PutUint64(subheader.data[104:], uint64(hinfo.pageSize))
		return subheader
	}
	subheader := newSASSubheader(sasSubheaderSignatureRowSize, 64)
	le.PutUint32(subheader.data[20:], uint32(sasRowLength(w)))
	le.PutUint32(subheader.data[24:], uint32(w.rowCount))
	le.PutUint32(subheader.data[52:], uint32(hinfo.pageSize))
	return subheader
}

func sasColSizeSubheader(w *Writer, hinfo *sasHeaderInfo) *sasSubheader {
	le := binary.LittleEndian
	if hinfo.u64 {
		subheader := newSASSubheader(sasSubheaderSignatureColumnSize, 24)
		le.PutUint64(subheader.data[8:], uint64(len(w.variables)))
		return subheader
	}
	subheader := newSASSubheader(sasSubheaderSignatureColumnSize, 12)
	le.PutUint32(subheader.data[4:], uint32(len(w.variables)))
	return subheader
}

func sasColNameSubheader(w *Writer, hinfo *sasHeaderInfo, pool *[]*sasColumnText) (*sasSubheader, error) {
	le := binary.LittleEndian
	signatureLen := hinfo.signatureLen()
	length := 20 + 8*len(w.variables)
	if hinfo.u64 {
		length = 28 + 8*len(w.variables)
	}
	subheader := newSASSubheader(sasSubheaderSignatureColumnName, length)
	le.PutUint16(subheader.data[signatureLen:], uint16(length-(4+2*signatureLen)))

	ptrs := subheader.data[signatureLen+8:]
	for _, v := range w.variables {
		ref, err := makeSASTextRef(pool, v.Name)
		if err != nil {
			return nil, err
		}
		le.PutUint16(ptrs[0:], ref.index)
		le.PutUint16(ptrs[2:], ref.offset)
		le.PutUint16(ptrs[4:], ref.length)
		ptrs = ptrs[8:]
	}
	return subheader, nil
}

func sasColAttrsSubheader(w *Writer, hinfo *sasHeaderInfo) *sasSubheader {
	le := binary.LittleEndian
	signatureLen := hinfo.signatureLen()
	length := 20 + 12*len(w.variables)
	if hinfo.u64 {
		length = 28 + 16*len(w.variables)
	}
	subheader := newSASSubheader(sasSubheaderSignatureColumnAttrs, length)
	le.PutUint16(subheader.data[signatureLen:], uint16(length-(4+2*signatureLen)))

	ptrs := subheader.data[signatureLen+8:]
	offset := uint64(0)
	for _, v := range w.variables {
		if hinfo.u64 {
			le.PutUint64(ptrs[0:], offset)
			ptrs = ptrs[8:]
		} else {
			le.PutUint32(ptrs[0:], uint32(offset))
			ptrs = ptrs[4:]
		}
		nameLengthFlag := uint16(4)
		if len(v.Name) > 8 {
			nameLengthFlag = 2048
		}
		var width uint32
		if v.Type.IsCharacter() {
			ptrs[6] = sasColumnTypeChr
			width = uint32(v.StorageWidth)
		} else {
			ptrs[6] = sasColumnTypeNum
			width = 8
		}
		le.PutUint32(ptrs[0:], width)
		le.PutUint16(ptrs[4:], nameLengthFlag)
		offset += uint64(width)
		ptrs = ptrs[8:]
	}
	return subheader
}

func sasColFormatSubheader(v *Variable, hinfo *sasHeaderInfo, pool *[]*sasColumnText) (*sasSubheader, error) {
	le := binary.LittleEndian
	length, formatOffset, labelOffset := 52, 34, 40
	if hinfo.u64 {
		length, formatOffset, labelOffset = 64, 46, 52
	}
	subheader := newSASSubheader(sasSubheaderSignatureColumnFormat, length)
	if v.Format != "" {
		ref, err := makeSASTextRef(pool, v.Format)
		if err != nil {
			return nil, err
		}
		le.PutUint16(subheader.data[formatOffset+0:], ref.index)
		le.PutUint16(subheader.data[formatOffset+2:], ref.offset)
		le.PutUint16(subheader.data[formatOffset+4:], ref.length)
	}
	if v.Label != "" {
		ref, err := makeSASTextRef(pool, v.Label)
		if err != nil {
			return nil, err
		}
		le.PutUint16(subheader.data[labelOffset+0:], ref.index)
		le.PutUint16(subheader.data[labelOffset+2:], ref.offset)
		le.PutUint16(subheader.data[labelOffset+4:], ref.length)
	}
	return subheader, nil
}

func sasColTextSubheader(hinfo *sasHeaderInfo, columnText *sasColumnText) *sasSubheader {
	le := binary.LittleEndian
	signatureLen := hinfo.signatureLen()
	length := signatureLen + 28 + columnText.used
	subheader := newSASSubheader(sasSubheaderSignatureColumnText, length)
	le.PutUint16(subheader.data[signatureLen:], uint16(length-(4+2*signatureLen)))
	for i := signatureLen + 12; i < signatureLen+20; i++ {
		subheader.data[i] = ' '
	}
	copy(subheader.data[signatureLen+28:], columnText.data[:columnText.used])
	return subheader
}

// sasSubheaders builds the full subheader sequence in its fixed order:
// ROW_SIZE, COLUMN_SIZE, COLUMN_NAME, COLUMN_ATTRS, one COLUMN_FORMAT
// per variable, then one COLUMN_TEXT per pool buffer.
func sasSubheaders(w *Writer, hinfo *sasHeaderInfo) ([]*sasSubheader, error) {
	capacity := sasColumnTextSize32
	if hinfo.u64 {
		capacity = sasColumnTextSize64
	}
	pool := []*sasColumnText{newSASColumnText(0, capacity)}

	rowSize := sasRowSizeSubheader(w, hinfo)
	colSize := sasColSizeSubheader(w, hinfo)
	colName, err := sasColNameSubheader(w, hinfo, &pool)
	if err != nil {
		return nil, err
	}
	colAttrs := sasColAttrsSubheader(w, hinfo)

	subheaders := []*sasSubheader{rowSize, colSize, colName, colAttrs}
	for _, v := range w.variables {
		subheader, err := sasColFormatSubheader(v, hinfo, &pool)
		if err != nil {
			return nil, err
		}
		subheaders = append(subheaders, subheader)
	}
	for _, columnText := range pool {
		subheaders = append(subheaders, sasColTextSubheader(hinfo, columnText))
	}
	return subheaders, nil
}

// sasSubheaderTypeA reports whether signature belongs to the pointer
// type "A" class.
func sasSubheaderTypeA(signature uint32) bool {
	return signature == sasSubheaderSignatureColumnText ||
		signature == sasSubheaderSignatureColumnName ||
		signature == sasSubheaderSignatureColumnAttrs ||
		signature == sasSubheaderSignatureColumnList
}

func sasEmitHeader(w *Writer, hinfo *sasHeaderInfo) error {
	le := binary.LittleEndian
	start := make([]byte, 164)
	copy(start[0:32], sas7bdatMagic[:])
	if hinfo.u64 {
		start[32] = sasAlignmentOffset4
	} else {
		start[32] = sasAlignmentOffset0
	}
	start[35] = sasAlignmentOffset0
	start[37] = sasEndianLittle
	start[39] = sasFileFormatUnix
	start[70] = sasEncodingUTF8
	copy(start[84:92], "SAS FILE")
	copy(start[92:156], w.fileLabel)
	copy(start[156:164], "DATA ~ ~")
	if err := w.writeBytes(start); err != nil {
		return err
	}

	scratch := make([]byte, 8)
	le.PutUint64(scratch, math.Float64bits(hinfo.creationTime.Sub(sasEpoch).Seconds()))
	if err := w.writeBytes(scratch); err != nil {
		return err
	}
	le.PutUint64(scratch, math.Float64bits(hinfo.modificationTime.Sub(sasEpoch).Seconds()))
	if err := w.writeBytes(scratch); err != nil {
		return err
	}
	if err := w.writeZeros(16); err != nil {
		return err
	}
	le.PutUint32(scratch, uint32(hinfo.headerSize))
	if err := w.writeBytes(scratch[:4]); err != nil {
		return err
	}
	le.PutUint32(scratch, uint32(hinfo.pageSize))
	if err := w.writeBytes(scratch[:4]); err != nil {
		return err
	}
	if hinfo.u64 {
		le.PutUint64(scratch, uint64(hinfo.pageCount))
		if err := w.writeBytes(scratch); err != nil {
			return err
		}
	} else {
		le.PutUint32(scratch, uint32(hinfo.pageCount))
		if err := w.writeBytes(scratch[:4]); err != nil {
			return err
		}
	}
	if err := w.writeZeros(8); err != nil {
		return err
	}

	end := make([]byte, 120)
	release := fmt.Sprintf("%d.%04dM0", w.version/10000, w.version%10000)
	copy(end[0:8], release)
	end[7] = '0'
	copy(end[8:24], "W32_VSPRO")
	if err := w.writeBytes(end); err != nil {
		return err
	}
	return w.writeZeros(hinfo.headerSize - int(w.bytesWritten))
}

// sasEmitMetaPages packs the subheaders onto meta pages: pointers grow
// forward from the page header, subheader data grows backward from the
// page end.
func sasEmitMetaPages(w *Writer, hinfo *sasHeaderInfo, subheaders []*sasSubheader) error {
	le := binary.LittleEndian
	page := make([]byte, sasPageSize)
	written := 0

	for written < len(subheaders) {
		for i := range page {
			page[i] = 0
		}
		count := 0
		dataOffset := hinfo.pageSize
		ptrOffset := hinfo.pageHeaderSize
		ptrSize := hinfo.subheaderPointerSize

		le.PutUint16(page[hinfo.pageHeaderSize-8:], sasPageTypeMeta)

		for written < len(subheaders) &&
			len(subheaders[written].data)+ptrSize <= dataOffset-ptrOffset {
			subheader := subheaders[written]
			signature := subheader.signature

			if hinfo.u64 {
				le.PutUint64(page[ptrOffset:], uint64(dataOffset-len(subheader.data)))
				le.PutUint64(page[ptrOffset+8:], uint64(len(subheader.data)))
				if sasSubheaderTypeA(signature) {
					page[ptrOffset+17] = 1
				}
				if signature >= 0xFF000000 {
					le.PutUint64(subheader.data[0:], uint64(int64(int32(signature))))
				} else {
					le.PutUint32(subheader.data[0:], signature)
				}
			} else {
				le.PutUint32(page[ptrOffset:], uint32(dataOffset-len(subheader.data)))
				le.PutUint32(page[ptrOffset+4:], uint32(len(subheader.data)))
				if sasSubheaderTypeA(signature) {
					page[ptrOffset+9] = 1
				}
				le.PutUint32(subheader.data[0:], signature)
			}
			ptrOffset += ptrSize

			dataOffset -= len(subheader.data)
			copy(page[dataOffset:], subheader.data)

			written++
			count++
		}
		if count == 0 {
			return xerrors.Errorf("subheader of %d bytes does not fit on a page: %w",
				len(subheaders[written].data), ErrValueOutOfRange)
		}
		if hinfo.u64 {
			le.PutUint16(page[34:], uint16(count))
			le.PutUint16(page[36:], uint16(count))
		} else {
			le.PutUint16(page[18:], uint16(count))
			le.PutUint16(page[20:], uint16(count))
		}
		if err := w.writeBytes(page); err != nil {
			return err
		}
	}
	return nil
}

// sasFillPage pads the output with zeros to the next page boundary.
func sasFillPage(w *Writer, hinfo *sasHeaderInfo) error {
	if partial := (w.bytesWritten - int64(hinfo.headerSize)) % int64(hinfo.pageSize); partial != 0 {
		return w.writeZeros(int(int64(hinfo.pageSize) - partial))
	}
	return nil
}

func (d *sasDialect) beginData(w *Writer) error {
	hinfo := newSASHeaderInfo(w)
	subheaders, err := sasSubheaders(w, hinfo)
	if err != nil {
		return err
	}

	hinfo.pageCount = sasCountMetaPages(hinfo, subheaders) + sasCountDataPages(w, hinfo)

	if err := sasEmitHeader(w, hinfo); err != nil {
		return err
	}
	if err := sasEmitMetaPages(w, hinfo, subheaders); err != nil {
		return err
	}
	d.hinfo = hinfo
	return nil
}

func (d *sasDialect) endData(w *Writer) error {
	return sasFillPage(w, d.hinfo)
}

func (d *sasDialect) writeRow(w *Writer, row []byte) error {
	hinfo := d.hinfo
	rowsPerPage := sasRowsPerPage(w, hinfo)
	if rowsPerPage == 0 {
		return xerrors.Errorf("no rows fit on a data page: %w", ErrRowCountMismatch)
	}

	if w.currentRow%rowsPerPage == 0 {
		if err := sasFillPage(w, hinfo); err != nil {
			return err
		}
		pageRowCount := w.rowCount - w.currentRow
		if pageRowCount > rowsPerPage {
			pageRowCount = rowsPerPage
		}
		header := make([]byte, hinfo.pageHeaderSize)
		binary.LittleEndian.PutUint16(header[hinfo.pageHeaderSize-8:], sasPageTypeData)
		binary.LittleEndian.PutUint16(header[hinfo.pageHeaderSize-6:], uint16(pageRowCount))
		if err := w.writeBytes(header); err != nil {
			return err
		}
	}
	return w.writeBytes(row)
}

func (d *sasDialect) writeDouble(cell []byte, v *Variable, val float64) error {
	binary.LittleEndian.PutUint64(cell, math.Float64bits(val))
	return nil
}

func (d *sasDialect) writeFloat(cell []byte, v *Variable, val float32) error {
	return d.writeDouble(cell, v, float64(val))
}

func (d *sasDialect) writeInt32(cell []byte, v *Variable, val int32) error {
	return d.writeDouble(cell, v, float64(val))
}

func (d *sasDialect) writeInt16(cell []byte, v *Variable, val int16) error {
	return d.writeDouble(cell, v, float64(val))
}

func (d *sasDialect) writeInt8(cell []byte, v *Variable, val int8) error {
	return d.writeDouble(cell, v, float64(val))
}

func (d *sasDialect) writeMissingTaggedRaw(cell []byte, tag byte) error {
	binary.LittleEndian.PutUint64(cell, sasTaggedMissingBits(tag))
	return nil
}

func (d *sasDialect) writeMissingTagged(cell []byte, v *Variable, tag byte) error {
	if tag < 'a' || tag > 'z' {
		return xerrors.Errorf("variable %s: missing value tag %q: %w", v.Name, tag, ErrValueOutOfRange)
	}
	return d.writeMissingTaggedRaw(cell, tag)
}

func (d *sasDialect) writeMissingNumber(cell []byte, v *Variable) error {
	return d.writeMissingTaggedRaw(cell, 0)
}

func (d *sasDialect) writeString(cell []byte, v *Variable, val string) error {
	n := copy(cell, val)
	for i := n; i < len(cell); i++ {
		cell[i] = 0
	}
	return nil
}

func (d *sasDialect) writeMissingString(cell []byte, v *Variable) error {
	return d.writeString(cell, v, "")
}
