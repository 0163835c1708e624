package readstat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// sasHeader is the decoded file header shared by the data file and the
// catalog dialects.
type sasHeader struct {
	order      binary.ByteOrder
	u64        bool
	headerSize int64
	pageSize   int64
	pageCount  int64
	encoding   byte
	fileLabel  string
	creation   time.Time
	release    int

	pageHeaderSize       int
	subheaderPointerSize int
}

func (h *sasHeader) signatureLen() int {
	if h.u64 {
		return 8
	}
	return 4
}

// parseSASHeader decodes the 1024-byte header region and positions r
// at the first page.
func parseSASHeader(r io.ReadSeeker, catalog bool) (*sasHeader, error) {
	raw := make([]byte, sasHeaderSize)
	if err := readFull(r, raw); err != nil {
		return nil, err
	}
	magicOK := bytes.Equal(raw[0:32], sas7bdatMagic[:])
	if catalog {
		magicOK = magicOK || bytes.Equal(raw[0:32], sas7bcatMagic[:])
	}
	if !magicOK {
		return nil, xerrors.Errorf("bad magic number: %w", ErrParse)
	}

	h := &sasHeader{}
	h.u64 = raw[32] == sasAlignmentOffset4
	pad1 := 0
	if raw[35] == sasAlignmentOffset4 {
		pad1 = 4
	}
	switch raw[37] {
	case sasEndianLittle:
		h.order = binary.LittleEndian
	case sasEndianBig:
		h.order = binary.BigEndian
	default:
		return nil, xerrors.Errorf("bad endianness byte 0x%02x: %w", raw[37], ErrParse)
	}
	h.encoding = raw[70]
	h.fileLabel = trimSASString(raw[92:156])

	off := 164 + pad1
	creation := math.Float64frombits(h.order.Uint64(raw[off:]))
	// Splitting off the fraction keeps second-level precision for
	// timestamps far from the 1960 epoch.
	sec, frac := math.Modf(creation)
	h.creation = sasEpoch.Add(time.Duration(sec)*time.Second + time.Duration(frac*float64(time.Second)))
	off += 8 // modification timestamp
	off += 8
	off += 16
	h.headerSize = int64(h.order.Uint32(raw[off:]))
	h.pageSize = int64(h.order.Uint32(raw[off+4:]))
	off += 8
	if h.u64 {
		h.pageCount = int64(h.order.Uint64(raw[off:]))
		off += 8
	} else {
		h.pageCount = int64(h.order.Uint32(raw[off:]))
		off += 4
	}
	off += 8
	if off+8 <= len(raw) {
		release := trimSASString(raw[off : off+8])
		fmt.Sscanf(release, "%d.", &h.release)
	}

	if h.headerSize < sasHeaderSize || h.headerSize > 1<<20 {
		return nil, xerrors.Errorf("header size %d: %w", h.headerSize, ErrParse)
	}
	if h.pageSize < 512 || h.pageSize > 1<<24 {
		return nil, xerrors.Errorf("page size %d: %w", h.pageSize, ErrParse)
	}
	if h.pageCount < 0 || h.pageCount > 1<<40 {
		return nil, xerrors.Errorf("page count %d: %w", h.pageCount, ErrParse)
	}
	if h.u64 {
		h.pageHeaderSize = sasPageHeaderSize64
		h.subheaderPointerSize = sasSubheaderPointerSize64
	} else {
		h.pageHeaderSize = sasPageHeaderSize32
		h.subheaderPointerSize = sasSubheaderPointerSize32
	}
	if _, err := r.Seek(h.headerSize, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrIO)
	}
	return h, nil
}

func trimSASString(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

type sasColumnAttr struct {
	offset int64
	width  int
	typ    byte
}

type sasRef struct {
	index  int
	offset int
	length int
}

type sas7bdatReader struct {
	p   *Parser
	r   io.ReadSeeker
	hdr *sasHeader

	fileSize int64

	rowLength     int64
	totalRowCount int64
	parsedRows    int64
	colCount      int

	textPools  [][]byte
	nameRefs   []sasRef
	attrs      []sasColumnAttr
	formatRefs []sasRef
	labelRefs  []sasRef

	vars      []*Variable
	finalized bool
}

func (p *Parser) parseSAS7BDAT(r io.ReadSeeker) error {
	size, err := sourceSize(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	hdr, err := parseSASHeader(r, false)
	if err != nil {
		return err
	}
	s := &sas7bdatReader{p: p, r: r, hdr: hdr, fileSize: size}

	page := make([]byte, hdr.pageSize)
	for i := int64(0); i < hdr.pageCount; i++ {
		if _, err := r.Seek(hdr.headerSize+i*hdr.pageSize, io.SeekStart); err != nil {
			return xerrors.Errorf("%v: %w", err, ErrIO)
		}
		if err := readFull(r, page); err != nil {
			return err
		}
		if err := s.parsePage(page); err != nil {
			return err
		}
		if err := p.update(r, size); err != nil {
			return err
		}
	}
	if !s.finalized {
		if err := s.finalize(); err != nil {
			return err
		}
	}
	if s.parsedRows != s.totalRowCount {
		return xerrors.Errorf("declared %d rows, found %d: %w", s.totalRowCount, s.parsedRows, ErrRowCountMismatch)
	}
	return nil
}

func (s *sas7bdatReader) parsePage(page []byte) error {
	phs := s.hdr.pageHeaderSize
	pageType := s.hdr.order.Uint16(page[phs-8:])
	switch {
	case pageType == sasPageTypeMeta || pageType == sasPageTypeAMD:
		_, err := s.parseSubheaders(page)
		return err
	case pageType&sasPageTypeMix != 0:
		count, err := s.parseSubheaders(page)
		if err != nil {
			return err
		}
		// The block count at phs-6 covers subheaders and rows alike.
		declared := int64(s.hdr.order.Uint16(page[phs-6:])) - int64(count)
		start := phs + count*s.hdr.subheaderPointerSize
		start = (start + 7) / 8 * 8
		return s.parseRows(page, start, declared)
	case pageType&sasPageTypeData != 0:
		declared := int64(s.hdr.order.Uint16(page[phs-6:]))
		return s.parseRows(page, phs, declared)
	default:
		s.p.diag(fmt.Sprintf("skipping page of unknown type 0x%04x", pageType))
		return nil
	}
}

// parseSubheaders walks the pointer table of a meta-bearing page and
// dispatches each subheader by signature, returning the pointer count.
func (s *sas7bdatReader) parseSubheaders(page []byte) (int, error) {
	order := s.hdr.order
	phs := s.hdr.pageHeaderSize
	ptrSize := s.hdr.subheaderPointerSize
	count := int(order.Uint16(page[phs-4:]))
	if phs+count*ptrSize > len(page) {
		return 0, xerrors.Errorf("subheader pointers overflow the page: %w", ErrParse)
	}
	for i := 0; i < count; i++ {
		ptr := page[phs+i*ptrSize:]
		var offset, length int64
		var compression byte
		if s.hdr.u64 {
			offset = int64(order.Uint64(ptr))
			length = int64(order.Uint64(ptr[8:]))
			compression = ptr[16]
		} else {
			offset = int64(order.Uint32(ptr))
			length = int64(order.Uint32(ptr[4:]))
			compression = ptr[8]
		}
		if length == 0 || compression == 1 {
			continue
		}
		if compression != 0 {
			return 0, xerrors.Errorf("compressed subheader (code %d): %w", compression, ErrUnsupportedFormat)
		}
		if offset < 0 || offset+length > int64(len(page)) {
			return 0, xerrors.Errorf("subheader outside its page: %w", ErrParse)
		}
		if err := s.parseSubheader(page[offset : offset+length]); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (s *sas7bdatReader) parseSubheader(data []byte) error {
	if len(data) < 4 {
		return xerrors.Errorf("runt subheader: %w", ErrParse)
	}
	order := s.hdr.order
	sigLen := s.hdr.signatureLen()
	signature := order.Uint32(data)
	if s.hdr.u64 && signature == 0xFFFFFFFF && len(data) >= 8 {
		// Sign-extended 64-bit signature: one of its words is the
		// extension 0xFFFFFFFF, the other the signature proper.
		// COLUMN_NAME is 0xFFFFFFFF in both words, so this stays
		// correct for it.
		signature = order.Uint32(data[4:])
	}
	switch signature {
	case sasSubheaderSignatureRowSize:
		if s.hdr.u64 {
			if len(data) < 112 {
				return xerrors.Errorf("short row size subheader: %w", ErrParse)
			}
			s.rowLength = int64(order.Uint64(data[40:]))
			s.totalRowCount = int64(order.Uint64(data[48:]))
		} else {
			if len(data) < 56 {
				return xerrors.Errorf("short row size subheader: %w", ErrParse)
			}
			s.rowLength = int64(order.Uint32(data[20:]))
			s.totalRowCount = int64(order.Uint32(data[24:]))
		}
		if s.rowLength < 0 || s.rowLength > s.hdr.pageSize {
			return xerrors.Errorf("row length %d: %w", s.rowLength, ErrParse)
		}
	case sasSubheaderSignatureColumnSize:
		var count int64
		if s.hdr.u64 {
			count = int64(order.Uint64(data[8:]))
		} else {
			count = int64(order.Uint32(data[4:]))
		}
		if count < 0 || count > 1<<20 {
			return xerrors.Errorf("column count %d: %w", count, ErrOutOfMemory)
		}
		s.colCount = int(count)
	case sasSubheaderSignatureColumnText:
		s.textPools = append(s.textPools, append([]byte(nil), data[sigLen:]...))
	case sasSubheaderSignatureColumnName:
		base := sigLen + 8
		for off := base; off+8 <= len(data)-(sigLen+4); off += 8 {
			s.nameRefs = append(s.nameRefs, sasRef{
				index:  int(order.Uint16(data[off:])),
				offset: int(order.Uint16(data[off+2:])),
				length: int(order.Uint16(data[off+4:])),
			})
		}
	case sasSubheaderSignatureColumnAttrs:
		base := sigLen + 8
		entry := 12
		if s.hdr.u64 {
			entry = 16
		}
		for off := base; off+entry <= len(data)-(sigLen+4); off += entry {
			var attr sasColumnAttr
			p := off
			if s.hdr.u64 {
				attr.offset = int64(order.Uint64(data[p:]))
				p += 8
			} else {
				attr.offset = int64(order.Uint32(data[p:]))
				p += 4
			}
			attr.width = int(order.Uint32(data[p:]))
			attr.typ = data[p+6]
			s.attrs = append(s.attrs, attr)
		}
	case sasSubheaderSignatureColumnFormat:
		formatOffset, labelOffset := 34, 40
		if s.hdr.u64 {
			formatOffset, labelOffset = 46, 52
		}
		if len(data) < labelOffset+6 {
			return xerrors.Errorf("short column format subheader: %w", ErrParse)
		}
		s.formatRefs = append(s.formatRefs, sasRef{
			index:  int(order.Uint16(data[formatOffset:])),
			offset: int(order.Uint16(data[formatOffset+2:])),
			length: int(order.Uint16(data[formatOffset+4:])),
		})
		s.labelRefs = append(s.labelRefs, sasRef{
			index:  int(order.Uint16(data[labelOffset:])),
			offset: int(order.Uint16(data[labelOffset+2:])),
			length: int(order.Uint16(data[labelOffset+4:])),
		})
	case sasSubheaderSignatureCounts, sasSubheaderSignatureColumnList:
		// Not needed to reconstruct the schema.
	}
	return nil
}

// lookupText resolves a text ref against the column text pools.
func (s *sas7bdatReader) lookupText(ref sasRef) string {
	if ref.length == 0 || ref.index >= len(s.textPools) {
		return ""
	}
	pool := s.textPools[ref.index]
	if ref.offset+ref.length > len(pool) {
		return ""
	}
	return trimSASString(pool[ref.offset : ref.offset+ref.length])
}

// finalize reconciles the collected subheaders into the variable list
// and emits the info, metadata and variable events.
func (s *sas7bdatReader) finalize() error {
	s.finalized = true
	if s.colCount != len(s.attrs) || s.colCount != len(s.nameRefs) {
		return xerrors.Errorf("column size %d does not match %d attributes and %d names: %w",
			s.colCount, len(s.attrs), len(s.nameRefs), ErrParse)
	}
	if err := s.p.callInfo(int(s.totalRowCount), s.colCount); err != nil {
		return err
	}
	if err := s.p.callMetadata(s.hdr.fileLabel, s.hdr.creation, s.hdr.release); err != nil {
		return err
	}
	for i := 0; i < s.colCount; i++ {
		v := &Variable{
			Index:        i,
			Name:         s.lookupText(s.nameRefs[i]),
			StorageWidth: s.attrs[i].width,
		}
		if s.attrs[i].typ == sasColumnTypeChr {
			v.Type = TypeString
		} else {
			v.Type = TypeDouble
			v.StorageWidth = 8
		}
		if i < len(s.formatRefs) {
			v.Format = s.lookupText(s.formatRefs[i])
			v.Label = s.lookupText(s.labelRefs[i])
		}
		v.ValueLabelSet = sasLabelSetForFormat(v.Format)
		s.vars = append(s.vars, v)
		if err := s.p.callVariable(i, v, v.ValueLabelSet); err != nil {
			return err
		}
	}
	return nil
}

// sasLabelSetForFormat maps a display format to the catalog label set
// it refers to: the bare format name without width or decimals.
func sasLabelSetForFormat(format string) string {
	name := strings.TrimRight(format, ".0123456789")
	return name
}

func (s *sas7bdatReader) parseRows(page []byte, start int, declared int64) error {
	if !s.finalized {
		if err := s.finalize(); err != nil {
			return err
		}
	}
	if declared < 0 {
		declared = 0
	}
	if s.rowLength <= 0 {
		if declared == 0 {
			return nil
		}
		return xerrors.Errorf("rows without a row size subheader: %w", ErrParse)
	}
	capacity := (int64(len(page)) - int64(start)) / s.rowLength
	n := declared
	if n > capacity {
		n = capacity
	}
	if remaining := s.totalRowCount - s.parsedRows; n > remaining {
		n = remaining
	}
	for i := int64(0); i < n; i++ {
		row := page[int64(start)+i*s.rowLength:]
		if err := s.emitRow(row[:s.rowLength]); err != nil {
			return err
		}
		s.parsedRows++
	}
	return nil
}

func (s *sas7bdatReader) emitRow(row []byte) error {
	for i, v := range s.vars {
		attr := s.attrs[i]
		if attr.offset+int64(attr.width) > int64(len(row)) {
			return xerrors.Errorf("column %s outside its row: %w", v.Name, ErrParse)
		}
		cell := row[attr.offset : attr.offset+int64(attr.width)]
		var value Value
		if attr.typ == sasColumnTypeChr {
			value = StringValue(trimSASString(cell))
		} else {
			value = s.decodeNumeric(cell)
		}
		if err := s.p.callValue(int(s.parsedRows), i, value); err != nil {
			return err
		}
	}
	return nil
}

// decodeNumeric widens a 3..8 byte numeric cell to a full double and
// classifies tagged-missing NaN payloads.
func (s *sas7bdatReader) decodeNumeric(cell []byte) Value {
	var full [8]byte
	if len(cell) >= 8 {
		copy(full[:], cell[:8])
	} else if s.hdr.order == binary.LittleEndian {
		copy(full[8-len(cell):], cell)
	} else {
		copy(full[:], cell)
	}
	bits := s.hdr.order.Uint64(full[:])
	if tag, missing := sasMissingTag(bits); missing {
		if tag == 0 {
			return SystemMissingValue()
		}
		return TaggedMissingValue(tag)
	}
	return DoubleValue(math.Float64frombits(bits))
}
