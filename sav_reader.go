package readstat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/xerrors"
)

const (
	savRecordTypeVariable        = 2
	savRecordTypeValueLabel      = 3
	savRecordTypeValueLabelVars  = 4
	savRecordTypeDocument        = 6
	savRecordTypeExtension       = 7
	savRecordTypeDictTermination = 999

	savExtensionMachineInteger = 3
	savExtensionMachineFloat   = 4
	savExtensionLongNames      = 13
	savExtensionNCasesInt64    = 16
	savExtensionEncoding       = 20

	savCompressionNone     = 0
	savCompressionBytecode = 1
	savCompressionZlib     = 2
)

// savLowest is the default system-missing value, the most negative
// finite double.
var savLowest = -math.MaxFloat64

type savDictSlot struct {
	varIndex int // -1 for string continuation slots
}

type savReader struct {
	p     *Parser
	r     io.ReadSeeker
	order binary.ByteOrder

	size     int64
	pos      int64
	reported int64

	compression int
	weightIndex int
	ncases      int64
	bias        float64
	sysmis      float64

	fileLabel string
	creation  time.Time
	encoding  string

	vars     []*Variable
	widths   []int // 0 = numeric, else string width
	segments []int // 8-byte elements per variable
	slots    []savDictSlot
	pending  []savPendingLabel
	labelSet int
}

type savPendingLabel struct {
	raw   [8]byte
	label string
}

func (p *Parser) parseSAV(r io.ReadSeeker) error {
	size, err := sourceSize(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	s := &savReader{p: p, r: r, size: size, order: binary.LittleEndian, sysmis: savLowest, ncases: -1}
	return s.parse()
}

func (s *savReader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(s.r, buf); err != nil {
		return nil, err
	}
	s.pos += int64(n)
	if s.pos-s.reported >= 64*1024 {
		s.reported = s.pos
		if err := s.p.progressAt(s.pos, s.size); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (s *savReader) int32() (int32, error) {
	b, err := s.read(4)
	if err != nil {
		return 0, err
	}
	return int32(s.order.Uint32(b)), nil
}

func (s *savReader) double() (float64, error) {
	b, err := s.read(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(s.order.Uint64(b)), nil
}

func (s *savReader) parse() error {
	magic, err := s.read(4)
	if err != nil {
		return err
	}
	zsav := false
	switch string(magic) {
	case "$FL2":
	case "$FL3":
		zsav = true
	default:
		return xerrors.Errorf("bad magic %q: %w", magic, ErrParse)
	}
	if _, err := s.read(60); err != nil { // product identification
		return err
	}
	layout, err := s.int32()
	if err != nil {
		return err
	}
	if layout != 2 && layout != 3 {
		// The layout code is the endianness probe.
		swapped := int32(binary.BigEndian.Uint32([]byte{
			byte(layout), byte(layout >> 8), byte(layout >> 16), byte(layout >> 24),
		}))
		if swapped != 2 && swapped != 3 {
			return xerrors.Errorf("layout code %d: %w", layout, ErrParse)
		}
		s.order = binary.BigEndian
	}
	if _, err := s.int32(); err != nil { // nominal case size
		return err
	}
	compression, err := s.int32()
	if err != nil {
		return err
	}
	s.compression = int(compression)
	if zsav && s.compression != savCompressionZlib {
		return xerrors.Errorf("$FL3 without zlib compression: %w", ErrParse)
	}
	weight, err := s.int32()
	if err != nil {
		return err
	}
	s.weightIndex = int(weight)
	ncases, err := s.int32()
	if err != nil {
		return err
	}
	s.ncases = int64(ncases)
	if s.bias, err = s.double(); err != nil {
		return err
	}
	stamp, err := s.read(9 + 8)
	if err != nil {
		return err
	}
	label, err := s.read(64)
	if err != nil {
		return err
	}
	s.fileLabel = strings.TrimRight(string(label), " \x00")
	if _, err := s.read(3); err != nil { // padding
		return err
	}
	s.creation = savParseTimestamp(string(stamp[:9]), string(stamp[9:]))

	longNames := ""
	for {
		recType, err := s.int32()
		if err != nil {
			return err
		}
		switch recType {
		case savRecordTypeVariable:
			if err := s.readVariableRecord(); err != nil {
				return err
			}
		case savRecordTypeValueLabel:
			if err := s.readValueLabelRecord(); err != nil {
				return err
			}
		case savRecordTypeValueLabelVars:
			if err := s.applyValueLabelRecord(); err != nil {
				return err
			}
		case savRecordTypeDocument:
			lines, err := s.int32()
			if err != nil {
				return err
			}
			if lines < 0 || lines > 1<<20 {
				return xerrors.Errorf("%d document lines: %w", lines, ErrParse)
			}
			if _, err := s.read(int(lines) * 80); err != nil {
				return err
			}
		case savRecordTypeExtension:
			names, err := s.readExtensionRecord()
			if err != nil {
				return err
			}
			if names != "" {
				longNames = names
			}
		case savRecordTypeDictTermination:
			if _, err := s.int32(); err != nil {
				return err
			}
			return s.readData(longNames)
		default:
			return xerrors.Errorf("record type %d: %w", recType, ErrParse)
		}
	}
}

func savParseTimestamp(date, clock string) time.Time {
	stamp := strings.TrimSpace(date) + " " + strings.TrimSpace(clock)
	for _, layout := range []string{"02 Jan 06 15:04:05", "2 Jan 06 15:04:05"} {
		if t, err := time.ParseInLocation(layout, stamp, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

func (s *savReader) readVariableRecord() error {
	typ, err := s.int32()
	if err != nil {
		return err
	}
	hasLabel, err := s.int32()
	if err != nil {
		return err
	}
	nMissing, err := s.int32()
	if err != nil {
		return err
	}
	printFmt, err := s.int32()
	if err != nil {
		return err
	}
	if _, err := s.int32(); err != nil { // write format
		return err
	}
	name, err := s.read(8)
	if err != nil {
		return err
	}

	label := ""
	if hasLabel != 0 {
		n, err := s.int32()
		if err != nil {
			return err
		}
		if n < 0 || n > 1<<16 {
			return xerrors.Errorf("variable label of %d bytes: %w", n, ErrParse)
		}
		padded := (int(n) + 3) / 4 * 4
		b, err := s.read(padded)
		if err != nil {
			return err
		}
		label = strings.TrimRight(string(b[:n]), " ")
	}
	if nMissing != 0 {
		// Per-variable missing declarations (values or ranges) are
		// consumed; the event vocabulary has no slot for them.
		count := int(nMissing)
		if count < 0 {
			count = -count
		}
		if count > 3 {
			return xerrors.Errorf("%d missing value specifiers: %w", count, ErrParse)
		}
		for i := 0; i < count; i++ {
			if _, err := s.double(); err != nil {
				return err
			}
		}
	}

	if typ == -1 {
		s.slots = append(s.slots, savDictSlot{varIndex: -1})
		return nil
	}
	if typ < 0 || typ > 255 {
		return xerrors.Errorf("variable type %d: %w", typ, ErrParse)
	}
	v := &Variable{
		Index:  len(s.vars),
		Name:   strings.TrimRight(string(name), " \x00"),
		Label:  label,
		Format: savFormatString(uint32(printFmt), int(typ)),
	}
	if typ == 0 {
		v.Type = TypeDouble
		v.StorageWidth = 8
	} else {
		v.Type = TypeString
		v.StorageWidth = int(typ)
	}
	s.slots = append(s.slots, savDictSlot{varIndex: len(s.vars)})
	s.vars = append(s.vars, v)
	s.widths = append(s.widths, int(typ))
	seg := 1
	if typ > 0 {
		seg = (int(typ) + 7) / 8
	}
	s.segments = append(s.segments, seg)
	return nil
}

var savFormatNames = map[int]string{
	1: "A", 2: "AHEX", 3: "COMMA", 4: "DOLLAR", 5: "F", 6: "IB",
	7: "PIBHEX", 8: "P", 9: "PIB", 10: "PK", 11: "RB", 12: "RBHEX",
	15: "Z", 16: "N", 17: "E", 20: "DATE", 21: "TIME", 22: "DATETIME",
	23: "ADATE", 24: "JDATE", 25: "DTIME", 26: "WKDAY", 27: "MONTH",
	28: "MOYR", 29: "QYR", 30: "WKYR", 31: "PCT", 32: "DOT",
	38: "EDATE", 39: "SDATE",
}

// savFormatString renders the packed print format as a format string
// like F8.2 or A20.
func savFormatString(packed uint32, width int) string {
	decimals := int(packed & 0xFF)
	w := int(packed >> 8 & 0xFF)
	typ := int(packed >> 16 & 0xFF)
	name, ok := savFormatNames[typ]
	if !ok {
		return ""
	}
	if name == "A" {
		return fmt.Sprintf("A%d", width)
	}
	if decimals > 0 {
		return fmt.Sprintf("%s%d.%d", name, w, decimals)
	}
	return fmt.Sprintf("%s%d", name, w)
}

func (s *savReader) readValueLabelRecord() error {
	count, err := s.int32()
	if err != nil {
		return err
	}
	if count < 0 || count > 1<<16 {
		return xerrors.Errorf("%d value labels: %w", count, ErrParse)
	}
	s.pending = s.pending[:0]
	for i := 0; i < int(count); i++ {
		raw, err := s.read(8)
		if err != nil {
			return err
		}
		lenByte, err := s.read(1)
		if err != nil {
			return err
		}
		n := int(lenByte[0])
		padded := (n+1+7)/8*8 - 1
		b, err := s.read(padded)
		if err != nil {
			return err
		}
		var entry savPendingLabel
		copy(entry.raw[:], raw)
		entry.label = strings.TrimRight(string(b[:n]), " ")
		s.pending = append(s.pending, entry)
	}
	return nil
}

// applyValueLabelRecord joins the pending labels with the variables
// record that follows them and emits the set.
func (s *savReader) applyValueLabelRecord() error {
	count, err := s.int32()
	if err != nil {
		return err
	}
	if count < 1 || count > int32(len(s.slots)) {
		return xerrors.Errorf("value label record references %d variables: %w", count, ErrParse)
	}
	numeric := true
	seen := false
	for i := 0; i < int(count); i++ {
		dictIndex, err := s.int32()
		if err != nil {
			return err
		}
		if dictIndex < 1 || int(dictIndex) > len(s.slots) {
			return xerrors.Errorf("value label variable index %d: %w", dictIndex, ErrParse)
		}
		slot := s.slots[dictIndex-1]
		if slot.varIndex < 0 {
			continue
		}
		v := s.vars[slot.varIndex]
		if !seen {
			numeric = v.Type.IsNumeric()
			seen = true
		}
		v.ValueLabelSet = fmt.Sprintf("labels%d", s.labelSet)
	}
	name := fmt.Sprintf("labels%d", s.labelSet)
	s.labelSet++

	for _, entry := range s.pending {
		var key Value
		if numeric {
			d := math.Float64frombits(s.order.Uint64(entry.raw[:]))
			if d == s.sysmis {
				key = SystemMissingValue()
			} else {
				key = DoubleValue(d)
			}
		} else {
			key = StringValue(strings.TrimRight(string(entry.raw[:]), " "))
		}
		if err := s.p.callValueLabel(name, key, entry.label); err != nil {
			return err
		}
	}
	s.pending = s.pending[:0]
	return nil
}

// readExtensionRecord consumes a type 7 subrecord, returning the long
// variable names blob if this was subtype 13.
func (s *savReader) readExtensionRecord() (string, error) {
	subtype, err := s.int32()
	if err != nil {
		return "", err
	}
	elemSize, err := s.int32()
	if err != nil {
		return "", err
	}
	nElems, err := s.int32()
	if err != nil {
		return "", err
	}
	if elemSize < 0 || nElems < 0 || int64(elemSize)*int64(nElems) > 1<<24 {
		return "", xerrors.Errorf("extension record of %d x %d bytes: %w", elemSize, nElems, ErrParse)
	}
	data, err := s.read(int(elemSize) * int(nElems))
	if err != nil {
		return "", err
	}
	switch subtype {
	case savExtensionMachineFloat:
		if len(data) >= 8 {
			s.sysmis = math.Float64frombits(s.order.Uint64(data))
		}
	case savExtensionNCasesInt64:
		if len(data) >= 16 {
			s.ncases = int64(s.order.Uint64(data[8:]))
		}
	case savExtensionLongNames:
		return string(data), nil
	case savExtensionEncoding:
		s.encoding = string(data)
	}
	return "", nil
}

func (s *savReader) applyLongNames(blob string) {
	if blob == "" {
		return
	}
	byShort := make(map[string]*Variable, len(s.vars))
	for _, v := range s.vars {
		byShort[strings.ToUpper(v.Name)] = v
	}
	for _, pair := range strings.Split(blob, "\t") {
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			continue
		}
		if v, ok := byShort[strings.ToUpper(pair[:eq])]; ok {
			v.Name = pair[eq+1:]
		}
	}
}

func (s *savReader) readData(longNames string) error {
	s.applyLongNames(longNames)

	if err := s.p.callInfo(int(s.ncases), len(s.vars)); err != nil {
		return err
	}
	if err := s.p.callMetadata(s.fileLabel, s.creation, 2); err != nil {
		return err
	}
	if s.weightIndex > 0 && s.weightIndex <= len(s.slots) {
		if slot := s.slots[s.weightIndex-1]; slot.varIndex >= 0 {
			if err := s.p.callFWeight(slot.varIndex); err != nil {
				return err
			}
		}
	}
	for i, v := range s.vars {
		if err := s.p.callVariable(i, v, v.ValueLabelSet); err != nil {
			return err
		}
	}

	var elems savElementReader
	switch s.compression {
	case savCompressionNone:
		elems = &savRawElements{s: s}
	case savCompressionBytecode:
		elems = &savBytecodeElements{s: s, next: func() ([]byte, error) { return s.read(8) }}
	case savCompressionZlib:
		raw, err := s.inflate()
		if err != nil {
			return err
		}
		br := bytes.NewReader(raw)
		buf := make([]byte, 8)
		elems = &savBytecodeElements{s: s, next: func() ([]byte, error) {
			if _, err := io.ReadFull(br, buf); err != nil {
				if err == io.EOF || err == io.ErrUnexpectedEOF {
					return nil, io.EOF
				}
				return nil, xerrors.Errorf("%v: %w", err, ErrIO)
			}
			return buf, nil
		}}
	default:
		return xerrors.Errorf("compression code %d: %w", s.compression, ErrUnsupportedFormat)
	}

	str := make([]byte, 0, 256)
	for obs := int64(0); s.ncases < 0 || obs < s.ncases; obs++ {
		for i := range s.vars {
			if s.widths[i] == 0 {
				val, eof, err := elems.numeric()
				if err != nil {
					return err
				}
				if eof {
					if i > 0 || (s.ncases >= 0 && obs < s.ncases) {
						return xerrors.Errorf("file ends mid-case: %w", ErrRowCountMismatch)
					}
					return nil
				}
				if err := s.p.callValue(int(obs), i, val); err != nil {
					return err
				}
				continue
			}
			str = str[:0]
			for seg := 0; seg < s.segments[i]; seg++ {
				b, eof, err := elems.stringSegment()
				if err != nil {
					return err
				}
				if eof {
					return xerrors.Errorf("file ends mid-case: %w", ErrRowCountMismatch)
				}
				str = append(str, b...)
			}
			if len(str) > s.widths[i] {
				str = str[:s.widths[i]]
			}
			value := StringValue(strings.TrimRight(string(str), " \x00"))
			if err := s.p.callValue(int(obs), i, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// inflate reassembles the ZLIB block stream of a $FL3 file. The data
// that comes out is in the byte-code compressed layout.
func (s *savReader) inflate() ([]byte, error) {
	hdr, err := s.read(24)
	if err != nil {
		return nil, err
	}
	ztrailerOfs := int64(s.order.Uint64(hdr[8:]))
	ztrailerLen := int64(s.order.Uint64(hdr[16:]))
	if ztrailerLen < 48 || (ztrailerLen-24)%24 != 0 {
		return nil, xerrors.Errorf("zlib trailer of %d bytes: %w", ztrailerLen, ErrParse)
	}
	if _, err := s.r.Seek(ztrailerOfs, io.SeekStart); err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrIO)
	}
	trailer := make([]byte, ztrailerLen)
	if err := readFull(s.r, trailer); err != nil {
		return nil, err
	}
	nBlocks := int(s.order.Uint32(trailer[20:]))
	if nBlocks <= 0 || int64(24+nBlocks*24) != ztrailerLen {
		return nil, xerrors.Errorf("zlib trailer block count %d: %w", nBlocks, ErrParse)
	}

	var out bytes.Buffer
	var total int64
	for i := 0; i < nBlocks; i++ {
		desc := trailer[24+i*24:]
		compressedOfs := int64(s.order.Uint64(desc[8:]))
		uncompressedSize := int64(s.order.Uint32(desc[16:]))
		compressedSize := int64(s.order.Uint32(desc[20:]))
		total += uncompressedSize
		if total > 1<<31 {
			return nil, xerrors.Errorf("zlib data of %d bytes: %w", total, ErrOutOfMemory)
		}
		if _, err := s.r.Seek(compressedOfs, io.SeekStart); err != nil {
			return nil, xerrors.Errorf("%v: %w", err, ErrIO)
		}
		zr, err := zlib.NewReader(io.LimitReader(s.r, compressedSize))
		if err != nil {
			return nil, xerrors.Errorf("zlib block %d: %v: %w", i, err, ErrParse)
		}
		n, err := io.Copy(&out, zr)
		zr.Close()
		if err != nil {
			return nil, xerrors.Errorf("zlib block %d: %v: %w", i, err, ErrParse)
		}
		if n != uncompressedSize {
			return nil, xerrors.Errorf("zlib block %d inflated to %d of %d bytes: %w", i, n, uncompressedSize, ErrParse)
		}
	}
	return out.Bytes(), nil
}

// savElementReader yields the 8-byte elements of the case stream.
type savElementReader interface {
	numeric() (val Value, eof bool, err error)
	stringSegment() (seg []byte, eof bool, err error)
}

type savRawElements struct {
	s *savReader
}

func (e *savRawElements) next() ([]byte, bool, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(e.s.r, buf); err != nil {
		if err == io.EOF {
			return nil, true, nil
		}
		if err == io.ErrUnexpectedEOF {
			return nil, false, xerrors.Errorf("truncated case data: %w", ErrParse)
		}
		return nil, false, xerrors.Errorf("%v: %w", err, ErrIO)
	}
	e.s.pos += 8
	if e.s.pos-e.s.reported >= 64*1024 {
		e.s.reported = e.s.pos
		if err := e.s.p.progressAt(e.s.pos, e.s.size); err != nil {
			return nil, false, err
		}
	}
	return buf, false, nil
}

func (e *savRawElements) numeric() (Value, bool, error) {
	buf, eof, err := e.next()
	if eof || err != nil {
		return Value{}, eof, err
	}
	d := math.Float64frombits(e.s.order.Uint64(buf))
	if d == e.s.sysmis {
		return SystemMissingValue(), false, nil
	}
	return DoubleValue(d), false, nil
}

func (e *savRawElements) stringSegment() ([]byte, bool, error) {
	return e.next()
}

// savBytecodeElements decodes the command-byte compressed stream:
// commands come in groups of eight, literal elements follow them.
type savBytecodeElements struct {
	s    *savReader
	next func() ([]byte, error)

	commands [8]byte
	idx      int
	done     bool
}

func (e *savBytecodeElements) command() (byte, bool, error) {
	for {
		if e.done {
			return 0, true, nil
		}
		if e.idx == 0 {
			b, err := e.next()
			if err != nil {
				if err == io.EOF {
					e.done = true
					return 0, true, nil
				}
				return 0, false, err
			}
			copy(e.commands[:], b)
		}
		c := e.commands[e.idx]
		e.idx = (e.idx + 1) % 8
		if c == 0 {
			continue // padding
		}
		if c == 252 {
			e.done = true
			return 0, true, nil
		}
		return c, false, nil
	}
}

func (e *savBytecodeElements) numeric() (Value, bool, error) {
	c, eof, err := e.command()
	if eof || err != nil {
		return Value{}, eof, err
	}
	switch c {
	case 253:
		b, err := e.next()
		if err != nil {
			if err == io.EOF {
				return Value{}, false, xerrors.Errorf("missing literal element: %w", ErrParse)
			}
			return Value{}, false, err
		}
		d := math.Float64frombits(e.s.order.Uint64(b))
		if d == e.s.sysmis {
			return SystemMissingValue(), false, nil
		}
		return DoubleValue(d), false, nil
	case 254:
		return Value{}, false, xerrors.Errorf("string element in a numeric column: %w", ErrParse)
	case 255:
		return SystemMissingValue(), false, nil
	default:
		return DoubleValue(float64(c) - e.s.bias), false, nil
	}
}

func (e *savBytecodeElements) stringSegment() ([]byte, bool, error) {
	c, eof, err := e.command()
	if eof || err != nil {
		return nil, eof, err
	}
	switch c {
	case 253:
		b, err := e.next()
		if err != nil {
			if err == io.EOF {
				return nil, false, xerrors.Errorf("missing literal element: %w", ErrParse)
			}
			return nil, false, err
		}
		seg := make([]byte, 8)
		copy(seg, b)
		return seg, false, nil
	case 254:
		return []byte("        "), false, nil
	case 255:
		return []byte("        "), false, nil
	default:
		return nil, false, xerrors.Errorf("numeric element in a string column: %w", ErrParse)
	}
}
