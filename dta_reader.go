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

// Normalized variable type codes, following the modern dialect. Older
// typlists are translated into these on read.
const (
	dtaTypeDouble  = 65526
	dtaTypeFloat   = 65527
	dtaTypeInt32   = 65528
	dtaTypeInt16   = 65529
	dtaTypeInt8    = 65530
	dtaTypeStrL    = 32768
	dtaMaxStrWidth = 2045
)

// Tagged-missing bases per storage type. Index 0 is the system missing
// value, 1..26 the tags 'a'..'z'.
const (
	dtaMissingInt8   = 101
	dtaMissingInt16  = 32741
	dtaMissingInt32  = 2147483621
	dtaMissingFloat  = 0x7F000000
	dtaMissingDouble = 0x7FE0000000000000

	dtaMissingFloatStep  = 0x800
	dtaMissingDoubleStep = 1 << 40
)

type dtaReader struct {
	p     *Parser
	r     io.ReadSeeker
	order binary.ByteOrder

	size     int64
	pos      int64
	reported int64

	version int
	nvar    int
	nobs    int64

	fileLabel string
	timestamp string

	// Per-version field geometry.
	nameLen   int
	fmtLen    int
	vlabelLen int

	types []uint16
	vars  []*Variable
	strls map[string]string
}

func (p *Parser) parseDTA(r io.ReadSeeker) error {
	size, err := sourceSize(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	d := &dtaReader{p: p, r: r, size: size, order: binary.LittleEndian}

	first := make([]byte, 1)
	if err := readFull(r, first); err != nil {
		return err
	}
	d.pos = 1
	if first[0] == '<' {
		return d.parseModern()
	}
	return d.parseClassic(int(first[0]))
}

func (d *dtaReader) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := readFull(d.r, buf); err != nil {
		return nil, err
	}
	d.pos += int64(n)
	if d.pos-d.reported >= 64*1024 {
		d.reported = d.pos
		if err := d.p.progressAt(d.pos, d.size); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func (d *dtaReader) skip(n int64) error {
	if _, err := d.r.Seek(n, io.SeekCurrent); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	d.pos += n
	return nil
}

func (d *dtaReader) uint16() (uint16, error) {
	b, err := d.read(2)
	if err != nil {
		return 0, err
	}
	return d.order.Uint16(b), nil
}

func (d *dtaReader) uint32() (uint32, error) {
	b, err := d.read(4)
	if err != nil {
		return 0, err
	}
	return d.order.Uint32(b), nil
}

func (d *dtaReader) uint64() (uint64, error) {
	b, err := d.read(8)
	if err != nil {
		return 0, err
	}
	return d.order.Uint64(b), nil
}

// expect consumes exactly the literal tag, failing the parse when the
// file diverges.
func (d *dtaReader) expect(tag string) error {
	b, err := d.read(len(tag))
	if err != nil {
		return err
	}
	if string(b) != tag {
		return xerrors.Errorf("expected %q, found %q: %w", tag, b, ErrParse)
	}
	return nil
}

func dtaTrimString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func dtaParseTimestamp(stamp string) time.Time {
	stamp = strings.TrimSpace(stamp)
	for _, layout := range []string{"2 Jan 2006 15:04", "02 Jan 2006 15:04"} {
		if t, err := time.ParseInLocation(layout, stamp, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseClassic handles the fixed binary layouts, versions 104..115.
func (d *dtaReader) parseClassic(version int) error {
	if version < 104 || version > 115 {
		return xerrors.Errorf("dta release %d: %w", version, ErrUnsupportedFileFormatVersion)
	}
	d.version = version

	hdr, err := d.read(3)
	if err != nil {
		return err
	}
	switch hdr[0] {
	case 0x01:
		d.order = binary.BigEndian
	case 0x02:
		d.order = binary.LittleEndian
	default:
		return xerrors.Errorf("byte order 0x%02x: %w", hdr[0], ErrParse)
	}
	if hdr[1] != 0x01 {
		return xerrors.Errorf("file type 0x%02x: %w", hdr[1], ErrParse)
	}

	nvar, err := d.uint16()
	if err != nil {
		return err
	}
	d.nvar = int(nvar)
	nobs, err := d.uint32()
	if err != nil {
		return err
	}
	d.nobs = int64(int32(nobs))

	labelLen := 32
	if version >= 108 {
		labelLen = 81
	}
	label, err := d.read(labelLen)
	if err != nil {
		return err
	}
	d.fileLabel = dtaTrimString(label)
	if version >= 105 {
		stamp, err := d.read(18)
		if err != nil {
			return err
		}
		d.timestamp = dtaTrimString(stamp)
	}

	d.nameLen = 9
	d.fmtLen = 12
	d.vlabelLen = 81
	if version >= 111 {
		d.nameLen = 33
	}
	if version < 105 {
		d.fmtLen = 7
	} else if version >= 114 {
		d.fmtLen = 49
	}
	if version < 106 {
		d.vlabelLen = 32
	}

	if err := d.p.callInfo(int(d.nobs), d.nvar); err != nil {
		return err
	}
	if err := d.p.callMetadata(d.fileLabel, dtaParseTimestamp(d.timestamp), d.version); err != nil {
		return err
	}

	if err := d.readDictionary(); err != nil {
		return err
	}
	if err := d.readExpansionFields(); err != nil {
		return err
	}
	if err := d.readRows(); err != nil {
		return err
	}
	if d.version >= 113 {
		return d.readValueLabels113()
	}
	return nil
}

// readDictionary reads typlist through variable labels and emits the
// variable events.
func (d *dtaReader) readDictionary() error {
	typlist, err := d.read(d.nvar)
	if err != nil {
		return err
	}
	d.types = make([]uint16, d.nvar)
	for i, c := range typlist {
		typ, err := dtaClassicType(d.version, c)
		if err != nil {
			return err
		}
		d.types[i] = typ
	}

	names := make([]string, d.nvar)
	for i := range names {
		b, err := d.read(d.nameLen)
		if err != nil {
			return err
		}
		names[i] = dtaTrimString(b)
	}
	if err := d.skip(int64(2 * (d.nvar + 1))); err != nil { // srtlist
		return err
	}
	formats := make([]string, d.nvar)
	for i := range formats {
		b, err := d.read(d.fmtLen)
		if err != nil {
			return err
		}
		formats[i] = dtaTrimString(b)
	}
	lblNames := make([]string, d.nvar)
	for i := range lblNames {
		b, err := d.read(d.nameLen)
		if err != nil {
			return err
		}
		lblNames[i] = dtaTrimString(b)
	}
	labels := make([]string, d.nvar)
	for i := range labels {
		b, err := d.read(d.vlabelLen)
		if err != nil {
			return err
		}
		labels[i] = dtaTrimString(b)
	}

	for i := 0; i < d.nvar; i++ {
		v := &Variable{
			Index:         i,
			Name:          names[i],
			Label:         labels[i],
			Format:        formats[i],
			ValueLabelSet: lblNames[i],
		}
		v.Type, v.StorageWidth = dtaVariableType(d.types[i])
		d.vars = append(d.vars, v)
		if err := d.p.callVariable(i, v, v.ValueLabelSet); err != nil {
			return err
		}
	}
	return nil
}

func dtaClassicType(version int, c byte) (uint16, error) {
	if version <= 110 {
		switch c {
		case 'b':
			return dtaTypeInt8, nil
		case 'i':
			return dtaTypeInt16, nil
		case 'l':
			return dtaTypeInt32, nil
		case 'f':
			return dtaTypeFloat, nil
		case 'd':
			return dtaTypeDouble, nil
		}
		if c >= 0x80 {
			return uint16(c - 0x7f), nil
		}
		return 0, xerrors.Errorf("variable type 0x%02x: %w", c, ErrParse)
	}
	switch c {
	case 251:
		return dtaTypeInt8, nil
	case 252:
		return dtaTypeInt16, nil
	case 253:
		return dtaTypeInt32, nil
	case 254:
		return dtaTypeFloat, nil
	case 255:
		return dtaTypeDouble, nil
	}
	if c >= 1 && c <= 244 {
		return uint16(c), nil
	}
	return 0, xerrors.Errorf("variable type 0x%02x: %w", c, ErrParse)
}

func dtaVariableType(code uint16) (Type, int) {
	switch code {
	case dtaTypeInt8:
		return TypeInt8, 8
	case dtaTypeInt16:
		return TypeInt16, 8
	case dtaTypeInt32:
		return TypeInt32, 8
	case dtaTypeFloat:
		return TypeFloat, 8
	case dtaTypeDouble:
		return TypeDouble, 8
	case dtaTypeStrL:
		return TypeLongString, 8
	}
	return TypeString, int(code)
}

func (d *dtaReader) readExpansionFields() error {
	if d.version < 105 {
		return nil
	}
	for {
		typ, err := d.read(1)
		if err != nil {
			return err
		}
		var length int64
		if d.version < 110 {
			n, err := d.uint16()
			if err != nil {
				return err
			}
			length = int64(n)
		} else {
			n, err := d.uint32()
			if err != nil {
				return err
			}
			length = int64(n)
		}
		if typ[0] == 0 && length == 0 {
			return nil
		}
		if err := d.skip(length); err != nil {
			return err
		}
	}
}

func (d *dtaReader) readRows() error {
	for obs := int64(0); obs < d.nobs; obs++ {
		for i := range d.types {
			value, err := d.readCell(d.types[i])
			if err != nil {
				return err
			}
			if err := d.p.callValue(int(obs), i, value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *dtaReader) readCell(code uint16) (Value, error) {
	switch code {
	case dtaTypeInt8:
		b, err := d.read(1)
		if err != nil {
			return Value{}, err
		}
		return dtaDecodeTagged(int64(int8(b[0])), dtaMissingInt8, Int8Value(int8(b[0]))), nil
	case dtaTypeInt16:
		n, err := d.uint16()
		if err != nil {
			return Value{}, err
		}
		return dtaDecodeTagged(int64(int16(n)), dtaMissingInt16, Int16Value(int16(n))), nil
	case dtaTypeInt32:
		n, err := d.uint32()
		if err != nil {
			return Value{}, err
		}
		return dtaDecodeTagged(int64(int32(n)), dtaMissingInt32, Int32Value(int32(n))), nil
	case dtaTypeFloat:
		n, err := d.uint32()
		if err != nil {
			return Value{}, err
		}
		if n >= dtaMissingFloat && n < 0x80000000 {
			return dtaMissingFromIndex((int64(n) - dtaMissingFloat) / dtaMissingFloatStep), nil
		}
		return FloatValue(math.Float32frombits(n)), nil
	case dtaTypeDouble:
		n, err := d.uint64()
		if err != nil {
			return Value{}, err
		}
		if n >= dtaMissingDouble && n < 0x8000000000000000 {
			return dtaMissingFromIndex(int64((n - dtaMissingDouble) / dtaMissingDoubleStep)), nil
		}
		return DoubleValue(math.Float64frombits(n)), nil
	case dtaTypeStrL:
		return d.readStrLRef()
	}
	b, err := d.read(int(code))
	if err != nil {
		return Value{}, err
	}
	return StringValue(dtaTrimString(b)), nil
}

// dtaDecodeTagged classifies an integer cell against its missing base.
func dtaDecodeTagged(v, base int64, plain Value) Value {
	if v < base {
		return plain
	}
	return dtaMissingFromIndex(v - base)
}

func dtaMissingFromIndex(n int64) Value {
	if n >= 1 && n <= 26 {
		return TaggedMissingValue(byte('a' + n - 1))
	}
	return SystemMissingValue()
}

func (d *dtaReader) readStrLRef() (Value, error) {
	var key string
	if d.version >= 118 {
		b, err := d.read(8)
		if err != nil {
			return Value{}, err
		}
		v := d.order.Uint16(b)
		o := uint64(b[2]) | uint64(b[3])<<8 | uint64(b[4])<<16 |
			uint64(b[5])<<24 | uint64(b[6])<<32 | uint64(b[7])<<40
		key = fmt.Sprintf("%d,%d", v, o)
	} else {
		v, err := d.uint32()
		if err != nil {
			return Value{}, err
		}
		o, err := d.uint32()
		if err != nil {
			return Value{}, err
		}
		key = fmt.Sprintf("%d,%d", v, o)
	}
	return LongStringValue(d.strls[key]), nil
}

// readValueLabels113 reads the offset-table label format used from
// release 113 on, emitting one event per (set, key) pair.
func (d *dtaReader) readValueLabels113() error {
	for {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(d.r, lenBuf); err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				return xerrors.Errorf("truncated value label table: %w", ErrParse)
			}
			return xerrors.Errorf("%v: %w", err, ErrIO)
		}
		d.pos += 4
		tableLen := int64(int32(d.order.Uint32(lenBuf)))
		name, err := d.read(d.nameLen)
		if err != nil {
			return err
		}
		if err := d.skip(3); err != nil {
			return err
		}
		if err := d.emitValueLabelTable(dtaTrimString(name), tableLen); err != nil {
			return err
		}
	}
}

func (d *dtaReader) emitValueLabelTable(name string, tableLen int64) error {
	if tableLen < 8 || tableLen > 1<<30 {
		return xerrors.Errorf("value label table of %d bytes: %w", tableLen, ErrParse)
	}
	table, err := d.read(int(tableLen))
	if err != nil {
		return err
	}
	n := int(int32(d.order.Uint32(table)))
	txtLen := int(int32(d.order.Uint32(table[4:])))
	if n < 0 || txtLen < 0 || 8+8*n+txtLen > len(table) {
		return xerrors.Errorf("value label table overflow: %w", ErrParse)
	}
	offsets := table[8 : 8+4*n]
	values := table[8+4*n : 8+8*n]
	text := table[8+8*n : 8+8*n+txtLen]
	for i := 0; i < n; i++ {
		off := int(int32(d.order.Uint32(offsets[4*i:])))
		if off < 0 || off >= len(text) {
			return xerrors.Errorf("value label text offset %d: %w", off, ErrParse)
		}
		val := int64(int32(d.order.Uint32(values[4*i:])))
		label := dtaTrimString(text[off:])
		key := dtaDecodeTagged(val, dtaMissingInt32, Int32Value(int32(val)))
		if err := d.p.callValueLabel(name, key, label); err != nil {
			return err
		}
	}
	return nil
}

// parseModern handles the tagged layouts of releases 117 and 118. The
// leading '<' has been consumed.
func (d *dtaReader) parseModern() error {
	if err := d.expect("stata_dta><header><release>"); err != nil {
		return err
	}
	rel, err := d.read(3)
	if err != nil {
		return err
	}
	switch string(rel) {
	case "117":
		d.version = 117
	case "118":
		d.version = 118
	case "119", "120", "121":
		return xerrors.Errorf("dta release %s: %w", rel, ErrUnsupportedFileFormatVersion)
	default:
		return xerrors.Errorf("dta release %q: %w", rel, ErrParse)
	}
	if err := d.expect("</release><byteorder>"); err != nil {
		return err
	}
	bo, err := d.read(3)
	if err != nil {
		return err
	}
	switch string(bo) {
	case "MSF":
		d.order = binary.BigEndian
	case "LSF":
		d.order = binary.LittleEndian
	default:
		return xerrors.Errorf("byte order %q: %w", bo, ErrParse)
	}
	if err := d.expect("</byteorder><K>"); err != nil {
		return err
	}
	nvar, err := d.uint16()
	if err != nil {
		return err
	}
	d.nvar = int(nvar)
	if err := d.expect("</K><N>"); err != nil {
		return err
	}
	if d.version >= 118 {
		n, err := d.uint64()
		if err != nil {
			return err
		}
		d.nobs = int64(n)
	} else {
		n, err := d.uint32()
		if err != nil {
			return err
		}
		d.nobs = int64(n)
	}
	if err := d.expect("</N><label>"); err != nil {
		return err
	}
	var labelLen int
	if d.version >= 118 {
		n, err := d.uint16()
		if err != nil {
			return err
		}
		labelLen = int(n)
	} else {
		b, err := d.read(1)
		if err != nil {
			return err
		}
		labelLen = int(b[0])
	}
	label, err := d.read(labelLen)
	if err != nil {
		return err
	}
	d.fileLabel = string(label)
	if err := d.expect("</label><timestamp>"); err != nil {
		return err
	}
	tsLen, err := d.read(1)
	if err != nil {
		return err
	}
	stamp, err := d.read(int(tsLen[0]))
	if err != nil {
		return err
	}
	d.timestamp = strings.TrimSpace(string(stamp))
	if err := d.expect("</timestamp></header>"); err != nil {
		return err
	}

	if err := d.expect("<map>"); err != nil {
		return err
	}
	var offsets [14]int64
	for i := range offsets {
		n, err := d.uint64()
		if err != nil {
			return err
		}
		offsets[i] = int64(n)
	}
	if err := d.expect("</map>"); err != nil {
		return err
	}

	d.nameLen, d.fmtLen, d.vlabelLen = 33, 49, 81
	lblNameLen := 33
	if d.version >= 118 {
		d.nameLen, d.fmtLen, d.vlabelLen = 129, 57, 321
		lblNameLen = 129
	}

	if err := d.p.callInfo(int(d.nobs), d.nvar); err != nil {
		return err
	}
	if err := d.p.callMetadata(d.fileLabel, dtaParseTimestamp(d.timestamp), d.version); err != nil {
		return err
	}

	if err := d.expect("<variable_types>"); err != nil {
		return err
	}
	d.types = make([]uint16, d.nvar)
	for i := range d.types {
		code, err := d.uint16()
		if err != nil {
			return err
		}
		if code != dtaTypeStrL &&
			(code < 1 || code > dtaTypeInt8 || (code > dtaMaxStrWidth && code < dtaTypeDouble)) {
			return xerrors.Errorf("variable type %d: %w", code, ErrParse)
		}
		d.types[i] = code
	}
	if err := d.expect("</variable_types><varnames>"); err != nil {
		return err
	}
	names := make([]string, d.nvar)
	for i := range names {
		b, err := d.read(d.nameLen)
		if err != nil {
			return err
		}
		names[i] = dtaTrimString(b)
	}
	if err := d.expect("</varnames><sortlist>"); err != nil {
		return err
	}
	if err := d.skip(int64(2 * (d.nvar + 1))); err != nil {
		return err
	}
	if err := d.expect("</sortlist><formats>"); err != nil {
		return err
	}
	formats := make([]string, d.nvar)
	for i := range formats {
		b, err := d.read(d.fmtLen)
		if err != nil {
			return err
		}
		formats[i] = dtaTrimString(b)
	}
	if err := d.expect("</formats><value_label_names>"); err != nil {
		return err
	}
	lblNames := make([]string, d.nvar)
	for i := range lblNames {
		b, err := d.read(lblNameLen)
		if err != nil {
			return err
		}
		lblNames[i] = dtaTrimString(b)
	}
	if err := d.expect("</value_label_names><variable_labels>"); err != nil {
		return err
	}
	labels := make([]string, d.nvar)
	for i := range labels {
		b, err := d.read(d.vlabelLen)
		if err != nil {
			return err
		}
		labels[i] = dtaTrimString(b)
	}
	if err := d.expect("</variable_labels>"); err != nil {
		return err
	}

	for i := 0; i < d.nvar; i++ {
		v := &Variable{
			Index:         i,
			Name:          names[i],
			Label:         labels[i],
			Format:        formats[i],
			ValueLabelSet: lblNames[i],
		}
		v.Type, v.StorageWidth = dtaVariableType(d.types[i])
		d.vars = append(d.vars, v)
		if err := d.p.callVariable(i, v, v.ValueLabelSet); err != nil {
			return err
		}
	}

	// The strL table sits behind the data section, but cells need it
	// while rows stream, so it is loaded through the map first.
	if err := d.loadStrLs(offsets[10]); err != nil {
		return err
	}

	if _, err := d.r.Seek(offsets[9], io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	d.pos = offsets[9]
	if err := d.expect("<data>"); err != nil {
		return err
	}
	if err := d.readRows(); err != nil {
		return err
	}
	if err := d.expect("</data>"); err != nil {
		return err
	}

	if _, err := d.r.Seek(offsets[11], io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	d.pos = offsets[11]
	if err := d.expect("<value_labels>"); err != nil {
		return err
	}
	for {
		tag, err := d.read(5)
		if err != nil {
			return err
		}
		if string(tag) != "<lbl>" {
			rest, err := d.read(10)
			if err != nil {
				return err
			}
			if string(tag)+string(rest) != "</value_labels>" {
				return xerrors.Errorf("expected </value_labels>, found %q: %w", string(tag)+string(rest), ErrParse)
			}
			return nil
		}
		lenBuf, err := d.uint32()
		if err != nil {
			return err
		}
		name, err := d.read(lblNameLen)
		if err != nil {
			return err
		}
		if err := d.skip(3); err != nil {
			return err
		}
		if err := d.emitValueLabelTable(dtaTrimString(name), int64(int32(lenBuf))); err != nil {
			return err
		}
		if err := d.expect("</lbl>"); err != nil {
			return err
		}
	}
}

// loadStrLs reads the GSO table into memory. A zero offset means the
// map was not populated; the section is then simply absent.
func (d *dtaReader) loadStrLs(offset int64) error {
	d.strls = make(map[string]string)
	hasStrL := false
	for _, t := range d.types {
		if t == dtaTypeStrL {
			hasStrL = true
		}
	}
	if !hasStrL || offset <= 0 {
		return nil
	}
	if _, err := d.r.Seek(offset, io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	d.pos = offset
	if err := d.expect("<strls>"); err != nil {
		return err
	}
	for {
		tag, err := d.read(3)
		if err != nil {
			return err
		}
		switch string(tag) {
		case "GSO":
			v, err := d.uint32()
			if err != nil {
				return err
			}
			var o uint64
			if d.version >= 118 {
				o, err = d.uint64()
			} else {
				var o32 uint32
				o32, err = d.uint32()
				o = uint64(o32)
			}
			if err != nil {
				return err
			}
			t, err := d.read(1)
			if err != nil {
				return err
			}
			length, err := d.uint32()
			if err != nil {
				return err
			}
			if length > 1<<30 {
				return xerrors.Errorf("strL of %d bytes: %w", length, ErrOutOfMemory)
			}
			payload, err := d.read(int(length))
			if err != nil {
				return err
			}
			content := string(payload)
			if t[0] == 130 {
				content = dtaTrimString(payload)
			}
			d.strls[fmt.Sprintf("%d,%d", v, o)] = content
		case "</s":
			if err := d.expect("trls>"); err != nil {
				return err
			}
			return nil
		default:
			return xerrors.Errorf("expected GSO record, found %q: %w", tag, ErrParse)
		}
	}
}
