package readstat

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/orcaman/writerseeker"
)

var testStamp = time.Date(2013, time.July, 4, 12, 30, 0, 0, time.Local)

// writeSAS7BDAT runs the writer lifecycle over an in-memory sink and
// returns the emitted bytes.
func writeSAS7BDAT(t *testing.T, version int, label string, schema func(w *Writer), rows [][]Value) []byte {
	t.Helper()
	sink := &writerseeker.WriterSeeker{}
	w := NewWriter(sink)
	w.SetFileLabel(label)
	w.SetFileFormatVersion(version)
	w.SetTimestamp(testStamp)
	if err := w.BeginWritingSAS7BDAT(len(rows)); err != nil {
		t.Fatal(err)
	}
	if schema != nil {
		schema(w)
	}
	if err := w.BeginData(); err != nil {
		t.Fatal(err)
	}
	for _, row := range rows {
		if err := w.InsertRow(row); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.EndWriting(); err != nil {
		t.Fatal(err)
	}
	buf, err := io.ReadAll(sink.Reader())
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func addVariable(t *testing.T, w *Writer, name string, typ Type, width int, label, format string) {
	t.Helper()
	if _, err := w.AddVariable(name, typ, width, label, format); err != nil {
		t.Fatal(err)
	}
}

// metaSubheader is a decoded subheader of an emitted meta page, used
// by the layout tests.
type metaSubheader struct {
	signature uint32
	data      []byte
}

// parseMetaPage decodes the subheader pointer table of one page.
func parseMetaPage(t *testing.T, page []byte, u64 bool) []metaSubheader {
	t.Helper()
	le := binary.LittleEndian
	phs, ptrSize := sasPageHeaderSize32, sasSubheaderPointerSize32
	if u64 {
		phs, ptrSize = sasPageHeaderSize64, sasSubheaderPointerSize64
	}
	count := int(le.Uint16(page[phs-4:]))
	var subs []metaSubheader
	for i := 0; i < count; i++ {
		ptr := page[phs+i*ptrSize:]
		var offset, length int
		if u64 {
			offset = int(le.Uint64(ptr))
			length = int(le.Uint64(ptr[8:]))
		} else {
			offset = int(le.Uint32(ptr))
			length = int(le.Uint32(ptr[4:]))
		}
		if length == 0 {
			continue
		}
		data := page[offset : offset+length]
		sig := le.Uint32(data)
		if u64 && sig == 0xFFFFFFFF && length >= 8 {
			sig = le.Uint32(data[4:])
		}
		subs = append(subs, metaSubheader{signature: sig, data: data})
	}
	return subs
}

func TestEmptyFile(t *testing.T) {
	t.Parallel()
	buf := writeSAS7BDAT(t, 90101, "t", nil, nil)

	// Header plus exactly one meta page.
	if got, want := len(buf), sasHeaderSize+sasPageSize; got != want {
		t.Fatalf("file size %d, want %d", got, want)
	}
	// 64-bit page count in the header.
	if got := binary.LittleEndian.Uint64(buf[204:]); got != 1 {
		t.Errorf("header page count %d, want 1", got)
	}
	if got := string(buf[84:92]); got != "SAS FILE" {
		t.Errorf("file type %q", got)
	}
	if got := string(buf[92:93]); got != "t" {
		t.Errorf("file label starts with %q", got)
	}

	page := buf[sasHeaderSize:]
	subs := parseMetaPage(t, page, true)
	want := []uint32{
		sasSubheaderSignatureRowSize,
		sasSubheaderSignatureColumnSize,
		sasSubheaderSignatureColumnName,
		sasSubheaderSignatureColumnAttrs,
		sasSubheaderSignatureColumnText,
	}
	if len(subs) != len(want) {
		t.Fatalf("%d subheaders, want %d", len(subs), len(want))
	}
	for i, sig := range want {
		if subs[i].signature != sig {
			t.Errorf("subheader %d signature %#x, want %#x", i, subs[i].signature, sig)
		}
	}
}

func TestNumericRowBytes(t *testing.T) {
	t.Parallel()
	rows := [][]Value{
		{DoubleValue(1.0)},
		{DoubleValue(2.0)},
		{SystemMissingValue()},
	}
	buf := writeSAS7BDAT(t, 90101, "", func(w *Writer) {
		addVariable(t, w, "x", TypeDouble, 8, "", "")
	}, rows)

	if got := binary.LittleEndian.Uint64(buf[204:]); got != 2 {
		t.Errorf("header page count %d, want 2", got)
	}
	data := buf[sasHeaderSize+sasPageSize:]
	if got := binary.LittleEndian.Uint16(data[sasPageHeaderSize64-8:]); got != sasPageTypeData {
		t.Fatalf("page type %#x, want DATA", got)
	}
	if got := binary.LittleEndian.Uint16(data[sasPageHeaderSize64-6:]); got != 3 {
		t.Errorf("page row count %d, want 3", got)
	}
	cells := data[sasPageHeaderSize64:]
	if got := binary.LittleEndian.Uint64(cells[0:]); got != math.Float64bits(1.0) {
		t.Errorf("row 0 bits %#x", got)
	}
	if got := binary.LittleEndian.Uint64(cells[8:]); got != math.Float64bits(2.0) {
		t.Errorf("row 1 bits %#x", got)
	}
	// System missing: a NaN whose byte 5 is ^0 = 0xFF.
	if got := cells[16+5]; got != 0xFF {
		t.Errorf("missing payload byte %#x, want 0xff", got)
	}
	bits := binary.LittleEndian.Uint64(cells[16:])
	if !math.IsNaN(math.Float64frombits(bits)) {
		t.Errorf("missing cell is not a NaN: %#x", bits)
	}
}

func TestTaggedMissingPayload(t *testing.T) {
	t.Parallel()
	buf := writeSAS7BDAT(t, 90101, "", func(w *Writer) {
		addVariable(t, w, "y", TypeDouble, 8, "", "")
	}, [][]Value{{TaggedMissingValue('a')}})

	cells := buf[sasHeaderSize+sasPageSize+sasPageHeaderSize64:]
	if got := cells[5]; got != 0x9E {
		t.Errorf("payload byte %#x, want 0x9e (= ^'a')", got)
	}

	var c collector
	p := &Parser{Handler: c.handler()}
	if err := p.Parse(bytes.NewReader(buf), FormatSAS7BDAT); err != nil {
		t.Fatal(err)
	}
	if len(c.rows) != 1 || len(c.rows[0]) != 1 {
		t.Fatalf("rows = %+v", c.rows)
	}
	if got := c.rows[0][0]; got.Kind != "miss" || got.Tag != 'a' {
		t.Errorf("parsed cell %+v, want tagged missing 'a'", got)
	}
}

func TestMissingTagDomain(t *testing.T) {
	t.Parallel()
	for _, tag := range []byte{'A', '0', '{', 0x7F} {
		sink := &writerseeker.WriterSeeker{}
		w := NewWriter(sink)
		if err := w.BeginWritingSAS7BDAT(1); err != nil {
			t.Fatal(err)
		}
		addVariable(t, w, "x", TypeDouble, 8, "", "")
		if err := w.BeginData(); err != nil {
			t.Fatal(err)
		}
		err := w.InsertRow([]Value{TaggedMissingValue(tag)})
		if !errors.Is(err, ErrValueOutOfRange) {
			t.Errorf("tag %q: err = %v, want ErrValueOutOfRange", tag, err)
		}
	}
}

func TestNameLengthFlag(t *testing.T) {
	t.Parallel()
	buf := writeSAS7BDAT(t, 90101, "", func(w *Writer) {
		addVariable(t, w, "abcdefghi", TypeDouble, 8, "", "")
		addVariable(t, w, "abc", TypeDouble, 8, "", "")
	}, nil)

	subs := parseMetaPage(t, buf[sasHeaderSize:], true)
	var attrs []byte
	for _, sub := range subs {
		if sub.signature == sasSubheaderSignatureColumnAttrs {
			attrs = sub.data
		}
	}
	if attrs == nil {
		t.Fatal("no column attrs subheader")
	}
	// 64-bit entries of 16 bytes start at signature+8; the name
	// length flag sits past the 8-byte row offset and 4-byte width.
	if got := binary.LittleEndian.Uint16(attrs[16+12:]); got != 2048 {
		t.Errorf("flag for 9-byte name = %d, want 2048", got)
	}
	if got := binary.LittleEndian.Uint16(attrs[32+12:]); got != 4 {
		t.Errorf("flag for 3-byte name = %d, want 4", got)
	}
}

func TestColumnTextPoolOverflow(t *testing.T) {
	t.Parallel()
	// 57-byte names pad to 60 bytes in the pool; 80 of them overflow
	// the 32-bit pool capacity and must open a second COLUMN_TEXT.
	names := make([]string, 80)
	for i := range names {
		names[i] = strings.Repeat("abcde", 11) + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	buf := writeSAS7BDAT(t, 80101, "", func(w *Writer) {
		for _, name := range names {
			addVariable(t, w, name, TypeDouble, 8, "", "")
		}
	}, nil)

	texts := 0
	pageCount := int(binary.LittleEndian.Uint32(buf[204:]))
	for i := 0; i < pageCount; i++ {
		page := buf[sasHeaderSize+i*sasPageSize:][:sasPageSize]
		for _, sub := range parseMetaPage(t, page, false) {
			if sub.signature == sasSubheaderSignatureColumnText {
				texts++
			}
		}
	}
	if texts < 2 {
		t.Errorf("%d column text subheaders, want at least 2", texts)
	}

	var c collector
	p := &Parser{Handler: c.handler()}
	if err := p.Parse(bytes.NewReader(buf), FormatSAS7BDAT); err != nil {
		t.Fatal(err)
	}
	if len(c.vars) != len(names) {
		t.Fatalf("parsed %d variables, want %d", len(c.vars), len(names))
	}
	for i, v := range c.vars {
		if v.Name != names[i] {
			t.Errorf("variable %d name %q, want %q", i, v.Name, names[i])
		}
	}
}

func TestPageAlignmentAndCount(t *testing.T) {
	t.Parallel()
	rows := make([][]Value, 1200)
	for i := range rows {
		rows[i] = []Value{DoubleValue(float64(i)), StringValue("v")}
	}
	for _, version := range []int{80101, 90101} {
		buf := writeSAS7BDAT(t, version, "alignment", func(w *Writer) {
			addVariable(t, w, "x", TypeDouble, 8, "", "")
			addVariable(t, w, "s", TypeString, 4, "", "")
		}, rows)
		if (len(buf)-sasHeaderSize)%sasPageSize != 0 {
			t.Errorf("version %d: size %d is not header + k pages", version, len(buf))
		}
		pages := (len(buf) - sasHeaderSize) / sasPageSize
		var headerCount int
		if version >= 90000 {
			headerCount = int(binary.LittleEndian.Uint64(buf[204:]))
		} else {
			headerCount = int(binary.LittleEndian.Uint32(buf[204:]))
		}
		if headerCount != pages {
			t.Errorf("version %d: header says %d pages, emitted %d", version, headerCount, pages)
		}
	}
}

func TestRowWidthStability(t *testing.T) {
	t.Parallel()
	sink := &writerseeker.WriterSeeker{}
	w := NewWriter(sink)
	if err := w.BeginWritingSAS7BDAT(0); err != nil {
		t.Fatal(err)
	}
	addVariable(t, w, "a", TypeInt8, 1, "", "")
	addVariable(t, w, "b", TypeInt32, 4, "", "")
	addVariable(t, w, "c", TypeFloat, 4, "", "")
	addVariable(t, w, "s", TypeString, 13, "", "")
	d := &sasDialect{}
	width := 0
	for _, v := range w.Variables() {
		width += d.variableWidth(v.Type, v.StorageWidth)
	}
	// All numeric subtypes widen to 8 bytes; strings keep their
	// declared width.
	if width != 8+8+8+13 {
		t.Errorf("row width %d, want %d", width, 8+8+8+13)
	}
}

func TestRowCountMismatch(t *testing.T) {
	t.Parallel()
	sink := &writerseeker.WriterSeeker{}
	w := NewWriter(sink)
	if err := w.BeginWritingSAS7BDAT(2); err != nil {
		t.Fatal(err)
	}
	addVariable(t, w, "x", TypeDouble, 8, "", "")
	if err := w.BeginData(); err != nil {
		t.Fatal(err)
	}
	if err := w.InsertRow([]Value{DoubleValue(1)}); err != nil {
		t.Fatal(err)
	}
	if err := w.EndWriting(); !errors.Is(err, ErrRowCountMismatch) {
		t.Errorf("err = %v, want ErrRowCountMismatch", err)
	}
}

func TestCancellation(t *testing.T) {
	t.Parallel()
	// A wide string column keeps rows per page low, so the file has
	// well over ten pages.
	rows := make([][]Value, 60)
	for i := range rows {
		rows[i] = []Value{StringValue("cancel")}
	}
	buf := writeSAS7BDAT(t, 90101, "", func(w *Writer) {
		addVariable(t, w, "s", TypeString, 800, "", "")
	}, rows)
	if pages := (len(buf) - sasHeaderSize) / sasPageSize; pages < 10 {
		t.Fatalf("test file has %d pages, want at least 10", pages)
	}

	var c collector
	calls := 0
	p := &Parser{
		Handler: c.handler(),
		Progress: func(fraction float64) error {
			calls++
			return errors.New("stop")
		},
	}
	err := p.Parse(bytes.NewReader(buf), FormatSAS7BDAT)
	if !errors.Is(err, ErrUserAbort) {
		t.Fatalf("err = %v, want ErrUserAbort", err)
	}
	if len(c.rows) != 0 {
		t.Errorf("%d rows emitted after abort, want 0", len(c.rows))
	}
	if calls != 1 {
		t.Errorf("progress called %d times after aborting on the first", calls)
	}
}

func TestHandlerAbort(t *testing.T) {
	t.Parallel()
	buf := writeSAS7BDAT(t, 90101, "", func(w *Writer) {
		addVariable(t, w, "x", TypeDouble, 8, "", "")
	}, [][]Value{{DoubleValue(1)}})

	p := &Parser{Handler: Handler{
		Variable: func(index int, v *Variable, labelSet string) error {
			return errors.New("enough")
		},
	}}
	if err := p.Parse(bytes.NewReader(buf), FormatSAS7BDAT); !errors.Is(err, ErrUserAbort) {
		t.Errorf("err = %v, want ErrUserAbort", err)
	}
}

func TestReleaseString(t *testing.T) {
	t.Parallel()
	buf := writeSAS7BDAT(t, 90101, "", nil, nil)
	// 64-bit header: release begins after the u64 page count at 204.
	if got := string(buf[220:228]); got != "9.0101M0" {
		t.Errorf("release %q, want 9.0101M0", got)
	}
	if got := string(buf[228:237]); got != "W32_VSPRO" {
		t.Errorf("host %q", got)
	}
}
