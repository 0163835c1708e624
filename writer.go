package readstat

import (
	"io"
	"time"

	"golang.org/x/xerrors"
)

// dialect is the per-format callback table of the writer. The cell
// encoders write into a pre-sliced region of the row buffer whose
// length is exactly variableWidth for the variable.
type dialect interface {
	variableWidth(typ Type, userWidth int) int

	beginData(w *Writer) error
	endData(w *Writer) error
	writeRow(w *Writer, row []byte) error

	writeInt8(cell []byte, v *Variable, val int8) error
	writeInt16(cell []byte, v *Variable, val int16) error
	writeInt32(cell []byte, v *Variable, val int32) error
	writeFloat(cell []byte, v *Variable, val float32) error
	writeDouble(cell []byte, v *Variable, val float64) error
	writeString(cell []byte, v *Variable, val string) error
	writeMissingString(cell []byte, v *Variable) error
	writeMissingNumber(cell []byte, v *Variable) error
	writeMissingTagged(cell []byte, v *Variable, tag byte) error
}

// Writer collects a schema and a row stream and serialises them into
// one of the output dialects. The lifecycle is:
//
//	w := NewWriter(sink)
//	w.SetFileLabel(...)                    // optional setters
//	w.BeginWritingSAS7BDAT(rowCount)       // select dialect
//	w.AddVariable(...)                     // once per column
//	w.BeginData()                          // header + metadata emitted
//	w.InsertRow(...)                       // once per row
//	w.EndWriting()                         // final page padded
//
// A Writer owns no OS resources itself; the caller owns the sink and
// is responsible for discarding a partially written artifact when any
// step fails.
type Writer struct {
	w            io.Writer
	bytesWritten int64

	variables  []*Variable
	rowCount   int
	currentRow int
	version    int
	timestamp  time.Time
	fileLabel  string

	d           dialect
	initialized bool
	dataBegun   bool

	rowLen  int
	offsets []int
	row     []byte
}

// NewWriter returns a Writer emitting to w. The file timestamp
// defaults to the current time.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, timestamp: time.Now()}
}

// SetFileLabel sets the file label recorded in the output header.
func (w *Writer) SetFileLabel(label string) { w.fileLabel = label }

// SetFileFormatVersion sets the dialect version of the output file.
// Zero selects the dialect default.
func (w *Writer) SetFileFormatVersion(version int) { w.version = version }

// SetTimestamp sets the creation and modification timestamp recorded
// in the output header.
func (w *Writer) SetTimestamp(t time.Time) { w.timestamp = t }

// BytesWritten returns the number of bytes emitted so far.
func (w *Writer) BytesWritten() int64 { return w.bytesWritten }

// BeginWritingSAS7BDAT selects the SAS7BDAT output dialect and
// declares the number of rows that will be inserted.
func (w *Writer) BeginWritingSAS7BDAT(rowCount int) error {
	if rowCount < 0 {
		return xerrors.Errorf("row count %d: %w", rowCount, ErrRowCountMismatch)
	}
	if w.version == 0 {
		w.version = sasDefaultFileVersion
	}
	w.d = &sasDialect{}
	w.rowCount = rowCount
	w.initialized = true
	return nil
}

// AddVariable appends a column to the schema. storageWidth is the
// user-declared byte width for character variables and is ignored for
// numeric variables, which are always stored in 8 bytes.
func (w *Writer) AddVariable(name string, typ Type, storageWidth int, label, format string) (*Variable, error) {
	if !w.initialized {
		return nil, xerrors.New("add variable: writer not initialized")
	}
	if w.dataBegun {
		return nil, xerrors.New("add variable: data already begun")
	}
	if typ.IsNumeric() {
		storageWidth = 8
	} else if storageWidth <= 0 {
		return nil, xerrors.Errorf("variable %s: storage width %d: %w", name, storageWidth, ErrValueOutOfRange)
	}
	v := &Variable{
		Index:        len(w.variables),
		Name:         name,
		Label:        label,
		Format:       format,
		Type:         typ,
		StorageWidth: storageWidth,
	}
	w.variables = append(w.variables, v)
	return v, nil
}

// Variables returns the schema accumulated so far.
func (w *Writer) Variables() []*Variable { return w.variables }

// BeginData emits the file header and all metadata and prepares for
// row insertion. The schema is frozen at this point; the row width is
// the sum of the dialect widths of all variables.
func (w *Writer) BeginData() error {
	if !w.initialized {
		return xerrors.New("begin data: writer not initialized")
	}
	if w.dataBegun {
		return xerrors.New("begin data: called twice")
	}
	w.offsets = make([]int, len(w.variables))
	w.rowLen = 0
	for i, v := range w.variables {
		w.offsets[i] = w.rowLen
		w.rowLen += w.d.variableWidth(v.Type, v.StorageWidth)
	}
	if w.rowCount > 0 && w.rowLen == 0 {
		return xerrors.Errorf("%d rows declared but the schema is empty: %w", w.rowCount, ErrRowCountMismatch)
	}
	w.row = make([]byte, w.rowLen)
	if err := w.d.beginData(w); err != nil {
		return err
	}
	w.dataBegun = true
	return nil
}

// InsertRow encodes one row of cells, which must match the schema in
// count, and hands it to the dialect.
func (w *Writer) InsertRow(values []Value) error {
	if !w.dataBegun {
		return xerrors.New("insert row: begin data not called")
	}
	if len(values) != len(w.variables) {
		return xerrors.Errorf("row has %d cells, schema has %d variables: %w",
			len(values), len(w.variables), ErrValueOutOfRange)
	}
	for i, v := range w.variables {
		cell := w.row[w.offsets[i] : w.offsets[i]+w.d.variableWidth(v.Type, v.StorageWidth)]
		if err := w.encodeCell(cell, v, values[i]); err != nil {
			return err
		}
	}
	if err := w.d.writeRow(w, w.row); err != nil {
		return err
	}
	w.currentRow++
	return nil
}

func (w *Writer) encodeCell(cell []byte, v *Variable, val Value) error {
	if val.IsMissing() {
		if v.Type.IsCharacter() {
			if val.IsTaggedMissing() {
				return xerrors.Errorf("variable %s: tagged missing on a character column: %w", v.Name, ErrValueOutOfRange)
			}
			return w.d.writeMissingString(cell, v)
		}
		if val.IsTaggedMissing() {
			return w.d.writeMissingTagged(cell, v, val.Tag())
		}
		return w.d.writeMissingNumber(cell, v)
	}
	if v.Type.IsCharacter() {
		if !val.Type().IsCharacter() {
			return xerrors.Errorf("variable %s: numeric cell on a character column: %w", v.Name, ErrValueOutOfRange)
		}
		if len(val.String()) > v.StorageWidth {
			return xerrors.Errorf("variable %s: string of %d bytes exceeds width %d: %w",
				v.Name, len(val.String()), v.StorageWidth, ErrValueOutOfRange)
		}
		return w.d.writeString(cell, v, val.String())
	}
	if val.Type().IsCharacter() {
		return xerrors.Errorf("variable %s: character cell on a numeric column: %w", v.Name, ErrValueOutOfRange)
	}
	switch val.Type() {
	case TypeInt8:
		return w.d.writeInt8(cell, v, int8(val.Float64()))
	case TypeInt16:
		return w.d.writeInt16(cell, v, int16(val.Float64()))
	case TypeInt32:
		return w.d.writeInt32(cell, v, int32(val.Float64()))
	case TypeFloat:
		return w.d.writeFloat(cell, v, float32(val.Float64()))
	default:
		return w.d.writeDouble(cell, v, val.Float64())
	}
}

// EndWriting pads the final page and verifies that exactly the
// declared number of rows was inserted.
func (w *Writer) EndWriting() error {
	if !w.initialized {
		return xerrors.New("end writing: writer not initialized")
	}
	if !w.dataBegun {
		return xerrors.New("end writing: begin data not called")
	}
	if w.currentRow != w.rowCount {
		return xerrors.Errorf("declared %d rows, inserted %d: %w", w.rowCount, w.currentRow, ErrRowCountMismatch)
	}
	if err := w.d.endData(w); err != nil {
		return err
	}
	w.initialized = false
	w.dataBegun = false
	return nil
}

// writeBytes emits b to the sink, tracking bytesWritten.
func (w *Writer) writeBytes(b []byte) error {
	n, err := w.w.Write(b)
	w.bytesWritten += int64(n)
	if err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	return nil
}

// writeZeros emits n zero bytes.
func (w *Writer) writeZeros(n int) error {
	zero := make([]byte, 4096)
	for n > 0 {
		chunk := n
		if chunk > len(zero) {
			chunk = len(zero)
		}
		if err := w.writeBytes(zero[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
