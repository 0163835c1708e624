package readstat

import "errors"

// Error kinds mirror the status codes of the file format layer. Dialect
// parsers and writers wrap these with context; callers test for a kind
// with errors.Is.
var (
	// ErrIO reports a failure of the underlying byte source or sink.
	ErrIO = errors.New("unable to read file")

	// ErrParse reports malformed bytes: a bad magic number, an offset
	// pointing outside its page, a record that contradicts the header.
	ErrParse = errors.New("invalid file, or file has unsupported features")

	// ErrUnsupportedFormat reports a file (or file feature, such as a
	// compressed SAS page) that no dialect parser handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrUnsupportedFileFormatVersion reports a recognised dialect at a
	// version outside the supported range.
	ErrUnsupportedFileFormatVersion = errors.New("unsupported file format version")

	// ErrEncoding reports a character set declaration that cannot be
	// honored, such as a portable-file translation table missing the
	// syntax characters.
	ErrEncoding = errors.New("unsupported character encoding")

	// ErrValueOutOfRange reports a value that cannot be represented in
	// the output dialect, e.g. a missing-value tag outside 'a'..'z'.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrRowCountMismatch reports a difference between the declared and
	// the actual number of rows.
	ErrRowCountMismatch = errors.New("row count mismatch")

	// ErrUserAbort reports that a handler or progress callback asked for
	// the parse to stop.
	ErrUserAbort = errors.New("parsing was aborted (a callback returned an error)")

	// ErrOutOfMemory reports a file whose declared sizes would require
	// an unreasonable allocation.
	ErrOutOfMemory = errors.New("unable to allocate memory")
)
