package readstat

// Variable describes one column of a data file.
type Variable struct {
	// Index is the 0-based position of the variable in the file.
	Index int

	// Name is the variable name as stored in the file.
	Name string

	// Label is the human-readable variable label, or "".
	Label string

	// Format is the display format string, or "".
	Format string

	// Type is the storage type. Numeric variables always occupy 8
	// bytes on disk regardless of the declared subtype; character
	// variables occupy StorageWidth bytes.
	Type Type

	// StorageWidth is the on-disk width in bytes. For character
	// variables it is the user-declared width, preserved exactly and
	// padded with NUL on write. For numeric variables it is 8.
	StorageWidth int

	// ValueLabelSet names the value-label table attached to this
	// variable, or "".
	ValueLabelSet string
}
