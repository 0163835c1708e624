// Package readstat reads and writes the binary and textual data file
// formats of the major commercial statistical packages: Stata (.dta),
// SPSS (.sav, .por) and SAS (.sas7bdat, .sas7bcat).
//
// Reading is event driven: a Parser pushes file metadata, variable
// descriptors, value labels and cell values into the optional slots of
// a Handler as it walks the file. Writing goes through a Writer that
// collects a schema and a row stream and serialises them page by page
// in the target dialect; SAS7BDAT is the native output dialect.
//
// The package interprets file structure only. It computes no
// statistics, performs no network I/O, and does not transcode text
// beyond honoring each file's declared encoding identifier.
package readstat

// Version is the version of the readstat library and tool.
const Version = "1.0-prerelease"
