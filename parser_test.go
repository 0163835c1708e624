package readstat

import (
	"bytes"
	"errors"
	"testing"
)

func TestFormatForPath(t *testing.T) {
	t.Parallel()
	cases := []struct {
		path string
		want Format
	}{
		{"a.dta", FormatDTA},
		{"dir/b.SAV", FormatSAV},
		{"b.zsav", FormatSAV},
		{"c.por", FormatPOR},
		{"d.sas7bdat", FormatSAS7BDAT},
		{"formats.sas7bcat", FormatSAS7BCAT},
		{"e.csv", FormatUnknown},
		{"noext", FormatUnknown},
	}
	for _, tc := range cases {
		if got := FormatForPath(tc.path); got != tc.want {
			t.Errorf("FormatForPath(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestParseUnknownFormat(t *testing.T) {
	t.Parallel()
	p := &Parser{}
	if err := p.Parse(bytes.NewReader(nil), FormatUnknown); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestParseFileMissing(t *testing.T) {
	t.Parallel()
	p := &Parser{}
	if err := p.ParseFile("testdata/does-not-exist.dta"); !errors.Is(err, ErrIO) {
		t.Errorf("err = %v, want ErrIO", err)
	}
	if err := p.ParseFile("does-not-exist.xyz"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestParseBadMagic(t *testing.T) {
	t.Parallel()
	junk := bytes.Repeat([]byte{0xAB}, 8192)
	p := &Parser{}
	for _, format := range []Format{FormatSAS7BDAT, FormatSAS7BCAT, FormatSAV} {
		if err := p.Parse(bytes.NewReader(junk), format); !errors.Is(err, ErrParse) {
			t.Errorf("format %v: err = %v, want ErrParse", format, err)
		}
	}
	if err := p.Parse(bytes.NewReader(junk), FormatDTA); !errors.Is(err, ErrUnsupportedFileFormatVersion) {
		t.Errorf("dta junk: err = %v, want ErrUnsupportedFileFormatVersion", err)
	}
}

func TestDTAUnsupportedVersion(t *testing.T) {
	t.Parallel()
	p := &Parser{}
	data := append([]byte{102, 0x02, 0x01, 0x00}, make([]byte, 64)...)
	if err := p.Parse(bytes.NewReader(data), FormatDTA); !errors.Is(err, ErrUnsupportedFileFormatVersion) {
		t.Errorf("err = %v, want ErrUnsupportedFileFormatVersion", err)
	}
}
