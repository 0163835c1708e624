package readstat

import (
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// porCanonical maps translation-table slots to the portable character
// set. Slots below 64 are control characters and stay unmapped.
var porCanonical = [256]byte{
	64: '0', 65: '1', 66: '2', 67: '3', 68: '4', 69: '5', 70: '6',
	71: '7', 72: '8', 73: '9',
	74: 'A', 75: 'B', 76: 'C', 77: 'D', 78: 'E', 79: 'F', 80: 'G',
	81: 'H', 82: 'I', 83: 'J', 84: 'K', 85: 'L', 86: 'M', 87: 'N',
	88: 'O', 89: 'P', 90: 'Q', 91: 'R', 92: 'S', 93: 'T', 94: 'U',
	95: 'V', 96: 'W', 97: 'X', 98: 'Y', 99: 'Z',
	100: 'a', 101: 'b', 102: 'c', 103: 'd', 104: 'e', 105: 'f',
	106: 'g', 107: 'h', 108: 'i', 109: 'j', 110: 'k', 111: 'l',
	112: 'm', 113: 'n', 114: 'o', 115: 'p', 116: 'q', 117: 'r',
	118: 's', 119: 't', 120: 'u', 121: 'v', 122: 'w', 123: 'x',
	124: 'y', 125: 'z',
	126: ' ', 127: '.', 128: '<', 129: '(', 130: '+', 131: '|',
	132: '&', 133: '[', 134: ']', 135: '!', 136: '$', 137: '*',
	138: ')', 139: ';', 140: '^', 141: '-', 142: '/', 143: '|',
	144: ',', 145: '%', 146: '_', 147: '>', 148: '?', 149: '`',
	150: ':', 151: '#', 152: '@', 153: '\'', 154: '=', 155: '"',
}

type porReader struct {
	p *Parser

	data     []byte
	trans    [256]byte
	pos      int
	reported int

	fileLabel string
	timestamp string

	nvar       int
	weightName string
	vars       []*Variable
	byName     map[string]*Variable
	widths     []int
	labelSet   int
	started    bool
}

func (p *Parser) parsePOR(r io.ReadSeeker) error {
	size, err := sourceSize(r)
	if err != nil {
		return err
	}
	if size > 64<<20 {
		return xerrors.Errorf("portable file of %d bytes: %w", size, ErrOutOfMemory)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}

	// Portable files are a character stream chopped into 80-column
	// lines; short lines are implicitly space padded.
	var data []byte
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		for len(line) < 80 {
			line += " "
		}
		data = append(data, line...)
	}
	if len(data) < 200+256+8 {
		return xerrors.Errorf("portable file too short: %w", ErrParse)
	}

	s := &porReader{p: p, data: data, byName: make(map[string]*Variable)}
	table := data[200 : 200+256]
	for i, c := range table {
		if porCanonical[i] != 0 && s.trans[c] == 0 {
			s.trans[c] = porCanonical[i]
		}
	}
	s.pos = 200 + 256

	sig := make([]byte, 8)
	for i := range sig {
		c, err := s.ch()
		if err != nil {
			return err
		}
		sig[i] = c
	}
	if string(sig) != "SPSSPORT" {
		return xerrors.Errorf("bad signature %q: %w", sig, ErrParse)
	}

	if _, err := s.ch(); err != nil { // format version, 'A'
		return err
	}
	date, err := s.readString()
	if err != nil {
		return err
	}
	clock, err := s.readString()
	if err != nil {
		return err
	}
	s.timestamp = date + " " + clock

	return s.readRecords()
}

func (s *porReader) ch() (byte, error) {
	if s.pos >= len(s.data) {
		return 0, xerrors.Errorf("unexpected end of portable file: %w", ErrParse)
	}
	c := s.data[s.pos]
	s.pos++
	if s.pos-s.reported >= 64*1024 {
		s.reported = s.pos
		if err := s.p.progressAt(int64(s.pos), int64(len(s.data))); err != nil {
			return 0, err
		}
	}
	t := s.trans[c]
	if t == 0 {
		return 0, xerrors.Errorf("untranslatable byte 0x%02x: %w", c, ErrEncoding)
	}
	return t, nil
}

// number reads one base-30 number terminated by '/'. A '*' introduces
// the system missing value, written '*.'.
func (s *porReader) number() (val float64, missing bool, err error) {
	c, err := s.ch()
	if err != nil {
		return 0, false, err
	}
	for c == ' ' {
		if c, err = s.ch(); err != nil {
			return 0, false, err
		}
	}
	if c == '*' {
		if c, err = s.ch(); err != nil {
			return 0, false, err
		}
		if c != '.' {
			return 0, false, xerrors.Errorf("bad missing value marker: %w", ErrParse)
		}
		return 0, true, nil
	}
	neg := false
	if c == '-' || c == '+' {
		neg = c == '-'
		if c, err = s.ch(); err != nil {
			return 0, false, err
		}
	}
	digits := 0
	for {
		d, ok := porDigit(c)
		if !ok {
			break
		}
		val = val*30 + float64(d)
		digits++
		if c, err = s.ch(); err != nil {
			return 0, false, err
		}
	}
	if c == '.' {
		scale := 1.0
		for {
			if c, err = s.ch(); err != nil {
				return 0, false, err
			}
			d, ok := porDigit(c)
			if !ok {
				break
			}
			scale /= 30
			val += float64(d) * scale
			digits++
		}
	}
	if c == '+' || c == '-' {
		expNeg := c == '-'
		exp := 0.0
		for {
			if c, err = s.ch(); err != nil {
				return 0, false, err
			}
			d, ok := porDigit(c)
			if !ok {
				break
			}
			exp = exp*30 + float64(d)
		}
		if expNeg {
			exp = -exp
		}
		val *= math.Pow(30, exp)
	}
	if c != '/' || digits == 0 {
		return 0, false, xerrors.Errorf("malformed base-30 number: %w", ErrParse)
	}
	if neg {
		val = -val
	}
	return val, false, nil
}

func porDigit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'A' && c <= 'T':
		return int(c-'A') + 10, true
	}
	return 0, false
}

func (s *porReader) integer() (int, error) {
	v, missing, err := s.number()
	if err != nil {
		return 0, err
	}
	if missing {
		return 0, xerrors.Errorf("missing value where an integer is required: %w", ErrParse)
	}
	return int(v), nil
}

func (s *porReader) readString() (string, error) {
	n, err := s.integer()
	if err != nil {
		return "", err
	}
	if n < 0 || n > 32<<10 {
		return "", xerrors.Errorf("string of %d bytes: %w", n, ErrParse)
	}
	b := make([]byte, n)
	for i := range b {
		c, err := s.ch()
		if err != nil {
			return "", err
		}
		b[i] = c
	}
	return strings.TrimRight(string(b), " "), nil
}

func (s *porReader) readRecords() error {
	var current *Variable
	for {
		tag, err := s.ch()
		if err != nil {
			return err
		}
		switch tag {
		case ' ':
			continue
		case '1', '2': // product, author
			if _, err := s.readString(); err != nil {
				return err
			}
		case '3': // file label
			label, err := s.readString()
			if err != nil {
				return err
			}
			s.fileLabel = label
		case '4':
			n, err := s.integer()
			if err != nil {
				return err
			}
			if n < 0 || n > 1<<20 {
				return xerrors.Errorf("variable count %d: %w", n, ErrParse)
			}
			s.nvar = n
		case '5': // precision
			if _, err := s.integer(); err != nil {
				return err
			}
		case '6':
			name, err := s.readString()
			if err != nil {
				return err
			}
			s.weightName = name
		case '7':
			if current, err = s.readVariableRecord(); err != nil {
				return err
			}
		case '8', '9', 'A': // discrete missing, LO THRU x, x THRU HI
			if err := s.skipMissingValue(current); err != nil {
				return err
			}
		case 'B': // x THRU y
			if err := s.skipMissingValue(current); err != nil {
				return err
			}
			if err := s.skipMissingValue(current); err != nil {
				return err
			}
		case 'C':
			label, err := s.readString()
			if err != nil {
				return err
			}
			if current == nil {
				return xerrors.Errorf("variable label before any variable: %w", ErrParse)
			}
			current.Label = label
		case 'D':
			if err := s.readValueLabels(); err != nil {
				return err
			}
		case 'E':
			n, err := s.integer()
			if err != nil {
				return err
			}
			if n < 0 || n > 1<<20 {
				return xerrors.Errorf("%d document lines: %w", n, ErrParse)
			}
			for i := 0; i < n; i++ {
				if _, err := s.readString(); err != nil {
					return err
				}
			}
		case 'F':
			return s.readRows()
		case 'Z':
			return s.finishWithoutData()
		default:
			return xerrors.Errorf("record tag %q: %w", tag, ErrParse)
		}
	}
}

func (s *porReader) readVariableRecord() (*Variable, error) {
	width, err := s.integer()
	if err != nil {
		return nil, err
	}
	if width < 0 || width > 255 {
		return nil, xerrors.Errorf("variable width %d: %w", width, ErrParse)
	}
	name, err := s.readString()
	if err != nil {
		return nil, err
	}
	var printFmt [3]int
	for i := range printFmt {
		if printFmt[i], err = s.integer(); err != nil {
			return nil, err
		}
	}
	for i := 0; i < 3; i++ { // write format
		if _, err := s.integer(); err != nil {
			return nil, err
		}
	}
	v := &Variable{
		Index: len(s.vars),
		Name:  name,
	}
	if width == 0 {
		v.Type = TypeDouble
		v.StorageWidth = 8
	} else {
		v.Type = TypeString
		v.StorageWidth = width
	}
	if name := savFormatNames[printFmt[0]]; name != "" {
		if v.Type == TypeString {
			v.Format = fmt.Sprintf("A%d", width)
		} else if printFmt[2] > 0 {
			v.Format = fmt.Sprintf("%s%d.%d", name, printFmt[1], printFmt[2])
		} else {
			v.Format = fmt.Sprintf("%s%d", name, printFmt[1])
		}
	}
	s.vars = append(s.vars, v)
	s.widths = append(s.widths, width)
	s.byName[name] = v
	return v, nil
}

func (s *porReader) skipMissingValue(current *Variable) error {
	if current != nil && current.Type.IsCharacter() {
		_, err := s.readString()
		return err
	}
	_, _, err := s.number()
	return err
}

func (s *porReader) readValueLabels() error {
	n, err := s.integer()
	if err != nil {
		return err
	}
	if n < 0 || n > len(s.vars) {
		return xerrors.Errorf("value label record references %d variables: %w", n, ErrParse)
	}
	numeric := true
	name := fmt.Sprintf("labels%d", s.labelSet)
	s.labelSet++
	for i := 0; i < n; i++ {
		varName, err := s.readString()
		if err != nil {
			return err
		}
		v, ok := s.byName[varName]
		if !ok {
			return xerrors.Errorf("value labels for unknown variable %s: %w", varName, ErrParse)
		}
		if i == 0 {
			numeric = v.Type.IsNumeric()
		}
		v.ValueLabelSet = name
	}
	count, err := s.integer()
	if err != nil {
		return err
	}
	if count < 0 || count > 1<<20 {
		return xerrors.Errorf("%d value labels: %w", count, ErrParse)
	}
	for i := 0; i < count; i++ {
		var key Value
		if numeric {
			v, missing, err := s.number()
			if err != nil {
				return err
			}
			if missing {
				key = SystemMissingValue()
			} else {
				key = DoubleValue(v)
			}
		} else {
			str, err := s.readString()
			if err != nil {
				return err
			}
			key = StringValue(str)
		}
		label, err := s.readString()
		if err != nil {
			return err
		}
		if err := s.p.callValueLabel(name, key, label); err != nil {
			return err
		}
	}
	return nil
}

func (s *porReader) begin() error {
	if s.started {
		return nil
	}
	s.started = true
	if s.nvar != 0 && s.nvar != len(s.vars) {
		return xerrors.Errorf("declared %d variables, found %d: %w", s.nvar, len(s.vars), ErrParse)
	}
	// The observation count is not recorded in portable files.
	if err := s.p.callInfo(-1, len(s.vars)); err != nil {
		return err
	}
	if err := s.p.callMetadata(s.fileLabel, porParseTimestamp(s.timestamp), 0); err != nil {
		return err
	}
	if s.weightName != "" {
		if v, ok := s.byName[s.weightName]; ok {
			if err := s.p.callFWeight(v.Index); err != nil {
				return err
			}
		}
	}
	for i, v := range s.vars {
		if err := s.p.callVariable(i, v, v.ValueLabelSet); err != nil {
			return err
		}
	}
	return nil
}

func (s *porReader) finishWithoutData() error {
	return s.begin()
}

func (s *porReader) readRows() error {
	if err := s.begin(); err != nil {
		return err
	}
	for obs := 0; ; obs++ {
		for i, v := range s.vars {
			if i == 0 {
				// A 'Z' in value position ends the data.
				end, err := s.atEnd()
				if err != nil {
					return err
				}
				if end {
					return nil
				}
			}
			var value Value
			if s.widths[i] == 0 {
				n, missing, err := s.number()
				if err != nil {
					return err
				}
				if missing {
					value = SystemMissingValue()
				} else {
					value = DoubleValue(n)
				}
			} else {
				str, err := s.readString()
				if err != nil {
					return err
				}
				value = StringValue(str)
			}
			if err := s.p.callValue(obs, v.Index, value); err != nil {
				return err
			}
		}
	}
}

// atEnd peeks past spaces for the 'Z' end-of-data marker.
func (s *porReader) atEnd() (bool, error) {
	for {
		if s.pos >= len(s.data) {
			return true, nil
		}
		c := s.trans[s.data[s.pos]]
		switch c {
		case ' ':
			s.pos++
		case 'Z':
			return true, nil
		default:
			return false, nil
		}
	}
}

// porParseTimestamp decodes the "yyyymmdd hhmmss" stamp of the header.
func porParseTimestamp(stamp string) time.Time {
	if t, err := time.ParseInLocation("20060102 150405", strings.TrimSpace(stamp), time.Local); err == nil {
		return t
	}
	return time.Time{}
}
