package readstat

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// buildPOR emits a portable file whose translation table is the
// canonical character set itself.
func buildPOR(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	for i := 0; i < 5; i++ {
		buf.Write(spaceBytes("ASCII SPSS PORT FILE", 40))
	}
	table := make([]byte, 256)
	for i := range table {
		if porCanonical[i] != 0 {
			table[i] = porCanonical[i]
		} else {
			table[i] = 1
		}
	}
	buf.Write(table)
	buf.WriteString("SPSSPORT")
	buf.WriteString(body)
	// Chop into 80-column lines the way SPSS writes them.
	var lines []string
	raw := buf.String()
	for len(raw) > 80 {
		lines = append(lines, raw[:80])
		raw = raw[80:]
	}
	lines = append(lines, raw)
	return []byte(strings.Join(lines, "\r\n"))
}

func TestPOR(t *testing.T) {
	t.Parallel()
	body := "A" + "8/20130704" + "6/123000" +
		"1" + "4/SPSS" +
		"3" + "8/por test" +
		"4" + "2/" + "5" + "B/" +
		"6" + "4/NUMV" +
		"7" + "0/" + "4/NUMV" + "5/8/2/" + "5/8/2/" +
		"C" + "5/Money" +
		"7" + "4/" + "4/STRV" + "1/4/0/" + "1/4/0/" +
		"D" + "1/" + "4/NUMV" + "1/" + "1/" + "3/yes" +
		"F" +
		"3.F/" + "2/hi" +
		"*." + "0/" +
		"Z"

	var c collector
	p := &Parser{Handler: c.handler()}
	if err := p.Parse(bytes.NewReader(buildPOR(t, body)), FormatPOR); err != nil {
		t.Fatal(err)
	}

	if c.obsCount != -1 || c.varCount != 2 {
		t.Errorf("info (%d, %d), want (-1, 2)", c.obsCount, c.varCount)
	}
	if c.fileLabel != "por test" {
		t.Errorf("file label %q", c.fileLabel)
	}
	if c.timestamp.IsZero() {
		t.Error("timestamp did not parse")
	}
	if !c.fweightSeen || c.fweightIndex != 0 {
		t.Errorf("fweight (%v, %d), want variable 0", c.fweightSeen, c.fweightIndex)
	}

	wantVars := []*Variable{
		{Index: 0, Name: "NUMV", Label: "Money", Format: "F8.2", Type: TypeDouble,
			StorageWidth: 8, ValueLabelSet: "labels0"},
		{Index: 1, Name: "STRV", Format: "A4", Type: TypeString, StorageWidth: 4},
	}
	if diff := cmp.Diff(wantVars, c.vars); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}
	wantLabels := map[string][]labelEntry{
		"labels0": {{Key: cell{Kind: "num", Num: 1}, Label: "yes"}},
	}
	if diff := cmp.Diff(wantLabels, c.labelSets); diff != "" {
		t.Errorf("value labels mismatch (-want +got):\n%s", diff)
	}
	wantCells := [][]cell{
		{{Kind: "num", Num: 3.5}, {Kind: "str", Str: "hi"}},
		{{Kind: "miss"}, {Kind: "str"}},
	}
	if diff := cmp.Diff(wantCells, c.rows); diff != "" {
		t.Errorf("cells mismatch (-want +got):\n%s", diff)
	}
}

func TestPORBase30(t *testing.T) {
	t.Parallel()
	// 1T/ is 1*30+29 = 59; C.F/ is 12.5; -5+2/ is -5*900.
	body := "A" + "8/20130704" + "6/123000" +
		"4" + "1/" + "5" + "B/" +
		"7" + "0/" + "1/X" + "5/8/0/" + "5/8/0/" +
		"F" + "1T/" + "C.F/" + "-5+2/" + "Z"

	var c collector
	p := &Parser{Handler: c.handler()}
	if err := p.Parse(bytes.NewReader(buildPOR(t, body)), FormatPOR); err != nil {
		t.Fatal(err)
	}
	want := []float64{59, 12.5, -4500}
	if len(c.rows) != len(want) {
		t.Fatalf("%d rows, want %d", len(c.rows), len(want))
	}
	for i, v := range want {
		if got := c.rows[i][0].Num; got != v {
			t.Errorf("row %d = %v, want %v", i, got, v)
		}
	}
}

func TestPORBadTranslation(t *testing.T) {
	t.Parallel()
	data := buildPOR(t, "A"+"8/20130704"+"6/123000"+"4"+"1/")
	// Corrupt a signature byte into something the table does not map.
	idx := bytes.Index(data, []byte("SPSSPORT"))
	if idx < 0 {
		t.Fatal("no signature in fixture")
	}
	data[idx] = 2
	var c collector
	p := &Parser{Handler: c.handler()}
	err := p.Parse(bytes.NewReader(data), FormatPOR)
	if err == nil {
		t.Fatal("parse succeeded on an untranslatable file")
	}
}
