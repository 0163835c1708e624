package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	readstat "github.com/davidanthoff/ReadStat"
)

func writeTestInput(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := readstat.NewWriter(f)
	w.SetFileLabel("driver test")
	if err := w.BeginWritingSAS7BDAT(2); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddVariable("x", readstat.TypeDouble, 8, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddVariable("s", readstat.TypeString, 8, "", ""); err != nil {
		t.Fatal(err)
	}
	if err := w.BeginData(); err != nil {
		t.Fatal(err)
	}
	rows := [][]readstat.Value{
		{readstat.DoubleValue(1.5), readstat.StringValue("one")},
		{readstat.TaggedMissingValue('c'), readstat.StringValue("two")},
	}
	for _, row := range rows {
		if err := w.InsertRow(row); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.EndWriting(); err != nil {
		t.Fatal(err)
	}
}

func TestRunUsage(t *testing.T) {
	if got := run([]string{"readstat"}); got != 1 {
		t.Errorf("no arguments: exit %d, want 1", got)
	}
	if got := run([]string{"readstat", "-v"}); got != 0 {
		t.Errorf("-v: exit %d, want 0", got)
	}
	if got := run([]string{"readstat", "--help"}); got != 0 {
		t.Errorf("--help: exit %d, want 0", got)
	}
	if got := run([]string{"readstat", "in.xyz", "out.csv"}); got != 1 {
		t.Errorf("unknown input extension: exit %d, want 1", got)
	}
	if got := run([]string{"readstat", "in.dta", "out.xyz"}); got != 1 {
		t.Errorf("unknown output extension: exit %d, want 1", got)
	}
}

func TestRunMissingInputUnlinksNothing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.csv")
	if got := run([]string{"readstat", filepath.Join(dir, "no.dta"), out}); got != 1 {
		t.Fatalf("exit %d, want 1", got)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output artifact left behind: %v", err)
	}
}

func TestRunConvertToCSV(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.sas7bdat")
	out := filepath.Join(dir, "out.csv")
	writeTestInput(t, in)

	if got := run([]string{"readstat", in, out}); got != 0 {
		t.Fatalf("exit %d, want 0", got)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	want := []string{"x,s", "1.5,one", ".c,two"}
	if len(lines) != len(want) {
		t.Fatalf("csv output %q", string(b))
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRunConvertToSAS7BDAT(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.sas7bdat")
	out := filepath.Join(dir, "out.sas7bdat")
	writeTestInput(t, in)

	if got := run([]string{"readstat", in, out}); got != 0 {
		t.Fatalf("exit %d, want 0", got)
	}

	rows := 0
	p := &readstat.Parser{Handler: readstat.Handler{
		Value: func(obsIndex, varIndex int, value readstat.Value) error {
			if varIndex == 0 {
				rows++
			}
			return nil
		},
	}}
	if err := p.ParseFile(out); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Errorf("converted file has %d rows, want 2", rows)
	}
}
