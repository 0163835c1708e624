package main

import (
	"encoding/csv"
	"strconv"
	"strings"

	readstat "github.com/davidanthoff/ReadStat"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// csvModule writes a header row of variable names followed by the
// cells, row-major. Quoting is left to encoding/csv.
type csvModule struct {
	pending *renameio.PendingFile
	cw      *csv.Writer

	names         []string
	row           []string
	headerWritten bool
}

func (m *csvModule) accept(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".csv")
}

func (m *csvModule) open(path string) error {
	pending, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	m.pending = pending
	m.cw = csv.NewWriter(pending)
	return nil
}

func (m *csvModule) info(obsCount, varCount int) error { return nil }

func (m *csvModule) valueLabel(set string, value readstat.Value, label string) error {
	return nil
}

func (m *csvModule) fweight(index int) error { return nil }

func (m *csvModule) variable(index int, v *readstat.Variable, set string) error {
	m.names = append(m.names, v.Name)
	return nil
}

func formatCSVCell(value readstat.Value) string {
	if value.IsSystemMissing() {
		return ""
	}
	if value.IsTaggedMissing() {
		return "." + string(rune(value.Tag()))
	}
	if value.Type().IsCharacter() {
		return value.String()
	}
	return strconv.FormatFloat(value.Float64(), 'g', -1, 64)
}

func (m *csvModule) value(obsIndex, varIndex int, value readstat.Value) error {
	if !m.headerWritten {
		if err := m.cw.Write(m.names); err != nil {
			return err
		}
		m.headerWritten = true
		m.row = make([]string, len(m.names))
	}
	if varIndex < 0 || varIndex >= len(m.row) {
		return xerrors.Errorf("value for unknown variable %d", varIndex)
	}
	m.row[varIndex] = formatCSVCell(value)
	if varIndex == len(m.row)-1 {
		return m.cw.Write(m.row)
	}
	return nil
}

func (m *csvModule) finish() error {
	if !m.headerWritten {
		if err := m.cw.Write(m.names); err != nil {
			return err
		}
	}
	m.cw.Flush()
	if err := m.cw.Error(); err != nil {
		return err
	}
	return m.pending.CloseAtomicallyReplace()
}

func (m *csvModule) discard() {
	if m.pending != nil {
		m.pending.Cleanup()
	}
}
