package main

import (
	"strings"

	readstat "github.com/davidanthoff/ReadStat"
	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// nativeModule writes SAS7BDAT output through the library writer. The
// artifact goes through a temp file and only replaces the destination
// on success, so a failed conversion leaves no partial output.
type nativeModule struct {
	pending *renameio.PendingFile
	w       *readstat.Writer

	rowCount  int
	begun     bool
	dataBegun bool
	row       []readstat.Value
}

func (m *nativeModule) accept(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".sas7bdat")
}

func (m *nativeModule) open(path string) error {
	pending, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	m.pending = pending
	m.w = readstat.NewWriter(pending)
	m.rowCount = -1
	return nil
}

func (m *nativeModule) info(obsCount, varCount int) error {
	m.rowCount = obsCount
	return nil
}

// valueLabel drops label tables: SAS keeps value labels in a separate
// catalog file, which this backend does not produce.
func (m *nativeModule) valueLabel(set string, value readstat.Value, label string) error {
	return nil
}

// fweight drops the weight designation; SAS7BDAT has no slot for it.
func (m *nativeModule) fweight(index int) error { return nil }

func (m *nativeModule) ensureBegun() error {
	if m.begun {
		return nil
	}
	if m.rowCount < 0 {
		return xerrors.New("input does not declare a row count; cannot write sas7bdat output")
	}
	if err := m.w.BeginWritingSAS7BDAT(m.rowCount); err != nil {
		return err
	}
	m.begun = true
	return nil
}

func (m *nativeModule) variable(index int, v *readstat.Variable, set string) error {
	if err := m.ensureBegun(); err != nil {
		return err
	}
	_, err := m.w.AddVariable(v.Name, v.Type, v.StorageWidth, v.Label, v.Format)
	return err
}

func (m *nativeModule) ensureData() error {
	if m.dataBegun {
		return nil
	}
	if err := m.w.BeginData(); err != nil {
		return err
	}
	m.dataBegun = true
	return nil
}

func (m *nativeModule) value(obsIndex, varIndex int, value readstat.Value) error {
	if err := m.ensureData(); err != nil {
		return err
	}
	vars := m.w.Variables()
	if m.row == nil {
		m.row = make([]readstat.Value, len(vars))
	}
	if varIndex == 0 {
		for i, v := range vars {
			if v.Type.IsCharacter() {
				m.row[i] = readstat.StringValue("")
			} else {
				m.row[i] = readstat.SystemMissingValue()
			}
		}
	}
	if varIndex < 0 || varIndex >= len(m.row) {
		return xerrors.Errorf("value for unknown variable %d", varIndex)
	}
	m.row[varIndex] = value
	if varIndex == len(vars)-1 {
		return m.w.InsertRow(m.row)
	}
	return nil
}

func (m *nativeModule) finish() error {
	if err := m.ensureBegun(); err != nil {
		return err
	}
	if err := m.ensureData(); err != nil {
		return err
	}
	if err := m.w.EndWriting(); err != nil {
		return err
	}
	return m.pending.CloseAtomicallyReplace()
}

func (m *nativeModule) discard() {
	if m.pending != nil {
		m.pending.Cleanup()
	}
}
