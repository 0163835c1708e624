package readstat

import (
	"time"
)

// collector is a Handler recording every event, used by the reader and
// round-trip tests.
type collector struct {
	obsCount, varCount int
	infoSeen           bool

	fileLabel     string
	timestamp     time.Time
	formatVersion int
	metadataSeen  bool

	fweightIndex int
	fweightSeen  bool

	vars      []*Variable
	labelSets map[string][]labelEntry
	rows      [][]cell
}

type labelEntry struct {
	Key   cell
	Label string
}

// cell is a comparison-friendly projection of a Value.
type cell struct {
	Kind string // "num", "str", "miss"
	Num  float64
	Str  string
	Tag  byte
}

func toCell(v Value) cell {
	switch {
	case v.IsMissing():
		return cell{Kind: "miss", Tag: v.Tag()}
	case v.Type().IsCharacter():
		return cell{Kind: "str", Str: v.String()}
	default:
		return cell{Kind: "num", Num: v.Float64()}
	}
}

func (c *collector) handler() Handler {
	return Handler{
		Info: func(obsCount, varCount int) error {
			c.obsCount, c.varCount = obsCount, varCount
			c.infoSeen = true
			return nil
		},
		Metadata: func(fileLabel string, timestamp time.Time, formatVersion int) error {
			c.fileLabel, c.timestamp, c.formatVersion = fileLabel, timestamp, formatVersion
			c.metadataSeen = true
			return nil
		},
		ValueLabel: func(labelSet string, value Value, label string) error {
			if c.labelSets == nil {
				c.labelSets = make(map[string][]labelEntry)
			}
			c.labelSets[labelSet] = append(c.labelSets[labelSet], labelEntry{Key: toCell(value), Label: label})
			return nil
		},
		FWeight: func(varIndex int) error {
			c.fweightIndex = varIndex
			c.fweightSeen = true
			return nil
		},
		Variable: func(index int, v *Variable, labelSet string) error {
			c.vars = append(c.vars, v)
			return nil
		},
		Value: func(obsIndex, varIndex int, value Value) error {
			for len(c.rows) <= obsIndex {
				c.rows = append(c.rows, nil)
			}
			c.rows[obsIndex] = append(c.rows[obsIndex], toCell(value))
			return nil
		},
	}
}
