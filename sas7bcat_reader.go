package readstat

import (
	"io"
	"math"

	"golang.org/x/xerrors"
)

// parseSAS7BCAT reads a SAS catalog and emits its value-label sets.
// The header and page geometry are shared with the data file dialect;
// label-set blocks are located by scanning each page. A block that
// fails validation is skipped, not fatal: catalogs mix label sets with
// unrelated catalog entries (formats, macros) that this parser does
// not interpret.
func (p *Parser) parseSAS7BCAT(r io.ReadSeeker) error {
	size, err := sourceSize(r)
	if err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return xerrors.Errorf("%v: %w", err, ErrIO)
	}
	hdr, err := parseSASHeader(r, true)
	if err != nil {
		return err
	}

	if err := p.callInfo(0, 0); err != nil {
		return err
	}
	if err := p.callMetadata(hdr.fileLabel, hdr.creation, hdr.release); err != nil {
		return err
	}

	page := make([]byte, hdr.pageSize)
	for i := int64(0); i < hdr.pageCount; i++ {
		if _, err := r.Seek(hdr.headerSize+i*hdr.pageSize, io.SeekStart); err != nil {
			return xerrors.Errorf("%v: %w", err, ErrIO)
		}
		if err := readFull(r, page); err != nil {
			return err
		}
		if err := p.scanCatalogPage(hdr, page); err != nil {
			return err
		}
		if err := p.update(r, size); err != nil {
			return err
		}
	}
	return nil
}

func (p *Parser) scanCatalogPage(hdr *sasHeader, page []byte) error {
	for off := hdr.pageHeaderSize; off+40 <= len(page); off += 16 {
		consumed, err := p.parseCatalogBlock(hdr, page[off:])
		if err != nil {
			return err
		}
		if consumed > 0 {
			off += (consumed + 15) / 16 * 16 - 16
		}
	}
	return nil
}

// parseCatalogBlock attempts to decode one value-label block and
// returns the number of bytes it covered, or 0 if the bytes do not
// form a block.
func (p *Parser) parseCatalogBlock(hdr *sasHeader, block []byte) (int, error) {
	order := hdr.order
	length := int(order.Uint32(block))
	if length < 64 || length > len(block) {
		return 0, nil
	}
	count := int(order.Uint16(block[4:]))
	if count == 0 || count > 4096 || order.Uint16(block[6:]) != 0 {
		return 0, nil
	}
	name := trimSASString(block[8:40])
	if name == "" || !isSASNameStart(name[0]) {
		return 0, nil
	}

	// Validate the whole block before emitting anything, so that a
	// lookalike prefix never produces stray events.
	type entry struct {
		key   Value
		label string
	}
	var entries []entry
	off := 40
	for i := 0; i < count; i++ {
		if off+10 > length {
			return 0, nil
		}
		entryLen := int(order.Uint16(block[off:]))
		if entryLen < 10 || off+entryLen > length {
			return 0, nil
		}
		bits := order.Uint64(block[off+2:])
		label := trimSASString(block[off+10 : off+entryLen])

		var key Value
		if tag, missing := sasMissingTag(bits); missing {
			if tag == 0 {
				key = SystemMissingValue()
			} else {
				key = TaggedMissingValue(tag)
			}
		} else {
			key = DoubleValue(math.Float64frombits(bits))
		}
		entries = append(entries, entry{key: key, label: label})
		off += entryLen
	}
	for _, e := range entries {
		if err := p.callValueLabel(name, e.key, e.label); err != nil {
			return 0, err
		}
	}
	return length, nil
}

func isSASNameStart(c byte) bool {
	return c == '_' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}
