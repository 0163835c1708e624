package readstat

import (
	"math"
	"testing"
)

func TestValueAccessors(t *testing.T) {
	t.Parallel()
	v := DoubleValue(2.5)
	if v.IsMissing() || v.Float64() != 2.5 || v.Type() != TypeDouble {
		t.Errorf("DoubleValue(2.5) = %+v", v)
	}
	if got := Int16Value(-7).Float64(); got != -7 {
		t.Errorf("Int16Value(-7).Float64() = %v", got)
	}
	s := StringValue("hi")
	if s.String() != "hi" || !s.Type().IsCharacter() {
		t.Errorf("StringValue = %+v", s)
	}
	m := SystemMissingValue()
	if !m.IsSystemMissing() || m.IsTaggedMissing() || m.Tag() != 0 {
		t.Errorf("SystemMissingValue = %+v", m)
	}
	tm := TaggedMissingValue('q')
	if !tm.IsTaggedMissing() || tm.Tag() != 'q' || tm.String() != ".q" {
		t.Errorf("TaggedMissingValue('q') = %+v", tm)
	}
}

func TestSASTaggedMissingBits(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		tag   byte
		byte5 byte
	}{
		{0, 0xFF},
		{'a', 0x9E},
		{'z', 0x85},
	} {
		bits := sasTaggedMissingBits(tc.tag)
		if !math.IsNaN(math.Float64frombits(bits)) {
			t.Errorf("tag %d: bits %#x are not a NaN", tc.tag, bits)
		}
		if got := byte(bits >> 40); got != tc.byte5 {
			t.Errorf("tag %d: byte 5 = %#x, want %#x", tc.tag, got, tc.byte5)
		}
		tag, missing := sasMissingTag(bits)
		if !missing || tag != tc.tag {
			t.Errorf("round trip of tag %d: (%d, %v)", tc.tag, tag, missing)
		}
	}
	if _, missing := sasMissingTag(math.Float64bits(1.5)); missing {
		t.Error("1.5 classified as missing")
	}
	if _, missing := sasMissingTag(math.Float64bits(math.Inf(1))); missing {
		t.Error("+Inf classified as missing")
	}
}
