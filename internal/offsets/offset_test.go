package offsets

import "testing"

func TestParseSentinels(t *testing.T) {
	for _, s := range []string{"", "-1"} {
		off, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if !off.IsZero() {
			t.Fatalf("Parse(%q) = %v, want Zero", s, off)
		}
	}
}

func TestParseRoundTrip(t *testing.T) {
	off := Offset{BytePos: 1234, SeqIndex: 7}
	s := off.String()
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	if got != off {
		t.Fatalf("round trip = %v, want %v", got, off)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"abc", "1_", "_1", "1_2_3", "1.5_2", "-5_0"} {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestCompareOrdering(t *testing.T) {
	a := Offset{BytePos: 0, SeqIndex: 0}
	b := Offset{BytePos: 0, SeqIndex: 1}
	c := Offset{BytePos: 5, SeqIndex: 0}
	if !a.LessThan(b) || !b.LessThan(c) {
		t.Fatalf("expected a < b < c, got a=%v b=%v c=%v", a, b, c)
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected equal offsets to compare 0")
	}
}

func TestStringLexicographicMatchesCompare(t *testing.T) {
	offs := []Offset{
		{BytePos: 0, SeqIndex: 0},
		{BytePos: 9, SeqIndex: 0},
		{BytePos: 10, SeqIndex: 0},
		{BytePos: 10, SeqIndex: 5},
		{BytePos: 100, SeqIndex: 0},
	}
	for i := 0; i < len(offs)-1; i++ {
		a, b := offs[i], offs[i+1]
		if !(a.String() < b.String()) {
			t.Fatalf("rendered strings out of order: %q should be < %q", a.String(), b.String())
		}
		if a.Compare(b) >= 0 {
			t.Fatalf("Compare disagrees with string order for %v, %v", a, b)
		}
	}
}

func TestAdvance(t *testing.T) {
	off := Zero
	off = off.Advance(5)
	if off != (Offset{BytePos: 5, SeqIndex: 1}) {
		t.Fatalf("Advance(5) = %v", off)
	}
	off = off.Advance(3)
	if off != (Offset{BytePos: 8, SeqIndex: 2}) {
		t.Fatalf("Advance(3) = %v", off)
	}
}
