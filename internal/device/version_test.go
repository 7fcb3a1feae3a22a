package device

import "testing"

func TestParseVersionStandardForm(t *testing.T) {
	v := ParseVersion("GP Firmware 10v05")
	if v.Major != 10 || v.Minor != 5 {
		t.Fatalf("ParseVersion = %+v; want 10.5", v)
	}
	if !v.AtLeast(10, 5) || v.AtLeast(10, 6) || !v.AtLeast(9, 99) {
		t.Fatalf("AtLeast behaved unexpectedly for %+v", v)
	}
}

func TestParseVersionLegacyForm(t *testing.T) {
	v := ParseVersion("8v28")
	if v.Major != 8 || v.Minor != 28 {
		t.Fatalf("ParseVersion = %+v; want 8.28", v)
	}
	if v.AtLeast(9, 0) {
		t.Fatalf("8v28 should not satisfy AtLeast(9,0)")
	}
}

func TestParseVersionDigitsOnlyFallback(t *testing.T) {
	v := ParseVersion("BUILD 42")
	if v.Major != 42 || v.Minor != 0 {
		t.Fatalf("ParseVersion fallback = %+v; want 42.0", v)
	}
}

func TestParseVersionUnparsable(t *testing.T) {
	v := ParseVersion("no digits here")
	if v.Major != 0 || v.Minor != 0 {
		t.Fatalf("ParseVersion unparsable = %+v; want zero version", v)
	}
	if v.AtLeast(0, 0) == false {
		t.Fatalf("zero version should satisfy AtLeast(0,0)")
	}
	if v.AtLeast(1, 0) {
		t.Fatalf("zero version should not satisfy AtLeast(1,0)")
	}
}
