package dlpe

import "testing"

func TestFilterAndNormalizeDropsInvalidAddrs(t *testing.T) {
	in := []Entry{
		{Traddr: "  10.0.0.1  ", Subnqn: " nqn.a "},
		{Traddr: ""},
		{Traddr: "0.0.0.0"},
		{Traddr: "::"},
		{Traddr: "10.0.0.2"},
	}
	out := FilterAndNormalize(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d: %+v", len(out), out)
	}
	if out[0].Traddr != "10.0.0.1" || out[0].Subnqn != "nqn.a" {
		t.Errorf("expected trimmed fields, got %+v", out[0])
	}
}

func TestReferrals(t *testing.T) {
	entries := []Entry{
		{Subtype: SubtypeNVM, Traddr: "10.0.0.1"},
		{Subtype: SubtypeReferral, Traddr: "10.0.0.2"},
		{Subtype: SubtypeNVM, Traddr: "10.0.0.3"},
	}
	refs := Referrals(entries)
	if len(refs) != 1 || refs[0].Traddr != "10.0.0.2" {
		t.Fatalf("unexpected referrals: %+v", refs)
	}
}

func TestSameSetOrderIndependent(t *testing.T) {
	a := []Entry{{Traddr: "1"}, {Traddr: "2"}}
	b := []Entry{{Traddr: "2"}, {Traddr: "1"}}
	if !SameSet(a, b) {
		t.Fatal("expected sets to be equal regardless of order")
	}
	c := []Entry{{Traddr: "2"}, {Traddr: "3"}}
	if SameSet(a, c) {
		t.Fatal("expected sets to differ")
	}
}

func TestHasNCC(t *testing.T) {
	e := Entry{Eflags: NCC}
	if !e.HasNCC() {
		t.Fatal("expected HasNCC to be true")
	}
	e.Eflags = 0
	if e.HasNCC() {
		t.Fatal("expected HasNCC to be false")
	}
}
