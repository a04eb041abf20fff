package rangeset

import (
	"testing"
	"testing/quick"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) *RangeSet {
	t.Helper()
	rs, err := Parse(s)
	require.NoError(t, err)
	return rs
}

func TestParseFoldRoundTrip(t *testing.T) {
	cases := []struct{ in, foldedDefault string }{
		{"1", "1"},
		{"1-5", "1-5"},
		{"1,3,5", "1,3,5"},
		{"007-009", "007-009"},
		{"1-3,7-9", "1-3,7-9"},
		{"", ""},
	}
	for _, c := range cases {
		rs := mustParse(t, c.in)
		if got := rs.String(); got != c.foldedDefault {
			t.Errorf("Parse(%q).String() = %q, want %q", c.in, got, c.foldedDefault)
		}
		rs2 := mustParse(t, rs.String())
		if !rs.Equal(rs2) {
			t.Errorf("round trip mismatch for %q: %v != %v", c.in, rs.Slice(), rs2.Slice())
		}
	}
}

func TestFoldAutostep(t *testing.T) {
	rs := mustParse(t, "2,4,6")
	if got := rs.Fold(3); got != "2-6/2" {
		t.Errorf("Fold(3) = %q, want 2-6/2", got)
	}
	if got := rs.Fold(4); got != "2,4,6" {
		t.Errorf("Fold(4) = %q, want 2,4,6", got)
	}
}

func TestSingleElementFoldsToBareNumber(t *testing.T) {
	rs := mustParse(t, "5-5")
	if got := rs.String(); got != "5" {
		t.Errorf("got %q, want 5", got)
	}
}

func TestEmptySet(t *testing.T) {
	rs := New()
	if rs.String() != "" {
		t.Errorf("empty RangeSet should render as empty string, got %q", rs.String())
	}
	if rs.Len() != 0 {
		t.Errorf("empty RangeSet should have len 0")
	}
	n := 0
	rs.Each(func(uint64) bool { n++; return true })
	if n != 0 {
		t.Errorf("empty RangeSet should iterate zero times")
	}
}

func TestParseErrors(t *testing.T) {
	bad := []string{"2-5/a", "3-2", "004-002", "", "1-2-3"}
	for _, s := range bad {
		if s == "" {
			continue // "" is valid: the empty set
		}
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error, got none", s)
		}
	}
}

func TestMixedPadWidthUnionIsError(t *testing.T) {
	a := mustParse(t, "01-03")
	b := mustParse(t, "004-006")
	if _, err := a.Union(b); err == nil {
		t.Error("expected error unioning incompatible pad widths")
	}
}

func TestSetAlgebraInvariants(t *testing.T) {
	f := func(as, bs []uint8) bool {
		aVals := dedupe(as)
		bVals := dedupe(bs)
		a := fromUints(aVals)
		b := fromUints(bVals)
		union, err := a.Union(b)
		if err != nil {
			t.Fatal(err)
		}
		inter, err := a.Intersection(b)
		if err != nil {
			t.Fatal(err)
		}
		diff, err := a.Difference(b)
		if err != nil {
			t.Fatal(err)
		}
		if union.Len() != a.Len()+b.Len()-inter.Len() {
			return false
		}
		ok := true
		diff.Each(func(v uint64) bool {
			if !a.Contains(v) {
				ok = false
			}
			return true
		})
		return ok
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func dedupe(in []uint8) []uint64 {
	seen := map[uint64]bool{}
	var out []uint64
	for _, v := range in {
		u := uint64(v)
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	return out
}

func fromUints(vs []uint64) *RangeSet {
	rs := New()
	var ivs []interval
	for _, v := range vs {
		ivs = append(ivs, interval{v, v})
	}
	rs.intervals = mergedFromSorted(ivs)
	return rs
}

func TestSliceOrdering(t *testing.T) {
	rs := mustParse(t, "5,1,3")
	got := rs.Slice()
	want := []uint64{1, 3, 5}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Slice() mismatch (-want +got):\n%s", diff)
	}
}

func TestContiguousYieldsMaximalRuns(t *testing.T) {
	rs := mustParse(t, "1-3,7-9,11")
	var runs []Run
	rs.Contiguous(func(r Run) bool {
		runs = append(runs, r)
		return true
	})
	want := []Run{{1, 3}, {7, 9}, {11, 11}}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("Contiguous() mismatch (-want +got):\n%s", diff)
	}
}

func TestContiguousStopsEarly(t *testing.T) {
	rs := mustParse(t, "1-3,7-9,11")
	var runs []Run
	rs.Contiguous(func(r Run) bool {
		runs = append(runs, r)
		return len(runs) < 1
	})
	if len(runs) != 1 {
		t.Errorf("expected early stop after 1 run, got %d", len(runs))
	}
}
