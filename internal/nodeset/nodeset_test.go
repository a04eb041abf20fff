package nodeset

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustParse(t *testing.T, s string) *NodeSet {
	t.Helper()
	ns, err := Parse(s, nil)
	if err != nil {
		t.Fatalf("Parse(%q): %v", s, err)
	}
	return ns
}

func TestFoldScenario1(t *testing.T) {
	ns := mustParse(t, "foo2,foo4,foo6")
	if got := ns.Fold(3); got != "foo[2-6/2]" {
		t.Errorf("Fold(3) = %q, want foo[2-6/2]", got)
	}
	if got := ns.Fold(4); got != "foo[2,4,6]" {
		t.Errorf("Fold(4) = %q, want foo[2,4,6]", got)
	}
}

func Test2DIteration(t *testing.T) {
	ns := mustParse(t, "foo1-ib0,foo1-ib1,foo2-ib0,foo2-ib1")
	if got := ns.String(); got != "foo[1-2]-ib[0-1]" {
		t.Errorf("String() = %q, want foo[1-2]-ib[0-1]", got)
	}
	got := ns.Slice()
	want := []string{"foo1-ib0", "foo1-ib1", "foo2-ib0", "foo2-ib1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("iteration order mismatch (-want +got):\n%s", diff)
	}
}

func TestSetDifferenceScenario(t *testing.T) {
	full := mustParse(t, "node[1-5]")
	excl := mustParse(t, "node3")
	got := full.Difference(excl)
	if got.String() != "node[1-2,4-5]" {
		t.Errorf("got %q, want node[1-2,4-5]", got.String())
	}
	if got.Len() != 4 {
		t.Errorf("Len() = %d, want 4", got.Len())
	}
}

func TestUnionAndExclOperators(t *testing.T) {
	ns, err := Parse("node[1-5]!node3", nil)
	if err != nil {
		t.Fatal(err)
	}
	if ns.String() != "node[1-2,4-5]" {
		t.Errorf("got %q", ns.String())
	}
}

func TestEmptyNodeSet(t *testing.T) {
	ns := New()
	if ns.String() != "" {
		t.Errorf("empty NodeSet should render as empty string")
	}
	if ns.Len() != 0 {
		t.Errorf("empty NodeSet len should be 0")
	}
}

func TestPlainNodeNameNoDigits(t *testing.T) {
	ns := mustParse(t, "gateway")
	if ns.String() != "gateway" {
		t.Errorf("got %q", ns.String())
	}
	if !ns.Contains("gateway") {
		t.Error("expected Contains(gateway)")
	}
}

func TestMalformedPatterns(t *testing.T) {
	bad := []string{
		"nova[]",
		"node[2-5/a]",
		"node[3-2]",
		"node[004-002]",
		"node[1-5",
		"node1-5]",
	}
	for _, p := range bad {
		if _, err := Parse(p, nil); err == nil {
			t.Errorf("Parse(%q): expected error, got none", p)
		}
	}
}

func TestUnknownGroupSource(t *testing.T) {
	_, err := Parse("@nosuchgroup:all", nil)
	if err == nil {
		t.Error("expected error for group reference without resolver")
	}
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(source, name string) (string, error) {
	key := source + ":" + name
	if p, ok := f[key]; ok {
		return p, nil
	}
	return "", &ParseError{Input: key, Msg: "unknown group source"}
}

func (f fakeResolver) Reverse(pattern string) (string, string, bool) { return "", "", false }

func TestGroupResolution(t *testing.T) {
	resolver := fakeResolver{":all": "node[1-3]"}
	ns, err := Parse("@all", resolver)
	if err != nil {
		t.Fatal(err)
	}
	if ns.String() != "node[1-3]" {
		t.Errorf("got %q", ns.String())
	}
}

func TestSetAlgebraInvariants(t *testing.T) {
	a := mustParse(t, "node[1-10]")
	b := mustParse(t, "node[5-15]")
	union := a.Union(b)
	inter := a.Intersection(b)
	if union.Len() != a.Len()+b.Len()-inter.Len() {
		t.Errorf("|A∪B| != |A|+|B|-|A∩B|: %d != %d", union.Len(), a.Len()+b.Len()-inter.Len())
	}
	diff := a.Difference(b)
	diff.Iterate(func(name string) bool {
		if !a.Contains(name) {
			t.Errorf("difference element %q not in A", name)
		}
		if b.Contains(name) {
			t.Errorf("difference element %q unexpectedly in B", name)
		}
		return true
	})
}

func TestCompare(t *testing.T) {
	big := mustParse(t, "node[1-10]")
	small := mustParse(t, "node[1-2]")
	if Compare(big, small) >= 0 {
		t.Error("larger set should sort first")
	}
}

type reversingResolver struct {
	fakeResolver
	byPattern map[string][2]string
}

func (r reversingResolver) Reverse(pattern string) (string, string, bool) {
	if v, ok := r.byPattern[pattern]; ok {
		return v[0], v[1], true
	}
	return "", "", false
}

func TestRegroupSubstitutesKnownGroup(t *testing.T) {
	resolver := reversingResolver{
		byPattern: map[string][2]string{"node[1-64]": {"default", "compute"}},
	}
	ns := mustParse(t, "node[1-64]")
	if got := ns.Regroup(resolver); got != "@compute" {
		t.Errorf("Regroup() = %q, want @compute", got)
	}
}

func TestRegroupFallsBackToFoldWhenNoGroupMatches(t *testing.T) {
	resolver := reversingResolver{byPattern: map[string][2]string{}}
	ns := mustParse(t, "node[1-3]")
	if got := ns.Regroup(resolver); got != "node[1-3]" {
		t.Errorf("Regroup() = %q, want node[1-3]", got)
	}
}
