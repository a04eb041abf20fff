// Package nodeset implements NodeSet, a set of node names represented
// internally as a map from pattern skeleton to one or more N-dimensional
// rectangles of rangeset.RangeSet coordinates.
//
// A node name such as "foo12-ib3" decomposes into literal text segments
// ("foo", "-ib", "") interleaved with numeric dimensions (12, 3). Two
// names share a "skeleton" when their literal segments and dimension
// pad widths agree; operating dimension-wise within a shared skeleton
// is what keeps set algebra over huge ranges compact. Grounded on the
// teacher's internal/tree trie-of-segments design (internal/tree/node.go),
// generalized from filesystem path components to node-name segments.
package nodeset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cea-hpc/clustershell-go/internal/rangeset"
)

// GroupResolver resolves an external @source:name reference to a NodeSet
// pattern string. It is supplied by the caller (the core never reads a
// groups.conf file itself); see internal/config for a file-backed
// implementation.
type GroupResolver interface {
	Resolve(source, name string) (pattern string, err error)
	// Reverse attempts to map a NodeSet pattern back to "@source:name"
	// notation, for NodeSet.Regroup. ok is false when no group matches.
	Reverse(pattern string) (source, name string, ok bool)
}

// entry holds every node belonging to one pattern skeleton.
type entry struct {
	segments []string // len(dims)+1 literal segments
	// Exactly one representation is populated at a time.
	dims []*rangeset.RangeSet // "fast" form: a single N-d rectangle
	flat map[string]bool      // "slow" form: an explicit set of full names
}

func (e *entry) isFlat() bool { return e.flat != nil }

func (e *entry) clone() *entry {
	out := &entry{segments: append([]string(nil), e.segments...)}
	if e.isFlat() {
		out.flat = make(map[string]bool, len(e.flat))
		for k := range e.flat {
			out.flat[k] = true
		}
		return out
	}
	out.dims = make([]*rangeset.RangeSet, len(e.dims))
	for i, d := range e.dims {
		out.dims[i] = d.Clone()
	}
	return out
}

func (e *entry) count() int {
	if e.isFlat() {
		return len(e.flat)
	}
	n := 1
	for _, d := range e.dims {
		n *= d.Len()
	}
	return n
}

func (e *entry) render(dims []*rangeset.RangeSet, values []uint64) string {
	var b strings.Builder
	for i, seg := range e.segments {
		b.WriteString(seg)
		if i < len(dims) {
			b.WriteString(dims[i].RenderDigits(values[i]))
		}
	}
	return b.String()
}

// names returns every full node name in this entry, in ascending
// lexicographic-tuple order for fast entries, or sorted order for flat
// entries.
func (e *entry) names() []string {
	if e.isFlat() {
		out := make([]string, 0, len(e.flat))
		for n := range e.flat {
			out = append(out, n)
		}
		sort.Strings(out)
		return out
	}
	var out []string
	values := make([]uint64, len(e.dims))
	var rec func(i int)
	rec = func(i int) {
		if i == len(e.dims) {
			out = append(out, e.render(e.dims, values))
			return
		}
		e.dims[i].Each(func(v uint64) bool {
			values[i] = v
			rec(i + 1)
			return true
		})
	}
	rec(0)
	return out
}

func (e *entry) toFlat() *entry {
	if e.isFlat() {
		return e
	}
	flat := make(map[string]bool)
	for _, n := range e.names() {
		flat[n] = true
	}
	return &entry{segments: e.segments, flat: flat}
}

func skeletonKey(segments []string, dims []*rangeset.RangeSet) string {
	var b strings.Builder
	for i, s := range segments {
		b.WriteString(s)
		b.WriteByte(0)
		if i < len(dims) {
			fmt.Fprintf(&b, "%d", dims[i].PadWidth())
			b.WriteByte(0)
		}
	}
	return b.String()
}

func (e *entry) key() string { return skeletonKey(e.segments, e.dims) }

// NodeSet is a set of node names.
type NodeSet struct {
	entries map[string]*entry
}

// New returns an empty NodeSet.
func New() *NodeSet {
	return &NodeSet{entries: map[string]*entry{}}
}

// Clone returns an independent deep copy.
func (n *NodeSet) Clone() *NodeSet {
	out := New()
	for k, e := range n.entries {
		out.entries[k] = e.clone()
	}
	return out
}

// Len returns the number of distinct node names in the set.
func (n *NodeSet) Len() int {
	total := 0
	for _, e := range n.entries {
		total += e.count()
	}
	return total
}

// IsEmpty reports whether the set has no elements.
func (n *NodeSet) IsEmpty() bool { return n.Len() == 0 }

// addName folds one fully-decomposed name (segments + single-value dims)
// into the set, merging into the matching skeleton entry when present.
func (n *NodeSet) addName(segments []string, dims []*rangeset.RangeSet) {
	key := skeletonKey(segments, dims)
	if existing, ok := n.entries[key]; ok && !existing.isFlat() {
		merged, ok := mergeDims(existing.dims, dims)
		if ok {
			existing.dims = merged
			return
		}
		existing2 := existing.toFlat()
		for _, nm := range (&entry{segments: segments, dims: dims}).names() {
			existing2.flat[nm] = true
		}
		n.entries[key] = existing2
		return
	}
	if existing, ok := n.entries[key]; ok && existing.isFlat() {
		for _, nm := range (&entry{segments: segments, dims: dims}).names() {
			existing.flat[nm] = true
		}
		return
	}
	n.entries[key] = &entry{segments: segments, dims: dims}
}

// mergeDims attempts to merge two same-skeleton dimension tuples into one
// rectangle. This is always exact when the tuples are identical in all
// but (at most) one position, per spec.md §4.A: "if exactly one dimension
// differs... they may be merged back."
func mergeDims(a, b []*rangeset.RangeSet) ([]*rangeset.RangeSet, bool) {
	if len(a) != len(b) {
		return nil, false
	}
	diffAt := -1
	for i := range a {
		if !a[i].Equal(b[i]) {
			if diffAt != -1 {
				return nil, false
			}
			diffAt = i
		}
	}
	out := make([]*rangeset.RangeSet, len(a))
	copy(out, a)
	if diffAt == -1 {
		return out, true // identical tuples; idempotent union
	}
	u, err := a[diffAt].Union(b[diffAt])
	if err != nil {
		return nil, false
	}
	out[diffAt] = u
	return out, true
}

// Union returns the set union of n and o.
func (n *NodeSet) Union(o *NodeSet) *NodeSet {
	result := n.Clone()
	for key, eb := range o.entries {
		ea, ok := result.entries[key]
		if !ok {
			result.entries[key] = eb.clone()
			continue
		}
		if !ea.isFlat() && !eb.isFlat() {
			if merged, ok := mergeDims(ea.dims, eb.dims); ok {
				ea.dims = merged
				continue
			}
		}
		flatA := ea.toFlat()
		flatB := eb.toFlat()
		for k := range flatB.flat {
			flatA.flat[k] = true
		}
		result.entries[key] = flatA
	}
	return result
}

// Intersection returns the set intersection of n and o.
func (n *NodeSet) Intersection(o *NodeSet) *NodeSet {
	result := New()
	for key, ea := range n.entries {
		eb, ok := o.entries[key]
		if !ok {
			continue
		}
		if !ea.isFlat() && !eb.isFlat() {
			dims := make([]*rangeset.RangeSet, len(ea.dims))
			empty := false
			for i := range ea.dims {
				inter, err := ea.dims[i].Intersection(eb.dims[i])
				if err != nil {
					empty = false
					dims = nil
					break
				}
				if inter.IsEmpty() {
					empty = true
					break
				}
				dims[i] = inter
			}
			if empty {
				continue
			}
			if dims != nil {
				result.entries[key] = &entry{segments: ea.segments, dims: dims}
				continue
			}
		}
		flatA, flatB := ea.toFlat(), eb.toFlat()
		flat := map[string]bool{}
		for k := range flatA.flat {
			if flatB.flat[k] {
				flat[k] = true
			}
		}
		if len(flat) > 0 {
			result.entries[key] = &entry{segments: ea.segments, flat: flat}
		}
	}
	return result
}

// Difference returns the elements of n not present in o (n - o).
func (n *NodeSet) Difference(o *NodeSet) *NodeSet {
	result := n.Clone()
	for key, eb := range o.entries {
		ea, ok := result.entries[key]
		if !ok {
			continue
		}
		if !ea.isFlat() && !eb.isFlat() {
			pieces, ok := rectDifference(ea.dims, eb.dims)
			if ok {
				switch len(pieces) {
				case 0:
					delete(result.entries, key)
				case 1:
					ea.dims = pieces[0]
				default:
					flat := map[string]bool{}
					for _, p := range pieces {
						tmp := &entry{segments: ea.segments, dims: p}
						for _, nm := range tmp.names() {
							flat[nm] = true
						}
					}
					result.entries[key] = &entry{segments: ea.segments, flat: flat}
				}
				continue
			}
		}
		flatA, flatB := ea.toFlat(), eb.toFlat()
		flat := map[string]bool{}
		for k := range flatA.flat {
			if !flatB.flat[k] {
				flat[k] = true
			}
		}
		if len(flat) == 0 {
			delete(result.entries, key)
		} else {
			result.entries[key] = &entry{segments: ea.segments, flat: flat}
		}
	}
	return result
}

// SymmetricDifference returns elements in exactly one of n, o.
func (n *NodeSet) SymmetricDifference(o *NodeSet) *NodeSet {
	return n.Difference(o).Union(o.Difference(n))
}

// rectDifference computes a - b for two equal-length dimension tuples via
// hyperplane slicing: for each axis i, the slice where axis i escapes b
// (using axes < i already intersected with b, axes > i unrestricted from
// a) contributes one disjoint piece. The union of all pieces equals a - b
// exactly. Returns ok=false on any incompatible (mixed pad width) axis,
// signaling the caller should fall back to the flat/expanded path.
func rectDifference(a, b []*rangeset.RangeSet) ([][]*rangeset.RangeSet, bool) {
	var pieces [][]*rangeset.RangeSet
	for i := range a {
		sub, err := a[i].Difference(b[i])
		if err != nil {
			return nil, false
		}
		if sub.IsEmpty() {
			continue
		}
		piece := make([]*rangeset.RangeSet, len(a))
		copy(piece, a)
		piece[i] = sub
		for j := 0; j < i; j++ {
			inter, err := a[j].Intersection(b[j])
			if err != nil {
				return nil, false
			}
			piece[j] = inter
		}
		pieces = append(pieces, piece)
	}
	return pieces, true
}

// Contains reports whether name belongs to the set.
func (n *NodeSet) Contains(name string) bool {
	segments, dims, err := decompose(name)
	if err != nil {
		return false
	}
	key := skeletonKey(segments, dims)
	e, ok := n.entries[key]
	if !ok {
		return false
	}
	if e.isFlat() {
		return e.flat[name]
	}
	for i, d := range dims {
		v, _ := d.First()
		if !e.dims[i].Contains(v) {
			return false
		}
	}
	return true
}

// Iterate calls fn for every node name, in skeleton-lexicographic,
// then dimension-tuple-lexicographic order.
func (n *NodeSet) Iterate(fn func(name string) bool) {
	keys := make([]string, 0, len(n.entries))
	for k := range n.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, name := range n.entries[k].names() {
			if !fn(name) {
				return
			}
		}
	}
}

// Slice returns all node names in canonical iteration order.
func (n *NodeSet) Slice() []string {
	out := make([]string, 0, n.Len())
	n.Iterate(func(name string) bool {
		out = append(out, name)
		return true
	})
	return out
}

// String folds the set to its compact textual form.
func (n *NodeSet) String() string {
	return n.Fold(0)
}

// Fold renders the set, applying autostep to each dimension's RangeSet.
func (n *NodeSet) Fold(autostep int) string {
	keys := make([]string, 0, len(n.entries))
	for k := range n.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		e := n.entries[k]
		if e.isFlat() {
			parts = append(parts, foldFlat(e, autostep)...)
			continue
		}
		var b strings.Builder
		for i, seg := range e.segments {
			b.WriteString(seg)
			if i < len(e.dims) {
				b.WriteByte('[')
				b.WriteString(e.dims[i].Fold(autostep))
				b.WriteByte(']')
			}
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ",")
}

// foldFlat re-folds a degraded (flat) entry by feeding its names back
// through the decomposition machinery once, picking up whatever
// compaction naturally falls out (e.g. all names differing in a single
// trailing dimension). It never recurses, so degraded sets that still
// don't compact fall back to a literal comma list.
func foldFlat(e *entry, autostep int) []string {
	tmp := New()
	for _, name := range e.names() {
		segs, dims, err := decompose(name)
		if err != nil {
			continue
		}
		tmp.addName(segs, dims)
	}
	var parts []string
	keys := make([]string, 0, len(tmp.entries))
	for k := range tmp.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ee := tmp.entries[k]
		if ee.isFlat() {
			parts = append(parts, ee.names()...)
			continue
		}
		var b strings.Builder
		for i, seg := range ee.segments {
			b.WriteString(seg)
			if i < len(ee.dims) {
				b.WriteByte('[')
				b.WriteString(ee.dims[i].Fold(autostep))
				b.WriteByte(']')
			}
		}
		parts = append(parts, b.String())
	}
	return parts
}

// Regroup folds n the same way Fold does, but replaces any top-level
// piece that resolver.Reverse recognizes as a known group's full
// membership with its "@source:name" notation, e.g. "node[1-64]"
// becomes "@compute" when "compute" is configured as exactly
// node[1-64]. Pieces with no matching group render as Fold would.
func (n *NodeSet) Regroup(resolver GroupResolver) string {
	if resolver == nil {
		return n.Fold(0)
	}
	if src, name, ok := resolver.Reverse(n.Fold(0)); ok {
		return groupLiteral(src, name)
	}
	keys := make([]string, 0, len(n.entries))
	for k := range n.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		e := n.entries[k]
		piece := New()
		piece.entries[k] = e
		folded := piece.Fold(0)
		if src, name, ok := resolver.Reverse(folded); ok {
			parts = append(parts, groupLiteral(src, name))
			continue
		}
		parts = append(parts, folded)
	}
	return strings.Join(parts, ",")
}

func groupLiteral(source, name string) string {
	if source == "" || source == "default" {
		return "@" + name
	}
	return "@" + source + ":" + name
}

// Compare implements the nodeset_cmp ordering from spec.md §4.A: larger
// cardinality first, tie-broken by the first element in canonical order.
func Compare(a, b *NodeSet) int {
	if la, lb := a.Len(), b.Len(); la != lb {
		if la > lb {
			return -1
		}
		return 1
	}
	as, bs := a.Slice(), b.Slice()
	switch {
	case len(as) == 0 && len(bs) == 0:
		return 0
	case len(as) == 0:
		return -1
	case len(bs) == 0:
		return 1
	default:
		return strings.Compare(as[0], bs[0])
	}
}
