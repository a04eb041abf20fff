// Package rangeset implements RangeSet, a compact ordered set of
// non-negative integers with an associated pad width for rendering.
//
// The canonical internal representation is a sorted, merged list of
// disjoint contiguous intervals. This keeps union, intersection,
// difference and membership close to O(number of intervals) rather
// than O(number of elements), which matters once a RangeSet spans
// millions of node indices.
package rangeset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// interval is a closed, inclusive range [lo, hi] of consecutive integers.
type interval struct {
	lo, hi uint64
}

func (iv interval) size() uint64 { return iv.hi - iv.lo + 1 }

// RangeSet is an ordered set of non-negative integers sharing one pad width.
//
// A pad width of 0 means elements render without zero-padding (natural
// decimal form). A positive pad width means elements render as
// fixed-width, zero-padded decimal.
type RangeSet struct {
	intervals []interval
	pad       int
}

// New returns an empty RangeSet.
func New() *RangeSet {
	return &RangeSet{}
}

// PadWidth returns the pad width fixed for this RangeSet (0 if unpadded).
func (r *RangeSet) PadWidth() int {
	if r == nil {
		return 0
	}
	return r.pad
}

// Len returns the number of elements in the set.
func (r *RangeSet) Len() int {
	if r == nil {
		return 0
	}
	var n uint64
	for _, iv := range r.intervals {
		n += iv.size()
	}
	return int(n)
}

// IsEmpty reports whether the set has no elements.
func (r *RangeSet) IsEmpty() bool { return r.Len() == 0 }

// Contains reports whether n belongs to the set.
func (r *RangeSet) Contains(n uint64) bool {
	if r == nil {
		return false
	}
	i := sort.Search(len(r.intervals), func(i int) bool { return r.intervals[i].hi >= n })
	return i < len(r.intervals) && r.intervals[i].lo <= n
}

// Slice returns all elements of the set in ascending order.
// This is O(expanded size) and intended for small sets or test assertions.
func (r *RangeSet) Slice() []uint64 {
	if r == nil {
		return nil
	}
	out := make([]uint64, 0, r.Len())
	for _, iv := range r.intervals {
		for v := iv.lo; v <= iv.hi; v++ {
			out = append(out, v)
			if v == iv.hi {
				break // avoid overflow wraparound when iv.hi == max uint64
			}
		}
	}
	return out
}

// First returns the smallest element and true, or (0, false) if empty.
func (r *RangeSet) First() (uint64, bool) {
	if r == nil || len(r.intervals) == 0 {
		return 0, false
	}
	return r.intervals[0].lo, true
}

// Each calls fn for every element in ascending order, stopping early if fn returns false.
func (r *RangeSet) Each(fn func(uint64) bool) {
	if r == nil {
		return
	}
	for _, iv := range r.intervals {
		for v := iv.lo; v <= iv.hi; v++ {
			if !fn(v) {
				return
			}
			if v == iv.hi {
				break
			}
		}
	}
}

// Clone returns an independent copy of r.
func (r *RangeSet) Clone() *RangeSet {
	if r == nil {
		return New()
	}
	out := &RangeSet{pad: r.pad, intervals: make([]interval, len(r.intervals))}
	copy(out.intervals, r.intervals)
	return out
}

// Equal reports whether r and o contain the same elements and share
// a compatible pad width. Two empty sets are always equal regardless
// of pad width.
func (r *RangeSet) Equal(o *RangeSet) bool {
	if r.IsEmpty() && o.IsEmpty() {
		return true
	}
	if r.PadWidth() != o.PadWidth() {
		return false
	}
	ri, oi := r.intervals, o.intervals
	if len(ri) != len(oi) {
		return false
	}
	for i := range ri {
		if ri[i] != oi[i] {
			return false
		}
	}
	return true
}

func mergedFromSorted(ivs []interval) []interval {
	if len(ivs) == 0 {
		return nil
	}
	sort.Slice(ivs, func(i, j int) bool { return ivs[i].lo < ivs[j].lo })
	out := ivs[:1]
	for _, iv := range ivs[1:] {
		last := &out[len(out)-1]
		if iv.lo <= last.hi+1 {
			if iv.hi > last.hi {
				last.hi = iv.hi
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func fromIntervals(pad int, ivs []interval) *RangeSet {
	return &RangeSet{pad: pad, intervals: mergedFromSorted(ivs)}
}

// compatiblePad reports the resulting pad width of combining a and b, and
// whether the combination is legal. Mixing two different pad widths,
// including a padded set with an unpadded one (e.g. "01-03" with "4-6"),
// is a parse/value error, per the ClusterShell wire behavior this package
// preserves.
func compatiblePad(a, b int) (int, bool) {
	if a != b {
		return 0, false
	}
	return a, true
}

// Union returns the set union of r and o. It is an error to union two
// non-empty RangeSets with different pad widths.
func (r *RangeSet) Union(o *RangeSet) (*RangeSet, error) {
	if r.IsEmpty() {
		return o.Clone(), nil
	}
	if o.IsEmpty() {
		return r.Clone(), nil
	}
	pad, ok := compatiblePad(r.pad, o.pad)
	if !ok {
		return nil, fmt.Errorf("rangeset: Union: incompatible pad widths %d and %d", r.pad, o.pad)
	}
	ivs := make([]interval, 0, len(r.intervals)+len(o.intervals))
	ivs = append(ivs, r.intervals...)
	ivs = append(ivs, o.intervals...)
	return fromIntervals(pad, ivs), nil
}

// Intersection returns the set intersection of r and o.
func (r *RangeSet) Intersection(o *RangeSet) (*RangeSet, error) {
	if r.IsEmpty() || o.IsEmpty() {
		return New(), nil
	}
	pad, ok := compatiblePad(r.pad, o.pad)
	if !ok {
		return nil, fmt.Errorf("rangeset: Intersection: incompatible pad widths %d and %d", r.pad, o.pad)
	}
	var out []interval
	i, j := 0, 0
	for i < len(r.intervals) && j < len(o.intervals) {
		a, b := r.intervals[i], o.intervals[j]
		lo := maxU64(a.lo, b.lo)
		hi := minU64(a.hi, b.hi)
		if lo <= hi {
			out = append(out, interval{lo, hi})
		}
		if a.hi < b.hi {
			i++
		} else {
			j++
		}
	}
	return fromIntervals(pad, out), nil
}

// Difference returns the elements of r not present in o (r - o).
func (r *RangeSet) Difference(o *RangeSet) (*RangeSet, error) {
	if r.IsEmpty() || o.IsEmpty() {
		return r.Clone(), nil
	}
	pad, ok := compatiblePad(r.pad, o.pad)
	if !ok {
		return nil, fmt.Errorf("rangeset: Difference: incompatible pad widths %d and %d", r.pad, o.pad)
	}
	var out []interval
	j := 0
	for _, a := range r.intervals {
		lo := a.lo
		for lo <= a.hi {
			for j < len(o.intervals) && o.intervals[j].hi < lo {
				j++
			}
			if j == len(o.intervals) || o.intervals[j].lo > a.hi {
				out = append(out, interval{lo, a.hi})
				break
			}
			b := o.intervals[j]
			if b.lo > lo {
				out = append(out, interval{lo, minU64(b.lo-1, a.hi)})
			}
			if b.hi >= a.hi {
				lo = a.hi + 1
				break
			}
			lo = b.hi + 1
		}
	}
	return fromIntervals(pad, out), nil
}

// SymmetricDifference returns elements in exactly one of r, o.
func (r *RangeSet) SymmetricDifference(o *RangeSet) (*RangeSet, error) {
	a, err := r.Difference(o)
	if err != nil {
		return nil, err
	}
	b, err := o.Difference(r)
	if err != nil {
		return nil, err
	}
	return a.Union(b)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// tokenPad reports the explicit pad width of a decimal literal: the literal
// length if it starts with '0' and has more than one digit, else 0 (meaning
// "no explicit padding requested by this token").
func tokenPad(tok string) int {
	if len(tok) > 1 && tok[0] == '0' {
		return len(tok)
	}
	return 0
}

// Parse parses a comma-separated RangeSet literal: items of the form `n`,
// `a-b`, or `a-b/step`, with a <= b and step >= 1. The first token whose
// literal carries a leading zero fixes the pad width; any later token whose
// literal also carries a leading zero must agree, or parsing fails.
func Parse(s string) (*RangeSet, error) {
	rs := New()
	s = strings.TrimSpace(s)
	if s == "" {
		return rs, nil
	}
	established := false
	pad := 0
	var ivs []interval
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, fmt.Errorf("rangeset: parse error: empty item in %q", s)
		}
		lo, hi, step, loTok, hiTok, err := parseItem(item)
		if err != nil {
			return nil, fmt.Errorf("rangeset: parse error: %q: %w", item, err)
		}
		for _, tok := range []string{loTok, hiTok} {
			if tok == "" {
				continue
			}
			if tp := tokenPad(tok); tp != 0 {
				if !established {
					pad, established = tp, true
				} else if tp != pad {
					return nil, fmt.Errorf("rangeset: parse error: inconsistent pad width in %q", s)
				}
			}
		}
		if step == 1 {
			ivs = append(ivs, interval{lo, hi})
			continue
		}
		for v := lo; v <= hi; v += step {
			ivs = append(ivs, interval{v, v})
			if v > hi-step {
				break // avoid overflow past hi
			}
		}
	}
	rs.pad = pad
	rs.intervals = mergedFromSorted(ivs)
	return rs, nil
}

func parseItem(item string) (lo, hi, step uint64, loTok, hiTok string, err error) {
	step = 1
	rangePart := item
	if i := strings.IndexByte(item, '/'); i >= 0 {
		rangePart = item[:i]
		stepTok := item[i+1:]
		step, err = strconv.ParseUint(stepTok, 10, 64)
		if err != nil || step < 1 {
			return 0, 0, 0, "", "", fmt.Errorf("invalid step %q", stepTok)
		}
	}
	if i := strings.IndexByte(rangePart, '-'); i >= 0 {
		loTok, hiTok = rangePart[:i], rangePart[i+1:]
		if loTok == "" || hiTok == "" {
			return 0, 0, 0, "", "", fmt.Errorf("malformed range %q", rangePart)
		}
		lo, err = strconv.ParseUint(loTok, 10, 64)
		if err != nil {
			return 0, 0, 0, "", "", fmt.Errorf("invalid bound %q", loTok)
		}
		hi, err = strconv.ParseUint(hiTok, 10, 64)
		if err != nil {
			return 0, 0, 0, "", "", fmt.Errorf("invalid bound %q", hiTok)
		}
		if lo > hi {
			return 0, 0, 0, "", "", fmt.Errorf("range %q has start > end", rangePart)
		}
		return lo, hi, step, loTok, hiTok, nil
	}
	if strings.Contains(item, "/") {
		return 0, 0, 0, "", "", fmt.Errorf("step specified without a range in %q", item)
	}
	loTok = rangePart
	lo, err = strconv.ParseUint(loTok, 10, 64)
	if err != nil {
		return 0, 0, 0, "", "", fmt.Errorf("invalid number %q", loTok)
	}
	return lo, lo, 1, loTok, "", nil
}

// RenderDigits renders a single value using this set's pad width,
// regardless of whether v is a member. Used by callers (such as
// nodeset) that need to print one coordinate of a larger tuple.
func (r *RangeSet) RenderDigits(v uint64) string { return r.format(v) }

func (r *RangeSet) format(v uint64) string {
	if r.pad > 0 {
		return fmt.Sprintf("%0*d", r.pad, v)
	}
	return strconv.FormatUint(v, 10)
}

// Fold renders the set in its compact textual form. Contiguous runs are
// emitted as `a-b`; a run is additionally folded into an arithmetic
// progression `a-b/step` only when at least autostep elements share that
// stride. autostep <= 0 disables step-folding entirely.
//
// With step-folding disabled this runs directly off the merged interval
// list (O(number of intervals)). Detecting progressions that span more
// than one merged interval (e.g. "2,4,6" folding to "2-6/2") requires
// looking at individual elements, so that path expands the set; this is
// the same tradeoff the RangeSet literal parser documents elsewhere as
// acceptable for the less common, non-default case.
func (r *RangeSet) Fold(autostep int) string {
	if r.IsEmpty() {
		return ""
	}
	if autostep <= 0 {
		parts := make([]string, 0, len(r.intervals))
		for _, iv := range r.intervals {
			if iv.size() == 1 {
				parts = append(parts, r.format(iv.lo))
			} else {
				parts = append(parts, fmt.Sprintf("%s-%s", r.format(iv.lo), r.format(iv.hi)))
			}
		}
		return strings.Join(parts, ",")
	}
	return FoldProgressions(r.Slice(), r.pad, autostep)
}

// String folds with step-folding disabled, matching the "autostep 0
// disables step folding" boundary behavior as the zero-value default.
func (r *RangeSet) String() string { return r.Fold(0) }

// FoldProgressions folds a list of individually-parsed, still-disjoint
// values (as produced directly off a parse, before merging into the
// canonical contiguous-interval form) into runs and arithmetic
// progressions. NodeSet folding uses this for dimensions built from
// discrete numeric literals such as "foo2,foo4,foo6".
func FoldProgressions(values []uint64, pad int, autostep int) string {
	if len(values) == 0 {
		return ""
	}
	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	format := func(v uint64) string {
		if pad > 0 {
			return fmt.Sprintf("%0*d", pad, v)
		}
		return strconv.FormatUint(v, 10)
	}
	var parts []string
	i := 0
	for i < len(sorted) {
		j := i + 1
		stride := uint64(0)
		if j < len(sorted) {
			stride = sorted[j] - sorted[i]
		}
		for j < len(sorted) && sorted[j]-sorted[j-1] == stride {
			j++
		}
		runLen := j - i
		switch {
		case runLen == 1:
			parts = append(parts, format(sorted[i]))
		case stride == 1:
			parts = append(parts, fmt.Sprintf("%s-%s", format(sorted[i]), format(sorted[j-1])))
		case autostep > 0 && runLen >= autostep:
			parts = append(parts, fmt.Sprintf("%s-%s/%d", format(sorted[i]), format(sorted[j-1]), stride))
		default:
			for k := i; k < j; k++ {
				parts = append(parts, format(sorted[k]))
			}
		}
		i = j
	}
	return strings.Join(parts, ",")
}

// Run is one maximal contiguous range [Lo, Hi] (inclusive) within a
// RangeSet, as yielded by Contiguous.
type Run struct {
	Lo, Hi uint64
}

// Contiguous iterates the set's maximal contiguous runs in ascending
// order, stopping early if fn returns false. Since the internal
// representation already stores disjoint merged intervals, this is a
// direct walk of that representation rather than a re-scan of
// individual elements.
func (r *RangeSet) Contiguous(fn func(Run) bool) {
	if r == nil {
		return
	}
	for _, iv := range r.intervals {
		if !fn(Run{Lo: iv.lo, Hi: iv.hi}) {
			return
		}
	}
}
