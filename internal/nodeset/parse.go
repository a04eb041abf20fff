package nodeset

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cea-hpc/clustershell-go/internal/rangeset"
)

// ParseError reports a malformed NodeSet literal, satisfying spec.md §4.A's
// "parse error" error kind.
type ParseError struct {
	Input string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("nodeset: parse error: %s: %q", e.Msg, e.Input)
}

func parseError(input, format string, a ...interface{}) error {
	return &ParseError{Input: input, Msg: fmt.Sprintf(format, a...)}
}

// Parse parses a comma/whitespace-separated list of atoms, combined
// left-to-right with the top-level operators ',' '+' (union), '!'
// (difference) and '&' (intersection). Bracketed atoms select RangeSet
// literals per dimension; @source:name atoms are resolved via resolver
// (which may be nil if the pattern contains no group references).
func Parse(pattern string, resolver GroupResolver) (*NodeSet, error) {
	toks, err := splitTopLevel(pattern)
	if err != nil {
		return nil, err
	}
	result := New()
	for i, tok := range toks {
		piece, err := parseAtomOrGroup(tok.atom, resolver)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = piece
			continue
		}
		switch tok.op {
		case ',', '+', ' ':
			result = result.Union(piece)
		case '!':
			result = result.Difference(piece)
		case '&':
			result = result.Intersection(piece)
		default:
			return nil, parseError(pattern, "unknown operator %q", string(tok.op))
		}
	}
	return result, nil
}

type token struct {
	op   byte // operator preceding this atom; 0 for the first
	atom string
}

// splitTopLevel tokenizes a pattern into atoms and the operator preceding
// each one, respecting bracket nesting so that ',' inside a RangeSet
// literal is not mistaken for a top-level union operator.
func splitTopLevel(pattern string) ([]token, error) {
	var toks []token
	depth := 0
	var cur strings.Builder
	var pendingOp byte
	first := true
	flush := func() error {
		atom := strings.TrimSpace(cur.String())
		cur.Reset()
		if atom == "" {
			if first && pendingOp == 0 {
				return nil
			}
			return parseError(pattern, "empty atom")
		}
		toks = append(toks, token{op: pendingOp, atom: atom})
		first = false
		return nil
	}
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '[':
			depth++
			cur.WriteByte(c)
		case ']':
			depth--
			if depth < 0 {
				return nil, parseError(pattern, "unbalanced brackets")
			}
			cur.WriteByte(c)
		case ',', '+', '!', '&':
			if depth > 0 {
				cur.WriteByte(c)
				continue
			}
			if err := flush(); err != nil {
				return nil, err
			}
			if c == '+' {
				pendingOp = ','
			} else {
				pendingOp = c
			}
		default:
			if depth == 0 && unicode.IsSpace(rune(c)) {
				if cur.Len() > 0 {
					if err := flush(); err != nil {
						return nil, err
					}
					pendingOp = ','
				}
				continue
			}
			cur.WriteByte(c)
		}
	}
	if depth != 0 {
		return nil, parseError(pattern, "unbalanced brackets")
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}
	return toks, nil
}

func parseAtomOrGroup(atom string, resolver GroupResolver) (*NodeSet, error) {
	if strings.HasPrefix(atom, "@") {
		return parseGroupRef(atom, resolver)
	}
	segments, dims, err := decompose(atom)
	if err != nil {
		return nil, err
	}
	ns := New()
	ns.addName(segments, dims)
	return ns, nil
}

func parseGroupRef(atom string, resolver GroupResolver) (*NodeSet, error) {
	if resolver == nil {
		return nil, parseError(atom, "group reference used without a resolver")
	}
	body := atom[1:]
	source, name := "", body
	if i := strings.IndexByte(body, ':'); i >= 0 {
		source, name = body[:i], body[i+1:]
	}
	if name == "" {
		return nil, parseError(atom, "empty group name")
	}
	for _, r := range name {
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '*') {
			return nil, parseError(atom, "illegal character %q in group name", r)
		}
	}
	pattern, err := resolver.Resolve(source, name)
	if err != nil {
		return nil, parseError(atom, "group-source error: %v", err)
	}
	return Parse(pattern, resolver)
}

// decompose splits a single node-name atom (possibly containing
// bracketed RangeSet literals and/or bare digit runs) into literal
// segments and per-position RangeSets.
func decompose(atom string) ([]string, []*rangeset.RangeSet, error) {
	var segments []string
	var dims []*rangeset.RangeSet
	var lit strings.Builder
	i := 0
	for i < len(atom) {
		c := atom[i]
		switch {
		case c == '[':
			j := strings.IndexByte(atom[i+1:], ']')
			if j < 0 {
				return nil, nil, parseError(atom, "unbalanced brackets")
			}
			content := atom[i+1 : i+1+j]
			if content == "" {
				return nil, nil, parseError(atom, "empty selector")
			}
			rs, err := rangeset.Parse(content)
			if err != nil {
				return nil, nil, parseError(atom, "malformed range %q: %v", content, err)
			}
			segments = append(segments, lit.String())
			lit.Reset()
			dims = append(dims, rs)
			i += j + 2
		case c >= '0' && c <= '9':
			start := i
			for i < len(atom) && atom[i] >= '0' && atom[i] <= '9' {
				i++
			}
			run := atom[start:i]
			rs, err := rangeset.Parse(run)
			if err != nil {
				return nil, nil, parseError(atom, "invalid numeric literal %q: %v", run, err)
			}
			segments = append(segments, lit.String())
			lit.Reset()
			dims = append(dims, rs)
		default:
			lit.WriteByte(c)
			i++
		}
	}
	segments = append(segments, lit.String())
	return segments, dims, nil
}
