package aff4

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/blacktop/go-macapt/types"
)

const rdfType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

// Graph holds RDF statements as subject -> predicate -> objects. IRIs are
// stored expanded, literals by their lexical form.
type Graph map[string]map[string][]string

func (g Graph) add(s, p, o string) {
	if g[s] == nil {
		g[s] = make(map[string][]string)
	}
	g[s][p] = append(g[s][p], o)
}

// Value returns the first object of (s, p)
func (g Graph) Value(s, p string) string {
	if v := g[s][p]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (g Graph) Int(s, p string) (int64, bool) {
	v, err := strconv.ParseInt(g.Value(s, p), 10, 64)
	return v, err == nil
}

func (g Graph) HasType(s, t string) bool {
	for _, v := range g[s][rdfType] {
		if v == t {
			return true
		}
	}
	return false
}

// OfType lists the subjects carrying rdf:type t, sorted
func (g Graph) OfType(t string) []string {
	var out []string
	for s := range g {
		if g.HasType(s, t) {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

type tokenKind int

const (
	tokIRI tokenKind = iota
	tokLiteral
	tokName
	tokPunct
	tokDirective
)

type token struct {
	kind tokenKind
	val  string
}

func (t token) String() string { return t.val }

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '#':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '<':
			end := strings.IndexByte(src[i:], '>')
			if end < 0 {
				return nil, fmt.Errorf("unterminated IRI at %d: %w", i, types.ErrTruncatedRecord)
			}
			toks = append(toks, token{tokIRI, src[i+1 : i+end]})
			i += end + 1
		case c == '"' || c == '\'':
			val, n, err := readString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("bad literal at %d: %w", i, err)
			}
			i += n
			// datatype and language tags are dropped
			if strings.HasPrefix(src[i:], "^^") {
				i += 2
				if i < len(src) && src[i] == '<' {
					if end := strings.IndexByte(src[i:], '>'); end >= 0 {
						i += end + 1
					}
				} else {
					_, n := readWord(src[i:])
					i += n
				}
			} else if i < len(src) && src[i] == '@' {
				_, n := readWord(src[i:])
				i += n
			}
			toks = append(toks, token{tokLiteral, val})
		case strings.IndexByte(".;,[]()", c) >= 0:
			toks = append(toks, token{tokPunct, string(c)})
			i++
		default:
			w, n := readWord(src[i:])
			if n == 0 {
				return nil, fmt.Errorf("unexpected %q at %d: %w", c, i, types.ErrTruncatedRecord)
			}
			i += n
			if strings.HasPrefix(w, "@") || strings.EqualFold(w, "PREFIX") || strings.EqualFold(w, "BASE") {
				toks = append(toks, token{tokDirective, strings.ToLower(strings.TrimPrefix(w, "@"))})
			} else {
				toks = append(toks, token{tokName, w})
			}
		}
	}
	return toks, nil
}

// readWord reads a bare word; a trailing '.' ends the statement rather than the word
func readWord(s string) (string, int) {
	i := 0
	for i < len(s) {
		c := s[i]
		if unicode.IsSpace(rune(c)) || strings.IndexByte(";,<>\"()[]#", c) >= 0 {
			break
		}
		if c == '.' && (i+1 == len(s) || unicode.IsSpace(rune(s[i+1])) || s[i+1] == '#') {
			break
		}
		i++
	}
	return s[:i], i
}

func readString(s string) (string, int, error) {
	q := s[:1]
	if strings.HasPrefix(s, q+q+q) {
		end := strings.Index(s[3:], q+q+q)
		if end < 0 {
			return "", 0, types.ErrTruncatedRecord
		}
		return s[3 : 3+end], end + 6, nil
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			switch s[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(s[i])
			}
		case c == q[0]:
			return b.String(), i + 1, nil
		case c == '\n':
			return "", 0, types.ErrTruncatedRecord
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, types.ErrTruncatedRecord
}

// ParseTurtle reads the subset of Turtle written by AFF4 imagers: prefix
// directives and triples with predicate (;) and object (,) lists. Blank
// nodes and collections are rejected.
func ParseTurtle(src string) (Graph, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &turtleParser{toks: toks, prefixes: map[string]string{}, g: Graph{}}
	if err := p.parse(); err != nil {
		return nil, err
	}
	return p.g, nil
}

type turtleParser struct {
	toks     []token
	pos      int
	prefixes map[string]string
	base     string
	g        Graph
}

func (p *turtleParser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *turtleParser) expect() (token, error) {
	t, ok := p.next()
	if !ok {
		return t, fmt.Errorf("unexpected end of turtle: %w", types.ErrTruncatedRecord)
	}
	return t, nil
}

func (p *turtleParser) parse() error {
	for p.pos < len(p.toks) {
		t, _ := p.next()
		if t.kind == tokDirective {
			if err := p.directive(t.val); err != nil {
				return err
			}
			continue
		}
		subj, err := p.term(t, false)
		if err != nil {
			return err
		}
		if err := p.predicates(subj); err != nil {
			return err
		}
	}
	return nil
}

func (p *turtleParser) directive(name string) error {
	switch name {
	case "prefix":
		pfx, err := p.expect()
		if err != nil {
			return err
		}
		iri, err := p.expect()
		if err != nil {
			return err
		}
		if pfx.kind != tokName || !strings.HasSuffix(pfx.val, ":") || iri.kind != tokIRI {
			return fmt.Errorf("malformed prefix directive %q: %w", pfx.val, types.ErrTruncatedRecord)
		}
		p.prefixes[strings.TrimSuffix(pfx.val, ":")] = iri.val
	case "base":
		iri, err := p.expect()
		if err != nil {
			return err
		}
		p.base = iri.val
	default:
		return fmt.Errorf("directive @%s: %w", name, types.ErrUnsupported)
	}
	// SPARQL style directives have no trailing dot
	if p.pos < len(p.toks) && p.toks[p.pos].kind == tokPunct && p.toks[p.pos].val == "." {
		p.pos++
	}
	return nil
}

func (p *turtleParser) predicates(subj string) error {
	for {
		t, err := p.expect()
		if err != nil {
			return err
		}
		pred, err := p.term(t, true)
		if err != nil {
			return err
		}
		for {
			t, err := p.expect()
			if err != nil {
				return err
			}
			obj, err := p.term(t, false)
			if err != nil {
				return err
			}
			p.g.add(subj, pred, obj)

			sep, err := p.expect()
			if err != nil {
				return err
			}
			if sep.kind != tokPunct {
				return fmt.Errorf("expected separator, got %q: %w", sep.val, types.ErrTruncatedRecord)
			}
			switch sep.val {
			case ",":
				continue
			case ";":
				// a dangling ';' before the final '.' is allowed
				if p.pos < len(p.toks) && p.toks[p.pos].val == "." {
					p.pos++
					return nil
				}
			case ".":
				return nil
			default:
				return fmt.Errorf("unexpected %q: %w", sep.val, types.ErrUnsupported)
			}
			break
		}
	}
}

func (p *turtleParser) term(t token, predicate bool) (string, error) {
	switch t.kind {
	case tokIRI:
		if p.base != "" && !strings.Contains(t.val, ":") {
			return p.base + t.val, nil
		}
		return t.val, nil
	case tokLiteral:
		if predicate {
			return "", fmt.Errorf("literal %q used as predicate: %w", t.val, types.ErrTruncatedRecord)
		}
		return t.val, nil
	case tokName:
		if t.val == "a" && predicate {
			return rdfType, nil
		}
		if pfx, local, ok := strings.Cut(t.val, ":"); ok {
			if ns, ok := p.prefixes[pfx]; ok {
				return ns + local, nil
			}
			return "", fmt.Errorf("undeclared prefix %q: %w", pfx, types.ErrTruncatedRecord)
		}
		// numbers and booleans
		return t.val, nil
	default:
		return "", fmt.Errorf("unexpected %q: %w", t.val, types.ErrUnsupported)
	}
}
