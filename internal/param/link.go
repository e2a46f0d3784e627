package param

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Link ties one parameter's value to an arithmetic expression over other
// parameters. Supported operators are + - * / ^ with the usual precedence
// (^ binds tightest and associates right), unary minus, parentheses, and a
// restricted function set (abs, exp, ln, log, sqrt, sin, cos, tan, int).
// Parameter references are written p<N>, e.g. "2.5 * p3 + exp(p7)".
type Link struct {
	owner   int    // index of the dependent parameter
	text    string // original expression text, kept for reporting
	root    node
	members []int // referenced parameter indices, order of first appearance
}

// Members returns the independent parameter indices the link reads.
func (l *Link) Members() []int { return l.members }

// Expression returns the original expression text.
func (l *Link) Expression() string { return l.text }

func (l *Link) dependsOn(idx int) bool {
	for _, m := range l.members {
		if m == idx {
			return true
		}
	}
	return false
}

// eval walks the expression against current member values. Cost is linear in
// expression size; nothing is cached across parameter changes.
func (l *Link) eval(g *Graph) (float64, error) {
	return l.root.eval(g)
}

// expression AST

type node interface {
	eval(g *Graph) (float64, error)
}

type numNode float64

func (n numNode) eval(*Graph) (float64, error) { return float64(n), nil }

type refNode int

func (n refNode) eval(g *Graph) (float64, error) { return g.Value(int(n)) }

type binNode struct {
	op   byte
	l, r node
}

func (n *binNode) eval(g *Graph) (float64, error) {
	a, err := n.l.eval(g)
	if err != nil {
		return 0, err
	}
	b, err := n.r.eval(g)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return a + b, nil
	case '-':
		return a - b, nil
	case '*':
		return a * b, nil
	case '/':
		return a / b, nil
	case '^':
		return math.Pow(a, b), nil
	}
	return 0, fmt.Errorf("%w: operator %q", ErrParseFailure, string(n.op))
}

type negNode struct{ n node }

func (n *negNode) eval(g *Graph) (float64, error) {
	v, err := n.n.eval(g)
	return -v, err
}

type funcNode struct {
	name string
	fn   func(float64) float64
	arg  node
}

func (n *funcNode) eval(g *Graph) (float64, error) {
	v, err := n.arg.eval(g)
	if err != nil {
		return 0, err
	}
	return n.fn(v), nil
}

var linkFuncs = map[string]func(float64) float64{
	"abs":  math.Abs,
	"exp":  math.Exp,
	"ln":   math.Log,
	"log":  math.Log10,
	"sqrt": math.Sqrt,
	"sin":  math.Sin,
	"cos":  math.Cos,
	"tan":  math.Tan,
	"int":  math.Trunc,
}

// compileLink parses expr and validates every parameter reference against g.
func compileLink(expr string, g *Graph) (*Link, error) {
	text := strings.TrimSpace(expr)
	p := &exprParser{src: text}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("%w: trailing input %q", ErrParseFailure, p.src[p.pos:])
	}
	if len(p.members) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoParams, text)
	}
	for _, m := range p.members {
		if m < 1 || m > g.Len() {
			return nil, fmt.Errorf("%w: p%d in %q", ErrNoParams, m, text)
		}
	}
	return &Link{text: text, root: root, members: p.members}, nil
}

// exprParser is a small recursive-descent parser over the link grammar.
type exprParser struct {
	src     string
	pos     int
	members []int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// parseExpr handles + and - (lowest precedence).
func (p *exprParser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek() {
		case '+', '-':
			op := p.src[p.pos]
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &binNode{op: op, l: left, r: right}
		default:
			return left, nil
		}
	}
}

// parseTerm handles * and /.
func (p *exprParser) parseTerm() (node, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek() {
		case '*', '/':
			op := p.src[p.pos]
			p.pos++
			right, err := p.parsePower()
			if err != nil {
				return nil, err
			}
			left = &binNode{op: op, l: left, r: right}
		default:
			return left, nil
		}
	}
}

// parsePower handles ^, right-associative.
func (p *exprParser) parsePower() (node, error) {
	base, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	if p.peek() == '^' {
		p.pos++
		exp, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		return &binNode{op: '^', l: base, r: exp}, nil
	}
	return base, nil
}

func (p *exprParser) parseUnary() (node, error) {
	switch p.peek() {
	case '-':
		p.pos++
		n, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{n}, nil
	case '+':
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (node, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		n, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, fmt.Errorf("%w: missing )", ErrParseFailure)
		}
		p.pos++
		return n, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.parseNumber()
	case c == 'p' || c == 'P':
		// Could be a parameter reference (p3) or a function name starting
		// with p; only the reference form exists in the function set today.
		if p.pos+1 < len(p.src) && p.src[p.pos+1] >= '0' && p.src[p.pos+1] <= '9' {
			return p.parseRef()
		}
		fallthrough
	case c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z':
		return p.parseFunc()
	case c == 0:
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrParseFailure)
	}
	return nil, fmt.Errorf("%w: unexpected %q", ErrParseFailure, string(c))
}

func (p *exprParser) parseNumber() (node, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		if (c == 'e' || c == 'E') && p.pos > start {
			p.pos++
			if p.pos < len(p.src) && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
				p.pos++
			}
			continue
		}
		break
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad number %q", ErrParseFailure, p.src[start:p.pos])
	}
	return numNode(v), nil
}

func (p *exprParser) parseRef() (node, error) {
	p.pos++ // consume 'p'
	start := p.pos
	for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
		p.pos++
	}
	idx, err := strconv.Atoi(p.src[start:p.pos])
	if err != nil {
		return nil, fmt.Errorf("%w: bad parameter reference", ErrParseFailure)
	}
	if !containsInt(p.members, idx) {
		p.members = append(p.members, idx)
	}
	return refNode(idx), nil
}

func (p *exprParser) parseFunc() (node, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		break
	}
	name := strings.ToLower(p.src[start:p.pos])
	fn, ok := linkFuncs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", ErrParseFailure, name)
	}
	if p.peek() != '(' {
		return nil, fmt.Errorf("%w: expected ( after %q", ErrParseFailure, name)
	}
	p.pos++
	arg, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.peek() != ')' {
		return nil, fmt.Errorf("%w: missing ) after %s argument", ErrParseFailure, name)
	}
	p.pos++
	return &funcNode{name: name, fn: fn, arg: arg}, nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// reroute rewrites the link so it no longer references any doomed parameter.
// A reference to a doomed parameter that is itself linked, with every member
// of that inner link surviving, is replaced in place by the inner link's
// expression tree (the transitively valid case). Returns false when the link
// cannot be preserved; the caller then drops and reports it.
func (l *Link) reroute(g *Graph, doomed map[int]bool) bool {
	newRoot, ok := rerouteNode(l.root, g, doomed)
	if !ok {
		return false
	}
	l.root = newRoot
	l.members = collectRefs(l.root, nil)
	l.text = rebuildText(l.text, g, doomed)
	return true
}

func rerouteNode(n node, g *Graph, doomed map[int]bool) (node, bool) {
	switch t := n.(type) {
	case refNode:
		if !doomed[int(t)] {
			return n, true
		}
		p, err := g.Param(int(t))
		if err != nil || p.link == nil {
			return nil, false
		}
		for _, m := range p.link.members {
			if doomed[m] {
				return nil, false
			}
		}
		return p.link.root, true
	case *binNode:
		lhs, ok := rerouteNode(t.l, g, doomed)
		if !ok {
			return nil, false
		}
		rhs, ok := rerouteNode(t.r, g, doomed)
		if !ok {
			return nil, false
		}
		return &binNode{op: t.op, l: lhs, r: rhs}, true
	case *negNode:
		inner, ok := rerouteNode(t.n, g, doomed)
		if !ok {
			return nil, false
		}
		return &negNode{inner}, true
	case *funcNode:
		arg, ok := rerouteNode(t.arg, g, doomed)
		if !ok {
			return nil, false
		}
		return &funcNode{name: t.name, fn: t.fn, arg: arg}, true
	}
	return n, true
}

func collectRefs(n node, acc []int) []int {
	switch t := n.(type) {
	case refNode:
		if !containsInt(acc, int(t)) {
			acc = append(acc, int(t))
		}
	case *binNode:
		acc = collectRefs(t.l, acc)
		acc = collectRefs(t.r, acc)
	case *negNode:
		acc = collectRefs(t.n, acc)
	case *funcNode:
		acc = collectRefs(t.arg, acc)
	}
	return acc
}

// rebuildText inlines rerouted references in the stored expression text so
// Expression keeps returning something that parses and names the surviving
// members. References are matched on their exact index; raw substring
// replacement would corrupt p12 while rewriting p1.
func rebuildText(text string, g *Graph, doomed map[int]bool) string {
	return refPattern.ReplaceAllStringFunc(text, func(ref string) string {
		idx, err := strconv.Atoi(ref[1:])
		if err != nil || !doomed[idx] {
			return ref
		}
		p, perr := g.Param(idx)
		if perr != nil || p.link == nil {
			return ref
		}
		return "(" + p.link.text + ")"
	})
}

var refPattern = regexp.MustCompile(`\bp(\d+)`)

// remapMembers shifts every parameter reference after a deletion pass.
// remap[old] holds the new index for survivors.
func (l *Link) remapMembers(remap []int) {
	l.root = remapNode(l.root, remap)
	l.members = collectRefs(l.root, nil)
	// Rewrite references in the expression text so reports stay accurate.
	l.text = refPattern.ReplaceAllStringFunc(l.text, func(ref string) string {
		old, err := strconv.Atoi(ref[1:])
		if err != nil || old >= len(remap) || remap[old] == 0 {
			return ref
		}
		return fmt.Sprintf("p%d", remap[old])
	})
}

func remapNode(n node, remap []int) node {
	switch t := n.(type) {
	case refNode:
		if int(t) < len(remap) && remap[int(t)] != 0 {
			return refNode(remap[int(t)])
		}
		return t
	case *binNode:
		return &binNode{op: t.op, l: remapNode(t.l, remap), r: remapNode(t.r, remap)}
	case *negNode:
		return &negNode{remapNode(t.n, remap)}
	case *funcNode:
		return &funcNode{name: t.name, fn: t.fn, arg: remapNode(t.arg, remap)}
	}
	return n
}
