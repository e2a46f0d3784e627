// Package param owns model parameters and the algebraic links between them.
//
// A Graph holds every parameter of one fit session, densely indexed from 1.
// Parameters may be frozen (held fixed during fits) or tied to other
// parameters through an arithmetic link expression; a linked parameter's
// value is derived on demand, never stored independently. The Graph keeps
// the link network acyclic and consistent across parameter deletion.
package param

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Expected, recoverable failures. Commands report these and abort; they are
// never fatal to the session.
var (
	ErrInvalidInput = errors.New("param: malformed parameter input")
	ErrHardLimit    = errors.New("param: value outside hard limits")
	ErrCantFreeze   = errors.New("param: cannot freeze a linked parameter")
	ErrCycle        = errors.New("param: link would create a dependency cycle")
	ErrNoParams     = errors.New("param: link expression names no valid parameter")
	ErrParseFailure = errors.New("param: link expression failed to parse")
	ErrNotFound     = errors.New("param: no such parameter index")
	ErrLinkedSet    = errors.New("param: cannot set value of a linked parameter")
)

// Bounds describes the four-value limit set of a model parameter:
// hard limits (Min, Max) outside which the value is rejected, and soft
// limits (Bottom, Top) inside which the fit prefers to stay. A parameter
// with no limits has Min == Max == 0.
type Bounds struct {
	Min, Bottom, Top, Max float64
}

// Limited reports whether the bounds are active. A zero Bounds means the
// parameter is unbounded (scale or switch parameters behave this way).
func (b Bounds) Limited() bool { return b.Min != 0 || b.Max != 0 || b.Bottom != 0 || b.Top != 0 }

// Parameter is a single scalar model quantity.
type Parameter struct {
	index     int    // global 1-based index, dense across the Graph
	name      string
	component string // owning component label, informational only
	value     float64
	delta     float64 // initial step scale used by fit methods
	bounds    Bounds
	frozen    bool
	changed   bool
	link      *Link
}

// Index returns the parameter's current global 1-based index. Indices shift
// down when preceding parameters are deleted.
func (p *Parameter) Index() int { return p.index }

func (p *Parameter) Name() string      { return p.name }
func (p *Parameter) Component() string { return p.component }
func (p *Parameter) Bounds() Bounds    { return p.bounds }
func (p *Parameter) Delta() float64    { return p.delta }
func (p *Parameter) Frozen() bool      { return p.frozen }
func (p *Parameter) IsLinked() bool    { return p.link != nil }

// Changed reports whether the parameter (or anything it depends on) has been
// modified since the last ClearChanged. The model layer consults this to
// skip redundant recomputation.
func (p *Parameter) Changed() bool { return p.changed }

// Graph is the registry of all parameters in one fit session plus their link
// network. It replaces the process-wide registries of older spectral-fitting
// codes so independent sessions can coexist (and be tested) side by side.
type Graph struct {
	params []*Parameter
}

// NewGraph returns an empty parameter registry.
func NewGraph() *Graph { return &Graph{} }

// Len returns the number of registered parameters.
func (g *Graph) Len() int { return len(g.params) }

// Add registers a new parameter at the next free index and returns it.
// delta is the fit method's initial step scale; pass 0 for a sensible
// default derived from the value.
func (g *Graph) Add(name, component string, value, delta float64, bounds Bounds) (*Parameter, error) {
	if bounds.Limited() {
		if bounds.Min > bounds.Bottom || bounds.Bottom > bounds.Top || bounds.Top > bounds.Max {
			return nil, fmt.Errorf("%w: bounds out of order for %q", ErrInvalidInput, name)
		}
		if value < bounds.Min || value > bounds.Max {
			return nil, fmt.Errorf("%w: initial value %g for %q", ErrHardLimit, value, name)
		}
	}
	if delta == 0 {
		delta = defaultDelta(value)
	}
	p := &Parameter{
		index:     len(g.params) + 1,
		name:      name,
		component: component,
		value:     value,
		delta:     delta,
		bounds:    bounds,
		changed:   true,
	}
	g.params = append(g.params, p)
	return p, nil
}

func defaultDelta(value float64) float64 {
	if value == 0 {
		return 0.01
	}
	d := value * 0.01
	if d < 0 {
		d = -d
	}
	return d
}

// Param returns the parameter at 1-based index i.
func (g *Graph) Param(i int) (*Parameter, error) {
	if i < 1 || i > len(g.params) {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrNotFound, i, len(g.params))
	}
	return g.params[i-1], nil
}

// Params returns the live parameter slice in index order. Callers must not
// mutate it.
func (g *Graph) Params() []*Parameter { return g.params }

// Thawed returns the indices of parameters that are free to vary: not frozen
// and not linked.
func (g *Graph) Thawed() []int {
	var out []int
	for _, p := range g.params {
		if !p.frozen && p.link == nil {
			out = append(out, p.index)
		}
	}
	return out
}

// Value returns the parameter's current value. For a linked parameter the
// link expression is evaluated against current member values on every call;
// nothing is cached across member changes.
func (g *Graph) Value(i int) (float64, error) {
	p, err := g.Param(i)
	if err != nil {
		return 0, err
	}
	if p.link != nil {
		return p.link.eval(g)
	}
	return p.value, nil
}

// SetValue assigns a new value to an unlinked parameter. Values beyond the
// soft bounds are clamped to the soft bound without error; values beyond the
// hard bounds fail with ErrHardLimit. The changed flag propagates to every
// parameter whose link depends, transitively, on this one.
func (g *Graph) SetValue(i int, v float64) error {
	p, err := g.Param(i)
	if err != nil {
		return err
	}
	if p.link != nil {
		return fmt.Errorf("%w: parameter %d", ErrLinkedSet, i)
	}
	if p.bounds.Limited() {
		if v < p.bounds.Min || v > p.bounds.Max {
			return fmt.Errorf("%w: %g not in [%g,%g] for parameter %d",
				ErrHardLimit, v, p.bounds.Min, p.bounds.Max, i)
		}
		if v < p.bounds.Bottom {
			v = p.bounds.Bottom
		} else if v > p.bounds.Top {
			v = p.bounds.Top
		}
	}
	p.value = v
	g.markChanged(p)
	return nil
}

// markChanged flags p and, transitively, every parameter linked to it.
func (g *Graph) markChanged(p *Parameter) {
	p.changed = true
	for _, q := range g.params {
		if q.link == nil || q.changed {
			continue
		}
		if q.link.dependsOn(p.index) {
			g.markChanged(q)
		}
	}
}

// ClearChanged resets every parameter's changed flag. The model layer calls
// this after recomputing folded models.
func (g *Graph) ClearChanged() {
	for _, p := range g.params {
		p.changed = false
	}
}

// Freeze holds the parameter fixed during fits. Freezing a linked parameter
// is rejected: its value is derived, so the frozen flag would be meaningless.
func (g *Graph) Freeze(i int) error {
	p, err := g.Param(i)
	if err != nil {
		return err
	}
	if p.link != nil {
		return fmt.Errorf("%w: parameter %d", ErrCantFreeze, i)
	}
	p.frozen = true
	return nil
}

// Thaw releases a frozen parameter.
func (g *Graph) Thaw(i int) error {
	p, err := g.Param(i)
	if err != nil {
		return err
	}
	p.frozen = false
	return nil
}

// Modify parses a user parameter-change string and applies it. Two forms are
// accepted:
//
//	"<value>"                       set the value (soft-clamped, hard-checked)
//	"= <expression>"                link the parameter to other parameters,
//	                                e.g. "= 2.0 * p3 + p7"
//
// A malformed numeric fails with ErrInvalidInput; link expressions follow the
// Link rules (ErrNoParams, ErrCycle, ErrParseFailure).
func (g *Graph) Modify(i int, input string) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return fmt.Errorf("%w: empty input for parameter %d", ErrInvalidInput, i)
	}
	if strings.HasPrefix(input, "=") {
		return g.SetLink(i, strings.TrimPrefix(input, "="))
	}
	v, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidInput, input)
	}
	return g.SetValue(i, v)
}

// SetLink ties parameter i to the arithmetic expression expr over other
// parameters ("p3", "p7", ...). The expression must reference at least one
// real parameter and must not make i depend, directly or transitively, on
// itself. An existing link on i is replaced.
func (g *Graph) SetLink(i int, expr string) error {
	p, err := g.Param(i)
	if err != nil {
		return err
	}
	l, err := compileLink(expr, g)
	if err != nil {
		return err
	}
	l.owner = i
	// Reject cycles before installing: if any member can already reach i
	// through the existing link network, the new link closes a loop.
	for _, m := range l.members {
		if m == i || g.reaches(m, i, nil) {
			return fmt.Errorf("%w: parameter %d via p%d", ErrCycle, i, m)
		}
	}
	p.link = l
	p.frozen = false
	g.markChanged(p)
	return nil
}

// reaches reports whether the value of parameter from depends, transitively,
// on parameter target.
func (g *Graph) reaches(from, target int, seen map[int]bool) bool {
	if from == target {
		return true
	}
	if seen == nil {
		seen = make(map[int]bool)
	}
	if seen[from] {
		return false
	}
	seen[from] = true
	p, err := g.Param(from)
	if err != nil || p.link == nil {
		return false
	}
	for _, m := range p.link.members {
		if g.reaches(m, target, seen) {
			return true
		}
	}
	return false
}

// Untie removes the link on parameter i. With preserve set, the parameter
// keeps the last value the link evaluated to; otherwise it reverts to the
// soft-bound midpoint (or zero when unbounded).
func (g *Graph) Untie(i int, preserve bool) error {
	p, err := g.Param(i)
	if err != nil {
		return err
	}
	if p.link == nil {
		return nil
	}
	if preserve {
		if v, everr := p.link.eval(g); everr == nil {
			p.value = v
		}
	} else if p.bounds.Limited() {
		p.value = 0.5 * (p.bounds.Bottom + p.bounds.Top)
	} else {
		p.value = 0
	}
	p.link = nil
	g.markChanged(p)
	return nil
}

// BrokenLink describes a link that had to be dropped during deletion because
// none of its members survived (directly or by rerouting). Reported to the
// caller, never silently discarded.
type BrokenLink struct {
	Owner      int    // post-reindex index of the parameter that lost its link
	Expression string // the expression text that was dropped
}

// Remove deletes the parameters at the given (1-based) indices and reindexes
// the survivors densely, preserving relative order. Links are walked and
// member references re-resolved: a member pointing at a deleted parameter is
// rerouted through that parameter's own link where one exists and all of its
// members survive; links that cannot be preserved are dropped (the owner
// keeps its last evaluated value) and reported in the returned slice.
func (g *Graph) Remove(indices ...int) ([]BrokenLink, error) {
	doomed := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 1 || i > len(g.params) {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, i)
		}
		doomed[i] = true
	}

	// Reroute or break links before any index shifts.
	var broken []BrokenLink
	for _, p := range g.params {
		if p.link == nil || doomed[p.index] {
			continue
		}
		ok := p.link.reroute(g, doomed)
		if !ok {
			// Preserve the last computed value, matching untie(preserve).
			if v, err := p.link.eval(g); err == nil {
				p.value = v
			}
			broken = append(broken, BrokenLink{Owner: p.index, Expression: p.link.text})
			p.link = nil
			p.changed = true
		}
	}

	// Old index -> new index for survivors; 0 means deleted.
	remap := make([]int, len(g.params)+1)
	next := 1
	for i := 1; i <= len(g.params); i++ {
		if !doomed[i] {
			remap[i] = next
			next++
		}
	}

	survivors := g.params[:0]
	for _, p := range g.params {
		if doomed[p.index] {
			continue
		}
		survivors = append(survivors, p)
	}
	g.params = survivors
	for _, p := range g.params {
		p.index = remap[p.index]
		if p.link != nil {
			p.link.remapMembers(remap)
			p.link.owner = p.index
		}
	}
	for bi := range broken {
		broken[bi].Owner = remap[broken[bi].Owner]
	}
	return broken, nil
}

// RemoveComponent deletes every parameter owned by the named component.
func (g *Graph) RemoveComponent(component string) ([]BrokenLink, error) {
	var idx []int
	for _, p := range g.params {
		if p.component == component {
			idx = append(idx, p.index)
		}
	}
	if len(idx) == 0 {
		return nil, nil
	}
	return g.Remove(idx...)
}

// Clone returns an independent copy of the graph for parallel workers.
// Expression trees are shared (immutable once compiled); everything mutable
// is copied, so worker-side value changes never leak back.
func (g *Graph) Clone() *Graph {
	ng := &Graph{params: make([]*Parameter, len(g.params))}
	for i, p := range g.params {
		cp := *p
		if p.link != nil {
			l := *p.link
			l.members = append([]int(nil), p.link.members...)
			cp.link = &l
		}
		ng.params[i] = &cp
	}
	return ng
}

// Snapshot returns the current value of every parameter in index order,
// evaluating links. Used by grid scans to record the full parameter vector
// at each point.
func (g *Graph) Snapshot() []float64 {
	out := make([]float64, len(g.params))
	for i, p := range g.params {
		if p.link != nil {
			if v, err := p.link.eval(g); err == nil {
				out[i] = v
				continue
			}
		}
		out[i] = p.value
	}
	return out
}
