// Package fiterr locates confidence bounds on fitted parameters: for one
// parameter at a time it searches outward from the best fit for the value at
// which the statistic rises by a chosen delta, refitting the remaining free
// parameters at every trial point.
package fiterr

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/monitoring"
)

// MsgQueue collects user-facing messages during a search so that parallel
// workers can hand them back to the parent for serialized output instead of
// interleaving writes. Messages may arrive out of order across workers but
// none are dropped.
type MsgQueue struct {
	mu   sync.Mutex
	msgs []string
}

func (q *MsgQueue) Addf(format string, args ...any) {
	q.mu.Lock()
	q.msgs = append(q.msgs, fmt.Sprintf(format, args...))
	q.mu.Unlock()
}

// Drain returns the collected messages and empties the queue.
func (q *MsgQueue) Drain() []string {
	q.mu.Lock()
	out := q.msgs
	q.msgs = nil
	q.mu.Unlock()
	return out
}

// Search holds the tuning of one confidence-bound computation.
type Search struct {
	// Method refits the remaining free parameters at each trial point.
	// Nil means no refit: the statistic is just re-evaluated (valid when
	// the target is the only free parameter).
	Method fit.Method

	// DeltaStat is the statistic increase defining the bound. Zero means
	// the 90% single-parameter default of 2.706.
	DeltaStat float64

	// Tolerance is the acceptable fractional miss on DeltaStat. Zero
	// means 0.01.
	Tolerance float64

	// MaxTrials bounds the trial evaluations per direction. Zero means 30.
	MaxTrials int

	// Messages, when set, receives output instead of the monitoring
	// logger. Parallel runs must set it.
	Messages *MsgQueue
}

// Result is the outcome for one parameter. Low and High are the bound
// values actually reached; when a condition bit is set they hold the best
// information available (a limit value, or the last trial point).
type Result struct {
	Param     int
	Low, High float64
	Code      Codes
}

const (
	defaultDeltaStat = 2.706
	defaultTolerance = 0.01
	defaultTrials    = 30

	// tooLargeFactor bounds how far past the bracket an interpolated
	// prediction may reach before the search gives up.
	tooLargeFactor = 10.0
)

func (s *Search) deltaStat() float64 {
	if s.DeltaStat > 0 {
		return s.DeltaStat
	}
	return defaultDeltaStat
}

func (s *Search) tolerance() float64 {
	if s.Tolerance > 0 {
		return s.Tolerance
	}
	return defaultTolerance
}

func (s *Search) maxTrials() int {
	if s.MaxTrials > 0 {
		return s.MaxTrials
	}
	return defaultTrials
}

func (s *Search) logf(format string, args ...any) {
	if s.Messages != nil {
		s.Messages.Addf(format, args...)
		return
	}
	monitoring.Logf(format, args...)
}

// Run computes both confidence bounds for parameter pi. The fit is returned
// to its entry state (values and frozen flags) before Run returns, whatever
// the outcome.
func (s *Search) Run(f *fit.Fit, pi int) (Result, error) {
	res := Result{Param: pi}

	p, err := f.Params.Param(pi)
	if err != nil {
		return res, err
	}
	if p.Frozen() || p.IsLinked() {
		v, err := f.Params.Value(pi)
		if err != nil {
			return res, err
		}
		res.Low, res.High, res.Code = v, v, FrozenParameter
		s.logf("error: parameter %d is not free, skipping", pi)
		return res, nil
	}

	best, err := f.Evaluate()
	if err != nil {
		return res, err
	}
	v0, err := f.Params.Value(pi)
	if err != nil {
		return res, err
	}
	snapshot := f.Params.Snapshot()

	if err := f.Params.Freeze(pi); err != nil {
		return res, err
	}
	// On NewMinimum the improved point is deliberately left in place so the
	// caller can restart from it; otherwise the entry state comes back.
	defer func() {
		_ = f.Params.Thaw(pi)
		if res.Code&NewMinimum == 0 {
			restore(f, snapshot)
		} else {
			_, _ = f.Evaluate()
		}
	}()

	res.Low, res.Code = s.searchDirection(f, pi, -1, v0, best)
	if res.Code&NewMinimum != 0 {
		res.High = v0
		return res, nil
	}
	restore(f, snapshot)

	high, code := s.searchDirection(f, pi, +1, v0, best)
	res.High = high
	res.Code |= code

	return res, nil
}

// restore puts every unlinked parameter back to its snapshot value.
func restore(f *fit.Fit, snapshot []float64) {
	for i := 1; i <= f.Params.Len(); i++ {
		p, err := f.Params.Param(i)
		if err != nil || p.IsLinked() {
			continue
		}
		_ = f.Params.SetValue(i, snapshot[i-1])
	}
	_, _ = f.Evaluate()
}

// searchDirection walks parameter pi away from v0 in the given direction
// until the statistic exceeds best by the target delta, then interpolates
// down to the crossing.
func (s *Search) searchDirection(f *fit.Fit, pi int, dir float64, v0, best float64) (float64, Codes) {
	target := s.deltaStat()
	tol := s.tolerance() * target

	p, err := f.Params.Param(pi)
	if err != nil {
		return v0, GeneralProblem
	}
	bounds := p.Bounds()

	step := p.Delta()
	if step <= 0 {
		step = 0.01
	}

	var code Codes
	failBit := PositiveSearchFailed
	limitBit := HitHighLimit
	if dir < 0 {
		failBit = NegativeSearchFailed
		limitBit = HitLowLimit
	}

	// Bracket phase: step outward with doubling until the delta target is
	// exceeded or a limit stops us.
	xIn, dIn := v0, 0.0
	x := v0
	trials := 0
	var xOut, dOut float64
	bracketed := false
	for trials < s.maxTrials() {
		trials++
		x += dir * step
		atLimit := false
		if bounds.Limited() {
			if dir > 0 && x >= bounds.Top {
				x, atLimit = bounds.Top, true
			} else if dir < 0 && x <= bounds.Bottom {
				x, atLimit = bounds.Bottom, true
			}
		}

		d, err := s.trialDelta(f, pi, x, best)
		if err != nil {
			s.logf("error: parameter %d trial at %g: %v", pi, x, err)
			return x, code | GeneralProblem
		}
		if d < -tol {
			s.logf("error: new minimum found at parameter %d = %g (statistic improved by %g)", pi, x, -d)
			return x, code | NewMinimum
		}
		if d < dIn-tol {
			code |= NonMonotonic
		}

		if d >= target {
			xOut, dOut = x, d
			bracketed = true
			break
		}
		if atLimit {
			s.logf("error: parameter %d pegged at limit %g with delta %g < %g", pi, x, d, target)
			return x, code | limitBit
		}
		xIn, dIn = x, d
		step *= 2
	}
	if !bracketed {
		return x, code | failBit
	}

	// Interpolation phase: predict the crossing from the bracket, keeping a
	// third point for quadratic refinement once one is available.
	haveThird := false
	var x3, d3 float64
	for ; trials < s.maxTrials(); trials++ {
		var xp float64
		if haveThird {
			xp = fit3Points(xIn, dIn, x3, d3, xOut, dOut, target)
		} else {
			xp = fit2Points(xIn, dIn, xOut, dOut, target)
		}
		if math.IsNaN(xp) || math.Abs(xp-v0) > tooLargeFactor*math.Abs(xOut-v0) {
			return xOut, code | StepTooLarge
		}
		// Fall back to bisection when the prediction escapes the bracket.
		lo, hi := math.Min(xIn, xOut), math.Max(xIn, xOut)
		if xp <= lo || xp >= hi {
			xp = (xIn + xOut) / 2
		}

		d, err := s.trialDelta(f, pi, xp, best)
		if err != nil {
			return xp, code | GeneralProblem
		}
		if d < -tol {
			s.logf("error: new minimum found at parameter %d = %g", pi, xp)
			return xp, code | NewMinimum
		}
		if math.Abs(d-target) <= tol {
			return xp, code
		}
		if d < target {
			x3, d3 = xIn, dIn
			xIn, dIn = xp, d
		} else {
			x3, d3 = xOut, dOut
			xOut, dOut = xp, d
		}
		haveThird = true
	}
	return xOut, code | failBit
}

// trialDelta fixes parameter pi at x, refits whatever is still free, and
// returns the statistic excess over the recorded best fit.
func (s *Search) trialDelta(f *fit.Fit, pi int, x float64, best float64) (float64, error) {
	if err := f.Params.SetValue(pi, x); err != nil {
		return 0, err
	}
	if s.Method != nil && len(f.ThawedIndices()) > 0 {
		res, err := s.Method.Perform(f)
		if err != nil {
			return 0, err
		}
		return res.Statistic - best, nil
	}
	v, err := f.Evaluate()
	if err != nil {
		return 0, err
	}
	return v - best, nil
}

// fit2Points linearly interpolates the parameter value at which the delta
// statistic reaches target, from two trial points.
func fit2Points(x1, d1, x2, d2, target float64) float64 {
	if d2 == d1 {
		return math.NaN()
	}
	return x1 + (target-d1)*(x2-x1)/(d2-d1)
}

// fit3Points fits a quadratic through three trial points and returns its
// crossing of target between the outermost pair, falling back to the linear
// estimate when the quadratic degenerates or finds no real root.
func fit3Points(x1, d1, x2, d2, x3, d3 float64, target float64) float64 {
	// Lagrange form coefficients of d(x) = a x^2 + b x + c.
	den1 := (x1 - x2) * (x1 - x3)
	den2 := (x2 - x1) * (x2 - x3)
	den3 := (x3 - x1) * (x3 - x2)
	if den1 == 0 || den2 == 0 || den3 == 0 {
		return fit2Points(x1, d1, x3, d3, target)
	}
	a := d1/den1 + d2/den2 + d3/den3
	b := -d1*(x2+x3)/den1 - d2*(x1+x3)/den2 - d3*(x1+x2)/den3
	c := d1*x2*x3/den1 + d2*x1*x3/den2 + d3*x1*x2/den3 - target

	if a == 0 {
		return fit2Points(x1, d1, x3, d3, target)
	}
	disc := b*b - 4*a*c
	if disc < 0 {
		return fit2Points(x1, d1, x3, d3, target)
	}
	r := math.Sqrt(disc)
	ra := (-b + r) / (2 * a)
	rb := (-b - r) / (2 * a)
	lo, hi := math.Min(x1, x3), math.Max(x1, x3)
	if ra >= lo && ra <= hi {
		return ra
	}
	if rb >= lo && rb <= hi {
		return rb
	}
	return fit2Points(x1, d1, x3, d3, target)
}
