package fit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/specfit/internal/monitoring"
)

// LevMar is a Levenberg-Marquardt minimization strategy: a damped
// Gauss-Newton step, with the damping raised on rejection and relaxed on
// acceptance.
type LevMar struct {
	// DeltaCrit is the statistic improvement below which an accepted
	// iteration counts toward convergence. Zero means the default.
	DeltaCrit float64

	// MaxTrials bounds the iteration count. Zero means the default.
	MaxTrials int

	// DelayedGratification relaxes the damping slowly after accepted
	// steps and demands several consecutive sub-critical improvements
	// before declaring convergence, trading iterations for a better
	// chance of walking off a shallow plateau.
	DelayedGratification bool

	// Progress, when set, is called once per iteration. Defaults to the
	// monitoring logger.
	Progress ProgressFunc
}

const (
	defaultDeltaCrit = 1e-3
	defaultMaxTrials = 100
	lambdaStart      = 1e-3
	lambdaCeiling    = 1e12
)

func (l *LevMar) Name() string { return "leven" }

func (l *LevMar) FirstDerivativeRequired() bool  { return true }
func (l *LevMar) SecondDerivativeRequired() bool { return true }

func (l *LevMar) deltaCrit() float64 {
	if l.DeltaCrit > 0 {
		return l.DeltaCrit
	}
	return defaultDeltaCrit
}

func (l *LevMar) numberOfTrials() int {
	if l.MaxTrials > 0 {
		return l.MaxTrials
	}
	return defaultMaxTrials
}

func (l *LevMar) progress(iter int, statistic, lambda float64) {
	if l.Progress != nil {
		l.Progress(iter, statistic, lambda)
		return
	}
	monitoring.Logf("fit: iteration %d statistic %.6g lambda %.3g", iter, statistic, lambda)
}

// Perform runs the minimization loop. Non-convergence within the trial
// budget is reported in the Result, not as an error; the parameter graph is
// left at the best point found either way. A non-finite statistic is an
// error.
func (l *LevMar) Perform(f *Fit) (Result, error) {
	idx := f.ThawedIndices()
	if len(idx) == 0 {
		return Result{}, ErrNoThawed
	}

	p, err := f.ThawedValues()
	if err != nil {
		return Result{}, err
	}
	best, err := f.Evaluate()
	if err != nil {
		return Result{}, err
	}
	res := Result{Initial: best, Statistic: best}

	lambda := lambdaStart
	needSmall := 1
	if l.DelayedGratification {
		needSmall = 3
	}
	smallRun := 0

	for iter := 1; iter <= l.numberOfTrials(); iter++ {
		res.Iterations = iter

		g, H, err := gradHess(f, p)
		if err != nil {
			return res, err
		}

		accepted := false
		var trialStat float64
		for !accepted {
			delta, ok := solveDamped(H, g, lambda)
			if !ok {
				lambda *= 10
				if lambda > lambdaCeiling {
					res.Message = "normal equations not solvable; stalled"
					return l.finish(f, res, p, best)
				}
				continue
			}

			trial := make([]float64, len(p))
			for i := range p {
				trial[i] = p[i] + delta[i]
			}
			if err := f.SetThawed(trial); err != nil {
				return res, err
			}
			trialStat, err = f.Evaluate()
			if err != nil {
				return res, err
			}
			if trialStat < best {
				accepted = true
				break
			}
			// Reject: restore and damp harder.
			if err := f.SetThawed(p); err != nil {
				return res, err
			}
			lambda *= 10
			if lambda > lambdaCeiling {
				if _, err := f.Evaluate(); err != nil {
					return res, err
				}
				res.Message = "no further improvement found"
				return l.finish(f, res, p, best)
			}
		}

		improvement := best - trialStat
		best = trialStat
		res.Statistic = best
		// Bound pegging may have altered the stored values; read back.
		p, err = f.ThawedValues()
		if err != nil {
			return res, err
		}

		l.progress(iter, best, lambda)

		if l.DelayedGratification {
			lambda /= 1.5
		} else {
			lambda /= 10
		}

		if improvement < l.deltaCrit() {
			smallRun++
			if smallRun >= needSmall {
				res.Converged = true
				return res, nil
			}
		} else {
			smallRun = 0
		}
	}

	res.Message = fmt.Sprintf("no convergence within %d trials", l.numberOfTrials())
	return res, nil
}

// finish restores the best point before reporting a stalled run.
func (l *LevMar) finish(f *Fit, res Result, p []float64, best float64) (Result, error) {
	if err := f.SetThawed(p); err != nil {
		return res, err
	}
	if _, err := f.Evaluate(); err != nil {
		return res, err
	}
	res.Statistic = best
	return res, nil
}

// solveDamped solves (H + lambda*diag(H)) delta = -g. Reports false when
// the damped matrix is not positive definite at this lambda.
func solveDamped(H *mat.SymDense, g []float64, lambda float64) ([]float64, bool) {
	n := len(g)
	A := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		d := H.At(i, i)
		if d <= 0 {
			d = 1
		}
		A.SetSym(i, i, H.At(i, i)+lambda*d)
		for j := i + 1; j < n; j++ {
			A.SetSym(i, j, H.At(i, j))
		}
	}

	var ch mat.Cholesky
	if !ch.Factorize(A) {
		return nil, false
	}
	negg := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		negg.SetVec(i, -g[i])
	}
	var delta mat.VecDense
	if err := ch.SolveVecTo(&delta, negg); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = delta.AtVec(i)
	}
	return out, true
}
