package fit

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/specfit/internal/parallel"
)

// modelDerivs computes d(foldedModel)/dp for every thawed parameter by
// central differences, returning [parameter][spectrum][channel]. The step
// for each parameter is its configured delta. When the fit can fork and a
// worker pool is attached, parameters are differentiated in parallel, one
// private fit copy per work item; otherwise the live fit is perturbed and
// restored in place.
func modelDerivs(f *Fit) ([][][]float64, error) {
	idx := f.ThawedIndices()
	if len(idx) == 0 {
		return nil, ErrNoThawed
	}

	if f.Workers != nil && f.Workers.MaxWorkers() > 1 && f.CanFork() {
		results := f.Workers.Run(len(idx), func(k int) (parallel.Result, error) {
			fk, err := f.Fork()
			if err != nil {
				return parallel.Result{Status: parallel.StatusSkipped}, err
			}
			d, err := oneParamDeriv(fk, idx[k])
			if err != nil {
				return parallel.Result{Status: parallel.StatusSkipped}, err
			}
			return parallel.Result{Floats: d}, nil
		})
		out := make([][][]float64, len(idx))
		for k, r := range results {
			if r.Status < 0 {
				return nil, fmt.Errorf("fit: derivative for parameter %d failed: %v", idx[k], r.Messages)
			}
			out[k] = r.Floats
		}
		return out, nil
	}

	out := make([][][]float64, len(idx))
	for k, pi := range idx {
		d, err := oneParamDeriv(f, pi)
		if err != nil {
			return nil, err
		}
		out[k] = d
	}
	return out, nil
}

// oneParamDeriv central-differences the folded models with respect to
// parameter pi, restoring the parameter and model state before returning.
func oneParamDeriv(f *Fit, pi int) ([][]float64, error) {
	p, err := f.Params.Param(pi)
	if err != nil {
		return nil, err
	}
	v0, err := f.Params.Value(pi)
	if err != nil {
		return nil, err
	}
	h := p.Delta()
	if h <= 0 {
		h = 1e-4
	}
	// Keep both evaluation points inside the soft limits, since SetValue pegs
	// at those. A parameter resting on one limit gets a one-sided difference
	// from the open side.
	hUp, hDown := h, h
	if b := p.Bounds(); b.Limited() {
		if v0+hUp > b.Top {
			hUp = b.Top - v0
		}
		if v0-hDown < b.Bottom {
			hDown = v0 - b.Bottom
		}
		if hUp+hDown <= 0 {
			return nil, fmt.Errorf("fit: parameter %d has zero-width limits, no derivative step", pi)
		}
	}

	up, err := foldedAt(f, pi, v0+hUp)
	if err != nil {
		return nil, err
	}
	down, err := foldedAt(f, pi, v0-hDown)
	if err != nil {
		return nil, err
	}
	// Restore the evaluation point.
	if _, err := foldedAt(f, pi, v0); err != nil {
		return nil, err
	}

	inv := 1 / (hUp + hDown)
	for si := range up {
		for i := range up[si] {
			up[si][i] = (up[si][i] - down[si][i]) * inv
		}
	}
	return up, nil
}

func foldedAt(f *Fit, pi int, v float64) ([][]float64, error) {
	if err := f.Params.SetValue(pi, v); err != nil {
		return nil, err
	}
	if err := f.Models.Recalculate(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(f.Spectra))
	for si := range f.Spectra {
		src := f.Models.Folded(si)
		out[si] = append([]float64(nil), src...)
	}
	return out, nil
}

// gradHess assembles the statistic gradient and Gauss-Newton Hessian over
// the thawed parameters, using the statistic's analytic derivative support
// when present and full finite differences of the scalar otherwise.
func gradHess(f *Fit, vals []float64) ([]float64, *mat.SymDense, error) {
	idx := f.ThawedIndices()
	n := len(idx)

	if f.Stat.DerivativesSupported() {
		dm, err := modelDerivs(f)
		if err != nil {
			return nil, nil, err
		}
		// The statistic's working arrays must reflect the evaluation
		// point (modelDerivs restored the models already).
		if err := f.Stat.Perform(f.Models); err != nil {
			return nil, nil, err
		}
		g := make([]float64, n)
		H := mat.NewSymDense(n, nil)
		for k := 0; k < n; k++ {
			gk, err := f.Stat.SumDerivs(dm[k])
			if err != nil {
				return nil, nil, err
			}
			g[k] = gk
			for j := k; j < n; j++ {
				hkj, err := f.Stat.SumSecondDerivs(dm[k], dm[j])
				if err != nil {
					return nil, nil, err
				}
				H.SetSym(k, j, hkj)
			}
		}
		return g, H, nil
	}

	return numericGradHess(f, vals)
}

// numericGradHess finite-differences the scalar statistic itself: central
// differences for the gradient, the standard four-point stencil for the
// Hessian. O(n²) statistic evaluations, acceptable at the parameter counts
// the no-derivative statistics see in practice.
func numericGradHess(f *Fit, vals []float64) ([]float64, *mat.SymDense, error) {
	idx := f.ThawedIndices()
	n := len(idx)
	steps := make([]float64, n)
	for k, pi := range idx {
		p, err := f.Params.Param(pi)
		if err != nil {
			return nil, nil, err
		}
		steps[k] = p.Delta()
		if steps[k] <= 0 {
			steps[k] = 1e-4
		}
	}

	at := func(shift func(v []float64)) (float64, error) {
		trial := append([]float64(nil), vals...)
		shift(trial)
		if err := f.SetThawed(trial); err != nil {
			return 0, err
		}
		return f.Evaluate()
	}

	s0, err := at(func([]float64) {})
	if err != nil {
		return nil, nil, err
	}

	g := make([]float64, n)
	H := mat.NewSymDense(n, nil)
	for k := 0; k < n; k++ {
		k := k
		up, err := at(func(v []float64) { v[k] += steps[k] })
		if err != nil {
			return nil, nil, err
		}
		down, err := at(func(v []float64) { v[k] -= steps[k] })
		if err != nil {
			return nil, nil, err
		}
		g[k] = (up - down) / (2 * steps[k])
		H.SetSym(k, k, (up-2*s0+down)/(steps[k]*steps[k]))
		for j := k + 1; j < n; j++ {
			j := j
			pp, err := at(func(v []float64) { v[k] += steps[k]; v[j] += steps[j] })
			if err != nil {
				return nil, nil, err
			}
			pm, err := at(func(v []float64) { v[k] += steps[k]; v[j] -= steps[j] })
			if err != nil {
				return nil, nil, err
			}
			mp, err := at(func(v []float64) { v[k] -= steps[k]; v[j] += steps[j] })
			if err != nil {
				return nil, nil, err
			}
			mm, err := at(func(v []float64) { v[k] -= steps[k]; v[j] -= steps[j] })
			if err != nil {
				return nil, nil, err
			}
			H.SetSym(k, j, (pp-pm-mp+mm)/(4*steps[k]*steps[j]))
		}
	}

	// Restore the evaluation point.
	if err := f.SetThawed(vals); err != nil {
		return nil, nil, err
	}
	if _, err := f.Evaluate(); err != nil {
		return nil, nil, err
	}
	return g, H, nil
}
