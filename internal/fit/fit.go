// Package fit drives the iterative minimization of a fit statistic over
// the thawed model parameters.
//
// A Fit bundles everything one minimization needs (the parameter graph,
// the observed spectra, the model source and the statistic) as an
// explicitly constructed context object, so independent fit sessions can
// run side by side. Methods (Levenberg-Marquardt today) implement the
// actual descent strategy.
package fit

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/specfit/internal/parallel"
	"github.com/banshee-data/specfit/internal/param"
	"github.com/banshee-data/specfit/internal/spectral"
	"github.com/banshee-data/specfit/internal/stat"
)

var (
	// ErrNoThawed means there is nothing to fit: every parameter is
	// frozen or linked.
	ErrNoThawed = errors.New("fit: no thawed parameters")

	// ErrDiverged means the statistic became non-finite during a fit.
	ErrDiverged = errors.New("fit: statistic diverged")
)

// Fit is one minimization context.
type Fit struct {
	Params  *param.Graph
	Spectra []*spectral.Spectrum
	Models  spectral.ModelSource
	Stat    stat.Statistic

	// Workers bounds parallel numeric-derivative evaluation; nil means
	// sequential.
	Workers *parallel.Manager
}

// New assembles a fit context and initializes the statistic against the
// spectra (which validates the distribution mix up front).
func New(g *param.Graph, spectra []*spectral.Spectrum, models spectral.ModelSource, st stat.Statistic) (*Fit, error) {
	f := &Fit{Params: g, Spectra: spectra, Models: models, Stat: st}
	if err := st.Initialize(spectra); err != nil {
		return nil, err
	}
	return f, nil
}

// Evaluate recomputes the folded models for the current parameter state and
// scores them, returning the statistic value.
func (f *Fit) Evaluate() (float64, error) {
	if err := f.Models.Recalculate(); err != nil {
		return 0, fmt.Errorf("fit: model recalculation: %w", err)
	}
	f.Params.ClearChanged()
	if err := f.Stat.Perform(f.Models); err != nil {
		return 0, err
	}
	v := f.Stat.Value()
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v, fmt.Errorf("%w: statistic = %v", ErrDiverged, v)
	}
	return v, nil
}

// ThawedIndices returns the indices of the free parameters, ascending.
func (f *Fit) ThawedIndices() []int { return f.Params.Thawed() }

// ThawedValues reads the current values of the free parameters.
func (f *Fit) ThawedValues() ([]float64, error) {
	idx := f.ThawedIndices()
	out := make([]float64, len(idx))
	for i, pi := range idx {
		v, err := f.Params.Value(pi)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// SetThawed writes values onto the free parameters, clamping each to its
// hard limits first (trial steps from an optimizer may overshoot). Soft
// limits then peg the stored value per the graph's usual policy. Read the
// values back with ThawedValues to see what was actually stored.
func (f *Fit) SetThawed(vals []float64) error {
	idx := f.ThawedIndices()
	if len(vals) != len(idx) {
		return fmt.Errorf("fit: %d values for %d thawed parameters", len(vals), len(idx))
	}
	for i, pi := range idx {
		v := vals[i]
		p, err := f.Params.Param(pi)
		if err != nil {
			return err
		}
		if b := p.Bounds(); b.Limited() {
			if v < b.Min {
				v = b.Min
			} else if v > b.Max {
				v = b.Max
			}
		}
		if err := f.Params.SetValue(pi, v); err != nil {
			return err
		}
	}
	return nil
}

// Fork returns an independent copy of the fit for a parallel worker: its
// own parameter graph, its own model source fork, and a fresh statistic of
// the same kind. Returns an error when the model source cannot fork.
func (f *Fit) Fork() (*Fit, error) {
	fs, ok := f.Models.(spectral.ForkableSource)
	if !ok {
		return nil, fmt.Errorf("fit: model source %T does not support forking", f.Models)
	}
	g := f.Params.Clone()
	models, err := fs.Fork(g.Value)
	if err != nil {
		return nil, err
	}
	st, err := stat.New(f.Stat.Name())
	if err != nil {
		return nil, err
	}
	return New(g, f.Spectra, models, st)
}

// CanFork reports whether parallel workers can obtain private fit copies.
func (f *Fit) CanFork() bool {
	_, ok := f.Models.(spectral.ForkableSource)
	return ok
}
