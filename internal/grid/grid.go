// Package grid walks a Cartesian product of parameter settings, recording
// the fit statistic and the full parameter vector at every point. It backs
// the steppar command and, through the probability weights in Margin, the
// margin command.
package grid

import (
	"fmt"
	"math"

	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/monitoring"
	"github.com/banshee-data/specfit/internal/parallel"
)

// Point is one evaluated grid point. Params is the full parameter snapshot,
// kept because contour and margin consumers need the trajectory of the
// non-scanned parameters too. A point whose refit or evaluation failed is
// recorded with Valid false and stays in place; the scan continues.
type Point struct {
	Statistic float64
	Params    []float64
	Valid     bool
}

// ScanResult holds a completed scan. Points are in row-major order with the
// first ParameterSpec as the fastest-varying index; downstream consumers
// rely on that ordering.
type ScanResult struct {
	Specs  []ParameterSpec
	Points []Point

	MinStat   float64
	MinIndex  int
	MinParams []float64
	Failures  int
}

// Coords maps a flat point index back to per-dimension value indices, first
// dimension fastest.
func (r *ScanResult) Coords(flat int) []int {
	out := make([]int, len(r.Specs))
	for d := range r.Specs {
		n := len(r.Specs[d].Values)
		out[d] = flat % n
		flat /= n
	}
	return out
}

// Scanner configures one grid scan.
type Scanner struct {
	Specs []ParameterSpec

	// Refit selects "best" mode: at each point the remaining free
	// parameters are refitted with Method. When false ("current" mode) the
	// statistic is just recomputed at current values.
	Refit  bool
	Method fit.Method

	// Workers enables parallel scanning over a forkable model source; nil
	// means sequential.
	Workers *parallel.Manager
}

// Total returns the number of grid points, the product of intervals+1 over
// all dimensions.
func (s *Scanner) Total() int {
	total := 1
	for _, sp := range s.Specs {
		total *= len(sp.Values)
	}
	return total
}

// Run evaluates every grid point. The fit is returned to its entry state
// afterward. Failed points are marked invalid and counted, never fatal.
func (s *Scanner) Run(f *fit.Fit) (*ScanResult, error) {
	if len(s.Specs) == 0 {
		return nil, fmt.Errorf("grid: no dimensions to scan")
	}
	for _, sp := range s.Specs {
		if _, err := f.Params.Param(sp.Param); err != nil {
			return nil, err
		}
	}
	if s.Refit && s.Method == nil {
		return nil, fmt.Errorf("grid: refit mode needs a fit method")
	}

	total := s.Total()
	res := &ScanResult{
		Specs:    append([]ParameterSpec(nil), s.Specs...),
		Points:   make([]Point, total),
		MinStat:  math.Inf(1),
		MinIndex: -1,
	}

	if s.Workers != nil && s.Workers.MaxWorkers() > 1 && f.CanFork() {
		if err := s.runParallel(f, res); err != nil {
			return nil, err
		}
	} else {
		if err := s.runSequential(f, res); err != nil {
			return nil, err
		}
	}

	for i, pt := range res.Points {
		if !pt.Valid {
			res.Failures++
			continue
		}
		if pt.Statistic < res.MinStat {
			res.MinStat = pt.Statistic
			res.MinIndex = i
			res.MinParams = pt.Params
		}
	}
	if res.MinIndex >= 0 {
		coords := res.Coords(res.MinIndex)
		for d := range res.Specs {
			res.Specs[d].Best = res.Specs[d].Values[coords[d]]
		}
	}
	if res.Failures > 0 {
		monitoring.Logf("grid: %d of %d points failed and were marked invalid", res.Failures, total)
	}
	return res, nil
}

// evalPoint positions the scanned parameters for flat index idx and scores
// the point on the given fit, which must already have those parameters
// frozen.
func (s *Scanner) evalPoint(f *fit.Fit, idx int) Point {
	rem := idx
	for d := range s.Specs {
		n := len(s.Specs[d].Values)
		v := s.Specs[d].Values[rem%n]
		rem /= n
		if err := f.Params.SetValue(s.Specs[d].Param, v); err != nil {
			return Point{}
		}
	}

	var stat float64
	if s.Refit && len(f.ThawedIndices()) > 0 {
		r, err := s.Method.Perform(f)
		if err != nil {
			return Point{}
		}
		stat = r.Statistic
	} else {
		v, err := f.Evaluate()
		if err != nil {
			return Point{}
		}
		stat = v
	}
	return Point{Statistic: stat, Params: f.Params.Snapshot(), Valid: true}
}

// freezeScanned freezes the scanned parameters, returning the ones this
// call actually froze so the caller can thaw exactly those afterward.
func (s *Scanner) freezeScanned(f *fit.Fit) ([]int, error) {
	var frozen []int
	for _, sp := range s.Specs {
		p, err := f.Params.Param(sp.Param)
		if err != nil {
			return frozen, err
		}
		if p.Frozen() {
			continue
		}
		if err := f.Params.Freeze(sp.Param); err != nil {
			return frozen, err
		}
		frozen = append(frozen, sp.Param)
	}
	return frozen, nil
}

func (s *Scanner) runSequential(f *fit.Fit, res *ScanResult) error {
	snapshot := f.Params.Snapshot()
	frozen, err := s.freezeScanned(f)
	if err != nil {
		return err
	}
	defer func() {
		for _, pi := range frozen {
			_ = f.Params.Thaw(pi)
		}
		for i := 1; i <= f.Params.Len(); i++ {
			if p, err := f.Params.Param(i); err == nil && !p.IsLinked() {
				_ = f.Params.SetValue(i, snapshot[i-1])
			}
		}
		_, _ = f.Evaluate()
	}()

	for i := range res.Points {
		res.Points[i] = s.evalPoint(f, i)
	}
	return nil
}

func (s *Scanner) runParallel(f *fit.Fit, res *ScanResult) error {
	results := s.Workers.Run(len(res.Points), func(idx int) (parallel.Result, error) {
		fk, err := f.Fork()
		if err != nil {
			return parallel.Result{Status: parallel.StatusSkipped}, err
		}
		if _, err := s.freezeScanned(fk); err != nil {
			return parallel.Result{Status: parallel.StatusSkipped}, err
		}
		pt := s.evalPoint(fk, idx)
		valid := 0.0
		if pt.Valid {
			valid = 1
		}
		return parallel.Result{
			Floats: [][]float64{{pt.Statistic, valid}, pt.Params},
		}, nil
	})

	for i, r := range results {
		if r.Status < 0 || len(r.Floats) < 2 || r.Floats[0][1] == 0 {
			continue
		}
		res.Points[i] = Point{
			Statistic: r.Floats[0][0],
			Params:    r.Floats[1],
			Valid:     true,
		}
	}
	return nil
}

// MarginResult extends a scan with per-point probability weights.
type MarginResult struct {
	ScanResult

	// Prob holds exp(-(stat-minStat)/2) per point, normalized to sum to
	// one over the valid points. Invalid points carry zero weight.
	Prob []float64
}

// Margin runs the scan and converts the statistic surface into integrated
// probability weights.
func (s *Scanner) Margin(f *fit.Fit) (*MarginResult, error) {
	scan, err := s.Run(f)
	if err != nil {
		return nil, err
	}
	out := &MarginResult{ScanResult: *scan, Prob: make([]float64, len(scan.Points))}
	sum := 0.0
	for i, pt := range scan.Points {
		if !pt.Valid {
			continue
		}
		w := math.Exp(-(pt.Statistic - scan.MinStat) / 2)
		out.Prob[i] = w
		sum += w
	}
	if sum > 0 {
		for i := range out.Prob {
			out.Prob[i] /= sum
		}
	}
	return out, nil
}
