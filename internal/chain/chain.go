// Package chain draws Markov-chain Monte Carlo samples from the posterior
// implied by the fit statistic, for parameter uncertainty estimates that do
// not rely on the quadratic approximation the error command uses.
package chain

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	gstat "gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/monitoring"
)

// Chain configures one Metropolis sampler over the thawed parameters. The
// posterior density is taken as exp(-statistic/2), which is exact for
// chi-square and the Poisson likelihood statistics.
type Chain struct {
	// Length is the number of retained samples. Zero means 10000.
	Length int

	// BurnIn is the number of leading samples discarded before retention.
	// Zero means Length/10.
	BurnIn int

	// ProposalScale multiplies each parameter's delta to size the Gaussian
	// proposal. Zero means 1.
	ProposalScale float64

	// Src seeds the sampler. Nil means a fixed default source, so runs are
	// reproducible unless the caller injects entropy.
	Src rand.Source
}

// Run is a completed chain: one row per retained sample over the thawed
// parameters, the statistic at each sample, and the acceptance count.
type Run struct {
	Thawed   []int // graph indices of the sampled parameters
	Samples  [][]float64
	Stats    []float64
	Accepted int
}

func (c *Chain) length() int {
	if c.Length > 0 {
		return c.Length
	}
	return 10000
}

func (c *Chain) burnIn() int {
	if c.BurnIn > 0 {
		return c.BurnIn
	}
	return c.length() / 10
}

func (c *Chain) scale() float64 {
	if c.ProposalScale > 0 {
		return c.ProposalScale
	}
	return 1
}

// Sample walks the chain from the fit's current point. The fit is left at
// the last accepted sample.
func (c *Chain) Sample(f *fit.Fit) (*Run, error) {
	idx := f.ThawedIndices()
	if len(idx) == 0 {
		return nil, fit.ErrNoThawed
	}

	src := c.Src
	if src == nil {
		src = rand.NewPCG(20, 26)
	}
	uniform := rand.New(src)

	proposals := make([]distuv.Normal, len(idx))
	for k, pi := range idx {
		p, err := f.Params.Param(pi)
		if err != nil {
			return nil, err
		}
		sigma := p.Delta() * c.scale()
		if sigma <= 0 {
			sigma = 0.01
		}
		proposals[k] = distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	}

	cur, err := f.ThawedValues()
	if err != nil {
		return nil, err
	}
	curStat, err := f.Evaluate()
	if err != nil {
		return nil, err
	}

	total := c.burnIn() + c.length()
	run := &Run{
		Thawed:  append([]int(nil), idx...),
		Samples: make([][]float64, 0, c.length()),
		Stats:   make([]float64, 0, c.length()),
	}

	trial := make([]float64, len(idx))
	for i := 0; i < total; i++ {
		for k := range trial {
			trial[k] = cur[k] + proposals[k].Rand()
		}
		stepStat, stepVals, ok := c.tryStep(f, trial)
		if ok {
			// Metropolis rule on the log posterior -stat/2.
			logRatio := (curStat - stepStat) / 2
			if logRatio >= 0 || math.Log(uniform.Float64()) < logRatio {
				copy(cur, stepVals)
				curStat = stepStat
				if i >= c.burnIn() {
					run.Accepted++
				}
			}
		}
		if i >= c.burnIn() {
			run.Samples = append(run.Samples, append([]float64(nil), cur...))
			run.Stats = append(run.Stats, curStat)
		}
	}

	// Leave the fit at the final sample.
	if err := f.SetThawed(cur); err != nil {
		return nil, err
	}
	if _, err := f.Evaluate(); err != nil {
		return nil, err
	}

	monitoring.Logf("chain: %d samples, %.1f%% accepted",
		len(run.Samples), 100*float64(run.Accepted)/float64(len(run.Samples)))
	return run, nil
}

// tryStep evaluates the statistic at the trial point. A rejected hard-limit
// step or a diverged statistic simply fails the step; both are expected in
// the tails.
func (c *Chain) tryStep(f *fit.Fit, trial []float64) (float64, []float64, bool) {
	if err := f.SetThawed(trial); err != nil {
		return 0, nil, false
	}
	v, err := f.Evaluate()
	if err != nil {
		return 0, nil, false
	}
	// Soft limits may have pegged the stored values.
	vals, err := f.ThawedValues()
	if err != nil {
		return 0, nil, false
	}
	return v, vals, true
}

// Summary reports per-parameter posterior mean and standard deviation.
func (r *Run) Summary() ([]float64, []float64, error) {
	if len(r.Samples) == 0 {
		return nil, nil, fmt.Errorf("chain: empty run")
	}
	n := len(r.Thawed)
	means := make([]float64, n)
	stddevs := make([]float64, n)
	col := make([]float64, len(r.Samples))
	for k := 0; k < n; k++ {
		for i, row := range r.Samples {
			col[i] = row[k]
		}
		means[k] = gstat.Mean(col, nil)
		stddevs[k] = gstat.StdDev(col, nil)
	}
	return means, stddevs, nil
}

// Quantile returns the q-th posterior quantile for thawed parameter k.
func (r *Run) Quantile(k int, q float64) (float64, error) {
	if k < 0 || k >= len(r.Thawed) {
		return 0, fmt.Errorf("chain: no thawed parameter slot %d", k)
	}
	if q < 0 || q > 1 {
		return 0, fmt.Errorf("chain: quantile %g out of [0,1]", q)
	}
	col := make([]float64, len(r.Samples))
	for i, row := range r.Samples {
		col[i] = row[k]
	}
	sort.Float64s(col)
	return gstat.Quantile(q, gstat.Empirical, col, nil), nil
}
