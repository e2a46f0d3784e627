package chain

import (
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/monitoring"
	"github.com/banshee-data/specfit/internal/param"
	"github.com/banshee-data/specfit/internal/spectral"
	"github.com/banshee-data/specfit/internal/stat"
)

func TestMain(m *testing.M) {
	restore := monitoring.Quiet()
	code := m.Run()
	restore()
	os.Exit(code)
}

type normSource struct {
	values func(int) (float64, error)
	shape  []float64
	folded []float64
}

func (s *normSource) Recalculate() error {
	v, err := s.values(1)
	if err != nil {
		return err
	}
	for i, c := range s.shape {
		s.folded[i] = v * c
	}
	return nil
}

func (s *normSource) Folded(int) []float64 { return s.folded }

// quadraticFit builds a fitted chi-square problem whose posterior over the
// single norm parameter is Gaussian with a known width.
func quadraticFit(t *testing.T) (*fit.Fit, float64, float64) {
	t.Helper()
	counts := []float64{12, 19, 33, 41, 48, 61, 72, 78, 91, 99}
	shape := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	variance := 4.0

	g := param.NewGraph()
	_, err := g.Add("norm", "linear", 10.0, 0.05, param.Bounds{})
	require.NoError(t, err)
	src := &normSource{values: g.Value, shape: shape, folded: make([]float64, len(shape))}
	vari := make([]float64, len(counts))
	noticed := make([]int, len(counts))
	for i := range counts {
		vari[i] = variance
		noticed[i] = i
	}
	sp := &spectral.Spectrum{
		Name: "test", Counts: counts, Variance: vari,
		Exposure: 1, Noticed: noticed,
	}
	st, err := stat.New("chi")
	require.NoError(t, err)
	f, err := fit.New(g, []*spectral.Spectrum{sp}, src, st)
	require.NoError(t, err)

	lm := &fit.LevMar{}
	res, err := lm.Perform(f)
	require.NoError(t, err)
	require.True(t, res.Converged)

	optimum, err := g.Value(1)
	require.NoError(t, err)
	curvature := 0.0
	for _, s := range shape {
		curvature += s * s / variance
	}
	// Posterior sigma for exp(-chi2/2) with chi2 = k (x - x*)^2.
	return f, optimum, 1 / math.Sqrt(curvature)
}

func TestChainSamplesPosterior(t *testing.T) {
	f, optimum, sigma := quadraticFit(t)

	c := &Chain{Length: 4000, BurnIn: 500}
	run, err := c.Sample(f)
	require.NoError(t, err)

	assert.Len(t, run.Samples, 4000)
	assert.Len(t, run.Stats, 4000)
	assert.Greater(t, run.Accepted, 0)
	assert.Less(t, run.Accepted, 4000)

	means, stddevs, err := run.Summary()
	require.NoError(t, err)
	require.Len(t, means, 1)
	// Loose bounds: correlated samples, but thousands of them.
	assert.InDelta(t, optimum, means[0], 3*sigma)
	assert.Greater(t, stddevs[0], 0.0)
	assert.Less(t, stddevs[0], 10*sigma)

	for _, s := range run.Stats {
		assert.False(t, math.IsNaN(s))
	}
}

func TestChainQuantilesOrdered(t *testing.T) {
	f, _, _ := quadraticFit(t)

	c := &Chain{Length: 2000, BurnIn: 200}
	run, err := c.Sample(f)
	require.NoError(t, err)

	lo, err := run.Quantile(0, 0.05)
	require.NoError(t, err)
	mid, err := run.Quantile(0, 0.5)
	require.NoError(t, err)
	hi, err := run.Quantile(0, 0.95)
	require.NoError(t, err)
	assert.Less(t, lo, mid)
	assert.Less(t, mid, hi)

	_, err = run.Quantile(3, 0.5)
	assert.Error(t, err)
	_, err = run.Quantile(0, 1.5)
	assert.Error(t, err)
}

func TestChainRequiresThawedParameters(t *testing.T) {
	f, _, _ := quadraticFit(t)
	require.NoError(t, f.Params.Freeze(1))

	c := &Chain{Length: 10}
	_, err := c.Sample(f)
	assert.ErrorIs(t, err, fit.ErrNoThawed)
}

func TestChainReproducibleWithSameSource(t *testing.T) {
	f1, _, _ := quadraticFit(t)
	f2, _, _ := quadraticFit(t)

	c1 := &Chain{Length: 200, BurnIn: 50}
	c2 := &Chain{Length: 200, BurnIn: 50}
	r1, err := c1.Sample(f1)
	require.NoError(t, err)
	r2, err := c2.Sample(f2)
	require.NoError(t, err)

	// Default source is fixed, so two fresh chains walk the same path.
	assert.Equal(t, r1.Samples, r2.Samples)
}
