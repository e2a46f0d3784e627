package stat

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/specfit/internal/spectral"
)

// fixedModel is a ModelSource returning canned folded arrays.
type fixedModel struct {
	folded [][]float64
}

func (f *fixedModel) Recalculate() error     { return nil }
func (f *fixedModel) Folded(i int) []float64 { return f.folded[i] }

func poissonSpectrum(counts []float64) *spectral.Spectrum {
	noticed := make([]int, len(counts))
	for i := range noticed {
		noticed[i] = i
	}
	return &spectral.Spectrum{
		Name:      "test",
		Counts:    counts,
		Poisson:   true,
		Exposure:  1,
		AreaScale: 1,
		Noticed:   noticed,
	}
}

func TestChiSquareValue(t *testing.T) {
	sp := poissonSpectrum([]float64{4, 9})
	c := NewChiSquare()
	require.NoError(t, c.Initialize([]*spectral.Spectrum{sp}))

	m := &fixedModel{folded: [][]float64{{2, 6}}}
	require.NoError(t, c.Perform(m))

	// (4-2)^2/4 + (9-6)^2/9 = 2
	assert.InDelta(t, 2.0, c.Value(), 1e-12)
	assert.False(t, c.FlooredSpectra()[0])
	assert.Equal(t, []float64{2, 3}, c.Differences(0))
}

func TestChiSquarePerfectFitIsZero(t *testing.T) {
	sp := poissonSpectrum([]float64{5, 10, 20})
	c := NewChiSquare()
	require.NoError(t, c.Initialize([]*spectral.Spectrum{sp}))
	require.NoError(t, c.Perform(&fixedModel{folded: [][]float64{{5, 10, 20}}}))
	assert.InDelta(t, 0.0, c.Value(), 1e-12)
}

func TestCalcMinVarianceMonotone(t *testing.T) {
	// Increasing areaTime must never increase the floor.
	prev := math.Inf(1)
	for _, at := range []float64{0.5, 1, 2, 10, 100, 1e4} {
		v := calcMinVariance(at, 2*at, 0.5)
		if v > prev {
			t.Fatalf("floor increased: areaTime=%g floor=%g prev=%g", at, v, prev)
		}
		prev = v
	}
}

func TestApplyMinVariance(t *testing.T) {
	v := []float64{4, 0.01, 9}
	applied := applyMinVariance(v, 1)
	assert.True(t, applied, "one channel was below the floor")
	assert.Equal(t, []float64{4, 1, 9}, v)

	applied = applyMinVariance(v, 0.5)
	assert.False(t, applied, "no channel below the floor")
}

func TestChiSquareFlooring(t *testing.T) {
	// A zero-count channel has zero Poisson variance; the floor must kick
	// in and be reported per spectrum.
	sp := poissonSpectrum([]float64{0, 9})
	c := NewChiSquare()
	require.NoError(t, c.Initialize([]*spectral.Spectrum{sp}))
	require.NoError(t, c.Perform(&fixedModel{folded: [][]float64{{1, 9}}}))
	assert.True(t, c.FlooredSpectra()[0])
	assert.False(t, math.IsInf(c.Value(), 0))
	assert.False(t, math.IsNaN(c.Value()))
}

func TestChiSquareAnalyticDerivs(t *testing.T) {
	// Compare the analytic derivative against a central finite difference
	// over a single normalization parameter (model = norm * shape).
	shape := []float64{1, 2, 3, 4}
	counts := []float64{3, 5, 8, 11}
	sp := poissonSpectrum(counts)
	c := NewChiSquare()
	require.NoError(t, c.Initialize([]*spectral.Spectrum{sp}))

	statAt := func(norm float64) float64 {
		folded := make([]float64, len(shape))
		for i := range shape {
			folded[i] = norm * shape[i]
		}
		require.NoError(t, c.Perform(&fixedModel{folded: [][]float64{folded}}))
		return c.Value()
	}

	const norm, h = 2.5, 1e-6
	up := statAt(norm + h)
	down := statAt(norm - h)
	numeric := (up - down) / (2 * h)

	statAt(norm) // leave working arrays at the evaluation point
	analytic, err := c.SumDerivs([][]float64{shape})
	require.NoError(t, err)
	assert.InDelta(t, numeric, analytic, 1e-4)
}

func TestCstatPerfectFitNearZero(t *testing.T) {
	counts := []float64{100, 200, 150}
	sp := poissonSpectrum(counts)
	c := NewCstat(StdCstat{})
	require.NoError(t, c.Initialize([]*spectral.Spectrum{sp}))
	require.NoError(t, c.Perform(&fixedModel{folded: [][]float64{counts}}))
	assert.InDelta(t, 0.0, c.Value(), 1e-9)
}

func TestCstatZeroCountChannels(t *testing.T) {
	sp := poissonSpectrum([]float64{0, 0, 5})
	c := NewCstat(StdCstat{})
	require.NoError(t, c.Initialize([]*spectral.Spectrum{sp}))
	require.NoError(t, c.Perform(&fixedModel{folded: [][]float64{{1, 2, 5}}}))
	// Zero-count channels contribute 2m each.
	assert.InDelta(t, 6.0, c.Value(), 1e-9)
	assert.False(t, math.IsNaN(c.Value()))
}

func TestWstatWithBackground(t *testing.T) {
	sp := poissonSpectrum([]float64{30, 40})
	sp.Background = &spectral.BackSpectrum{
		Counts:   []float64{10, 12},
		Poisson:  true,
		Exposure: 1,
		Scale:    1,
	}
	c := NewCstat(StdCstat{})
	require.NoError(t, c.Initialize([]*spectral.Spectrum{sp}))
	require.NoError(t, c.Perform(&fixedModel{folded: [][]float64{{18, 25}}}))
	v := c.Value()
	assert.False(t, math.IsNaN(v))
	assert.False(t, math.IsInf(v, 0))
	assert.Greater(t, v, 0.0)
}

func TestStatisticValidityRejection(t *testing.T) {
	// Gaussian source data assigned to cstat must be rejected at
	// Initialize, reported rather than crashing.
	sp := poissonSpectrum([]float64{1, 2})
	sp.Poisson = false
	sp.Variance = []float64{1, 1}

	c := NewCstat(StdCstat{})
	err := c.Initialize([]*spectral.Spectrum{sp})
	assert.ErrorIs(t, err, ErrInvalidCombination)

	// pgstat additionally rejects a Poisson background.
	sp2 := poissonSpectrum([]float64{1, 2})
	sp2.Background = &spectral.BackSpectrum{
		Counts: []float64{1, 1}, Poisson: true, Exposure: 1, Scale: 1,
	}
	pg := NewCstat(PGstat{})
	err = pg.Initialize([]*spectral.Spectrum{sp2})
	assert.ErrorIs(t, err, ErrInvalidCombination)

	// whittle wants non-Poisson data.
	w := NewCstat(WhittleStat{})
	err = w.Initialize([]*spectral.Spectrum{poissonSpectrum([]float64{1})})
	assert.ErrorIs(t, err, ErrInvalidCombination)

	// cstat's W form profiles a Poisson background rate, so a Gaussian
	// background (whose variance it would ignore) is rejected; no
	// background at all stays valid.
	sp3 := poissonSpectrum([]float64{3, 4})
	sp3.Background = &spectral.BackSpectrum{
		Counts: []float64{1, 1}, Poisson: false,
		Variance: []float64{1, 1}, Exposure: 1, Scale: 1,
	}
	c2 := NewCstat(StdCstat{})
	err = c2.Initialize([]*spectral.Spectrum{sp3})
	assert.ErrorIs(t, err, ErrInvalidCombination)
	assert.NoError(t, NewCstat(StdCstat{}).Initialize([]*spectral.Spectrum{poissonSpectrum([]float64{3, 4})}))

	// lstat follows the same rule: fine without a background, Poisson
	// required with one.
	assert.NoError(t, NewCstat(LorStat{}).Initialize([]*spectral.Spectrum{poissonSpectrum([]float64{3, 4})}))
	err = NewCstat(LorStat{}).Initialize([]*spectral.Spectrum{sp3})
	assert.ErrorIs(t, err, ErrInvalidCombination)
}

func TestLorSumBoundaryCases(t *testing.T) {
	// C < flag: exact zero sentinel.
	assert.Equal(t, float64(lorZero), lorSum(3.0, 2, 5, 4))

	// S == 0, C > 0: only the flag-indexed term survives.
	assert.Equal(t, logLorTerm(0, 0, 5, 3), lorSum(0, 5, 3, 0))

	// C == 0: only the j=0 term.
	assert.Equal(t, logLorTerm(7.5, 0, 0, 4), lorSum(7.5, 0, 4, 0))
}

func TestLorSumMatchesDirectSum(t *testing.T) {
	// For small inputs a naive direct summation is safe; lorSum must agree.
	cases := []struct {
		s    float64
		c, b int
	}{
		{2.5, 8, 3},
		{0.7, 5, 0},
		{10, 20, 15},
		{1e-3, 4, 2},
	}
	for _, tc := range cases {
		direct := 0.0
		for j := 0; j <= tc.c; j++ {
			direct += math.Exp(logLorTerm(tc.s, j, tc.c, tc.b))
		}
		want := math.Log(direct)
		got := lorSum(tc.s, tc.c, tc.b, 0)
		assert.InDelta(t, want, got, 1e-9, "s=%g c=%d b=%d", tc.s, tc.c, tc.b)
	}
}

func TestLorSumLargeInputsFinite(t *testing.T) {
	// Direct summation of S^j with these inputs would overflow float64;
	// the stabilized sum must stay finite.
	v := lorSum(500, 800, 600, 0)
	assert.False(t, math.IsInf(v, 0))
	assert.False(t, math.IsNaN(v))
}

func TestEDFAccumulateIdempotent(t *testing.T) {
	src := []float64{3, 1, 4, 1, 5}
	a := make([]float64, len(src))
	b := make([]float64, len(src))
	totalA := accumulateCounts(a, src)
	totalB := accumulateCounts(b, src)
	assert.Equal(t, totalA, totalB)
	assert.Equal(t, a, b, "repeat accumulation must be bit-identical")
	assert.Equal(t, 1.0, a[len(a)-1], "CDF normalized to 1 at the last channel")
}

func TestEDFKolmogorovSmirnov(t *testing.T) {
	sp := poissonSpectrum([]float64{10, 10, 10, 10})
	e := NewEDF(KolmogorovSmirnov{})
	require.NoError(t, e.Initialize([]*spectral.Spectrum{sp}))

	// A perfectly proportional model has identical CDF: statistic 0.
	require.NoError(t, e.Perform(&fixedModel{folded: [][]float64{{5, 5, 5, 5}}}))
	assert.InDelta(t, 0.0, e.Value(), 1e-12)

	// Skewed model must score positive.
	require.NoError(t, e.Perform(&fixedModel{folded: [][]float64{{20, 5, 5, 5}}}))
	assert.Greater(t, e.Value(), 0.0)
}

func TestFrozenRenormCountdown(t *testing.T) {
	r := NewFrozenRenorm(3)

	f, done := r.AdjustForFrozen(100, 50, 10)
	assert.False(t, done)
	assert.Zero(t, f)

	_, done = r.AdjustForFrozen(200, 100, 20)
	assert.False(t, done)

	// Totals only on the last call: factor scales the free part of the
	// model so it matches the observed counts net of the frozen part.
	f, done = r.AdjustForFrozen(100, 70, 30)
	assert.True(t, done)
	want := (400.0 - 60.0) / (220.0 - 60.0)
	assert.InDelta(t, want, f, 1e-12)
}

func TestFrozenRenormOvercallPanics(t *testing.T) {
	r := NewFrozenRenorm(1)
	_, done := r.AdjustForFrozen(1, 1, 0)
	require.True(t, done)
	assert.Panics(t, func() { r.AdjustForFrozen(1, 1, 0) })
}

func TestNewByName(t *testing.T) {
	for _, name := range []string{"chi", "cstat", "pgstat", "pstat", "lstat", "whittle", "ks", "ad", "cvm"} {
		s, err := New(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, s.Name())
	}
	_, err := New("bogus")
	assert.Error(t, err)
}
