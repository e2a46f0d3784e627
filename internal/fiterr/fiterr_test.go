package fiterr

import (
	"math"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/monitoring"
	"github.com/banshee-data/specfit/internal/parallel"
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

type comboSource struct {
	values func(int) (float64, error)
	parIdx []int
	comps  [][]float64
	folded []float64
}

func newComboSource(values func(int) (float64, error), parIdx []int, comps [][]float64) *comboSource {
	return &comboSource{
		values: values,
		parIdx: parIdx,
		comps:  comps,
		folded: make([]float64, len(comps[0])),
	}
}

func (c *comboSource) Recalculate() error {
	for i := range c.folded {
		c.folded[i] = 0
	}
	for k, pi := range c.parIdx {
		v, err := c.values(pi)
		if err != nil {
			return err
		}
		for i, s := range c.comps[k] {
			c.folded[i] += v * s
		}
	}
	return nil
}

func (c *comboSource) Folded(int) []float64 { return c.folded }

func (c *comboSource) Fork(values func(int) (float64, error)) (spectral.ModelSource, error) {
	return newComboSource(values, c.parIdx, c.comps), nil
}

func testSpectrum(counts []float64, variance float64) *spectral.Spectrum {
	vari := make([]float64, len(counts))
	noticed := make([]int, len(counts))
	for i := range counts {
		vari[i] = variance
		noticed[i] = i
	}
	return &spectral.Spectrum{
		Name: "test", Counts: counts, Variance: vari,
		Exposure: 1, Noticed: noticed,
	}
}

// normOnlyFit builds a fitted single-parameter chi-square problem. The
// statistic around the optimum is exactly quadratic with curvature
// sum(shape^2)/variance, so the expected bound half-width is analytic.
func normOnlyFit(t *testing.T, bounds param.Bounds) (*fit.Fit, float64, float64) {
	t.Helper()
	counts := []float64{12, 19, 33, 41, 48, 61, 72, 78, 91, 99}
	shape := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	variance := 4.0

	g := param.NewGraph()
	_, err := g.Add("norm", "linear", 3.0, 0.01, bounds)
	require.NoError(t, err)
	src := newComboSource(g.Value, []int{1}, [][]float64{shape})
	st, err := stat.New("chi")
	require.NoError(t, err)
	f, err := fit.New(g, []*spectral.Spectrum{testSpectrum(counts, variance)}, src, st)
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
	return f, optimum, curvature
}

func TestSearchFindsQuadraticBounds(t *testing.T) {
	f, optimum, curvature := normOnlyFit(t, param.Bounds{})

	s := &Search{}
	r, err := s.Run(f, 1)
	require.NoError(t, err)
	assert.Equal(t, OK, r.Code, Describe(r.Code))

	halfWidth := math.Sqrt(2.706 / curvature)
	assert.InDelta(t, optimum-halfWidth, r.Low, 0.01*halfWidth)
	assert.InDelta(t, optimum+halfWidth, r.High, 0.01*halfWidth)

	// The fit is back where the search found it.
	v, err := f.Params.Value(1)
	require.NoError(t, err)
	assert.InDelta(t, optimum, v, 1e-9)
	p, err := f.Params.Param(1)
	require.NoError(t, err)
	assert.False(t, p.Frozen())
}

func TestSearchHitsUpperLimit(t *testing.T) {
	// The upper bound sits closer to the optimum than the delta-statistic
	// crossing, so the upward search must stop there and say so.
	f, optimum, curvature := normOnlyFit(t,
		param.Bounds{Min: 0, Bottom: 0, Top: 10.07, Max: 10.07})
	require.Less(t, optimum, 10.07)
	require.Greater(t, math.Sqrt(2.706/curvature), 10.07-optimum)

	s := &Search{}
	r, err := s.Run(f, 1)
	require.NoError(t, err)
	assert.NotZero(t, r.Code&HitHighLimit, Describe(r.Code))
	assert.Zero(t, r.Code&HitLowLimit, Describe(r.Code))
	assert.InDelta(t, 10.07, r.High, 1e-12)
}

func TestSearchReportsFrozenParameter(t *testing.T) {
	f, _, _ := normOnlyFit(t, param.Bounds{})
	require.NoError(t, f.Params.Freeze(1))

	s := &Search{}
	r, err := s.Run(f, 1)
	require.NoError(t, err)
	assert.Equal(t, FrozenParameter, r.Code)
}

// twoParamFit starts away from the optimum so the entry statistic is a bad
// "best fit" on purpose.
func twoParamFit(t *testing.T) *fit.Fit {
	t.Helper()
	slopeShape := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	offsetShape := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	counts := make([]float64, len(slopeShape))
	for i := range counts {
		counts[i] = 2.5*slopeShape[i] + 7
	}

	g := param.NewGraph()
	_, err := g.Add("slope", "linear", 2.5, 0.01, param.Bounds{})
	require.NoError(t, err)
	_, err = g.Add("offset", "linear", 30.0, 0.01, param.Bounds{})
	require.NoError(t, err)
	src := newComboSource(g.Value, []int{1, 2}, [][]float64{slopeShape, offsetShape})
	st, err := stat.New("chi")
	require.NoError(t, err)
	f, err := fit.New(g, []*spectral.Spectrum{testSpectrum(counts, 2)}, src, st)
	require.NoError(t, err)
	return f
}

func TestSearchDetectsNewMinimum(t *testing.T) {
	f := twoParamFit(t)

	// The first trial refit slides the offset down to its optimum and beats
	// the recorded statistic by a wide margin.
	s := &Search{Method: &fit.LevMar{}}
	r, err := s.Run(f, 1)
	require.NoError(t, err)
	assert.NotZero(t, r.Code&NewMinimum, Describe(r.Code))

	// The improved point stays in place for the caller to restart from.
	improved, err := f.Evaluate()
	require.NoError(t, err)
	assert.Less(t, improved, 100.0)
}

func TestGetErrorsRestartsFromNewMinimum(t *testing.T) {
	f := twoParamFit(t)

	s := &Search{Method: &fit.LevMar{}}
	out, err := GetErrors(f, s, []int{1, 2}, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, r := range out {
		assert.Zero(t, r.Code&NewMinimum, Describe(r.Code))
		assert.Less(t, r.Low, r.High)
	}

	// After the restart the fit sits at the true optimum.
	slope, err := f.Params.Value(1)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, slope, 1e-4)
}

func TestGetErrorsParallelMatchesSequential(t *testing.T) {
	f, optimum, curvature := normOnlyFit(t, param.Bounds{})

	s := &Search{}
	out, err := GetErrors(f, s, []int{1}, parallel.New(2))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, OK, out[0].Code, Describe(out[0].Code))

	halfWidth := math.Sqrt(2.706 / curvature)
	assert.InDelta(t, optimum-halfWidth, out[0].Low, 0.01*halfWidth)
	assert.InDelta(t, optimum+halfWidth, out[0].High, 0.01*halfWidth)
}

func TestCodeStringRoundTrip(t *testing.T) {
	cases := []Codes{
		OK,
		NewMinimum,
		HitHighLimit,
		NewMinimum | NonMonotonic,
		HitLowLimit | HitHighLimit | GeneralProblem,
		StepTooLarge,
		NewMinimum | NonMonotonic | FrozenParameter | HitLowLimit |
			HitHighLimit | NegativeSearchFailed | PositiveSearchFailed |
			GeneralProblem | StepTooLarge,
	}
	for _, c := range cases {
		s := CodeToString(c)
		assert.Len(t, s, 9)
		back, err := StringToCode(s)
		require.NoError(t, err)
		assert.Equal(t, c, back, "round trip through %q", s)
	}

	assert.Equal(t, "FFFFFFFFF", CodeToString(OK))
	assert.Equal(t, "TFFFFFFFF", CodeToString(NewMinimum))
	assert.Equal(t, "FFFFTFFFF", CodeToString(HitHighLimit))
}

func TestStringToCodeRejectsBadInput(t *testing.T) {
	_, err := StringToCode("TF")
	assert.Error(t, err)
	_, err = StringToCode("TFXFFFFFF")
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "ok", Describe(OK))
	assert.Contains(t, Describe(NewMinimum|HitHighLimit), "new minimum")
	assert.Contains(t, Describe(NewMinimum|HitHighLimit), "upper limit")
}

func TestMsgQueueConcurrent(t *testing.T) {
	q := &MsgQueue{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				q.Addf("worker %d message %d", i, j)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, q.Drain(), 80)
	assert.Empty(t, q.Drain())
}

func TestDeltaForConfidence(t *testing.T) {
	d, err := DeltaForConfidence(0.90, 1)
	require.NoError(t, err)
	assert.InDelta(t, 2.706, d, 0.001)

	d, err = DeltaForConfidence(0.6827, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, d, 0.001)

	// Two interesting parameters widen the region.
	d2, err := DeltaForConfidence(0.90, 2)
	require.NoError(t, err)
	assert.Greater(t, d2, d)

	_, err = DeltaForConfidence(0, 1)
	assert.Error(t, err)
	_, err = DeltaForConfidence(1.2, 1)
	assert.Error(t, err)
	_, err = DeltaForConfidence(0.9, 0)
	assert.Error(t, err)
}
