package grid

import (
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
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

type scanSource struct {
	values func(int) (float64, error)
	parIdx []int
	comps  [][]float64
	folded []float64

	// failAbove makes Recalculate fail when the first parameter exceeds
	// it, for exercising invalid-point handling. Zero disables.
	failAbove float64
}

func newScanSource(values func(int) (float64, error), parIdx []int, comps [][]float64) *scanSource {
	return &scanSource{
		values: values,
		parIdx: parIdx,
		comps:  comps,
		folded: make([]float64, len(comps[0])),
	}
}

func (s *scanSource) Recalculate() error {
	for i := range s.folded {
		s.folded[i] = 0
	}
	for k, pi := range s.parIdx {
		v, err := s.values(pi)
		if err != nil {
			return err
		}
		if k == 0 && s.failAbove > 0 && v > s.failAbove {
			return errors.New("model undefined in this range")
		}
		for i, c := range s.comps[k] {
			s.folded[i] += v * c
		}
	}
	return nil
}

func (s *scanSource) Folded(int) []float64 { return s.folded }

func (s *scanSource) Fork(values func(int) (float64, error)) (spectral.ModelSource, error) {
	cp := newScanSource(values, s.parIdx, s.comps)
	cp.failAbove = s.failAbove
	return cp, nil
}

func countSpectrum(counts []float64, variance float64) *spectral.Spectrum {
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

func normFit(t *testing.T) (*fit.Fit, *scanSource) {
	t.Helper()
	counts := []float64{12, 19, 33, 41, 48, 61, 72, 78, 91, 99}
	shape := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	g := param.NewGraph()
	_, err := g.Add("norm", "linear", 10.0, 0.01, param.Bounds{})
	require.NoError(t, err)
	src := newScanSource(g.Value, []int{1}, [][]float64{shape})
	st, err := stat.New("chi")
	require.NoError(t, err)
	f, err := fit.New(g, []*spectral.Spectrum{countSpectrum(counts, 4)}, src, st)
	require.NoError(t, err)
	return f, src
}

func slopeOffsetFit(t *testing.T) *fit.Fit {
	t.Helper()
	slopeShape := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	ones := []float64{1, 1, 1, 1, 1, 1, 1, 1}
	counts := make([]float64, len(slopeShape))
	for i := range counts {
		counts[i] = 2.5*slopeShape[i] + 7
	}
	g := param.NewGraph()
	_, err := g.Add("slope", "linear", 2.0, 0.01, param.Bounds{})
	require.NoError(t, err)
	_, err = g.Add("offset", "linear", 5.0, 0.01, param.Bounds{})
	require.NoError(t, err)
	src := newScanSource(g.Value, []int{1, 2}, [][]float64{slopeShape, ones})
	st, err := stat.New("chi")
	require.NoError(t, err)
	f, err := fit.New(g, []*spectral.Spectrum{countSpectrum(counts, 2)}, src, st)
	require.NoError(t, err)
	return f
}

func TestParseSpecsBasic(t *testing.T) {
	specs, refit, err := ParseSpecs([]string{"2", "1.5", "3.5", "4"})
	require.NoError(t, err)
	assert.True(t, refit, "refit is the default")
	require.Len(t, specs, 1)
	assert.Equal(t, 2, specs[0].Param)
	assert.Equal(t, 4, specs[0].Intervals)
	require.Len(t, specs[0].Values, 5)
	assert.Equal(t, 1.5, specs[0].Values[0])
	assert.Equal(t, 3.5, specs[0].Values[4])
	assert.InDelta(t, 2.0, specs[0].Values[1], 1e-12)
}

func TestParseSpecsKeywords(t *testing.T) {
	specs, refit, err := ParseSpecs([]string{"current", "1", "0", "10", "5"})
	require.NoError(t, err)
	assert.False(t, refit)
	require.Len(t, specs, 1)

	// Keywords may appear anywhere; the last one wins.
	_, refit, err = ParseSpecs([]string{"1", "0", "10", "5", "best", "current"})
	require.NoError(t, err)
	assert.False(t, refit)
}

func TestParseSpecsLog(t *testing.T) {
	specs, _, err := ParseSpecs([]string{"1", "1", "100", "2", "log"})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.True(t, specs[0].Log)
	require.Len(t, specs[0].Values, 3)
	assert.InDelta(t, 1.0, specs[0].Values[0], 1e-12)
	assert.InDelta(t, 10.0, specs[0].Values[1], 1e-9)
	assert.InDelta(t, 100.0, specs[0].Values[2], 1e-12)
}

func TestParseSpecsMultipleDimensions(t *testing.T) {
	specs, _, err := ParseSpecs([]string{"1", "0", "1", "2", "3", "1", "10", "3", "log"})
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, 1, specs[0].Param)
	assert.False(t, specs[0].Log)
	assert.Equal(t, 3, specs[1].Param)
	assert.True(t, specs[1].Log)
}

func TestParseSpecsErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"1", "0", "10"},
		{"x", "0", "10", "5"},
		{"0", "0", "10", "5"},
		{"1", "10", "0", "5"},
		{"1", "0", "10", "0"},
		{"1", "-1", "10", "5", "log"},
	}
	for _, c := range cases {
		_, _, err := ParseSpecs(c)
		assert.Error(t, err, "args %v", c)
	}
}

func TestTotalPointCount(t *testing.T) {
	specs, _, err := ParseSpecs([]string{"1", "0", "1", "3", "2", "0", "1", "4"})
	require.NoError(t, err)
	s := &Scanner{Specs: specs}
	assert.Equal(t, (3+1)*(4+1), s.Total())

	// Parallel partitioning covers the flattened index range exactly.
	total := s.Total()
	covered := 0
	for _, span := range parallel.Partition(total, 4) {
		covered += span.End - span.Start
	}
	assert.Equal(t, total, covered)
}

func TestStepparCurrentMode(t *testing.T) {
	f, _ := normFit(t)

	specs, refit, err := ParseSpecs([]string{"current", "1", "8", "13", "5"})
	require.NoError(t, err)
	require.False(t, refit)

	s := &Scanner{Specs: specs, Refit: refit}
	res, err := s.Run(f)
	require.NoError(t, err)

	require.Len(t, res.Points, 6)
	assert.Zero(t, res.Failures)
	// The least-squares optimum is near 10.02, so value 10 (index 2) wins.
	assert.Equal(t, 2, res.MinIndex)
	assert.Equal(t, 10.0, res.MinParams[0])
	assert.Equal(t, 10.0, res.Specs[0].Best)
	for i, pt := range res.Points {
		assert.True(t, pt.Valid, "point %d", i)
		assert.GreaterOrEqual(t, pt.Statistic, res.MinStat)
	}
}

func TestGridRowMajorFirstDimensionFastest(t *testing.T) {
	f := slopeOffsetFit(t)

	specs, _, err := ParseSpecs([]string{"current", "1", "2", "3", "2", "2", "6", "8", "1"})
	require.NoError(t, err)
	s := &Scanner{Specs: specs}
	res, err := s.Run(f)
	require.NoError(t, err)
	require.Len(t, res.Points, 6)

	for i, pt := range res.Points {
		require.True(t, pt.Valid)
		wantSlope := specs[0].Values[i%3]
		wantOffset := specs[1].Values[i/3]
		assert.Equal(t, wantSlope, pt.Params[0], "point %d slope", i)
		assert.Equal(t, wantOffset, pt.Params[1], "point %d offset", i)
	}
}

func TestGridRefitMode(t *testing.T) {
	f := slopeOffsetFit(t)

	specs, refit, err := ParseSpecs([]string{"best", "1", "2.0", "3.0", "4"})
	require.NoError(t, err)
	require.True(t, refit)

	s := &Scanner{Specs: specs, Refit: true, Method: &fit.LevMar{}}
	res, err := s.Run(f)
	require.NoError(t, err)

	// Scanned values 2.0,2.25,2.5,2.75,3.0: the profile minimum sits at the
	// generating slope 2.5, where the refitted offset recovers 7 exactly.
	assert.Equal(t, 2, res.MinIndex)
	assert.InDelta(t, 0.0, res.MinStat, 1e-6)
	assert.InDelta(t, 7.0, res.MinParams[1], 1e-4)
}

func TestGridRestoresFitState(t *testing.T) {
	f := slopeOffsetFit(t)
	before := f.Params.Snapshot()

	specs, _, err := ParseSpecs([]string{"current", "1", "2", "3", "4"})
	require.NoError(t, err)
	s := &Scanner{Specs: specs}
	_, err = s.Run(f)
	require.NoError(t, err)

	assert.Equal(t, before, f.Params.Snapshot())
	p, err := f.Params.Param(1)
	require.NoError(t, err)
	assert.False(t, p.Frozen())
}

func TestGridParallelMatchesSequential(t *testing.T) {
	fSeq := slopeOffsetFit(t)
	fPar := slopeOffsetFit(t)

	specs, _, err := ParseSpecs([]string{"current", "1", "2", "3", "3", "2", "5", "9", "2"})
	require.NoError(t, err)

	seq := &Scanner{Specs: specs}
	rSeq, err := seq.Run(fSeq)
	require.NoError(t, err)

	par := &Scanner{Specs: specs, Workers: parallel.New(3)}
	rPar, err := par.Run(fPar)
	require.NoError(t, err)

	// Current-mode evaluation is deterministic, so the parallel scan must
	// reproduce the sequential one exactly, ordering included.
	if diff := cmp.Diff(rSeq.Points, rPar.Points); diff != "" {
		t.Errorf("parallel scan points differ (-seq +par):\n%s", diff)
	}
	assert.Equal(t, rSeq.MinIndex, rPar.MinIndex)
}

func TestGridFailedPointsMarkedInvalid(t *testing.T) {
	f, src := normFit(t)
	src.failAbove = 11.5

	specs, _, err := ParseSpecs([]string{"current", "1", "8", "13", "5"})
	require.NoError(t, err)
	s := &Scanner{Specs: specs}
	res, err := s.Run(f)
	require.NoError(t, err, "a scan with failed points still completes")

	// Values 12 and 13 fail; the rest survive.
	assert.Equal(t, 2, res.Failures)
	assert.False(t, res.Points[4].Valid)
	assert.False(t, res.Points[5].Valid)
	assert.True(t, res.Points[0].Valid)
	assert.Equal(t, 2, res.MinIndex)
}

func TestGridAllPointsFailed(t *testing.T) {
	f, src := normFit(t)
	src.failAbove = 1.0

	specs, _, err := ParseSpecs([]string{"current", "1", "8", "13", "5"})
	require.NoError(t, err)
	s := &Scanner{Specs: specs}
	res, err := s.Run(f)
	require.NoError(t, err, "an all-failed scan still completes")

	// No minimum exists: consumers must check MinIndex before touching
	// MinStat or MinParams.
	assert.Equal(t, len(res.Points), res.Failures)
	assert.Equal(t, -1, res.MinIndex)
	assert.Nil(t, res.MinParams)
}

func TestMarginWeights(t *testing.T) {
	f, _ := normFit(t)

	specs, _, err := ParseSpecs([]string{"current", "1", "9", "11", "4"})
	require.NoError(t, err)
	s := &Scanner{Specs: specs}
	res, err := s.Margin(f)
	require.NoError(t, err)

	sum := 0.0
	maxIdx := 0
	for i, w := range res.Prob {
		sum += w
		if w > res.Prob[maxIdx] {
			maxIdx = i
		}
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
	assert.Equal(t, res.MinIndex, maxIdx, "highest weight at the lowest statistic")
}
