package stat

import (
	"fmt"
	"math"

	"github.com/banshee-data/specfit/internal/spectral"
)

// EDFStrategy reduces a pair of empirical cumulative distributions (observed
// and model, both normalized to 1 at the last channel) to a scalar.
type EDFStrategy interface {
	StrategyName() string

	// Calculate receives the normalized cumulative observed and model
	// arrays plus the total observed counts, and returns the statistic
	// contribution for one spectrum.
	Calculate(obsCDF, modelCDF []float64, totalObs float64) float64
}

// KolmogorovSmirnov: maximum absolute distance between the two CDFs,
// scaled by sqrt of the total counts.
type KolmogorovSmirnov struct{}

func (KolmogorovSmirnov) StrategyName() string { return "ks" }

func (KolmogorovSmirnov) Calculate(obsCDF, modelCDF []float64, totalObs float64) float64 {
	d := 0.0
	for i := range obsCDF {
		if diff := math.Abs(obsCDF[i] - modelCDF[i]); diff > d {
			d = diff
		}
	}
	return math.Sqrt(totalObs) * d
}

// AndersonDarling: tail-weighted quadratic CDF distance.
type AndersonDarling struct{}

func (AndersonDarling) StrategyName() string { return "ad" }

func (AndersonDarling) Calculate(obsCDF, modelCDF []float64, totalObs float64) float64 {
	sum := 0.0
	prev := 0.0
	for i := range obsCDF {
		fm := modelCDF[i]
		w := fm * (1 - fm)
		if w > 0 {
			d := obsCDF[i] - modelCDF[i]
			sum += d * d / w * (fm - prev)
		}
		prev = fm
	}
	return totalObs * sum
}

// CramerVonMises: unweighted quadratic CDF distance.
type CramerVonMises struct{}

func (CramerVonMises) StrategyName() string { return "cvm" }

func (CramerVonMises) Calculate(obsCDF, modelCDF []float64, totalObs float64) float64 {
	sum := 0.0
	prev := 0.0
	for i := range obsCDF {
		d := obsCDF[i] - modelCDF[i]
		sum += d * d * (modelCDF[i] - prev)
		prev = modelCDF[i]
	}
	return totalObs * sum
}

// EDF scores spectra through an empirical-distribution-function strategy.
// The statistic is distribution-free, so any source/background mix is
// accepted.
type EDF struct {
	strategy   EDFStrategy
	spectra    []*spectral.Spectrum
	cumObs     [][]float64
	cumModel   [][]float64
	difference [][]float64
	totals     []float64
	value      float64
}

// NewEDF wraps a strategy in the accumulating driver.
func NewEDF(s EDFStrategy) *EDF { return &EDF{strategy: s} }

func (e *EDF) Name() string { return e.strategy.StrategyName() }

func (e *EDF) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool { return true }

func (e *EDF) Initialize(spectra []*spectral.Spectrum) error {
	if err := checkSpectra(e, spectra); err != nil {
		return err
	}
	e.spectra = spectra
	e.cumObs = sizeArrays(spectra)
	e.cumModel = sizeArrays(spectra)
	e.difference = sizeArrays(spectra)
	e.totals = make([]float64, len(spectra))
	e.value = 0
	return nil
}

// accumulateCounts rebuilds dst as the normalized cumulative sum of src.
// It writes from scratch on every call, so repeated calls with unchanged
// input are bit-identical (no double accumulation). Returns the raw total.
func accumulateCounts(dst, src []float64) float64 {
	run := 0.0
	for i, v := range src {
		run += v
		dst[i] = run
	}
	if run != 0 {
		inv := 1 / run
		for i := range dst {
			dst[i] *= inv
		}
	}
	return run
}

func (e *EDF) Perform(models spectral.ModelSource) error {
	total := 0.0
	for si, sp := range e.spectra {
		folded := models.Folded(si)
		if len(folded) != len(sp.Noticed) {
			panic(fmt.Sprintf("stat: %s: folded model length %d != noticed count %d for spectrum %q",
				e.Name(), len(folded), len(sp.Noticed), sp.Name))
		}
		obs := sp.NoticedCounts()
		e.totals[si] = accumulateCounts(e.cumObs[si], obs)
		accumulateCounts(e.cumModel[si], folded)
		for i := range obs {
			e.difference[si][i] = e.cumObs[si][i] - e.cumModel[si][i]
		}
		total += e.strategy.Calculate(e.cumObs[si], e.cumModel[si], e.totals[si])
	}
	e.value = total
	return nil
}

func (e *EDF) Value() float64 { return e.value }

func (e *EDF) Differences(i int) []float64 { return e.difference[i] }

func (e *EDF) DerivativesSupported() bool { return false }

func (e *EDF) SumDerivs([][]float64) (float64, error) {
	return 0, fmt.Errorf("stat: %s: analytic derivatives not supported", e.Name())
}

func (e *EDF) SumSecondDerivs(_, _ [][]float64) (float64, error) {
	return 0, fmt.Errorf("stat: %s: analytic derivatives not supported", e.Name())
}

// FrozenRenorm computes the EDF-appropriate renormalization factor for one
// renormalize pass, accounting for frozen-norm model components separately
// from free ones. The driver creates one instance per pass and calls
// AdjustForFrozen exactly once per spectrum; totals are produced on the
// last call. The accumulator is explicit state here rather than hidden
// statics so concurrent fit sessions cannot corrupt each other.
type FrozenRenorm struct {
	remaining int
	sumObs    float64
	sumModel  float64
	sumFrozen float64
}

// NewFrozenRenorm starts a pass over nSpectra spectra.
func NewFrozenRenorm(nSpectra int) *FrozenRenorm {
	return &FrozenRenorm{remaining: nSpectra}
}

// AdjustForFrozen folds in one spectrum's totals: observed counts, total
// model counts, and the portion of the model contributed by frozen-norm
// components. Counts down to the last caller; only then is the factor
// computed and returned with done set. Calling it after the pass is
// complete is a programming error and panics.
func (r *FrozenRenorm) AdjustForFrozen(obsTotal, modelTotal, frozenTotal float64) (factor float64, done bool) {
	if r.remaining <= 0 {
		panic("stat: FrozenRenorm: more AdjustForFrozen calls than spectra in pass")
	}
	r.sumObs += obsTotal
	r.sumModel += modelTotal
	r.sumFrozen += frozenTotal
	r.remaining--
	if r.remaining > 0 {
		return 0, false
	}
	free := r.sumModel - r.sumFrozen
	want := r.sumObs - r.sumFrozen
	if free <= 0 || want <= 0 {
		return 1, true
	}
	return want / free, true
}
