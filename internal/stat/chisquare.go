package stat

import (
	"fmt"

	"github.com/banshee-data/specfit/internal/spectral"
)

// ChiSquare is the classic weighted least-squares statistic. It works in
// rate space (counts per second per unit area): per noticed channel,
// difference = observed rate minus folded model rate (background and
// correction subtracted after scaling), variance = propagated observed
// variance with a Poisson-consistent floor applied to empty channels.
type ChiSquare struct {
	spectra    []*spectral.Spectrum
	difference [][]float64
	variance   [][]float64
	floored    []bool // per spectrum: any channel required the variance floor
	value      float64
}

// NewChiSquare returns an uninitialized chi-square statistic.
func NewChiSquare() *ChiSquare { return &ChiSquare{} }

func (c *ChiSquare) Name() string { return "chi" }

// ValidFor is always true: chi-square treats every channel as Gaussian,
// which is an approximation for Poisson data but never an invalid request.
func (c *ChiSquare) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool { return true }

func (c *ChiSquare) Initialize(spectra []*spectral.Spectrum) error {
	if err := checkSpectra(c, spectra); err != nil {
		return err
	}
	c.spectra = spectra
	c.difference = sizeArrays(spectra)
	c.variance = sizeArrays(spectra)
	c.floored = make([]bool, len(spectra))
	c.value = 0
	return nil
}

// calcMinVariance computes the minimum admissible rate-space variance for a
// channel: the variance a single count would carry given the source
// area-time product, plus the scaled equivalent for the background. Larger
// areaTime always means a smaller floor.
func calcMinVariance(areaTime, backAreaTime, backScale float64) float64 {
	v := 1 / (areaTime * areaTime)
	if backAreaTime > 0 {
		v += backScale * backScale / (backAreaTime * backAreaTime)
	}
	return v
}

// applyMinVariance floors every element of variance at min and reports
// whether any channel needed it.
func applyMinVariance(variance []float64, min float64) bool {
	applied := false
	for i, v := range variance {
		if v < min {
			variance[i] = min
			applied = true
		}
	}
	return applied
}

// FlooredSpectra reports, per spectrum, whether the last Perform had to
// floor any channel's variance. Expected and common on low-count data, so
// it is a flag rather than an error.
func (c *ChiSquare) FlooredSpectra() []bool { return c.floored }

func (c *ChiSquare) Perform(models spectral.ModelSource) error {
	total := 0.0
	for si, sp := range c.spectra {
		folded := models.Folded(si)
		if len(folded) != len(sp.Noticed) {
			panic(fmt.Sprintf("stat: chi: folded model length %d != noticed count %d for spectrum %q",
				len(folded), len(sp.Noticed), sp.Name))
		}
		areaTime := sp.Exposure * areaScale(sp)
		diff := c.difference[si]
		vari := c.variance[si]

		backAreaTime, backScale := 0.0, 0.0
		if sp.Background != nil {
			backAreaTime = sp.Background.Exposure * areaScale(sp)
			backScale = sp.Background.Scale
		}

		for i, ch := range sp.Noticed {
			obs := sp.Counts[ch] / areaTime
			v := channelVariance(sp, ch) / (areaTime * areaTime)
			model := folded[i] / areaTime

			if sp.Background != nil {
				b := sp.Background
				obs -= backScale * b.Counts[ch] / backAreaTime
				bv := b.Counts[ch]
				if !b.Poisson && len(b.Variance) > 0 {
					bv = b.Variance[ch]
				}
				v += backScale * backScale * bv / (backAreaTime * backAreaTime)
			}
			if sp.Correction != nil {
				obs += sp.Correction.Scale * sp.Correction.Counts[ch] / areaTime
			}

			diff[i] = obs - model
			vari[i] = v
		}

		min := calcMinVariance(areaTime, backAreaTime, backScale)
		c.floored[si] = applyMinVariance(vari, min)

		for i := range diff {
			total += diff[i] * diff[i] / vari[i]
		}
	}
	c.value = total
	return nil
}

func areaScale(sp *spectral.Spectrum) float64 {
	if sp.AreaScale > 0 {
		return sp.AreaScale
	}
	return 1
}

func channelVariance(sp *spectral.Spectrum, ch int) float64 {
	if sp.Poisson || len(sp.Variance) == 0 {
		return sp.Counts[ch]
	}
	return sp.Variance[ch]
}

func (c *ChiSquare) Value() float64 { return c.value }

func (c *ChiSquare) Differences(i int) []float64 { return c.difference[i] }

func (c *ChiSquare) DerivativesSupported() bool { return true }

// SumDerivs computes dChi²/dp = Σ −2·diff/var · d(model)/dp. The dmodels
// arrays are folded-model derivatives in counts, converted to rate the same
// way Perform converts the model itself.
func (c *ChiSquare) SumDerivs(dmodels [][]float64) (float64, error) {
	if len(dmodels) != len(c.spectra) {
		return 0, fmt.Errorf("stat: chi: %d derivative arrays for %d spectra", len(dmodels), len(c.spectra))
	}
	sum := 0.0
	for si, sp := range c.spectra {
		areaTime := sp.Exposure * areaScale(sp)
		diff := c.difference[si]
		vari := c.variance[si]
		dm := dmodels[si]
		for i := range diff {
			sum += -2 * diff[i] / vari[i] * dm[i] / areaTime
		}
	}
	return sum, nil
}

// SumSecondDerivs computes the Gauss-Newton second derivative
// Σ 2·(dm1/var)·dm2, dropping the residual-curvature term as usual.
func (c *ChiSquare) SumSecondDerivs(d1, d2 [][]float64) (float64, error) {
	if len(d1) != len(c.spectra) || len(d2) != len(c.spectra) {
		return 0, fmt.Errorf("stat: chi: derivative array count mismatch")
	}
	sum := 0.0
	for si, sp := range c.spectra {
		areaTime := sp.Exposure * areaScale(sp)
		vari := c.variance[si]
		a := d1[si]
		b := d2[si]
		for i := range vari {
			sum += 2 * (a[i] / areaTime) * (b[i] / areaTime) / vari[i]
		}
	}
	return sum, nil
}
