package stat

import (
	"fmt"
	"math"

	"github.com/banshee-data/specfit/internal/spectral"
)

// CstatVariant supplies the per-channel log-likelihood term of one member
// of the Poisson-likelihood family. The generic Cstat driver owns the
// spectrum walk, working arrays and derivative accumulation; the variant
// only evaluates one channel at a time.
//
// PerformOne handles the no-background case, PerformOneB the case with a
// background spectrum. Both return the channel's statistic contribution
// and, when Derivatives() is true, the first and second derivative of that
// contribution with respect to the folded model counts m (profiled
// background terms held at their optimum, which the envelope theorem makes
// exact for the first derivative).
type CstatVariant interface {
	VariantName() string
	ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool
	Derivatives() bool

	// PerformOne: m folded model counts, s observed counts, ts exposure.
	PerformOne(m, s, ts float64) (contrib, d1, d2 float64)

	// PerformOneB adds b background counts with exposure tb and Gaussian
	// variance sigma2 (meaningful only to Gaussian-background variants).
	PerformOneB(m, s, ts, b, tb, sigma2 float64) (contrib, d1, d2 float64)
}

// Cstat is the generic driver for the Poisson-likelihood family. One
// instance wraps one variant (cstat, pgstat, pstat, lstat, whittle).
type Cstat struct {
	variant    CstatVariant
	spectra    []*spectral.Spectrum
	difference [][]float64
	dterm1     [][]float64
	dterm2     [][]float64
	value      float64
}

// NewCstat wraps a variant in the generic driver.
func NewCstat(v CstatVariant) *Cstat { return &Cstat{variant: v} }

func (c *Cstat) Name() string { return c.variant.VariantName() }

func (c *Cstat) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool {
	return c.variant.ValidFor(sourcePoisson, hasBackground, backgroundPoisson)
}

func (c *Cstat) Initialize(spectra []*spectral.Spectrum) error {
	if err := checkSpectra(c, spectra); err != nil {
		return err
	}
	c.spectra = spectra
	c.difference = sizeArrays(spectra)
	c.dterm1 = sizeArrays(spectra)
	c.dterm2 = sizeArrays(spectra)
	c.value = 0
	return nil
}

func (c *Cstat) Perform(models spectral.ModelSource) error {
	total := 0.0
	for si, sp := range c.spectra {
		folded := models.Folded(si)
		if len(folded) != len(sp.Noticed) {
			panic(fmt.Sprintf("stat: %s: folded model length %d != noticed count %d for spectrum %q",
				c.Name(), len(folded), len(sp.Noticed), sp.Name))
		}
		diff := c.difference[si]
		d1 := c.dterm1[si]
		d2 := c.dterm2[si]

		for i, ch := range sp.Noticed {
			m := folded[i]
			s := sp.Counts[ch]
			var contrib, t1, t2 float64
			if sp.Background != nil {
				b := sp.Background
				sigma2 := b.Counts[ch]
				if !b.Poisson && len(b.Variance) > 0 {
					sigma2 = b.Variance[ch]
				}
				contrib, t1, t2 = c.variant.PerformOneB(m, s, sp.Exposure,
					b.Counts[ch], b.Exposure, sigma2)
				diff[i] = s - m - b.Scale*b.Counts[ch]*sp.Exposure/nonzero(b.Exposure)
			} else {
				contrib, t1, t2 = c.variant.PerformOne(m, s, sp.Exposure)
				diff[i] = s - m
			}
			d1[i] = t1
			d2[i] = t2
			total += contrib
		}
	}
	c.value = total
	return nil
}

func nonzero(v float64) float64 {
	if v == 0 {
		return 1
	}
	return v
}

func (c *Cstat) Value() float64 { return c.value }

func (c *Cstat) Differences(i int) []float64 { return c.difference[i] }

func (c *Cstat) DerivativesSupported() bool { return c.variant.Derivatives() }

func (c *Cstat) SumDerivs(dmodels [][]float64) (float64, error) {
	if !c.variant.Derivatives() {
		return 0, fmt.Errorf("stat: %s: analytic derivatives not supported", c.Name())
	}
	if len(dmodels) != len(c.spectra) {
		return 0, fmt.Errorf("stat: %s: %d derivative arrays for %d spectra",
			c.Name(), len(dmodels), len(c.spectra))
	}
	sum := 0.0
	for si := range c.spectra {
		t1 := c.dterm1[si]
		dm := dmodels[si]
		for i := range t1 {
			sum += t1[i] * dm[i]
		}
	}
	return sum, nil
}

func (c *Cstat) SumSecondDerivs(d1, d2 [][]float64) (float64, error) {
	if !c.variant.Derivatives() {
		return 0, fmt.Errorf("stat: %s: analytic derivatives not supported", c.Name())
	}
	sum := 0.0
	for si := range c.spectra {
		t2 := c.dterm2[si]
		a := d1[si]
		b := d2[si]
		for i := range t2 {
			sum += t2[i] * a[i] * b[i]
		}
	}
	return sum, nil
}

// StdCstat is the Cash statistic; with a background spectrum it becomes the
// W statistic, profiling out a per-channel background rate.
type StdCstat struct{}

func (StdCstat) VariantName() string { return "cstat" }
func (StdCstat) Derivatives() bool   { return true }

// ValidFor requires Poisson source counts; a background, when present, must
// be Poisson too (the W form assumes it).
func (StdCstat) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool {
	return sourcePoisson && (!hasBackground || backgroundPoisson)
}

func (StdCstat) PerformOne(m, s, ts float64) (float64, float64, float64) {
	if m <= 0 {
		// Zero model with observed counts is a hard mismatch; keep the
		// statistic finite with a tiny floor so the fit can recover.
		m = 1e-5
	}
	var contrib float64
	if s > 0 {
		contrib = 2 * (m - s + s*(math.Log(s)-math.Log(m)))
	} else {
		contrib = 2 * m
	}
	return contrib, 2 * (1 - s/m), 2 * s / (m * m)
}

func (StdCstat) PerformOneB(m, s, ts, b, tb, sigma2 float64) (float64, float64, float64) {
	// Profile the per-channel background rate f, then evaluate the W
	// statistic at the optimum. mu is the source rate implied by the
	// folded counts.
	mu := m / ts
	a := ts + tb
	var f float64
	switch {
	case s == 0:
		f = b / a
	case b == 0:
		if mu < s/a {
			f = s/a - mu
		} else {
			f = 0
		}
	default:
		d := math.Sqrt(math.Pow(a*mu-s-b, 2) + 4*a*b*mu)
		f = (s + b - a*mu + d) / (2 * a)
	}

	pred := ts * (mu + f) // predicted source-region counts
	contrib := 2 * (ts*mu + a*f)
	if s > 0 {
		contrib -= 2 * (s*math.Log(pred) + s*(1-math.Log(s)))
	}
	if b > 0 && f > 0 {
		contrib -= 2 * (b*math.Log(tb*f) + b*(1-math.Log(b)))
	}

	if pred <= 0 {
		pred = 1e-5
	}
	return contrib, 2 * (1 - s/pred), 2 * s / (pred * pred)
}

// PGstat: Poisson source with a Gaussian background of known variance,
// background rate profiled out per channel.
type PGstat struct{}

func (PGstat) VariantName() string { return "pgstat" }
func (PGstat) Derivatives() bool   { return true }

func (PGstat) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool {
	return sourcePoisson && !backgroundPoisson
}

func (PGstat) PerformOne(m, s, ts float64) (float64, float64, float64) {
	// No background reduces to the Cash statistic.
	return StdCstat{}.PerformOne(m, s, ts)
}

func (PGstat) PerformOneB(m, s, ts, b, tb, sigma2 float64) (float64, float64, float64) {
	if sigma2 <= 0 {
		sigma2 = 1
	}
	mu := m / ts
	k := tb / sigma2

	// Stationary point of the profiled likelihood in the background rate:
	// k*tb*bg² + (ts - k*(b - tb*mu))*bg + (ts*mu - s - k*b*mu) = 0.
	var bg float64
	if s == 0 {
		bg = b/tb - ts*sigma2/(tb*tb)
	} else {
		a2 := k * tb
		a1 := ts - k*(b-tb*mu)
		a0 := ts*mu - s - k*b*mu
		disc := a1*a1 - 4*a2*a0
		if disc < 0 || a2 == 0 {
			bg = b / tb
		} else {
			bg = (-a1 + math.Sqrt(disc)) / (2 * a2)
		}
	}

	y := ts * (mu + bg) // predicted source-region counts
	gauss := (b - tb*bg) * (b - tb*bg) / sigma2
	var contrib float64
	if s > 0 {
		if y <= 0 {
			y = 1e-5
		}
		contrib = 2*(y-s*math.Log(y)-s*(1-math.Log(s))) + gauss
	} else {
		contrib = 2*y + gauss
	}
	return contrib, 2 * (1 - s/y), 2 * s / (y * y)
}

// Pstat: Poisson source with the background level taken as exactly known
// (no profiling), scaled by the exposure ratio.
type Pstat struct{}

func (Pstat) VariantName() string { return "pstat" }
func (Pstat) Derivatives() bool   { return true }

func (Pstat) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool {
	return sourcePoisson
}

func (Pstat) PerformOne(m, s, ts float64) (float64, float64, float64) {
	return StdCstat{}.PerformOne(m, s, ts)
}

func (Pstat) PerformOneB(m, s, ts, b, tb, sigma2 float64) (float64, float64, float64) {
	y := m + ts*b/nonzero(tb)
	if y <= 0 {
		y = 1e-5
	}
	var contrib float64
	if s > 0 {
		contrib = 2 * (y - s*math.Log(y) - s*(1-math.Log(s)))
	} else {
		contrib = 2 * y
	}
	return contrib, 2 * (1 - s/y), 2 * s / (y * y)
}

// WhittleStat scores periodogram (power-spectrum) data, where channel
// values follow an exponential distribution around the model rather than
// Poisson counts.
type WhittleStat struct{}

func (WhittleStat) VariantName() string { return "whittle" }
func (WhittleStat) Derivatives() bool   { return true }

// ValidFor: periodogram powers are not Poisson counts.
func (WhittleStat) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool {
	return !sourcePoisson && !backgroundPoisson
}

func (WhittleStat) PerformOne(m, s, ts float64) (float64, float64, float64) {
	if m <= 0 {
		m = 1e-10
	}
	contrib := 2 * (s/m + math.Log(m))
	d1 := 2 * (1/m - s/(m*m))
	d2 := 2 * (2*s/(m*m*m) - 1/(m*m))
	return contrib, d1, d2
}

func (w WhittleStat) PerformOneB(m, s, ts, b, tb, sigma2 float64) (float64, float64, float64) {
	// Background-subtracted periodogram: score the net power.
	net := s - b*ts/nonzero(tb)
	if net < 0 {
		net = 0
	}
	return w.PerformOne(m, net, ts)
}
