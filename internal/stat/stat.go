// Package stat implements the fit statistics: chi-square with variance
// flooring, the Poisson-likelihood (C-statistic) family, and empirical
// distribution function statistics. A Statistic scores the agreement
// between observed spectra and folded model arrays; fit methods minimize
// that score.
package stat

import (
	"errors"
	"fmt"

	"github.com/banshee-data/specfit/internal/spectral"
)

// ErrInvalidCombination is returned from Initialize when a statistic does
// not support the Poisson/Gaussian mix of the assigned spectra. This is a
// user-correctable condition: the statistic reports it instead of producing
// silently wrong numbers.
var ErrInvalidCombination = errors.New("stat: statistic not valid for source/background distribution")

// Statistic scores folded models against observed spectra.
//
// Initialize binds the spectra and sizes the per-channel working arrays;
// Perform recomputes the scalar from current folded models. Implementations
// keep their working arrays between calls and rebuild them on each Perform,
// so a Statistic must not be shared across concurrent fits.
type Statistic interface {
	Name() string

	// Initialize validates the source/background distribution mix and
	// allocates working arrays sized to the noticed-channel counts.
	Initialize(spectra []*spectral.Spectrum) error

	// Perform computes the statistic from the current folded model arrays.
	Perform(models spectral.ModelSource) error

	// Value returns the scalar from the last Perform.
	Value() float64

	// Differences returns the per-channel difference array for spectrum i
	// (observed minus model, in the statistic's working units), for
	// residual reporting. Valid after Perform.
	Differences(i int) []float64

	// DerivativesSupported reports whether SumDerivs/SumSecondDerivs are
	// implemented; fit methods fall back to finite differences otherwise.
	DerivativesSupported() bool

	// SumDerivs returns dStat/dp given per-spectrum arrays of
	// d(foldedModel)/dp on the noticed sets.
	SumDerivs(dmodels [][]float64) (float64, error)

	// SumSecondDerivs returns the Gauss-Newton approximation to
	// d²Stat/dp1 dp2 given the two per-spectrum derivative arrays.
	SumSecondDerivs(d1, d2 [][]float64) (float64, error)

	// ValidFor reports whether the statistic supports the given
	// source/background distribution combination. hasBackground
	// distinguishes a spectrum with no background from one with a
	// Gaussian background; backgroundPoisson is false for both.
	ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool
}

// checkSpectra runs the shared Initialize validation: per-spectrum
// consistency plus the statistic's own distribution-mix rule.
func checkSpectra(s Statistic, spectra []*spectral.Spectrum) error {
	if len(spectra) == 0 {
		return fmt.Errorf("stat: %s: no spectra assigned", s.Name())
	}
	for _, sp := range spectra {
		if err := sp.Validate(); err != nil {
			return err
		}
		hasBkg := sp.Background != nil
		bkgPoisson := hasBkg && sp.Background.Poisson
		if !s.ValidFor(sp.Poisson, hasBkg, bkgPoisson) {
			return fmt.Errorf("%w: %s with spectrum %q (source poisson=%v, background poisson=%v)",
				ErrInvalidCombination, s.Name(), sp.Name, sp.Poisson, bkgPoisson)
		}
	}
	return nil
}

// sizeArrays returns a fresh per-spectrum set of arrays sized to the
// noticed-channel counts.
func sizeArrays(spectra []*spectral.Spectrum) [][]float64 {
	out := make([][]float64, len(spectra))
	for i, sp := range spectra {
		out[i] = make([]float64, len(sp.Noticed))
	}
	return out
}

// New returns the named statistic, or an error listing the known names.
func New(name string) (Statistic, error) {
	switch name {
	case "chi":
		return NewChiSquare(), nil
	case "cstat":
		return NewCstat(StdCstat{}), nil
	case "pgstat":
		return NewCstat(PGstat{}), nil
	case "pstat":
		return NewCstat(Pstat{}), nil
	case "lstat":
		return NewCstat(LorStat{}), nil
	case "whittle":
		return NewCstat(WhittleStat{}), nil
	case "ks":
		return NewEDF(KolmogorovSmirnov{}), nil
	case "ad":
		return NewEDF(AndersonDarling{}), nil
	case "cvm":
		return NewEDF(CramerVonMises{}), nil
	}
	return nil, fmt.Errorf("stat: unknown statistic %q (want chi, cstat, pgstat, pstat, lstat, whittle, ks, ad, cvm)", name)
}
