// Package spectral defines the data-layer contract consumed by the fit
// engine: observed count spectra with their scaling metadata, and the
// interface through which folded model arrays are obtained from the
// model/response layer.
package spectral

import "fmt"

// Spectrum is one observed count spectrum plus the metadata the statistics
// need. Count and variance arrays are indexed by raw channel; Noticed lists
// the channel indices included in the fit, and every statistic walks only
// those.
type Spectrum struct {
	Name string

	// Counts holds observed counts per channel. Variance holds the
	// observed-count variance per channel (ignored when Poisson is set,
	// where the counts themselves carry the variance).
	Counts   []float64
	Variance []float64
	Poisson  bool

	// Exposure is the observation time in seconds; AreaScale the effective
	// area correction applied per channel.
	Exposure  float64
	AreaScale float64

	// Background, when non-nil, is subtracted after scaling by
	// BackScale (background extraction region ratio). Correction, when
	// non-nil, is applied with CorrScale the same way.
	Background *BackSpectrum
	Correction *BackSpectrum

	// Noticed holds the channel indices participating in the fit,
	// ascending. Folded model arrays are indexed by position in this set.
	Noticed []int
}

// BackSpectrum is a background or correction spectrum with its own scaling.
type BackSpectrum struct {
	Counts   []float64
	Variance []float64
	Poisson  bool
	Exposure float64
	Scale    float64
}

// Validate checks internal consistency: array lengths agree and every
// noticed channel is in range. A violation here is a programming error in
// the data layer, reported rather than panicked on so a bad dataset aborts
// one command, not the session.
func (s *Spectrum) Validate() error {
	n := len(s.Counts)
	if len(s.Variance) != 0 && len(s.Variance) != n {
		return fmt.Errorf("spectral: %s: variance length %d != counts length %d",
			s.Name, len(s.Variance), n)
	}
	if s.Exposure <= 0 {
		return fmt.Errorf("spectral: %s: non-positive exposure %g", s.Name, s.Exposure)
	}
	for _, c := range s.Noticed {
		if c < 0 || c >= n {
			return fmt.Errorf("spectral: %s: noticed channel %d out of range [0,%d)",
				s.Name, c, n)
		}
	}
	if s.Background != nil && len(s.Background.Counts) != n {
		return fmt.Errorf("spectral: %s: background length %d != counts length %d",
			s.Name, len(s.Background.Counts), n)
	}
	if s.Correction != nil && len(s.Correction.Counts) != n {
		return fmt.Errorf("spectral: %s: correction length %d != counts length %d",
			s.Name, len(s.Correction.Counts), n)
	}
	return nil
}

// NoticedCounts returns the observed counts restricted to the noticed set.
func (s *Spectrum) NoticedCounts() []float64 {
	out := make([]float64, len(s.Noticed))
	for i, c := range s.Noticed {
		out[i] = s.Counts[c]
	}
	return out
}

// ModelSource supplies folded model arrays (flux convolved through the
// instrument response, counts per bin) for each spectrum. Implementations
// live in the model/response layer; the fit engine only requires that
// Folded(i) reflect the parameter state as of the last Recalculate call,
// with arrays indexed by position in the spectrum's noticed set.
type ModelSource interface {
	// Recalculate recomputes folded models for the current parameter
	// state. Synchronous: folded arrays are valid once it returns.
	Recalculate() error

	// Folded returns the folded model array for spectrum i, sized to that
	// spectrum's noticed channel count.
	Folded(i int) []float64
}

// ForkableSource is a ModelSource that can produce independent copies for
// parallel workers. Each fork owns its own folded arrays and parameter
// bindings; mutations on one fork are invisible to the others. Parallel
// grid scans, error searches and derivative evaluations require this; a
// plain ModelSource falls back to sequential execution.
type ForkableSource interface {
	ModelSource

	// Fork returns an independent copy bound to the given parameter
	// value reader.
	Fork(values func(index int) (float64, error)) (ModelSource, error)
}
