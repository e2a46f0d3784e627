package stat

import (
	"math"
)

// LorStat is the Loredo statistic: Poisson source counts with the
// background rate marginalized (not profiled) under a flat prior, which
// turns the per-channel likelihood into a finite combinatorial sum handled
// by lorSum.
type LorStat struct{}

func (LorStat) VariantName() string { return "lstat" }

// Derivatives: the marginal sum has no cheap closed-form derivative in the
// model counts, so fit methods use finite differences.
func (LorStat) Derivatives() bool { return false }

func (LorStat) ValidFor(sourcePoisson, hasBackground, backgroundPoisson bool) bool {
	return sourcePoisson && (!hasBackground || backgroundPoisson)
}

func (l LorStat) PerformOne(m, s, ts float64) (float64, float64, float64) {
	// Without a background the marginal sum collapses to the plain
	// Poisson log-likelihood.
	return StdCstat{}.PerformOne(m, s, ts)
}

func (l LorStat) PerformOneB(m, s, ts, b, tb, sigma2 float64) (float64, float64, float64) {
	c := int(s + 0.5)
	bc := int(b + 0.5)
	logL := -m + lorSum(m, c, bc, 0) - lgamma(float64(c)+1)
	return -2 * logL, 0, 0
}

// flag value standing in for "zero contribution" in log space. Terms this
// small cannot influence any realistic statistic.
const lorZero = -250

// logLorTerm is the log of one term of the marginal-likelihood sum:
//
//	term(j) = S^j / j! * (C+B-j)! / (C-j)!
//
// evaluated through lgamma. The sequence is unimodal in j, which lorSum
// exploits. S^0 is taken as 1 even for S == 0.
func logLorTerm(s float64, j, c, b int) float64 {
	lt := lgamma(float64(c+b-j)+1) - lgamma(float64(j)+1) - lgamma(float64(c-j)+1)
	if j > 0 {
		lt += float64(j) * math.Log(s)
	}
	return lt
}

// lorSum computes log(Σ_{j=flag}^{C} term(j)) without overflow or
// underflow: it locates the maximizing index jmax by binary search over the
// unimodal log-term sequence, sums only terms within exp(-20) of the
// maximum scanning outward from jmax in both directions, and restores the
// maximum in log space at the end. A naive direct summation overflows on
// real spectra; this staging is load-bearing, not an optimization.
//
// Special cases: C < flag yields the zero sentinel (-250); S == 0 with
// C > 0 leaves only the j=flag term; C == 0 leaves only the j=0 term.
func lorSum(s float64, c, b, flag int) float64 {
	switch {
	case c < flag:
		return lorZero
	case c == 0:
		return logLorTerm(s, 0, c, b)
	case s == 0:
		return logLorTerm(s, flag, c, b)
	}

	// Binary search for the maximizing index: advance while the sequence
	// is still rising.
	lo, hi := flag, c
	for lo < hi {
		mid := (lo + hi) / 2
		if logLorTerm(s, mid, c, b) < logLorTerm(s, mid+1, c, b) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	jmax := lo
	dtmax := logLorTerm(s, jmax, c, b)

	// Sum outward from the peak, stopping in each direction as soon as a
	// term drops below exp(-20) of the maximum; unimodality guarantees
	// everything beyond it is smaller still.
	const cutoff = -20.0
	sum := 1.0 // the jmax term itself, scaled
	for j := jmax + 1; j <= c; j++ {
		dt := logLorTerm(s, j, c, b) - dtmax
		if dt < cutoff {
			break
		}
		sum += math.Exp(dt)
	}
	for j := jmax - 1; j >= flag; j-- {
		dt := logLorTerm(s, j, c, b) - dtmax
		if dt < cutoff {
			break
		}
		sum += math.Exp(dt)
	}

	return math.Log(sum) + dtmax
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
