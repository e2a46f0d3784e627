package fiterr

import (
	"fmt"

	"gonum.org/v1/gonum/stat/distuv"
)

// DeltaForConfidence returns the statistic increase that bounds a joint
// confidence region at the given level for nParams interesting parameters,
// from the chi-squared quantile. DeltaForConfidence(0.9, 1) recovers the
// usual single-parameter 2.706.
func DeltaForConfidence(level float64, nParams int) (float64, error) {
	if level <= 0 || level >= 1 {
		return 0, fmt.Errorf("fiterr: confidence level %g not in (0,1)", level)
	}
	if nParams < 1 {
		return 0, fmt.Errorf("fiterr: %d interesting parameters", nParams)
	}
	dist := distuv.ChiSquared{K: float64(nParams)}
	return dist.Quantile(level), nil
}
