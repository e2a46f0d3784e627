package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParameterSpec is one scanned dimension of a grid: which parameter, the
// range, and how it is divided. Values holds the Intervals+1 trial values
// once built; Best is filled in after a scan with the scanned value at the
// overall best point.
type ParameterSpec struct {
	Param     int
	Low, High float64
	Intervals int
	Log       bool

	Values []float64
	Best   float64
}

// ParseSpecs reads the steppar/margin argument list. Each dimension is
// "<parIndex> <low> <high> <nIntervals>" optionally followed by "log". The
// keywords "best" and "current" may appear anywhere and select whether the
// remaining free parameters are refitted at each grid point; they are
// stripped before numeric parsing. The last such keyword wins; the default
// is refit ("best").
func ParseSpecs(args []string) ([]ParameterSpec, bool, error) {
	refit := true
	var rest []string
	for _, a := range args {
		switch strings.ToLower(a) {
		case "best":
			refit = true
		case "current":
			refit = false
		default:
			rest = append(rest, a)
		}
	}

	var specs []ParameterSpec
	for i := 0; i < len(rest); {
		if len(rest)-i < 4 {
			return nil, false, fmt.Errorf("grid: incomplete dimension spec %q", strings.Join(rest[i:], " "))
		}
		pi, err := strconv.Atoi(rest[i])
		if err != nil || pi < 1 {
			return nil, false, fmt.Errorf("grid: bad parameter index %q", rest[i])
		}
		low, err := strconv.ParseFloat(rest[i+1], 64)
		if err != nil {
			return nil, false, fmt.Errorf("grid: bad low bound %q", rest[i+1])
		}
		high, err := strconv.ParseFloat(rest[i+2], 64)
		if err != nil {
			return nil, false, fmt.Errorf("grid: bad high bound %q", rest[i+2])
		}
		n, err := strconv.Atoi(rest[i+3])
		if err != nil || n < 1 {
			return nil, false, fmt.Errorf("grid: bad interval count %q", rest[i+3])
		}
		i += 4

		spec := ParameterSpec{Param: pi, Low: low, High: high, Intervals: n}
		if i < len(rest) && strings.EqualFold(rest[i], "log") {
			spec.Log = true
			i++
		}
		if err := spec.buildValues(); err != nil {
			return nil, false, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, false, fmt.Errorf("grid: no dimensions given")
	}
	return specs, refit, nil
}

// buildValues fills Values with Intervals+1 points from Low to High
// inclusive, spaced linearly or geometrically.
func (s *ParameterSpec) buildValues() error {
	if s.High <= s.Low {
		return fmt.Errorf("grid: parameter %d: high %g not above low %g", s.Param, s.High, s.Low)
	}
	if s.Log && s.Low <= 0 {
		return fmt.Errorf("grid: parameter %d: log spacing needs a positive low bound, got %g", s.Param, s.Low)
	}
	n := s.Intervals
	s.Values = make([]float64, n+1)
	if s.Log {
		ratio := s.High / s.Low
		for i := 0; i <= n; i++ {
			s.Values[i] = s.Low * math.Pow(ratio, float64(i)/float64(n))
		}
	} else {
		step := (s.High - s.Low) / float64(n)
		for i := 0; i <= n; i++ {
			s.Values[i] = s.Low + float64(i)*step
		}
	}
	// Land exactly on the requested endpoint.
	s.Values[n] = s.High
	return nil
}
