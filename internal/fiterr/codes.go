package fiterr

import (
	"fmt"
	"strings"
)

// Codes is a bitmask of conditions detected during one confidence-bound
// search. Several bits may be set at once; OK is the zero value.
type Codes int

const (
	OK                   Codes = 0
	NewMinimum           Codes = 1 << 0 // a trial refit beat the recorded best fit
	NonMonotonic         Codes = 1 << 1 // statistic dipped while moving away from best fit
	FrozenParameter      Codes = 1 << 2 // target parameter is frozen or linked
	HitLowLimit          Codes = 1 << 3 // lower bound reached before the target delta
	HitHighLimit         Codes = 1 << 4 // upper bound reached before the target delta
	NegativeSearchFailed Codes = 1 << 5 // downward search exhausted its trials
	PositiveSearchFailed Codes = 1 << 6 // upward search exhausted its trials
	GeneralProblem       Codes = 1 << 7 // refit or evaluation error during a trial
	StepTooLarge         Codes = 1 << 8 // interpolation predicted an absurd step
)

// codeBits fixes the serialization order of the flag string. Session files
// store the string form, so this order must never change.
var codeBits = []Codes{
	NewMinimum,
	NonMonotonic,
	FrozenParameter,
	HitLowLimit,
	HitHighLimit,
	NegativeSearchFailed,
	PositiveSearchFailed,
	GeneralProblem,
	StepTooLarge,
}

var codeNames = map[Codes]string{
	NewMinimum:           "new minimum found",
	NonMonotonic:         "non-monotonic statistic",
	FrozenParameter:      "parameter frozen",
	HitLowLimit:          "hit lower limit",
	HitHighLimit:         "hit upper limit",
	NegativeSearchFailed: "downward search failed",
	PositiveSearchFailed: "upward search failed",
	GeneralProblem:       "search problem",
	StepTooLarge:         "step too large",
}

// CodeToString renders the bitmask as a fixed-width T/F flag string, one
// character per condition in codeBits order.
func CodeToString(c Codes) string {
	var b strings.Builder
	for _, bit := range codeBits {
		if c&bit != 0 {
			b.WriteByte('T')
		} else {
			b.WriteByte('F')
		}
	}
	return b.String()
}

// StringToCode is the exact inverse of CodeToString.
func StringToCode(s string) (Codes, error) {
	if len(s) != len(codeBits) {
		return 0, fmt.Errorf("fiterr: flag string %q: want %d characters", s, len(codeBits))
	}
	var c Codes
	for i, bit := range codeBits {
		switch s[i] {
		case 'T':
			c |= bit
		case 'F':
		default:
			return 0, fmt.Errorf("fiterr: flag string %q: bad character %q at %d", s, s[i], i)
		}
	}
	return c, nil
}

// Describe lists the set conditions in readable form, or "ok" for the zero
// mask.
func Describe(c Codes) string {
	if c == OK {
		return "ok"
	}
	var parts []string
	for _, bit := range codeBits {
		if c&bit != 0 {
			parts = append(parts, codeNames[bit])
		}
	}
	return strings.Join(parts, ", ")
}
