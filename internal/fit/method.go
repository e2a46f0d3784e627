package fit

// Result reports the outcome of one minimization run. Non-convergence is a
// status, not an error: the best point found is retained in the parameter
// graph either way.
type Result struct {
	Statistic  float64 // best statistic reached
	Initial    float64 // statistic at entry
	Iterations int
	Converged  bool
	Message    string // human-readable note for non-converged runs
}

// Method is one minimization strategy.
type Method interface {
	Name() string

	// Perform runs the minimization loop on f, leaving the best-found
	// parameter values in f's graph.
	Perform(f *Fit) (Result, error)

	// FirstDerivativeRequired and SecondDerivativeRequired declare what
	// statistic derivative support the strategy wants, so the driver can
	// pick analytic over finite-difference differentiation.
	FirstDerivativeRequired() bool
	SecondDerivativeRequired() bool
}

// ProgressFunc is called once per iteration with the trial count, current
// statistic and damping parameter. Output formatting belongs to the front
// end; the engine only reports numbers.
type ProgressFunc func(iteration int, statistic, lambda float64)
