package fiterr

import (
	"fmt"

	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/monitoring"
	"github.com/banshee-data/specfit/internal/parallel"
)

// maxRestarts bounds how many times the error command restarts after a
// search stumbles onto a better minimum than the recorded fit.
const maxRestarts = 3

// GetErrors computes confidence bounds for each listed parameter.
//
// Sequentially, a NewMinimum result triggers a refit from the improved
// point and a restart of the whole parameter list, up to maxRestarts times.
// With a worker pool and a forkable model source the parameters are searched
// in parallel on private fit copies; NewMinimum is then only reported, since
// workers cannot move the shared best fit.
func GetErrors(f *fit.Fit, s *Search, params []int, workers *parallel.Manager) ([]Result, error) {
	if len(params) == 0 {
		return nil, nil
	}
	if workers != nil && workers.MaxWorkers() > 1 && f.CanFork() {
		return parallelErrors(f, s, params, workers)
	}

	out := make([]Result, len(params))
	restarts := 0
	for i := 0; i < len(params); {
		r, err := s.Run(f, params[i])
		if err != nil {
			return nil, err
		}
		if r.Code&NewMinimum != 0 && s.Method != nil && restarts < maxRestarts {
			restarts++
			s.logf("error: refitting from improved minimum and restarting (attempt %d)", restarts)
			if _, err := s.Method.Perform(f); err != nil {
				return nil, err
			}
			i = 0
			continue
		}
		out[i] = r
		i++
	}
	return out, nil
}

func parallelErrors(f *fit.Fit, s *Search, params []int, workers *parallel.Manager) ([]Result, error) {
	results := workers.Run(len(params), func(k int) (parallel.Result, error) {
		fk, err := f.Fork()
		if err != nil {
			return parallel.Result{Status: parallel.StatusSkipped}, err
		}
		ws := *s
		ws.Messages = &MsgQueue{}
		r, err := ws.Run(fk, params[k])
		pr := parallel.Result{
			Floats:   [][]float64{{r.Low, r.High, float64(r.Code)}},
			Messages: ws.Messages.Drain(),
		}
		if err != nil {
			pr.Status = parallel.StatusSkipped
			return pr, err
		}
		return pr, nil
	})

	out := make([]Result, len(params))
	var firstErr error
	for k, r := range results {
		// Worker messages are replayed here, in parameter order, so the
		// parent's log stays coherent.
		for _, m := range r.Messages {
			monitoring.Logf("%s", m)
		}
		if r.Status < 0 || len(r.Floats) == 0 {
			out[k] = Result{Param: params[k], Code: GeneralProblem}
			if firstErr == nil {
				firstErr = fmt.Errorf("fiterr: bound search for parameter %d failed", params[k])
			}
			continue
		}
		out[k] = Result{
			Param: params[k],
			Low:   r.Floats[0][0],
			High:  r.Floats[0][1],
			Code:  Codes(r.Floats[0][2]),
		}
	}
	return out, firstErr
}
