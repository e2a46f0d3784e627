// Package parallel executes independent work items across a bounded pool of
// workers. Grid scans and numeric-derivative evaluations both use it.
//
// The index range [0,n) is split into contiguous sub-ranges, one per worker,
// sized as evenly as possible. Each worker walks its sub-range in order over
// its own inputs only (no shared mutable state), and results are reassembled
// into original index order regardless of worker completion order. Once any
// task fails with a negative status, every not-yet-run task is skipped and
// its slot marked with that status; already-completed results are kept.
// A recoverable task error is absorbed into its slot; a panic is treated as
// an invariant violation and re-raised by Run after every worker has been
// stopped and joined.
package parallel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/specfit/internal/monitoring"
)

// StatusSkipped marks a result slot whose task never ran because an earlier
// task had already failed.
const StatusSkipped = -1

// Result is one task's report back to the caller: numeric payload vectors,
// optional user-facing messages (queued here rather than printed so the
// caller can serialize output), and a status where negative means failure.
type Result struct {
	Floats   [][]float64
	Messages []string
	Status   int
}

// Task computes the result for one work item. A returned error is a
// recoverable per-item failure: it is absorbed into the item's Result with
// a negative status and does not stop sibling workers (their remaining
// items are skipped only per the poisoning rule above).
type Task func(index int) (Result, error)

// Manager runs task batches over at most MaxWorkers concurrent workers.
// The zero value is not usable; call New.
type Manager struct {
	maxWorkers int
}

// New returns a Manager running at most maxWorkers workers. Values below 1
// are treated as 1 (sequential).
func New(maxWorkers int) *Manager {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Manager{maxWorkers: maxWorkers}
}

// MaxWorkers returns the configured worker bound.
func (m *Manager) MaxWorkers() int { return m.maxWorkers }

// Span is one contiguous sub-range of the work index space.
type Span struct {
	Start, End int // half-open [Start, End)
}

// Partition splits [0,n) into at most procs contiguous spans with sizes as
// even as possible (larger spans first). Every index is covered exactly
// once; the span count is min(procs, n).
func Partition(n, procs int) []Span {
	if n <= 0 {
		return nil
	}
	if procs < 1 {
		procs = 1
	}
	if procs > n {
		procs = n
	}
	base := n / procs
	extra := n % procs
	spans := make([]Span, procs)
	start := 0
	for i := range spans {
		size := base
		if i < extra {
			size++
		}
		spans[i] = Span{Start: start, End: start + size}
		start += size
	}
	return spans
}

// Run executes n tasks and returns their results in index order. The first
// worker's span is walked with progress reporting enabled (a reporting
// distinction only; it carries no extra work). If any task panics, Run
// re-panics after all workers have stopped.
func (m *Manager) Run(n int, fn Task) []Result {
	results := make([]Result, n)
	if n == 0 {
		return results
	}
	spans := Partition(n, m.maxWorkers)

	// poisoned holds (status+1) of the first failing task, so zero means
	// healthy. Workers consult it before each item.
	var poisoned atomic.Int64
	var panicked atomic.Value

	var wg sync.WaitGroup
	for wi, span := range spans {
		wg.Add(1)
		go func(wi int, span Span) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panicked.CompareAndSwap(nil, r)
					poisoned.CompareAndSwap(0, StatusSkipped-1)
				}
			}()
			for i := span.Start; i < span.End; i++ {
				if s := poisoned.Load(); s != 0 {
					results[i].Status = int(s) + 1
					continue
				}
				res, err := fn(i)
				if err != nil {
					if res.Status >= 0 {
						res.Status = StatusSkipped
					}
					res.Messages = append(res.Messages, err.Error())
				}
				results[i] = res
				if res.Status < 0 {
					poisoned.CompareAndSwap(0, int64(res.Status)-1)
				}
				if wi == 0 {
					monitoring.Logf("parallel: worker 0 finished item %d of [%d,%d)", i, span.Start, span.End)
				}
			}
		}(wi, span)
	}
	wg.Wait()

	if r := panicked.Load(); r != nil {
		panic(fmt.Sprintf("parallel: worker panic: %v", r))
	}
	return results
}
