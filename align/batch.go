package align

import (
	"runtime"
	"sort"
	"sync"
)

// AlignRequest is one source/target pair for batch alignment.
type AlignRequest struct {
	// Frame identifies the source set in the outcome. Empty falls back
	// to Source.Frame.
	Frame string

	// Reference identifies the target set in the outcome. Empty falls
	// back to Target.Frame.
	Reference string

	Source *LandmarkSet
	Target *LandmarkSet

	// MinCommon is the minimum number of shared landmark names required
	// for the fit. Values below 2 are treated as 2.
	MinCommon int
}

// AlignOutcome is the result of one batch request. Outcomes keep the
// order of the requests they came from.
type AlignOutcome struct {
	Frame     string
	Reference string
	Result    *LandmarkAlignment
	Err       error
}

// AlignAll aligns every request across a bounded worker pool. Requests
// are independent, so a failed fit only marks its own outcome. workers
// below 1 uses one worker per CPU.
func AlignAll(requests []AlignRequest, workers int) []AlignOutcome {
	if len(requests) == 0 {
		return nil
	}
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > len(requests) {
		workers = len(requests)
	}

	outcomes := make([]AlignOutcome, len(requests))

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for i, req := range requests {
		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(idx int, r AlignRequest) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			out := AlignOutcome{Frame: r.Frame, Reference: r.Reference}
			if out.Frame == "" && r.Source != nil {
				out.Frame = r.Source.Frame
			}
			if out.Reference == "" && r.Target != nil {
				out.Reference = r.Target.Frame
			}

			out.Result, out.Err = AlignLandmarks(r.Source, r.Target, r.MinCommon)

			// Each worker owns a distinct slot
			outcomes[idx] = out
		}(i, req)
	}

	wg.Wait()
	return outcomes
}

// AlignAllToReference builds a request per source set against one shared
// reference and aligns them all. Sets whose frame matches the reference
// are skipped.
func AlignAllToReference(sets map[string]*LandmarkSet, reference *LandmarkSet, minCommon, workers int) []AlignOutcome {
	if reference == nil {
		return nil
	}

	frames := make([]string, 0, len(sets))
	for frame := range sets {
		if frame == reference.Frame {
			continue
		}
		frames = append(frames, frame)
	}
	sort.Strings(frames)

	requests := make([]AlignRequest, 0, len(frames))
	for _, frame := range frames {
		requests = append(requests, AlignRequest{
			Frame:     frame,
			Reference: reference.Frame,
			Source:    sets[frame],
			Target:    reference,
			MinCommon: minCommon,
		})
	}

	return AlignAll(requests, workers)
}
