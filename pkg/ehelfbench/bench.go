// Package ehelfbench is the benchmark helper of spec.md §2 component H:
// a small aggregator that times full stack unwinds and reports
// frames-per-unwind and time-per-frame. It is explicitly off the
// critical path (spec.md §2) — nothing else in this module imports it.
//
// Grounded on original_source/benching/benchlib/DwBenchmark.{hpp,cpp}:
// same measures (frame count, elapsed time per unwind) and the same
// format_output summary. The original is a function-local Singleton
// (DwBenchmark::get_instance()); per the REDESIGN FLAGS note in spec.md
// §9, this is a plain owned struct instead — a caller constructs one
// with New and passes it around (or keeps it in a goroutine-local var),
// rather than reaching for hidden global state that would need to be
// re-architected the day this is ever run from more than one goroutine.
package ehelfbench

import (
	"fmt"
	"io"
	"time"
)

// measurement is one completed unwind: how many frames it visited and
// how long that took.
type measurement struct {
	frames   int
	duration time.Duration
}

// Bench accumulates measurements across repeated unwinds. The zero
// value is ready to use.
type Bench struct {
	measures []measurement
}

// New returns an empty Bench.
func New() *Bench { return &Bench{} }

// Measure times a single call to unwind (typically
// (*ehelf.Walker).WalkStack wrapped to count frames) and records the
// frame count and elapsed time it reports.
func (b *Bench) Measure(unwind func() (frames int)) {
	start := time.Now()
	frames := unwind()
	b.AddMeasure(frames, time.Since(start))
}

// AddMeasure records a measurement obtained elsewhere (e.g. by a caller
// timing its own loop around Walker.UnwindContext), the Go analogue of
// DwBenchmark::add_measure.
func (b *Bench) AddMeasure(frames int, d time.Duration) {
	b.measures = append(b.measures, measurement{frames: frames, duration: d})
}

// Stats summarizes everything recorded so far.
type Stats struct {
	TotalFrames      int
	Total            time.Duration
	AvgFramesPerWalk float64
	AvgTimePerFrame  time.Duration
}

// Stats computes the summary DwBenchmark::format_output prints.
func (b *Bench) Stats() Stats {
	var s Stats
	for _, m := range b.measures {
		s.TotalFrames += m.frames
		s.Total += m.duration
	}
	if len(b.measures) > 0 {
		s.AvgFramesPerWalk = float64(s.TotalFrames) / float64(len(b.measures))
	}
	if s.TotalFrames > 0 {
		s.AvgTimePerFrame = s.Total / time.Duration(s.TotalFrames)
	}
	return s
}

// FormatOutput writes the same summary shape as
// DwBenchmark::format_output: total time, total frames, averages.
func (b *Bench) FormatOutput(w io.Writer) error {
	s := b.Stats()
	_, err := fmt.Fprintf(w,
		"Total time:        %s\nTotal frames:      %d\nAvg frames/unwind: %.3f\nAvg time/frame:    %s\n",
		s.Total, s.TotalFrames, s.AvgFramesPerWalk, s.AvgTimePerFrame)
	return err
}
