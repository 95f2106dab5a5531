package tts

import (
	"fmt"
	"strings"
	"time"
)

// StreamResult summarizes one streaming operation.
type StreamResult struct {
	// Success is true when the stream ended in StateFinished, including
	// cancellation and best-effort playback after a generation error.
	Success bool

	TotalChunks          int
	TotalSamples         int64
	TotalDurationSeconds float64

	// UnderrunCount is the number of device pulls padded with silence.
	UnderrunCount int
	// UnderrunSamples is the total number of padded samples.
	UnderrunSamples int64
	RebufferCount   int

	FinalState StateType
	Err        error

	// Partial is set when the backend failed after playback began and the
	// buffered audio was played anyway.
	Partial         bool
	GenerationError string

	Cancelled    bool
	CancelReason string

	Elapsed     time.Duration
	Transitions []Transition
}

// String returns a one-line summary.
func (r *StreamResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d chunks, %.2fs audio, %d underruns, %d rebuffers in %v",
		r.FinalState, r.TotalChunks, r.TotalDurationSeconds, r.UnderrunCount, r.RebufferCount,
		r.Elapsed.Round(time.Millisecond))
	switch {
	case r.Err != nil:
		fmt.Fprintf(&b, " (error: %v)", r.Err)
	case r.Cancelled:
		fmt.Fprintf(&b, " (cancelled: %s)", r.CancelReason)
	case r.Partial:
		fmt.Fprintf(&b, " (partial: %s)", r.GenerationError)
	}
	return b.String()
}
