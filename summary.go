package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dgnsrekt/speak/tts"
)

// printSummary writes a short report of a finished stream.
func printSummary(w io.Writer, res *tts.StreamResult) {
	var b strings.Builder

	name := strings.ToUpper(res.FinalState.String())
	state := keyword(name)
	if !res.Success {
		state = failure(name)
	}
	fmt.Fprintf(&b, "%s  %s chunks, %s samples (%.1fs) in %s\n",
		state,
		humanize.Comma(int64(res.TotalChunks)),
		humanize.Comma(res.TotalSamples),
		res.TotalDurationSeconds,
		res.Elapsed.Round(time.Millisecond))

	if res.UnderrunCount > 0 || res.RebufferCount > 0 {
		fmt.Fprintf(&b, "%s\n", faint(fmt.Sprintf("%d underruns (%s samples of silence), %d rebuffers",
			res.UnderrunCount, humanize.Comma(res.UnderrunSamples), res.RebufferCount)))
	}

	switch {
	case res.Cancelled:
		fmt.Fprintf(&b, "%s\n", faint("cancelled: "+res.CancelReason))
	case res.Partial:
		fmt.Fprintf(&b, "%s\n", failure("partial: "+res.GenerationError))
	}

	_, _ = io.WriteString(w, b.String())
}
