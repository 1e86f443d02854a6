package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dgnsrekt/datacollector/internal/export"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

// maxListed bounds the per-file and per-error lines of a message body.
const maxListed = 3

// Message is one ntfy post.
type Message struct {
	Title    string
	Body     string
	Tags     string
	Priority string
}

// RunMessage summarises an acquisition run: what was saved, how many frames,
// and the first failures when the run did not complete cleanly.
func RunMessage(result *export.BatchResult, run string, elapsed time.Duration, runErr error) Message {
	if result == nil {
		result = &export.BatchResult{}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Saved %d of %d buffers", result.Success, result.Total)
	if result.Empty > 0 {
		fmt.Fprintf(&sb, ", %d empty", result.Empty)
	}
	fmt.Fprintf(&sb, "\nFrames: %d\nDuration: %s", framesWritten(result), elapsed.Round(time.Second))

	if len(result.Written) > 0 {
		sb.WriteString("\n")
		writeFiles(&sb, result.Written)
	}

	if runErr == nil {
		return Message{
			Title: fmt.Sprintf("Acquisition Complete: %s", run),
			Body:  sb.String(),
			Tags:  "white_check_mark",
		}
	}

	fmt.Fprintf(&sb, "\nFailed: %d\n\nError: %v", result.Failed, runErr)
	if len(result.Errors) > 0 {
		sb.WriteString("\n\nErrors:")
		for _, e := range result.Errors[:min(len(result.Errors), maxListed)] {
			fmt.Fprintf(&sb, "\n- %s", e)
		}
		if extra := len(result.Errors) - maxListed; extra > 0 {
			fmt.Fprintf(&sb, "\n... and %d more errors", extra)
		}
	}
	return Message{
		Title:    fmt.Sprintf("Acquisition Failed: %s", run),
		Body:     sb.String(),
		Tags:     "x",
		Priority: "high",
	}
}

// FaultMessage reports a device whose source stopped with an error.
func FaultMessage(deviceID string, fault error, at time.Time) Message {
	return Message{
		Title:    fmt.Sprintf("Device Fault: %s", deviceID),
		Body:     fmt.Sprintf("Device %s stopped acquiring at %s.\n\nError: %v", deviceID, at.UTC().Format(time.RFC3339), fault),
		Tags:     "warning",
		Priority: "high",
	}
}

func writeFiles(sb *strings.Builder, written []*sequence.Info) {
	for _, info := range written[:min(len(written), maxListed)] {
		fmt.Fprintf(sb, "\n- %s/%s: %d frames over %.1fs", info.DeviceID, info.Stream, info.Frames, info.LastTimestamp-info.FirstTimestamp)
	}
	if extra := len(written) - maxListed; extra > 0 {
		fmt.Fprintf(sb, "\n... and %d more files", extra)
	}
}

func framesWritten(result *export.BatchResult) int {
	n := 0
	for _, info := range result.Written {
		n += info.Frames
	}
	return n
}
