package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgnsrekt/datacollector/internal/buffer"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

func inspectCmd() *cobra.Command {
	var frames bool

	cmd := &cobra.Command{
		Use:   "inspect FILE...",
		Short: "Print the header and frame summary of sequence files",
		Long: `Decode one or more sequence files and print their header, frame count,
time range and per-status frame counts.

Examples:
  collector inspect VideoBufferMetafile.seq
  collector inspect --frames TrackerBufferMetafile_Probe.seq`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0

			for i, path := range args {
				if i > 0 {
					fmt.Fprintln(out)
				}
				seq, err := sequence.Read(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}

				h := seq.Header
				fmt.Fprintf(out, "%s\n", path)
				fmt.Fprintf(out, "  recording:  %s\n", h.RecordingID)
				fmt.Fprintf(out, "  device:     %s\n", h.DeviceID)
				fmt.Fprintf(out, "  stream:     %s\n", h.Stream)
				fmt.Fprintf(out, "  created:    %s\n", time.Unix(0, h.CreatedUnix).UTC().Format(time.RFC3339Nano))
				fmt.Fprintf(out, "  capacity:   %d\n", h.Capacity)
				fmt.Fprintf(out, "  compressed: %t\n", seq.Compressed)
				fmt.Fprintf(out, "  frames:     %d\n", len(seq.Frames))
				if first, last, ok := seq.TimeRange(); ok {
					fmt.Fprintf(out, "  time range: %.6f .. %.6f (%.3fs)\n", first, last, last-first)
				}

				counts := seq.StatusCounts()
				statuses := make([]buffer.Status, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, s)
				}
				sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
				for _, s := range statuses {
					fmt.Fprintf(out, "  %-10s  %d\n", s.String()+":", counts[s])
				}

				if frames {
					for _, f := range seq.Frames {
						fmt.Fprintf(out, "    #%d  t=%.6f  %s  %d bytes\n", f.FrameNumber, f.Timestamp, f.Status, len(f.Payload))
					}
				}
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d files could not be read", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&frames, "frames", false, "list every frame")

	return cmd
}
