package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/catalog"
	"github.com/dgnsrekt/datacollector/internal/collector"
	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/export"
	"github.com/dgnsrekt/datacollector/internal/notify"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

type acquireOptions struct {
	seconds          float64
	videoInput       string
	trackerInput     string
	videoOutput      string
	trackerOutput    string
	outputFolder     string
	outputCompressed bool
	cleanup          bool
	verboseLevel     int
}

func acquireCmd() *cobra.Command {
	opts := &acquireOptions{}

	cmd := &cobra.Command{
		Use:   "acquire",
		Short: "Acquire from every configured device and save the video and tracker buffers",
		Long: `Connect and start every configured device, acquire for a fixed time,
then save a snapshot of the video buffer and a deep copy of the tracker
buffers as sequence files.

Examples:
  # Acquire for the configured duration
  collector acquire

  # Replay recorded data for 10 seconds into ./out
  collector acquire --acq-time-length 10 \
      --video-buffer-seq-file video.seq --tracker-buffer-seq-file tracker.seq \
      --output-folder ./out

  # Verify the written files and remove them afterwards
  collector acquire --cleanup`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()

			if flags.Changed("verbose-level") {
				level, err := verbosityLevel(opts.verboseLevel)
				if err != nil {
					return err
				}
				logLevel.SetLevel(level)
			}

			duration := cfg.Acquisition.Duration
			if flags.Changed("acq-time-length") {
				if opts.seconds < 0 {
					return fmt.Errorf("acquisition time must not be negative, got %g", opts.seconds)
				}
				duration = time.Duration(opts.seconds * float64(time.Second))
			}
			if !flags.Changed("output-folder") {
				opts.outputFolder = cfg.Output.Directory
			}
			if !flags.Changed("output-compressed") {
				opts.outputCompressed = cfg.Output.Compressed
			}

			if opts.videoInput != "" {
				if err := cfg.ApplyPlaybackOverride(cfg.Acquisition.VideoDevice, opts.videoInput); err != nil {
					return err
				}
			}
			if opts.trackerInput != "" {
				if err := cfg.ApplyPlaybackOverride(cfg.Acquisition.TrackerDevice, opts.trackerInput); err != nil {
					return err
				}
			}

			return runAcquire(cmd.Context(), opts, duration)
		},
	}

	cmd.Flags().Float64Var(&opts.seconds, "acq-time-length", 0, "acquisition time in seconds (default from config)")
	cmd.Flags().StringVar(&opts.videoInput, "video-buffer-seq-file", "", "sequence file replayed by the video device")
	cmd.Flags().StringVar(&opts.trackerInput, "tracker-buffer-seq-file", "", "sequence file replayed by the tracker device")
	cmd.Flags().StringVar(&opts.videoOutput, "output-video-buffer-seq-file", "VideoBufferMetafile", "file name of the saved video buffer")
	cmd.Flags().StringVar(&opts.trackerOutput, "output-tracker-buffer-seq-file", "TrackerBufferMetafile", "file name of the saved tracker buffer")
	cmd.Flags().StringVar(&opts.outputFolder, "output-folder", "", "directory for the saved buffers (default from config)")
	cmd.Flags().BoolVar(&opts.outputCompressed, "output-compressed", true, "zstd-compress the saved buffers")
	cmd.Flags().BoolVar(&opts.cleanup, "cleanup", false, "verify the saved files and remove them")
	cmd.Flags().IntVar(&opts.verboseLevel, "verbose-level", 3, "verbosity from 1 (errors) to 5 (trace)")

	return cmd
}

func runAcquire(ctx context.Context, opts *acquireOptions, duration time.Duration) error {
	started := time.Now()
	report := &export.BatchResult{}

	c, err := collector.Build(cfg, logger)
	if err != nil {
		return err
	}
	tally := func(result *collector.Result, _ error) {
		for _, err := range result.Errors {
			report.Fail(result.Op, err)
		}
	}

	// Lifecycle failures are tallied and the run continues with the devices
	// that made it.
	tally(c.Connect(ctx))
	tally(c.Start())

	wait(ctx, duration)

	// Freeze the data before stopping: a snapshot of the video buffer and a
	// detached replica of the tracker.
	resolver := export.Devices{}
	var tasks []export.Task
	if d := lookup(c, cfg.Acquisition.VideoDevice, report); d != nil {
		resolver[d.ID()] = d
		tasks = append(tasks, export.TasksFor(d, opts.videoOutput, opts.outputCompressed)...)
	}
	if d := lookup(c, cfg.Acquisition.TrackerDevice, report); d != nil {
		replica := d.DeepCopy()
		resolver[replica.ID()] = replica
		tasks = append(tasks, export.TasksFor(replica, opts.trackerOutput, opts.outputCompressed)...)
	}

	var recorder export.Recorder
	if cfg.Output.Catalog != "" {
		store, err := catalog.Open(cfg.Output.Catalog, logger)
		if err != nil {
			report.Fail("catalog", err)
		} else {
			defer store.Close()
			recorder = store
		}
	}

	mgr := export.NewManager(resolver, sequence.NewWriter(logger), opts.outputFolder, cfg.Output.Workers, recorder, logger)
	written, err := mgr.Execute(context.WithoutCancel(ctx), tasks)
	if err != nil {
		report.Fail("save", err)
	}
	report.Merge(written)
	if written != nil && written.Empty > 0 {
		logger.Warn("some buffers were empty and not saved", zap.Int("empty", written.Empty))
	}

	if opts.cleanup && written != nil {
		for _, info := range written.Written {
			if err := verifyAndRemove(info); err != nil {
				report.Fail("cleanup "+info.Path, err)
			}
		}
	}

	tally(c.Stop())
	tally(c.Disconnect())
	for id, fault := range c.Faults() {
		report.Fail("device "+id, fault)
	}

	elapsed := time.Since(started)
	logger.Info("acquisition complete",
		zap.Int("saved", report.Success),
		zap.Int("empty", report.Empty),
		zap.Int("failures", report.Failed),
		zap.Duration("duration", elapsed))

	var runErr error
	if report.Failed > 0 {
		for _, e := range report.Errors {
			logger.Error("acquisition error", zap.String("error", e))
		}
		runErr = fmt.Errorf("%d failures during acquisition", report.Failed)
	}

	notifyRun(report, elapsed, runErr)
	return runErr
}

func lookup(c *collector.Collector, id string, report *export.BatchResult) *device.Device {
	if id == "" {
		return nil
	}
	d, err := c.Device(id)
	if err != nil {
		report.Fail("lookup", err)
		return nil
	}
	return d
}

// wait logs the remaining acquisition time once per second until duration
// has passed or ctx is cancelled.
func wait(ctx context.Context, duration time.Duration) {
	deadline := time.Now().Add(duration)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		logger.Info("acquiring", zap.Int("secondsLeft", int(math.Ceil(left.Seconds()))))

		timer := time.NewTimer(min(left, time.Second))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn("acquisition interrupted, saving what was collected")
			return
		case <-timer.C:
		}
	}
}

func verifyAndRemove(info *sequence.Info) error {
	seq, err := sequence.Read(info.Path)
	if err != nil {
		return err
	}
	if len(seq.Frames) != info.Frames {
		return fmt.Errorf("read back %d frames, wrote %d", len(seq.Frames), info.Frames)
	}
	return os.Remove(info.Path)
}

func notifyRun(report *export.BatchResult, elapsed time.Duration, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n := notify.New(&cfg.Notify, logger)
	var err error
	if runErr != nil {
		err = n.SendFailure(ctx, report, "acquire", elapsed, runErr)
	} else {
		err = n.SendSuccess(ctx, report, "acquire", elapsed)
	}
	if err != nil {
		logger.Warn("notification failed", zap.Error(err))
	}
}
