package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatalf("explicit missing file should fail, got %+v", cfg)
	}

	// no explicit path and no default file on the search path
	t.Chdir(t.TempDir())

	cfg, err = Load("")
	if err != nil {
		t.Fatalf("expected defaults to load, got error: %v", err)
	}

	if cfg.Acquisition.Duration != 20*time.Second {
		t.Errorf("expected 20s acquisition, got %s", cfg.Acquisition.Duration)
	}
	if cfg.Acquisition.VideoDevice != DefaultVideoDevice || cfg.Acquisition.TrackerDevice != DefaultTrackerDevice {
		t.Errorf("unexpected acquisition devices %+v", cfg.Acquisition)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("expected 2 default devices, got %d", len(cfg.Devices))
	}
	video, ok := cfg.Device(DefaultVideoDevice)
	if !ok || video.Type != DevicePlayback || video.BufferSize != DefaultBufferSize || video.Playback.Loop != LoopRotation {
		t.Errorf("unexpected default video device %+v", video)
	}
	if cfg.Output.Workers != 2 || !cfg.Output.Compressed {
		t.Errorf("unexpected output defaults %+v", cfg.Output)
	}
	if cfg.Notify.Server != "https://ntfy.sh" || cfg.Notify.Enabled {
		t.Errorf("unexpected notify defaults %+v", cfg.Notify)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
acquisition:
  duration: 5s
  video_device: Cam
  tracker_device: Tracker
devices:
  - id: Cam
    type: simulated_video
    frame_rate: 15
    video: { width: 32, height: 24 }
  - id: Tracker
    type: simulated_tracker
    buffer_size: 500
    streams: [Probe, Stylus]
output:
  directory: /tmp/out
  workers: 4
export:
  interval: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Acquisition.Duration != 5*time.Second || cfg.Export.Interval != time.Minute {
		t.Errorf("durations not parsed: %+v %+v", cfg.Acquisition, cfg.Export)
	}

	cam, _ := cfg.Device("Cam")
	if cam.FrameRate != 15 || cam.Video.Width != 32 || cam.BufferSize != DefaultBufferSize {
		t.Errorf("unexpected camera %+v", cam)
	}
	if len(cam.Streams) != 1 || cam.Streams[0] != "Video" {
		t.Errorf("expected default video stream, got %v", cam.Streams)
	}

	tracker, _ := cfg.Device("Tracker")
	if tracker.BufferSize != 500 || len(tracker.Streams) != 2 || tracker.FrameRate != DefaultFrameRate {
		t.Errorf("unexpected tracker %+v", tracker)
	}
	if cfg.Output.Directory != "/tmp/out" || cfg.Output.Workers != 4 {
		t.Errorf("unexpected output %+v", cfg.Output)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COLLECTOR_OUTPUT_WORKERS", "7")
	t.Setenv("COLLECTOR_NOTIFY_TOPIC", "lab-runs")

	cfg, err := Load(writeConfig(t, "output:\n  directory: out\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Output.Workers != 7 {
		t.Errorf("expected env override of workers, got %d", cfg.Output.Workers)
	}
	if cfg.Notify.Topic != "lab-runs" {
		t.Errorf("expected topic from env, got %q", cfg.Notify.Topic)
	}
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: A
    type: laser
  - id: A
    type: simulated_video
output:
  workers: 0
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var verrs *ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T: %v", err, err)
	}
	if len(verrs.DuplicateIDs) != 1 || verrs.DuplicateIDs[0] != "A" {
		t.Errorf("expected duplicate A, got %v", verrs.DuplicateIDs)
	}
	msg := err.Error()
	for _, want := range []string{`unknown type "laser"`, "output.workers", "acquisition.video_device"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %q, got: %v", want, msg)
		}
	}
}

func TestApplyPlaybackOverride(t *testing.T) {
	cfg := &Config{Devices: DefaultDevices()}
	cfg.Devices = append(cfg.Devices, DeviceConfig{ID: "Cam", Type: DeviceSimulatedVideo})

	if err := cfg.ApplyPlaybackOverride(DefaultTrackerDevice, "tracker.seq"); err != nil {
		t.Fatal(err)
	}
	tracker, _ := cfg.Device(DefaultTrackerDevice)
	if tracker.Playback.SequenceFile != "tracker.seq" {
		t.Errorf("override not applied: %+v", tracker.Playback)
	}

	if err := cfg.ApplyPlaybackOverride("Cam", "x.seq"); err == nil {
		t.Error("expected error for a non-playback device")
	}
	if err := cfg.ApplyPlaybackOverride("Ghost", "x.seq"); err == nil {
		t.Error("expected error for an unknown device")
	}
}
