package config

import (
	"fmt"
	"sort"
	"strings"
)

// InvalidDevice represents a problem with one configured device
type InvalidDevice struct {
	ID      string
	Problem string
}

// ValidationErrors collects all validation errors
type ValidationErrors struct {
	DuplicateIDs   []string
	InvalidDevices []InvalidDevice
	Settings       []string
}

// HasErrors returns true if any validation errors exist
func (e *ValidationErrors) HasErrors() bool {
	return len(e.DuplicateIDs) > 0 || len(e.InvalidDevices) > 0 || len(e.Settings) > 0
}

// Error formats all validation errors into a clear message
func (e *ValidationErrors) Error() string {
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")

	if len(e.DuplicateIDs) > 0 {
		sb.WriteString("\nDuplicate device ids:\n")
		for _, id := range e.DuplicateIDs {
			sb.WriteString(fmt.Sprintf("  - %s\n", id))
		}
	}

	if len(e.InvalidDevices) > 0 {
		sb.WriteString("\nInvalid devices:\n")
		for _, d := range e.InvalidDevices {
			id := d.ID
			if id == "" {
				id = "(no id)"
			}
			sb.WriteString(fmt.Sprintf("  - %s: %s\n", id, d.Problem))
		}
		sb.WriteString(fmt.Sprintf("\nValid device types: %s\n", validDeviceTypesList()))
	}

	if len(e.Settings) > 0 {
		sb.WriteString("\nInvalid settings:\n")
		for _, s := range e.Settings {
			sb.WriteString(fmt.Sprintf("  - %s\n", s))
		}
	}

	return sb.String()
}

func validateDevices(errs *ValidationErrors, devices []DeviceConfig) {
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		if d.ID == "" {
			errs.InvalidDevices = append(errs.InvalidDevices, InvalidDevice{Problem: "id is required"})
		} else if seen[d.ID] {
			errs.DuplicateIDs = append(errs.DuplicateIDs, d.ID)
		}
		seen[d.ID] = true

		invalid := func(format string, args ...any) {
			errs.InvalidDevices = append(errs.InvalidDevices, InvalidDevice{ID: d.ID, Problem: fmt.Sprintf(format, args...)})
		}

		if !ValidDeviceTypes[d.Type] {
			invalid("unknown type %q", d.Type)
		}
		if d.BufferSize < 1 {
			invalid("buffer_size must be >= 1, got %d", d.BufferSize)
		}
		if d.FrameRate <= 0 {
			invalid("frame_rate must be > 0, got %g", d.FrameRate)
		}

		streams := make(map[string]bool, len(d.Streams))
		for _, s := range d.Streams {
			if s == "" {
				invalid("empty stream name")
			} else if streams[s] {
				invalid("duplicate stream %q", s)
			}
			streams[s] = true
		}

		switch d.Type {
		case DeviceSimulatedVideo:
			if d.Video.Width < 1 || d.Video.Height < 1 {
				invalid("video size must be positive, got %dx%d", d.Video.Width, d.Video.Height)
			}
		case DevicePlayback:
			if len(d.Streams) != 1 {
				invalid("playback replays exactly one stream, got %d", len(d.Streams))
			}
			if d.Playback.Loop != LoopRotation && d.Playback.Loop != LoopExhaust {
				invalid("invalid playback loop %q (must be 'rotation' or 'exhaust')", d.Playback.Loop)
			}
		}
	}
}

func validDeviceTypesList() string {
	types := make([]string, 0, len(ValidDeviceTypes))
	for t := range ValidDeviceTypes {
		types = append(types, string(t))
	}
	sort.Strings(types)
	return strings.Join(types, ", ")
}
