package config

// DeviceType selects the acquisition source backing a device.
type DeviceType string

const (
	DeviceSimulatedVideo   DeviceType = "simulated_video"
	DeviceSimulatedTracker DeviceType = "simulated_tracker"
	DevicePlayback         DeviceType = "playback"
)

// ValidDeviceTypes lists the supported device types
var ValidDeviceTypes = map[DeviceType]bool{
	DeviceSimulatedVideo:   true,
	DeviceSimulatedTracker: true,
	DevicePlayback:         true,
}

// LoopMode controls what playback does at the end of its sequence.
type LoopMode string

const (
	LoopRotation LoopMode = "rotation" // wrap to the first frame
	LoopExhaust  LoopMode = "exhaust"  // stop producing
)

const (
	DefaultVideoDevice   = "SavedDataVideo"
	DefaultTrackerDevice = "SavedDataTracker"

	DefaultBufferSize  = 150
	DefaultFrameRate   = 30
	DefaultVideoWidth  = 64
	DefaultVideoHeight = 48
)

// DefaultStreams returns the stream names a device type produces when none
// are configured.
func DefaultStreams(t DeviceType) []string {
	switch t {
	case DeviceSimulatedTracker:
		return []string{"Probe", "Reference", "Stylus"}
	case DevicePlayback:
		return []string{"Data"}
	default:
		return []string{"Video"}
	}
}

// DefaultDevices mirrors the saved-data setup: one video and one tracker
// device, both replaying recorded sequence files.
func DefaultDevices() []DeviceConfig {
	return []DeviceConfig{
		{
			ID:       DefaultVideoDevice,
			Type:     DevicePlayback,
			Streams:  []string{"Video"},
			Playback: PlaybackConfig{Loop: LoopRotation},
		},
		{
			ID:       DefaultTrackerDevice,
			Type:     DevicePlayback,
			Streams:  []string{"Tracker"},
			Playback: PlaybackConfig{Loop: LoopRotation},
		},
	}
}
