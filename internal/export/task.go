package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

var ErrInvalidName = errors.New("invalid export name")

// ValidateName checks that name is a bare file name, so a task can only
// write inside the manager's directory.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || filepath.Base(name) != name:
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// Task writes one stream of one device to a sequence file.
type Task struct {
	DeviceID   string
	Stream     string
	Name       string // file name without extension
	Compressed bool
}

func (t Task) OutputPath(baseDir string) string {
	return filepath.Join(baseDir, sequence.FileName(t.Name))
}

func (t Task) String() string {
	return fmt.Sprintf("%s/%s -> %s", t.DeviceID, t.Stream, sequence.FileName(t.Name))
}

type TaskResult struct {
	Task    Task
	Success bool
	Empty   bool
	Info    *sequence.Info
	Error   error
}

// TasksFor returns one task per stream of d. A single-stream device writes
// name itself, a multi-stream device writes name_<stream> per stream.
func TasksFor(d *device.Device, name string, compressed bool) []Task {
	streams := d.Streams()
	tasks := make([]Task, 0, len(streams))
	for _, s := range streams {
		n := name
		if len(streams) > 1 {
			n = name + "_" + s
		}
		tasks = append(tasks, Task{DeviceID: d.ID(), Stream: s, Name: n, Compressed: compressed})
	}
	return tasks
}

// StampedName names a periodic export: <device>_<stream>_<UTC stamp>.
func StampedName(deviceID, stream string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", deviceID, stream, at.UTC().Format("20060102T150405.000Z"))
}
