// Package export persists device buffers to sequence files with a pool of
// workers, on demand or periodically.
package export

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dgnsrekt/datacollector/internal/device"
	"github.com/dgnsrekt/datacollector/internal/sequence"
)

// Resolver finds the device a task refers to.
type Resolver interface {
	Device(id string) (*device.Device, error)
}

// Devices is a fixed Resolver, used for detached replicas that are not part
// of a collector.
type Devices map[string]*device.Device

func (d Devices) Device(id string) (*device.Device, error) {
	dev, ok := d[id]
	if !ok {
		return nil, fmt.Errorf("unknown device %q", id)
	}
	return dev, nil
}

// Recorder catalogues written files.
type Recorder interface {
	Record(ctx context.Context, info *sequence.Info) error
}

type Manager struct {
	resolver Resolver
	writer   *sequence.Writer
	dir      string
	workers  int
	recorder Recorder
	logger   *zap.Logger
}

type BatchResult struct {
	Total   int
	Success int
	Empty   int
	Failed  int
	Errors  []string
	Written []*sequence.Info

	failures []error
}

// Err combines every task failure, or returns nil.
func (r *BatchResult) Err() error {
	return multierr.Combine(r.failures...)
}

// Fail records a failure that happened outside the manager, such as a
// lifecycle step of the run that produced the batch.
func (r *BatchResult) Fail(label string, err error) {
	r.Total++
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", label, err))
	r.failures = append(r.failures, err)
}

// Merge adds the tallies of other to r.
func (r *BatchResult) Merge(other *BatchResult) {
	if other == nil {
		return
	}
	r.Total += other.Total
	r.Success += other.Success
	r.Empty += other.Empty
	r.Failed += other.Failed
	r.Errors = append(r.Errors, other.Errors...)
	r.Written = append(r.Written, other.Written...)
	r.failures = append(r.failures, other.failures...)
}

// NewManager creates a manager writing into dir. recorder may be nil.
func NewManager(resolver Resolver, writer *sequence.Writer, dir string, workers int, recorder Recorder, logger *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		resolver: resolver,
		writer:   writer,
		dir:      dir,
		workers:  workers,
		recorder: recorder,
		logger:   logger,
	}
}

// Dir returns the output directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) Execute(ctx context.Context, tasks []Task) (*BatchResult, error) {
	result := &BatchResult{Total: len(tasks)}

	if len(tasks) == 0 {
		return result, nil
	}

	jobs := make(chan Task, len(tasks))
	results := make(chan TaskResult, len(tasks))

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < m.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			m.worker(ctx, workerID, jobs, results)
		}(i)
	}

	// Send jobs
	go func() {
		defer close(jobs)
		for _, task := range tasks {
			select {
			case <-ctx.Done():
				return
			case jobs <- task:
			}
		}
	}()

	// Wait for workers and close results
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collect results
	done := 0
	for r := range results {
		done++
		switch {
		case r.Empty:
			result.Empty++
		case r.Success:
			result.Success++
			result.Written = append(result.Written, r.Info)
		default:
			result.Failed++
			if r.Error != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", r.Task, r.Error))
				result.failures = append(result.failures, r.Error)
			}
		}
	}

	if err := ctx.Err(); err != nil && done < len(tasks) {
		return result, fmt.Errorf("export interrupted after %d of %d tasks: %w", done, len(tasks), err)
	}
	return result, nil
}

func (m *Manager) worker(ctx context.Context, id int, jobs <-chan Task, results chan<- TaskResult) {
	for task := range jobs {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result := m.processTask(ctx, task)

		select {
		case <-ctx.Done():
			return
		case results <- result:
		}
	}
}

func (m *Manager) processTask(ctx context.Context, task Task) TaskResult {
	result := TaskResult{Task: task}

	if err := ValidateName(task.Name); err != nil {
		result.Error = err
		return result
	}

	dev, err := m.resolver.Device(task.DeviceID)
	if err != nil {
		result.Error = err
		return result
	}
	buf, err := dev.Buffer(task.Stream)
	if err != nil {
		result.Error = err
		return result
	}

	snap := buf.Snapshot()
	if snap.Len() == 0 {
		m.logger.Debug("skipping empty buffer", zap.String("task", task.String()))
		result.Empty = true
		return result
	}

	info, err := m.writer.Write(ctx, snap, task.OutputPath(m.dir), task.Compressed,
		sequence.WithDevice(task.DeviceID), sequence.WithStream(task.Stream))
	if err != nil {
		result.Error = err
		return result
	}

	if m.recorder != nil {
		if err := m.recorder.Record(ctx, info); err != nil {
			// the file is on disk; a catalog miss is not a failed export
			m.logger.Warn("catalog record failed", zap.String("task", task.String()), zap.Error(err))
		}
	}

	result.Success = true
	result.Info = info
	return result
}
