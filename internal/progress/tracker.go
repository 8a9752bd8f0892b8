package progress

import (
	"fmt"
	"sync"
	"time"
)

// Status is a point-in-time view of a task's object progress
type Status struct {
	TotalObjects     int64         `json:"total_objects" yaml:"total_objects"`
	ProcessedObjects int64         `json:"processed_objects" yaml:"processed_objects"`
	SuccessObjects   int64         `json:"success_objects" yaml:"success_objects"`
	FailedObjects    int64         `json:"failed_objects" yaml:"failed_objects"`
	SkippedObjects   int64         `json:"skipped_objects" yaml:"skipped_objects"`
	TotalBytes       int64         `json:"total_bytes" yaml:"total_bytes"`
	ProcessedBytes   int64         `json:"processed_bytes" yaml:"processed_bytes"`
	StartTime        time.Time     `json:"start_time" yaml:"start_time"`
	LastUpdateTime   time.Time     `json:"last_update_time" yaml:"last_update_time"`
	CurrentSpeed     float64       `json:"current_speed" yaml:"current_speed"` // bytes/second over the last window
	AverageSpeed     float64       `json:"average_speed" yaml:"average_speed"` // bytes/second since start
	ETA              time.Duration `json:"eta" yaml:"eta"`
}

// Tracker accumulates progress for one task. Safe for concurrent use by the
// task's workers.
type Tracker struct {
	mu           sync.RWMutex
	status       Status
	speedSamples []speedSample
	maxSamples   int
	window       time.Duration
}

type speedSample struct {
	timestamp time.Time
	bytes     int64
}

// NewTracker creates a tracker whose clock starts now
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		speedSamples: make([]speedSample, 0, 64),
		maxSamples:   64,
		window:       5 * time.Second,
	}
}

// SetTotal replaces the expected object and byte totals
func (t *Tracker) SetTotal(objects, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalObjects = objects
	t.status.TotalBytes = bytes
}

// AddTotal grows the expected totals, used while a listing is still running
func (t *Tracker) AddTotal(objects, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalObjects += objects
	t.status.TotalBytes += bytes
}

func (t *Tracker) AddSuccess(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SuccessObjects++
	t.status.ProcessedObjects++
	t.status.ProcessedBytes += bytes
	t.updateSpeed(bytes)
}

func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedObjects++
	t.status.ProcessedObjects++
	t.status.LastUpdateTime = time.Now()
}

func (t *Tracker) AddSkipped(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SkippedObjects++
	t.status.ProcessedObjects++
	t.status.ProcessedBytes += bytes
	t.updateSpeed(bytes)
}

// updateSpeed must be called with the lock held
func (t *Tracker) updateSpeed(bytes int64) {
	now := time.Now()

	t.speedSamples = append(t.speedSamples, speedSample{timestamp: now, bytes: bytes})
	if len(t.speedSamples) > t.maxSamples {
		t.speedSamples = t.speedSamples[len(t.speedSamples)-t.maxSamples:]
	}

	t.status.CurrentSpeed = t.windowSpeed(now)

	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.ProcessedBytes) / elapsed.Seconds()
	}

	t.status.ETA = t.eta()
	t.status.LastUpdateTime = now
}

func (t *Tracker) windowSpeed(now time.Time) float64 {
	if len(t.speedSamples) < 2 {
		return 0
	}

	cutoff := now.Add(-t.window)
	var (
		recent int64
		oldest time.Time
	)
	for i := len(t.speedSamples) - 1; i >= 0; i-- {
		s := t.speedSamples[i]
		if s.timestamp.Before(cutoff) {
			break
		}
		recent += s.bytes
		oldest = s.timestamp
	}

	if d := now.Sub(oldest); !oldest.IsZero() && d > 0 {
		return float64(recent) / d.Seconds()
	}
	return t.status.CurrentSpeed
}

func (t *Tracker) eta() time.Duration {
	if t.status.TotalBytes == 0 || t.status.AverageSpeed == 0 {
		return 0
	}

	remaining := t.status.TotalBytes - t.status.ProcessedBytes
	if remaining <= 0 {
		return 0
	}

	return time.Duration(float64(remaining)/t.status.AverageSpeed) * time.Second
}

// GetStatus returns a copy of the current status
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.status
}

// GetProgressPercent returns processed objects as a percentage of the total
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return percent(t.status.ProcessedObjects, t.status.TotalObjects)
}

// GetBytesProgressPercent returns processed bytes as a percentage of the total
func (t *Tracker) GetBytesProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return percent(t.status.ProcessedBytes, t.status.TotalBytes)
}

func percent(done, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	return formatUnits(bytesPerSecond, "/s")
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	return formatUnits(float64(bytes), "")
}

func formatUnits(v float64, suffix string) string {
	switch {
	case v < 1024:
		return fmt.Sprintf("%.1f B%s", v, suffix)
	case v < 1024*1024:
		return fmt.Sprintf("%.1f KB%s", v/1024, suffix)
	case v < 1024*1024*1024:
		return fmt.Sprintf("%.1f MB%s", v/(1024*1024), suffix)
	default:
		return fmt.Sprintf("%.1f GB%s", v/(1024*1024*1024), suffix)
	}
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
