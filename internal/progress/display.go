package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Entry is one task line of the display
type Entry struct {
	TaskID string
	State  string
	Status Status
}

// Display periodically renders the progress of every live task
type Display struct {
	out      io.Writer
	source   func() []Entry
	interval time.Duration

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewDisplay creates a display that polls source every interval
func NewDisplay(out io.Writer, interval time.Duration, source func() []Entry) *Display {
	return &Display{
		out:      out,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop renders a final frame and waits for the loop to exit
func (d *Display) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.done
}

func (d *Display) displayLoop() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render()
		case <-d.stopCh:
			d.render()
			return
		}
	}
}

func (d *Display) render() {
	entries := d.source()
	if len(entries) == 0 {
		return
	}
	fmt.Fprintln(d.out, strings.Join(Render(entries, time.Now()), "\n"))
}

// Render formats one frame. Tasks without a listed total show counts only.
func Render(entries []Entry, now time.Time) []string {
	lines := []string{"", fmt.Sprintf("Progress at %s", now.Format("15:04:05")), strings.Repeat("=", 51)}

	for _, e := range entries {
		s := e.Status
		lines = append(lines, fmt.Sprintf("%s [%s]", e.TaskID, e.State))

		if s.TotalObjects > 0 {
			p := percent(s.ProcessedObjects, s.TotalObjects)
			lines = append(lines, fmt.Sprintf("  objects %d/%d %s", s.ProcessedObjects, s.TotalObjects, progressBar(p, 30)))
		} else {
			lines = append(lines, fmt.Sprintf("  objects %d", s.ProcessedObjects))
		}
		if s.TotalBytes > 0 {
			p := percent(s.ProcessedBytes, s.TotalBytes)
			lines = append(lines, fmt.Sprintf("  bytes   %s/%s %s", FormatBytes(s.ProcessedBytes), FormatBytes(s.TotalBytes), progressBar(p, 30)))
		}

		lines = append(lines, fmt.Sprintf("  success %d  failed %d  skipped %d", s.SuccessObjects, s.FailedObjects, s.SkippedObjects))
		lines = append(lines, fmt.Sprintf("  speed %s (avg %s)  elapsed %s  eta %s",
			FormatSpeed(s.CurrentSpeed),
			FormatSpeed(s.AverageSpeed),
			FormatDuration(now.Sub(s.StartTime)),
			FormatDuration(s.ETA),
		))
	}

	return lines
}

func progressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)

	return fmt.Sprintf("[%s] %.1f%%", bar, percent)
}

// IsTerminalSupported reports whether stdout is a terminal
func IsTerminalSupported() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
