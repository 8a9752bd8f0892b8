package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorHandler(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.IncLivingTasks()
	c.IncLivingTasks()
	c.DecLivingTasks()
	c.AddInflightWorkers("execution", 3)
	c.IncCheckpointSave(true)
	c.IncCheckpointSave(false)
	c.IncObjects("transfer", "success")
	c.AddBytes(2048)
	c.ObserveSnapshot(time.Millisecond)
	c.IncTaskFinished("completed")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"osspipe_living_tasks 1",
		`osspipe_inflight_workers{category="execution"} 3`,
		`osspipe_checkpoint_saves_total{result="failed"} 1`,
		`osspipe_checkpoint_saves_total{result="success"} 1`,
		`osspipe_objects_total{kind="transfer",status="success"} 1`,
		"osspipe_bytes_total 2048",
		`osspipe_tasks_finished_total{reason="completed"} 1`,
		"osspipe_snapshot_duration_seconds_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestCollectorsAreIsolated(t *testing.T) {
	// two collectors on separate registries must not panic on registration
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
