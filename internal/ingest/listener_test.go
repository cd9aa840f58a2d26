package ingest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vigilstack/vigil-agent/internal/classifiers"
	"github.com/vigilstack/vigil-agent/internal/config"
	"github.com/vigilstack/vigil-agent/internal/models"
)

type memorySink struct {
	mu  sync.Mutex
	obs []models.Observation
}

func (m *memorySink) SaveObservation(_ context.Context, obs models.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, obs)
	return nil
}

func (m *memorySink) snapshot() []models.Observation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Observation(nil), m.obs...)
}

func testClassifiers() *classifiers.Set {
	cfg := config.ClassifierConfig{
		System: config.SystemThresholds{
			MemoryHigh:      0.85,
			MemoryCritical:  0.95,
			SwapRateHigh:    100,
			IOWaitHigh:      0.20,
			IOWaitCritical:  0.40,
			LoadPerCoreHigh: 1.5,
			DiskUtilHigh:    0.90,
			RetransRateHigh: 0.05,
			TCPBacklogHigh:  0.80,
		},
	}
	return classifiers.NewSet(cfg)
}

func TestListenerClassifiesAndStores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &memorySink{}
	l := NewListener("tcp", "127.0.0.1:0", testClassifiers(), sink, nil)

	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	// Wait for the listener to bind.
	var addr net.Addr
	for i := 0; i < 100; i++ {
		if addr = l.Addr(); addr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if addr == nil {
		t.Fatal("listener never bound")
	}

	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	frames := []string{
		`{"event_type":"system_metrics","timestamp_ns":1700000000000000000,"payload":{"mem_used_fraction":0.97}}`,
		`not json at all`,
		`{"event_type":"system_metrics","timestamp_ns":1700000001000000000,"payload":{"mem_used_fraction":0.10}}`,
	}
	for _, f := range frames {
		if _, err := fmt.Fprintln(conn, f); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly one observation, got %d", len(got))
	}
	if got[0].SignalType != models.SignalMemoryPressure {
		t.Fatalf("unexpected signal %s", got[0].SignalType)
	}
	if got[0].Severity != models.SeverityCritical {
		t.Fatalf("unexpected severity %s", got[0].Severity)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("listener did not shut down")
	}
}
