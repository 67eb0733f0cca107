package database

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gompow/internal/database/influx"
	"github.com/bardlex/gompow/internal/database/redis"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

type mockGauges struct {
	mu       sync.Mutex
	err      error
	failures int // calls that fail with err before succeeding; -1 forever

	hashrates []float64
	statuses  []redis.Status
	ttls      []time.Duration
	counters  map[string]int64
	latest    *redis.HashrateGauge
	calls     int
	closed    bool
}

func newMockGauges() *mockGauges {
	return &mockGauges{counters: map[string]int64{}}
}

func (g *mockGauges) fail() error {
	g.calls++
	if g.err != nil && (g.failures < 0 || g.failures > 0) {
		if g.failures > 0 {
			g.failures--
		}
		return g.err
	}
	return nil
}

func (g *mockGauges) SetHashrate(_ context.Context, _ string, _ int, hashrate, _ float64, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return err
	}
	g.hashrates = append(g.hashrates, hashrate)
	g.ttls = append(g.ttls, ttl)
	return nil
}

func (g *mockGauges) SetStatus(_ context.Context, _ string, status redis.Status, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return err
	}
	g.statuses = append(g.statuses, status)
	g.ttls = append(g.ttls, ttl)
	return nil
}

func (g *mockGauges) IncrementCounter(_ context.Context, key string, _ time.Duration) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return 0, err
	}
	g.counters[key]++
	return g.counters[key], nil
}

func (g *mockGauges) GetHashrate(context.Context, string) (*redis.HashrateGauge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return nil, err
	}
	return g.latest, nil
}

func (g *mockGauges) Health(context.Context) error { return g.err }

func (g *mockGauges) Close() error {
	g.closed = true
	return nil
}

type mockMetrics struct {
	passes    []influx.PassMetric
	solutions []influx.SolutionMetric
	flushes   int
	health    error
	closed    bool

	history    []influx.HashratePoint
	historyErr error
	window     time.Duration
}

func (m *mockMetrics) WritePassMetric(p influx.PassMetric)         { m.passes = append(m.passes, p) }
func (m *mockMetrics) WriteSolutionMetric(s influx.SolutionMetric) { m.solutions = append(m.solutions, s) }
func (m *mockMetrics) Flush()                                      { m.flushes++ }
func (m *mockMetrics) Health(context.Context) error                { return m.health }
func (m *mockMetrics) GetHashrateHistory(_ context.Context, _ string, window time.Duration) ([]influx.HashratePoint, error) {
	m.window = window
	return m.history, m.historyErr
}
func (m *mockMetrics) Close()                                      { m.closed = true }

func testPass() PassRecord {
	return PassRecord{
		Device:   "emulator:0",
		Backend:  "emulator",
		Geometry: "256x16",
		Bits:     0x1a44b9f2,
		Pass:     2,
		Hashes:   1 << 32,
		Elapsed:  time.Minute,
		Hashrate: 7.1e7,
		Average:  7e7,
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManagerWith(nil, nil, 0, log.Discard())
	ctx := context.Background()

	if m.Enabled() {
		t.Error("Enabled() = true with no stores")
	}
	if err := m.RecordPass(ctx, testPass()); err != nil {
		t.Errorf("RecordPass() error = %v", err)
	}
	if err := m.RecordSolution(ctx, SolutionRecord{Device: "emulator:0"}); err != nil {
		t.Errorf("RecordSolution() error = %v", err)
	}
	if err := m.Health(ctx); err != nil {
		t.Errorf("Health() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestManager_RecordPass(t *testing.T) {
	gauges := newMockGauges()
	metrics := &mockMetrics{}
	m := NewManagerWith(gauges, metrics, time.Minute, log.Discard())

	if err := m.RecordPass(context.Background(), testPass()); err != nil {
		t.Fatalf("RecordPass() error = %v", err)
	}

	if len(metrics.passes) != 1 || metrics.passes[0].Hashes != 1<<32 || metrics.passes[0].Device != "emulator:0" {
		t.Errorf("pass metrics = %+v", metrics.passes)
	}
	if len(gauges.hashrates) != 1 || gauges.hashrates[0] != 7.1e7 {
		t.Errorf("hashrates = %v", gauges.hashrates)
	}
	if len(gauges.statuses) != 1 {
		t.Fatalf("got %d statuses, want 1", len(gauges.statuses))
	}
	status := gauges.statuses[0]
	if status.State != "searching" || status.Bits != "1a44b9f2" || status.Passes != 2 || status.Nonce != nil {
		t.Errorf("status = %+v", status)
	}
	for _, ttl := range gauges.ttls {
		if ttl != time.Minute {
			t.Errorf("ttl = %v, want 1m", ttl)
		}
	}
}

func TestManager_RecordSolution(t *testing.T) {
	gauges := newMockGauges()
	metrics := &mockMetrics{}
	m := NewManagerWith(gauges, metrics, time.Minute, log.Discard())

	rec := SolutionRecord{
		Device: "emulator:0",
		Hash:   "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		Nonce:  2083236893,
		Bits:   0x1d00ffff,
		Passes: 1,
	}
	for range 2 {
		if err := m.RecordSolution(context.Background(), rec); err != nil {
			t.Fatalf("RecordSolution() error = %v", err)
		}
	}

	if len(metrics.solutions) != 2 || metrics.flushes != 2 {
		t.Errorf("solutions = %d, flushes = %d; want 2, 2", len(metrics.solutions), metrics.flushes)
	}
	if got := gauges.counters[redis.SolutionsKey("emulator:0")]; got != 2 {
		t.Errorf("solution counter = %d, want 2", got)
	}
	status := gauges.statuses[len(gauges.statuses)-1]
	if status.State != "solved" || status.Nonce == nil || *status.Nonce != rec.Nonce || status.Hash != rec.Hash {
		t.Errorf("status = %+v", status)
	}
	if gauges.ttls[0] != 10*time.Minute {
		t.Errorf("solved status ttl = %v, want 10m", gauges.ttls[0])
	}
}

func TestManager_RetriesTransientErrors(t *testing.T) {
	gauges := newMockGauges()
	gauges.err = fmt.Errorf("dial tcp: connection refused")
	gauges.failures = 1
	m := NewManagerWith(gauges, nil, time.Minute, log.Discard())

	if err := m.RecordPass(context.Background(), testPass()); err != nil {
		t.Fatalf("RecordPass() error = %v", err)
	}
	if len(gauges.hashrates) != 1 {
		t.Errorf("hashrate written %d times, want 1", len(gauges.hashrates))
	}
}

func TestManager_BreakerOpens(t *testing.T) {
	gauges := newMockGauges()
	gauges.err = fmt.Errorf("WRONGTYPE Operation against a key holding the wrong kind of value")
	gauges.failures = -1
	m := NewManagerWith(gauges, nil, time.Minute, log.Discard())
	ctx := context.Background()

	for i := range 3 {
		err := m.RecordPass(ctx, testPass())
		if !errors.IsType(err, errors.ErrorTypeStorage) {
			t.Fatalf("RecordPass() #%d error = %v, want storage error", i, err)
		}
	}

	calls := gauges.calls
	err := m.RecordPass(ctx, testPass())
	if err == nil || errors.IsType(err, errors.ErrorTypeStorage) {
		t.Errorf("RecordPass() with open breaker = %v, want breaker error", err)
	}
	if gauges.calls != calls {
		t.Error("an open breaker must not reach Redis")
	}
}

func TestManager_HealthAndClose(t *testing.T) {
	gauges := newMockGauges()
	metrics := &mockMetrics{health: fmt.Errorf("influx down")}
	m := NewManagerWith(gauges, metrics, 0, log.Discard())

	if err := m.Health(context.Background()); err == nil {
		t.Error("Health() expected InfluxDB error")
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !gauges.closed || !metrics.closed {
		t.Error("Close() must close both stores")
	}
	if m.ttl != DefaultGaugeTTL {
		t.Errorf("ttl = %v, want default", m.ttl)
	}
}

func TestNewManager_Unreachable(t *testing.T) {
	_, err := NewManager(&Config{
		Redis: &redis.Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond},
	}, log.Discard())
	if !errors.IsType(err, errors.ErrorTypeStorage) {
		t.Errorf("NewManager() error = %v, want storage error", err)
	}
}

func TestManager_LogWriteErrors(t *testing.T) {
	var buf bytes.Buffer
	m := NewManagerWith(nil, &mockMetrics{}, 0, log.NewWithWriter(&buf, "test", "test", "warn", "text"))

	errs := make(chan error, 2)
	errs <- fmt.Errorf("write timeout")
	errs <- fmt.Errorf("bucket not found")
	close(errs)

	m.logWriteErrors(errs)

	out := buf.String()
	if strings.Count(out, "metric write failed") != 2 {
		t.Errorf("expected two write failures logged:\n%s", out)
	}
	if !strings.Contains(out, "bucket not found") {
		t.Errorf("log missing the cause:\n%s", out)
	}
}

func TestManager_History(t *testing.T) {
	at := time.Unix(1700000000, 0)
	points := []influx.HashratePoint{
		{Time: at, Hashrate: 6e7},
		{Time: at.Add(time.Minute), Hashrate: 8e7},
	}
	latest := &redis.HashrateGauge{Hashrate: 7.5e7, Average: 7e7, Pass: 12, UpdatedAt: at}
	storeErr := fmt.Errorf("connection refused")

	tests := []struct {
		name       string
		gauges     *mockGauges
		metrics    *mockMetrics
		wantErr    bool
		wantLatest bool
		wantPoints int
		wantMean   float64
	}{
		{
			name:       "both stores",
			gauges:     &mockGauges{latest: latest},
			metrics:    &mockMetrics{history: points},
			wantLatest: true,
			wantPoints: 2,
			wantMean:   7e7,
		},
		{
			name:       "redis down",
			gauges:     &mockGauges{latest: latest, err: storeErr, failures: -1},
			metrics:    &mockMetrics{history: points},
			wantPoints: 2,
			wantMean:   7e7,
		},
		{
			name:       "influx down",
			gauges:     &mockGauges{latest: latest},
			metrics:    &mockMetrics{historyErr: storeErr},
			wantLatest: true,
		},
		{
			name:    "every store down",
			gauges:  &mockGauges{err: storeErr, failures: -1},
			metrics: &mockMetrics{historyErr: storeErr},
			wantErr: true,
		},
		{
			name:   "expired gauge",
			gauges: &mockGauges{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gauges GaugeStore
			var metrics MetricSink
			if tt.gauges != nil {
				gauges = tt.gauges
			}
			if tt.metrics != nil {
				metrics = tt.metrics
			}
			m := NewManagerWith(gauges, metrics, 0, log.Discard())

			h, err := m.History(context.Background(), "emulator:0", time.Hour)
			if tt.wantErr {
				if !errors.IsType(err, errors.ErrorTypeStorage) {
					t.Fatalf("History() error = %v, want a storage error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("History() error = %v", err)
			}
			if (h.Latest != nil) != tt.wantLatest {
				t.Errorf("Latest = %+v, want present %v", h.Latest, tt.wantLatest)
			}
			if len(h.Points) != tt.wantPoints {
				t.Errorf("len(Points) = %d, want %d", len(h.Points), tt.wantPoints)
			}
			if h.Mean() != tt.wantMean {
				t.Errorf("Mean() = %v, want %v", h.Mean(), tt.wantMean)
			}
			if h.Empty() != (!tt.wantLatest && tt.wantPoints == 0) {
				t.Errorf("Empty() = %v", h.Empty())
			}
			if tt.metrics != nil && tt.metrics.window != time.Hour {
				t.Errorf("history window = %v, want 1h", tt.metrics.window)
			}
		})
	}
}

func TestManager_HistoryDisabled(t *testing.T) {
	h, err := NewManagerWith(nil, nil, 0, log.Discard()).History(context.Background(), "emulator:0", time.Hour)
	if err != nil || !h.Empty() {
		t.Errorf("History() = %+v, %v; want empty without error", h, err)
	}
}
