// Package database bundles the optional telemetry stores of a search.
// InfluxDB keeps the pass history and Redis keeps the live gauges; either may
// be absent.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/gompow/internal/database/influx"
	"github.com/bardlex/gompow/internal/database/redis"
	"github.com/bardlex/gompow/pkg/circuit"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
	"github.com/bardlex/gompow/pkg/retry"
)

// DefaultGaugeTTL is how long a device's Redis gauges outlive its last pass.
const DefaultGaugeTTL = 2 * time.Minute

// GaugeStore is the live gauge store, implemented by *redis.Client.
type GaugeStore interface {
	SetHashrate(ctx context.Context, device string, pass int, hashrate, average float64, ttl time.Duration) error
	SetStatus(ctx context.Context, device string, status redis.Status, ttl time.Duration) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
	GetHashrate(ctx context.Context, device string) (*redis.HashrateGauge, error)
	Health(ctx context.Context) error
	Close() error
}

// MetricSink is the time-series store, implemented by *influx.Client.
type MetricSink interface {
	WritePassMetric(m influx.PassMetric)
	WriteSolutionMetric(m influx.SolutionMetric)
	Flush()
	GetHashrateHistory(ctx context.Context, device string, duration time.Duration) ([]influx.HashratePoint, error)
	Health(ctx context.Context) error
	Close()
}

var (
	_ GaugeStore = (*redis.Client)(nil)
	_ MetricSink = (*influx.Client)(nil)
)

// Manager coordinates telemetry writes across the configured stores
type Manager struct {
	Gauges  GaugeStore
	Metrics MetricSink

	ttl    time.Duration
	logger *log.Logger

	// Error handling
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for the telemetry stores. A nil store config
// leaves that store disabled.
type Config struct {
	Redis    *redis.Config
	Influx   *influx.Config
	GaugeTTL time.Duration
}

// NewManager connects every configured store
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	var gauges GaugeStore
	var metrics MetricSink
	var writeErrors <-chan error

	if cfg.Redis != nil {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis").
				WithContext("addr", cfg.Redis.Addr)
		}
		gauges = client
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(cfg.Influx)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB").
				WithContext("url", cfg.Influx.URL)
			if gauges != nil {
				if closeErr := gauges.Close(); closeErr != nil {
					return nil, origErr.WithContext("cleanup_error", closeErr.Error())
				}
			}
			return nil, origErr
		}
		metrics = client
		writeErrors = client.Errors()
	}

	m := NewManagerWith(gauges, metrics, cfg.GaugeTTL, logger)
	if writeErrors != nil {
		go m.logWriteErrors(writeErrors)
	}
	return m, nil
}

// logWriteErrors reports asynchronous metric write failures until the sink
// closes the channel.
func (m *Manager) logWriteErrors(errs <-chan error) {
	for err := range errs {
		m.logger.WithError(err).Warn("metric write failed")
	}
}

// NewManagerWith builds a manager over already connected stores. Either store
// may be nil.
func NewManagerWith(gauges GaugeStore, metrics MetricSink, ttl time.Duration, logger *log.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultGaugeTTL
	}

	m := &Manager{
		Gauges:      gauges,
		Metrics:     metrics,
		ttl:         ttl,
		logger:      logger.WithComponent("telemetry"),
		retryConfig: retry.TelemetryConfig(),
	}
	m.circuitBreaker = circuit.New(&circuit.Config{
		Name:            "redis",
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			m.logger.Warn("circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return m
}

// Enabled reports whether any store is configured.
func (m *Manager) Enabled() bool {
	return m.Gauges != nil || m.Metrics != nil
}

// Close flushes pending metrics and closes every store
func (m *Manager) Close() error {
	if m.Metrics != nil {
		m.Metrics.Close()
	}

	if m.Gauges != nil {
		if err := m.Gauges.Close(); err != nil {
			return fmt.Errorf("redis close error: %w", err)
		}
	}

	return nil
}

// Health checks every configured store
func (m *Manager) Health(ctx context.Context) error {
	if m.Gauges != nil {
		if err := m.Gauges.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Metrics != nil {
		if err := m.Metrics.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// PassRecord is one completed pass as the stores see it.
type PassRecord struct {
	Device     string
	Backend    string
	Geometry   string
	PrevBlock  string
	Bits       uint32
	Pass       int
	Hashes     uint64
	Elapsed    time.Duration
	Hashrate   float64
	Average    float64
	Difficulty float64
}

// SolutionRecord is one verified solution as the stores see it.
type SolutionRecord struct {
	Device    string
	Backend   string
	Geometry  string
	PrevBlock string
	Bits      uint32
	Hash      string
	Nonce     uint32
	Passes    int
	Elapsed   time.Duration
	Average   float64
}

// RecordPass writes a pass to InfluxDB and refreshes the device's Redis gauges
func (m *Manager) RecordPass(ctx context.Context, rec PassRecord) error {
	if m.Metrics != nil {
		// Metrics are asynchronous; write errors surface on the client's error channel
		m.Metrics.WritePassMetric(influx.PassMetric{
			Device:     rec.Device,
			Backend:    rec.Backend,
			Geometry:   rec.Geometry,
			Pass:       rec.Pass,
			Hashes:     rec.Hashes,
			Elapsed:    rec.Elapsed,
			Hashrate:   rec.Hashrate,
			Average:    rec.Average,
			Difficulty: rec.Difficulty,
		})
	}

	if m.Gauges == nil {
		return nil
	}

	status := redis.Status{
		State:     "searching",
		Geometry:  rec.Geometry,
		PrevBlock: rec.PrevBlock,
		Bits:      fmt.Sprintf("%08x", rec.Bits),
		Passes:    rec.Pass,
		UpdatedAt: time.Now(),
	}

	return m.guarded(ctx, "record_pass", rec.Device, func() error {
		if err := m.Gauges.SetHashrate(ctx, rec.Device, rec.Pass, rec.Hashrate, rec.Average, m.ttl); err != nil {
			return err
		}
		return m.Gauges.SetStatus(ctx, rec.Device, status, m.ttl)
	})
}

// RecordSolution writes a solution to both stores and flushes InfluxDB
func (m *Manager) RecordSolution(ctx context.Context, rec SolutionRecord) error {
	if m.Metrics != nil {
		m.Metrics.WriteSolutionMetric(influx.SolutionMetric{
			Device:   rec.Device,
			Backend:  rec.Backend,
			Geometry: rec.Geometry,
			Hash:     rec.Hash,
			Nonce:    rec.Nonce,
			Bits:     rec.Bits,
			Passes:   rec.Passes,
			Elapsed:  rec.Elapsed,
			Average:  rec.Average,
		})
		m.Metrics.Flush()
	}

	if m.Gauges == nil {
		return nil
	}

	nonce := rec.Nonce
	status := redis.Status{
		State:     "solved",
		Geometry:  rec.Geometry,
		PrevBlock: rec.PrevBlock,
		Bits:      fmt.Sprintf("%08x", rec.Bits),
		Passes:    rec.Passes,
		Nonce:     &nonce,
		Hash:      rec.Hash,
		UpdatedAt: time.Now(),
	}

	return m.guarded(ctx, "record_solution", rec.Device, func() error {
		// The solved status outlives the gauges so it can still be read after exit
		if err := m.Gauges.SetStatus(ctx, rec.Device, status, 10*m.ttl); err != nil {
			return err
		}
		count, err := m.Gauges.IncrementCounter(ctx, redis.SolutionsKey(rec.Device), 0)
		if err != nil {
			return err
		}
		m.logger.Debug("solution counted", "device", rec.Device, "solutions", count)
		return nil
	})
}

// History is what the stores hold about a device's earlier passes.
type History struct {
	// Latest is the last Redis gauge, nil when it has expired or was never set
	Latest *redis.HashrateGauge
	// Points are per-minute mean hashrates from InfluxDB
	Points []influx.HashratePoint
}

// Mean averages the history points.
func (h *History) Mean() float64 {
	if len(h.Points) == 0 {
		return 0
	}
	var total float64
	for _, p := range h.Points {
		total += p.Hashrate
	}
	return total / float64(len(h.Points))
}

// Empty reports whether neither store knows the device.
func (h *History) Empty() bool {
	return h.Latest == nil && len(h.Points) == 0
}

// History reads the device's last gauge and its hashrate history over window.
// A failing store is logged and left out; the error is returned only when
// every configured store failed.
func (m *Manager) History(ctx context.Context, device string, window time.Duration) (*History, error) {
	h := &History{}
	var failed, configured int

	if m.Gauges != nil {
		configured++
		err := m.circuitBreaker.Execute(ctx, func() error {
			gauge, err := m.Gauges.GetHashrate(ctx, device)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, "read_gauge",
					"failed to read Redis gauge").
					WithContext("device", device)
			}
			h.Latest = gauge
			return nil
		})
		if err != nil {
			failed++
			m.logger.WithError(err).Warn("history unavailable from Redis", "device", device)
		}
	}

	if m.Metrics != nil {
		configured++
		points, err := m.Metrics.GetHashrateHistory(ctx, device, window)
		if err != nil {
			failed++
			m.logger.WithError(err).Warn("history unavailable from InfluxDB", "device", device)
		}
		h.Points = points
	}

	if configured > 0 && failed == configured {
		return nil, errors.New(errors.ErrorTypeStorage, "read_history",
			"no telemetry store answered").
			WithContext("device", device)
	}
	return h, nil
}

// guarded runs a Redis write behind the breaker with the telemetry retry budget
func (m *Manager) guarded(ctx context.Context, op, device string, fn func() error) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := fn(); err != nil {
				return errors.Wrap(err, errors.ErrorTypeStorage, op,
					"failed to update Redis gauges").
					WithContext("device", device)
			}
			return nil
		})
	})
}
