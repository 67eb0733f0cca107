// Package influx provides the InfluxDB client for search telemetry.
// It records one point per search pass and one per solution; nothing is read
// back by the search itself.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementPass     = "search_pass"
	MeasurementSolution = "search_solution"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close closes the InfluxDB connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Errors returns the channel of asynchronous write errors.
func (c *Client) Errors() <-chan error {
	return c.writeAPI.Errors()
}

// PassMetric is one completed pass.
type PassMetric struct {
	Device     string
	Backend    string
	Geometry   string
	Pass       int
	Hashes     uint64
	Elapsed    time.Duration
	Hashrate   float64
	Average    float64
	Difficulty float64
	Found      bool
}

// SolutionMetric is one verified solution.
type SolutionMetric struct {
	Device   string
	Backend  string
	Geometry string
	Hash     string
	Nonce    uint32
	Bits     uint32
	Passes   int
	Elapsed  time.Duration
	Average  float64
}

// WritePassMetric writes a search pass measurement
func (c *Client) WritePassMetric(m PassMetric) {
	c.writeAPI.WritePoint(passPoint(m, time.Now()))
}

// WriteSolutionMetric writes a solution measurement
func (c *Client) WriteSolutionMetric(m SolutionMetric) {
	c.writeAPI.WritePoint(solutionPoint(m, time.Now()))
}

func passPoint(m PassMetric, ts time.Time) *write.Point {
	tags := map[string]string{
		"device":   m.Device,
		"backend":  m.Backend,
		"geometry": m.Geometry,
	}

	fields := map[string]interface{}{
		"pass":             m.Pass,
		"hashes":           m.Hashes,
		"elapsed_seconds":  m.Elapsed.Seconds(),
		"hashrate":         m.Hashrate,
		"average_hashrate": m.Average,
		"difficulty":       m.Difficulty,
		"found":            m.Found,
	}

	return write.NewPoint(MeasurementPass, tags, fields, ts)
}

func solutionPoint(m SolutionMetric, ts time.Time) *write.Point {
	tags := map[string]string{
		"device":   m.Device,
		"backend":  m.Backend,
		"geometry": m.Geometry,
		"bits":     fmt.Sprintf("%08x", m.Bits),
	}

	fields := map[string]interface{}{
		"hash":             m.Hash,
		"nonce":            int64(m.Nonce),
		"passes":           m.Passes,
		"elapsed_seconds":  m.Elapsed.Seconds(),
		"average_hashrate": m.Average,
		"count":            1,
	}

	return write.NewPoint(MeasurementSolution, tags, fields, ts)
}

// Query methods

// historyPoints caps how many windows a history query returns.
const historyPoints = 60

// historyQuery builds the Flux query for a device's mean pass hashrate over
// window, split into at most historyPoints windows of at least 10s.
func historyQuery(bucket, device string, window time.Duration) string {
	every := max((window / historyPoints).Truncate(time.Second), 10*time.Second)
	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => r._measurement == %q and r.device == %q and r._field == "hashrate")
  |> aggregateWindow(every: %ds, fn: mean, createEmpty: false)`,
		bucket, int64(window/time.Second), MeasurementPass, device, int64(every/time.Second))
}

// GetHashrateHistory returns the device's mean pass hashrate per window,
// oldest first.
func (c *Client) GetHashrateHistory(ctx context.Context, device string, window time.Duration) ([]HashratePoint, error) {
	result, err := c.queryAPI.Query(ctx, historyQuery(c.bucket, device, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query hashrate history: %w", err)
	}
	defer func() {
		_ = result.Close()
	}()

	var points []HashratePoint
	for result.Next() {
		rec := result.Record()
		rate, ok := rec.Value().(float64)
		if !ok {
			continue
		}
		points = append(points, HashratePoint{Time: rec.Time(), Hashrate: rate})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hashrate history: %w", err)
	}
	return points, nil
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// HashratePoint represents a hashrate measurement at a point in time
type HashratePoint struct {
	Time     time.Time `json:"time"`
	Hashrate float64   `json:"hashrate"`
}
