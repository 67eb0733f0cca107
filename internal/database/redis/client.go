// Package redis provides the Redis client for live search gauges.
// It publishes the current hashrate and status of each device under keys
// that expire when the search stops reporting.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for search telemetry
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ConfigFromURL parses a redis:// URL into a Config.
func ConfigFromURL(url string) (*Config, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	return &Config{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     4,
		MinIdleConns: 1,
		MaxRetries:   2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}, nil
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers

// HashrateKey is the hash holding a device's latest hashrate.
func HashrateKey(device string) string {
	return fmt.Sprintf("hashrate:%s", device)
}

// StatusKey holds a device's search status.
func StatusKey(device string) string {
	return fmt.Sprintf("status:%s", device)
}

// SamplesKey is the sorted set of a device's recent hashrate samples.
func SamplesKey(device string) string {
	return fmt.Sprintf("hashrate_samples:%s", device)
}

// SolutionsKey counts a device's solutions.
func SolutionsKey(device string) string {
	return fmt.Sprintf("solutions:%s", device)
}

// Hashrate gauges

// HashrateGauge is the latest hashrate published for a device.
type HashrateGauge struct {
	Hashrate  float64
	Average   float64
	Pass      int64
	UpdatedAt time.Time
}

// SetHashrate stores the latest hashrate for a device and adds it to the
// device's sample window.
func (c *Client) SetHashrate(ctx context.Context, device string, pass int, hashrate, average float64, ttl time.Duration) error {
	key := HashrateKey(device)
	samples := SamplesKey(device)
	now := time.Now()

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"hashrate":   hashrate,
		"average":    average,
		"pass":       pass,
		"updated_at": now.Unix(),
	})
	pipe.Expire(ctx, key, ttl)

	// Store as sorted set with timestamp as score
	pipe.ZAdd(ctx, samples, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatFloat(hashrate, 'f', -1, 64) + ":" + strconv.Itoa(pass),
	})
	pipe.ZRemRangeByScore(ctx, samples, "0", strconv.FormatInt(now.Add(-ttl).UnixNano(), 10))
	pipe.Expire(ctx, samples, ttl*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set hashrate: %w", err)
	}

	return nil
}

// GetHashrate retrieves the latest hashrate for a device. It returns nil
// without an error once the gauge has expired.
func (c *Client) GetHashrate(ctx context.Context, device string) (*HashrateGauge, error) {
	values, err := c.rdb.HGetAll(ctx, HashrateKey(device)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hashrate: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return parseGauge(values)
}

func parseGauge(values map[string]string) (*HashrateGauge, error) {
	var g HashrateGauge
	var err error

	if g.Hashrate, err = strconv.ParseFloat(values["hashrate"], 64); err != nil {
		return nil, fmt.Errorf("invalid hashrate field: %w", err)
	}
	if g.Average, err = strconv.ParseFloat(values["average"], 64); err != nil {
		return nil, fmt.Errorf("invalid average field: %w", err)
	}
	if g.Pass, err = strconv.ParseInt(values["pass"], 10, 64); err != nil {
		return nil, fmt.Errorf("invalid pass field: %w", err)
	}
	updated, err := strconv.ParseInt(values["updated_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at field: %w", err)
	}
	g.UpdatedAt = time.Unix(updated, 0)

	return &g, nil
}

// GetAverageHashrate averages the samples recorded within window
func (c *Client) GetAverageHashrate(ctx context.Context, device string, window time.Duration) (float64, error) {
	minScore := time.Now().Add(-window).UnixNano()

	values, err := c.rdb.ZRangeByScore(ctx, SamplesKey(device), &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate values: %w", err)
	}

	return averageSamples(values), nil
}

// averageSamples averages "rate:pass" members, skipping malformed ones.
func averageSamples(values []string) float64 {
	var total float64
	var n int
	for _, val := range values {
		rate, _, _ := strings.Cut(val, ":")
		if hashrate, err := strconv.ParseFloat(rate, 64); err == nil {
			total += hashrate
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Status

// Status is the JSON document stored under StatusKey.
type Status struct {
	State     string    `json:"state"`
	Geometry  string    `json:"geometry"`
	PrevBlock string    `json:"prev_block"`
	Bits      string    `json:"bits"`
	Passes    int       `json:"passes"`
	Nonce     *uint32   `json:"nonce,omitempty"`
	Hash      string    `json:"hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetStatus stores a device's status with expiration
func (c *Client) SetStatus(ctx context.Context, device string, status Status, ttl time.Duration) error {
	jsonData, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	if err := c.rdb.Set(ctx, StatusKey(device), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}

	return nil
}

// GetStatus retrieves a device's status
func (c *Client) GetStatus(ctx context.Context, device string) (*Status, error) {
	jsonData, err := c.rdb.Get(ctx, StatusKey(device)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("status not found")
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var status Status
	if err := json.Unmarshal([]byte(jsonData), &status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}

	return &status, nil
}

// Counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	if expiration > 0 {
		pipe.Expire(ctx, key, expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}
