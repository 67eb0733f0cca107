// Package config provides configuration management for powsearch.
// Values come from command-line flags, then environment variables, then
// built-in defaults.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bardlex/gompow/internal/bitcoin"
)

// Header sources.
const (
	SourceStatic = "static"
	SourceTip    = "tip"
)

// Defaults. The default header is block 125552 with its nonce left to be
// found.
const (
	DefaultPrevHash   = "00000000000008a3a41b85b8b29ad444def299fee21793cd8b9e567eab02cd81"
	DefaultMerkleRoot = "2b12fcf1b09288fcaff797d71e950e71ae42b91e8bdb2304758dfcffc2b620e3"
	DefaultBits       = "1a44b9f2"
	DefaultRedisTTL   = 2 * time.Minute
	maxDim            = 1 << 16
	nonceSpace        = 1 << 32
)

// Config holds the powsearch configuration
type Config struct {
	// Service identification
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// Compute device
	DeviceBackend string `mapstructure:"device_backend"`
	DeviceIndex   int    `mapstructure:"device_index"`
	DeviceWorkers int    `mapstructure:"device_workers"`
	BlockDim      uint32 `mapstructure:"block_dim"`
	GridDim       uint32 `mapstructure:"grid_dim"`

	// Header template
	HeaderSource     string `mapstructure:"header_source"`
	HeaderVersion    int32  `mapstructure:"header_version"`
	HeaderPrevHash   string `mapstructure:"header_prev_hash"`
	HeaderMerkleRoot string `mapstructure:"header_merkle_root"`
	HeaderBits       string `mapstructure:"header_bits"`
	HeaderTime       uint32 `mapstructure:"header_time"`

	// Search
	NonceStart      uint32 `mapstructure:"nonce_start"`
	NonceCount      uint64 `mapstructure:"nonce_count"`
	MaxPasses       int    `mapstructure:"max_passes"`
	Calibrate       bool   `mapstructure:"calibrate"`
	CalibrateNonces uint64 `mapstructure:"calibrate_nonces"`
	MinThreads      uint64 `mapstructure:"min_threads"`

	// Bitcoin Core connection
	BitcoinRPCHost     string `mapstructure:"bitcoin_rpc_host"`
	BitcoinRPCPort     int    `mapstructure:"bitcoin_rpc_port"`
	BitcoinRPCUser     string `mapstructure:"bitcoin_rpc_user"`
	BitcoinRPCPassword string `mapstructure:"bitcoin_rpc_password"`
	BitcoinZMQAddr     string `mapstructure:"bitcoin_zmq_addr"`

	// Telemetry, each sink disabled while its address is empty
	InfluxURL    string        `mapstructure:"influx_url"`
	InfluxToken  string        `mapstructure:"influx_token"`
	InfluxOrg    string        `mapstructure:"influx_org"`
	InfluxBucket string        `mapstructure:"influx_bucket"`
	RedisURL     string        `mapstructure:"redis_url"`
	RedisTTL     time.Duration `mapstructure:"redis_ttl"`
	KafkaBrokers []string      `mapstructure:"kafka_brokers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "powsearch")
	v.SetDefault("version", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("device_backend", "emulator")
	v.SetDefault("device_index", 0)
	v.SetDefault("device_workers", 0)
	v.SetDefault("block_dim", 256)
	v.SetDefault("grid_dim", 16)

	v.SetDefault("header_source", SourceStatic)
	v.SetDefault("header_version", 1)
	v.SetDefault("header_prev_hash", DefaultPrevHash)
	v.SetDefault("header_merkle_root", DefaultMerkleRoot)
	v.SetDefault("header_bits", DefaultBits)
	v.SetDefault("header_time", 0)

	v.SetDefault("nonce_start", 0)
	v.SetDefault("nonce_count", uint64(nonceSpace))
	v.SetDefault("max_passes", 0)
	v.SetDefault("calibrate", false)
	v.SetDefault("calibrate_nonces", 1<<24)
	v.SetDefault("min_threads", 4096)

	v.SetDefault("bitcoin_rpc_host", "localhost")
	v.SetDefault("bitcoin_rpc_port", 8332)
	v.SetDefault("bitcoin_rpc_user", "")
	v.SetDefault("bitcoin_rpc_password", "")
	v.SetDefault("bitcoin_zmq_addr", "")

	v.SetDefault("influx_url", "")
	v.SetDefault("influx_token", "")
	v.SetDefault("influx_org", "gompow")
	v.SetDefault("influx_bucket", "search")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_ttl", DefaultRedisTTL)
	v.SetDefault("kafka_brokers", []string{})
}

// flag binds a command-line flag to a config key
type flag struct {
	name  string
	key   string
	usage string
}

var flags = []flag{
	{"log-level", "log_level", "log level (debug, info, warn, error)"},
	{"log-format", "log_format", "log format (text, json)"},
	{"backend", "device_backend", "compute backend (emulator, cuda)"},
	{"device", "device_index", "device index"},
	{"workers", "device_workers", "emulator worker goroutines, 0 for one per CPU"},
	{"block-dim", "block_dim", "threads per block"},
	{"grid-dim", "grid_dim", "blocks per grid"},
	{"source", "header_source", "header source (static, tip)"},
	{"version-field", "header_version", "header version field"},
	{"prev-hash", "header_prev_hash", "previous block hash, display order"},
	{"merkle-root", "header_merkle_root", "merkle root, display order"},
	{"bits", "header_bits", "compact target in hex"},
	{"time", "header_time", "header timestamp, 0 for now"},
	{"nonce-start", "nonce_start", "first nonce of each pass"},
	{"nonce-count", "nonce_count", "nonces per pass"},
	{"max-passes", "max_passes", "stop after this many passes, 0 for no limit"},
	{"calibrate", "calibrate", "measure launch geometries before searching"},
	{"calibrate-nonces", "calibrate_nonces", "nonces per calibration launch"},
	{"min-threads", "min_threads", "smallest thread count calibration tries"},
	{"rpc-host", "bitcoin_rpc_host", "bitcoind RPC host"},
	{"rpc-port", "bitcoin_rpc_port", "bitcoind RPC port"},
	{"rpc-user", "bitcoin_rpc_user", "bitcoind RPC user"},
	{"rpc-password", "bitcoin_rpc_password", "bitcoind RPC password"},
	{"zmq", "bitcoin_zmq_addr", "bitcoind ZMQ hashblock endpoint"},
	{"influx-url", "influx_url", "InfluxDB URL, empty to disable"},
	{"redis-url", "redis_url", "Redis URL, empty to disable"},
	{"kafka-brokers", "kafka_brokers", "Kafka brokers, empty to disable"},
}

// NewFlagSet returns the command-line flags Load understands
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.String("log-level", "info", usage("log_level"))
	fs.String("log-format", "text", usage("log_format"))
	fs.String("backend", "emulator", usage("device_backend"))
	fs.Int("device", 0, usage("device_index"))
	fs.Int("workers", 0, usage("device_workers"))
	fs.Uint32("block-dim", 256, usage("block_dim"))
	fs.Uint32("grid-dim", 16, usage("grid_dim"))
	fs.String("source", SourceStatic, usage("header_source"))
	fs.Int32("version-field", 1, usage("header_version"))
	fs.String("prev-hash", DefaultPrevHash, usage("header_prev_hash"))
	fs.String("merkle-root", DefaultMerkleRoot, usage("header_merkle_root"))
	fs.String("bits", DefaultBits, usage("header_bits"))
	fs.Uint32("time", 0, usage("header_time"))
	fs.Uint32("nonce-start", 0, usage("nonce_start"))
	fs.Uint64("nonce-count", nonceSpace, usage("nonce_count"))
	fs.Int("max-passes", 0, usage("max_passes"))
	fs.Bool("calibrate", false, usage("calibrate"))
	fs.Uint64("calibrate-nonces", 1<<24, usage("calibrate_nonces"))
	fs.Uint64("min-threads", 4096, usage("min_threads"))
	fs.String("rpc-host", "localhost", usage("bitcoin_rpc_host"))
	fs.Int("rpc-port", 8332, usage("bitcoin_rpc_port"))
	fs.String("rpc-user", "", usage("bitcoin_rpc_user"))
	fs.String("rpc-password", "", usage("bitcoin_rpc_password"))
	fs.String("zmq", "", usage("bitcoin_zmq_addr"))
	fs.String("influx-url", "", usage("influx_url"))
	fs.String("redis-url", "", usage("redis_url"))
	fs.StringSlice("kafka-brokers", nil, usage("kafka_brokers"))

	return fs
}

func usage(key string) string {
	for _, f := range flags {
		if f.key == key {
			return f.usage
		}
	}
	return ""
}

// Load parses args and merges them with the environment and defaults.
// Environment variables use the upper-cased key, for example LOG_LEVEL or
// DEVICE_BACKEND.
func Load(args []string) (*Config, error) {
	fs := NewFlagSet("powsearch")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for _, f := range flags {
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", f.name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// splitList flattens comma-separated entries and drops empty ones
func splitList(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, s := range strings.Split(entry, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// BitcoinEnabled reports whether a node connection is needed
func (c *Config) BitcoinEnabled() bool {
	return c.HeaderSource == SourceTip
}

// TelemetryEnabled reports whether any telemetry sink is configured
func (c *Config) TelemetryEnabled() bool {
	return c.InfluxURL != "" || c.RedisURL != "" || len(c.KafkaBrokers) > 0
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", c.LogFormat)
	}

	switch strings.ToLower(c.DeviceBackend) {
	case "emulator", "cuda":
	default:
		return fmt.Errorf("DEVICE_BACKEND must be emulator or cuda, got %q", c.DeviceBackend)
	}
	if c.DeviceIndex < 0 {
		return fmt.Errorf("DEVICE_INDEX cannot be negative")
	}
	if c.DeviceWorkers < 0 {
		return fmt.Errorf("DEVICE_WORKERS cannot be negative")
	}
	if c.BlockDim == 0 || c.BlockDim > maxDim || c.GridDim == 0 || c.GridDim > maxDim {
		return fmt.Errorf("BLOCK_DIM and GRID_DIM must be between 1 and %d", maxDim)
	}

	if err := c.validateHeader(); err != nil {
		return err
	}

	if c.NonceCount == 0 || c.NonceCount > nonceSpace {
		return fmt.Errorf("NONCE_COUNT must be between 1 and %d", uint64(nonceSpace))
	}
	if uint64(c.NonceStart)+c.NonceCount > nonceSpace {
		return fmt.Errorf("NONCE_START + NONCE_COUNT must not exceed %d", uint64(nonceSpace))
	}
	if c.MaxPasses < 0 {
		return fmt.Errorf("MAX_PASSES cannot be negative")
	}
	if c.CalibrateNonces == 0 || c.CalibrateNonces > nonceSpace {
		return fmt.Errorf("CALIBRATE_NONCES must be between 1 and %d", uint64(nonceSpace))
	}
	if c.MinThreads == 0 {
		return fmt.Errorf("MIN_THREADS must be positive")
	}

	if c.InfluxURL != "" && (c.InfluxToken == "" || c.InfluxOrg == "" || c.InfluxBucket == "") {
		return fmt.Errorf("INFLUX_TOKEN, INFLUX_ORG and INFLUX_BUCKET are required with INFLUX_URL")
	}
	if c.RedisTTL <= 0 {
		return fmt.Errorf("REDIS_TTL must be positive")
	}

	return nil
}

func (c *Config) validateHeader() error {
	if _, err := bitcoin.ParseBits(c.HeaderBits); err != nil {
		return fmt.Errorf("HEADER_BITS: %w", err)
	}

	switch c.HeaderSource {
	case SourceStatic:
		if len(c.HeaderPrevHash) != 64 {
			return fmt.Errorf("HEADER_PREV_HASH must be 64 hex characters")
		}
	case SourceTip:
		if c.BitcoinRPCHost == "" {
			return fmt.Errorf("BITCOIN_RPC_HOST is required with HEADER_SOURCE=tip")
		}
		if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
			return fmt.Errorf("BITCOIN_RPC_PORT must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("HEADER_SOURCE must be static or tip, got %q", c.HeaderSource)
	}

	if len(c.HeaderMerkleRoot) != 64 {
		return fmt.Errorf("HEADER_MERKLE_ROOT must be 64 hex characters")
	}
	return nil
}
