// Package main implements powsearch, a Bitcoin block header nonce search.
// It seeds a header from configuration or from a node's chain tip, runs
// device passes over the nonce space until a proof of work is found, and
// reports progress to the console and any configured telemetry sinks.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bardlex/gompow/internal/bitcoin"
	"github.com/bardlex/gompow/internal/config"
	"github.com/bardlex/gompow/internal/database"
	"github.com/bardlex/gompow/internal/database/influx"
	"github.com/bardlex/gompow/internal/database/redis"
	"github.com/bardlex/gompow/internal/device"
	"github.com/bardlex/gompow/internal/messaging"
	"github.com/bardlex/gompow/internal/report"
	"github.com/bardlex/gompow/internal/search"
	"github.com/bardlex/gompow/internal/validation"
	"github.com/bardlex/gompow/internal/work"
	"github.com/bardlex/gompow/pkg/errors"
	"github.com/bardlex/gompow/pkg/log"
)

// Exit codes.
const (
	exitSolved      = 0
	exitFailure     = 1
	exitPassLimit   = 2
	exitInterrupted = 130
)

const historyWindow = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	// Load configuration
	cfg, err := config.Load(args)
	if stderrors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(stdout, "Usage of powsearch:\n%s", config.NewFlagSet("powsearch").FlagUsages())
		return exitSolved
	}
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return exitFailure
	}

	// Initialize logger
	logger := log.NewWithWriter(stderr, cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting powsearch",
		"version", cfg.Version,
		"backend", cfg.DeviceBackend,
		"header_source", cfg.HeaderSource,
	)

	searcher, err := NewSearcher(cfg, logger, stdout)
	if err != nil {
		logger.WithError(err).Error("failed to initialize")
		return exitFailure
	}

	searcher.Start(ctx)
	result, runErr := searcher.Run(ctx)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := searcher.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}

	switch {
	case runErr == nil:
		logger.Info("powsearch stopped", "nonce", result.Nonce, "hash", result.Hash.String())
		return exitSolved
	case stderrors.Is(runErr, context.Canceled):
		logger.Info("search interrupted")
		return exitInterrupted
	case runErr == search.ErrPassLimit:
		logger.Warn("pass limit reached without a solution", "max_passes", cfg.MaxPasses)
		return exitPassLimit
	default:
		logger.WithError(runErr).Error("search failed", "fatal", errors.IsFatal(runErr))
		return exitFailure
	}
}

// Searcher owns the device and the optional node and telemetry connections
// of one search.
type Searcher struct {
	cfg     *config.Config
	logger  *log.Logger
	console *report.Console

	device    device.Device
	rpc       bitcoin.HeaderRPC
	watcher   *bitcoin.TipWatcher
	telemetry *database.Manager
	kafka     *messaging.KafkaClient

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSearcher opens the device and every configured connection. Whatever was
// opened is closed again if a later step fails.
func NewSearcher(cfg *config.Config, logger *log.Logger, out io.Writer) (*Searcher, error) {
	s := &Searcher{
		cfg:     cfg,
		logger:  logger.WithComponent("powsearch"),
		console: report.NewConsole(out),
	}

	if err := s.open(); err != nil {
		_ = s.Shutdown(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Searcher) open() error {
	cfg := s.cfg

	dev, err := device.Open(cfg.DeviceBackend, cfg.DeviceIndex, cfg.DeviceWorkers, s.logger)
	if err != nil {
		return err
	}
	s.device = dev
	s.logger.Info("device opened", "device", dev.Name())

	if cfg.BitcoinEnabled() {
		rpc, err := bitcoin.NewRPCClient(cfg.BitcoinRPCHost, cfg.BitcoinRPCPort, cfg.BitcoinRPCUser, cfg.BitcoinRPCPassword)
		if err != nil {
			return err
		}
		s.rpc = rpc

		// Test Bitcoin connection with context
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer pingCancel()
		if err := rpc.Ping(pingCtx); err != nil {
			return err
		}
		s.logger.Info("connected to Bitcoin Core", "host", cfg.BitcoinRPCHost, "port", cfg.BitcoinRPCPort)

		if cfg.BitcoinZMQAddr != "" {
			notifier, err := bitcoin.NewZMQNotifier(cfg.BitcoinZMQAddr, s.logger.Logger)
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_socket", "failed to create ZMQ notifier")
			}
			watcher, err := bitcoin.NewTipWatcher(notifier, s.logger.Logger)
			if err != nil {
				_ = notifier.Close()
				return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq_subscribe", "failed to subscribe to blocks")
			}
			s.watcher = watcher
		}
	}

	if cfg.TelemetryEnabled() {
		if err := s.openTelemetry(); err != nil {
			return err
		}
	}

	return nil
}

func (s *Searcher) openTelemetry() error {
	cfg := s.cfg

	dbCfg := &database.Config{GaugeTTL: cfg.RedisTTL}
	if cfg.RedisURL != "" {
		redisCfg, err := redis.ConfigFromURL(cfg.RedisURL)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "redis_url", "invalid Redis URL")
		}
		dbCfg.Redis = redisCfg
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}

	manager, err := database.NewManager(dbCfg, s.logger)
	if err != nil {
		return err
	}
	if manager.Enabled() {
		s.telemetry = manager
	}

	if len(cfg.KafkaBrokers) > 0 {
		s.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, s.logger.Logger)
	}
	return nil
}

// Start runs the background tip watcher, if any, until Shutdown or ctx ends.
func (s *Searcher) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.watcher == nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.watcher.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Warn("tip watcher stopped")
		}
	}()
}

// Run seeds the header, optionally calibrates, and searches until a
// solution is verified or the search stops.
func (s *Searcher) Run(ctx context.Context) (*search.Result, error) {
	cfg := s.cfg

	header, err := s.seedHeader(ctx)
	if err != nil {
		return nil, err
	}
	job, err := work.NewJob(header)
	if err != nil {
		return nil, err
	}
	s.logger.Info("header seeded", "job", job.String())

	s.showHistory(ctx)

	invoker := search.NewInvoker(s.device, s.logger)
	slice := work.NonceRange{Start: cfg.NonceStart, Count: cfg.NonceCount}
	geometry := device.Geometry{BlockDim: cfg.BlockDim, GridDim: cfg.GridDim}

	reporter := s.reporters()

	if cfg.Calibrate {
		cal, err := s.calibrate(ctx, invoker, job)
		if err != nil {
			return nil, err
		}
		if res, ok := cal.Result(); ok {
			s.logger.Info("calibration pass solved the header", "geometry", res.Geometry.String())
			reporter.Solved(ctx, *res)
			return res, nil
		}
		best, _ := cal.Best()
		geometry = best.Geometry
	}

	opts := []search.LoopOption{search.WithReporter(reporter)}
	if s.watcher != nil && s.rpc != nil {
		opts = append(opts, search.WithRefresher(bitcoin.NewTipRefresher(s.rpc, s.watcher, s.logger.Logger, nil)))
	}

	loop := search.NewLoop(invoker, validation.NewDecoder(), search.LoopConfig{
		Geometry:  geometry,
		Slice:     slice,
		MaxPasses: cfg.MaxPasses,
	}, s.logger, opts...)

	return loop.Run(ctx, job)
}

// showHistory prints what the telemetry stores recorded for this device in
// the last historyWindow. It is informational; the search starts its own
// average from zero.
func (s *Searcher) showHistory(ctx context.Context) {
	if s.telemetry == nil {
		return
	}
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	name := s.device.Name()
	h, err := s.telemetry.History(readCtx, name, historyWindow)
	if err != nil {
		s.logger.WithError(err).Warn("telemetry history unavailable", "device", name)
		return
	}
	s.console.History(name, historyWindow, h)
}

func (s *Searcher) seedHeader(ctx context.Context) (bitcoin.Header, error) {
	cfg := s.cfg
	now := time.Now()
	if cfg.HeaderTime != 0 {
		now = time.Unix(int64(cfg.HeaderTime), 0)
	}

	if cfg.HeaderSource == config.SourceTip {
		merkle, err := bitcoin.ParseDisplayHash("merkle_root", cfg.HeaderMerkleRoot)
		if err != nil {
			return bitcoin.Header{}, err
		}
		tipCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return bitcoin.BestTipTemplate(tipCtx, s.rpc, merkle, now)
	}

	bits, err := bitcoin.ParseBits(cfg.HeaderBits)
	if err != nil {
		return bitcoin.Header{}, err
	}
	return bitcoin.ParseHeader(cfg.HeaderVersion, cfg.HeaderPrevHash, cfg.HeaderMerkleRoot, uint32(now.Unix()), bits)
}

// calibrate sweeps launch geometries and logs the fastest
func (s *Searcher) calibrate(ctx context.Context, invoker *search.Invoker, job *work.Job) (*search.Calibration, error) {
	calCfg := search.DefaultCalibratorConfig()
	calCfg.MinThreads = s.cfg.MinThreads
	calCfg.Slice = work.NonceRange{Start: s.cfg.NonceStart, Count: min(s.cfg.CalibrateNonces, s.cfg.NonceCount)}

	cal, err := search.NewCalibrator(invoker, calCfg, s.logger).Calibrate(ctx, job)
	if err != nil {
		return nil, err
	}
	s.console.Calibration(cal)

	best, _ := cal.Best()
	s.logger.Info("calibration selected geometry", "geometry", best.Geometry.String(), "hashrate", best.HashRate)
	return cal, nil
}

func (s *Searcher) reporters() search.Reporter {
	reporters := []search.Reporter{s.console}
	if s.telemetry != nil {
		reporters = append(reporters, report.NewTelemetry(s.telemetry, s.cfg.DeviceBackend, s.logger))
	}
	if s.kafka != nil {
		reporters = append(reporters, report.NewStream(s.kafka, s.cfg.DeviceBackend, s.logger))
	}
	return report.NewMulti(reporters...)
}

// Shutdown stops the watcher and closes every connection and the device.
func (s *Searcher) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("tip watcher did not stop: %w", ctx.Err())
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.watcher != nil {
		keep(s.watcher.Close())
	}
	if s.rpc != nil {
		s.rpc.Close()
	}
	if s.kafka != nil {
		keep(s.kafka.Close())
	}
	if s.telemetry != nil {
		keep(s.telemetry.Close())
	}
	if s.device != nil {
		keep(s.device.Close())
	}

	s.logger.Info("powsearch shut down")
	return firstErr
}
