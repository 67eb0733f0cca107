package bitcoin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"
)

// TopicHashBlock is the Bitcoin Core ZMQ topic announcing new block hashes.
const TopicHashBlock = "hashblock"

const zmqPollInterval = 250 * time.Millisecond

// ZMQNotifier handles ZMQ notifications from Bitcoin Core
type ZMQNotifier struct {
	socket   *zmq.Socket
	endpoint string
	logger   *slog.Logger
}

// NewZMQNotifier creates a new ZMQ notifier
func NewZMQNotifier(endpoint string, logger *slog.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	return &ZMQNotifier{
		socket:   socket,
		endpoint: endpoint,
		logger:   logger,
	}, nil
}

// Subscribe subscribes to a specific topic
func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

// Connect connects to the ZMQ endpoint
func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Listen polls for ZMQ messages until ctx is done
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	poller := zmq.NewPoller()
	poller.Add(z.socket, zmq.POLLIN)

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping")
			return ctx.Err()
		default:
		}

		polled, err := poller.Poll(zmqPollInterval)
		if err != nil {
			z.logger.Error("failed to poll ZMQ socket", "error", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(zmq.DONTWAIT)
		if err != nil {
			z.logger.Error("failed to receive ZMQ message", "error", err)
			continue
		}

		// topic, body, sequence
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		z.logger.Debug("received ZMQ message", "topic", topic, "size", len(msg[1]))

		if err := handler(topic, msg[1]); err != nil {
			z.logger.Error("failed to handle ZMQ message", "topic", topic, "error", err)
		}
	}
}

// Close closes the ZMQ socket
func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// TipWatcher tracks the chain tip announced on the hashblock topic. The
// search loop reads it between passes; announcements never interrupt a pass.
type TipWatcher struct {
	notifier *ZMQNotifier
	logger   *slog.Logger

	mu     sync.RWMutex
	latest chainhash.Hash
	seq    uint64
}

// NewTipWatcher subscribes a notifier to hashblock announcements.
func NewTipWatcher(notifier *ZMQNotifier, logger *slog.Logger) (*TipWatcher, error) {
	if notifier != nil {
		if err := notifier.Subscribe(TopicHashBlock); err != nil {
			return nil, err
		}
	}
	return &TipWatcher{notifier: notifier, logger: logger}, nil
}

// Run connects and listens until ctx is done.
func (w *TipWatcher) Run(ctx context.Context) error {
	if err := w.notifier.Connect(); err != nil {
		return err
	}
	return w.notifier.Listen(ctx, w.HandleMessage)
}

// HandleMessage records a hashblock announcement. Other topics are ignored.
func (w *TipWatcher) HandleMessage(topic string, data []byte) error {
	if topic != TopicHashBlock {
		w.logger.Debug("ignoring ZMQ topic", "topic", topic)
		return nil
	}
	if len(data) != chainhash.HashSize {
		return fmt.Errorf("invalid block hash length: %d", len(data))
	}

	// ZMQ sends the hash in display order; chainhash stores wire order.
	var hash chainhash.Hash
	for i := range chainhash.HashSize {
		hash[i] = data[chainhash.HashSize-1-i]
	}

	w.mu.Lock()
	w.latest = hash
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	w.logger.Info("new block notification", "hash", hash.String(), "seq", seq)
	return nil
}

// Latest returns the most recent tip and its sequence number.
func (w *TipWatcher) Latest() (chainhash.Hash, uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.latest, w.seq
}

// Close closes the underlying notifier.
func (w *TipWatcher) Close() error {
	if w.notifier == nil {
		return nil
	}
	return w.notifier.Close()
}
