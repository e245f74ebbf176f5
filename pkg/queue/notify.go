package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/valuerank/valuerank/pkg/config"
)

// Notifier is a best-effort wake-up signal layered over the durable
// queue. Workers poll the database regardless; the notifier just cuts
// the latency between enqueue and pickup. Losing a notification only
// delays a job until the next poll.
type Notifier interface {
	Start(ctx context.Context) error
	Stop() error

	// NotifyRunActivity signals that jobs were enqueued for a run.
	NotifyRunActivity(runID string)

	// Wake delivers coalesced activity signals.
	Wake() <-chan struct{}
}

// Compile-time interface checks.
var (
	_ Notifier = (*natsNotifier)(nil)
	_ Notifier = (*localNotifier)(nil)
)

// NewNotifier returns a NATS-backed notifier when one is configured,
// and an in-process notifier otherwise.
func NewNotifier(log logrus.FieldLogger, cfg *config.NATSConfig) Notifier {
	if cfg == nil || !cfg.Enabled {
		return &localNotifier{wake: make(chan struct{}, 1)}
	}

	return &natsNotifier{
		log:  log.WithField("component", "notifier"),
		cfg:  cfg,
		wake: make(chan struct{}, 1),
	}
}

// localNotifier wakes workers within the same process only.
type localNotifier struct {
	wake chan struct{}
}

func (n *localNotifier) Start(_ context.Context) error { return nil }
func (n *localNotifier) Stop() error                   { return nil }

func (n *localNotifier) NotifyRunActivity(_ string) {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *localNotifier) Wake() <-chan struct{} { return n.wake }

// natsNotifier propagates activity signals across processes so worker
// deployments separate from the API still pick jobs up promptly.
type natsNotifier struct {
	log  logrus.FieldLogger
	cfg  *config.NATSConfig
	wake chan struct{}
	conn *nats.Conn
	sub  *nats.Subscription
}

// Start connects to NATS and subscribes to the activity subject.
func (n *natsNotifier) Start(_ context.Context) error {
	conn, err := nats.Connect(
		n.cfg.URL,
		nats.Name("valuerank"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}

	n.conn = conn

	sub, err := conn.Subscribe(n.cfg.Subject, func(_ *nats.Msg) {
		select {
		case n.wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		conn.Close()

		return fmt.Errorf("subscribing to %s: %w", n.cfg.Subject, err)
	}

	n.sub = sub

	n.log.WithField("url", n.cfg.URL).Info("Activity notifier connected")

	return nil
}

// Stop drains the subscription and closes the connection.
func (n *natsNotifier) Stop() error {
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}

	if n.conn != nil {
		n.conn.Close()
	}

	return nil
}

// NotifyRunActivity publishes the run id on the activity subject. The
// local wake channel is fed directly so in-process workers do not
// depend on the NATS round trip.
func (n *natsNotifier) NotifyRunActivity(runID string) {
	select {
	case n.wake <- struct{}{}:
	default:
	}

	if n.conn == nil {
		return
	}

	if err := n.conn.Publish(n.cfg.Subject, []byte(runID)); err != nil {
		n.log.WithError(err).WithField("run_id", runID).
			Debug("Failed to publish activity signal")
	}
}

func (n *natsNotifier) Wake() <-chan struct{} { return n.wake }
