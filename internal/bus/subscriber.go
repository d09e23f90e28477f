package bus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
	"github.com/clearport/escrow-indexer/internal/store"
)

// MaxDeliveryAttempts mirrors the subscription's dead-letter policy; it is
// only used to decide when a poison message is being given up on for
// metrics and logging (the broker does the actual dead-lettering).
const MaxDeliveryAttempts = 5

// Subscriber pulls events from the bus and drives the projection engine.
// Safe with any worker count: ordering per escrow is delegated to the DB
// row locks inside the engine.
type Subscriber struct {
	client    *pubsub.Client
	sub       *pubsub.Subscription
	projector store.Projector
	stream    *events.Stream
	metrics   *metrics.Metrics
	logger    *log.Logger

	attached    atomic.Bool
	lastApplied atomic.Int64 // unix seconds of the last applied event
	outstanding atomic.Int64
}

// NewSubscriber connects to Pub/Sub and ensures the subscription exists,
// creating it against the topic if missing. Dead-letter routing is broker
// configuration and is managed out-of-band.
func NewSubscriber(
	ctx context.Context,
	projectID, subscriptionID, topicID string,
	workers int,
	projector store.Projector,
	stream *events.Stream,
	m *metrics.Metrics,
) (*Subscriber, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	sub := client.Subscription(subscriptionID)
	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists: %w", err)
	}
	if !exists {
		topic := client.Topic(topicID)
		// Delivery is unordered on purpose. Messages carry per-chain ordering
		// keys, and an ordered subscription would hand each chain's whole
		// stream to one worker at a time, with a nacked message stalling the
		// chain behind it. Per-escrow ordering comes from the row locks.
		sub, err = client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 60 * time.Second,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateSubscription: %w", err)
		}
	}

	if workers <= 0 {
		workers = 1
	}
	sub.ReceiveSettings.NumGoroutines = workers
	sub.ReceiveSettings.MaxOutstandingMessages = workers * 4
	// The client library re-extends ack deadlines while projection is in
	// progress, up to this bound.
	sub.ReceiveSettings.MaxExtension = 10 * time.Minute

	s := &Subscriber{
		client:    client,
		sub:       sub,
		projector: projector,
		stream:    stream,
		metrics:   m,
		logger:    log.New(log.Writer(), "[SUBSCRIBER] ", log.LstdFlags),
	}
	s.logger.Printf("✅ attached to subscription %s (%d workers)", sub.String(), workers)
	return s, nil
}

// Run receives until ctx is cancelled. In-flight handlers finish before it
// returns (the drain path on shutdown).
func (s *Subscriber) Run(ctx context.Context) error {
	s.attached.Store(true)
	defer s.attached.Store(false)

	err := s.sub.Receive(ctx, s.handle)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

func (s *Subscriber) handle(ctx context.Context, msg *pubsub.Message) {
	s.metrics.SubscriberBacklog.Set(float64(s.outstanding.Add(1)))
	defer func() {
		s.metrics.SubscriberBacklog.Set(float64(s.outstanding.Add(-1)))
	}()

	// Defense in depth for the empty-attribute failure mode: the payload's
	// event_type field is authoritative, the attribute is advisory. An
	// empty attribute is logged and counted but never rejects a message.
	attrType := msg.Attributes["event_type"]
	if attrType == "" {
		s.metrics.EmptyTypeAttribute.Inc()
		slog.Warn("message has empty event_type attribute, falling back to payload field",
			"message_id", msg.ID, "event_id", msg.Attributes["event_id"])
	}

	ev, err := events.Decode(msg.Data)
	if err != nil {
		// Undecodable payloads can never project; nack toward the DLQ.
		slog.Error("undecodable bus message",
			"message_id", msg.ID, "attr_event_type", attrType, "err", err)
		s.noteExhausted(msg)
		msg.Nack()
		return
	}
	if attrType != "" && events.Type(attrType) != ev.Type {
		slog.Warn("event_type attribute disagrees with payload, using payload",
			"event_id", ev.EventID, "attribute", attrType, "payload", ev.Type)
	}

	outcome, err := s.projector.Apply(ctx, ev)
	if err != nil {
		// Transient: redeliver. Persistent poison lands in the DLQ once
		// the broker's delivery attempts are exhausted.
		s.noteExhausted(msg)
		msg.Nack()
		return
	}

	msg.Ack()
	if outcome == store.OutcomeApplied {
		s.lastApplied.Store(time.Now().Unix())
		if s.stream != nil {
			s.stream.Publish(ev)
		}
	}
}

func (s *Subscriber) noteExhausted(msg *pubsub.Message) {
	if msg.DeliveryAttempt != nil && *msg.DeliveryAttempt >= MaxDeliveryAttempts {
		s.metrics.DeadLetters.Inc()
		slog.Error("delivery attempts exhausted, expecting dead-letter",
			"message_id", msg.ID, "attempts", *msg.DeliveryAttempt)
	}
}

// Outstanding returns the number of messages currently being handled.
func (s *Subscriber) Outstanding() int64 {
	return s.outstanding.Load()
}

// Attached reports whether the receive loop is live.
func (s *Subscriber) Attached() bool {
	return s.attached.Load()
}

// LastApplied returns when the subscriber last applied an event; zero time
// if it never has.
func (s *Subscriber) LastApplied() time.Time {
	ts := s.lastApplied.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Close shuts down the Pub/Sub client.
func (s *Subscriber) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	s.logger.Printf("🔌 subscriber closed")
	return nil
}
