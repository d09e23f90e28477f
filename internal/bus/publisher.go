// Package bus carries domain events over Google Cloud Pub/Sub.
package bus

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/clearport/escrow-indexer/internal/events"
	"github.com/clearport/escrow-indexer/internal/metrics"
)

const (
	publishRetryInitial  = time.Second
	publishRetryMax      = 30 * time.Second
	publishRetryAttempts = 5
)

// Publisher publishes ordered domain events to a Pub/Sub topic. Publishes
// are asynchronous up to an in-flight window; Flush blocks until the broker
// has confirmed every accepted message, which is the relayer's durability
// barrier before a checkpoint advance.
//
// Every message carries event_type and event_id as broker attributes in
// addition to the JSON fields. Pub/Sub has no broker-level dedup, so the
// event_id attribute is how downstream consumers deduplicate redeliveries.
//
// Publish and Flush are safe for concurrent use, but a Flush confirms every
// message queued so far, whoever queued it. A checkpoint advance must pair
// with exactly its own batch, so each tailer owns its own Publisher.
type Publisher struct {
	client  *pubsub.Client
	topic   *pubsub.Topic
	metrics *metrics.Metrics
	logger  *log.Logger

	// sem caps in-flight publishes; a full window blocks Publish, which is
	// the back-pressure path to the tailer.
	sem chan struct{}

	mu      sync.Mutex
	pending []pendingMsg
}

type pendingMsg struct {
	event  *events.Event
	data   []byte
	result *pubsub.PublishResult
}

// NewPublisher connects to Pub/Sub and ensures the topic exists.
func NewPublisher(ctx context.Context, projectID, topicID string, maxInFlight int, m *metrics.Metrics) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}
	// Per-chain ordering keys: within one chain the bus sees events in
	// (block, log_index) order.
	topic.EnableMessageOrdering = true

	if maxInFlight <= 0 {
		maxInFlight = 1000
	}
	p := &Publisher{
		client:  client,
		topic:   topic,
		metrics: m,
		logger:  log.New(log.Writer(), "[PUBLISHER] ", log.LstdFlags),
		sem:     make(chan struct{}, maxInFlight),
	}
	p.logger.Printf("✅ connected to Pub/Sub topic %s (max in-flight %d)", topic.String(), maxInFlight)
	return p, nil
}

// Publish queues one event for delivery. Blocks while the in-flight window
// is full. Confirmation is deferred to Flush.
func (p *Publisher) Publish(ctx context.Context, e *events.Event) error {
	data, err := events.Encode(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventID, err)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	res := p.topic.Publish(ctx, p.message(e, data))
	p.mu.Lock()
	p.pending = append(p.pending, pendingMsg{event: e, data: data, result: res})
	p.mu.Unlock()
	return nil
}

// Flush waits for every queued publish to be confirmed durable. When a
// message fails, the ordering key is paused and everything queued behind it
// has failed with it, so Flush resumes the key and republishes the failed
// suffix synchronously with bounded retries. An unrecoverable message
// aborts the batch; the caller must not advance its checkpoint.
func (p *Publisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	defer func() {
		for range batch {
			<-p.sem
		}
	}()

	for i, pm := range batch {
		if _, err := pm.result.Get(ctx); err == nil {
			continue
		} else if ctx.Err() != nil {
			return ctx.Err()
		} else {
			p.logger.Printf("publish failed at %s, republishing suffix of %d: %v",
				pm.event.EventID, len(batch)-i, err)
			p.topic.ResumePublish(orderingKey(pm.event))
			return p.republish(ctx, batch[i:])
		}
	}
	return nil
}

// republish retries a failed suffix one message at a time, in order.
func (p *Publisher) republish(ctx context.Context, failed []pendingMsg) error {
	for _, pm := range failed {
		if err := p.publishWithRetry(ctx, pm); err != nil {
			return fmt.Errorf("event %s undeliverable: %w", pm.event.EventID, err)
		}
	}
	return nil
}

func (p *Publisher) publishWithRetry(ctx context.Context, pm pendingMsg) error {
	delay := publishRetryInitial
	var lastErr error
	for attempt := 1; attempt <= publishRetryAttempts; attempt++ {
		res := p.topic.Publish(ctx, p.message(pm.event, pm.data))
		if _, err := res.Get(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.metrics.PublishRetries.Inc()
		p.topic.ResumePublish(orderingKey(pm.event))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > publishRetryMax {
			delay = publishRetryMax
		}
	}
	return lastErr
}

func (p *Publisher) message(e *events.Event, data []byte) *pubsub.Message {
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type": string(e.Type),
			"event_id":   e.EventID,
			"chain_id":   strconv.FormatUint(e.ChainID, 10),
		},
		OrderingKey: orderingKey(e),
	}
}

// HealthCheck verifies the topic is still reachable.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	exists, err := p.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close stops the topic and shuts the client down.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	p.logger.Printf("🔌 publisher closed")
	return nil
}

func orderingKey(e *events.Event) string {
	return strconv.FormatUint(e.ChainID, 10)
}
