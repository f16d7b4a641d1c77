// Package auditfeed fans successfully ledgered audit events out to Kafka.
// The ledger is the system of record; this feed is observability fan-out and
// never gates or fails the operation that produced the event.
package auditfeed

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"fairway/internal/ledger"
)

var (
	feedPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairway_auditfeed_published_total",
		Help: "Audit events successfully published to the feed topic",
	})
	feedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairway_auditfeed_dropped_total",
		Help: "Audit events dropped because the feed buffer was full",
	})
	feedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fairway_auditfeed_errors_total",
		Help: "Publish attempts that failed after buffering",
	})
)

// Producer is the slice of the Kafka client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

const defaultBufferSize = 1024

// Publisher buffers audit events and publishes them from a worker goroutine.
// Notify never blocks; when the buffer is full the event is dropped and
// counted, because a slow broker must not stall the write path.
type Publisher struct {
	producer Producer
	topic    string
	inbox    chan ledger.AuditEvent
	logger   *slog.Logger
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger.With("component", "auditfeed")
	}
}

func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.inbox = make(chan ledger.AuditEvent, n)
		}
	}
}

func NewPublisher(producer Producer, topic string, opts ...Option) *Publisher {
	pub := &Publisher{
		producer: producer,
		topic:    topic,
		inbox:    make(chan ledger.AuditEvent, defaultBufferSize),
		logger:   slog.Default().With("component", "auditfeed"),
	}
	for _, opt := range opts {
		opt(pub)
	}
	return pub
}

var _ ledger.FeedSink = (*Publisher)(nil)

// Notify enqueues an event for publication. Drop-on-full.
func (p *Publisher) Notify(event ledger.AuditEvent) {
	select {
	case p.inbox <- event:
	default:
		feedDropped.Inc()
	}
}

// Run publishes buffered events until the context is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-p.inbox:
			p.publish(ctx, event)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, event ledger.AuditEvent) {
	record, err := p.encode(event)
	if err != nil {
		feedErrors.Inc()
		p.logger.ErrorContext(ctx, "failed to encode audit event",
			"sequence", event.Sequence,
			"action", event.Action,
			"error", err,
		)
		return
	}

	if err := p.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		feedErrors.Inc()
		p.logger.ErrorContext(ctx, "failed to publish audit event",
			"sequence", event.Sequence,
			"action", event.Action,
			"error", err,
		)
		return
	}
	feedPublished.Inc()
}

// feedEvent is the wire shape of one published audit event.
type feedEvent struct {
	Sequence      int64          `json:"sequence"`
	ActorID       string         `json:"actor_id"`
	ActorRole     string         `json:"actor_role"`
	Action        string         `json:"action"`
	ApplicationID string         `json:"application_id,omitempty"`
	SubjectID     string         `json:"subject_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       ledger.Payload `json:"payload,omitempty"`
}

func (p *Publisher) encode(event ledger.AuditEvent) (*kgo.Record, error) {
	wire := feedEvent{
		Sequence:  event.Sequence,
		ActorID:   event.ActorID.String(),
		ActorRole: event.ActorRole,
		Action:    event.Action,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}
	if !event.ApplicationID.IsNil() {
		wire.ApplicationID = event.ApplicationID.String()
	}
	if !event.SubjectID.IsNil() {
		wire.SubjectID = event.SubjectID.String()
	}

	value, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}

	// Key by application so all events for one application land in order on
	// the same partition. Application-less events key by actor.
	key := wire.ApplicationID
	if key == "" {
		key = wire.ActorID
	}

	return &kgo.Record{
		Topic: p.topic,
		Key:   []byte(key),
		Value: value,
	}, nil
}
