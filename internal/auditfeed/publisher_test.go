package auditfeed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"fairway/internal/ledger"
	id "fairway/pkg/domain"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rs...)
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return results
}

func (f *fakeProducer) produced() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

func testEvent(seq int64) ledger.AuditEvent {
	return ledger.AuditEvent{
		Sequence:      seq,
		ActorID:       id.ActorID(uuid.New()),
		ActorRole:     "administrator",
		Action:        ledger.ActionAdminOverride,
		ApplicationID: id.ApplicationID(uuid.New()),
		SubjectID:     id.ActorID(uuid.New()),
		Timestamp:     time.Now().UTC(),
		Payload:       ledger.Payload{"reason": "income verified"},
	}
}

func TestPublisherPublishesBufferedEvents(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewPublisher(producer, "fairway.audit", WithBufferSize(8))

	event := testEvent(7)
	pub.Notify(event)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(producer.produced()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	record := producer.produced()[0]
	assert.Equal(t, "fairway.audit", record.Topic)
	assert.Equal(t, event.ApplicationID.String(), string(record.Key))

	var wire feedEvent
	require.NoError(t, json.Unmarshal(record.Value, &wire))
	assert.Equal(t, int64(7), wire.Sequence)
	assert.Equal(t, event.ActorID.String(), wire.ActorID)
	assert.Equal(t, ledger.ActionAdminOverride, wire.Action)
	assert.Equal(t, event.SubjectID.String(), wire.SubjectID)
	assert.Equal(t, "income verified", wire.Payload["reason"])
}

func TestPublisherKeysByActorWithoutApplication(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewPublisher(producer, "fairway.audit")

	event := testEvent(1)
	event.ApplicationID = id.ApplicationID{}
	record, err := pub.encode(event)
	require.NoError(t, err)
	assert.Equal(t, event.ActorID.String(), string(record.Key))

	var wire map[string]any
	require.NoError(t, json.Unmarshal(record.Value, &wire))
	_, hasApp := wire["application_id"]
	assert.False(t, hasApp)
}

func TestPublisherDropsWhenBufferFull(t *testing.T) {
	// No worker running, so the buffer fills and further events drop.
	pub := NewPublisher(&fakeProducer{}, "fairway.audit", WithBufferSize(2))

	for i := range 5 {
		pub.Notify(testEvent(int64(i)))
	}

	assert.Len(t, pub.inbox, 2)
}

func TestPublisherSurvivesProduceErrors(t *testing.T) {
	producer := &fakeProducer{err: context.DeadlineExceeded}
	pub := NewPublisher(producer, "fairway.audit", WithBufferSize(8))

	pub.Notify(testEvent(1))
	pub.Notify(testEvent(2))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(producer.produced()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
