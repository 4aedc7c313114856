package outbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fortressi/saga/uow"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Publish(ctx context.Context, event uow.Event, organizationID string) error {
	args := m.Called(ctx, event.Name, organizationID)
	return args.Error(0)
}

func discard() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

func enqueue(t *testing.T, store Store, clock *testClock, names ...string) []uow.Event {
	t.Helper()
	pub := NewPublisher(store, WithPublisherClock(clock.Now), WithPublisherLogHandler(discard()))
	events := make([]uow.Event, 0, len(names))
	for _, name := range names {
		event := uow.NewEvent(name, "permit-1", "org-1", map[string]any{"n": name})
		require.NoError(t, pub.Publish(context.Background(), event, "org-1"))
		events = append(events, event)
		clock.Advance(time.Millisecond)
	}
	return events
}

func TestPublisherDeduplicatesByEventID(t *testing.T) {
	store := NewMemoryStore()
	clock := &testClock{now: t0}
	pub := NewPublisher(store, WithPublisherClock(clock.Now), WithPublisherLogHandler(discard()))
	ctx := context.Background()

	event := uow.NewEvent("permit.renewal_requested", "permit-1", "org-1", nil)
	require.NoError(t, pub.Publish(ctx, event, "org-1"))
	require.NoError(t, pub.Publish(ctx, event, "org-1"))

	msgs, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, event.ID, msgs[0].DedupeKey)
	assert.Equal(t, StatusPending, msgs[0].Status)
	assert.Equal(t, "org-1", msgs[0].OrganizationID)

	decoded, err := msgs[0].Event()
	require.NoError(t, err)
	assert.Equal(t, event.Name, decoded.Name)
	assert.Equal(t, event.ID, decoded.ID)
}

func TestMemoryStoreLease(t *testing.T) {
	store := NewMemoryStore()
	clock := &testClock{now: t0}
	ctx := context.Background()
	enqueue(t, store, clock, "a", "b", "c")

	leased, err := store.Lease(ctx, "w1", 2, clock.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, leased, 2)
	assert.Equal(t, "a", leased[0].EventName)
	assert.Equal(t, "b", leased[1].EventName)
	assert.Equal(t, "w1", leased[0].LeaseOwner)

	again, err := store.Lease(ctx, "w2", 10, clock.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1, "leased messages are not handed out twice")
	assert.Equal(t, "c", again[0].EventName)

	assert.ErrorIs(t, store.MarkDelivered(ctx, leased[0].ID, "w2", clock.Now()), ErrNotFound, "only the lease owner may ack")

	clock.Advance(2 * time.Minute)
	expired, err := store.Lease(ctx, "w2", 10, clock.Now(), time.Minute)
	require.NoError(t, err)
	assert.Len(t, expired, 3, "expired leases are reclaimed")
}

func TestMemoryStoreLeaseKeepsEnqueueOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ids := []string{"m-9", "m-3", "m-7", "m-1", "m-5"}
	for _, id := range ids {
		msg, err := NewMessage(id, uow.NewEvent("permit.updated", "permit-1", "org-1", nil), "org-1", t0)
		require.NoError(t, err)
		require.NoError(t, store.Enqueue(ctx, msg))
	}

	leased, err := store.Lease(ctx, "w1", 10, t0, time.Minute)
	require.NoError(t, err)
	got := make([]string, len(leased))
	for i, msg := range leased {
		got[i] = msg.ID
	}
	assert.Equal(t, ids, got)

	listed, err := store.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, listed, len(ids))
	assert.Equal(t, "m-9", listed[0].ID)
}

func TestMemoryStoreLeaseValidation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Lease(ctx, "", 1, t0, time.Second)
	assert.Error(t, err)
	_, err = store.Lease(ctx, "w", 0, t0, time.Second)
	assert.Error(t, err)
	_, err = store.Lease(ctx, "w", 1, t0, 0)
	assert.Error(t, err)

	assert.ErrorIs(t, store.Enqueue(ctx, Message{ID: "x"}), ErrInvalidMessage)
	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func newTestRelay(t *testing.T, store Store, sink uow.Publisher, clock *testClock, opts ...RelayOption) *Relay {
	t.Helper()
	opts = append([]RelayOption{
		WithRelayClock(clock.Now),
		WithRelayLogHandler(discard()),
		WithRetryBackoff(time.Second, 10*time.Second),
	}, opts...)
	relay, err := NewRelay(store, sink, opts...)
	require.NoError(t, err)
	return relay
}

func TestRelayDelivers(t *testing.T) {
	store := NewMemoryStore()
	clock := &testClock{now: t0}
	ctx := context.Background()
	events := enqueue(t, store, clock, "permit.renewal_requested", "permit.renewal_approved")

	sink := &mockSink{}
	sink.On("Publish", mock.Anything, "permit.renewal_requested", "org-1").Return(nil).Once()
	sink.On("Publish", mock.Anything, "permit.renewal_approved", "org-1").Return(nil).Once()

	relay := newTestRelay(t, store, sink, clock)
	report, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Leased: 2, Delivered: 2}, report)
	sink.AssertExpectations(t)

	msg, err := store.List(ctx, StatusDelivered, 0)
	require.NoError(t, err)
	require.Len(t, msg, 2)
	assert.Equal(t, events[0].ID, msg[0].DedupeKey)
	assert.NotNil(t, msg[0].ProcessedAt)

	report, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
}

func TestRelayRetriesWithBackoffThenDies(t *testing.T) {
	store := NewMemoryStore()
	clock := &testClock{now: t0}
	ctx := context.Background()
	enqueue(t, store, clock, "permit.renewal_requested")

	sink := &mockSink{}
	sink.On("Publish", mock.Anything, "permit.renewal_requested", "org-1").Return(errors.New("broker down"))

	relay := newTestRelay(t, store, sink, clock, WithMaxAttempts(3))

	report, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Leased: 1, Retried: 1}, report)

	msgs, err := store.List(ctx, StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].AttemptCount)
	assert.Equal(t, "broker down", msgs[0].LastError)
	assert.Equal(t, clock.Now().Add(time.Second), msgs[0].NextAttemptAt)

	report, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report, "not due before the backoff elapses")

	clock.Advance(time.Second)
	report, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Leased: 1, Retried: 1}, report)

	clock.Advance(2 * time.Second)
	report, err = relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Leased: 1, Dead: 1}, report)

	dead, err := store.List(ctx, StatusDead, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].AttemptCount)
	sink.AssertNumberOfCalls(t, "Publish", 3)
}

func TestRelayBackoff(t *testing.T) {
	relay := newTestRelay(t, NewMemoryStore(), &mockSink{}, &testClock{now: t0})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, relay.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	_, err := NewRelay(nil, &mockSink{})
	assert.Error(t, err)
	_, err = NewRelay(NewMemoryStore(), nil)
	assert.Error(t, err)
}

func TestRelayRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	clock := &testClock{now: t0}
	store := NewMemoryStore()
	enqueue(t, store, clock, "a")

	sink := &mockSink{}
	sink.On("Publish", mock.Anything, "a", "org-1").Return(nil)
	relay := newTestRelay(t, store, sink, clock, WithRelayTracerProvider(tp))

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "outbox.relay", spans[0].Name())
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	clock := &testClock{now: t0}
	enqueue(t, store, clock, "a")

	delivered := make(chan struct{}, 1)
	sink := uow.PublisherFunc(func(context.Context, uow.Event, string) error {
		select {
		case delivered <- struct{}{}:
		default:
		}
		return nil
	})
	relay := newTestRelay(t, store, sink, clock, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver")
	}
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestWatermillSink(t *testing.T) {
	logger := watermill.NewSlogLogger(slog.New(discard()))
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, logger)
	t.Cleanup(func() { _ = pubSub.Close() })

	sink, err := NewWatermillSink(pubSub, "permits.")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, sink.Topic("permit.renewal_approved"))
	require.NoError(t, err)

	clock := &testClock{now: t0}
	store := NewMemoryStore()
	events := enqueue(t, store, clock, "permit.renewal_approved")

	relay := newTestRelay(t, store, sink, clock)
	report, err := relay.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, events[0].ID, msg.UUID)
		assert.Equal(t, "org-1", msg.Metadata.Get(MetadataOrganizationID))
		assert.Equal(t, "permit-1", msg.Metadata.Get(MetadataAggregateID))

		event, err := DecodeWatermillMessage(msg)
		require.NoError(t, err)
		assert.Equal(t, "permit.renewal_approved", event.Name)
		assert.Equal(t, "org-1", event.OrganizationID)
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

func TestNewWatermillSinkRequiresPublisher(t *testing.T) {
	_, err := NewWatermillSink(nil, "")
	assert.Error(t, err)
}
