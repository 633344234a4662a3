package database

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStreamWriter struct {
	mock.Mock
}

func (m *MockStreamWriter) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	mockArgs := m.Called(ctx, args)
	cmd := redis.NewStringCmd(ctx)
	if err := mockArgs.Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("1700000000000-0")
	}
	return cmd
}

type MockOutboxRepository struct {
	mock.Mock
}

func (m *MockOutboxRepository) GetPending(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	return m.Called(ctx, id, err).Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func alertEvent(userID string) *OutboxEvent {
	return &OutboxEvent{
		ID:            uuid.New(),
		AggregateType: "user",
		AggregateID:   userID,
		EventType:     "PRICE_ALERT",
		Payload:       json.RawMessage(`{"user_id":"` + userID + `","changes":[{"product_slug":"blue-dream","new_price":45}]}`),
		TargetStream:  DefaultAlertStream,
		CreatedAt:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRelay_ProcessEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes and marks every due event", func(t *testing.T) {
		stream := new(MockStreamWriter)
		outbox := new(MockOutboxRepository)
		relay := NewRelay(outbox, stream, testLogger(), RelayConfig{BatchSize: 10})

		events := []*OutboxEvent{alertEvent("u1"), alertEvent("u2")}
		outbox.On("GetPending", ctx, 10).Return(events, nil)
		for _, event := range events {
			stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				return args.Stream == DefaultAlertStream &&
					args.Values.(map[string]any)["event_type"] == "PRICE_ALERT" &&
					args.Values.(map[string]any)["aggregate_id"] == event.AggregateID
			})).Return(nil)
			outbox.On("MarkProcessed", ctx, event.ID).Return(nil)
		}

		require.NoError(t, relay.processEvents(ctx))
		stream.AssertExpectations(t)
		outbox.AssertExpectations(t)
	})

	t.Run("publish failure marks the event failed", func(t *testing.T) {
		stream := new(MockStreamWriter)
		outbox := new(MockOutboxRepository)
		relay := NewRelay(outbox, stream, testLogger(), RelayConfig{BatchSize: 10})

		event := alertEvent("u1")
		outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		stream.On("XAdd", ctx, mock.Anything).Return(errors.New("connection reset"))
		outbox.On("MarkFailed", ctx, event.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "failed to publish to redis: connection reset"
		})).Return(nil)

		assert.NoError(t, relay.processEvents(ctx))
		outbox.AssertNotCalled(t, "MarkProcessed", mock.Anything, mock.Anything)
		outbox.AssertExpectations(t)
	})

	t.Run("one failure does not stop the batch", func(t *testing.T) {
		stream := new(MockStreamWriter)
		outbox := new(MockOutboxRepository)
		relay := NewRelay(outbox, stream, testLogger(), RelayConfig{BatchSize: 10})

		bad, good := alertEvent("u1"), alertEvent("u2")
		outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{bad, good}, nil)
		stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]any)["aggregate_id"] == "u1"
		})).Return(errors.New("OOM"))
		stream.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]any)["aggregate_id"] == "u2"
		})).Return(nil)
		outbox.On("MarkFailed", ctx, bad.ID, mock.Anything).Return(nil)
		outbox.On("MarkProcessed", ctx, good.ID).Return(nil)

		require.NoError(t, relay.processEvents(ctx))
		stream.AssertExpectations(t)
		outbox.AssertExpectations(t)
	})

	t.Run("undecodable payload is never published", func(t *testing.T) {
		stream := new(MockStreamWriter)
		outbox := new(MockOutboxRepository)
		relay := NewRelay(outbox, stream, testLogger(), RelayConfig{BatchSize: 10})

		event := alertEvent("u1")
		event.Payload = json.RawMessage(`{not json`)
		outbox.On("GetPending", ctx, 10).Return([]*OutboxEvent{event}, nil)
		outbox.On("MarkFailed", ctx, event.ID, mock.Anything).Return(nil)

		require.NoError(t, relay.processEvents(ctx))
		stream.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		outbox.AssertExpectations(t)
	})

	t.Run("repository error surfaces", func(t *testing.T) {
		outbox := new(MockOutboxRepository)
		relay := NewRelay(outbox, new(MockStreamWriter), testLogger(), RelayConfig{BatchSize: 10})

		outbox.On("GetPending", ctx, 10).Return(nil, errors.New("too many connections"))
		assert.ErrorContains(t, relay.processEvents(ctx), "too many connections")
	})
}

func TestRelay_PublishWritesEnvelope(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	relay := NewRelay(new(MockOutboxRepository), client, testLogger(), RelayConfig{})
	event := alertEvent("u7")
	event.RetryCount = 2

	require.NoError(t, relay.publish(ctx, event))

	entries, err := client.XRange(ctx, DefaultAlertStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "PRICE_ALERT", values["event_type"])
	assert.Equal(t, "u7", values["aggregate_id"])
	assert.Equal(t, event.ID.String(), values["original_id"])

	var envelope struct {
		ID       string         `json:"id"`
		Type     string         `json:"type"`
		Payload  map[string]any `json:"payload"`
		Metadata map[string]any `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(values["data"].(string)), &envelope))
	assert.Equal(t, event.ID.String(), envelope.ID)
	assert.Equal(t, "PRICE_ALERT", envelope.Type)
	assert.Equal(t, "u7", envelope.Payload["user_id"])
	assert.Equal(t, relaySource, envelope.Metadata["source"])
	assert.EqualValues(t, 2, envelope.Metadata["retry_count"])
}

func TestRelay_StopsOnCancel(t *testing.T) {
	outbox := new(MockOutboxRepository)
	outbox.On("GetPending", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Maybe()
	relay := NewRelay(outbox, new(MockStreamWriter), testLogger(), RelayConfig{PollInterval: 20 * time.Millisecond, BatchSize: 10})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop on context cancellation")
	}
}

func TestNextRetryTime(t *testing.T) {
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{8, 256 * time.Second},
		{9, 5 * time.Minute},
		{30, 5 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, now.Add(tt.want), nextRetryTime(now, tt.retries), "retries=%d", tt.retries)
	}
}
