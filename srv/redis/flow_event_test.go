package redis

import (
	"context"
	"testing"
	"time"

	"agentflow/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddFlowEvent(t *testing.T) {
	streamer := NewTestRedisStreamer(t)
	ctx := context.Background()
	flowEvent := domain.FlowEvent{
		Id:            7,
		FlowSessionId: "fs_1",
		EventType:     domain.StepCompletedEventType,
		TotalTokens:   42,
		Payload:       domain.Document{"stepId": "draft"},
		Created:       time.Now().UTC().Truncate(time.Second),
	}

	require.NoError(t, streamer.AddFlowEvent(ctx, flowEvent))

	messages, err := streamer.Client.XRange(ctx, flowEventStreamKey("fs_1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, messages, 1)

	streamed, err := domain.UnmarshalFlowEvent([]byte(messages[0].Values["event"].(string)))
	require.NoError(t, err)
	assert.Equal(t, flowEvent, streamed)

	ttl, err := streamer.Client.TTL(ctx, flowEventStreamKey("fs_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestGetFlowEvents(t *testing.T) {
	streamer := NewTestRedisStreamer(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, streamer.AddFlowEvent(ctx, domain.FlowEvent{Id: i, FlowSessionId: "fs_1", EventType: domain.StepStartedEventType}))
	}

	events, lastId, err := streamer.GetFlowEvents(ctx, "fs_1", "", 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Id)

	events, lastId, err = streamer.GetFlowEvents(ctx, "fs_1", lastId, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Id)

	events, nextId, err := streamer.GetFlowEvents(ctx, "fs_1", lastId, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, lastId, nextId)
}

func TestStreamFlowEvents(t *testing.T) {
	streamer := NewTestRedisStreamer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, streamer.AddFlowEvent(ctx, domain.FlowEvent{Id: 1, FlowSessionId: "fs_1", EventType: domain.FlowStartedEventType}))

	eventCh, errCh := streamer.StreamFlowEvents(ctx, "fs_1", "0")

	require.NoError(t, streamer.AddFlowEvent(ctx, domain.FlowEvent{Id: 2, FlowSessionId: "fs_1", EventType: domain.FlowCompletedEventType}))
	require.NoError(t, streamer.EndFlowEventStream(ctx, "fs_1"))

	var received []domain.FlowEvent
	for event := range eventCh {
		received = append(received, event)
	}
	require.NoError(t, <-errCh)

	require.Len(t, received, 3)
	assert.Equal(t, domain.FlowStartedEventType, received[0].EventType)
	assert.Equal(t, domain.FlowCompletedEventType, received[1].EventType)
	assert.Equal(t, domain.EndStreamEventType, received[2].EventType)
}

func TestStreamFlowEvents_OnlyNew(t *testing.T) {
	streamer := NewTestRedisStreamer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, streamer.AddFlowEvent(ctx, domain.FlowEvent{Id: 1, FlowSessionId: "fs_1", EventType: domain.FlowStartedEventType}))

	eventCh, _ := streamer.StreamFlowEvents(ctx, "fs_1", "$")
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, streamer.EndFlowEventStream(ctx, "fs_1"))

	var received []domain.FlowEvent
	for event := range eventCh {
		received = append(received, event)
	}
	require.Len(t, received, 1)
	assert.Equal(t, domain.EndStreamEventType, received[0].EventType)
}
