package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentflow/domain"

	"github.com/redis/go-redis/v9"
)

const flowEventStreamTTL = 24 * time.Hour

func flowEventStreamKey(sessionId string) string {
	return fmt.Sprintf("flow_session:%s:events", sessionId)
}

func (db *Streamer) AddFlowEvent(ctx context.Context, flowEvent domain.FlowEvent) error {
	return db.addToStream(ctx, flowEvent)
}

func (db *Streamer) EndFlowEventStream(ctx context.Context, sessionId string) error {
	return db.addToStream(ctx, domain.FlowEvent{
		FlowSessionId: sessionId,
		EventType:     domain.EndStreamEventType,
		Created:       time.Now().UTC(),
	})
}

func (db *Streamer) addToStream(ctx context.Context, flowEvent domain.FlowEvent) error {
	streamKey := flowEventStreamKey(flowEvent.FlowSessionId)

	// explicitly serialized: the payload is a nested document
	serializedEvent, err := json.Marshal(flowEvent)
	if err != nil {
		return fmt.Errorf("failed to serialize flow event: %w", err)
	}

	err = db.Client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{"event": serializedEvent},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add flow event to stream: %w", err)
	}
	if err := db.Client.Expire(ctx, streamKey, flowEventStreamTTL).Err(); err != nil {
		return fmt.Errorf("failed to set flow event stream ttl: %w", err)
	}
	return nil
}

// GetFlowEvents reads up to maxCount events after streamMessageStartId,
// blocking up to blockDuration, and returns the id to continue from.
func (db *Streamer) GetFlowEvents(ctx context.Context, sessionId, streamMessageStartId string, maxCount int64, blockDuration time.Duration) ([]domain.FlowEvent, string, error) {
	// default to starting from the start of the stream for flow events
	if streamMessageStartId == "" {
		streamMessageStartId = "0"
	}
	if maxCount == 0 {
		maxCount = 100
	}
	// go-redis sends BLOCK 0 (forever) for a zero duration; -1 omits BLOCK
	if blockDuration <= 0 {
		blockDuration = -1
	}

	streams, err := db.Client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{flowEventStreamKey(sessionId), streamMessageStartId},
		Count:   maxCount,
		Block:   blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, streamMessageStartId, nil
		}
		return nil, "", fmt.Errorf("failed to read from Redis stream: %w", err)
	}

	var events []domain.FlowEvent
	lastId := streamMessageStartId
	for _, stream := range streams {
		for _, message := range stream.Messages {
			jsonEvent, ok := message.Values["event"].(string)
			if !ok {
				return nil, "", fmt.Errorf("flow event stream message %s has no event", message.ID)
			}
			event, err := domain.UnmarshalFlowEvent([]byte(jsonEvent))
			if err != nil {
				return nil, "", fmt.Errorf("failed to deserialize flow event: %w", err)
			}
			events = append(events, event)
			lastId = message.ID
		}
	}
	return events, lastId, nil
}

func (db *Streamer) StreamFlowEvents(ctx context.Context, sessionId, streamMessageStartId string) (<-chan domain.FlowEvent, <-chan error) {
	eventCh := make(chan domain.FlowEvent)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		lastId := streamMessageStartId
		if lastId == "$" {
			// pin "$" to a concrete id so messages between reads are not skipped
			latest, err := db.Client.XRevRangeN(ctx, flowEventStreamKey(sessionId), "+", "-", 1).Result()
			if err != nil {
				errCh <- fmt.Errorf("failed to read latest flow event id: %w", err)
				return
			}
			lastId = "0"
			if len(latest) > 0 {
				lastId = latest[0].ID
			}
		}
		for {
			if ctx.Err() != nil {
				return
			}
			blockDuration := 250 * time.Millisecond
			events, nextId, err := db.GetFlowEvents(ctx, sessionId, lastId, 100, blockDuration)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errCh <- err
				return
			}
			lastId = nextId

			for _, event := range events {
				select {
				case <-ctx.Done():
					return
				case eventCh <- event:
				}
				if event.EventType == domain.EndStreamEventType {
					return
				}
			}
		}
	}()

	return eventCh, errCh
}
