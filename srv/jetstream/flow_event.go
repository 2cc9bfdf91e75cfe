package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"agentflow/domain"

	"github.com/nats-io/nats.go/jetstream"
)

var _ domain.FlowEventStreamer = (*Streamer)(nil)

func flowEventSubject(sessionId string) string {
	return fmt.Sprintf("flow_events.%s", sessionId)
}

func (s *Streamer) AddFlowEvent(ctx context.Context, flowEvent domain.FlowEvent) error {
	return s.publish(ctx, flowEvent)
}

func (s *Streamer) EndFlowEventStream(ctx context.Context, sessionId string) error {
	return s.publish(ctx, domain.FlowEvent{
		FlowSessionId: sessionId,
		EventType:     domain.EndStreamEventType,
		Created:       time.Now().UTC(),
	})
}

func (s *Streamer) publish(ctx context.Context, flowEvent domain.FlowEvent) error {
	data, err := json.Marshal(flowEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal flow event: %w", err)
	}

	_, err = s.js.Publish(ctx, flowEventSubject(flowEvent.FlowSessionId), data)
	if err != nil {
		return fmt.Errorf("failed to publish flow event: %w", err)
	}
	return nil
}

// StreamFlowEvents follows a session's events. streamMessageStartId is a
// stream sequence to start from, "" or "0" for the beginning, or "$" for new
// messages only. The stream ends after an end_stream event.
func (s *Streamer) StreamFlowEvents(ctx context.Context, sessionId, streamMessageStartId string) (<-chan domain.FlowEvent, <-chan error) {
	eventCh := make(chan domain.FlowEvent)
	errCh := make(chan error, 1)

	go func() {
		defer close(eventCh)
		defer close(errCh)

		consumer, err := s.createConsumer(ctx, flowEventSubject(sessionId), streamMessageStartId)
		if err != nil {
			errCh <- err
			return
		}
		s.consumeFlowEvents(ctx, consumer, eventCh, errCh)
	}()

	return eventCh, errCh
}

func (s *Streamer) createConsumer(ctx context.Context, subject, streamMessageStartId string) (jetstream.Consumer, error) {
	var deliveryPolicy jetstream.DeliverPolicy
	var startSeq uint64

	if streamMessageStartId == "" || streamMessageStartId == "0" {
		deliveryPolicy = jetstream.DeliverAllPolicy
	} else if streamMessageStartId == "$" {
		deliveryPolicy = jetstream.DeliverNewPolicy
	} else {
		deliveryPolicy = jetstream.DeliverByStartSequencePolicy
		var err error
		startSeq, err = strconv.ParseUint(streamMessageStartId, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid stream message start id: %w", err)
		}
	}

	consumer, err := s.js.OrderedConsumer(ctx, FlowEventStreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects:    []string{subject},
		InactiveThreshold: 5 * time.Minute,
		DeliverPolicy:     deliveryPolicy,
		OptStartSeq:       startSeq,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	return consumer, nil
}

func (s *Streamer) consumeFlowEvents(ctx context.Context, consumer jetstream.Consumer, eventCh chan<- domain.FlowEvent, errCh chan<- error) {
	done := make(chan struct{})
	var consContext jetstream.ConsumeContext
	consContext, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case <-done:
			return
		default:
		}

		event, err := domain.UnmarshalFlowEvent(msg.Data())
		if err != nil {
			select {
			case errCh <- fmt.Errorf("failed to unmarshal flow event: %w", err):
			default:
			}
			return
		}

		select {
		case eventCh <- event:
			msg.Ack()
			if event.EventType == domain.EndStreamEventType {
				close(done)
				consContext.Stop()
			}
		case <-ctx.Done():
		}
	})
	if err != nil {
		errCh <- fmt.Errorf("failed to consume messages: %w", err)
		return
	}

	defer consContext.Stop()

	select {
	case <-consContext.Closed():
	case <-ctx.Done():
	}
}
