package jetstream

import (
	"context"
	"strconv"
	"testing"
	"time"

	"agentflow/domain"

	"github.com/stretchr/testify/suite"
)

type StreamerTestSuite struct {
	suite.Suite
	streamer *Streamer
}

func (s *StreamerTestSuite) SetupSuite() {
	s.streamer = NewTestStreamer(s.T())
}

func (s *StreamerTestSuite) collect(eventCh <-chan domain.FlowEvent, errCh <-chan error) []domain.FlowEvent {
	var received []domain.FlowEvent
	for event := range eventCh {
		received = append(received, event)
	}
	for err := range errCh {
		s.Require().NoError(err)
	}
	return received
}

func (s *StreamerTestSuite) TestFlowEventStreaming() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessionId := "fs_stream_all"

	// Use non-UTC timezone to verify UTC normalization
	loc, err := time.LoadLocation("America/New_York")
	s.Require().NoError(err)
	created := time.Date(2025, 6, 15, 10, 30, 45, 0, loc)

	events := []domain.FlowEvent{
		{Id: 1, FlowSessionId: sessionId, EventType: domain.FlowStartedEventType, Created: created},
		{Id: 2, FlowSessionId: sessionId, EventType: domain.StepCompletedEventType, TotalTokens: 12, Payload: domain.Document{"stepId": "draft"}, Created: created},
	}
	for _, event := range events {
		s.Require().NoError(s.streamer.AddFlowEvent(ctx, event))
	}
	s.Require().NoError(s.streamer.EndFlowEventStream(ctx, sessionId))

	received := s.collect(s.streamer.StreamFlowEvents(ctx, sessionId, "0"))

	s.Require().Len(received, 3)
	s.Equal(int64(1), received[0].Id)
	s.Equal(created.UTC(), received[0].Created)
	s.Equal("draft", received[1].Payload.GetString("stepId"))
	s.Equal(domain.EndStreamEventType, received[2].EventType)
}

func (s *StreamerTestSuite) TestFlowEventStreaming_FromSequence() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessionId := "fs_stream_seq"

	for i := int64(1); i <= 3; i++ {
		s.Require().NoError(s.streamer.AddFlowEvent(ctx, domain.FlowEvent{Id: i, FlowSessionId: sessionId, EventType: domain.StepStartedEventType}))
	}
	s.Require().NoError(s.streamer.EndFlowEventStream(ctx, sessionId))

	// first pass to learn the sequence of the last step event
	var lastSeq uint64
	consumer, err := s.streamer.createConsumer(ctx, flowEventSubject(sessionId), "0")
	s.Require().NoError(err)
	batch, err := consumer.Fetch(4)
	s.Require().NoError(err)
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		s.Require().NoError(err)
		event, err := domain.UnmarshalFlowEvent(msg.Data())
		s.Require().NoError(err)
		if event.Id == 3 {
			lastSeq = meta.Sequence.Stream
		}
	}
	s.Require().NotZero(lastSeq)

	received := s.collect(s.streamer.StreamFlowEvents(ctx, sessionId, strconv.FormatUint(lastSeq, 10)))
	s.Require().Len(received, 2)
	s.Equal(int64(3), received[0].Id)
	s.Equal(domain.EndStreamEventType, received[1].EventType)
}

func (s *StreamerTestSuite) TestFlowEventStreaming_OnlyNew() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessionId := "fs_stream_new"

	s.Require().NoError(s.streamer.AddFlowEvent(ctx, domain.FlowEvent{Id: 1, FlowSessionId: sessionId, EventType: domain.FlowStartedEventType}))

	eventCh, errCh := s.streamer.StreamFlowEvents(ctx, sessionId, "$")
	time.Sleep(100 * time.Millisecond)
	s.Require().NoError(s.streamer.AddFlowEvent(ctx, domain.FlowEvent{Id: 2, FlowSessionId: sessionId, EventType: domain.FlowCompletedEventType}))
	s.Require().NoError(s.streamer.EndFlowEventStream(ctx, sessionId))

	received := s.collect(eventCh, errCh)
	s.Require().Len(received, 2)
	s.Equal(int64(2), received[0].Id)
}

func (s *StreamerTestSuite) TestInvalidStartId() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	eventCh, errCh := s.streamer.StreamFlowEvents(ctx, "fs_invalid", "abc")
	for range eventCh {
	}
	s.Error(<-errCh)
}

func TestStreamerTestSuite(t *testing.T) {
	suite.Run(t, new(StreamerTestSuite))
}
