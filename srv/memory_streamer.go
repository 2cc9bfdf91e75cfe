package srv

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"agentflow/domain"
)

// MemoryStreamer implements Streamer in process. Events are kept per session
// and a subscriber's stream position is the 1-based index of the message.
type MemoryStreamer struct {
	mu                 sync.RWMutex
	flowEvents         map[string][]domain.FlowEvent // keyed by sessionId
	flowEventListeners map[string][]chan domain.FlowEvent
}

func NewMemoryStreamer() *MemoryStreamer {
	return &MemoryStreamer{
		flowEvents:         make(map[string][]domain.FlowEvent),
		flowEventListeners: make(map[string][]chan domain.FlowEvent),
	}
}

func (m *MemoryStreamer) AddFlowEvent(ctx context.Context, flowEvent domain.FlowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessionId := flowEvent.FlowSessionId
	m.flowEvents[sessionId] = append(m.flowEvents[sessionId], flowEvent)
	for _, ch := range m.flowEventListeners[sessionId] {
		select {
		case ch <- flowEvent:
		default:
		}
	}
	return nil
}

func (m *MemoryStreamer) EndFlowEventStream(ctx context.Context, sessionId string) error {
	return m.AddFlowEvent(ctx, domain.FlowEvent{
		FlowSessionId: sessionId,
		EventType:     domain.EndStreamEventType,
		Created:       time.Now().UTC(),
	})
}

// StreamFlowEvents replays messages after streamMessageStartId ("" or "0"
// for the beginning, "$" for only new messages) and then follows the stream
// until ctx is done.
func (m *MemoryStreamer) StreamFlowEvents(ctx context.Context, sessionId, streamMessageStartId string) (<-chan domain.FlowEvent, <-chan error) {
	errCh := make(chan error, 1)

	m.mu.Lock()
	existing := m.flowEvents[sessionId]
	var backlog []domain.FlowEvent
	switch streamMessageStartId {
	case "$":
	case "", "0":
		backlog = existing
	default:
		position, err := strconv.Atoi(streamMessageStartId)
		if err != nil || position < 0 {
			m.mu.Unlock()
			eventCh := make(chan domain.FlowEvent)
			close(eventCh)
			errCh <- fmt.Errorf("invalid stream message start id: %q", streamMessageStartId)
			close(errCh)
			return eventCh, errCh
		}
		if position < len(existing) {
			backlog = existing[position:]
		}
	}

	eventCh := make(chan domain.FlowEvent, len(backlog)+100)
	for _, event := range backlog {
		eventCh <- event
	}
	m.flowEventListeners[sessionId] = append(m.flowEventListeners[sessionId], eventCh)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		listeners := m.flowEventListeners[sessionId]
		for i, ch := range listeners {
			if ch == eventCh {
				m.flowEventListeners[sessionId] = append(listeners[:i], listeners[i+1:]...)
				break
			}
		}
		if len(m.flowEventListeners[sessionId]) == 0 {
			delete(m.flowEventListeners, sessionId)
		}
		m.mu.Unlock()
		close(eventCh)
		close(errCh)
	}()

	return eventCh, errCh
}

var _ Streamer = (*MemoryStreamer)(nil)
