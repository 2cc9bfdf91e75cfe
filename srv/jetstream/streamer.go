package jetstream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type Streamer struct {
	js jetstream.JetStream
}

const (
	FlowEventStreamName = "AGENTFLOW_FLOW_EVENTS"
	flowEventSubjects   = "flow_events.*"
	flowEventMaxAge     = 24 * time.Hour
)

func NewStreamer(nc *nats.Conn) (*Streamer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// flow events are persisted in storage; the stream only serves live
	// subscribers, so it is bounded by age (this is idempotent)
	_, err = js.CreateOrUpdateStream(context.Background(), jetstream.StreamConfig{
		Name:     FlowEventStreamName,
		Subjects: []string{flowEventSubjects},
		Storage:  jetstream.FileStorage,
		MaxAge:   flowEventMaxAge,
	})
	if err != nil && !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create flow event stream: %w", err)
	}

	return &Streamer{js: js}, nil
}
