package jetstream

import (
	"context"
	"testing"

	"agentflow/common"
	"agentflow/nats"

	natspkg "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

const TestNatsServerPort = 28866

func NewTestStreamer(t *testing.T) *Streamer {
	t.Helper()
	server, err := nats.NewEmbedded(common.NatsConfig{
		Host:     "127.0.0.1",
		Port:     TestNatsServerPort,
		StoreDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	nc, err := natspkg.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	streamer, err := NewStreamer(nc)
	require.NoError(t, err)
	return streamer
}
