package nats

import (
	"context"
	"path/filepath"
	"testing"

	"agentflow/common"

	natspkg "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedStartAndConnect(t *testing.T) {
	config := common.NatsConfig{Host: "127.0.0.1", Port: 28870, StoreDir: t.TempDir()}
	server, err := NewEmbedded(config)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	nc, err := GetConnection(config)
	require.NoError(t, err)
	defer nc.Close()
	assert.Equal(t, natspkg.CONNECTED, nc.Status())
	assert.NotEmpty(t, server.ClientURL())

	js, err := nc.JetStream()
	require.NoError(t, err)
	info, err := js.AccountInfo()
	require.NoError(t, err)
	assert.Equal(t, embeddedServerName, info.Domain)
}

func TestStoreDir(t *testing.T) {
	dir, err := storeDir(common.NatsConfig{StoreDir: "/var/lib/agentflow/js"})
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/agentflow/js", dir)

	t.Setenv("AGENTFLOW_DATA_HOME", t.TempDir())
	dir, err = storeDir(common.NatsConfig{})
	require.NoError(t, err)
	assert.Equal(t, "nats-jetstream", filepath.Base(dir))
}
