package nats

import (
	"fmt"

	"agentflow/common"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

func GetConnection(config common.NatsConfig) (*nats.Conn, error) {
	host := config.Host
	if host == "" {
		host = common.GetNatsServerHost()
	}
	port := config.Port
	if port == 0 {
		port = common.GetNatsServerPort()
	}
	nc, err := nats.Connect(fmt.Sprintf("nats://%s:%d", host, port))

	if err != nil {
		log.Error().Err(err).Msg("Failed to connect to NATS")
		return nil, err
	}

	return nc, nil
}
