package nats

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"agentflow/common"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	embeddedServerName = "agentflow_embedded"
	readyTimeout       = 5 * time.Second
)

// Embedded is an in-process nats server with jetstream enabled, used when
// flow events are streamed over jetstream without an external server. It
// listens on the configured port so that api and worker processes on the
// same host can share it.
type Embedded struct {
	server *server.Server
}

func NewEmbedded(config common.NatsConfig) (*Embedded, error) {
	storeDir, err := storeDir(config)
	if err != nil {
		return nil, err
	}
	port := config.Port
	if port == 0 {
		port = common.GetNatsServerPort()
	}
	host := config.Host
	if host == "" {
		host = common.GetNatsServerHost()
	}

	s, err := server.NewServer(&server.Options{
		ServerName:         embeddedServerName,
		Host:               host,
		Port:               port,
		JetStream:          true,
		JetStreamDomain:    embeddedServerName,
		StoreDir:           storeDir,
		JetStreamMaxMemory: config.MaxMemory,
		JetStreamMaxStore:  config.MaxStore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}
	s.SetLogger(zerologAdapter{log: log.With().Str("component", "nats").Logger().Level(zerolog.WarnLevel)}, false, false)
	return &Embedded{server: s}, nil
}

func storeDir(config common.NatsConfig) (string, error) {
	if config.StoreDir != "" {
		return config.StoreDir, nil
	}
	dataHome, err := common.GetDataHome()
	if err != nil {
		return "", fmt.Errorf("failed to get agentflow data home: %w", err)
	}
	return filepath.Join(dataHome, "nats-jetstream"), nil
}

// Start runs the server and blocks until it accepts connections, ctx is
// done, or the ready timeout passes.
func (e *Embedded) Start(ctx context.Context) error {
	e.server.Start()

	deadline := time.Now().Add(readyTimeout)
	for !e.server.ReadyForConnections(100 * time.Millisecond) {
		if err := ctx.Err(); err != nil {
			e.server.Shutdown()
			return err
		}
		if time.Now().After(deadline) {
			e.server.Shutdown()
			return fmt.Errorf("embedded nats server not ready after %s", readyTimeout)
		}
	}
	return nil
}

func (e *Embedded) ClientURL() string {
	return e.server.ClientURL()
}

// Stop shuts the server down and waits for it to exit.
func (e *Embedded) Stop() error {
	e.server.Shutdown()
	e.server.WaitForShutdown()
	return nil
}

// zerologAdapter forwards nats server logs to zerolog.
type zerologAdapter struct {
	log zerolog.Logger
}

func (z zerologAdapter) Noticef(format string, v ...any) { z.log.Info().Msgf(format, v...) }
func (z zerologAdapter) Warnf(format string, v ...any) { z.log.Warn().Msgf(format, v...) }
func (z zerologAdapter) Errorf(format string, v ...any) { z.log.Error().Msgf(format, v...) }
func (z zerologAdapter) Debugf(format string, v ...any) { z.log.Debug().Msgf(format, v...) }
func (z zerologAdapter) Tracef(format string, v ...any) { z.log.Trace().Msgf(format, v...) }

// Fatalf only logs: the embedded server must not exit the process.
func (z zerologAdapter) Fatalf(format string, v ...any) { z.log.Error().Msgf(format, v...) }
