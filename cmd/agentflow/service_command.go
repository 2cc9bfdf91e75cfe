package main

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"agentflow/common"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var svcConfig = &service.Config{
	Name:        "AgentflowService",
	DisplayName: "Agentflow Service",
	Description: "This service runs the agentflow API server and workers.",
}

// program runs every component under the system service manager.
type program struct {
	config common.Config
	cancel context.CancelFunc
	done   chan struct{}
}

func (p *program) Start(s service.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := runServices(ctx, p.config, services{server: true, worker: true}); err != nil {
			log.Error().Err(err).Msg("Agentflow service stopped with an error")
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
	return nil
}

func NewServiceCommand() *cli.Command {
	return &cli.Command{
		Name:      "service",
		Usage:     "Run or control agentflow as a system service",
		ArgsUsage: "[run|" + joinActions() + "]",
		Action:    handleServiceCommand,
	}
}

func joinActions() string {
	return strings.Join(service.ControlAction[:], "|") + "|status"
}

func handleServiceCommand(ctx context.Context, cmd *cli.Command) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := service.New(&program{config: config}, svcConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	action := cmd.Args().First()
	switch {
	case action == "" || action == "run":
		return s.Run()
	case action == "status":
		status, err := s.Status()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.Root().Writer, serviceStatusName(status))
		return nil
	case slices.Contains(service.ControlAction[:], action):
		return service.Control(s, action)
	default:
		_ = cli.ShowSubcommandHelp(cmd)
		return cli.Exit(fmt.Sprintf("Unknown service action: %s", action), 1)
	}
}

func serviceStatusName(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
