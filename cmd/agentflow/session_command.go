package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"agentflow/domain"
	"agentflow/interaction"
	"agentflow/orchestrator"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

const waitPollTimeout = 5 * time.Second

func NewSessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Start and control flow sessions",
		Commands: []*cli.Command{
			{
				Name:      "start",
				Usage:     "Start a session of the active version of a definition",
				ArgsUsage: "<definition name>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "input", Usage: "JSON object passed as the session input"},
					&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "Launch parameter (key=value), can be specified multiple times"},
					&cli.FloatFlag{Name: "temperature", Usage: "Override the sampling temperature of every agent step"},
					&cli.BoolFlag{Name: "wait", Usage: "Run the session in this process until it stops"},
				},
				Action: handleStartSession,
			},
			{
				Name:      "show",
				Usage:     "Show a session with its steps and pending interactions",
				ArgsUsage: "<session id>",
				Action:    handleShowSession,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a session",
				ArgsUsage: "<session id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "reason", Usage: "Why the session is cancelled"},
				},
				Action: handleCancelSession,
			},
			{
				Name:      "respond",
				Usage:     "Respond to a pending interaction request",
				ArgsUsage: "<interaction request id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "payload", Value: "{}", Usage: "JSON object answering the request"},
					&cli.StringFlag{Name: "by", Usage: "Who is responding"},
				},
				Action: handleRespond,
			},
		},
	}
}

func handleStartSession(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		_ = cli.ShowSubcommandHelp(cmd)
		return cli.Exit("A definition name is required.", 1)
	}
	var input domain.Document
	if raw := cmd.String("input"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			return fmt.Errorf("invalid --input: %w", err)
		}
	}
	params, err := parseKeyValues(cmd.StringSlice("param"))
	if err != nil {
		return err
	}
	var overrides *domain.ChatOverrides
	if cmd.IsSet("temperature") {
		temperature := cmd.Float("temperature")
		overrides = &domain.ChatOverrides{Temperature: &temperature}
	}

	a, err := newAppFromCommand(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.orchestrator.Start(ctx, orchestrator.StartRequest{
		DefinitionName:   name,
		Input:            input,
		LaunchParameters: domain.Document(params),
		Overrides:        overrides,
	})
	if err != nil {
		return err
	}
	if !cmd.Bool("wait") {
		return printJSON(cmd, session)
	}

	snapshot, err := waitForSession(ctx, a, session.Id)
	if err != nil {
		return err
	}
	return printJSON(cmd, snapshot)
}

// waitForSession runs workers in process until the session finishes or stops
// to wait for a human.
func waitForSession(ctx context.Context, a *app, sessionId string) (orchestrator.SessionSnapshot, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := a.newWorkerPool()
	poolErr := make(chan error, 1)
	go func() { poolErr <- pool.Run(ctx) }()
	if a.summarizer != nil {
		go func() { _ = a.summarizer.Run(ctx) }()
	}

	var sinceEventId, stateVersion int64
	for {
		result, err := a.orchestrator.PollSession(ctx, sessionId, sinceEventId, stateVersion, waitPollTimeout)
		if err != nil {
			return orchestrator.SessionSnapshot{}, err
		}
		for _, event := range result.Events {
			log.Info().Str("eventType", string(event.EventType)).Str("status", event.Status).Msg("Flow event")
			sinceEventId = event.Id
		}
		stateVersion = result.Session.StateVersion
		status := result.Session.Status
		if domain.IsTerminalSessionStatus(status) || status == domain.FlowSessionStatusWaitingForInteraction || status == domain.FlowSessionStatusPaused {
			return result.SessionSnapshot, nil
		}

		select {
		case err := <-poolErr:
			if err != nil {
				return orchestrator.SessionSnapshot{}, err
			}
			return result.SessionSnapshot, nil
		default:
		}
	}
}

func handleShowSession(ctx context.Context, cmd *cli.Command) error {
	sessionId := cmd.Args().First()
	if sessionId == "" {
		_ = cli.ShowSubcommandHelp(cmd)
		return cli.Exit("A session id is required.", 1)
	}
	a, err := newAppFromCommand(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	snapshot, err := a.orchestrator.Snapshot(ctx, sessionId)
	if err != nil {
		return err
	}
	return printJSON(cmd, snapshot)
}

func handleCancelSession(ctx context.Context, cmd *cli.Command) error {
	sessionId := cmd.Args().First()
	if sessionId == "" {
		_ = cli.ShowSubcommandHelp(cmd)
		return cli.Exit("A session id is required.", 1)
	}
	a, err := newAppFromCommand(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.orchestrator.Cancel(ctx, sessionId, cmd.String("reason"))
	if err != nil {
		return err
	}
	return printJSON(cmd, session)
}

func handleRespond(ctx context.Context, cmd *cli.Command) error {
	requestId := cmd.Args().First()
	if requestId == "" {
		_ = cli.ShowSubcommandHelp(cmd)
		return cli.Exit("An interaction request id is required.", 1)
	}
	var payload domain.Document
	if err := json.Unmarshal([]byte(cmd.String("payload")), &payload); err != nil {
		return fmt.Errorf("invalid --payload: %w", err)
	}
	a, err := newAppFromCommand(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	response, err := a.gate.Respond(ctx, interaction.RespondRequest{
		RequestId:   requestId,
		Source:      domain.InteractionSourceHuman,
		RespondedBy: cmd.String("by"),
		Payload:     payload,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, response)
}
