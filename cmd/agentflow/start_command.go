package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"agentflow/api"
	"agentflow/common"
	"agentflow/telemetry"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const serviceName = "agentflow"

const shutdownTimeout = 10 * time.Second

func NewStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the agentflow API server and workers",
		Description: "Starts the agentflow services. By default, all services are started. " +
			"Use flags to enable specific services if you want to run only a subset.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Enable the API server component",
			},
			&cli.BoolFlag{
				Name:    "worker",
				Aliases: []string{"w"},
				Usage:   "Enable the worker component",
			},
		},
		Action: handleStartCommand,
	}
}

func handleStartCommand(ctx context.Context, cmd *cli.Command) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	components := services{server: cmd.Bool("server"), worker: cmd.Bool("worker")}
	if !components.server && !components.worker {
		components = services{server: true, worker: true}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runServices(ctx, config, components)
}

type services struct {
	server bool
	worker bool
}

// runServices runs the selected components until ctx is done or one of them
// fails, then shuts everything down.
func runServices(ctx context.Context, config common.Config, components services) error {
	shutdownTracer, err := telemetry.InitTracer(serviceName, config.Telemetry)
	if err != nil {
		return err
	}
	shutdownMeter, err := telemetry.InitMeter(serviceName, config.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownMeter(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down meter provider")
		}
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracer provider")
		}
	}()

	a, err := newApp(ctx, config, appOptions{Metrics: telemetry.NewOtelMetricsSink(nil)})
	if err != nil {
		return err
	}
	defer a.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	if components.worker {
		log.Info().Int("count", config.Worker.Count).Msg("Starting workers...")
		pool := a.newWorkerPool()
		group.Go(func() error {
			return pool.Run(groupCtx)
		})
		if a.summarizer != nil {
			group.Go(func() error {
				return a.summarizer.Run(groupCtx)
			})
		}
	}

	if components.server {
		allowedOrigins, err := api.NewAllowedOrigins(config.API)
		if err != nil {
			return err
		}
		ctrl := api.NewController(api.Dependencies{
			Service:      a.service,
			Definitions:  a.definitions,
			Catalog:      a.catalog,
			Orchestrator: a.orchestrator,
			Gate:         a.gate,
			Memory:       a.memory,
			Summarizer:   a.summarizer,
		})
		server := api.NewServer(config.API, api.DefineRoutes(ctrl, allowedOrigins))

		group.Go(func() error {
			log.Info().Str("addr", server.Addr).Msg("Starting server...")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-groupCtx.Done()
			log.Info().Msg("Stopping server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("All services stopped")
	return nil
}
