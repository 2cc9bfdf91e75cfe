package main

import (
	"context"
	"fmt"
	"os"

	"agentflow/common"
	"agentflow/logger"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("Warning: failed to load .env file")
		}
	}
	log.Logger = logger.Get()

	err := newRootCommand().Run(context.Background(), os.Args)
	logger.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "agentflow",
		Usage:   "Run and manage AI agent flows",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "agentflow.yml",
				Usage:   "Path to a yaml, toml or json config file",
				Sources: cli.EnvVars("AGENTFLOW_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			NewStartCommand(),
			NewDefinitionCommand(),
			NewSessionCommand(),
			NewServiceCommand(),
			NewSecretCommand(),
		},
	}
}

func loadConfig(cmd *cli.Command) (common.Config, error) {
	path := cmd.String("config")
	config, err := common.LoadConfig(path)
	if err != nil {
		return common.Config{}, &common.ConfigurationError{Reason: path, Err: err}
	}
	if err := logger.Configure(config.Log); err != nil {
		return common.Config{}, &common.ConfigurationError{Reason: "log", Err: err}
	}
	return config, nil
}
