package main

import (
	"context"
	"fmt"

	"agentflow/llm"
	"agentflow/secret_manager"

	"github.com/urfave/cli/v3"
)

func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage secrets such as the LLM API key in the system keyring",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store a secret",
				ArgsUsage: "<value>",
				Flags:     []cli.Flag{secretNameFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					value := cmd.Args().First()
					if value == "" {
						_ = cli.ShowSubcommandHelp(cmd)
						return cli.Exit("A secret value is required.", 1)
					}
					if err := keyringSecrets().SetSecret(cmd.String("name"), value); err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "Stored %s\n", cmd.String("name"))
					return nil
				},
			},
			{
				Name:  "delete",
				Usage: "Delete a stored secret",
				Flags: []cli.Flag{secretNameFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if err := keyringSecrets().DeleteSecret(cmd.String("name")); err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "Deleted %s\n", cmd.String("name"))
					return nil
				},
			},
		},
	}
}

func secretNameFlag() cli.Flag {
	return &cli.StringFlag{Name: "name", Value: llm.OpenaiApiKeyEnv, Usage: "Secret name"}
}

func keyringSecrets() secret_manager.SecretManager {
	return secret_manager.GetSecretManager(secret_manager.KeyringSecretManagerType)
}
