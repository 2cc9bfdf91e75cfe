package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"agentflow/blueprint"

	"github.com/urfave/cli/v3"
)

func NewDefinitionCommand() *cli.Command {
	return &cli.Command{
		Name:  "definition",
		Usage: "Manage flow definitions",
		Commands: []*cli.Command{
			{
				Name:      "publish",
				Usage:     "Store a blueprint file as a new version and publish it",
				ArgsUsage: "<blueprint file>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Definition name, defaults to the file name without its extension"},
					&cli.StringFlag{Name: "description", Usage: "Definition description"},
					&cli.StringFlag{Name: "notes", Usage: "Change notes for this version"},
					&cli.StringFlag{Name: "by", Value: os.Getenv("USER"), Usage: "Who is publishing"},
					&cli.BoolFlag{Name: "draft", Usage: "Store the version as a draft without publishing"},
				},
				Action: handlePublishDefinition,
			},
			{
				Name:      "versions",
				Usage:     "List every stored version of a definition, newest first",
				ArgsUsage: "<name>",
				Action:    handleDefinitionVersions,
			},
		},
	}
}

func handlePublishDefinition(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		_ = cli.ShowSubcommandHelp(cmd)
		return cli.Exit("A blueprint file is required.", 1)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read blueprint: %w", err)
	}

	a, err := newAppFromCommand(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	name := cmd.String("name")
	if name == "" {
		name = blueprintName(path)
	}
	def, err := a.definitions.CreateDraft(ctx, blueprint.DraftRequest{
		Name:        name,
		Description: cmd.String("description"),
		Blueprint:   data,
	})
	if err != nil {
		return err
	}
	if !cmd.Bool("draft") {
		def, err = a.definitions.Publish(ctx, def.Id, cmd.String("notes"), cmd.String("by"))
		if err != nil {
			return err
		}
	}
	return printJSON(cmd, def)
}

func handleDefinitionVersions(ctx context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		_ = cli.ShowSubcommandHelp(cmd)
		return cli.Exit("A definition name is required.", 1)
	}
	a, err := newAppFromCommand(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	versions, err := a.definitions.Versions(ctx, name)
	if err != nil {
		return err
	}
	return printJSON(cmd, versions)
}

// newAppFromCommand builds an app for one-off commands. Live events stay in
// process, so the memory streamer is always used.
func newAppFromCommand(ctx context.Context, cmd *cli.Command) (*app, error) {
	config, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	config.Storage.Streamer = "memory"
	return newApp(ctx, config, appOptions{})
}

func printJSON(cmd *cli.Command, value any) error {
	encoder := json.NewEncoder(cmd.Root().Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

// parseKeyValues turns key=value pairs into a map, decoding each value as
// JSON when it parses and keeping it as a string otherwise.
func parseKeyValues(pairs []string) (map[string]any, error) {
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		values[key] = value
	}
	return values, nil
}

func blueprintName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}
