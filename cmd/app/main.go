package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/galaxy/internal"
	"github.com/starford/galaxy/internal/models"
	pkgconfig "github.com/starford/galaxy/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	configPath := cmd.String("config")

	cfg := internal.NewDefaultConfig()
	if _, err := pkgconfig.LoadOrDefault(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}

	if err := internal.Run(ctx, opts...); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}

	return nil
}

func syncAssets(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := internal.Sync(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
	if err != nil {
		return fmt.Errorf("sync error: %w", err)
	}
	fmt.Fprintf(os.Stdout, "synced %d files into %s\n", n, cfg.Galaxy.CacheDir())
	return nil
}

func listMacros(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.ListMacros(ctx, os.Stdout, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func runMacro(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	task := models.ExecutionTask{Label: cmd.String("label")}
	if path := cmd.String("file"); path != "" {
		code, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read macro: %w", err)
		}
		task.Code = string(code)
	}
	if task.Label == "" && task.Code == "" {
		return fmt.Errorf("one of --label or --file is required")
	}
	if in := cmd.String("input"); in != "" {
		if !json.Valid([]byte(in)) {
			return fmt.Errorf("--input must be JSON")
		}
		task.Input = json.RawMessage(in)
	}

	env, err := internal.RunMacro(ctx, os.Stdout, task, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
	if err != nil {
		return fmt.Errorf("run error: %w", err)
	}
	if !env.Success {
		return cli.Exit("", 2)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol.
	return internal.ServeMCP(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))
}

func main() {
	cmd := &cli.Command{
		Name:   "galaxy",
		Usage:  "Local macro runner and asset server for the Galaxy canvas",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the UI and run macros (default)",
				Action: serve,
			},
			{
				Name:   "sync",
				Usage:  "Fetch the UI distribution into the local cache",
				Action: syncAssets,
			},
			{
				Name:   "macros",
				Usage:  "List registered macros",
				Action: listMacros,
			},
			{
				Name:   "run",
				Usage:  "Run one macro without a page attached and print its result",
				Action: runMacro,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "label", Aliases: []string{"l"}, Usage: "Registered macro label"},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "File holding inline macro code"},
					&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "JSON input for the macro"},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve macros and files as MCP tools over stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
