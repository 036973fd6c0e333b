package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/config"
	"github.com/fxnlabs/subgen/internal/logger"
)

const defaultConfigPath = "subgen.yaml"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "subgen",
		Usage: "Hardware-aware speech transcription with automatic backend fallback",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   defaultConfigPath,
				Usage:   "Load configuration from `FILE` (yaml, json or toml)",
				EnvVars: []string{"SUBGEN_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "preference",
				Usage:   "Backend preference: auto, cuda, rocm, openvino, metal, coreml, vulkan or cpu",
				EnvVars: []string{"SUBGEN_PREFERENCE"},
			},
			&cli.StringFlag{
				Name:    "language",
				Usage:   "Language for user-facing messages",
				EnvVars: []string{"SUBGEN_LANGUAGE"},
			},
			&cli.StringFlag{
				Name:  "output",
				Value: "auto",
				Usage: "Output format: auto, table or json",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			zapLogger, err := logger.NewLogger(cfg)
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]interface{}{
				"config": cfg,
				"logger": zapLogger,
			}
			return nil
		},
		After: func(c *cli.Context) error {
			if log, ok := c.App.Metadata["logger"].(*zap.Logger); ok {
				_ = log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			initCommand(),
			detectCommand(),
			chainCommand(),
			modelsCommand(),
			transcribeCommand(),
			batchCommand(),
			serveCommand(),
			historyCommand(),
			remoteCommand(),
		},
	}
}

// loadConfig reads the config file. A missing file at the default path
// falls back to the defaults; an explicit path must exist.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.LoadConfig(path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist) && !c.IsSet("config"):
		cfg = config.Default()
	default:
		return nil, err
	}

	if c.IsSet("preference") {
		if _, err := catalog.ParsePreference(c.String("preference")); err != nil {
			return nil, err
		}
		cfg.Preference = c.String("preference")
	}
	if c.IsSet("language") {
		cfg.Language = c.String("language")
	}
	return cfg, nil
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func loggerFrom(c *cli.Context) *zap.Logger {
	return c.App.Metadata["logger"].(*zap.Logger)
}
