package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fxnlabs/subgen/internal/server"
	"github.com/fxnlabs/subgen/pkg/client"
)

func remoteCommand() *cli.Command {
	newClient := func(c *cli.Context) *client.Client {
		return client.New(c.String("server"), &http.Client{Timeout: c.Duration("timeout")})
	}
	return &cli.Command{
		Name:  "remote",
		Usage: "Send requests to a running subgen server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Server base `URL`; defaults to the configured listen address",
				EnvVars: []string{"SUBGEN_SERVER"},
			},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Minute, Usage: "Request timeout"},
		},
		Before: func(c *cli.Context) error {
			if !c.IsSet("server") {
				return c.Set("server", "http://"+configFrom(c).ListenAddr())
			}
			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:      "transcribe",
				Usage:     "Transcribe one audio file on the server",
				ArgsUsage: "AUDIO",
				Flags:     []cli.Flag{modelFlag, durationFlag},
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("expected exactly one audio file", 2)
					}
					asJSON, err := wantJSON(c)
					if err != nil {
						return err
					}
					cfg := configFrom(c)
					res, err := newClient(c).Transcribe(c.Context, server.TranscriptionRequest{
						Audio:         c.Args().First(),
						Model:         c.String("model"),
						Preference:    cfg.Preference,
						Language:      cfg.Language,
						InputDuration: c.Duration("duration").Seconds(),
					})
					if err != nil {
						var apiErr *client.APIError
						if errors.As(err, &apiErr) && apiErr.Kind != "" {
							return cli.Exit(apiErr.Message, 1)
						}
						return err
					}
					if asJSON {
						return printJSON(c.App.Writer, res)
					}
					printResult(c, res)
					return nil
				},
			},
			{
				Name:  "hardware",
				Usage: "Show the server's compute devices",
				Action: func(c *cli.Context) error {
					hw, err := newClient(c).Hardware(c.Context)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, hw)
				},
			},
			{
				Name:  "history",
				Usage: "Show the server's recent requests",
				Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
				Action: func(c *cli.Context) error {
					entries, err := newClient(c).History(c.Context, c.Int("limit"))
					if err != nil {
						return fmt.Errorf("fetch history: %w", err)
					}
					return printJSON(c.App.Writer, entries)
				},
			},
		},
	}
}
