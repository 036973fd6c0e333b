package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fxnlabs/subgen/fixtures"
	"github.com/fxnlabs/subgen/internal/app"
	"github.com/fxnlabs/subgen/internal/catalog"
	"github.com/fxnlabs/subgen/internal/hardware"
	"github.com/fxnlabs/subgen/internal/history"
	"github.com/fxnlabs/subgen/internal/models"
	"github.com/fxnlabs/subgen/internal/orchestrator"
	"github.com/fxnlabs/subgen/internal/server"
)

const stopTimeout = 15 * time.Second

// startCore builds the component graph and fills targets. The returned
// function stops it.
func startCore(c *cli.Context, targets ...interface{}) (func(), error) {
	a := fx.New(
		fx.Supply(configFrom(c)),
		app.Core,
		fx.Replace(loggerFrom(c)),
		app.WithZapLogger(),
		fx.Populate(targets...),
	)
	if err := a.Start(c.Context); err != nil {
		return func() {}, err
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.Stop(ctx); err != nil {
			loggerFrom(c).Warn("failed to stop cleanly", zap.Error(err))
		}
	}, nil
}

func initCommand() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Write a default configuration file",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				path = defaultConfigPath
			}
			if _, err := os.Stat(path); err == nil && !c.Bool("force") {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, fixtures.ConfigTemplate, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Wrote %s\n", path)
			return nil
		},
	}
}

func detectCommand() *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "List the compute devices found on this machine",
		Action: func(c *cli.Context) error {
			asJSON, err := wantJSON(c)
			if err != nil {
				return err
			}
			var cache *hardware.Cache
			stop, err := startCore(c, &cache)
			defer stop()
			if err != nil {
				return err
			}

			devices, detectErr := cache.Devices(c.Context)
			resp := server.HardwareResponse{
				Devices:     devices,
				Diagnostics: hardware.DiagnoseCPUFallback(devices, nil, ""),
			}
			if detectErr != nil {
				resp.Errors = []string{detectErr.Error()}
			}
			if asJSON {
				return printJSON(c.App.Writer, resp)
			}

			rows := make([][]string, 0, len(devices))
			for _, d := range devices {
				rows = append(rows, []string{
					d.ID, string(d.Vendor), string(d.Family), d.Name,
					formatBytes(d.MemoryBytes), d.DriverVersion, runtimes(d), yesNo(d.Default),
				})
			}
			fmt.Fprintln(c.App.Writer, renderTable(
				[]string{"ID", "Vendor", "Family", "Name", "Memory", "Driver", "Runtimes", "Default"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			))
			for _, e := range resp.Errors {
				fmt.Fprintf(c.App.ErrWriter, "warning: %s\n", e)
			}
			for _, hint := range resp.Diagnostics {
				fmt.Fprintf(c.App.Writer, "  - %s\n", hint)
			}
			return nil
		},
	}
}

func chainCommand() *cli.Command {
	return &cli.Command{
		Name:  "chain",
		Usage: "Show the backend fallback chain for this machine",
		Action: func(c *cli.Context) error {
			asJSON, err := wantJSON(c)
			if err != nil {
				return err
			}
			pref, err := catalog.ParsePreference(configFrom(c).Preference)
			if err != nil {
				return err
			}
			var orch *orchestrator.Orchestrator
			stop, err := startCore(c, &orch)
			defer stop()
			if err != nil {
				return err
			}

			chain, err := orch.Chain(c.Context, pref)
			if err != nil {
				loggerFrom(c).Warn("chain built from partial detection", zap.Error(err))
			}
			if asJSON {
				return printJSON(c.App.Writer, chain)
			}
			rows := make([][]string, 0, len(chain))
			for i, cand := range chain {
				rows = append(rows, []string{
					strconv.Itoa(i + 1), string(cand.Kind), cand.Device.Name, strings.Join(cand.Modules, ", "),
				})
			}
			fmt.Fprintln(c.App.Writer, renderTable([]string{"#", "Backend", "Device", "Modules"}, rows,
				[]columnAlignment{alignRight}))
			return nil
		},
	}
}

func modelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "models",
		Usage: "List the known speech models",
		Action: func(c *cli.Context) error {
			asJSON, err := wantJSON(c)
			if err != nil {
				return err
			}
			var list []models.Spec
			for _, id := range models.IDs() {
				m, err := models.Lookup(id)
				if err != nil {
					return err
				}
				list = append(list, m)
			}
			if asJSON {
				return printJSON(c.App.Writer, list)
			}
			rows := make([][]string, 0, len(list))
			for _, m := range list {
				rows = append(rows, []string{m.ID, m.File, formatBytes(m.SizeBytes), formatBytes(m.MemoryBytes)})
			}
			fmt.Fprintln(c.App.Writer, renderTable([]string{"ID", "File", "Download", "Memory"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight}))
			return nil
		},
	}
}

var (
	modelFlag = &cli.StringFlag{
		Name:     "model",
		Aliases:  []string{"m"},
		Usage:    "Model id, configured alias or model file",
		Required: true,
	}
	durationFlag = &cli.DurationFlag{
		Name:  "duration",
		Usage: "Audio duration, used for the speedup figure",
	}
)

func transcribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "transcribe",
		Usage:     "Transcribe one audio file",
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
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var orch *orchestrator.Orchestrator
			stop, err := startCore(c, &orch)
			defer stop()
			if err != nil {
				return err
			}

			cfg := configFrom(c)
			res, err := orch.Run(ctx, orchestrator.Request{
				Audio:         c.Args().First(),
				Model:         cfg.ResolveModel(c.String("model")),
				InputDuration: c.Duration("duration"),
			})
			if err != nil {
				return reportFailure(c, err)
			}
			if asJSON {
				return printJSON(c.App.Writer, res)
			}
			printResult(c, res)
			return nil
		},
	}
}

func batchCommand() *cli.Command {
	return &cli.Command{
		Name:      "batch",
		Usage:     "Transcribe several audio files concurrently",
		ArgsUsage: "AUDIO...",
		Flags: []cli.Flag{
			modelFlag,
			&cli.IntFlag{Name: "parallel", Usage: "Requests run at once; defaults to server.batchLimit"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("expected at least one audio file", 2)
			}
			asJSON, err := wantJSON(c)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var orch *orchestrator.Orchestrator
			stop, err := startCore(c, &orch)
			defer stop()
			if err != nil {
				return err
			}

			cfg := configFrom(c)
			limit := c.Int("parallel")
			if limit <= 0 {
				limit = cfg.Server.BatchLimit
			}
			model := cfg.ResolveModel(c.String("model"))
			reqs := make([]orchestrator.Request, c.NArg())
			for i, audio := range c.Args().Slice() {
				reqs[i] = orchestrator.Request{Audio: audio, Model: model}
			}

			results := orch.RunBatch(ctx, reqs, limit)
			failed := 0
			items := make([]server.BatchItem, len(results))
			rows := make([][]string, 0, len(results))
			for i, r := range results {
				if r.Err != nil {
					failed++
					msg := r.Err.Error()
					resp := server.ErrorResponse{Message: msg}
					if f, ok := orchestrator.AsFailure(r.Err); ok {
						msg = f.Message
						resp = server.ErrorResponse{Message: f.Message, Kind: string(f.Kind), Failures: f.Records}
					}
					items[i] = server.BatchItem{Error: &resp}
					rows = append(rows, []string{r.Request.Audio, "failed", "", "", msg})
					continue
				}
				items[i] = server.BatchItem{Result: r.Result}
				rows = append(rows, []string{
					r.Request.Audio, "completed", string(r.Result.Backend),
					strconv.Itoa(len(r.Result.Segments)), fmt.Sprintf("%.1fx", r.Result.Metrics.Speedup),
				})
			}

			if asJSON {
				if err := printJSON(c.App.Writer, items); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(c.App.Writer, renderTable([]string{"Audio", "Outcome", "Backend", "Segments", "Speedup / Error"}, rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
			}
			if failed > 0 {
				return cli.Exit(fmt.Sprintf("%d of %d requests failed", failed, len(results)), 1)
			}
			return nil
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the transcription API over HTTP",
		Action: func(c *cli.Context) error {
			log := loggerFrom(c).Named("serve")
			if isTerminal(c.App.Writer) {
				banner(c.App.Writer)
			}

			a := fx.New(
				fx.Supply(configFrom(c)),
				app.Core,
				app.Server,
				fx.Replace(loggerFrom(c)),
				app.WithZapLogger(),
			)
			if err := a.Start(c.Context); err != nil {
				return err
			}
			log.Info("listening", zap.String("addr", configFrom(c).ListenAddr()))

			select {
			case sig := <-a.Done():
				log.Info("shutting down", zap.String("signal", sig.String()))
			case <-c.Context.Done():
			}

			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return a.Stop(ctx)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "Show recently processed requests",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of entries to show"},
			&cli.BoolFlag{Name: "stats", Usage: "Show per-backend totals instead of entries"},
			&cli.DurationFlag{Name: "prune", Usage: "Remove entries older than this before listing"},
		},
		Action: func(c *cli.Context) error {
			asJSON, err := wantJSON(c)
			if err != nil {
				return err
			}
			store, err := history.Open(configFrom(c).History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if age := c.Duration("prune"); age > 0 {
				removed, err := store.Prune(c.Context, time.Now().Add(-age))
				if err != nil {
					return err
				}
				loggerFrom(c).Info("pruned history", zap.Int64("removed", removed))
			}

			if c.Bool("stats") {
				stats, err := store.Stats(c.Context)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(c.App.Writer, stats)
				}
				rows := make([][]string, 0, len(stats))
				for _, s := range stats {
					rows = append(rows, []string{
						s.Backend, strconv.Itoa(s.Requests), fmt.Sprintf("%.1fx", s.MeanSpeedup), strconv.Itoa(s.Failures),
					})
				}
				fmt.Fprintln(c.App.Writer, renderTable([]string{"Backend", "Requests", "Mean speedup", "Failures"}, rows,
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
				return nil
			}

			entries, err := store.Recent(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(c.App.Writer, entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.FinishedAt.Local().Format(time.DateTime), e.Audio, e.Model, string(e.State),
					e.Backend, string(e.Kind), strconv.Itoa(e.Failures),
				})
			}
			fmt.Fprintln(c.App.Writer, renderTable(
				[]string{"Finished", "Audio", "Model", "State", "Backend", "Kind", "Failures"}, rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight}))
			return nil
		},
	}
}

// reportFailure prints the display message of a failed request and the
// attempts that led to it.
func reportFailure(c *cli.Context, err error) error {
	f, ok := orchestrator.AsFailure(err)
	if !ok {
		return err
	}
	loggerFrom(c).Debug("request failed", zap.Error(f))
	if len(f.Records) > 0 {
		rows := make([][]string, 0, len(f.Records))
		for _, r := range f.Records {
			rows = append(rows, []string{strconv.Itoa(r.Attempt), r.Backend, string(r.Kind), string(r.Action), r.Error})
		}
		fmt.Fprintln(c.App.ErrWriter, renderTable([]string{"Attempt", "Backend", "Kind", "Action", "Error"}, rows,
			[]columnAlignment{alignRight}))
	}
	return cli.Exit(f.Message, 1)
}

func printResult(c *cli.Context, res *orchestrator.Result) {
	w := c.App.Writer
	fmt.Fprintf(w, "Backend:  %s on %s (%s)\n", res.Backend, res.Device.Name, res.Module)
	fmt.Fprintf(w, "Duration: %s", res.Metrics.ProcessingDuration.Round(time.Millisecond))
	if res.Metrics.Speedup > 0 {
		fmt.Fprintf(w, " (%.1fx realtime)", res.Metrics.Speedup)
	}
	fmt.Fprintln(w)
	if res.Metrics.PeakMemory > 0 {
		fmt.Fprintf(w, "Memory:   %s peak\n", formatBytes(res.Metrics.PeakMemory))
	}
	for _, n := range res.Notes {
		fmt.Fprintf(w, "Note:     %s\n", n.Message)
	}
	for _, hint := range res.Diagnostics {
		fmt.Fprintf(w, "Hint:     %s\n", hint)
	}

	rows := make([][]string, 0, len(res.Segments))
	for _, s := range res.Segments {
		rows = append(rows, []string{formatTimestamp(s.Start), formatTimestamp(s.End), s.Text})
	}
	fmt.Fprintln(w, renderTable([]string{"Start", "End", "Text"}, rows, []columnAlignment{alignRight, alignRight}))
}

func formatBytes(n uint64) string {
	if n == 0 {
		return "-"
	}
	return humanize.IBytes(n)
}

func formatTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	ms := int(d/time.Millisecond) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

func runtimes(d hardware.ComputeDevice) string {
	var out []string
	for r, ok := range d.Capabilities {
		if ok {
			out = append(out, string(r))
		}
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return ""
}
