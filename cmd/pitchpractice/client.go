package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/MrWong99/pitchpractice/internal/analysis"
	"github.com/MrWong99/pitchpractice/internal/app"
	"github.com/MrWong99/pitchpractice/internal/config"
	"github.com/MrWong99/pitchpractice/internal/orchestrator"
	"github.com/MrWong99/pitchpractice/internal/session"
	"github.com/MrWong99/pitchpractice/internal/tui"
	"github.com/MrWong99/pitchpractice/pkg/run"
)

// devices lists the microphones, or selects one when an id is given.
func devices(ctx context.Context, cfg *config.Config, args []string) int {
	logger, _ := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	client, err := app.OpenClient(cfg.Client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
		return 1
	}
	defer client.Close()

	if err := client.Session.Init(ctx); err != nil {
		slog.Warn("session init incomplete", "err", err)
	}
	enum := client.Session.Devices()
	if !enum.HasPermission() {
		fmt.Fprintln(os.Stderr, "pitchpractice: microphone access was denied")
		return 1
	}

	if len(args) > 0 {
		if err := client.Session.SelectDevice(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
			return 1
		}
	}

	list := enum.Devices()
	if len(list) == 0 {
		fmt.Println("no microphones found")
		return 0
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tCHANNELS\tRATE")
	for _, d := range list {
		mark := ""
		if d.ID == enum.Selected() {
			mark = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", mark, d.ID, d.Name, d.Channels, d.SampleRate)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

// record runs the terminal UI. Logs go to a file in the data directory so
// they do not corrupt the screen.
func record(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("record", flag.ContinueOnError)
	pitchContext := fs.String("context", "", "what the pitch is for, e.g. \"seed round, B2B SaaS\"")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dir, err := app.DataDir(cfg.Client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
		return 1
	}
	logFile, err := os.OpenFile(filepath.Join(dir, "pitchpractice.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pitchpractice: open log file: %v\n", err)
		return 1
	}
	defer logFile.Close()
	logger, _ := newLogger(logFile, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	feed := tui.NewFeed(1024)
	defer feed.Close()
	client, err := app.OpenClient(cfg.Client, app.WithSessionOptions(session.WithOnEvent(feed.Push)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
		return 1
	}
	defer client.Close()

	if err := client.Init(ctx); err != nil {
		// The UI shows what is still missing; the user may fix it and retry.
		slog.Warn("client init incomplete", "err", err)
	}
	if *pitchContext != "" {
		if err := client.Session.SetPitchContext(ctx, *pitchContext); err != nil {
			slog.Warn("pitch context not saved", "err", err)
		}
	}

	p := tea.NewProgram(tui.New(ctx, client.Session, feed), tea.WithContext(ctx), tea.WithAltScreen())
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
		return 1
	}

	if r := client.Session.Snapshot().Run; r.ID != "" {
		printRun(os.Stdout, r)
		if !r.Status.IsTerminal() {
			fmt.Println("Processing continues on the server; the result will be saved to this run.")
		}
	}
	return 0
}

// upload submits an existing recording and waits for the analysis.
func upload(ctx context.Context, cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	pitchContext := fs.String("context", "", "what the pitch is for")
	asJSON := fs.Bool("json", false, "print the finished run as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: pitchpractice upload [-context text] [-json] <file>")
		return 2
	}

	logger, _ := newLogger(os.Stderr, cfg.Server.LogLevel)
	slog.SetDefault(logger)

	done := make(chan run.Run, 1)
	onEvent := func(ev session.Event) {
		if ev.Kind != session.EventPipeline {
			return
		}
		pe := ev.Pipeline
		switch pe.Kind {
		case orchestrator.EventStepStarted:
			fmt.Fprintf(os.Stderr, "%s…\n", pe.Step)
		case orchestrator.EventNotice:
			fmt.Fprintln(os.Stderr, pe.Notice)
		case orchestrator.EventRunUpdated:
			if pe.Run.Status.IsTerminal() {
				select {
				case done <- pe.Run:
				default:
				}
			}
		}
	}
	client, err := app.OpenClient(cfg.Client, app.WithSessionOptions(session.WithOnEvent(onEvent)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
		return 1
	}
	defer client.Close()

	if err := client.Init(ctx); err != nil {
		slog.Warn("client init incomplete", "err", err)
	}
	if *pitchContext != "" {
		if err := client.Session.SetPitchContext(ctx, *pitchContext); err != nil {
			slog.Warn("pitch context not saved", "err", err)
		}
	}

	r, err := client.UploadFile(ctx, fs.Arg(0))
	if err != nil {
		var se *orchestrator.StepError
		if errors.As(err, &se) {
			fmt.Fprintf(os.Stderr, "pitchpractice: %s failed: %s\n", se.Step, se.Message)
			if se.Detail != "" {
				fmt.Fprintf(os.Stderr, "  %s\n", se.Detail)
			}
		} else {
			fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
		}
		return 1
	}

	if !r.Status.IsTerminal() {
		select {
		case r = <-done:
		case <-ctx.Done():
			fmt.Fprintf(os.Stderr, "interrupted; run %s keeps processing on the server\n", r.ID)
			return 1
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return 1
		}
	} else {
		printRun(os.Stdout, r)
	}
	if r.Status == run.StatusError {
		return 1
	}
	return 0
}

// printRun writes a human-readable summary of r.
func printRun(w io.Writer, r run.Run) {
	fmt.Fprintf(w, "run %s: %s\n", r.ID, r.Status)
	if r.Status == run.StatusError && r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	if r.HasTranscript() {
		fmt.Fprintf(w, "  %d words in %s\n", r.WordCount, r.Duration())
	}
	if !r.HasAnalysis() {
		return
	}
	var res analysis.Result
	if err := json.Unmarshal(r.Analysis, &res); err != nil {
		fmt.Fprintf(w, "  analysis: %s\n", r.Analysis)
		return
	}
	fmt.Fprintf(w, "\nScore %.1f / %.0f (%s)\n", res.OverallScore, analysis.MaxScore, res.Rubric)
	if res.Summary != "" {
		fmt.Fprintf(w, "%s\n", res.Summary)
	}
	if len(res.Criteria) > 0 {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, c := range res.Criteria {
			fmt.Fprintf(tw, "  %s\t%.1f\t%s\n", c.Name, c.Score, c.Feedback)
		}
		_ = tw.Flush()
	}
	for _, s := range res.Strengths {
		fmt.Fprintf(w, "  + %s\n", s)
	}
	for _, s := range res.Improvements {
		fmt.Fprintf(w, "  - %s\n", s)
	}
	if in := res.Insights; in != nil {
		if b, err := json.MarshalIndent(in, "  ", "  "); err == nil {
			fmt.Fprintf(w, "\nInsights:\n  %s\n", b)
		}
	}
}
