// Command pitchpractice records a spoken pitch, submits it for transcription
// and rubric analysis, and shows the result. It also runs the reference
// backend that does the processing.
//
// Usage:
//
//	pitchpractice [-config config.yaml] <command> [args]
//
// Commands:
//
//	devices [id]        list microphones, or select the one with id
//	record              record a pitch in the terminal UI
//	upload <file>       submit an existing recording
//	serve               run the backend
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrWong99/pitchpractice/internal/app"
	"github.com/MrWong99/pitchpractice/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pitchpractice: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pitchpractice: %v\n", err)
		}
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "serve":
		return serve(ctx, *configPath, cfg)
	case "devices":
		return devices(ctx, cfg, rest)
	case "record":
		return record(ctx, cfg, rest)
	case "upload":
		return upload(ctx, cfg, rest)
	default:
		fmt.Fprintf(os.Stderr, "pitchpractice: unknown command %q\n", cmd)
		usage()
		return 2
	}
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "usage: pitchpractice [-config config.yaml] <command> [args]")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "commands:")
	fmt.Fprintln(out, "  devices [id]     list microphones, or select the one with id")
	fmt.Fprintln(out, "  record           record a pitch in the terminal UI")
	fmt.Fprintln(out, "  upload <file>    submit an existing recording")
	fmt.Fprintln(out, "  serve            run the backend")
	fmt.Fprintln(out)
	flag.PrintDefaults()
}

// ── Logger ─────────────────────────────────────────────────────────────────────

// newLogger builds the text logger used by every command. The returned
// LevelVar lets hot reload change the level later.
func newLogger(w io.Writer, level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})), lv
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optStrings extracts a list of strings from a provider Options map. A
// single string is returned as a one-element list; non-string items are
// skipped.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// optFloat extracts a number from a provider Options map.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
