// Package main is the entry point for the Termingeist appointment
// extraction core. Its flag parsing and subcommand dispatch shape
// (bare "-config" flag, flag.Arg(0) switch, a bare-invocation help
// listing) is carried over from cmd/thane/main.go; the subcommands
// themselves are new, covering the admin surfaces of spec.md §6 rather
// than the teacher's home-automation command set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nugget/termingeist/internal/buildinfo"
	"github.com/nugget/termingeist/internal/config"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "seed-memory":
			if flag.NArg() < 2 {
				fmt.Fprintln(os.Stderr, "usage: termingeist seed-memory <chat-export.txt>")
				os.Exit(1)
			}
			runSeedMemory(logger, *configPath, flag.Arg(1))
		case "reconcile-calendar":
			runReconcileCalendar(logger, *configPath)
		case "reflect":
			runReflect(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("Termingeist - Context-Aware Appointment Extraction Core")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve               Run the extraction pipeline, reflection loop, and status server")
	fmt.Println("  seed-memory <file>  Bootstrap the memory service from a plain-text chat export")
	fmt.Println("  reconcile-calendar  Diff AppointmentStore against CalendarSink and repair drift")
	fmt.Println("  reflect             Run one ReflectionAgent cycle and exit")
	fmt.Println("  version             Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	return cfg
}

// notifyContext returns a context cancelled on SIGINT/SIGTERM, the
// same graceful-shutdown trigger cmd/thane's runServe uses.
func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
