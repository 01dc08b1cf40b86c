package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// runReflect runs one ReflectionAgent cycle and exits, sharing
// reflection.Loop.RunOnce with the perpetual loop `serve` starts so a
// cron-triggered invocation and the in-process ticker behave
// identically.
func runReflect(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	deps, err := buildCoreDeps(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize core dependencies", "error", err)
		os.Exit(1)
	}

	loop := buildReflectionLoop(deps, logger)

	gaps, err := loop.RunOnce(context.Background())
	if err != nil {
		logger.Error("reflection cycle failed", "error", err)
		os.Exit(1)
	}
	if gaps == nil {
		fmt.Println("reflection cycle skipped: lock held by another process")
		return
	}
	fmt.Printf("reflection cycle complete: %d gap(s) identified\n", len(gaps))
}
