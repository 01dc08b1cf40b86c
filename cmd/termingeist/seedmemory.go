package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/termingeist/internal/memoryclient"
)

// chatExportLine matches the common WhatsApp-style export prefix
// "DD.MM.YY, HH:MM - Sender: text". Lines that don't match are still
// memorized verbatim with sender "import", so an arbitrary plain-text
// file seeds something rather than being rejected outright.
var chatExportLine = regexp.MustCompile(`^\d{1,2}\.\d{1,2}\.\d{2,4},?\s+\d{1,2}:\d{2}\s*-\s*([^:]+):\s*(.*)$`)

// runSeedMemory bootstraps the external MemoryClient service from a
// plain-text chat export, one Memorize call per line. It is grounded on
// internal/ingest.MarkdownIngester's file-to-records shape, retargeted
// from facts.Store.Set to memoryclient.Client.Memorize since the memory
// service — not this core's own database — owns the long-horizon
// semantic store (spec.md §4.6).
func runSeedMemory(logger *slog.Logger, configPath, filePath string) {
	cfg := loadConfig(logger, configPath)

	if !cfg.Memory.Enabled {
		logger.Error("memory service is not enabled in config")
		os.Exit(1)
	}

	client := memoryclient.New(cfg.Memory.URL, cfg.Memory.MemorizePoolSize, memoryclient.WithLogger(logger))

	f, err := os.Open(filePath)
	if err != nil {
		logger.Error("failed to open chat export", "path", filePath, "error", err)
		os.Exit(1)
	}
	defer f.Close()

	chatID := cfg.Extraction.ChatID
	seeded := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		sender, text := "import", line
		if m := chatExportLine.FindStringSubmatch(line); m != nil {
			sender, text = strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		}
		if text == "" {
			continue
		}

		client.Memorize(chatID, sender, text, time.Now())
		seeded++
	}
	if err := scanner.Err(); err != nil {
		logger.Error("failed reading chat export", "error", err)
		os.Exit(1)
	}

	// Memorize is fire-and-forget against a bounded worker pool; give the
	// pool a fixed two seconds to drain before the process exits.
	time.Sleep(2 * time.Second)

	fmt.Printf("seeded %d lines from %s into chat %q\n", seeded, filePath, chatID)
}
