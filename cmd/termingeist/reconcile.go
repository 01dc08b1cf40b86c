package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// runReconcileCalendar diffs AppointmentStore against CalendarSink by
// finding every non-cancelled appointment with no recorded calendar_uid
// and re-pushing it. CalendarSink.Write already logs and swallows its
// own failures (spec.md §4.8), so this command's job is only to find the
// drift, not to retry individually on top of what Write already does.
func runReconcileCalendar(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	deps, err := buildCoreDeps(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize core dependencies", "error", err)
		os.Exit(1)
	}
	if deps.calendar == nil {
		logger.Error("calendar is not configured")
		os.Exit(1)
	}

	unsynced, err := deps.appointments.UnsyncedCalendar(cfg.Extraction.ChatID)
	if err != nil {
		logger.Error("failed to list unsynced appointments", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	for _, appt := range unsynced {
		deps.calendar.Write(ctx, appt)
	}

	fmt.Printf("reconcile: re-pushed %d appointment(s) with no calendar_uid\n", len(unsynced))
}
