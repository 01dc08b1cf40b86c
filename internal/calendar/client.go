package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
)

// client is a single-account CalDAV client, wrapping go-webdav's caldav
// client with mutex-serialized access and lazy, reconnect-on-stale
// discovery — the same shape as internal/email.Client, mapped from
// IMAP's login+select to CalDAV's principal+home-set+calendar
// discovery.
type client struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	dav        *caldav.Client
	confirmed  string // path of the confirmed calendar collection
	suggested  string // path of the suggested calendar collection
	discovered bool
}

func newClient(cfg Config, logger *slog.Logger) *client {
	if logger == nil {
		logger = slog.Default()
	}
	return &client{cfg: cfg, logger: logger}
}

// connect establishes the CalDAV session and resolves the confirmed and
// suggested calendar paths. It is called automatically by
// ensureConnected but can be invoked explicitly for eager
// initialization.
func (c *client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

// connectLocked performs the actual discovery. Caller must hold c.mu.
func (c *client) connectLocked(ctx context.Context) error {
	c.dav = nil
	c.discovered = false

	httpClient := webdav.HTTPClientWithBasicAuth(&http.Client{}, c.cfg.Username, c.cfg.Password)

	dav, err := caldav.NewClient(httpClient, c.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("create caldav client for %s: %w", c.cfg.BaseURL, err)
	}

	principal, err := dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return fmt.Errorf("find current user principal: %w", err)
	}

	homeSet, err := dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return fmt.Errorf("find calendar home set: %w", err)
	}

	calendars, err := dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return fmt.Errorf("list calendars under %s: %w", homeSet, err)
	}

	confirmedPath, err := matchCalendar(calendars, c.cfg.Confirmed)
	if err != nil {
		return err
	}
	suggestedPath, err := matchCalendar(calendars, c.cfg.Suggested)
	if err != nil {
		return err
	}

	c.dav = dav
	c.confirmed = confirmedPath
	c.suggested = suggestedPath
	c.discovered = true
	c.logger.Info("calendar discovered", "confirmed", confirmedPath, "suggested", suggestedPath)
	return nil
}

func matchCalendar(calendars []caldav.Calendar, name string) (string, error) {
	for _, cal := range calendars {
		if strings.EqualFold(cal.Name, name) {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("calendar %q not found among %d discovered calendars", name, len(calendars))
}

// ensureConnected discovers the session if it has not been established
// yet. Caller must hold c.mu.
func (c *client) ensureConnected(ctx context.Context) error {
	if c.discovered {
		return nil
	}
	return c.connectLocked(ctx)
}

// Ping verifies the CalDAV session is reachable, reconnecting if
// necessary. Used by connwatch-style health checks.
func (c *client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureConnected(ctx)
}

func (c *client) calendarPath(target calendarTarget) string {
	if target == targetSuggested {
		return c.suggested
	}
	return c.confirmed
}

func objectPath(calendarPath, uid string) string {
	return path.Join(calendarPath, uid+".ics")
}
