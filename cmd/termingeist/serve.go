package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/termingeist/internal/appointment"
	"github.com/nugget/termingeist/internal/calendar"
	"github.com/nugget/termingeist/internal/config"
	"github.com/nugget/termingeist/internal/contextassembler"
	"github.com/nugget/termingeist/internal/dategate"
	"github.com/nugget/termingeist/internal/feedback"
	"github.com/nugget/termingeist/internal/llm"
	"github.com/nugget/termingeist/internal/memoryclient"
	"github.com/nugget/termingeist/internal/person"
	"github.com/nugget/termingeist/internal/pipeline"
	"github.com/nugget/termingeist/internal/reflection"
	"github.com/nugget/termingeist/internal/store"
)

// coreDeps bundles every collaborator built from config, shared by
// serve, reconcile-calendar and reflect so each subcommand wires
// exactly the pieces it needs without duplicating the setup.
type coreDeps struct {
	cfg          *config.Config
	appointments *appointment.Store
	messages     *store.ConversationWindow
	feedback     *feedback.Store
	persons      *person.Store
	memory       *memoryclient.Client
	calendar     *calendar.Sink
	cascade      *llm.Cascade
}

func buildCoreDeps(cfg *config.Config, logger *slog.Logger) (*coreDeps, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	db, err := store.Open(filepath.Join(cfg.DataDir, "termingeist.db"))
	if err != nil {
		return nil, err
	}

	messages, err := store.NewConversationWindow(db)
	if err != nil {
		return nil, err
	}
	appointments, err := appointment.NewStore(db, logger)
	if err != nil {
		return nil, err
	}
	feedbackStore, err := feedback.NewStore(db, logger)
	if err != nil {
		return nil, err
	}
	persons := person.NewStore(cfg.Person.Dir, logger)
	if _, err := persons.Load(); err != nil {
		return nil, err
	}

	var memClient *memoryclient.Client
	if cfg.Memory.Enabled {
		memClient = memoryclient.New(cfg.Memory.URL, cfg.Memory.MemorizePoolSize,
			memoryclient.WithLogger(logger),
			memoryclient.WithRecallTimeout(time.Duration(cfg.Memory.RecallTimeoutS)*time.Second),
		)
	}

	var calSink *calendar.Sink
	calCfg := calendar.Config{
		BaseURL:   cfg.Calendar.URL,
		Username:  cfg.Calendar.Username,
		Password:  cfg.Calendar.Password,
		Confirmed: cfg.Calendar.ConfirmedCalendar,
		Suggested: cfg.Calendar.SuggestedCalendar,
	}
	if calCfg.Configured() {
		calSink = calendar.NewSink(calCfg, appointments, persons, logger)
	}

	return &coreDeps{
		cfg:          cfg,
		appointments: appointments,
		messages:     messages,
		feedback:     feedbackStore,
		persons:      persons,
		memory:       memClient,
		calendar:     calSink,
		cascade:      buildCascade(cfg, logger),
	}, nil
}

func buildPipeline(deps *coreDeps, logger *slog.Logger) *pipeline.Pipeline {
	assembler := contextassembler.New(contextassembler.Deps{
		Messages:                 deps.messages,
		Appointments:             deps.appointments,
		Persons:                  deps.persons,
		Memory:                   deps.memory,
		Feedback:                 deps.feedback,
		Zone:                     deps.cfg.Timezone,
		UserName:                 deps.cfg.Extraction.UserName,
		PartnerName:              deps.cfg.Extraction.PartnerName,
		ChildrenNames:            deps.cfg.Extraction.ChildrenNames,
		ConversationWindowSize:   deps.cfg.Extraction.ConversationWindowSize,
		ExistingAppointmentsDays: deps.cfg.Extraction.ExistingAppointmentsDays,
		MaxExisting:              deps.cfg.Extraction.MaxExisting,
	})

	var memorizer interface {
		Memorize(chatID, sender, text string, timestamp time.Time)
	}
	if deps.memory != nil {
		memorizer = deps.memory
	}

	return pipeline.New(pipeline.Deps{
		Gate:                 dategate.New(),
		Assembler:            assembler,
		Cascade:              deps.cascade,
		Appointments:         deps.appointments,
		Calendar:             deps.calendar,
		Memory:               memorizer,
		Zone:                 deps.cfg.Timezone,
		UserName:             deps.cfg.Extraction.UserName,
		PartnerName:          deps.cfg.Extraction.PartnerName,
		AutoConfirmThreshold: deps.cfg.Extraction.ConfidenceAutoThreshold,
	}, logger)
}

func buildReflectionLoop(deps *coreDeps, logger *slog.Logger) *reflection.Loop {
	rcfg := reflection.Config{
		Interval: time.Duration(deps.cfg.Reflection.IntervalMin) * time.Minute,
		LockTTL:  time.Duration(deps.cfg.Reflection.LockTTLMin) * time.Minute,
		LockPath: deps.cfg.Reflection.LockPath,
		ChatID:   deps.cfg.Extraction.ChatID,
		Model:    deps.cfg.Reflection.Model,
	}.WithDefaults()

	return reflection.New(rcfg, reflection.Deps{
		Messages:     deps.messages,
		Appointments: deps.appointments,
		Feedback:     deps.feedback,
		Persons:      deps.persons,
		LLM:          buildReflectionClient(deps.cfg, logger),
		Logger:       logger,
	})
}

func runServe(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)

	deps, err := buildCoreDeps(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize core dependencies", "error", err)
		os.Exit(1)
	}

	proc := buildPipeline(deps, logger)
	refl := buildReflectionLoop(deps, logger)

	ctx, cancel := notifyContext()
	defer cancel()

	if err := refl.Start(ctx); err != nil {
		logger.Error("failed to start reflection loop", "error", err)
		os.Exit(1)
	}
	defer refl.Stop()

	srv := newStatusServer(cfg, deps, proc, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "error", err)
		}
	}()

	logger.Info("termingeist serving", "listen", cfg.Listen.Address, "port", cfg.Listen.Port)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := notifyContext()
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
