// Command eventminer monitors a WhatsApp group for event announcements.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Supervises the transport session with bounded reconnect backoff.
//   - Runs each inbound message through normalize, group filter, and the
//     two-stage LLM classify/extract pipeline, storing extracted events.
//   - Exposes an HTTP server with health, status, metrics, the stored-event
//     read API, and the discovery-mode admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/okonma/eventminer/config"
	"github.com/okonma/eventminer/conn"
	"github.com/okonma/eventminer/db"
	"github.com/okonma/eventminer/extract"
	"github.com/okonma/eventminer/groups"
	"github.com/okonma/eventminer/llm"
	"github.com/okonma/eventminer/message"
	"github.com/okonma/eventminer/server"
	"github.com/okonma/eventminer/store"
	"github.com/okonma/eventminer/telemetry"
	"github.com/okonma/eventminer/wa"
)

// liveSession hands the currently connected session to the HTTP layer for
// discovery listing. Nil while disconnected.
type liveSession struct {
	mu   sync.Mutex
	sess wa.Session
}

func (l *liveSession) set(s wa.Session) {
	l.mu.Lock()
	l.sess = s
	l.mu.Unlock()
}

func (l *liveSession) get() wa.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Optional tracing; no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
	shutdownTracing, err := telemetry.InitTracing("eventminer", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; embedded SQL as the fallback for
	// deployments predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	filter := groups.NewFilter(cfg.GroupJIDs)
	if filter.DiscoveryMode() {
		slog.Info("no group configured: running in discovery mode, select a group via the admin API")
	} else {
		slog.Info("monitoring groups", slog.Any("jids", filter.Allowed()))
	}

	eventStore := &store.Store{DB: database}
	pipeline := &extract.Pipeline{
		Client: &llm.Client{
			APIKey:      cfg.OpenAIAPIKey,
			BaseURL:     cfg.OpenAIBaseURL,
			CallTimeout: cfg.LLMTimeout,
		},
		Model:       cfg.OpenAIModel,
		MaxAttempts: cfg.LLMMaxRetries,
		BaseDelay:   cfg.LLMBaseDelay,
		DefaultTZ:   cfg.DefaultTZ,
	}

	live := &liveSession{}
	manager := &conn.Manager{
		Factory:    wa.NewBridgeFactory(cfg.WABridgeAddr),
		Handler:    messageHandler(filter, pipeline, eventStore),
		DB:         database,
		MaxRetries: cfg.ReconnectMaxRetries,
		BaseDelay:  cfg.ReconnectBaseDelay,
		OnConnect: func(cctx context.Context, s wa.Session) {
			live.set(s)
			db.TouchHeartbeat(cctx, database, "conn:last_connected", time.Now())
			if filter.DiscoveryMode() {
				logReachableGroups(cctx, s)
			}
		},
	}

	handlers := &server.Handlers{
		DB:     database,
		Store:  eventStore,
		Filter: filter,
		ListGroups: func(gctx context.Context) ([]wa.GroupInfo, error) {
			s := live.get()
			if s == nil {
				return nil, errors.New("session not connected")
			}
			return groups.Discover(gctx, s)
		},
		ConnState: func() string { return manager.State().String() },
	}
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// The supervisor blocks until shutdown, logout, or exhausted retries.
	// Terminal failures stop the process; the operator must intervene.
	err = manager.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled):
		slog.Info("shutting down")
	case errors.Is(err, conn.ErrLoggedOut):
		slog.Error("session logged out: re-pair the device and restart")
		os.Exit(1)
	case errors.Is(err, conn.ErrRetriesExhausted):
		slog.Error("reconnect retries exhausted", slog.Any("err", err))
		os.Exit(1)
	case err != nil:
		slog.Error("connection supervisor failed", slog.Any("err", err))
		os.Exit(1)
	}
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}

// messageHandler builds the per-message pipeline: normalize, filter,
// classify/extract, persist. Every failure drops the single message with a
// log line; nothing here stops the session or the process.
func messageHandler(filter *groups.Filter, pipeline *extract.Pipeline, eventStore *store.Store) conn.Handler {
	return func(ctx context.Context, env *wa.Envelope) {
		log := telemetry.LoggerWithCorr(ctx)

		msg, err := message.Normalize(env, time.Now)
		if err != nil {
			telemetry.MessagesDropped.Inc()
			log.Debug("dropping unparseable envelope", slog.Any("err", err))
			return
		}
		if !filter.Admit(msg) {
			telemetry.MessagesDropped.Inc()
			return
		}
		telemetry.MessagesAdmitted.Inc()
		log = log.With(slog.String("msg_id", msg.ID), slog.String("group", msg.GroupJID))

		ev, isEvent, err := pipeline.Run(ctx, msg.Text)
		if err != nil {
			telemetry.MessagesDropped.Inc()
			var schemaErr *extract.SchemaError
			if errors.As(err, &schemaErr) {
				log.Warn("model output failed schema validation", slog.Any("err", err))
			} else {
				log.Error("pipeline call failed", slog.Any("err", err))
			}
			return
		}
		if !isEvent {
			log.Debug("message is not an event")
			return
		}

		stored, err := eventStore.SaveEvent(ctx, store.SaveInput{
			Event:       ev,
			MessageBody: msg.Text,
			WAMessageID: msg.ID,
			WAGroupJID:  msg.GroupJID,
			WASenderJID: msg.AuthorJID,
		})
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			telemetry.DuplicateRecords.Inc()
			log.Debug("duplicate event, already stored", slog.String("key", string(dup.Key)), slog.String("value", dup.Value))
			return
		}
		if err != nil {
			telemetry.MessagesDropped.Inc()
			log.Error("failed to store event", slog.Any("err", err))
			return
		}
		telemetry.EventsStored.Inc()
		log.Info("event stored",
			slog.String("slug", stored.Slug),
			slog.String("title", stored.Title),
			slog.String("start_at", stored.StartAt))
	}
}

// logReachableGroups prints the discovery listing so an operator can pick a
// group from the logs or the admin API.
func logReachableGroups(ctx context.Context, s wa.Session) {
	lctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	infos, err := groups.Discover(lctx, s)
	if err != nil {
		slog.Warn("discovery listing failed", slog.Any("err", err))
		return
	}
	slog.Info("reachable groups", slog.Int("count", len(infos)))
	for _, g := range infos {
		slog.Info("group", slog.String("jid", g.JID), slog.String("subject", g.Subject), slog.Int("size", g.Size))
	}
}
