// Command backend is the main entrypoint for the clipdash API and background workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Maintains the Twitch app token and per-broadcaster user tokens.
//   - Converges EventSub subscriptions (conduit plus webhook) at startup.
//   - Runs the clip sync pipeline: stream-offline triggered, scheduled, and manual.
//   - Exposes the HTTP API with /healthz, /status, /metrics, OAuth connect, and
//     the EventSub webhook.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/time/rate"

	"github.com/joho/godotenv"
	"github.com/onnwee/clipdash/backend/chat"
	"github.com/onnwee/clipdash/backend/clipsync"
	"github.com/onnwee/clipdash/backend/config"
	"github.com/onnwee/clipdash/backend/crypto"
	"github.com/onnwee/clipdash/backend/db"
	"github.com/onnwee/clipdash/backend/eventsub"
	"github.com/onnwee/clipdash/backend/oauth"
	"github.com/onnwee/clipdash/backend/server"
	"github.com/onnwee/clipdash/backend/telemetry"
	"github.com/onnwee/clipdash/backend/twitchapi"
)

// kv bookkeeping keys.
const (
	kvConduitID       = "eventsub_conduit_id"
	kvLastReconcileAt = "eventsub_last_reconcile_at"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("clipdash", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations using dual-system approach:
	// 1. Primary: versioned migrations (golang-migrate) from db/migrations/
	// 2. Fallback: embedded SQL (db.Migrate) for backward compatibility
	//
	// New deployments use versioned migrations with proper version tracking.
	// Old deployments without schema_migrations table fall back to embedded SQL.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to legacy embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		migrationCtx := context.Background()
		if err := db.Migrate(migrationCtx, database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("legacy embedded SQL migration completed",
			slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully",
			slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Token storage. Without ENCRYPTION_KEY the app token manager degrades to
	// fetch-only (no persistence); broadcaster tokens use the db layer's own
	// encryption handling.
	var encryptor *crypto.AESEncryptor
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		encryptor, err = crypto.NewAESEncryptor(key)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
	}
	credStore := &db.CredentialStore{DB: database}
	appTokens := &twitchapi.CachedAppTokenSource{
		Manager: &twitchapi.AppTokenManager{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			Store:        &db.AppTokenStore{DB: database},
			Encryptor:    encryptor,
			OnRefresh:    func() { telemetry.TokenRefreshes.WithLabelValues("app").Inc() },
		},
	}
	refresher := &twitchapi.UserTokenRefresher{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		Store:        credStore,
		OnRefresh:    func() { telemetry.TokenRefreshes.WithLabelValues("user").Inc() },
	}

	// Helix client: every outbound call goes through the 401-replay transport.
	// The limiter keeps a burst of sync pages well under the Helix bucket.
	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &twitchapi.RetryTransport{
			Credentials: credStore,
			Refresher:   refresher,
			Limiter:     rate.NewLimiter(rate.Limit(10), 20),
		},
	}
	helix := &twitchapi.HelixClient{
		ClientID:       cfg.TwitchClientID,
		AppTokenSource: appTokens,
		Credentials:    credStore,
		HTTPClient:     httpClient,
	}

	syncer := &clipsync.Syncer{
		DB:            database,
		Client:        helix,
		PageSize:      cfg.ClipPageSize,
		MinInterval:   cfg.ClipSyncMinInterval,
		OnRun:         telemetry.RecordSyncRun,
		OnClipsSynced: telemetry.RecordClipsSynced,
		OnDuration:    func(d time.Duration) { telemetry.SyncDuration.Observe(d.Seconds()) },
	}

	// EventSub delivery: webhook dispatcher plus conduit/subscription convergence.
	var webhook http.Handler
	var reconciler *eventsub.Reconciler
	if err := cfg.ValidateEventSubReady(); err != nil {
		slog.Info("eventsub disabled", slog.Any("reason", err))
	} else {
		dispatcher := &eventsub.Dispatcher{
			Secret:             cfg.EventSubSecret,
			OnNotification:     func(eventType string) { telemetry.WebhookNotifications.WithLabelValues(eventType).Inc() },
			OnSignatureFailure: func() { telemetry.SignatureFailures.Inc() },
		}
		dispatcher.Handle(eventsub.TypeStreamOffline, clipsync.StreamOfflineHandler(database, syncer))
		webhook = dispatcher

		conduitID := cfg.EventSubConduitID
		if cfg.EventSubCallbackURL != "" {
			preferred := cfg.EventSubConduitID
			if preferred == "" {
				// Recall the conduit from the last run so restarts reuse it
				// instead of minting a new one.
				if stored, err := db.GetKV(ctx, database, kvConduitID); err != nil {
					slog.Warn("conduit id lookup failed", slog.Any("err", err))
				} else {
					preferred = stored
				}
			}
			mgr := &eventsub.ConduitManager{
				Client:      helix,
				PreferredID: preferred,
				CallbackURL: cfg.EventSubCallbackURL,
				Secret:      cfg.EventSubSecret,
			}
			setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if id, err := mgr.Setup(setupCtx); err != nil {
				slog.Warn("conduit setup failed; subscriptions will use webhook transport only", slog.Any("err", err))
				conduitID = ""
			} else {
				conduitID = id
				if err := db.SetKV(setupCtx, database, kvConduitID, id); err != nil {
					slog.Warn("conduit id persist failed", slog.Any("err", err))
				}
			}
			cancel()
		}
		reconciler = &eventsub.Reconciler{
			Client:      helix,
			Catalog:     eventsub.DefaultCatalog(cfg.TwitchBotUserID),
			ConduitID:   conduitID,
			CallbackURL: cfg.EventSubCallbackURL,
			Secret:      cfg.EventSubSecret,
			Created:     func() { telemetry.SubscriptionsCreated.Inc() },
		}
		go reconcileConnected(ctx, database, reconciler)
	}

	// Scheduled full sync across all connected broadcasters.
	if cfg.ClipSyncCron != "" {
		c := cron.New()
		if err := clipsync.ScheduleAll(c, database, syncer, cfg.ClipSyncCron); err != nil {
			slog.Error("invalid CLIP_SYNC_CRON", slog.String("schedule", cfg.ClipSyncCron), slog.Any("err", err))
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
	}

	// Centralized OAuth token refresher keeps broadcaster credentials warm.
	oauth.StartRefresher(ctx, database, credStore, refresher, 5*time.Minute, 15*time.Minute)

	// Chat command bot (optional).
	if err := cfg.ValidateChatReady(); err == nil && cfg.TwitchChannel != "" {
		go runChatBot(ctx, database, helix, cfg)
	} else if cfg.TwitchChannel != "" {
		slog.Info("chat bot disabled", slog.Any("reason", err))
	}

	go pollConnectedGauge(ctx, database)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server
	handlers := server.NewHandlers(ctx, server.Deps{
		DB:     database,
		Config: cfg,
		OAuth: &oauth2.Config{
			ClientID:     cfg.TwitchClientID,
			ClientSecret: cfg.TwitchClientSecret,
			RedirectURL:  cfg.TwitchRedirectURI,
			Scopes:       strings.Fields(cfg.TwitchScopes),
			Endpoint:     endpoints.Twitch,
		},
		Syncer:     syncer,
		Reconciler: reconciler,
		Webhook:    webhook,
	})
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// reconcileConnected converges subscriptions for every already-connected
// broadcaster once at startup. New connects reconcile in the OAuth callback.
func reconcileConnected(ctx context.Context, database *sql.DB, r *eventsub.Reconciler) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	rows, err := database.QueryContext(ctx, `SELECT broadcaster_id FROM broadcaster_credentials`)
	if err != nil {
		slog.Warn("startup reconcile query failed", slog.Any("err", err))
		return
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			slog.Warn("startup reconcile scan failed", slog.Any("err", err))
			return
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("startup reconcile rows failed", slog.Any("err", err))
		return
	}
	for _, id := range ids {
		if err := r.Reconcile(ctx, id); err != nil {
			slog.Warn("startup reconcile failed", slog.String("broadcaster_id", id), slog.Any("err", err))
		}
	}
	if err := db.SetKV(ctx, database, kvLastReconcileAt, time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("reconcile bookkeeping failed", slog.Any("err", err))
	}
}

// runChatBot resolves the channel to a connected owner, then serves commands
// until shutdown.
func runChatBot(ctx context.Context, database *sql.DB, helix *twitchapi.HelixClient, cfg *config.Config) {
	lookupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	user, err := helix.GetUserByLogin(lookupCtx, cfg.TwitchChannel)
	cancel()
	if err != nil {
		slog.Warn("chat bot disabled: channel lookup failed", slog.String("channel", cfg.TwitchChannel), slog.Any("err", err))
		return
	}
	ownerID, err := db.OwnerByBroadcaster(ctx, database, user.ID)
	if err != nil {
		slog.Warn("chat bot disabled: channel has no connected broadcaster", slog.String("channel", cfg.TwitchChannel), slog.Any("err", err))
		return
	}
	bot := &chat.Bot{
		Username: cfg.TwitchBotUsername,
		OAuth:    cfg.TwitchBotOAuth,
		Channel:  cfg.TwitchChannel,
		OwnerID:  ownerID,
		DB:       database,
	}
	if err := bot.Run(ctx); err != nil {
		slog.Error("chat bot exited with error", slog.Any("err", err))
	}
}

// pollConnectedGauge keeps the connected-broadcasters gauge current.
func pollConnectedGauge(ctx context.Context, database *sql.DB) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		var n int
		qctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := database.QueryRowContext(qctx, `SELECT COUNT(*) FROM broadcaster_credentials`).Scan(&n); err == nil {
			telemetry.SetConnectedBroadcasters(n)
		}
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
