package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/ban"
	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/dispatch"
	"github.com/whisper/pairing/internal/logx"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/metrics"
	"github.com/whisper/pairing/internal/moderation"
	"github.com/whisper/pairing/internal/preference"
	"github.com/whisper/pairing/internal/ratelimit"
	"github.com/whisper/pairing/internal/rating"
	"github.com/whisper/pairing/internal/relay"
	"github.com/whisper/pairing/internal/report"
	"github.com/whisper/pairing/internal/session"
)

// store is everything the service needs from the user directory backend.
type store interface {
	directory.Directory
	directory.Admin
	directory.History
	directory.Registrar
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logx.Logger().Fatal().Err(err).Msg("failed to load config")
	}
	logx.InitGlobalLogger(cfg.IsDevelopment(), cfg.ServiceName)
	log := logx.For("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Directory ---
	var (
		db      *sql.DB
		users   store
		archive report.Archive
	)
	if cfg.PostgresDSN != "" {
		db, err = directory.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to Postgres")
		}
		if err := directory.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		users = directory.NewPostgresStore(db)
		archive = report.NewStore(db)
	} else {
		log.Warn().Msg("POSTGRES_DSN not set, using in-memory directory")
		users = directory.NewMemoryStore()
		archive = report.NewMemoryStore()
	}

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to Redis")
	}
	pingCancel()

	dir := directory.NewCached(users, ban.NewStore(rdb, cfg.BanCacheTTL), logx.For("directory"))
	limiter := ratelimit.NewLimiter(rdb, logx.For("ratelimit"))

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = cfg.ServiceName
	natsConfig.DeliveryTimeout = cfg.DeliveryTimeout

	nc, err := messaging.NewNATSClient(natsConfig, logx.For("nats"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	// --- Core ---
	engine := matching.NewEngine(dir, preference.NewResolver(), nc, matching.Options{
		PreferenceTimeout: cfg.PreferenceTimeout,
		SearchTimeout:     cfg.SearchTimeout,
		Logger:            logx.For("matcher"),
	})

	rl := relay.New(engine, dir, nc, nc, moderation.NewFilter(),
		limiter.Bind(ratelimit.MessageRule(cfg.MessageLimit, cfg.MessageWindow)), logx.For("relay"))

	admins := make([]directory.UserID, 0, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins = append(admins, directory.UserID(id))
	}

	ratings := rating.NewLoop(dir, engine, rl, nc, rating.Options{
		Threshold:  cfg.ScamThreshold,
		Admins:     admins,
		PendingTTL: cfg.RatingTTL,
		Archive:    archive,
		Logger:     logx.For("rating"),
	})

	historyLog := logx.For("history")
	engine.OnSessionStart(func(ctx context.Context, s session.Session) {
		if err := users.LogChatStart(ctx, s.ID, s.A, s.B, s.StartedAt); err != nil {
			historyLog.Warn().Err(err).Str("session_id", s.ID).Msg("log chat start failed")
		}
	})
	// The rating prompt snapshots the session's evidence, so it runs
	// before the evidence is dropped.
	engine.OnSessionEnd(ratings.Expect)
	engine.OnSessionEnd(func(ctx context.Context, end matching.SessionEnd) {
		rl.Forget(end.Session.ID)
		if err := users.LogChatEnd(ctx, end.Session.ID, end.At); err != nil {
			historyLog.Warn().Err(err).Str("session_id", end.Session.ID).Msg("log chat end failed")
		}
	})

	dispatcher := dispatch.New(dispatch.Deps{
		Engine:         engine,
		Relay:          rl,
		Ratings:        ratings,
		Directory:      dir,
		Admin:          users,
		Registrar:      users,
		Notifier:       nc,
		SearchLimit:    limiter.Bind(ratelimit.SearchRule(cfg.SearchLimit, cfg.SearchWindow)),
		Cache:          dir,
		Reports:        archive,
		Admins:         admins,
		VIPDefaultDays: cfg.VIPDefaultDays,
		Logger:         logx.For("dispatch"),
	})

	pool := dispatch.NewPool(dispatcher, cfg.Workers, cfg.WorkerQueue)
	pool.Start(ctx)
	if err := nc.SubscribeCommands(pool.Submit); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to commands")
	}

	go engine.StartCleanup(ctx, cfg.CleanupInterval)
	go ratings.StartCleanup(ctx, cfg.CleanupInterval)
	go expireVIPs(ctx, users, cfg.VIPExpiryInterval, logx.For("vip"))

	// --- Metrics ---
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("nats_url", cfg.NATSURL).
		Str("redis_addr", cfg.RedisAddr).
		Bool("postgres", db != nil).
		Str("metrics_addr", cfg.MetricsAddr).
		Int("admins", len(admins)).
		Msg("pairing service running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("metrics server shutdown")
	}
	nc.Close()
	pool.Close()
	rdb.Close()
	if db != nil {
		db.Close()
	}
}

// expireVIPs clears lapsed VIP flags on every tick until ctx is cancelled.
func expireVIPs(ctx context.Context, admin directory.Admin, interval time.Duration, log zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := admin.ExpireVIPs(ctx, now)
			if err != nil {
				log.Warn().Err(err).Msg("vip expiry failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("vip subscriptions expired")
			}
		}
	}
}
