package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/crmdesk/backend/internal/api"
	"github.com/crmdesk/backend/internal/config"
	"github.com/crmdesk/backend/internal/crypto"
	"github.com/crmdesk/backend/internal/db"
	"github.com/crmdesk/backend/internal/mailer"
	"github.com/crmdesk/backend/internal/realtime"
	ws "github.com/crmdesk/backend/internal/websocket"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	zlog.Logger = logger

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewConnection(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.CloseConnection(pool)
	logger.Info().Msg("connected to database")

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create encryptor")
	}

	users := db.NewUserDirectory(pool)
	presence := db.NewPresenceStore(pool)
	messages := db.NewMessageStore(pool)
	accounts := db.NewAccountStore(pool)
	jobs := db.NewJobStore(pool)
	archive := db.NewArchiveStore(pool)

	// The hub starts empty on every boot: it is a derived cache, not a source
	// of truth. Stale ONLINE rows left over from a previous process are
	// corrected by the reconciler's first sweeps.
	hub := ws.NewHub(cfg.WSMaxConnsPerUser)
	sessionHandler := realtime.NewHandler(hub, users, presence, messages, logger)
	reconciler := realtime.NewReconciler(hub, presence, cfg.PresenceSweepInterval, cfg.PresenceStaleAfter, logger)
	worker := mailer.NewWorker(jobs, archive, mailer.NewSMTPTransport(), encryptor,
		cfg.MailSweepInterval, cfg.MailBatchSize, cfg.MailMaxRetries, logger)

	go reconciler.Run(ctx)
	go worker.Run(ctx)

	router := NewRouter(
		sessionHandler,
		api.NewMessagesHandler(messages),
		api.NewPresenceHandler(presence),
		api.NewOutboxHandler(jobs, accounts, archive),
		api.NewAccountsHandler(accounts, encryptor),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Str("environment", cfg.Environment).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// NewRouter assembles the HTTP surface: the realtime WebSocket endpoint plus
// the thin REST collaborators around the core.
func NewRouter(
	session *realtime.Handler,
	messages *api.MessagesHandler,
	presence *api.PresenceHandler,
	outbox *api.OutboxHandler,
	accounts *api.AccountsHandler,
) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/ws", session.Handle)
	mux.HandleFunc("GET /api/v1/messages", messages.GetMessages)
	mux.HandleFunc("GET /api/v1/presence", presence.GetPresence)
	mux.HandleFunc("POST /api/v1/outbox", outbox.PostOutbox)
	mux.HandleFunc("GET /api/v1/outbox", outbox.GetOutbox)
	mux.HandleFunc("GET /api/v1/sent", outbox.GetSent)
	mux.HandleFunc("POST /api/v1/accounts", accounts.PostAccount)

	return mux
}
