package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"slice-duel/internal/config"
	"slice-duel/internal/docstore"
	"slice-duel/internal/logging"
	"slice-duel/internal/mcpserver"
	"slice-duel/internal/room"
	"slice-duel/internal/store"
	httptransport "slice-duel/internal/transport/http"
	"slice-duel/internal/ws"

	"github.com/rs/zerolog/log"
)

// hubID is the participant id the hub uses for its own maintenance writes.
const hubID = "session-hub"

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		panic(err)
	}
	logCfg, err := config.LoadLog("session-hub")
	if err != nil {
		panic(err)
	}
	logging.Init(logCfg)
	cfg, err := config.LoadHub()
	if err != nil {
		log.Fatal().Err(err).Msg("load hub config failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, pinger, closeStore := openStore(ctx, cfg)
	defer closeStore()

	rooms := room.NewService(room.NewRepository(st), hubID, room.Options{})
	rooms.StartJanitor(ctx, cfg.SweepInterval, cfg.StaleAfter, httptransport.RecordSweep)

	wsSrv := ws.NewServer(st)
	expvar.Publish("ws_connections", expvar.Func(func() any { return wsSrv.Connections() }))
	expvar.Publish("ws_subscriptions", expvar.Func(func() any { return wsSrv.Subscriptions() }))
	expvar.Publish("ws_slow_clients_dropped", expvar.Func(func() any { return wsSrv.SlowClientsDropped() }))

	deps := httptransport.Deps{Store: st, Rooms: rooms, WS: wsSrv, Pinger: pinger}
	if cfg.MCPEnabled {
		deps.MCP = mcpserver.New(rooms, cfg.StaleAfter)
	}
	r := httptransport.NewRouter(deps, cfg)
	httptransport.LogRoutes(r)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		wsSrv.Shutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.Backend).Msg("http listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("hub stopped")
}

func openStore(ctx context.Context, cfg config.HubConfig) (docstore.Store, httptransport.Pinger, func()) {
	if cfg.Backend == config.BackendMemory {
		mem := docstore.NewMemory()
		log.Warn().Msg("using in-memory store; sessions are lost on restart")
		return mem, nil, mem.Close
	}
	if err := store.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
	st, err := store.New(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("store init failed")
	}
	if err := st.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("db ping failed")
	}
	// the listen loop lives as long as ctx
	if err := st.Listen(ctx); err != nil {
		log.Fatal().Err(err).Msg("db listen failed")
	}
	return st, st, st.Close
}
