package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authsession/internal/audit"
	"authsession/internal/config"
	"authsession/internal/db"
	"authsession/internal/db/migrate"
	healthhandler "authsession/internal/health/handler"
	identityservice "authsession/internal/identity/service"
	"authsession/internal/log"
	"authsession/internal/policy/engine"
	"authsession/internal/security"
	"authsession/internal/server"
	sessionservice "authsession/internal/session/service"
	telemetryotel "authsession/internal/telemetry/otel"
)

const shutdownTimeout = 15 * time.Second

func main() {
	autoMigrate := flag.Bool("migrate", false, "apply pending migrations before serving")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *autoMigrate); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, autoMigrate bool) error {
	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, cfg.OTELServiceName, false)
	if err != nil {
		return err
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	tokenCfg, err := cfg.TokenConfig()
	if err != nil {
		return err
	}
	tokens, err := security.NewTokenCodec(tokenCfg)
	if err != nil {
		return err
	}
	module, err := cfg.AccessPolicy()
	if err != nil {
		return err
	}
	policy, err := engine.NewOPAEvaluator(ctx, module)
	if err != nil {
		return err
	}
	sessions, err := sessionservice.NewManager(sessionservice.Config{
		MaxSessions: cfg.MaxSessions,
		RefreshTTL:  cfg.RefreshTTL(),
	})
	if err != nil {
		return err
	}

	if autoMigrate {
		if err := migrate.Run(cfg.DatabaseURL, migrate.Up); err != nil {
			return err
		}
		log.Info(ctx).Msg("migrations applied")
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL, cfg.DBConnectTimeout)
	if err != nil {
		return err
	}
	defer pool.Close()

	auth, err := identityservice.NewAuthService(
		db.NewPostgresTxRunner(pool),
		sessions,
		tokens,
		security.NewPasswordHasher(cfg.BcryptCost),
		policy,
	)
	if err != nil {
		return err
	}
	auth = auth.WithAudit(audit.Multi(
		audit.LogRecorder{},
		telemetryotel.NewAuditRecorder(providers.LoggerProvider),
	))

	health := healthhandler.NewServer(
		healthhandler.PingerFunc(func(ctx context.Context) error { return db.Ping(ctx, pool) }),
		policy,
	)
	handler, err := server.NewHandler(server.Deps{
		Auth:   auth,
		Health: health,
		Cookie: server.CookieConfig{
			Name:       cfg.RefreshCookieName,
			Production: cfg.IsProduction(),
			MaxAge:     cfg.RefreshTTL(),
		},
		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	grpcSrv := server.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		log.Info(ctx).Str("addr", cfg.HTTPAddr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.Info(ctx).Str("addr", cfg.GRPCAddr).Msg("grpc health server listening")
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	log.Info(ctx).Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.Warn(ctx).Err(serr).Msg("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info(ctx).Msg("stopped")
	return err
}
