package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/auth"
	"rosterline.org/internal/config"
	"rosterline.org/internal/counter"
	"rosterline.org/internal/csrf"
	"rosterline.org/internal/httpapi"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/ratelimit"
	"rosterline.org/internal/reset"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/session"
	"rosterline.org/internal/store/pg"
	"rosterline.org/internal/totp"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $"+config.EnvFile+")")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := obs.NewLogger(obs.LogConfig{
		Service:     "rosterline-api",
		Environment: cfg.Environment,
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
	})
	obs.SetLogger(logger)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.InitBuildInfo(version, commit)
	shutdownTracing := obs.InitTracing("rosterline-api", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api stopped with error", zap.Error(err))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
}

type stores struct {
	counter   counter.Store
	directory auth.Directory
	audit     audit.Store
	totp      totp.Store
	reset     reset.Store
	pingers   []httpapi.Pinger
	closers   []func() error
}

// openStores connects Postgres and Redis when configured. Without them the
// in-memory stores are used, which config validation only allows in dev.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	s := &stores{}

	if cfg.Redis.Addr != "" {
		rc := counter.DefaultRedisConfig()
		rc.Addr = cfg.Redis.Addr
		rc.Password = cfg.Redis.Password
		rc.DB = cfg.Redis.DB
		rc.PoolSize = cfg.Redis.PoolSize
		rc.MaxRetries = cfg.Redis.MaxRetries
		rc.RetryInterval = cfg.Redis.RetryInterval
		rc.OpTimeout = cfg.Security.StoreTimeout
		r, err := counter.DialRedis(ctx, rc)
		if err != nil {
			return nil, err
		}
		s.counter = r
		s.pingers = append(s.pingers, r)
		s.closers = append(s.closers, r.Close)
		logger.Info("counter store: redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		mem := counter.NewMemory()
		s.counter = mem
		s.pingers = append(s.pingers, mem)
		logger.Warn("counter store: in-memory, state is lost on restart")
	}

	if cfg.Database.DSN != "" {
		db, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			ConnLifetime: cfg.Database.ConnLifetime,
			Timeout:      cfg.Security.StoreTimeout,
		})
		if err != nil {
			s.close(logger)
			return nil, err
		}
		s.directory, s.audit, s.totp, s.reset = db, db, db, db
		s.pingers = append(s.pingers, db)
		s.closers = append(s.closers, db.Close)
		logger.Info("relational store: postgres")
	} else {
		s.directory = auth.NewMemory()
		s.audit = audit.NewMemory()
		s.totp = totp.NewMemory()
		s.reset = reset.NewCounterStore(s.counter)
		logger.Warn("relational store: in-memory, accounts and audit are lost on restart")
	}
	return s, nil
}

func (s *stores) close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(logger)

	sec := cfg.Security
	signer, err := secure.NewSigner([]byte(cfg.Secrets.SigningKey), cfg.Issuer)
	if err != nil {
		return err
	}
	totpKey, err := cfg.TOTPKey()
	if err != nil {
		return err
	}

	recorder := audit.NewLogger(st.audit, audit.WithZap(logger))
	limiter := ratelimit.New(st.counter, sec, recorder, ratelimit.WithLogger(logger))
	sessions := session.New(st.counter, sec, recorder, session.WithLogger(logger))
	guard := csrf.New(signer, st.counter, sec, recorder, csrf.WithLogger(logger))
	factor, err := totp.NewService(st.totp, st.counter, totpKey, sec,
		totp.WithLimiter(limiter),
		totp.WithSessions(sessions),
		totp.WithRecorder(recorder),
		totp.WithOrganizations(auth.Organizations(st.directory)),
		totp.WithLogger(logger),
		totp.WithIssuer(cfg.Issuer),
	)
	if err != nil {
		return err
	}
	accounts, err := auth.NewService(st.directory, sessions, sec,
		auth.WithLimiter(limiter),
		auth.WithSecondFactor(factor),
		auth.WithRecorder(recorder),
		auth.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	resets := reset.New(signer, st.reset, sec,
		reset.WithAccounts(accounts),
		reset.WithLimiter(limiter),
		reset.WithSessions(sessions),
		reset.WithNotifier(reset.LogNotifier{Log: logger}),
		reset.WithRecorder(recorder),
		reset.WithLogger(logger),
	)

	probe := httpapi.ReadyProbe{Deps: st.pingers}
	api := httpapi.New(httpapi.Deps{
		Auth:          accounts,
		Sessions:      sessions,
		CSRF:          guard,
		TOTP:          factor,
		Reset:         resets,
		Audit:         recorder,
		Limiter:       limiter,
		Ready:         probe,
		Version:       version,
		Logger:        logger,
		CORSOrigins:   cfg.CORSOrigins,
		TrustProxy:    cfg.TrustProxy,
		SecureCookies: cfg.Environment != "dev",
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var grpcSrv *grpc.Server
	errc := make(chan error, 2)
	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, httpapi.NewHealthServer(probe))
		go func() {
			logger.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
			errc <- grpcSrv.Serve(lis)
		}()
	}
	go func() {
		logger.Info("starting rosterline-api",
			zap.String("version", version),
			zap.String("addr", srv.Addr),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		logger.Error("server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
	}
	logger.Info("stopped")
	return runErr
}
