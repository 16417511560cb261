package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/minismarket/minis-core/internal/platform/auth"
	"github.com/minismarket/minis-core/internal/platform/clock"
	"github.com/minismarket/minis-core/internal/platform/config"
	"github.com/minismarket/minis-core/internal/platform/core"
	"github.com/minismarket/minis-core/internal/platform/notify"
	"github.com/minismarket/minis-core/internal/platform/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	// Best effort; config.Load reads the same file through viper.
	_ = godotenv.Load()

	cfg, err := config.Load(".")
	if err != nil {
		log.Error("load configuration", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	tlsCfg, err := server.BuildTLSConfig(server.TLSConfig{
		Enabled:  cfg.TLSEnabled,
		CertFile: cfg.TLSCertFile,
		KeyFile:  cfg.TLSKeyFile,
	})
	if err != nil {
		log.Error("configure tls", "err", err)
		os.Exit(1)
	}

	clk := clock.RealClock{}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			log.Error("open database", "err", err)
			os.Exit(1)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Error("ping database", "err", err)
			os.Exit(1)
		}
		defer db.Close()
	}

	engine := core.NewEngine(clk, db)
	engine.SetLogger(log)
	engine.SetMetrics(core.NewMetrics())
	engine.SetIdempotencyTTL(cfg.IdempotencyTTL())
	engine.SetSettingsCache(core.NewSettingsCache(clk, cfg.SettingsCacheTTL(), engine.LoadSettings, log))

	if db != nil {
		mode := core.ModeTransactional
		if err := engine.ProbeTransactions(ctx); err != nil {
			if !cfg.AllowDegraded {
				log.Error("store cannot open transactions and degraded mode is not allowed", "err", err)
				os.Exit(1)
			}
			log.Warn("store cannot open transactions, continuing degraded", "err", err)
			mode = core.ModeDegraded
		}
		if err := engine.SetDurabilityMode(mode); err != nil {
			log.Error("select durability mode", "err", err)
			os.Exit(1)
		}
		if err := engine.Hydrate(ctx); err != nil {
			log.Error("hydrate working set", "err", err)
			os.Exit(1)
		}
	}
	feePercent, err := decimal.NewFromString(cfg.TransferFeePercent)
	if err != nil {
		log.Error("parse transfer fee percent", "err", err)
		os.Exit(1)
	}
	bootstrap := core.Settings{
		TransferFeePercent:     feePercent,
		WithdrawalFlatFee:      cfg.WithdrawalFlatFee,
		TransferAutoApproveMax: cfg.TransferAutoApproveMax,
		TopRewardCooldown:      time.Duration(cfg.TopRewardCooldownDays) * 24 * time.Hour,
		MaxOpenWithdrawals:     cfg.MaxOpenWithdrawals,
	}
	if err := engine.BootstrapSettings(ctx, bootstrap); err != nil {
		log.Error("bootstrap settings", "err", err)
		os.Exit(1)
	}
	log.Info("engine ready", "durability_mode", engine.Mode().String())

	var publisher notify.Publisher = notify.Nop{Log: log}
	if cfg.RabbitMQURL != "" {
		p, err := notify.NewAMQPPublisher(cfg.RabbitMQURL, cfg.EventQueue)
		if err != nil {
			log.Warn("event broker unreachable, publishes will be dropped", "err", err)
		} else {
			publisher = p
		}
	}
	defer publisher.Close()
	engine.SetPublisher(publisher)

	guard, err := server.NewRemoteAccessGuard(clk, engine.AuditStore, cfg.TrustedCIDRList())
	if err != nil {
		log.Error("configure remote access guard", "err", err)
		os.Exit(1)
	}
	if err := guard.SetTrustedProxies(cfg.TrustedProxyList()); err != nil {
		log.Error("configure trusted proxies", "err", err)
		os.Exit(1)
	}

	srv := server.New(engine, auth.NewJWTVerifier(cfg.JWTSecret), guard, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           srv.Router(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if db != nil {
		go sweepLoop(ctx, engine, cfg.IdempotencyTTL(), log)
	}

	go func() {
		log.Info("http listening", "addr", httpServer.Addr, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown", "err", err)
	}
}

// sweepLoop periodically evicts expired idempotency keys from the replay
// cache. Runs at a quarter of the TTL so a key never lingers much past it.
func sweepLoop(ctx context.Context, engine *core.Engine, ttl time.Duration, log *slog.Logger) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := engine.SweepIdempotency(ctx)
			if removed > 0 {
				log.Info("idempotency sweep", "removed", removed)
			}
		}
	}
}
