package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/strategy-server/internal"
	"github.com/koopa0/system-design/strategy-server/internal/generator"
	"github.com/koopa0/system-design/strategy-server/internal/identity"
	"github.com/koopa0/system-design/strategy-server/pkg/logger"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "config.yaml", "配置檔路徑")
		port       = flag.Int("port", 0, "服務器端口（覆蓋配置檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stdout)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常結束", "error", err)
		os.Exit(1)
	}
}

func run(cfg *internal.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 帳號儲存：有 Redis 位址就用 Redis，否則用本機檔案
	store, closeStore, err := openStore(ctx, cfg.Identity, log)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens := identity.NewTokenIssuer(cfg.Identity.TokenSecret, cfg.Identity.TokenTTL)
	gate := identity.NewGate(store, tokens, cfg.Identity.BcryptCost, log.With("component", "identity"))

	ids, err := generator.NewSnowflake(cfg.Snowflake.NodeID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	manager := internal.NewManager(log.With("component", "registry"),
		internal.WithSettings(cfg.Room.Settings),
		internal.WithIDGenerator(ids),
		internal.WithCleanupInterval(cfg.Room.CleanupInterval),
		internal.WithStoppedTTL(cfg.Room.StoppedTTL),
	)
	engine := internal.NewEngine(manager, log.With("component", "engine"),
		internal.WithSpyDelay(cfg.Engine.SpyDelay),
		internal.WithSpyCatchChance(cfg.Engine.SpyCatchChance),
	)
	dispatcher := internal.NewDispatcher(manager, engine, log.With("component", "dispatcher"))
	wsHub := internal.NewWebSocketHub(dispatcher, gate, log.With("component", "websocket"),
		internal.WithFrameRate(cfg.Limits.FramePerSecond, cfg.Limits.FrameBurst),
	)
	authLimiter := internal.NewRateLimiter(cfg.Limits.AuthPerSecond, cfg.Limits.AuthBurst)
	handler := internal.NewHandler(manager, gate, log.With("component", "http"),
		internal.WithAuthLimiter(authLimiter),
	)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("/ws", wsHub.ServeWS)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("策略遊戲服務器啟動",
			"port", cfg.Server.Port,
			"log_level", cfg.Log.Level,
			"log_format", cfg.Log.Format)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// 清除閒置的 IP 令牌桶
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := authLimiter.Prune(cfg.Limits.AuthIdleTTL); n > 0 {
					log.Debug("清除閒置限流紀錄", "count", n)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("收到關閉信號，開始優雅關閉...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 停止接受新連接
		err := server.Shutdown(shutdownCtx)

		wsHub.Stop()
		manager.Stop()

		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("服務器已關閉")
	return nil
}

func openStore(ctx context.Context, cfg internal.IdentityConfig, log *slog.Logger) (identity.Store, func(), error) {
	if cfg.RedisAddr == "" {
		store, err := identity.NewFileStore(cfg.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info("使用本機帳號檔", "path", cfg.CredentialsFile)
		return store, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("使用 Redis 帳號儲存", "addr", cfg.RedisAddr)

	return identity.NewRedisStore(client), func() {
		if err := client.Close(); err != nil {
			log.Error("關閉 Redis 連線失敗", "error", err)
		}
	}, nil
}
