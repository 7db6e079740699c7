// Package main はリーフデーモンのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"secure-reef/config"
	"secure-reef/internal/handler"
	"secure-reef/internal/infra"
	"secure-reef/internal/repository"
	"secure-reef/internal/transport"
	"secure-reef/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// ログレベル設定
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	if cfg.AgentID == "" {
		slog.Error("REEF_AGENT_ID is not set")
		os.Exit(1)
	}
	if cfg.BrokerURL == "" {
		slog.Error("BROKER_URL is not set")
		os.Exit(1)
	}

	// キーラッパー選択（KMS優先、なければローカルラップ）
	var wrapper usecase.KeyWrapper
	if cfg.KMSKeyName != "" {
		kmsWrapper, err := infra.NewKMSWrapper(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS wrapper", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsWrapper.Close(); closeErr != nil {
				slog.Error("failed to close KMS wrapper", "error", closeErr)
			}
		}()
		wrapper = kmsWrapper
	} else if cfg.LocalWrapSecret != "" {
		localWrapper, err := infra.NewLocalWrapper(cfg.LocalWrapSecret)
		if err != nil {
			slog.Error("failed to init local wrapper", "error", err)
			os.Exit(1)
		}
		wrapper = localWrapper
	}

	// DB初期化（未設定の場合はメモリのみで動作）
	var peerRepo usecase.PeerRepository
	var identityRepo usecase.IdentityRepository
	if cfg.DatabaseURL != "" {
		db, err := infra.NewDB(cfg.DatabaseURL, cfg)
		if err != nil {
			slog.Error("failed to init database", "error", err)
			os.Exit(1)
		}
		if err := db.AutoMigrate(&repository.TrustedPeerModel{}, &repository.AgentIdentityModel{}); err != nil {
			slog.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		peerRepo = repository.NewPeerRepository(db)
		if wrapper != nil {
			identityRepo = repository.NewIdentityRepository(db)
		}
	}

	// レジストリ初期化
	registry := usecase.NewKeyRegistry(peerRepo)
	if err := registry.Hydrate(ctx); err != nil {
		slog.Error("failed to hydrate registry", "error", err)
		os.Exit(1)
	}
	if cfg.RegistrySeedFile != "" {
		count, err := registry.LoadSeedFile(ctx, cfg.RegistrySeedFile)
		if err != nil {
			slog.Error("failed to load registry seeds", "error", err)
			os.Exit(1)
		}
		slog.Info("loaded registry seeds", "count", count)
	}

	// トランスポートアダプタ選択
	tlsCfg, err := transport.NewTLSConfig(cfg.TLSCAFile, cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		slog.Error("failed to build TLS config", "error", err)
		os.Exit(1)
	}
	transportCfg := transport.Config{
		URL:            cfg.BrokerURL,
		Username:       cfg.BrokerUsername,
		Password:       cfg.BrokerPassword,
		TLS:            tlsCfg,
		ConnectTimeout: cfg.ConnectTimeout,
		ClientID:       cfg.AgentID,
	}
	var adapter transport.Adapter
	switch cfg.Transport {
	case "amqp":
		adapter = transport.NewAMQPAdapter(transportCfg)
	case "mqtt":
		adapter = transport.NewMQTTAdapter(transportCfg)
	case "stomp":
		adapter = transport.NewSTOMPAdapter(transportCfg)
	default:
		slog.Error("unknown transport", "transport", cfg.Transport)
		os.Exit(1)
	}

	// DI
	keys := usecase.NewKeyManager(cfg.AgentID, cfg.RetireGracePeriod)
	reef := usecase.NewReefService(cfg.AgentID, keys, registry, adapter, identityRepo, wrapper, usecase.ReefConfig{
		DefaultTTL:      cfg.DefaultTTL,
		DispatchWorkers: cfg.DispatchWorkers,
		DispatchQueue:   cfg.DispatchQueue,
	})
	if err := reef.Initialize(ctx); err != nil {
		slog.Error("failed to initialize reef", "error", err)
		os.Exit(1)
	}

	// 自動鍵ローテーション
	rotationDone := make(chan struct{})
	if cfg.RotationInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.RotationInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, err := reef.RotateKeys(ctx); err != nil {
						slog.Error("scheduled rotation incomplete", "error", err)
					}
				case <-rotationDone:
					return
				}
			}
		}()
	}

	h := handler.NewPeerHandler(reef)
	router := handler.NewRouter(h)

	// 管理APIサーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.AdminPort,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down...")
		close(rotationDone)
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("admin server shutdown error", "error", err)
		}
		if err := reef.Shutdown(shutdownCtx); err != nil {
			slog.Error("reef shutdown error", "error", err)
		}
	}()

	slog.Info("starting admin server", "port", cfg.AdminPort, "agent_id", cfg.AgentID, "transport", cfg.Transport)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("admin server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
