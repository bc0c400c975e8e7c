package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/approval"
	"github.com/xela07ax/toolgate/internal/audit"
	"github.com/xela07ax/toolgate/internal/engine"
	"github.com/xela07ax/toolgate/internal/filter"
	"github.com/xela07ax/toolgate/internal/infra"
	"github.com/xela07ax/toolgate/internal/infra/auth"
	"github.com/xela07ax/toolgate/internal/policy"
	"github.com/xela07ax/toolgate/internal/ratelimit"
	"github.com/xela07ax/toolgate/internal/registry"
	"github.com/xela07ax/toolgate/internal/repository/postgres"
	"github.com/xela07ax/toolgate/internal/risk"
	"github.com/xela07ax/toolgate/internal/server"
	"github.com/xela07ax/toolgate/internal/webhook"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, v, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При завершении main() или срабатывании SIGTERM, cancel() остановит слушателей
	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Инфраструктура и ресурсы (все внешние зависимости опциональны)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var (
		auditStore  audit.Store
		ticketStore approval.Store
	)
	if cfg.Database.URL != "" {
		repo, err := postgres.NewRepo(appCtx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			logger.Fatal("postgres connection failed", zap.Error(err))
		}
		defer repo.Close()
		auditStore = repo
		ticketStore = repo
	} else {
		logger.Warn("no database configured, audit log and tickets are in-memory only")
		auditStore = audit.NewMemoryStore()
		ticketStore = approval.NewMemoryStore()
	}

	// 3. Журнал аудита (+шифрование at-rest, если задан ключ)
	codec, err := buildCodec(cfg.Audit.EncryptionKey)
	if err != nil {
		logger.Fatal("audit codec init failed", zap.Error(err))
	}
	auditLog, err := audit.NewLog(appCtx, auditStore, codec, logger)
	if err != nil {
		logger.Fatal("audit log init failed", zap.Error(err))
	}

	// Единый реестр прометеевских метрик на весь процесс
	promReg := prometheus.NewRegistry()

	// 4. Вебхук-диспетчер (fire-and-forget уведомления об апрувах)
	var notifier approval.Notifier
	var dispatcher *webhook.Dispatcher
	if len(cfg.Webhooks.Targets) > 0 {
		dispatcher = webhook.NewDispatcher(webhook.Config{
			Targets:     cfg.Webhooks.Targets,
			MaxAttempts: cfg.Webhooks.MaxAttempts,
			Timeout:     cfg.Webhooks.Timeout,
			Buffer:      cfg.Webhooks.Buffer,
			Registerer:  promReg,
		}, logger)
		dispatcher.Start()
		defer dispatcher.Stop()
		notifier = dispatcher
	}

	// 5. Очередь апрувов: восстановление PENDING из базы + фоновый sweep
	queue := approval.NewQueue(approval.Config{
		DefaultTTL:    cfg.Engine.TicketTTL,
		SweepInterval: cfg.Engine.SweepInterval,
		StreamBuffer:  cfg.Engine.StreamBuffer,
	}, ticketStore, notifier, logger)
	if err := queue.Restore(appCtx); err != nil {
		logger.Fatal("ticket restore failed", zap.Error(err))
	}
	go queue.Run(appCtx)

	// 6. Control Plane: рубильник с синхронизацией через Redis
	ksm := engine.NewKillSwitchManager(rdb, logger)
	if err := ksm.Init(appCtx); err != nil {
		logger.Fatal("kill switch init failed", zap.Error(err))
	}
	if rdb != nil {
		go ksm.StartListener(appCtx)
	}

	// 7. Реестр манифестов и контент-фильтр
	reg := registry.New(logger)
	if cfg.Registry.ManifestPath != "" {
		if err := reg.LoadFile(cfg.Registry.ManifestPath); err != nil {
			logger.Fatal("manifest load failed", zap.String("path", cfg.Registry.ManifestPath), zap.Error(err))
		}
	}
	flt := filter.New()
	if cfg.Filter.RulesPath != "" {
		if err := flt.LoadFile(cfg.Filter.RulesPath); err != nil {
			logger.Fatal("filter rules load failed", zap.String("path", cfg.Filter.RulesPath), zap.Error(err))
		}
	}

	// 8. Лимитер, allow-list, анализатор риска
	limiter := ratelimit.New(ratelimit.Config{
		ActorRate:   cfg.RateLimit.ActorRate,
		ActorBurst:  cfg.RateLimit.ActorBurst,
		GlobalRate:  cfg.RateLimit.GlobalRate,
		GlobalBurst: cfg.RateLimit.GlobalBurst,
	})
	allowlist := policy.NewMemoAllowlist(cfg.Allowlist, logger)
	analyzer := risk.NewAnalyzer(cfg.Engine.ForceHighRiskApproval, logger)

	// Горячая перезагрузка корзин лимитера при изменении конфига
	v.OnConfigChange(func(_ fsnotify.Event) {
		rl := cfg.Reload(v)
		limiter.Apply(ratelimit.Config{
			ActorRate:   rl.ActorRate,
			ActorBurst:  rl.ActorBurst,
			GlobalRate:  rl.GlobalRate,
			GlobalBurst: rl.GlobalBurst,
		}, time.Now())
		logger.Info("rate limit config reloaded",
			zap.Float64("actor_rate", rl.ActorRate), zap.Float64("global_rate", rl.GlobalRate))
	})
	v.WatchConfig()

	// 9. Метрики
	metrics := engine.NewMetrics(promReg,
		func() float64 { return float64(queue.PendingCount()) },
		func() float64 { return float64(auditLog.Sequence()) },
		func() float64 { return float64(queue.SubscriberCount()) },
	)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// 10. Ядро арбитража
	eng := engine.New(engine.Config{
		Capabilities: cfg.Engine.Capabilities,
		TicketTTL:    cfg.Engine.TicketTTL,
	}, reg, flt, limiter, queue, auditLog, ksm, allowlist, analyzer, metrics, logger)

	// 11. HTTP API (+ админский периметр за RS256)
	var validator auth.TokenValidator
	if len(cfg.Auth.PublicKey) > 0 {
		pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			logger.Fatal("auth public key parse failed", zap.Error(err))
		}
		validator = auth.NewBaseValidator(pubKey)
	}
	api := server.New(cfg, eng, reg, flt, validator, logger)

	// WriteTimeout не ставим: SSE-стрим и ?wait=true живут дольше любого
	// разумного таймаута записи
	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     api,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	// 12. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("toolgate started",
			zap.String("addr", srv.Addr),
			zap.Int("tools", reg.Len()),
			zap.Bool("auth", validator != nil))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop // Ждем сигнал
	logger.Info("toolgate stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("toolgate exited properly")
}

// buildCodec: пустой ключ — журнал открытым текстом, иначе 64 hex-символа
// (32 байта XChaCha20-Poly1305).
func buildCodec(keyHex string) (audit.Codec, error) {
	if keyHex == "" {
		return audit.PlainCodec{}, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	return audit.NewAEADCodec(key)
}
