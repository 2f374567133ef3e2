package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/domain"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/events"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/feed"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/handler"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/repository"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/service"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/internal/view"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/cache"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/config"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/logger"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/metrics"
	"github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/middleware"
	pkgtls "github.com/cloud-wave-best-zizon/inventory-sync-service/pkg/tls"
)

func main() {
	// Config 로드
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	// Logger 초기화
	zapLogger, err := logger.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal("Failed to create logger:", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Change feed broker
	broker := feed.NewBroker(zapLogger.Named("feed"), feed.WithEventHook(func(ev feed.Event) {
		m.ObserveFeedEvent(ev.Table, string(ev.Type))
	}))
	defer broker.Close()

	// Store + change feed source
	store, source, closeStore, err := buildStore(ctx, cfg, broker, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialise store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer closeStore()

	var workers sync.WaitGroup
	if source != nil {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := source.Run(ctx, broker); err != nil {
				zapLogger.Error("Change feed source stopped", zap.Error(err))
			}
		}()
	}

	// Idempotency key store
	var idempotency cache.IdempotencyStore
	if cfg.RedisAddr != "" {
		redisStore, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.IdempotencyTTL,
		})
		if err != nil {
			zapLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisStore.Close()
		idempotency = redisStore
	} else {
		zapLogger.Warn("REDIS_ADDR not set, idempotency keys are kept in process memory")
		idempotency = cache.NewMemoryStore(cfg.IdempotencyTTL)
	}

	// Service, Handler 초기화
	stockService := service.NewStockService(store, zapLogger.Named("stock"),
		service.WithIdempotency(idempotency),
		service.WithMaxRetries(cfg.MaxAdjustRetries),
		service.WithMetrics(m),
	)
	productService := service.NewProductService(store, cfg.MaxAdjustRetries, zapLogger.Named("product"))
	barcodeService := service.NewBarcodeService(store, m, zapLogger.Named("barcode"))
	views := view.NewManager(broker, productService, cfg.NotificationLimit, m, zapLogger.Named("view"))
	defer views.CloseAll()

	// 주문 이벤트 컨슈머
	if cfg.OrderConsumerEnabled {
		compensation := events.NewCompensationProducer(cfg.KafkaBrokers, cfg.CompensationTopic, zapLogger.Named("compensation"))
		defer compensation.Close()
		processor := events.NewOrderProcessor(stockService, compensation, zapLogger.Named("orders"))
		consumer := events.NewOrderConsumer(cfg.KafkaBrokers, cfg.OrderTopic, cfg.OrderGroupID, processor, zapLogger.Named("orders"))
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := consumer.Run(ctx); err != nil {
				zapLogger.Error("Order consumer stopped", zap.Error(err))
			}
		}()
	}

	router := handler.NewRouter(
		handler.NewProductHandler(productService, stockService, zapLogger),
		handler.NewInventoryHandler(productService, stockService, barcodeService, zapLogger),
		handler.NewViewHandler(views, zapLogger),
		handler.RouterConfig{
			JWTSecret:     []byte(cfg.JWTSecret),
			ScanRateLimit: cfg.ScanRateLimit,
			ScanRateBurst: cfg.ScanRateBurst,
			Metrics:       m,
			Logger:        zapLogger,
		},
	)

	// Server 시작
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.CORS(cfg.CORSAllowedOrigins, router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	tlsProvider, err := pkgtls.NewProvider(ctx, cfg.TLSConfig, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialise TLS", zap.Error(err))
	}
	if tlsProvider != nil {
		defer tlsProvider.Close()
		srv.TLSConfig = tlsProvider.ServerConfig()
		go tlsProvider.Watch(ctx, time.Hour)
	}

	go func() {
		zapLogger.Info("Starting server",
			zap.String("port", cfg.Port),
			zap.String("store_backend", cfg.StoreBackend),
			zap.Bool("tls", tlsProvider != nil))
		var err error
		if tlsProvider != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful Shutdown
	<-ctx.Done()
	zapLogger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	views.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Server forced to shutdown", zap.Error(err))
	}
	workers.Wait()
	zapLogger.Info("Server exited")
}

// buildStore returns the configured store and, for backends that do not publish their own
// commits, the source that feeds the broker.
func buildStore(ctx context.Context, cfg *config.Config, broker *feed.Broker, zapLogger *zap.Logger) (repository.Store, feed.Source, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendDynamoDB:
		// DynamoDB 클라이언트 초기화
		client, err := repository.NewDynamoDBClient(ctx, cfg)
		if err != nil {
			return nil, nil, nil, err
		}
		store := repository.NewDynamoStore(client, repository.Tables{
			Products:  cfg.ProductTableName,
			Movements: cfg.MovementTableName,
			Scans:     cfg.ScanTableName,
		})
		// 인스턴스마다 모든 변경을 받아야 하므로 그룹 ID를 인스턴스별로 만든다
		groupID := cfg.ChangeGroupPrefix + "-" + instanceID()
		source := feed.NewKafkaSource(cfg.KafkaBrokers, cfg.ChangeTopic, groupID, zapLogger.Named("kafka-feed"))
		return store, source, func() {}, nil

	case config.BackendPostgres:
		db, err := repository.OpenPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store := repository.NewPGStore(db)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, nil, err
		}
		source := feed.NewPGSource(cfg.PostgresURL, zapLogger.Named("pg-feed"))
		return store, source, func() { db.Close() }, nil

	default:
		zapLogger.Warn("Using in-memory store, data is lost on restart")
		return repository.NewMemoryStore(broker, zapLogger.Named("memory-store")), nil, func() {}, nil
	}
}

func instanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + domain.NewID()
	}
	return domain.NewID()
}
