package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quantfabric/fixgate/internal/config"
	"github.com/quantfabric/fixgate/internal/fix"
	"github.com/quantfabric/fixgate/internal/marketdata"
	"github.com/quantfabric/fixgate/internal/messaging"
	"github.com/quantfabric/fixgate/internal/orders"
	"github.com/quantfabric/fixgate/internal/router"
	"github.com/quantfabric/fixgate/internal/seqstore"
	"github.com/quantfabric/fixgate/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	metricsAddr := flag.String("metrics-addr", ":9090", "listen address for the Prometheus endpoint")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	logLevel := os.Getenv("FIXGATE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	store, err := buildSeqStore(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to initialize sequence store", zap.Error(err))
	}

	var sink orders.Sink = orders.NopSink{}
	var kafkaSink *messaging.KafkaEventSink
	if cfg.Kafka.Enabled {
		kafkaSink = messaging.NewKafkaEventSink(cfg.Kafka.KafkaConfig, zapLogger)
		sink = kafkaSink
		defer kafkaSink.Close()
	}

	// All venues share the application-level dialect; per-venue overrides are
	// merged onto the FIX 4.2 defaults from the first venue's configuration.
	dialect := cfg.Venues[0].DialectFor()

	venueRouter := router.NewStaticRouter(cfg.Routing.Symbols, cfg.Routing.Default, zapLogger)
	orderManager := orders.NewManager(venueRouter, dialect, sink, zapLogger)
	mdManager := marketdata.NewManager(dialect, cfg.MarketData.StalenessThreshold, nil, zapLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsServer := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
	go func() {
		zapLogger.Info("metrics endpoint listening", zap.String("addr", *metricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// Orders the venue never acknowledges must not sit in PendingNew forever.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				orderManager.ExpirePendingAcks(ctx, 30*time.Second)
			}
		}
	}()

	var wg sync.WaitGroup
	for _, venue := range cfg.Venues {
		wg.Add(1)
		go func(venue config.VenueConfig) {
			defer wg.Done()
			superviseVenue(ctx, venue, store, venueRouter, orderManager, mdManager, zapLogger)
		}(venue)
	}

	<-ctx.Done()
	zapLogger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	wg.Wait()
	zapLogger.Info("gateway stopped")
}

// superviseVenue keeps one venue connected, rebuilding the session and
// retrying with capped exponential backoff after every disconnect.
func superviseVenue(ctx context.Context, venue config.VenueConfig, store seqstore.Store,
	venueRouter *router.StaticRouter, orderManager *orders.Manager,
	mdManager *marketdata.Manager, zapLogger *zap.Logger) {

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		disconnected := make(chan struct{})
		events := &sessionEvents{logger: zapLogger, disconnected: disconnected}

		session := fix.NewSession(fix.SessionConfig{
			ID:                 venue.ID,
			BeginString:        venue.BeginString,
			SenderCompID:       venue.SenderCompID,
			TargetCompID:       venue.TargetCompID,
			HeartbeatInterval:  venue.HeartbeatInterval,
			LogonTimeout:       venue.LogonTimeout,
			LogoutTimeout:      venue.LogoutTimeout,
			OutboundQueueSize:  venue.OutboundQueueSize,
			ResetSeqNumOnLogon: venue.ResetSeqNumOnLogon,
			Username:           venue.Username,
			Password:           venue.Password,
		}, &fix.TCPDialer{
			Addr:    fmt.Sprintf("%s:%d", venue.Host, venue.Port),
			Timeout: venue.DialTimeout,
		}, store, fix.NewCodec(nil), orderManager, mdManager, events, zapLogger)

		if err := session.Connect(ctx); err != nil {
			zapLogger.Error("venue connect failed",
				zap.String("venue", venue.ID),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		venueRouter.Register(session)

		select {
		case <-ctx.Done():
			venueRouter.Deregister(venue.ID)
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := session.Close(closeCtx); err != nil {
				zapLogger.Warn("session close failed",
					zap.String("venue", venue.ID), zap.Error(err))
			}
			cancel()
			return
		case <-disconnected:
			venueRouter.Deregister(venue.ID)
			zapLogger.Warn("venue disconnected, reconnecting",
				zap.String("venue", venue.ID))
		}
	}
}

// sessionEvents bridges session callbacks to the supervisor loop.
type sessionEvents struct {
	logger       *zap.Logger
	disconnected chan struct{}
	once         sync.Once
}

func (e *sessionEvents) OnStateChange(id string, from, to fix.SessionState) {
	e.logger.Info("session state change",
		zap.String("session", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

func (e *sessionEvents) OnDisconnected(id string, err error) {
	if err != nil {
		e.logger.Warn("session disconnected", zap.String("session", id), zap.Error(err))
	}
	e.once.Do(func() { close(e.disconnected) })
}

func buildSeqStore(cfg *config.Config, zapLogger *zap.Logger) (seqstore.Store, error) {
	switch cfg.SeqStore.Backend {
	case "", "memory":
		zapLogger.Warn("using in-memory sequence store, sequence numbers will not survive a restart")
		return seqstore.NewMemoryStore(), nil
	case "sqlite", "postgres":
		return seqstore.NewGormStore(cfg.SeqStore.Backend, cfg.SeqStore.DSN, zapLogger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.SeqStore.Redis.Addr,
			Password: cfg.SeqStore.Redis.Password,
			DB:       cfg.SeqStore.Redis.DB,
		})
		return seqstore.NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown sequence store backend %q", cfg.SeqStore.Backend)
	}
}
