package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jamhub/listenroom/config"
	deliveryHttp "github.com/jamhub/listenroom/internal/delivery/http"
	"github.com/jamhub/listenroom/internal/engine"
	"github.com/jamhub/listenroom/internal/fanout"
	"github.com/jamhub/listenroom/internal/kafka"
	"github.com/jamhub/listenroom/internal/ratelimit"
	redisRepo "github.com/jamhub/listenroom/internal/repository/redis"
	sqliteRepo "github.com/jamhub/listenroom/internal/repository/sqlite"
	"github.com/jamhub/listenroom/internal/resolver"
	"github.com/jamhub/listenroom/internal/room"
	"github.com/jamhub/listenroom/internal/service"
	pkgKafka "github.com/jamhub/listenroom/pkg/kafka"
	pkgLog "github.com/jamhub/listenroom/pkg/logger"
	pkgRedis "github.com/jamhub/listenroom/pkg/redis"
	"github.com/jamhub/listenroom/pkg/token"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	l := pkgLog.InitializeZapLogger(pkgLog.ZapConfig{
		Level:    cfg.Log.Level,
		Mode:     cfg.Log.Mode,
		Encoding: cfg.Log.Encoding,
	})

	redisCli, err := pkgRedis.Connect(ctx, cfg.Redis)
	if err != nil {
		l.Fatalf(ctx, "Failed to connect to Redis: %v", err)
	}
	defer pkgRedis.Disconnect(redisCli)

	db, err := sqliteRepo.Open(ctx, cfg.Database.Path)
	if err != nil {
		l.Fatalf(ctx, "Failed to open database: %v", err)
	}
	defer db.Close()

	stateRepo := redisRepo.NewRedisStateRepository(redisCli, l)
	streamRepo := redisRepo.NewRedisStreamRepository(redisCli, l)
	roomRepo := sqliteRepo.NewSQLiteRoomRepository(db, l)
	songRepo := sqliteRepo.NewSQLiteSongRepository(db, l)
	voteRepo := sqliteRepo.NewSQLiteVoteRepository(db, l)

	rooms := room.NewManager(stateRepo, l)

	fan := fanout.NewManager(redisCli, l)
	fan.Start(ctx)
	defer fan.Close()

	gateway := resolver.NewGateway(streamRepo, cfg.Resolver, l)
	limiter := ratelimit.NewRedisLimiter(redisCli, l)

	// Analytics events are optional; the room bus works without Kafka.
	var prod kafka.Producer
	if cfg.Kafka.Enabled {
		syncProd, err := pkgKafka.NewProducer(pkgKafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			RetryMax:     cfg.Kafka.ProducerRetryMax,
			RequiredAcks: cfg.Kafka.ProducerRequiredAcks,
		})
		if err != nil {
			l.Fatalf(ctx, "Failed to initialize Kafka producer: %v", err)
		}
		prod = kafka.NewProducer(syncProd, l)
		defer prod.Close()
	}

	eng := engine.New(roomRepo, songRepo, voteRepo, rooms, gateway, fan, limiter, prod, cfg.RateLimit, l)
	roomSvc := service.NewRoomService(roomRepo, rooms, prod, cfg.Room.SlugLength, l)
	tokens := token.NewManager(cfg.JWT.Secret, cfg.JWT.Expiry)

	handler := deliveryHttp.NewHandler(roomSvc, eng, fan, tokens, l)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		l.Infof(ctx, "HTTP server is listening on port: %d", cfg.Server.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Fatalf(ctx, "Failed to serve HTTP: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	l.Info(ctx, "Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Errorf(ctx, "HTTP server shutdown: %v", err)
	}

	cancel()

	l.Info(ctx, "Server exited")
}
