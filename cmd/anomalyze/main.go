// Command anomalyze runs the behavioral anomaly scoring engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/anomalyze/anomalyze/internal/config"
	"github.com/anomalyze/anomalyze/internal/database"
	"github.com/anomalyze/anomalyze/internal/engine"
	"github.com/anomalyze/anomalyze/internal/features"
	"github.com/anomalyze/anomalyze/internal/logger"
	"github.com/anomalyze/anomalyze/internal/ml"
	"github.com/anomalyze/anomalyze/internal/profile"
	"github.com/anomalyze/anomalyze/internal/velocity"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, sync := logger.New(cfg.Service.Production, cfg.Service.LogLevel)
	defer sync() //nolint:errcheck

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var durable profile.Durable
	if cfg.Database.DSN != "" {
		var db *gorm.DB
		switch cfg.Database.Driver {
		case "sqlite":
			db, err = database.NewSQLite(cfg.Database.DSN)
		default:
			db, err = database.NewPostgres(cfg.Database.DSN,
				cfg.Database.MaxOpen, cfg.Database.MaxIdle, cfg.Database.ConnMaxLife)
		}
		if err != nil {
			log.Fatal("durable store unavailable", zap.Error(err))
		}
		durable, err = profile.NewGormStore(db)
		if err != nil {
			log.Fatal("profile schema migration failed", zap.Error(err))
		}
	} else {
		log.Warn("no database configured, profiles will not be durable")
	}

	store := profile.NewStore(
		profile.NewRedisCache(rdb),
		durable,
		profile.StoreConfig{
			CacheTTL:      cfg.Profile.CacheTTL,
			FlushInterval: cfg.Profile.FlushInterval,
			OpTimeout:     cfg.Profile.OpTimeout,
		},
		log.Named("profile"),
	)

	counter := velocity.NewCounter(rdb, cfg.Velocity.Window, log.Named("velocity"))
	extractor := features.NewExtractor(store, counter, log.Named("features"))

	model := ml.NewModel(log.Named("model"))
	if err := model.Load(cfg.Model.Path); err != nil {
		log.Warn("no model artifact loaded, scoring unavailable until trained",
			zap.String("path", cfg.Model.Path), zap.Error(err))
	}

	eng := engine.New(store, extractor, model, log.Named("engine"))

	log.Info("anomalyze engine started",
		zap.String("model_version", model.Version()),
		zap.Duration("flush_interval", cfg.Profile.FlushInterval))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		log.Error("shutdown flush failed", zap.Error(err))
	}
	log.Info("anomalyze engine stopped")
}
