package main

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/openbox/backend/internal/archive"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/config"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/database"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/diffcache"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/openbox/backend/internal/projects"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const redisPingTimeout = 5 * time.Second

// appRuntime holds the shared dependencies of every command.
type appRuntime struct {
	config   config.AppConfig
	logger   *zap.Logger
	database *gorm.DB
	closers  []func() error
}

func loadRuntime(ctx context.Context) (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:      appConfig.Log.Level,
		File:       appConfig.Log.File,
		MaxSizeMB:  appConfig.Log.MaxSizeMB,
		MaxBackups: appConfig.Log.MaxBackups,
		MaxAgeDays: appConfig.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	db, err := database.Open(ctx, database.Config{
		Driver: appConfig.Database.Driver,
		Path:   appConfig.Database.Path,
		DSN:    appConfig.Database.DSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}

	rt := &appRuntime{config: appConfig, logger: logger, database: db}
	rt.closers = append(rt.closers, sqlDB.Close)
	return rt, nil
}

// newProjectsService wires the ingestion service, choosing redis for the diff cache when configured.
func (rt *appRuntime) newProjectsService(ctx context.Context, listener projects.CommitListener) (*projects.Service, error) {
	cache, err := rt.newDiffCache(ctx)
	if err != nil {
		return nil, err
	}
	return projects.NewService(projects.ServiceConfig{
		Database:   rt.database,
		Cache:      cache,
		Clock:      time.Now,
		IDProvider: projects.NewUUIDProvider(),
		Logger:     rt.logger,
		ArchiveLimits: archive.Limits{
			MaxEntries:    rt.config.Upload.MaxEntries,
			MaxEntryBytes: rt.config.Upload.MaxEntryBytes,
			MaxTotalBytes: rt.config.Upload.MaxBytes,
		},
		DiffWorkers: rt.config.Ingest.DiffWorkers,
		Timeout:     rt.config.Ingest.Timeout,
		Listener:    listener,
	})
}

func (rt *appRuntime) newDiffCache(ctx context.Context) (diffcache.Cache, error) {
	if rt.config.Redis.Address == "" {
		return diffcache.NewMemoryCache(0), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rt.config.Redis.Address,
		Password: rt.config.Redis.Password,
		DB:       rt.config.Redis.DB,
	})
	rt.closers = append(rt.closers, client.Close)

	cache, err := diffcache.NewRedisCache(client, rt.config.Cache.TTL)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := cache.Ping(pingCtx); err != nil {
		rt.logger.Warn("redis diff cache unavailable, continuing with cache misses", zap.String("address", rt.config.Redis.Address), zap.Error(err))
	} else {
		rt.logger.Info("redis diff cache connected", zap.String("address", rt.config.Redis.Address))
	}
	return cache, nil
}

func (rt *appRuntime) Close() {
	for index := len(rt.closers) - 1; index >= 0; index-- {
		if err := rt.closers[index](); err != nil {
			rt.logger.Warn("failed to release resource", zap.Error(err))
		}
	}
	_ = rt.logger.Sync()
}
