package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/toolink/throttle/audit"
	"github.com/toolink/throttle/config"
	"github.com/toolink/throttle/limiter"
)

// auditPipeline is the audit wiring selected by audit.mode.
type auditPipeline struct {
	backend   audit.Backend // what the adapters report to
	async     *audit.Async
	db        *sql.DB
	drainer   *audit.Drainer
	retention *audit.Retention
}

func newAuditPipeline(ctx context.Context, cfg *config.Config, rdb redis.Cmdable) (*auditPipeline, error) {
	p := &auditPipeline{}
	logs := audit.NewLogBackend(nil)

	switch cfg.Audit.Mode {
	case config.AuditNone:
		p.backend = audit.Nop{}
		return p, nil
	case config.AuditLog:
		p.backend = logs
		return p, nil
	}

	db, err := cfg.Database.Open(ctx)
	if err != nil {
		return nil, err
	}
	p.db = db

	store, err := audit.NewSQLBackend(ctx, db, cfg.Database.Dialect())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	var durable audit.Backend = store
	if cfg.Audit.Mode == config.AuditQueue {
		queueOpts := []audit.QueueOption{
			audit.WithQueueKey(cfg.Audit.QueueKey),
			audit.WithMaxLen(cfg.Audit.MaxQueueLen),
		}
		durable = audit.NewQueueBackend(rdb, queueOpts...)
		p.drainer = audit.NewDrainer(rdb, store, queueOpts...)
	}

	p.async = audit.NewAsync(durable,
		audit.WithWriteTimeout(cfg.Audit.WriteTimeout),
		audit.WithMaxInFlight(cfg.Audit.MaxInFlight),
	)
	p.backend = audit.Multi{logs, p.async}

	if cfg.Audit.Retention > 0 {
		p.retention = audit.NewRetention(rdb, store,
			audit.WithMaxAge(cfg.Audit.Retention),
			audit.WithInterval(cfg.Audit.PurgeInterval),
		)
	}
	return p, nil
}

// close waits for in-flight audit writes, then closes the database.
func (p *auditPipeline) close(timeout time.Duration) {
	if p.async != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.async.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("audit writes still pending at shutdown")
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close audit database")
		}
	}
}

// newStorage builds the bucket storage selected by limiter.storage_type.
func newStorage(ctx context.Context, cfg *config.Config, rdb redis.Cmdable) (limiter.Storage, error) {
	switch cfg.Limiter.StorageType {
	case limiter.StorageMemory:
		return limiter.NewMemoryStorage(), nil
	case limiter.StorageRedis:
		s := limiter.NewRedisStorage(rdb,
			limiter.WithKeyPrefix(cfg.Redis.KeyPrefix),
			limiter.WithTimeout(cfg.Redis.Timeout),
		)
		if err := s.Preload(ctx); err != nil {
			// redis.Script falls back to EVAL when the script is not cached.
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable at startup, buckets fail open until it recovers")
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Limiter.StorageType)
	}
}
