package commands

import (
	"context"
	"database/sql"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teranos/fhirlake/am"
	"github.com/teranos/fhirlake/blob"
	"github.com/teranos/fhirlake/convert"
	"github.com/teranos/fhirlake/errors"
	"github.com/teranos/fhirlake/metrics"
	"github.com/teranos/fhirlake/pulse/async"
	"github.com/teranos/fhirlake/pulse/async/redisq"
	"github.com/teranos/fhirlake/pulse/commit"
	"github.com/teranos/fhirlake/pulse/lock"
	"github.com/teranos/fhirlake/pulse/schedule"
	"github.com/teranos/fhirlake/pulse/task"
	"github.com/teranos/fhirlake/source"
)

// engine holds the wired job engine components for one configuration
type engine struct {
	cfg    *am.Config
	db     *sql.DB
	store  *async.Store
	queue  async.Queue
	lock   lock.JobLock
	blobs  blob.Store
	layout blob.Layout
	coord  *commit.Coordinator
	redis  *goredis.Client
	log    *zap.SugaredLogger
}

// openEngine opens the database and builds the store, queue, lock, and blob
// layers. Workers and the orchestrator are built on demand.
func openEngine(ctx context.Context, log *zap.SugaredLogger) (*engine, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, db: database, log: log}
	qt := cfg.Pulse.QueueType
	e.store = async.NewStore(database, qt, async.WithHeartbeatTimeout(cfg.Pulse.HeartbeatTimeoutSec))

	switch cfg.Pulse.Backend {
	case am.BackendRedis:
		e.redis = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := e.redis.Ping(ctx).Err(); err != nil {
			e.Close()
			return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.Redis.Addr)
		}
		e.queue = redisq.New(e.redis, qt)
		e.lock = lock.NewRedisLock(e.redis, lock.SchedulerLockName(qt))
	default:
		e.queue = async.NewSQLiteQueue(database, qt)
		e.lock = lock.NewSQLiteLock(database, lock.SchedulerLockName(qt))
	}

	switch cfg.Storage.Backend {
	case am.StorageS3:
		e.blobs, err = blob.NewS3StoreFromConfig(ctx, cfg.Storage)
	default:
		e.blobs, err = blob.NewFileStore(cfg.Storage.Root)
	}
	if err != nil {
		e.Close()
		return nil, errors.Wrap(err, "failed to open blob store")
	}
	e.layout = blob.Layout{Staging: cfg.Storage.StagingPrefix, Result: cfg.Storage.ResultPrefix}
	e.coord = commit.NewCoordinator(e.store, e.blobs, e.layout, log)
	return e, nil
}

// handler builds the processing job handler over the resilient source client
func (e *engine) handler() (*task.Handler, error) {
	client, err := source.NewFHIRClient(e.cfg.Source, e.log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create source client")
	}
	src := source.NewResilient(client, source.PolicyFromAM(e.cfg.Source), e.log)
	conv := convert.NewParquetConverterFromAM(e.cfg.Convert)
	exec := task.NewExecutor(e.store, src, conv, e.blobs, e.layout, task.ConfigFromAM(e.cfg.Pulse), e.log)
	return task.NewHandler(exec, e.coord, e.log), nil
}

// orchestrator builds the scheduling loop for the configured processing range
func (e *engine) orchestrator() (*schedule.Orchestrator, error) {
	cfg, err := schedule.ConfigFromAM(e.cfg)
	if err != nil {
		return nil, err
	}
	return schedule.NewOrchestrator(e.store, e.queue, e.lock, schedule.NewMetadataStore(e.db), cfg, e.log), nil
}

// poolConfig reads the worker settings; workers overrides the configured count when positive
func (e *engine) poolConfig(workers int) async.WorkerPoolConfig {
	poolCfg := async.WorkerPoolConfigFromAM(e.cfg.Pulse)
	if workers > 0 {
		poolCfg.Workers = workers
	}
	return poolCfg
}

func (e *engine) pool(ctx context.Context, handler async.JobHandler, poolCfg async.WorkerPoolConfig, sink metrics.Sink) *async.WorkerPool {
	return async.NewWorkerPool(ctx, e.store, e.queue, handler, poolCfg, sink, e.log)
}

func (e *engine) Close() {
	if e.redis != nil {
		_ = e.redis.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}
