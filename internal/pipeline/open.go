package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/withObsrvr/listings-etl/internal/audit"
	"github.com/withObsrvr/listings-etl/internal/catalog"
	"github.com/withObsrvr/listings-etl/internal/checkpoint"
	"github.com/withObsrvr/listings-etl/internal/config"
	"github.com/withObsrvr/listings-etl/internal/lock"
	"github.com/withObsrvr/listings-etl/internal/metrics"
	"github.com/withObsrvr/listings-etl/internal/source"
	"github.com/withObsrvr/listings-etl/internal/warehouse"
)

// Open connects every collaborator named by cfg and returns a ready
// pipeline. On error whatever was already opened is closed again.
func Open(ctx context.Context, cfg config.Config, m *metrics.Metrics) (*Pipeline, error) {
	var opened []io.Closer
	fail := func(err error) (*Pipeline, error) {
		for i := len(opened) - 1; i >= 0; i-- {
			opened[i].Close()
		}
		return nil, err
	}

	bucket, loc, err := source.OpenBucket(ctx, source.Config{
		Backend:   cfg.Source.Backend,
		Bucket:    cfg.Source.Bucket,
		Region:    cfg.Source.Region,
		Endpoint:  cfg.Source.Endpoint,
		Anonymous: cfg.Source.Anonymous,
		Profile:   cfg.Source.Profile,
	})
	if err != nil {
		return fail(fmt.Errorf("open source: %w", err))
	}
	opened = append(opened, bucket)
	loc.Key = cfg.Source.Key

	wh, err := warehouse.Open(ctx, warehouse.Config{
		Backend:    cfg.Warehouse.Backend,
		Account:    cfg.Warehouse.Account,
		User:       cfg.Warehouse.User,
		Password:   cfg.Warehouse.Password,
		Role:       cfg.Warehouse.Role,
		Warehouse:  cfg.Warehouse.Warehouse,
		Database:   cfg.Warehouse.Database,
		Schema:     cfg.Warehouse.Schema,
		DuckDBPath: cfg.Warehouse.DuckDBPath,
		StageDir:   cfg.Warehouse.StageDir,
	})
	if err != nil {
		return fail(fmt.Errorf("open warehouse: %w", err))
	}
	opened = append(opened, wh)

	locker, err := lock.New(ctx, lock.Config{
		Backend: cfg.Lock.Backend,
		DSN:     cfg.LockDSN(),
		Dir:     cfg.WorkDir,
	})
	if err != nil {
		return fail(fmt.Errorf("open locker: %w", err))
	}
	opened = append(opened, locker)

	cp, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: cfg.Checkpoint.Enabled,
		Dir:     cfg.Checkpoint.Dir,
	})
	if err != nil {
		return fail(fmt.Errorf("open checkpoint: %w", err))
	}

	cat, err := catalog.NewWriter(ctx, cfg.Catalog.DSN)
	if err != nil {
		return fail(fmt.Errorf("open catalog: %w", err))
	}
	opened = append(opened, cat)

	emitter, err := audit.NewEmitter(audit.Config{
		Enabled:  cfg.Audit.Enabled,
		Dir:      cfg.Audit.Dir,
		Endpoint: cfg.Audit.Endpoint,
		Producer: audit.ProducerInfo{
			Name:    ProducerName,
			Version: Version,
			GitSHA:  GitSHA,
		},
	})
	if err != nil {
		return fail(fmt.Errorf("open audit: %w", err))
	}
	opened = append(opened, emitter)

	p, err := New(cfg, Deps{
		Bucket:     bucket,
		Location:   loc,
		Warehouse:  wh,
		Locker:     locker,
		Checkpoint: cp,
		Catalog:    cat,
		Audit:      emitter,
		Metrics:    m,
	})
	if err != nil {
		return fail(err)
	}
	return p, nil
}
