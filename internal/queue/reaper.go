package queue

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ordino/internal/common"
	"github.com/ternarybob/ordino/internal/storage/sqlite"
)

// reaperBatchSize bounds how many expired leases one sweep processes.
const reaperBatchSize = 100

// Reaper periodically reclaims work items whose lease expired, returning
// them to the pool or failing them once retries are exhausted. Sweeps are
// idempotent: items a worker reported in the meantime are skipped.
type Reaper struct {
	config *common.Config
	items  *sqlite.WorkItemStorage
	engine *Engine
	cron   *cron.Cron
	logger arbor.ILogger
}

// NewReaper creates a lease reaper
func NewReaper(logger arbor.ILogger, config *common.Config, items *sqlite.WorkItemStorage, engine *Engine) *Reaper {
	return &Reaper{
		config: config,
		items:  items,
		engine: engine,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules the periodic sweep.
func (r *Reaper) Start() error {
	interval, err := r.config.ReaperInterval()
	if err != nil {
		return err
	}

	_, err = r.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if err := r.Sweep(context.Background()); err != nil {
			r.logger.Warn().Err(err).Msg("Lease sweep failed")
		}
	})
	if err != nil {
		return err
	}

	r.cron.Start()
	r.logger.Info().Str("interval", interval.String()).Msg("Lease reaper started")
	return nil
}

// Stop halts the sweep schedule, waiting for a running sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Sweep reclaims every currently expired lease, then retries any aggregation
// whose catalog write failed after its feeding step completed.
func (r *Reaper) Sweep(ctx context.Context) error {
	if err := r.sweepLeases(ctx); err != nil {
		return err
	}
	return r.engine.RecoverPendingAggregations(ctx)
}

func (r *Reaper) sweepLeases(ctx context.Context) error {
	for {
		expired, err := r.items.ExpiredLeases(ctx, reaperBatchSize)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		reclaimed := 0
		for _, item := range expired {
			if err := r.engine.FailExpiredLease(ctx, item.ID); err != nil {
				r.logger.Warn().Err(err).Int64("item_id", item.ID).Msg("Failed to reclaim lease")
				continue
			}
			reclaimed++
		}

		// Stop the sweep rather than spin when nothing in the batch could
		// be reclaimed.
		if reclaimed == 0 || len(expired) < reaperBatchSize {
			return nil
		}
	}
}
