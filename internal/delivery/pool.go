package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/hookrelay/internal/config"
	"github.com/shohag/hookrelay/internal/storage"
)

// Pool is the periodic invoker of the retry contract: it polls for due
// deliveries and feeds them to the executor through a bounded set of
// workers. Multiple pools may run across processes; the claim step in the
// executor keeps them from double-delivering.
type Pool struct {
	store    storage.Store
	executor *Executor
	workers  int
	pollRate time.Duration
	log      zerolog.Logger
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewPool(cfg config.WebhooksConfig, store storage.Store, executor *Executor, log zerolog.Logger) *Pool {
	pollRate := cfg.PollInterval
	if pollRate <= 0 {
		pollRate = time.Second
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		store:    store,
		executor: executor,
		workers:  workers,
		pollRate: pollRate,
		log:      log,
		stop:     make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("starting delivery worker pool")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.pollLoop(ctx)
	}()
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			deliveries, err := p.store.GetDueDeliveries(ctx, p.workers)
			if err != nil {
				p.log.Error().Err(err).Msg("failed to fetch due deliveries")
				continue
			}

			for _, d := range deliveries {
				d := d
				sem <- struct{}{}
				p.wg.Add(1)
				go func() {
					defer p.wg.Done()
					defer func() { <-sem }()
					if _, err := p.executor.Deliver(ctx, d.ID); err != nil {
						p.log.Error().Err(err).Str("delivery_id", d.ID).Msg("delivery attempt errored")
					}
				}()
			}
		}
	}
}

// RunOnce performs a single sweep: fetch everything currently due and
// deliver it synchronously. Used by the sweep CLI command.
func (p *Pool) RunOnce(ctx context.Context, limit int) (int, error) {
	deliveries, err := p.store.GetDueDeliveries(ctx, limit)
	if err != nil {
		return 0, err
	}
	for _, d := range deliveries {
		if _, err := p.executor.Deliver(ctx, d.ID); err != nil {
			p.log.Error().Err(err).Str("delivery_id", d.ID).Msg("delivery attempt errored")
		}
	}
	return len(deliveries), nil
}
