package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-dispatch/internal/campaign"
	"github.com/ignite/campaign-dispatch/internal/config"
)

// DispatchPool runs a set of workers that poll for due sends and push
// them through the executor. Claims use row leases, so any number of
// pool instances can run against the same database.
type DispatchPool struct {
	store    *campaign.Store
	executor *Executor

	numWorkers   int
	batchSize    int
	pollInterval time.Duration

	totalSent   int64
	totalFailed int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDispatchPool creates a dispatch pool from the worker config
func NewDispatchPool(store *campaign.Store, executor *Executor, cfg config.WorkerConfig) *DispatchPool {
	numWorkers := cfg.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 4
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	return &DispatchPool{
		store:        store,
		executor:     executor,
		numWorkers:   numWorkers,
		batchSize:    batchSize,
		pollInterval: cfg.PollInterval(),
	}
}

// Start launches the workers
func (p *DispatchPool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.mu.Unlock()

	log.Printf("DispatchPool: starting %d workers (batch_size=%d, poll=%s)",
		p.numWorkers, p.batchSize, p.pollInterval)

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop waits for in-flight deliveries to finish
func (p *DispatchPool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	log.Println("DispatchPool: stopping workers...")
	p.wg.Wait()
	log.Printf("DispatchPool: stopped. delivered: %d, failed: %d",
		atomic.LoadInt64(&p.totalSent), atomic.LoadInt64(&p.totalFailed))
}

// Stats returns running counters
func (p *DispatchPool) Stats() map[string]int64 {
	return map[string]int64{
		"delivered": atomic.LoadInt64(&p.totalSent),
		"failed":    atomic.LoadInt64(&p.totalFailed),
	}
}

// sweepExhausted fails any send a crashed worker left pending with its
// attempt budget spent, then refreshes the affected campaigns so they
// can still reach completed.
func (p *DispatchPool) sweepExhausted(ctx context.Context, workerNum int) {
	swept, err := p.store.FailExhaustedSends(ctx)
	if err != nil {
		log.Printf("worker %d: sweep error: %v", workerNum, err)
		return
	}
	for _, campaignID := range swept {
		if _, err := p.store.RefreshStats(ctx, campaignID); err != nil {
			log.Printf("worker %d: refresh after sweep: %v", workerNum, err)
		}
	}
}

func (p *DispatchPool) worker(workerNum int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		claimCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
		p.sweepExhausted(claimCtx, workerNum)
		sends, err := p.store.ClaimDueSends(claimCtx, p.batchSize)
		cancel()
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			log.Printf("worker %d: claim error: %v", workerNum, err)
			time.Sleep(time.Second)
			continue
		}

		if len(sends) == 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.pollInterval):
			}
			continue
		}

		for _, send := range sends {
			if err := p.executor.Process(p.ctx, send); err != nil {
				atomic.AddInt64(&p.totalFailed, 1)
				log.Printf("worker %d: send %s: %v", workerNum, send.ID, err)
				continue
			}
			atomic.AddInt64(&p.totalSent, 1)
		}
	}
}
