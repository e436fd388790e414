package queue

import (
	"context"
	"time"

	"github.com/alitto/pond"

	"botplatform/internal/bot/botlib"
)

// Runner executes one due subscription. orchestrator.Orchestrator satisfies
// this directly.
type Runner interface {
	RunCycle(ctx context.Context, subscriptionID int64) error
}

const (
	pollInterval    = 1 * time.Second
	defaultWorkers  = 10
	defaultCapacity = 200
	runTimeout      = 30 * time.Minute // spec §5 RunCycle hard deadline
)

// Dispatcher polls the bot_execution queue and hands each due subscription
// to a bounded worker pool, matching spec §5's "pool of execution workers
// drawing from a work queue" model. Built directly on
// github.com/alitto/pond rather than the teacher's pkg/concurrency
// wrapper, which took a core.ILogger and was deleted from this repository
// along with internal/core. The underlying pool library is the same one
// the teacher's go.mod already carries.
type Dispatcher struct {
	queue    *RedisQueue
	runner   Runner
	pool     *pond.WorkerPool
	logger   botlib.Logger
	capacity int

	cancel context.CancelFunc
}

// NewDispatcher builds a dispatcher with workers goroutines (0 => default)
// and a bounded backlog capacity (0 => default).
func NewDispatcher(q *RedisQueue, runner Runner, workers, capacity int, logger botlib.Logger) *Dispatcher {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	pool := pond.New(workers, capacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(60*time.Second),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error("execution worker panic recovered", "panic", p)
		}),
	)
	return &Dispatcher{
		queue:    q,
		runner:   runner,
		pool:     pool,
		logger:   logger.WithField("component", "dispatcher"),
		capacity: capacity,
	}
}

// Start begins polling for due work. It returns immediately; the poll loop
// runs until ctx is cancelled or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.loop(loopCtx)
	d.logger.Info("dispatcher started", "capacity", d.capacity)
	return nil
}

// Stop cancels the poll loop and waits for in-flight executions to drain.
func (d *Dispatcher) Stop() error {
	if d.cancel != nil {
		d.cancel()
	}
	d.pool.StopAndWait()
	d.logger.Info("dispatcher stopped")
	return nil
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.dispatchDue(ctx)
		}
	}
}

func (d *Dispatcher) dispatchDue(ctx context.Context) {
	ids, err := d.queue.Due(ctx, int64(d.capacity))
	if err != nil {
		d.logger.Error("dequeue failed", "error", err)
		return
	}
	for _, id := range ids {
		subscriptionID := id
		if err := d.pool.Submit(func() {
			runCtx, cancel := context.WithTimeout(context.Background(), runTimeout)
			defer cancel()
			if err := d.runner.RunCycle(runCtx, subscriptionID); err != nil {
				d.logger.Error("run cycle failed", "subscription_id", subscriptionID, "error", err)
			}
		}); err != nil {
			d.logger.Error("submit failed, re-enqueueing", "subscription_id", subscriptionID, "error", err)
			if reErr := d.queue.Enqueue(ctx, subscriptionID, pollInterval); reErr != nil {
				d.logger.Error("re-enqueue failed", "subscription_id", subscriptionID, "error", reErr)
			}
		}
	}
}
