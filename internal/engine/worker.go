package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"unsaid/internal/domain"
	"unsaid/internal/repo"
)

const dispatcherActor = "dispatcher"

// Pool runs Dispatch for queued submission ids on a fixed number of workers.
type Pool struct {
	engine  Engine
	queue   chan string
	workers int
	logger  logrus.FieldLogger
	stopCh  chan struct{}
	stop    sync.Once
	wg      sync.WaitGroup
}

func NewPool(e Engine, workers, queueSize int, logger logrus.FieldLogger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		engine:  e,
		queue:   make(chan string, queueSize),
		workers: workers,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Enqueue schedules id without blocking. It reports false when the queue is full or the pool stopped.
func (p *Pool) Enqueue(id string) bool {
	select {
	case <-p.stopCh:
		return false
	default:
	}
	select {
	case p.queue <- id:
		dispatchQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		return false
	}
}

// Start launches the workers and returns.
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting dispatch workers")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop signals the workers and waits for in-flight dispatches to finish.
func (p *Pool) Stop() {
	p.stop.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case id := <-p.queue:
			dispatchQueueDepth.Set(float64(len(p.queue)))
			p.dispatch(ctx, worker, id)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, worker int, id string) {
	log := p.logger.WithFields(logrus.Fields{"worker": worker, "submission_id": id})
	s, err := p.engine.Dispatch(ctx, id, dispatcherActor)
	var precondition PreconditionError
	switch {
	case err == nil:
		log.WithField("status", s.Status).Debug("Dispatch finished")
	case errors.Is(err, ErrLeaseHeld):
		log.Debug("Dispatch skipped, another attempt holds the lease")
	case errors.As(err, &precondition), errors.Is(err, repo.ErrNotFound):
		log.WithError(err).Debug("Dispatch skipped")
	default:
		log.WithError(err).Error("Dispatch failed")
	}
}

// Backfill queues pending submissions left over from a previous run. It returns how many were queued.
func (p *Pool) Backfill(ctx context.Context) (int, error) {
	pending, err := p.engine.ListByStatus(ctx, domain.StatusPending, repo.SubmissionFilters{})
	if err != nil {
		return 0, err
	}
	queued := 0
	for i := len(pending) - 1; i >= 0; i-- {
		if !p.Enqueue(pending[i].ID) {
			break
		}
		queued++
	}
	if queued > 0 {
		p.logger.WithField("queued", queued).Info("Queued pending submissions for dispatch")
	}
	return queued, nil
}
