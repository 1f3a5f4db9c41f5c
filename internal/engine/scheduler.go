package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RevealScheduler periodically reveals submissions whose delay has elapsed.
type RevealScheduler struct {
	engine   Engine
	interval time.Duration
	logger   logrus.FieldLogger
	stopCh   chan struct{}
	stop     sync.Once
}

func NewRevealScheduler(e Engine, interval time.Duration, logger logrus.FieldLogger) *RevealScheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &RevealScheduler{
		engine:   e,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start sweeps once immediately and then on every tick until ctx ends or Stop is called.
func (s *RevealScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("Starting reveal scheduler")
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reveal scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Reveal scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RevealScheduler) Stop() {
	s.stop.Do(func() { close(s.stopCh) })
}

func (s *RevealScheduler) sweep(ctx context.Context) {
	n, err := s.engine.SweepReveals(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("revealed", n).Error("Reveal sweep failed")
	}
}
