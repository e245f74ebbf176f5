package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Scanner is a background service that periodically runs the recovery
// scan so stuck runs are repaired without operator intervention.
type Scanner interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Scanner = (*scanner)(nil)

type scanner struct {
	log          logrus.FieldLogger
	orchestrator Orchestrator
	interval     time.Duration
	done         chan struct{}
	wg           sync.WaitGroup
}

// NewScanner creates a background recovery scanner.
func NewScanner(
	log logrus.FieldLogger,
	o Orchestrator,
	interval time.Duration,
) Scanner {
	return &scanner{
		log:          log.WithField("component", "recovery_scanner"),
		orchestrator: o,
		interval:     interval,
		done:         make(chan struct{}),
	}
}

// Start launches a goroutine that runs an immediate scan and then
// ticks at the configured interval. The first pass is asynchronous so
// process startup is not blocked.
func (s *scanner) Start(ctx context.Context) error {
	s.log.WithField("interval", s.interval.String()).
		Info("Starting recovery scanner")

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.runPass(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the scanner goroutine to stop and waits for it.
func (s *scanner) Stop() error {
	close(s.done)
	s.wg.Wait()

	s.log.Info("Recovery scanner stopped")

	return nil
}

// runPass executes one recovery scan. Scan already records per-run
// errors internally; only a scan-level failure is logged here.
func (s *scanner) runPass(ctx context.Context) {
	result, err := s.orchestrator.Scan(ctx)
	if err != nil {
		s.log.WithError(err).Error("Recovery scan failed")

		return
	}

	for _, e := range result.Errors {
		s.log.WithFields(logrus.Fields{
			"run_id": e.RunID,
			"error":  e.Error,
		}).Warn("Run recovery failed")
	}
}
