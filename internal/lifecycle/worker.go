package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/codedrop/codedrop/internal/clock"
	"github.com/sirupsen/logrus"
)

const sweepLockName = "reaper-sweep"

// Worker runs the reaper periodically
type Worker struct {
	reaper   *Reaper
	clock    clock.Clock
	locker   Locker
	lockTTL  time.Duration
	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorker creates a reaper worker. A nil locker means a process-local lock.
func NewWorker(reaper *Reaper, c clock.Clock, locker Locker, lockTTL time.Duration) *Worker {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Minute
	}
	return &Worker{
		reaper:   reaper,
		clock:    c,
		locker:   locker,
		lockTTL:  lockTTL,
		stopChan: make(chan struct{}),
	}
}

// Start begins sweeping every interval
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	w.ticker = time.NewTicker(interval)

	logrus.WithField("interval", interval).Info("Reaper worker started")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		// Run immediately on start
		w.RunOnce(ctx)

		for {
			select {
			case <-w.ticker.C:
				w.RunOnce(ctx)
			case <-w.stopChan:
				w.ticker.Stop()
				logrus.Info("Reaper worker stopped")
				return
			case <-ctx.Done():
				w.ticker.Stop()
				logrus.Info("Reaper worker stopped due to context cancellation")
				return
			}
		}
	}()
}

// Stop stops the worker and waits for an in-flight sweep to finish
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	w.wg.Wait()
}

// RunOnce performs one locked sweep. It reports false when another sweep
// held the lock or the sweep failed.
func (w *Worker) RunOnce(ctx context.Context) (ReapReport, bool) {
	release, ok, err := w.locker.TryLock(ctx, sweepLockName, w.lockTTL)
	if err != nil {
		logrus.WithError(err).Warn("Failed to acquire reaper lock")
		return ReapReport{}, false
	}
	if !ok {
		logrus.Debug("Reaper sweep skipped, lock held elsewhere")
		return ReapReport{}, false
	}
	defer release()

	report, err := w.reaper.Sweep(ctx, w.clock.Now())
	if err != nil {
		logrus.WithError(err).Error("Reaper sweep failed")
		return report, false
	}
	return report, true
}
