package engine

import (
	"context"

	"penny/pkg/logx"
)

// Apply swaps the config. Worker or queue size changes restart the pool;
// everything else takes effect for the next enqueued task.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withConfigDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	switch {
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	case running && !cfg.Enabled:
		s.Stop(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.cancel = cancel
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func(idx int) {
			defer s.wg.Done()
			s.worker(runCtx, stopCh, queue, idx)
		}(i)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.janitor(runCtx, stopCh)
	}()

	s.log.Info("task engine started",
		logx.Int("workers", workers),
		logx.Int("queue", cap(queue)),
		logx.Int("retry_attempts", cfg.Retry.MaxAttempts),
		logx.Int("key_concurrency", cfg.KeyConcurrency),
		logx.Float64("key_rate", cfg.KeyRatePerSec),
	)
}

// Stop cancels in-flight tasks and waits for workers until ctx expires.
// Canceled tasks are not dead-lettered: they roll back and the next trigger
// picks them up again.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		released := drainQueue(s.q)
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.cancel = nil
		s.stats.inFlight.Store(0)
		s.mu.Unlock()
		if released > 0 {
			s.log.Info("queued tasks discarded on stop", logx.Int("count", released))
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// drainQueue empties q and frees the overlap state of every task left in it,
// so their keys can be enqueued again after a restart. Workers must have
// exited.
func drainQueue(q chan queuedTask) int {
	n := 0
	for {
		select {
		case qt := <-q:
			qt.releaseOverlap()
			n++
		default:
			return n
		}
	}
}
