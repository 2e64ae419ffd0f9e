package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"penny/internal/eventbus"
	"penny/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	log := s.log.With(logx.Int("worker", idx))
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.mu.Lock()
			cfg := s.cfg
			s.mu.Unlock()

			key := qt.task.ConcurrencyKey

			// Per-key token bucket: wait outside the queue so other keys keep flowing.
			if !qt.rateReserved && key != "" {
				qt.rateReserved = true
				if d := s.limiters.reserve(key, cfg.KeyRatePerSec, cfg.KeyBurst, time.Now()); d > 0 {
					log.Trace("task rate limited", logx.String("task", qt.task.Name), logx.String("group", key), logx.Duration("wait", d))
					s.deferTask(qt, d, queue, stopCh)
					continue
				}
			}

			gs, ok := s.groups.tryAcquire(key, qt.opt.ConcurrencyLimit)
			if !ok {
				s.deferTask(qt, groupRetryDelay, queue, stopCh)
				continue
			}

			s.stats.inFlight.Add(1)
			s.execOne(ctx, stopCh, cfg, qt)
			s.stats.inFlight.Add(-1)
			gs.release()
		}
	}
}

// deferTask puts qt back on the queue after d without holding a worker.
// The overlap state stays held, so the key still counts as queued.
func (s *Service) deferTask(qt queuedTask, d time.Duration, queue chan queuedTask, stopCh <-chan struct{}) {
	s.stats.deferred.Add(1)
	time.AfterFunc(d, func() {
		defer s.stats.deferred.Add(-1)
		select {
		case <-stopCh:
			qt.releaseOverlap()
			return
		default:
		}
		select {
		case queue <- qt:
		default:
			qt.releaseOverlap()
			s.drop(dropQueueFull, time.Now(), qt.task, 0, len(queue), cap(queue))
		}
	})
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, cfg Config, qt queuedTask) {
	defer qt.releaseOverlap()

	start := time.Now()
	queueDelay := time.Duration(0)
	if !qt.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qt.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.drop(dropStale, start, qt.task, queueDelay, 0, 0)
		s.record(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Error: dropStale})
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Duration("queue_delay", queueDelay))
	s.publish("task.started", TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay})

	policy := *qt.opt.Retry

	var err error
	attempts := 0
	stopped := false
attemptLoop:
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		attempts = attempt
		err = s.runAttempt(ctx, qt)
		if err == nil {
			break
		}
		if IsNoRetry(err) {
			break
		}
		if ctx.Err() != nil {
			stopped = true
			break
		}
		if attempt >= policy.MaxAttempts {
			break
		}

		delay := policy.delay(attempt, err)
		s.log.Debug("task retry scheduled",
			logx.String("task", qt.task.Name),
			logx.String("key", qt.task.Key),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			stopped = true
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			stopped = true
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}

	switch {
	case err == nil:
		s.stats.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		s.publish("task.finished", ev)
	case stopped:
		item.Error = "stopped: " + err.Error()
		ev.Error = item.Error
		s.log.Warn("task.abandoned", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Err(err), logx.Int("attempts", attempts))
		s.publish("task.failed", ev)
	default:
		item.Error = err.Error()
		ev.Error = item.Error
		s.publish("task.failed", ev)
		s.exhaust(qt, attempts, err)
	}
	s.record(cfg, item)
}

// runAttempt runs one attempt under the per-attempt timeout. A panic becomes
// a NoRetry error so one bad task can't kill a worker or be retried forever.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.String("key", qt.task.Key), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			if perr, ok := r.(error); ok {
				err = NoRetry(fmt.Errorf("panic: %w", perr))
				return
			}
			err = NoRetry(fmt.Errorf("panic: %v", r))
		}
	}()
	err = qt.task.Run(runCtx)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("attempt timed out after %s: %w", qt.timeout, err)
	}
	return err
}

// exhaust reports a task whose last attempt failed: ERROR log, job.exhausted
// event and the OnExhausted hook (the dead-letter store).
func (s *Service) exhaust(qt queuedTask, attempts int, err error) {
	s.stats.exhausted.Add(1)
	dl := DeadLetter{
		TaskID:   qt.task.ID,
		TaskName: qt.task.Name,
		Key:      qt.task.Key,
		Payload:  qt.task.Payload,
		Attempts: attempts,
		Error:    err.Error(),
		At:       time.Now(),
	}
	s.log.Error("task.exhausted",
		logx.String("task", qt.task.Name),
		logx.String("key", qt.task.Key),
		logx.String("payload", qt.task.Payload),
		logx.Int("attempts", attempts),
		logx.Bool("no_retry", IsNoRetry(err)),
		logx.Err(err),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobExhausted, Time: dl.At, Data: dl})
	}
	if s.opts.OnExhausted != nil {
		// The engine context may already be canceled; the dead letter must still land.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.opts.OnExhausted(ctx, dl)
	}
}
