// Copyright 2026 flaura42
// SPDX-License-Identifier: Apache-2.0

package restsync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flaura42/RestaurantReviews/connectivity"
	"github.com/flaura42/RestaurantReviews/records"
)

// DrainResult summarizes one pass over the pending queue.
type DrainResult struct {
	Sent      int // replayed and removed from the queue
	Failed    int // attempted but still queued
	Remaining int // still queued after the pass
}

// DrainQueue replays every pending review. Each accepted review is mirrored
// into the reviews collection and removed from the queue; rejected ones stay
// for the next pass. The whole enumeration is always processed. When the
// remote is unreachable nothing is attempted.
func (e *Engine) DrainQueue(ctx context.Context) (DrainResult, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	pending, err := e.store.Pending(ctx)
	if err != nil {
		return DrainResult{}, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	if len(pending) == 0 {
		return DrainResult{}, nil
	}
	if atomic.LoadInt32(&e.drainPaused) == 1 {
		return DrainResult{Remaining: len(pending)}, nil
	}
	if !e.oracle.IsReachable(ctx) {
		e.logger.Debug("Drain skipped, remote unreachable", "pending", len(pending))
		return DrainResult{Remaining: len(pending)}, nil
	}

	var res DrainResult
	for i, p := range pending {
		if err := ctx.Err(); err != nil {
			res.Remaining = len(pending) - i + res.Failed
			return res, err
		}

		created, err := e.remote.PostReview(ctx, p.Review, p.ClientToken)
		if err != nil {
			e.logger.Warn("Pending review replay failed", "num", p.Num, "error", err)
			res.Failed++
			continue
		}
		e.mirrorReviews(ctx, []records.Review{created})

		if err := e.store.Dequeue(ctx, p.Num); err != nil {
			// The server has it; the client token lets it drop the duplicate
			// on the next replay.
			e.logger.Error("Replayed review could not be dequeued", "num", p.Num, "error", err)
			res.Failed++
			continue
		}
		res.Sent++
	}
	res.Remaining = res.Failed

	e.logger.Info("Pending reviews drained", "sent", res.Sent, "failed", res.Failed)
	return res, nil
}

// PauseDrain stops replays until ResumeDrain; reviews keep queueing.
func (e *Engine) PauseDrain() { atomic.StoreInt32(&e.drainPaused, 1) }

// ResumeDrain re-enables replays and wakes the loop.
func (e *Engine) ResumeDrain() {
	atomic.StoreInt32(&e.drainPaused, 0)
	e.TriggerDrain()
}

// TriggerDrain wakes the background loop without blocking.
func (e *Engine) TriggerDrain() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// NotifyOnline forwards a platform "online" event: it asks the watcher for
// an early probe and requests a drain attempt. It never decides
// reachability on its own.
func (e *Engine) NotifyOnline() {
	e.watcherMu.Lock()
	w := e.watcher
	e.watcherMu.Unlock()
	if w != nil {
		w.NotifyOnline()
	}
	e.TriggerDrain()
}

// Run drains the queue in the background until ctx is done: on wake-ups,
// on a timer, and on every transition to reachable. Failed passes back off
// exponentially between BackoffMin and BackoffMax.
func (e *Engine) Run(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.running, 0)

	watcher := connectivity.NewWatcher(e.oracle, e.config.ProbeInterval, func(context.Context) {
		e.TriggerDrain()
	}, e.logger)
	e.watcherMu.Lock()
	e.watcher = watcher
	e.watcherMu.Unlock()
	defer func() {
		e.watcherMu.Lock()
		e.watcher = nil
		e.watcherMu.Unlock()
	}()
	go watcher.Run(ctx)

	interval := e.config.DrainInterval
	if interval <= 0 {
		interval = DefaultConfig().DrainInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	backoff := e.config.BackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.wake:
		}

		res, err := e.DrainQueue(ctx)
		if err != nil || res.Failed > 0 {
			if err != nil && ctx.Err() == nil {
				e.logger.Warn("Drain pass failed", "error", err)
			}
			if sleepWithContext(ctx, backoff) != nil {
				return
			}
			backoff *= 2
			if backoff > e.config.BackoffMax {
				backoff = e.config.BackoffMax
			}
			continue
		}
		backoff = e.config.BackoffMin
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
