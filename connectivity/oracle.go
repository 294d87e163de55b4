// Package connectivity answers whether the remote API is actually reachable.
//
// A link-layer "online" flag says nothing about a captive portal or a dead
// API server, so reachability is always decided by a real round trip.
package connectivity

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

// Oracle probes a cheap endpoint of the remote API.
type Oracle struct {
	ProbeURL string
	Timeout  time.Duration
	HTTP     *http.Client
	logger   *slog.Logger
}

// NewOracle creates an oracle probing probeURL with DefaultTimeout.
func NewOracle(probeURL string, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{
		ProbeURL: probeURL,
		Timeout:  DefaultTimeout,
		HTTP:     &http.Client{},
		logger:   logger,
	}
}

// IsReachable issues a HEAD request bounded by Timeout. Any 2xx or 3xx answer
// counts as reachable; errors, timeouts and other statuses do not.
func (o *Oracle) IsReachable(ctx context.Context) bool {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.ProbeURL, nil)
	if err != nil {
		o.logger.Warn("Invalid connectivity probe URL", "url", o.ProbeURL, "error", err)
		return false
	}
	// A cached answer proves nothing about the origin.
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := o.HTTP.Do(req)
	if err != nil {
		o.logger.Debug("Connectivity probe failed", "url", o.ProbeURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// Prober is anything that can answer IsReachable.
type Prober interface {
	IsReachable(ctx context.Context) bool
}

// Watcher polls a Prober and calls OnOnline on every unreachable to reachable
// transition. NotifyOnline lets the host forward a platform "online" event,
// which only triggers an early probe; it never decides reachability itself.
type Watcher struct {
	prober   Prober
	interval time.Duration
	onOnline func(context.Context)
	logger   *slog.Logger

	wake chan struct{}

	mu        sync.RWMutex
	reachable bool
	known     bool
}

// NewWatcher creates a watcher. onOnline runs on the watcher goroutine.
func NewWatcher(prober Prober, interval time.Duration, onOnline func(context.Context), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		prober:   prober,
		interval: interval,
		onOnline: onOnline,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Reachable returns the last observed state.
func (w *Watcher) Reachable() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reachable
}

// NotifyOnline asks for an immediate probe.
func (w *Watcher) NotifyOnline() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run probes until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		case <-w.wake:
			w.Check(ctx)
		}
	}
}

// Check probes once and fires OnOnline on a transition to reachable.
// The first observation counts as a transition when it is reachable.
func (w *Watcher) Check(ctx context.Context) bool {
	now := w.prober.IsReachable(ctx)

	w.mu.Lock()
	was, known := w.reachable, w.known
	w.reachable, w.known = now, true
	w.mu.Unlock()

	if known && was == now {
		return now
	}
	w.logger.Info("Connectivity changed", "reachable", now)
	if now && w.onOnline != nil {
		w.onOnline(ctx)
	}
	return now
}
