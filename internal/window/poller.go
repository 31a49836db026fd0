package window

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const switchCooldownKey = "tab_switch"

// Sink receives the notifications a Poller produces.
type Sink interface {
	RecordTabSwitch(from, to string, t time.Time)
	RecordFullscreenViolation(window string, t time.Time)
}

type Options struct {
	Interval       time.Duration
	JoinTimeout    time.Duration
	SwitchCooldown time.Duration
	IgnoredTitles  []string
}

func DefaultOptions() Options {
	return Options{Interval: time.Second, JoinTimeout: 2 * time.Second}
}

// Poller samples an Observer on a fixed interval and turns focus changes
// into tab-switch and fullscreen-violation notifications.
type Poller struct {
	observer Observer
	sink     Sink
	opts     Options
	logger   *slog.Logger
	ignored  *TitleSet
	cooldown *Cooldown
	now      func() time.Time

	active atomic.Bool
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	lastWindow string
	fullscreen bool
	switches   atomic.Int64
	violations atomic.Int64
}

func NewPoller(observer Observer, sink Sink, opts Options, logger *slog.Logger) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 2 * time.Second
	}
	return &Poller{
		observer: observer,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		ignored:  NewTitleSet(opts.IgnoredTitles),
		cooldown: NewCooldown(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Poller) Start(ctx context.Context) error {
	if p.observer == nil || p.sink == nil {
		return errors.New("poller requires an observer and a sink")
	}
	p.mu.Lock()
	if !p.active.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return errors.New("poller already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.lastWindow = ""
	p.fullscreen = false
	p.mu.Unlock()
	p.cooldown.Reset()
	p.switches.Store(0)
	p.violations.Store(0)

	if p.logger != nil {
		p.logger.Info("window poller started", "interval", p.opts.Interval)
	}
	go p.loop(runCtx, done)
	return nil
}

// Stop cancels the current run and waits up to JoinTimeout for its loop to
// exit. It reports whether the loop exited in time. A loop that overruns the
// timeout still exits on its own cancelled context and records nothing more.
func (p *Poller) Stop() bool {
	p.mu.Lock()
	if !p.active.CompareAndSwap(true, false) {
		p.mu.Unlock()
		return true
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	cancel()
	timer := time.NewTimer(p.opts.JoinTimeout)
	defer timer.Stop()
	select {
	case <-done:
		if p.logger != nil {
			p.logger.Info("window poller stopped", "tab_switches", p.switches.Load(), "fullscreen_violations", p.violations.Load())
		}
		return true
	case <-timer.C:
		if p.logger != nil {
			p.logger.Warn("window poller did not stop within join timeout", "timeout", p.opts.JoinTimeout)
		}
		return false
	}
}

func (p *Poller) Active() bool {
	return p.active.Load()
}

func (p *Poller) Counts() (switches, violations int) {
	return int(p.switches.Load()), int(p.violations.Load())
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		// only the current run may clear the flag after a parent cancel
		p.mu.Lock()
		if p.done == done {
			p.active.Store(false)
		}
		p.mu.Unlock()
	}()
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		p.Tick(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Tick takes one sample from the observer. A sample whose context ended
// while the observer was queried is discarded.
func (p *Poller) Tick(ctx context.Context) {
	current, err := p.observer.ActiveWindow(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("active window lookup failed", "err", err)
		}
		return
	}
	full, err := p.observer.IsFullscreen(ctx)
	if err != nil {
		full = false
	}
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	if p.lastWindow != "" && current != p.lastWindow && !p.ignored.Match(current) {
		if p.cooldown.AllowAt(switchCooldownKey, now, p.opts.SwitchCooldown) {
			p.sink.RecordTabSwitch(p.lastWindow, current, now)
			p.switches.Add(1)
			if p.logger != nil {
				p.logger.Info("window switch detected", "from", p.lastWindow, "to", current)
			}
		}
	}
	if p.fullscreen && !full {
		p.sink.RecordFullscreenViolation(current, now)
		p.violations.Add(1)
		if p.logger != nil {
			p.logger.Info("fullscreen exited", "window", current)
		}
	}
	p.lastWindow = current
	p.fullscreen = full
}
