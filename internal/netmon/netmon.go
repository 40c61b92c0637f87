// Package netmon tracks backend reachability.
//
// The monitor distinguishes device-level connectivity from actual backend
// reachability by probing the backend's health endpoint: a client on wifi
// behind a captive portal is, for sync purposes, offline. Transitions are
// fanned out to subscribers so the sync engine can abort on disconnect and
// schedule a pass on reconnect.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Monitor reports connectivity and publishes transitions.
type Monitor interface {
	// Online reports the most recent probe outcome.
	Online() bool

	// Subscribe registers a listener invoked on every online/offline
	// transition (not on steady-state probes). Returns an unsubscribe
	// function.
	Subscribe(fn func(online bool)) func()
}

// CheckFunc probes the backend once. A nil return means reachable.
type CheckFunc func(ctx context.Context) error

// Config holds prober settings.
type Config struct {
	// Check probes the backend. Required.
	Check CheckFunc

	// Interval between probes while online (default: 30s).
	Interval time.Duration

	// OfflineInterval between probes while offline (default: 5s).
	// Shorter than Interval so reconnects are noticed quickly.
	OfflineInterval time.Duration

	// Timeout bounds each probe (default: 5s).
	Timeout time.Duration

	// Logger for transition logging (default: stderr logger).
	Logger *log.Logger
}

// Prober is a polling Monitor backed by a health-check probe.
type Prober struct {
	cfg Config

	mu      sync.RWMutex
	online  bool
	subs    map[int]func(bool)
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober. It starts pessimistic (offline) until the
// first probe succeeds; call Start to begin probing.
func NewProber(cfg Config) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OfflineInterval <= 0 {
		cfg.OfflineInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	return &Prober{
		cfg:  cfg,
		subs: make(map[int]func(bool)),
	}
}

// Start probes immediately, then keeps probing in the background until the
// context is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	p.probe(runCtx)

	go func() {
		defer close(done)
		for {
			timer := time.NewTimer(p.interval())
			select {
			case <-runCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				p.probe(runCtx)
			}
		}
	}()
}

// Stop halts background probing and waits for the probe loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Online reports the most recent probe outcome.
func (p *Prober) Online() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online
}

// Subscribe registers a transition listener and returns an unsubscribe
// function.
func (p *Prober) Subscribe(fn func(online bool)) func() {
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// interval picks the probe cadence for the current state.
func (p *Prober) interval() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.online {
		return p.cfg.Interval
	}
	return p.cfg.OfflineInterval
}

// probe runs one health check and fans out the transition if the state
// flipped.
func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	err := p.cfg.Check(probeCtx)
	cancel()

	online := err == nil

	p.mu.Lock()
	if online == p.online {
		p.mu.Unlock()
		return
	}
	p.online = online
	listeners := make([]func(bool), 0, len(p.subs))
	for _, fn := range p.subs {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	if online {
		p.cfg.Logger.Printf("Backend reachable")
	} else {
		p.cfg.Logger.Printf("Backend unreachable: %v", err)
	}

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.cfg.Logger.Printf("WARNING: connectivity listener panicked: %v", r)
				}
			}()
			fn(online)
		}()
	}
}

// Static is a fixed-state Monitor, useful for one-shot commands and tests.
type Static struct {
	State bool
}

// Online reports the fixed state.
func (s Static) Online() bool { return s.State }

// Subscribe never fires; the state never changes.
func (s Static) Subscribe(func(online bool)) func() { return func() {} }
