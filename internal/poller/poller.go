// Package poller keeps {data, loading, error} state for one remote resource,
// refreshing it on mount, on identifier change, on a fixed interval and
// whenever the host view becomes visible again.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"watchpower-monitor/internal/logger"
)

// FetchFunc retrieves the resource identified by id.
type FetchFunc[T any] func(ctx context.Context, id string) (T, error)

// ErrClosed is returned by Refetch after Close.
var ErrClosed = errors.New("poller closed")

type Options struct {
	// Interval between automatic fetches; zero disables the timer.
	Interval time.Duration
	// Disabled suppresses every fetch, including Refetch.
	Disabled bool
	// Visibility delivers visibility changes of the host view. A true value
	// forces an immediate refetch.
	Visibility <-chan bool
	// Timeout bounds a single fetch; zero means no bound beyond the
	// poller's own lifetime.
	Timeout time.Duration
	// OnChange is called after every state change, outside the lock.
	OnChange func()
	Logger   *logger.Logger
	Name     string
}

// State is a consistent view of the poller.
type State[T any] struct {
	ID        string
	Data      T
	HasData   bool
	Loading   bool
	Err       string
	UpdatedAt time.Time
}

type Poller[T any] struct {
	fetch FetchFunc[T]
	opts  Options
	log   *logger.Logger

	mu      sync.Mutex
	state   State[T]
	issued  uint64
	applied uint64
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	idChanged chan struct{}
	wg        sync.WaitGroup
}

// New mounts a poller for id. When enabled and id is non-empty the first
// fetch starts immediately.
func New[T any](id string, fetch FetchFunc[T], opts Options) *Poller[T] {
	ctx, cancel := context.WithCancel(context.Background())
	name := opts.Name
	if name == "" {
		name = "poller"
	}
	p := &Poller[T]{
		fetch:     fetch,
		opts:      opts,
		log:       logger.OrNop(opts.Logger).Named(name),
		ctx:       ctx,
		cancel:    cancel,
		idChanged: make(chan struct{}, 1),
	}
	p.state.ID = id
	p.state.Loading = p.active(id)

	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Poller[T]) active(id string) bool {
	return !p.opts.Disabled && id != ""
}

// State returns a snapshot of the current state.
func (p *Poller[T]) State() State[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetID switches the poller to another resource. Data of the previous id
// is dropped, the interval schedule restarts and a fetch for the new id is
// issued immediately.
func (p *Poller[T]) SetID(id string) {
	p.mu.Lock()
	if p.closed || p.state.ID == id {
		p.mu.Unlock()
		return
	}
	p.state = State[T]{ID: id, Loading: p.active(id)}
	p.mu.Unlock()

	select {
	case p.idChanged <- struct{}{}:
	default:
	}
}

// Refetch performs one fetch and waits for it. The outcome is also
// recorded in the state, subject to the same ordering rule as automatic
// fetches.
func (p *Poller[T]) Refetch(ctx context.Context) error {
	seq, id, ok := p.begin()
	if !ok {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrClosed
		}
		return nil
	}
	return p.do(ctx, seq, id)
}

// Close cancels the schedule and any in-flight fetch and waits for them.
// No callback fires after Close returns.
func (p *Poller[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Poller[T]) run() {
	defer p.wg.Done()

	var ticker *time.Ticker
	var tick <-chan time.Time
	resetTicker := func() {
		if ticker != nil {
			ticker.Stop()
		}
		if p.opts.Interval > 0 {
			ticker = time.NewTicker(p.opts.Interval)
			tick = ticker.C
		}
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	resetTicker()
	p.trigger()

	visibility := p.opts.Visibility
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-tick:
			p.trigger()
		case <-p.idChanged:
			resetTicker()
			p.trigger()
		case visible, ok := <-visibility:
			if !ok {
				visibility = nil
				continue
			}
			if visible {
				p.log.Debugw("view visible, refreshing")
				p.trigger()
			}
		}
	}
}

// trigger issues a background fetch.
func (p *Poller[T]) trigger() {
	seq, id, ok := p.begin()
	if !ok {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.do(p.ctx, seq, id)
	}()
}

// begin tags a new fetch and clears the previous error.
func (p *Poller[T]) begin() (uint64, string, bool) {
	p.mu.Lock()
	if p.closed || !p.active(p.state.ID) {
		p.mu.Unlock()
		return 0, "", false
	}
	p.issued++
	seq := p.issued
	id := p.state.ID
	p.state.Err = ""
	if !p.state.HasData {
		p.state.Loading = true
	}
	p.mu.Unlock()

	p.changed()
	return seq, id, true
}

func (p *Poller[T]) do(ctx context.Context, seq uint64, id string) error {
	// Tie the fetch to the poller lifetime as well as to the caller.
	fctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()
	if p.opts.Timeout > 0 {
		var tcancel context.CancelFunc
		fctx, tcancel = context.WithTimeout(fctx, p.opts.Timeout)
		defer tcancel()
	}

	data, err := p.fetch(fctx, id)
	if err != nil {
		p.log.Warnw("fetch failed", "id", id, "err", err)
	}

	if p.resolve(seq, id, data, err) {
		p.changed()
	}
	return err
}

// resolve records a result unless it is stale: issued for another id, or
// older than a result already applied.
func (p *Poller[T]) resolve(seq uint64, id string, data T, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || id != p.state.ID || seq < p.applied {
		p.log.Debugw("discarding stale result", "id", id, "seq", seq)
		return false
	}
	p.applied = seq
	p.state.Loading = false
	if err != nil {
		p.state.Err = err.Error()
		return true
	}
	p.state.Data = data
	p.state.HasData = true
	p.state.Err = ""
	p.state.UpdatedAt = time.Now()
	return true
}

func (p *Poller[T]) changed() {
	if p.opts.OnChange != nil {
		p.opts.OnChange()
	}
}
