// Package engine runs the badge communication engine: a single actor that
// owns the identity, the scanner and the GATT session, and turns hardware
// callbacks into ordered state transitions and outbound events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/badgelink/internal/badge"
	"github.com/chaz8081/badgelink/internal/ble"
	"github.com/chaz8081/badgelink/internal/store"
)

var (
	ErrClosed        = errors.New("engine: closed")
	ErrNotStarted    = errors.New("engine: not started")
	ErrNoDevice      = errors.New("engine: no device found")
	ErrNoTransaction = errors.New("engine: no transaction sent")
)

// IdentityStore persists the badge identity across runs.
type IdentityStore interface {
	LoadLast(ctx context.Context) (*badge.Identity, error)
	Save(ctx context.Context, id *badge.Identity) error
}

// Options configures the engine.
type Options struct {
	ScanTimeout     time.Duration
	Strategy        string // auto, raw or platform
	Session         ble.SessionOptions
	ResponseTimeout time.Duration // zero waits for the badge indefinitely
	EventBuffer     int
	InboxSize       int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		ScanTimeout: ble.DefaultScanTimeout,
		Strategy:    "auto",
		Session:     ble.DefaultSessionOptions(),
		EventBuffer: 64,
		InboxSize:   256,
	}
}

// Engine is the badge actor. All exported methods are safe for concurrent
// use; they hand work to the actor goroutine and return once it has been
// accepted or rejected, never waiting on the radio.
type Engine struct {
	adapter ble.Adapter
	store   IdentityStore
	opts    Options

	inbox chan func()
	quit  chan struct{}
	done  chan struct{}
	out   *dispatcher
	saver *saver

	startOnce sync.Once
	closeOnce sync.Once
	started   chan struct{}

	// Owned by the actor goroutine.
	identity *badge.Identity
	scanner  *ble.Scanner
	session  *ble.Session
	found    *ble.Device
	scanCB   ScanCallbacks
	connCB   ConnectCallbacks
	tx       txState
}

// New creates an engine on adapter. Start must be called before use.
func New(adapter ble.Adapter, st IdentityStore, opts Options) (*Engine, error) {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = ble.DefaultScanTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	strategy, err := ble.SelectStrategy(adapter, opts.Strategy)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		adapter: adapter,
		store:   st,
		opts:    opts,
		inbox:   make(chan func(), opts.InboxSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		started: make(chan struct{}),
		out:     newDispatcher(opts.EventBuffer),
		saver:   newSaver(st),
	}
	e.scanner = ble.NewScanner(adapter, strategy, e.post)
	e.session = ble.NewSession(adapter, e.post, opts.Session)
	slog.Debug("[ENGINE] created", "strategy", strategy.Name())
	return e, nil
}

// Start powers on the adapter, starts the actor and loads the last saved
// identity, if any.
func (e *Engine) Start(ctx context.Context) error {
	var err error
	e.startOnce.Do(func() {
		if err = e.adapter.Enable(); err != nil {
			err = fmt.Errorf("engine: enable adapter: %w", err)
			return
		}
		go e.loop()
		go e.out.run()
		go e.saver.run()
		close(e.started)

		id, loadErr := e.store.LoadLast(ctx)
		switch {
		case errors.Is(loadErr, store.ErrNotFound):
			slog.Info("[ENGINE] no saved badge identity")
		case loadErr != nil:
			err = fmt.Errorf("engine: load identity: %w", loadErr)
		default:
			if err = e.call(ctx, func() error {
				e.identity = id
				return nil
			}); err != nil {
				return
			}
			slog.Info("[ENGINE] loaded badge identity", "service", id.ServiceID, "address", id.Address)
		}
	})
	return err
}

// Close disconnects the badge and stops the engine. The Events channel is
// closed once pending events have been delivered.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		select {
		case <-e.started:
		default:
			close(e.quit)
			return
		}
		_ = e.call(context.Background(), func() error {
			e.scanner.Stop()
			e.session.Disconnect()
			e.clearTransaction()
			return nil
		})
		close(e.quit)
		<-e.done
		e.out.close()
		e.saver.close()
		slog.Info("[ENGINE] closed")
	})
	return nil
}

// Events returns the outbound notification channel.
func (e *Engine) Events() <-chan Event { return e.out.events }

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.inbox:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post queues fn on the actor. Work posted after Close is dropped.
func (e *Engine) post(fn func()) {
	select {
	case e.inbox <- fn:
	case <-e.quit:
	}
}

// call runs fn on the actor and returns its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	select {
	case <-e.started:
	default:
		return ErrNotStarted
	}
	result := make(chan error, 1)
	select {
	case e.inbox <- func() { result <- fn() }:
	case <-e.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-e.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit schedules ev, and cb if non-nil, on the dispatcher.
func (e *Engine) emit(ev Event, cb func()) {
	ev.Time = time.Now()
	slog.Debug("[ENGINE] event", "kind", ev.Kind)
	e.out.enqueue(outbound{event: ev, callback: cb})
}

// saver persists identities in the background. Only the most recent pending
// identity is written.
type saver struct {
	store IdentityStore

	mu      sync.Mutex
	pending *badge.Identity

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newSaver(st IdentityStore) *saver {
	return &saver{
		store: st,
		wake:  make(chan struct{}, 1),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (s *saver) save(id *badge.Identity) {
	s.mu.Lock()
	s.pending = id
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *saver) run() {
	defer close(s.done)
	for {
		select {
		case <-s.wake:
			s.flush()
		case <-s.quit:
			s.flush()
			return
		}
	}
}

func (s *saver) flush() {
	s.mu.Lock()
	id := s.pending
	s.pending = nil
	s.mu.Unlock()
	if id == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Save(ctx, id); err != nil {
		slog.Error("[STORE] save badge identity", "error", err)
		return
	}
	slog.Debug("[STORE] saved badge identity", "service", id.ServiceID)
}

func (s *saver) close() {
	close(s.quit)
	<-s.done
}
