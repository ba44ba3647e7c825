// Package session implements the emulator session: the
// lifecycle state machine around a core module and every
// operation a UI may invoke on it. Mutating operations are
// executed one at a time, in order, by a single executor.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thelolagemann/cartbox/internal/bootstrap"
	"github.com/thelolagemann/cartbox/internal/cartridge"
	"github.com/thelolagemann/cartbox/internal/cheats"
	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/metrics"
	"github.com/thelolagemann/cartbox/internal/savestate"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// DefaultQueueDepth is the number of commands that may wait for
// the executor before further commands are rejected.
const DefaultQueueDepth = 8

var _ emulator.Controller = (*Session)(nil)

// Session owns a core module and the state machine around it.
type Session struct {
	boot   *bootstrap.Bootstrapper
	fs     *vfs.FS
	states *savestate.Manager
	cheats *cheats.Manager
	log    log.Logger

	queueDepth      int
	screenshotScale int
	now             func() time.Time

	// guarded by mu
	mu      sync.RWMutex
	state   emulator.State
	module  core.Module
	surface string
	cart    *cartridge.Image

	// guarded by qmu
	qmu    sync.RWMutex
	closed bool
	queue  chan *command

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	subMu sync.Mutex
	subs  map[chan emulator.State]struct{}
}

// Opt configures a Session.
type Opt func(*Session)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Opt {
	return func(s *Session) {
		s.log = l
	}
}

// WithQueueDepth sets how many commands may wait for the
// executor.
func WithQueueDepth(n int) Opt {
	return func(s *Session) {
		if n > 0 {
			s.queueDepth = n
		}
	}
}

// WithScreenshotScale sets the factor screenshots are upscaled
// by before they are stored.
func WithScreenshotScale(n int) Opt {
	return func(s *Session) {
		if n > 0 {
			s.screenshotScale = n
		}
	}
}

// WithManagers shares save-state and cheat managers between
// sessions over the same store.
func WithManagers(states *savestate.Manager, c *cheats.Manager) Opt {
	return func(s *Session) {
		s.states = states
		s.cheats = c
	}
}

// New returns an Uninitialized session storing its files in fs
// and bootstrapping its core with boot.
func New(boot *bootstrap.Bootstrapper, fs *vfs.FS, opts ...Opt) *Session {
	s := &Session{
		boot:            boot,
		fs:              fs,
		log:             log.NewNullLogger(),
		queueDepth:      DefaultQueueDepth,
		screenshotScale: 1,
		now:             time.Now,
		state:           emulator.Uninitialized,
		stopped:         make(chan struct{}),
		subs:            make(map[chan emulator.State]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.states == nil {
		s.states = savestate.NewManager(fs, s.log)
	}
	if s.cheats == nil {
		s.cheats = cheats.NewManager(fs, s.log)
	}

	s.queue = make(chan *command, s.queueDepth)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.run()

	return s
}

// command is a queued mutating operation.
type command struct {
	ctx    context.Context
	packet emulator.CommandPacket
	fn     func(ctx context.Context) ([]byte, error)
	resp   chan emulator.ResponsePacket
}

// submit queues fn for the executor and waits for its result.
// A full queue fails immediately with Busy. When ctx is done
// the caller stops waiting: a command still queued is then
// skipped, one already executing completes and its result is
// dropped.
func (s *Session) submit(ctx context.Context, cmd emulator.Command, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	c := &command{
		ctx:    ctx,
		packet: emulator.CommandPacket{Command: cmd},
		fn:     fn,
		resp:   make(chan emulator.ResponsePacket, 1),
	}

	s.qmu.RLock()
	if s.closed {
		s.qmu.RUnlock()
		return nil, emulator.Errorf(emulator.KindInvalidTransition, cmd.String(), "session is closed")
	}
	select {
	case s.queue <- c:
		metrics.QueueDepthInc()
	default:
		s.qmu.RUnlock()
		metrics.RecordCommand(cmd.String(), emulator.KindBusy.String(), 0)
		return nil, emulator.Errorf(emulator.KindBusy, cmd.String(), "%d operations already pending", s.queueDepth)
	}
	s.qmu.RUnlock()

	select {
	case r := <-c.resp:
		return r.Data, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run is the executor. It is the only goroutine that calls the
// module after bootstrap.
func (s *Session) run() {
	defer close(s.stopped)

	for {
		select {
		case <-s.ctx.Done():
			s.drain()
			return
		case c := <-s.queue:
			metrics.QueueDepthDec()
			if s.ctx.Err() != nil {
				s.reject(c)
				s.drain()
				return
			}
			s.execute(c)
		}
	}
}

func (s *Session) execute(c *command) {
	name := c.packet.Command.String()

	if err := c.ctx.Err(); err != nil {
		s.log.Debugf("session: dropping abandoned %s", name)
		c.resp <- emulator.ResponsePacket{Command: c.packet.Command, Error: err}
		return
	}

	// a command that has started runs to completion even when the
	// session is closed underneath it
	start := time.Now()
	data, err := c.fn(context.WithoutCancel(s.ctx))

	result := "ok"
	if err != nil {
		result = emulator.KindOf(err).String()
	}
	metrics.RecordCommand(name, result, time.Since(start))

	c.resp <- emulator.ResponsePacket{Command: c.packet.Command, Data: data, Error: err}
}

func (s *Session) drain() {
	for {
		select {
		case c := <-s.queue:
			metrics.QueueDepthDec()
			s.reject(c)
		default:
			return
		}
	}
}

func (s *Session) reject(c *command) {
	c.resp <- emulator.ResponsePacket{
		Command: c.packet.Command,
		Error:   emulator.Errorf(emulator.KindInvalidTransition, c.packet.Command.String(), "session is closed"),
	}
}

// State returns the current state.
func (s *Session) State() emulator.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Cartridge returns the active cartridge, or nil.
func (s *Session) Cartridge() *cartridge.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart
}

// Version returns the version of the bootstrapped core.
func (s *Session) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.module == nil {
		return ""
	}
	return s.module.Version()
}

func (s *Session) setState(st emulator.State) {
	s.mu.Lock()
	old := s.state
	s.state = st
	s.mu.Unlock()

	if old != st {
		s.log.Infof("session: %s -> %s", old, st)
		s.notify(st)
	}
}

// snapshot returns the state, module and cartridge together.
func (s *Session) snapshot() (emulator.State, core.Module, *cartridge.Image) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.module, s.cart
}

// require returns InvalidTransition unless the session is in
// one of allowed.
func (s *Session) require(op string, allowed ...emulator.State) error {
	st := s.State()
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	return emulator.Errorf(emulator.KindInvalidTransition, op, "not valid while %s", st)
}

// fault converts a core failure into an error of kind. A fatal
// failure invalidates the module, releases its surface for a
// later bootstrap and moves the session to Errored.
func (s *Session) fault(op string, kind emulator.Kind, err error) error {
	if core.IsFatal(err) {
		s.log.Errorf("session: fatal core error during %s: %v", op, err)
		s.mu.Lock()
		m, surface := s.module, s.surface
		s.module, s.cart, s.surface = nil, nil, ""
		s.mu.Unlock()
		if m != nil {
			m.Close()
			s.boot.Release(surface)
		}
		s.setState(emulator.Errored)
	}
	return emulator.NewError(kind, op, err)
}

// Bootstrap creates the session's core against surface. It is
// valid only while Uninitialized; a failure leaves the session
// Errored.
func (s *Session) Bootstrap(ctx context.Context, surface core.Surface) error {
	s.mu.Lock()
	switch s.state {
	case emulator.Uninitialized:
		s.state = emulator.Bootstrapping
	case emulator.Bootstrapping:
		s.mu.Unlock()
		return emulator.Errorf(emulator.KindBusy, "bootstrap", "bootstrap already in progress")
	default:
		st := s.state
		s.mu.Unlock()
		return emulator.Errorf(emulator.KindInvalidTransition, "bootstrap", "not valid while %s", st)
	}
	s.mu.Unlock()
	s.log.Infof("session: %s -> %s", emulator.Uninitialized, emulator.Bootstrapping)
	s.notify(emulator.Bootstrapping)

	m, err := s.boot.Bootstrap(ctx, surface)
	if err != nil {
		if errors.Is(err, emulator.ErrBusy) {
			// another session owns the surface
			s.setState(emulator.Uninitialized)
			return err
		}
		s.setState(emulator.Errored)
		return err
	}

	s.qmu.RLock()
	closed := s.closed
	s.qmu.RUnlock()
	if closed {
		m.Close()
		s.boot.Release(surface.ID())
		return emulator.Errorf(emulator.KindInvalidTransition, "bootstrap", "session is closed")
	}

	s.mu.Lock()
	s.module = m
	s.surface = surface.ID()
	s.mu.Unlock()
	s.setState(emulator.Ready)

	return nil
}

// Close stops the executor, fails every queued command and
// closes the module. The session cannot be used afterwards.
func (s *Session) Close() error {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		return nil
	}
	s.closed = true
	s.qmu.Unlock()

	// queued commands are rejected, the executing one finishes
	s.cancel()
	<-s.stopped

	s.mu.Lock()
	m, surface := s.module, s.surface
	s.module, s.cart = nil, nil
	s.mu.Unlock()

	var err error
	if m != nil {
		err = m.Close()
		s.boot.Release(surface)
	}

	s.subMu.Lock()
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
	s.subMu.Unlock()

	if err != nil {
		return fmt.Errorf("close module: %w", err)
	}
	return nil
}

// Subscribe returns a channel receiving every state change and
// a function to stop receiving. Slow receivers miss changes
// rather than block the session.
func (s *Session) Subscribe() (<-chan emulator.State, func()) {
	ch := make(chan emulator.State, 8)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
	}
}

func (s *Session) notify(st emulator.State) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
