// Package bootstrap instantiates the emulation core against a
// rendering surface, resolves its runtime assets and initialises
// its file system.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/metrics"
	"github.com/thelolagemann/cartbox/internal/retry"
	"github.com/thelolagemann/cartbox/pkg/emulator"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// The phases of a bootstrap, in order. PhaseSurface is reported
// when no usable surface was given.
const (
	PhaseSurface     = "surface"
	PhaseInstantiate = "instantiate"
	PhaseAssets      = "assets"
	PhaseFSInit      = "fsinit"
)

const (
	DefaultAssetBase = "/wasm/"
	DefaultTimeout   = 15 * time.Second
)

// AssetCheck verifies that a located asset can be fetched.
type AssetCheck func(ctx context.Context, location string) error

// Bootstrapper produces modules. It bootstraps each surface at
// most once; a concurrent or repeated attempt for a surface is
// rejected with Busy.
type Bootstrapper struct {
	inst    core.Instantiator
	locate  core.AssetLocator
	assets  []string
	check   AssetCheck
	timeout time.Duration
	retry   retry.Config
	log     log.Logger

	mu       sync.Mutex
	surfaces map[string]struct{}
}

// Opt configures a Bootstrapper.
type Opt func(*Bootstrapper)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Opt {
	return func(b *Bootstrapper) {
		b.log = l
	}
}

// WithAssetBase sets the location runtime assets are resolved
// against.
func WithAssetBase(base string) Opt {
	return func(b *Bootstrapper) {
		b.locate = core.BaseLocator(base)
	}
}

// WithAssetCheck makes the assets phase verify each of assets
// with check.
func WithAssetCheck(check AssetCheck, assets ...string) Opt {
	return func(b *Bootstrapper) {
		b.check = check
		b.assets = assets
	}
}

// WithTimeout bounds the whole bootstrap.
func WithTimeout(d time.Duration) Opt {
	return func(b *Bootstrapper) {
		b.timeout = d
	}
}

// WithAttempts bounds the attempts made to instantiate when the
// instantiator reports a retryable failure.
func WithAttempts(n int) Opt {
	return func(b *Bootstrapper) {
		b.retry.MaxAttempts = n
	}
}

// WithRetry replaces the retry policy of the instantiate phase.
func WithRetry(cfg retry.Config) Opt {
	return func(b *Bootstrapper) {
		b.retry = cfg
	}
}

// New returns a Bootstrapper creating modules with inst.
func New(inst core.Instantiator, opts ...Opt) *Bootstrapper {
	b := &Bootstrapper{
		inst:     inst,
		locate:   core.BaseLocator(DefaultAssetBase),
		timeout:  DefaultTimeout,
		retry:    retry.DefaultConfig(),
		log:      log.NewNullLogger(),
		surfaces: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func fail(phase string, err error) error {
	metrics.RecordBootstrap(phase)
	return &emulator.Error{Kind: emulator.KindBootstrap, Op: "bootstrap", Phase: phase, Err: err}
}

// Bootstrap instantiates a module against surface. Every failure
// is a BootstrapError naming the failing phase; a module that
// was created is closed again.
func (b *Bootstrapper) Bootstrap(ctx context.Context, surface core.Surface) (core.Module, error) {
	if surface == nil || surface.ID() == "" {
		return nil, fail(PhaseSurface, errors.New("no rendering surface"))
	}
	id := surface.ID()

	if !b.acquire(id) {
		return nil, emulator.Errorf(emulator.KindBusy, "bootstrap", "surface %s is already bootstrapped", id)
	}

	m, err := b.bootstrap(ctx, surface)
	if err != nil {
		// a failed surface may be reinitialised
		b.Release(id)
		b.log.Errorf("bootstrap: surface %s: %v", id, err)
		return nil, err
	}

	metrics.RecordBootstrap("ok")
	b.log.Infof("bootstrap: %s ready on surface %s", m.Version(), id)
	return m, nil
}

func (b *Bootstrapper) bootstrap(ctx context.Context, surface core.Surface) (core.Module, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	b.log.Debugf("bootstrap: instantiating on surface %s", surface.ID())
	m, err := retry.Do(ctx, b.retry, func(ctx context.Context) (core.Module, error) {
		m, err := b.inst.Instantiate(ctx, surface, b.locate)
		if err != nil && retry.IsRetryable(err) {
			b.log.Debugf("bootstrap: instantiate failed, retrying: %v", err)
		}
		return m, err
	})
	if err != nil {
		return nil, fail(PhaseInstantiate, err)
	}
	if m == nil {
		return nil, fail(PhaseInstantiate, errors.New("instantiator returned no module"))
	}

	if b.check != nil {
		for _, asset := range b.assets {
			location := b.locate(asset)
			if err := b.check(ctx, location); err != nil {
				m.Close()
				return nil, fail(PhaseAssets, fmt.Errorf("%s: %w", location, err))
			}
		}
	}

	if err := m.FSInit(ctx); err != nil {
		m.Close()
		return nil, fail(PhaseFSInit, err)
	}

	return m, nil
}

func (b *Bootstrapper) acquire(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.surfaces[id]; ok {
		return false
	}
	b.surfaces[id] = struct{}{}
	return true
}

// Release forgets surface id so that it can be bootstrapped
// again, as after its page is torn down.
func (b *Bootstrapper) Release(id string) {
	b.mu.Lock()
	delete(b.surfaces, id)
	b.mu.Unlock()
}
