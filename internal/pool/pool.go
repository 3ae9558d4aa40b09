// Package pool maintains pre-booted VM instances so checkout resumes in
// tens of milliseconds instead of a full cold boot. It also owns the shared
// counters other components observe: active VMs and queued tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maxdollinger/ember.io/internal/vm"
	"github.com/maxdollinger/ember.io/pkg/network"
	"github.com/maxdollinger/ember.io/pkg/utils"
)

// ErrExhausted means the pool was empty and the cold-spawn fallback failed
// too. Checkout only surfaces it when both paths are gone.
var ErrExhausted = errors.New("snapshot pool exhausted and cold spawn failed")

const (
	// DefaultMaxEntryAge retires warm entries so pooled instances cannot
	// drift arbitrarily far from canonical cold-boot state.
	DefaultMaxEntryAge = 10 * time.Minute

	// DefaultMaxEntryReuse bounds how many sessions one pooled instance may
	// serve before being rebuilt.
	DefaultMaxEntryReuse = 8
)

// Sandbox is the process isolator guarding one instance. Satisfied by
// *sandbox.Context.
type Sandbox interface {
	vm.ProcessIsolator
	Release() error
}

// Isolation is the boundary one instance runs inside. It travels with the
// instance: prepared before its process starts, transferred at checkout,
// and released only when the instance is destroyed.
type Isolation struct {
	Sandbox Sandbox
	Chain   *network.Chain

	// CleanupChain unlinks and deletes the chain; supplied by whoever
	// configured it.
	CleanupChain func(*network.Chain) error
}

// Release tears the boundary down in teardown order: chain first, then
// sandbox. All steps run even when an earlier one fails.
func (i *Isolation) Release() error {
	var errs []error
	if i.Chain != nil && i.CleanupChain != nil {
		if err := i.CleanupChain(i.Chain); err != nil {
			errs = append(errs, err)
		}
	}
	if i.Sandbox != nil {
		if err := i.Sandbox.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProvisionFunc prepares the isolation one warm instance boots inside.
type ProvisionFunc func(ctx context.Context, vmID string) (*Isolation, error)

// Entry is one pre-booted instance together with the isolation its process
// was started inside. The pool owns both until checkout, at which point
// ownership transfers to the session manager. Isolation is nil only for
// cold spawns, whose session supplies it through the configuration.
type Entry struct {
	Handle    *vm.VMHandle
	Isolation *Isolation
	CreatedAt time.Time
	Reuses    int
}

// stale reports whether the entry must be rebuilt rather than reused.
func (e *Entry) stale(maxAge time.Duration, maxReuse int) bool {
	return time.Since(e.CreatedAt) > maxAge || e.Reuses >= maxReuse
}

// Stats is a consistent snapshot of pool state. Derived under one lock plus
// one atomic read; never a torn view.
type Stats struct {
	Size        int
	Target      int
	ActiveVMs   int
	QueuedTasks int64
}

// Config parameterizes a Pool.
type Config struct {
	Backend vm.Backend

	// Template is the configuration warm entries boot from. ID and vsock
	// path are assigned per spawn.
	Template vm.VMConfig

	// VsockDir holds the per-entry vsock sockets for warm spawns.
	VsockDir string

	// Provision builds per-instance isolation ahead of each warm spawn, so
	// a pooled process never exists outside its boundary. Nil disables
	// warm spawning entirely: every checkout cold-spawns with the
	// session's own isolation.
	Provision ProvisionFunc

	Target        int
	MaxEntryAge   time.Duration
	MaxEntryReuse int
	Logger        *slog.Logger
}

// Pool is safe for concurrent use by any number of sessions.
type Pool struct {
	backend   vm.Backend
	template  vm.VMConfig
	vsockDir  string
	provision ProvisionFunc

	maxAge   time.Duration
	maxReuse int
	logger   *slog.Logger

	queued atomic.Int64

	mu      sync.Mutex
	entries []*Entry
	active  map[string]struct{}
	target  int
	closed  bool
}

func New(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEntryAge == 0 {
		cfg.MaxEntryAge = DefaultMaxEntryAge
	}
	if cfg.MaxEntryReuse == 0 {
		cfg.MaxEntryReuse = DefaultMaxEntryReuse
	}
	return &Pool{
		backend:   cfg.Backend,
		template:  cfg.Template,
		vsockDir:  cfg.VsockDir,
		provision: cfg.Provision,
		maxAge:    cfg.MaxEntryAge,
		maxReuse:  cfg.MaxEntryReuse,
		logger:    cfg.Logger,
		active:    make(map[string]struct{}),
		target:    cfg.Target,
	}
}

// Warmup boots entries until the pool holds target instances. Boots run
// concurrently; a target of zero leaves the pool empty so every checkout
// cold-spawns.
func (p *Pool) Warmup(ctx context.Context, target int) error {
	p.mu.Lock()
	p.target = target
	missing := target - len(p.entries)
	p.mu.Unlock()

	if p.provision == nil {
		if target > 0 {
			p.logger.Warn("warm pooling disabled without an isolation provisioner; checkouts will cold-spawn")
		}
		return nil
	}
	if missing <= 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < missing; i++ {
		g.Go(func() error {
			return p.spawnWarm(gctx)
		})
	}
	return g.Wait()
}

// Checkout hands out a warm entry, or cold-spawns when none fits. The two
// paths are indistinguishable to the caller beyond latency. Ownership of
// the returned entry transfers to the caller until ReturnOrDiscard.
func (p *Pool) Checkout(ctx context.Context, cfg vm.VMConfig) (*Entry, error) {
	if entry := p.CheckoutWarm(cfg); entry != nil {
		return entry, nil
	}
	return p.SpawnCold(ctx, cfg)
}

// CheckoutWarm hands out a warm entry whose resources and filter level
// match the request, or nil when none fits. The entry's isolation
// transfers with it. A backfill is scheduled on a hit.
func (p *Pool) CheckoutWarm(cfg vm.VMConfig) *Entry {
	entry := p.takeWarm(cfg)
	if entry == nil {
		return nil
	}
	entry.Handle.ID = cfg.ID
	p.scheduleBackfill()
	p.logger.Debug("pool checkout resumed warm entry", "vm_id", cfg.ID)
	return entry
}

// SpawnCold boots an instance for this configuration alone, bypassing the
// warm pool. The caller supplies isolation through the configuration. A
// backfill is scheduled afterwards.
func (p *Pool) SpawnCold(ctx context.Context, cfg vm.VMConfig) (*Entry, error) {
	handle, err := p.backend.Spawn(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	p.scheduleBackfill()
	p.logger.Debug("pool checkout cold-spawned", "vm_id", cfg.ID, "latency_ms", handle.SpawnLatency.Milliseconds())
	return &Entry{Handle: handle, CreatedAt: time.Now(), Reuses: 1}, nil
}

// takeWarm pops the first fresh entry matching the requested shape. Stale
// entries found on the way are discarded and rebuilt by backfill.
func (p *Pool) takeWarm(cfg vm.VMConfig) *Entry {
	var discard []*Entry

	p.mu.Lock()
	var picked *Entry
	for len(p.entries) > 0 {
		entry := p.entries[0]
		p.entries = p.entries[1:]
		if entry.stale(p.maxAge, p.maxReuse) {
			discard = append(discard, entry)
			continue
		}
		if entry.Handle == nil || entry.Isolation == nil ||
			cfg.VCPU != p.template.VCPU || cfg.MemoryMB != p.template.MemoryMB ||
			cfg.SeccompLevel != p.template.SeccompLevel {
			// Shape differs from the warm template: put it back and fall
			// through to cold spawn.
			p.entries = append([]*Entry{entry}, p.entries...)
			break
		}
		entry.Reuses++
		picked = entry
		break
	}
	p.mu.Unlock()

	for _, entry := range discard {
		if err := p.discard(entry); err != nil {
			p.logger.Warn("failed to discard stale pool entry", "vm_id", entry.Handle.ID, "error", err)
		}
	}
	return picked
}

// ReturnOrDiscard takes an entry back after a session finished with it.
// Fresh entries carrying their isolation rejoin the pool up to target
// size; everything else is destroyed along with its isolation. Reports
// whether the entry was pooled, plus any teardown failure.
func (p *Pool) ReturnOrDiscard(entry *Entry) (bool, error) {
	if entry == nil || entry.Handle == nil {
		return false, nil
	}

	p.mu.Lock()
	fits := !p.closed && entry.Isolation != nil &&
		len(p.entries) < p.target && !entry.stale(p.maxAge, p.maxReuse)
	if fits {
		p.entries = append(p.entries, entry)
	}
	p.mu.Unlock()

	if !fits {
		return false, p.discard(entry)
	}
	return true, nil
}

// RegisterVM records a VM as active. Identifier lookups only; the registry
// never owns handles.
func (p *Pool) RegisterVM(id string) {
	p.mu.Lock()
	p.active[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) UnregisterVM(id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
}

func (p *Pool) IncrementQueued() { p.queued.Add(1) }
func (p *Pool) DecrementQueued() { p.queued.Add(-1) }

// Stats returns a consistent snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		Size:      len(p.entries),
		Target:    p.target,
		ActiveVMs: len(p.active),
	}
	p.mu.Unlock()
	s.QueuedTasks = p.queued.Load()
	return s
}

// Close destroys all pooled entries and stops backfill. In-flight checkouts
// keep their handles; the session manager destroys those.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		if err := p.backend.Stop(ctx, entry.Handle); err != nil {
			errs = append(errs, err)
		}
		if entry.Isolation != nil {
			if err := entry.Isolation.Release(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// scheduleBackfill restores target size in the background. Failures degrade
// capacity and are logged; they never block the caller that triggered the
// fill.
func (p *Pool) scheduleBackfill() {
	p.mu.Lock()
	needed := p.provision != nil && !p.closed && len(p.entries) < p.target
	p.mu.Unlock()
	if !needed {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), vm.DefaultSpawnDeadline)
		defer cancel()
		if err := p.spawnWarm(ctx); err != nil {
			p.logger.Warn("pool backfill failed, capacity degraded", "error", err)
		}
	}()
}

// spawnWarm provisions isolation for one instance, boots it inside that
// boundary, and adds the pair to the pool.
func (p *Pool) spawnWarm(ctx context.Context) error {
	id, err := utils.NewUUID7()
	if err != nil {
		return fmt.Errorf("generate warm vm id: %w", err)
	}

	iso, err := p.provision(ctx, id)
	if err != nil {
		return fmt.Errorf("provision warm isolation: %w", err)
	}

	cfg := p.template
	cfg.ID = id
	cfg.Isolation = iso.Sandbox
	if cfg.VsockPath == "" {
		cfg.VsockPath = filepath.Join(p.vsockDir, id+".vsock")
	}

	handle, err := p.backend.Spawn(ctx, cfg)
	if err != nil {
		err = fmt.Errorf("warm spawn: %w", err)
		if relErr := iso.Release(); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return err
	}

	entry := &Entry{Handle: handle, Isolation: iso, CreatedAt: time.Now()}

	p.mu.Lock()
	full := p.closed || len(p.entries) >= p.target
	if !full {
		p.entries = append(p.entries, entry)
	}
	p.mu.Unlock()

	if full {
		if err := p.discard(entry); err != nil {
			p.logger.Warn("failed to discard surplus warm entry", "vm_id", id, "error", err)
		}
	}
	return nil
}

// Discard destroys a checked-out entry that must not rejoin the pool, such
// as one whose transport never came up. Isolation carried by the entry is
// released with it.
func (p *Pool) Discard(entry *Entry) error {
	if entry == nil || entry.Handle == nil {
		return nil
	}
	return p.discard(entry)
}

// discard destroys an entry that will not be reused.
func (p *Pool) discard(entry *Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if err := p.backend.Stop(ctx, entry.Handle); err != nil {
		errs = append(errs, err)
	}
	if entry.Isolation != nil {
		if err := entry.Isolation.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
