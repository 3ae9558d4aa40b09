package session

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/maxdollinger/ember.io/internal/pool"
	"github.com/maxdollinger/ember.io/internal/sandbox"
	"github.com/maxdollinger/ember.io/internal/vm"
	"github.com/maxdollinger/ember.io/pkg/network"
	"github.com/maxdollinger/ember.io/pkg/seccomp"
)

// eventLog records which collaborator was touched in which order. The
// acquisition and rollback ordering assertions all read from it.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// indexOf returns the position of event e, or -1.
func (l *eventLog) indexOf(e string) int {
	for i, got := range l.list() {
		if got == e {
			return i
		}
	}
	return -1
}

func (l *eventLog) assertBefore(t *testing.T, first, second string) {
	t.Helper()
	i, j := l.indexOf(first), l.indexOf(second)
	if i == -1 || j == -1 {
		t.Fatalf("events %q or %q missing from %v", first, second, l.list())
	}
	if i >= j {
		t.Errorf("%q happened after %q: %v", first, second, l.list())
	}
}

func (l *eventLog) count(e string) int {
	n := 0
	for _, got := range l.list() {
		if got == e {
			n++
		}
	}
	return n
}

func (l *eventLog) assertAbsent(t *testing.T, e string) {
	t.Helper()
	if l.indexOf(e) != -1 {
		t.Errorf("unexpected event %q in %v", e, l.list())
	}
}

type fakeEnforcer struct {
	log        *eventLog
	prepareErr error
	releaseErr error
}

func (f *fakeEnforcer) Prepare(spec sandbox.Spec) (SandboxHandle, error) {
	f.log.add("sandbox.prepare")
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	return &sandboxHandle{log: f.log, releaseErr: f.releaseErr}, nil
}

type sandboxHandle struct {
	log        *eventLog
	releaseErr error
}

func (h *sandboxHandle) Apply(cmd *exec.Cmd) error { return nil }

func (h *sandboxHandle) Start(cmd *exec.Cmd) error { return cmd.Start() }

func (h *sandboxHandle) Install(hostPath string) (string, error) { return hostPath, nil }

func (h *sandboxHandle) HostPath(rootPath string) string { return rootPath }

func (h *sandboxHandle) Release() error {
	h.log.add("sandbox.release")
	return h.releaseErr
}

type fakeFirewall struct {
	log        *eventLog
	configErr  error
	cleanupErr error
}

func (f *fakeFirewall) ConfigureIsolation(ctx context.Context, vmID string) (*network.Chain, error) {
	f.log.add("firewall.configure")
	if f.configErr != nil {
		return nil, f.configErr
	}
	return &network.Chain{VMID: vmID, Name: network.ChainName(vmID), Linked: true}, nil
}

func (f *fakeFirewall) Cleanup(chain *network.Chain) error {
	f.log.add("firewall.cleanup")
	return f.cleanupErr
}

type fakeSource struct {
	log         *eventLog
	checkoutErr error
	// warm is handed to the first CheckoutWarm call when set.
	warm *pool.Entry
	// poolReturns pools returned entries instead of destroying them.
	poolReturns bool

	mu         sync.Mutex
	registered map[string]bool
	queued     int
}

func newFakeSource(log *eventLog) *fakeSource {
	return &fakeSource{log: log, registered: make(map[string]bool)}
}

func (f *fakeSource) CheckoutWarm(cfg vm.VMConfig) *pool.Entry {
	f.mu.Lock()
	entry := f.warm
	f.warm = nil
	f.mu.Unlock()
	if entry == nil {
		return nil
	}
	f.log.add("pool.checkout.warm")
	entry.Handle.ID = cfg.ID
	entry.Reuses++
	return entry
}

func (f *fakeSource) SpawnCold(ctx context.Context, cfg vm.VMConfig) (*pool.Entry, error) {
	f.log.add("pool.checkout")
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	return &pool.Entry{
		Handle: &vm.VMHandle{
			ID:           cfg.ID,
			PID:          4321,
			VsockPath:    cfg.VsockPath,
			SpawnLatency: 12 * time.Millisecond,
			State:        vm.StateRunning,
		},
		CreatedAt: time.Now(),
		Reuses:    1,
	}, nil
}

func (f *fakeSource) ReturnOrDiscard(entry *pool.Entry) (bool, error) {
	f.log.add("pool.return")
	if f.poolReturns {
		return true, nil
	}
	if entry.Isolation != nil {
		return false, entry.Isolation.Release()
	}
	return false, nil
}

func (f *fakeSource) Discard(entry *pool.Entry) error {
	f.log.add("pool.discard")
	if entry.Isolation != nil {
		return entry.Isolation.Release()
	}
	return nil
}

func (f *fakeSource) RegisterVM(id string) {
	f.mu.Lock()
	f.registered[id] = true
	f.mu.Unlock()
}

func (f *fakeSource) UnregisterVM(id string) {
	f.mu.Lock()
	delete(f.registered, id)
	f.mu.Unlock()
}

func (f *fakeSource) IncrementQueued() {
	f.mu.Lock()
	f.queued++
	f.mu.Unlock()
}

func (f *fakeSource) DecrementQueued() {
	f.mu.Lock()
	f.queued--
	f.mu.Unlock()
}

func (f *fakeSource) isRegistered(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[id]
}

func (f *fakeSource) queuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queued
}

type fakeTransport struct {
	log      *eventLog
	callErr  error
	result   json.RawMessage
	closedMu sync.Mutex
	closed   bool
}

func (t *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.callErr != nil {
		return nil, t.callErr
	}
	if t.result != nil {
		return t.result, nil
	}
	return json.RawMessage(`{}`), nil
}

func (t *fakeTransport) Close() error {
	t.log.add("transport.close")
	t.closedMu.Lock()
	t.closed = true
	t.closedMu.Unlock()
	return nil
}

// recordingRecorder captures attention flags and state transitions.
type recordingRecorder struct {
	NopRecorder
	mu        sync.Mutex
	states    []State
	attention []string
}

func (r *recordingRecorder) StateChanged(id string, state State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recordingRecorder) NeedsAttention(id, note string) {
	r.mu.Lock()
	r.attention = append(r.attention, note)
	r.mu.Unlock()
}

type fixture struct {
	log      *eventLog
	enforcer *fakeEnforcer
	firewall *fakeFirewall
	source   *fakeSource
	rec      *recordingRecorder
	dialErr  error
	dialHang bool
	manager  *Manager
}

func newFixture() *fixture {
	log := &eventLog{}
	fx := &fixture{
		log:      log,
		enforcer: &fakeEnforcer{log: log},
		firewall: &fakeFirewall{log: log},
		source:   newFakeSource(log),
		rec:      &recordingRecorder{},
	}
	fx.manager = NewManager(Config{
		Pool:     fx.source,
		Sandbox:  fx.enforcer,
		Firewall: fx.firewall,
		Dial: func(ctx context.Context, udsPath string, port uint32) (Transport, error) {
			log.add("transport.dial")
			if fx.dialHang {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			if fx.dialErr != nil {
				return nil, fx.dialErr
			}
			return &fakeTransport{log: log}, nil
		},
		Recorder: fx.rec,
		Backend:  "fake",
	})
	return fx
}

func sessionConfig(id string) vm.VMConfig {
	return vm.VMConfig{
		ID:           id,
		VCPU:         1,
		MemoryMB:     512,
		KernelPath:   "/base/vmlinux",
		RootFsPath:   "/base/rootfs.ext4",
		SeccompLevel: seccomp.LevelBasic,
		VsockPath:    "/run/" + id + ".vsock",
	}
}

func TestStartHappyPath(t *testing.T) {
	fx := newFixture()

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State() != StateRunning {
		t.Errorf("state = %s, want running", sess.State())
	}

	// Acquisition order is fixed: sandbox, firewall, hypervisor, transport.
	fx.log.assertBefore(t, "sandbox.prepare", "firewall.configure")
	fx.log.assertBefore(t, "firewall.configure", "pool.checkout")
	fx.log.assertBefore(t, "pool.checkout", "transport.dial")

	if !fx.source.isRegistered("vm-1") {
		t.Error("running VM not registered")
	}
	if fx.source.queuedCount() != 0 {
		t.Errorf("queued counter = %d after start, want 0", fx.source.queuedCount())
	}
	if sess.Handle() == nil || sess.Handle().PID != 4321 {
		t.Errorf("handle = %+v", sess.Handle())
	}
}

func TestStartRejectsInvalidConfigBeforeAcquisition(t *testing.T) {
	fx := newFixture()

	cfg := sessionConfig("vm-1")
	cfg.NetworkEnabled = true

	_, err := fx.manager.Start(context.Background(), cfg)
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "validate" {
		t.Fatalf("error = %v, want validate StepError", err)
	}
	if !errors.Is(err, vm.ErrNetworkForbidden) {
		t.Errorf("error = %v, want ErrNetworkForbidden in the chain", err)
	}

	// Rejection happens before any resource is touched.
	fx.log.assertAbsent(t, "sandbox.prepare")
	fx.log.assertAbsent(t, "firewall.configure")
	fx.log.assertAbsent(t, "pool.checkout")
}

func TestStartSandboxFailure(t *testing.T) {
	fx := newFixture()
	fx.enforcer.prepareErr = errors.New("cgroup mount missing")

	_, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "sandbox" {
		t.Fatalf("error = %v, want sandbox StepError", err)
	}

	fx.log.assertAbsent(t, "firewall.configure")
	fx.log.assertAbsent(t, "pool.checkout")
	fx.log.assertAbsent(t, "sandbox.release")
}

func TestStartFirewallFailureRollsBackSandbox(t *testing.T) {
	fx := newFixture()
	fx.firewall.configErr = errors.New("iptables locked")

	_, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "firewall" {
		t.Fatalf("error = %v, want firewall StepError", err)
	}

	if fx.log.indexOf("sandbox.release") == -1 {
		t.Errorf("sandbox not rolled back: %v", fx.log.list())
	}
	fx.log.assertAbsent(t, "pool.checkout")
	fx.log.assertAbsent(t, "firewall.cleanup")
}

func TestStartHypervisorFailureRollsBackInReverseOrder(t *testing.T) {
	fx := newFixture()
	fx.source.checkoutErr = errors.New("kvm slots exhausted")

	_, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "hypervisor" {
		t.Fatalf("error = %v, want hypervisor StepError", err)
	}

	// Reverse of acquisition: firewall before sandbox.
	fx.log.assertBefore(t, "firewall.cleanup", "sandbox.release")
	fx.log.assertAbsent(t, "pool.discard")
	fx.log.assertAbsent(t, "transport.dial")
}

func TestStartTransportFailureDestroysVM(t *testing.T) {
	fx := newFixture()
	fx.dialErr = errors.New("guest agent not listening")

	_, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "transport" {
		t.Fatalf("error = %v, want transport StepError", err)
	}

	// An unreachable VM is destroyed, never returned to the pool.
	fx.log.assertAbsent(t, "pool.return")
	fx.log.assertBefore(t, "pool.discard", "firewall.cleanup")
	fx.log.assertBefore(t, "firewall.cleanup", "sandbox.release")

	if fx.source.isRegistered("vm-1") {
		t.Error("failed VM still registered as active")
	}
}

func TestStartCancelledMidAcquisition(t *testing.T) {
	fx := newFixture()
	fx.dialHang = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := fx.manager.Start(ctx, sessionConfig("vm-1"))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "transport" {
		t.Fatalf("error = %v, want transport StepError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded in the chain", err)
	}

	// Everything acquired before the cancellation is rolled back.
	fx.log.assertBefore(t, "pool.discard", "firewall.cleanup")
	fx.log.assertBefore(t, "firewall.cleanup", "sandbox.release")
}

func TestDestroyReleasesInReverseOrder(t *testing.T) {
	fx := newFixture()

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if sess.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", sess.State())
	}

	fx.log.assertBefore(t, "transport.close", "pool.return")
	fx.log.assertBefore(t, "pool.return", "firewall.cleanup")
	fx.log.assertBefore(t, "firewall.cleanup", "sandbox.release")

	if fx.source.isRegistered("vm-1") {
		t.Error("destroyed VM still registered")
	}
}

func TestDestroyIdempotent(t *testing.T) {
	fx := newFixture()

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	closes := fx.log.indexOf("transport.close")

	if err := sess.Destroy(context.Background()); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	// No teardown step ran twice.
	events := fx.log.list()
	count := 0
	for _, e := range events {
		if e == "transport.close" {
			count++
		}
	}
	if count != 1 || closes == -1 {
		t.Errorf("transport closed %d times: %v", count, events)
	}
}

func TestDestroyCollectsCleanupFailures(t *testing.T) {
	fx := newFixture()
	fx.firewall.cleanupErr = errors.New("chain busy")
	fx.enforcer.releaseErr = errors.New("cgroup busy")

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = sess.Destroy(context.Background())
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "destroy" {
		t.Fatalf("error = %v, want destroy StepError", err)
	}

	// Both failures surface; neither masks the other.
	if !errors.Is(err, fx.firewall.cleanupErr) {
		t.Errorf("error %v missing the firewall failure", err)
	}
	if !errors.Is(err, fx.enforcer.releaseErr) {
		t.Errorf("error %v missing the sandbox failure", err)
	}

	// Destroyed even though cleanup left residue; the residue is flagged.
	if sess.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", sess.State())
	}
	fx.rec.mu.Lock()
	flagged := len(fx.rec.attention)
	fx.rec.mu.Unlock()
	if flagged != 1 {
		t.Errorf("attention flagged %d times, want 1", flagged)
	}

	// Even with errors, every step was attempted in order.
	fx.log.assertBefore(t, "transport.close", "firewall.cleanup")
	fx.log.assertBefore(t, "firewall.cleanup", "sandbox.release")
}

func TestCallRequiresRunningState(t *testing.T) {
	fx := newFixture()

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := sess.Call(context.Background(), "exec", nil); err != nil {
		t.Fatalf("Call while running: %v", err)
	}

	if err := sess.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := sess.Call(context.Background(), "exec", nil); err == nil {
		t.Fatal("Call on a destroyed session must fail")
	}
}

func TestStateTransitionsRecorded(t *testing.T) {
	fx := newFixture()

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	fx.rec.mu.Lock()
	states := append([]State(nil), fx.rec.states...)
	fx.rec.mu.Unlock()

	want := []State{StateValidating, StateAcquiring, StateRunning, StateDestroying, StateDestroyed}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, states[i], want[i])
		}
	}
}

// warmEntry builds a pooled entry carrying the isolation its process was
// started inside, the shape CheckoutWarm hands to a session.
func warmEntry(fx *fixture) *pool.Entry {
	return &pool.Entry{
		Handle: &vm.VMHandle{
			ID:           "pooled",
			PID:          7777,
			VsockPath:    "/run/pooled.vsock",
			SpawnLatency: 3 * time.Millisecond,
			State:        vm.StateRunning,
		},
		Isolation: &pool.Isolation{
			Sandbox:      &sandboxHandle{log: fx.log},
			Chain:        &network.Chain{VMID: "pooled", Name: network.ChainName("pooled"), Linked: true},
			CleanupChain: fx.firewall.Cleanup,
		},
		CreatedAt: time.Now(),
	}
}

func TestStartWarmEntryTransfersIsolation(t *testing.T) {
	fx := newFixture()
	fx.source.warm = warmEntry(fx)

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sess.State() != StateRunning {
		t.Errorf("state = %s, want running", sess.State())
	}

	// The instance booted inside its boundary already; nothing is acquired
	// twice.
	fx.log.assertAbsent(t, "sandbox.prepare")
	fx.log.assertAbsent(t, "firewall.configure")
	fx.log.assertBefore(t, "pool.checkout.warm", "transport.dial")

	if sess.Handle() == nil || sess.Handle().ID != "vm-1" {
		t.Errorf("handle = %+v, checkout must rebind the warm entry", sess.Handle())
	}
	if sess.Handle().PID != 7777 {
		t.Errorf("pid = %d, want the pooled instance", sess.Handle().PID)
	}
	if !fx.source.isRegistered("vm-1") {
		t.Error("running VM not registered")
	}
}

func TestStartWarmTransportFailureDiscardsInstance(t *testing.T) {
	fx := newFixture()
	fx.source.warm = warmEntry(fx)
	fx.dialErr = errors.New("guest agent not listening")

	_, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Step != "transport" {
		t.Fatalf("error = %v, want transport StepError", err)
	}

	// The discard releases the isolation that travelled with the entry;
	// the rollback must not release it a second time.
	fx.log.assertAbsent(t, "pool.return")
	if n := fx.log.count("sandbox.release"); n != 1 {
		t.Errorf("sandbox released %d times, want 1: %v", n, fx.log.list())
	}
	if n := fx.log.count("firewall.cleanup"); n != 1 {
		t.Errorf("firewall cleaned %d times, want 1: %v", n, fx.log.list())
	}
	if fx.source.isRegistered("vm-1") {
		t.Error("failed VM still registered as active")
	}
}

func TestDestroyPooledInstanceKeepsIsolation(t *testing.T) {
	fx := newFixture()
	fx.source.poolReturns = true

	sess, err := fx.manager.Start(context.Background(), sessionConfig("vm-1"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sess.Destroy(context.Background()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if sess.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", sess.State())
	}

	// A pooled instance keeps its boundary for the next session.
	fx.log.assertBefore(t, "transport.close", "pool.return")
	fx.log.assertAbsent(t, "firewall.cleanup")
	fx.log.assertAbsent(t, "sandbox.release")

	if fx.source.isRegistered("vm-1") {
		t.Error("destroyed VM still registered")
	}
	fx.rec.mu.Lock()
	flagged := len(fx.rec.attention)
	fx.rec.mu.Unlock()
	if flagged != 0 {
		t.Errorf("attention flagged %d times on a clean destroy", flagged)
	}
}
