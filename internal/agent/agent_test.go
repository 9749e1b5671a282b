package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blakebauman/fleetd/internal/collab"
	"github.com/blakebauman/fleetd/internal/fleet"
	"github.com/blakebauman/fleetd/internal/store"
)

// fakePeers records fabric calls.
type fakePeers struct {
	mu         sync.Mutex
	sent       []fakeSend
	deleted    []string
	propagated []fakePropagation
	failAll    bool
}

type fakeSend struct {
	Target fleet.OwnerKey
	Msg    InboundMessage
}

type fakePropagation struct {
	Target fleet.OwnerKey
	Update InventoryUpdate
}

func (p *fakePeers) SendMessage(ctx context.Context, target fleet.OwnerKey, msg InboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return context.DeadlineExceeded
	}
	p.sent = append(p.sent, fakeSend{target, msg})
	return nil
}

func (p *fakePeers) DeleteSubtree(ctx context.Context, target fleet.OwnerKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return context.DeadlineExceeded
	}
	p.deleted = append(p.deleted, target.Registry())
	return nil
}

func (p *fakePeers) PropagateStock(ctx context.Context, target fleet.OwnerKey, upd InventoryUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAll {
		return context.DeadlineExceeded
	}
	p.propagated = append(p.propagated, fakePropagation{target, upd})
	return nil
}

func (p *fakePeers) sends() []fakeSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fakeSend(nil), p.sent...)
}

func (p *fakePeers) propagations() []fakePropagation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]fakePropagation(nil), p.propagated...)
}

func (p *fakePeers) deletions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...)
}

// fakeDispatcher records workflow creations.
type fakeDispatcher struct {
	mu   sync.Mutex
	jobs []fakeJob
}

type fakeJob struct {
	Name    string
	Payload map[string]any
}

func (d *fakeDispatcher) Create(ctx context.Context, name string, payload map[string]any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, fakeJob{name, payload})
	return "wf-1", nil
}

func (d *fakeDispatcher) Get(ctx context.Context, id string) (collab.WorkflowStatus, error) {
	return collab.WorkflowCompleted, nil
}

func (d *fakeDispatcher) Cancel(ctx context.Context, id string) error { return nil }

func (d *fakeDispatcher) created() []fakeJob {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]fakeJob(nil), d.jobs...)
}

func testOptions() Options {
	return Options{
		ApprovalWait: 10 * time.Millisecond,
		PeerTimeout:  2 * time.Second,
	}
}

func mustKey(t *testing.T, path string) fleet.OwnerKey {
	t.Helper()
	p, err := fleet.ParsePath(path)
	if err != nil {
		t.Fatal(err)
	}
	return fleet.NewOwnerKey("demo", p)
}

// newTestAgent spins up an agent over a temp data dir.
func newTestAgent(t *testing.T, dir, path string, deps Deps) *Agent {
	t.Helper()
	key := mustKey(t, path)
	a := New(key, testOptions(), deps, func() (*store.Store, error) {
		return store.Open(dir, key)
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIncrementPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	a := newTestAgent(t, dir, "/", Deps{})

	for i := 0; i < 3; i++ {
		if _, err := a.Increment(ctxT(t)); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Shutdown(ctxT(t)); err != nil {
		t.Fatal(err)
	}

	b := newTestAgent(t, dir, "/", Deps{})
	view, err := b.GetState(ctxT(t))
	if err != nil {
		t.Fatal(err)
	}
	if view.Counter != 3 {
		t.Errorf("counter after restart = %d, want 3", view.Counter)
	}
}

func TestSerializedEffects(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{})
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Increment(ctxT(t)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	view, err := a.GetState(ctxT(t))
	if err != nil {
		t.Fatal(err)
	}
	if view.Counter != n {
		t.Errorf("counter = %d, want %d (lost or doubled increments)", view.Counter, n)
	}
}

func TestCreateDeleteCreateChildRoundTrip(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{Peers: &fakePeers{}})
	ctx := ctxT(t)

	before, _ := a.GetState(ctx)

	if err := a.CreateChild(ctx, "warehouse-ny"); err != nil {
		t.Fatal(err)
	}
	view, _ := a.GetState(ctx)
	if len(view.Agents) != 1 || view.Agents[0] != "warehouse-ny" {
		t.Fatalf("agents after create = %v", view.Agents)
	}

	if err := a.DeleteChild(ctx, "warehouse-ny"); err != nil {
		t.Fatal(err)
	}
	after, _ := a.GetState(ctx)
	if len(after.Agents) != len(before.Agents) {
		t.Errorf("agents after delete = %v, want %v", after.Agents, before.Agents)
	}

	if err := a.CreateChild(ctx, "warehouse-ny"); err != nil {
		t.Errorf("re-create after delete failed: %v", err)
	}
}

func TestCreateChildValidation(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{})
	ctx := ctxT(t)

	if err := a.CreateChild(ctx, strings.Repeat("x", 32)); err != nil {
		t.Errorf("32-char name rejected: %v", err)
	}
	for _, bad := range []string{strings.Repeat("x", 33), "a.b", "a/b", "", "  "} {
		err := a.CreateChild(ctx, bad)
		if err == nil {
			t.Errorf("CreateChild(%q) accepted, want VALIDATION_ERROR", bad)
			continue
		}
		if AsError(err).Code != CodeValidation {
			t.Errorf("CreateChild(%q) code = %s, want %s", bad, AsError(err).Code, CodeValidation)
		}
	}

	// Whitespace is trimmed before validation.
	if err := a.CreateChild(ctx, "  spaced-ok  "); err != nil {
		t.Errorf("trimmed name rejected: %v", err)
	}
}

func TestCreateChildConflict(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{})
	ctx := ctxT(t)

	if err := a.CreateChild(ctx, "dup"); err != nil {
		t.Fatal(err)
	}
	err := a.CreateChild(ctx, "dup")
	if err == nil || AsError(err).Code != CodeAgentExists {
		t.Errorf("duplicate create error = %v, want %s", err, CodeAgentExists)
	}
}

func TestDeleteChildNotFound(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{})
	err := a.DeleteChild(ctxT(t), "ghost")
	if err == nil || AsError(err).Code != CodeNotFound {
		t.Errorf("delete unknown child error = %v, want %s", err, CodeNotFound)
	}
}

func TestDeleteChildSurvivesCascadeFailure(t *testing.T) {
	peers := &fakePeers{failAll: true}
	a := newTestAgent(t, t.TempDir(), "/", Deps{Peers: peers})
	ctx := ctxT(t)

	if err := a.CreateChild(ctx, "child"); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteChild(ctx, "child"); err != nil {
		t.Fatalf("delete with failing cascade returned error: %v", err)
	}
	view, _ := a.GetState(ctx)
	if len(view.Agents) != 0 {
		t.Errorf("local entry survived failed cascade: %v", view.Agents)
	}
	// The partial cascade leaves a system notice in history.
	page, err := a.Messages(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, m := range page.Messages {
		if m.MessageType == store.MessageSystem {
			found = true
		}
	}
	if !found {
		t.Error("no system notice after partial cascade")
	}
}

func TestDeleteSubtreeCascadesAndTerminates(t *testing.T) {
	peers := &fakePeers{}
	dir := t.TempDir()
	a := newTestAgent(t, dir, "/a", Deps{Peers: peers})
	ctx := ctxT(t)

	if err := a.CreateChild(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Increment(ctx); err != nil {
		t.Fatal(err)
	}

	if err := a.DeleteSubtree(ctx); err != nil {
		t.Fatal(err)
	}

	if got := a.State(); got != StateTerminated {
		t.Errorf("state after delete-subtree = %v, want TERMINATED", got)
	}
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after termination")
	}

	dels := peers.deletions()
	if len(dels) != 1 || dels[0] != "demo|/a/b" {
		t.Errorf("cascaded deletions = %v, want [demo|/a/b]", dels)
	}

	// Persisted rows are gone: a fresh agent at the same path is empty.
	b := newTestAgent(t, dir, "/a", Deps{})
	view, err := b.GetState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if view.Counter != 0 || len(view.Agents) != 0 {
		t.Errorf("state after subtree deletion = %+v, want empty", view)
	}
}

func TestDeleteSubtreeIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := newTestAgent(t, dir, "/x", Deps{})
	if err := a.DeleteSubtree(ctxT(t)); err != nil {
		t.Fatal(err)
	}
	// A second call lands on a fresh agent and still succeeds.
	b := newTestAgent(t, dir, "/x", Deps{})
	if err := b.DeleteSubtree(ctxT(t)); err != nil {
		t.Errorf("second delete-subtree failed: %v", err)
	}
}

func TestBroadcastFansOutAndEchoes(t *testing.T) {
	peers := &fakePeers{}
	a := newTestAgent(t, t.TempDir(), "/org", Deps{Peers: peers})
	ctx := ctxT(t)

	for _, name := range []string{"a", "b"} {
		if err := a.CreateChild(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	if err := a.Broadcast(ctx, "hi"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "both children to receive the broadcast", func() bool {
		return len(peers.sends()) == 2
	})
	for _, s := range peers.sends() {
		if s.Msg.Type != store.MessageBroadcast || s.Msg.From != "/org" || s.Msg.Content != "hi" {
			t.Errorf("forwarded message = %+v", s.Msg)
		}
	}

	page, err := a.Messages(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalCount != 1 || page.Messages[0].MessageType != store.MessageBroadcast {
		t.Errorf("stored broadcast = %+v", page.Messages)
	}
}

func TestDirectMessageUnknownChild(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{Peers: &fakePeers{}})
	err := a.DirectMessage(ctxT(t), "ghost", "hello")
	if err == nil || AsError(err).Code != CodeNotFound {
		t.Errorf("direct message to unknown child = %v, want %s", err, CodeNotFound)
	}
}

func TestReceiveMessageValidation(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{})
	ctx := ctxT(t)

	if err := a.ReceiveMessage(ctx, InboundMessage{From: "", Content: "x"}); err == nil {
		t.Error("empty sender accepted")
	}
	if err := a.ReceiveMessage(ctx, InboundMessage{From: "/p", Content: "x", Type: "bogus"}); err == nil {
		t.Error("unknown message type accepted")
	}
	if err := a.ReceiveMessage(ctx, InboundMessage{From: "/p", Content: "x", Type: store.MessageBroadcast}); err != nil {
		t.Errorf("valid broadcast rejected: %v", err)
	}
}

func TestMessagesPaging(t *testing.T) {
	a := newTestAgent(t, t.TempDir(), "/", Deps{})
	ctx := ctxT(t)

	for i := 0; i < 5; i++ {
		if err := a.ReceiveMessage(ctx, InboundMessage{
			From: "/parent", Content: "m", Type: store.MessageBroadcast,
		}); err != nil {
			t.Fatal(err)
		}
	}

	page, err := a.Messages(ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.TotalCount != 5 || len(page.Messages) != 2 || !page.HasMore {
		t.Errorf("page = %d msgs of %d, hasMore=%v", len(page.Messages), page.TotalCount, page.HasMore)
	}

	page, err = a.Messages(ctx, 10, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.HasMore {
		t.Errorf("last page = %d msgs, hasMore=%v", len(page.Messages), page.HasMore)
	}
}
