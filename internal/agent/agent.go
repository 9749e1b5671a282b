// Package agent implements the single-writer actor that owns one
// (tenant, path) pair. All operations against an owner key are serialized
// through the actor's mailbox; the actor owns its store handle, its
// in-memory state, and its subscriptions outright. Cross-agent work goes
// through the Peers port, never through shared pointers.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/blakebauman/fleetd/internal/approval"
	"github.com/blakebauman/fleetd/internal/collab"
	"github.com/blakebauman/fleetd/internal/fleet"
	"github.com/blakebauman/fleetd/internal/store"
)

// State is the agent lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateReady
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateDraining:
		return "DRAINING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Peers is the hierarchy fabric: request/response operations against
// other agents, routed by owner key. The router provides the live
// implementation; tests provide fakes.
type Peers interface {
	// SendMessage delivers a hierarchy message to the target agent.
	SendMessage(ctx context.Context, target fleet.OwnerKey, msg InboundMessage) error
	// DeleteSubtree recursively deletes the target agent and its
	// descendants.
	DeleteSubtree(ctx context.Context, target fleet.OwnerKey) error
	// PropagateStock applies a stock update at the target agent's level.
	PropagateStock(ctx context.Context, target fleet.OwnerKey, upd InventoryUpdate) error
}

// Options tunes one agent's behavior. Zero values take the documented
// defaults.
type Options struct {
	RingSize                int
	Retention               time.Duration
	PingInterval            time.Duration
	IdleMax                 time.Duration
	ApprovalAmountThreshold int64
	ApprovalWait            time.Duration
	DefaultAgentType        fleet.AgentType
	ModelName               string
	ModelTimeout            time.Duration
	PeerTimeout             time.Duration
}

func (o *Options) applyDefaults() {
	if o.RingSize <= 0 {
		o.RingSize = 100
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 10 * time.Second
	}
	if o.IdleMax <= 0 {
		o.IdleMax = 120 * time.Second
	}
	if o.ApprovalAmountThreshold <= 0 {
		o.ApprovalAmountThreshold = 1000
	}
	if o.ApprovalWait <= 0 {
		o.ApprovalWait = 2 * time.Second
	}
	if o.DefaultAgentType == "" {
		o.DefaultAgentType = fleet.TypeOrchestrator
	}
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = 30 * time.Second
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = 10 * time.Second
	}
}

// Deps are the injected collaborators. Any of them may be nil; the agent
// falls back to deterministic local behavior.
type Deps struct {
	Model     collab.ModelClient
	Vectors   collab.VectorStore
	Workflows collab.WorkflowDispatcher
	Bus       collab.MessageBus
	Approver  approval.Hook
	Peers     Peers
	Logger    *slog.Logger
}

// Agent is the single-writer actor for one owner key.
type Agent struct {
	key    fleet.OwnerKey
	opts   Options
	deps   Deps
	logger *slog.Logger

	openStore func() (*store.Store, error)
	st        *store.Store

	state atomic.Int32
	tasks chan *task
	ready chan struct{} // closed once initialization completes
	done  chan struct{} // closed when the run loop exits

	// invalidate, when set, is called before events publish so read
	// caches never serve stale entries past a write. Set once, before
	// any request reaches the agent.
	invalidate func(kind string)

	// Actor-owned state. Touched only inside the run loop.
	counter   int64
	children  map[string]struct{}
	agentType fleet.AgentType
	inventory map[string]*store.InventoryItem
	ring      []*store.StoredMessage
	stats     *store.ChatStats
	subs      map[*Subscription]struct{}
	opCount   uint64
	terminate bool
	initErr   error
}

type taskResult struct {
	v   any
	err error
}

type task struct {
	fn    func() (any, error)
	reply chan taskResult
}

// New constructs an agent and starts its actor. openStore is invoked
// inside the actor under the initialization barrier.
func New(key fleet.OwnerKey, opts Options, deps Deps, openStore func() (*store.Store, error)) *Agent {
	opts.applyDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("owner", key.String())

	a := &Agent{
		key:       key,
		opts:      opts,
		deps:      deps,
		logger:    logger,
		openStore: openStore,
		tasks:     make(chan *task, 64),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		children:  make(map[string]struct{}),
		agentType: opts.DefaultAgentType,
		inventory: make(map[string]*store.InventoryItem),
		subs:      make(map[*Subscription]struct{}),
	}
	a.state.Store(int32(StateCreated))

	go a.run()
	return a
}

// Key returns the owner key this agent serves.
func (a *Agent) Key() fleet.OwnerKey { return a.key }

// State returns the current lifecycle state.
func (a *Agent) State() State { return State(a.state.Load()) }

// Done is closed when the agent has terminated and will accept no more
// work. The router uses it to evict registry entries.
func (a *Agent) Done() <-chan struct{} { return a.done }

// SetCacheInvalidator wires the router's read-cache invalidation hook.
// Must be called before the agent serves requests.
func (a *Agent) SetCacheInvalidator(fn func(kind string)) { a.invalidate = fn }

func (a *Agent) setState(s State) { a.state.Store(int32(s)) }

// run is the actor loop: initialize under the barrier, then execute
// queued tasks one at a time until termination.
func (a *Agent) run() {
	defer close(a.done)

	a.setState(StateInitializing)
	if err := a.init(); err != nil {
		a.initErr = err
		a.logger.Error("agent initialization failed", "error", err)
		a.setState(StateTerminated)
		close(a.ready)
		return
	}
	a.setState(StateReady)
	close(a.ready)
	a.logger.Debug("agent ready", "counter", a.counter, "children", len(a.children))

	for t := range a.tasks {
		v, err := t.fn()
		if a.terminate {
			// Set before replying so the caller observes TERMINATED.
			a.setState(StateTerminated)
		}
		t.reply <- taskResult{v, err}
		if a.terminate {
			if a.st != nil {
				a.st.Close()
			}
			return
		}
	}
}

// init loads persisted state: migrations run inside store.Open, then the
// fleet row, inventory, recent messages, and today's chat stats.
func (a *Agent) init() error {
	st, err := a.openStore()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	fs, exists, err := st.LoadFleetState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if exists {
		a.counter = fs.Counter
		a.agentType = fleet.ParseAgentType(fs.AgentType)
		for _, c := range fs.Children {
			a.children[c] = struct{}{}
		}
	}

	items, err := st.ListItems()
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	for _, it := range items {
		a.inventory[it.SKU] = it
	}

	if err := a.loadRing(); err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	stats, err := st.LoadChatStats(time.Now().UTC().Format(store.StatsDateFormat))
	if err != nil {
		return fmt.Errorf("load chat stats: %w", err)
	}
	a.stats = stats

	return nil
}

// loadRing warms the in-memory message ring with the newest stored
// messages, oldest first.
func (a *Agent) loadRing() error {
	_, total, err := a.st.ListMessages(1, 0)
	if err != nil {
		return err
	}
	offset := 0
	if total > a.opts.RingSize {
		offset = total - a.opts.RingSize
	}
	msgs, _, err := a.st.ListMessages(a.opts.RingSize, offset)
	if err != nil {
		return err
	}
	a.ring = msgs
	return nil
}

// perform submits fn to the actor and awaits its result. All requests
// block on the initialization barrier: nothing executes before
// migrations and state load complete. The write flag documents intent
// at call sites; both paths queue behind the same single writer.
func (a *Agent) perform(ctx context.Context, write bool, fn func() (any, error)) (any, error) {
	select {
	case <-a.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrDraining
	}
	if a.initErr != nil {
		return nil, internalError(a.initErr)
	}
	if s := a.State(); s == StateDraining || s == StateTerminated {
		return nil, ErrDraining
	}

	t := &task{fn: fn, reply: make(chan taskResult, 1)}
	select {
	case a.tasks <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrDraining
	}

	select {
	case r := <-t.reply:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		// The loop may have executed the task just before exiting.
		select {
		case r := <-t.reply:
			return r.v, r.err
		default:
			return nil, ErrDraining
		}
	}
}

// maybePurge deletes expired messages on roughly one request in a
// hundred. Runs inside the writer; a single bounded DELETE.
func (a *Agent) maybePurge() {
	a.opCount++
	if a.opCount%100 != 0 {
		return
	}
	cutoff := time.Now().Add(-a.opts.Retention)
	n, err := a.st.DeleteMessagesBefore(cutoff)
	if err != nil {
		a.logger.Warn("message purge failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Debug("purged expired messages", "count", n)
	}
}

// persistState writes the fleet row from the in-memory fields.
func (a *Agent) persistState() error {
	children := make([]string, 0, len(a.children))
	for c := range a.children {
		children = append(children, c)
	}
	sort.Strings(children)
	return a.st.SaveFleetState(&store.FleetState{
		ID:        a.key.Path.String(),
		Counter:   a.counter,
		Children:  children,
		AgentType: string(a.agentType),
	})
}

// childNames returns the children sorted for stable output.
func (a *Agent) childNames() []string {
	names := make([]string, 0, len(a.children))
	for c := range a.children {
		names = append(names, c)
	}
	sort.Strings(names)
	return names
}

// stateFrame builds the canonical state event.
func (a *Agent) stateFrame() ServerFrame {
	return frame(EvtState, map[string]any{
		"counter": a.counter,
		"agents":  a.childNames(),
	})
}

// invalidateCache drops a read-cache entry, when a cache is wired.
func (a *Agent) invalidateCache(kind string) {
	if a.invalidate != nil {
		a.invalidate(kind)
	}
}

// busSend publishes an audit/notification payload, best-effort.
func (a *Agent) busSend(topic string, payload map[string]any) {
	if a.deps.Bus == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.deps.Bus.Send(ctx, topic, payload); err != nil {
			a.logger.Debug("bus send failed", "topic", topic, "error", err)
		}
	}()
}

// Shutdown stops the actor without clearing persisted state: closes
// subscriptions, persists the fleet row, and exits the loop. Used at
// process shutdown.
func (a *Agent) Shutdown(ctx context.Context) error {
	_, err := a.perform(ctx, false, func() (any, error) {
		a.setState(StateDraining)
		a.closeAllSubscriptions()
		if err := a.persistState(); err != nil {
			a.logger.Warn("persist on shutdown failed", "error", err)
		}
		a.terminate = true
		return nil, nil
	})
	if err == ErrDraining {
		return nil
	}
	return err
}
