package agent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blakebauman/fleetd/internal/fleet"
	"github.com/blakebauman/fleetd/internal/store"
)

// StateView is the public state snapshot.
type StateView struct {
	Counter int64    `json:"counter"`
	Agents  []string `json:"agents"`
}

// GetState returns the counter and direct children.
func (a *Agent) GetState(ctx context.Context) (*StateView, error) {
	v, err := a.perform(ctx, false, func() (any, error) {
		return &StateView{Counter: a.counter, Agents: a.childNames()}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StateView), nil
}

// Increment bumps the operation counter, persists, and broadcasts the
// new state.
func (a *Agent) Increment(ctx context.Context) (int64, error) {
	v, err := a.perform(ctx, true, func() (any, error) {
		a.counter++
		if err := a.persistState(); err != nil {
			a.counter--
			return nil, internalError(err)
		}
		a.invalidateCache("state")
		a.publish(a.stateFrame())
		a.maybePurge()
		return a.counter, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// CreateChild registers a new direct child segment. The child agent
// itself is created lazily by the router on its first request.
func (a *Agent) CreateChild(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if !fleet.ValidSegment(name) {
		return validationError("invalid agent name %q", name)
	}
	_, err := a.perform(ctx, true, func() (any, error) {
		if _, exists := a.children[name]; exists {
			return nil, &Error{Code: CodeAgentExists, Message: "agent already exists: " + name}
		}
		a.children[name] = struct{}{}
		if err := a.persistState(); err != nil {
			delete(a.children, name)
			return nil, internalError(err)
		}
		a.invalidateCache("state")
		a.publish(frame(EvtAgentCreated, map[string]any{"name": name}))
		a.publish(a.stateFrame())
		a.maybePurge()
		return nil, nil
	})
	return err
}

// DeleteChild removes a direct child, cascading deletion through the
// hierarchy fabric. A failed cascade downgrades to a system notice; the
// local entry is removed regardless.
func (a *Agent) DeleteChild(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	_, err := a.perform(ctx, true, func() (any, error) {
		if _, exists := a.children[name]; !exists {
			return nil, notFoundError("agent not found: %s", name)
		}

		if a.deps.Peers != nil {
			cctx, cancel := context.WithTimeout(context.Background(), 3*a.opts.PeerTimeout)
			err := a.deps.Peers.DeleteSubtree(cctx, a.key.Child(name))
			cancel()
			if err != nil {
				a.logger.Warn("subtree cascade failed", "child", name, "error", err)
				a.recordAndPublishMessage(&store.StoredMessage{
					ID:          uuid.New().String(),
					Timestamp:   time.Now().UTC(),
					FromAgent:   a.key.Path.String(),
					Content:     "partial cascade: subtree of " + name + " may have survived",
					MessageType: store.MessageSystem,
				})
			}
		}

		delete(a.children, name)
		if err := a.persistState(); err != nil {
			return nil, internalError(err)
		}
		a.invalidateCache("state")
		a.publish(frame(EvtAgentDeleted, map[string]any{"name": name}))
		a.publish(a.stateFrame())
		a.maybePurge()
		return nil, nil
	})
	return err
}

// DeleteSubtree recursively deletes this agent and all descendants,
// clears persisted state, and terminates the actor. Per-child failures
// are logged, not fatal; a second call on a fresh agent still succeeds.
func (a *Agent) DeleteSubtree(ctx context.Context) error {
	_, err := a.perform(ctx, true, func() (any, error) {
		a.setState(StateDraining)

		for name := range a.children {
			cctx, cancel := context.WithTimeout(context.Background(), 3*a.opts.PeerTimeout)
			var err error
			if a.deps.Peers != nil {
				err = a.deps.Peers.DeleteSubtree(cctx, a.key.Child(name))
			}
			cancel()
			if err != nil {
				a.logger.Warn("child subtree deletion failed", "child", name, "error", err)
			}
		}

		if err := a.st.Clear(); err != nil {
			a.logger.Error("clear persisted state failed", "error", err)
		}

		a.counter = 0
		a.children = make(map[string]struct{})
		a.inventory = make(map[string]*store.InventoryItem)
		a.ring = nil
		a.invalidateCache("state")
		a.invalidateCache("inventory")
		a.closeAllSubscriptions()
		a.terminate = true
		return nil, nil
	})
	return err
}

// DirectMessage forwards text to a direct child over the fabric and
// confirms on the local subscriptions.
func (a *Agent) DirectMessage(ctx context.Context, childName, text string) error {
	childName = strings.TrimSpace(childName)
	_, err := a.perform(ctx, true, func() (any, error) {
		if _, exists := a.children[childName]; !exists {
			return nil, notFoundError("agent not found: %s", childName)
		}

		from := a.key.Path.String()
		target := a.key.Child(childName)
		a.goPeer("direct message", func(cctx context.Context) error {
			if a.deps.Peers == nil {
				return nil
			}
			return a.deps.Peers.SendMessage(cctx, target, InboundMessage{
				From:    from,
				Content: text,
				Type:    store.MessageDirect,
			})
		})

		to := childName
		a.recordMessage(&store.StoredMessage{
			ID:          uuid.New().String(),
			Timestamp:   time.Now().UTC(),
			FromAgent:   from,
			ToAgent:     &to,
			Content:     text,
			MessageType: store.MessageDirect,
		})
		a.publish(frame(EvtMessage, map[string]any{
			"from":    from,
			"content": "→ " + childName + ": " + text,
		}))
		a.maybePurge()
		return nil, nil
	})
	return err
}

// Broadcast fans text out to every direct child in parallel and echoes
// once on the local subscriptions with the broadcast prefix.
func (a *Agent) Broadcast(ctx context.Context, text string) error {
	_, err := a.perform(ctx, true, func() (any, error) {
		from := a.key.Path.String()

		for name := range a.children {
			target := a.key.Child(name)
			a.goPeer("broadcast", func(cctx context.Context) error {
				if a.deps.Peers == nil {
					return nil
				}
				return a.deps.Peers.SendMessage(cctx, target, InboundMessage{
					From:    from,
					Content: text,
					Type:    store.MessageBroadcast,
				})
			})
		}

		a.recordMessage(&store.StoredMessage{
			ID:          uuid.New().String(),
			Timestamp:   time.Now().UTC(),
			FromAgent:   from,
			Content:     text,
			MessageType: store.MessageBroadcast,
		})
		a.publish(frame(EvtMessage, map[string]any{
			"from":    "📢 " + from,
			"content": text,
		}))
		a.maybePurge()
		return nil, nil
	})
	return err
}

// ReceiveMessage handles an inbound hierarchy message (peer RPC or POST
// /message): stores it and broadcasts it to subscribers with the sender
// prefix for its type.
func (a *Agent) ReceiveMessage(ctx context.Context, msg InboundMessage) error {
	if strings.TrimSpace(msg.From) == "" || msg.Content == "" {
		return validationError("message requires from and content")
	}
	switch msg.Type {
	case store.MessageDirect, store.MessageBroadcast, store.MessageSystem:
	case "":
		msg.Type = store.MessageDirect
	default:
		return validationError("unknown message type %q", msg.Type)
	}

	_, err := a.perform(ctx, true, func() (any, error) {
		var to *string
		if msg.Type == store.MessageDirect {
			self := a.key.Path.String()
			to = &self
		}
		stored := &store.StoredMessage{
			ID:          uuid.New().String(),
			Timestamp:   time.Now().UTC(),
			FromAgent:   msg.From,
			ToAgent:     to,
			Content:     msg.Content,
			MessageType: msg.Type,
		}
		a.recordMessage(stored)

		from := msg.From
		switch msg.Type {
		case store.MessageDirect:
			from = "📨 " + from
		case store.MessageBroadcast:
			from = "📢 " + from
		}
		a.publish(frame(EvtMessage, map[string]any{
			"id":      stored.ID,
			"from":    from,
			"content": msg.Content,
		}))
		a.maybePurge()
		return nil, nil
	})
	return err
}

// MessagesPage is one page of stored messages.
type MessagesPage struct {
	Messages   []*store.StoredMessage `json:"messages"`
	TotalCount int                    `json:"totalCount"`
	HasMore    bool                   `json:"hasMore"`
}

// Messages returns stored history in chronological order.
func (a *Agent) Messages(ctx context.Context, limit, offset int) (*MessagesPage, error) {
	v, err := a.perform(ctx, false, func() (any, error) {
		msgs, total, err := a.st.ListMessages(limit, offset)
		if err != nil {
			return nil, internalError(err)
		}
		if msgs == nil {
			msgs = []*store.StoredMessage{}
		}
		return &MessagesPage{
			Messages:   msgs,
			TotalCount: total,
			HasMore:    offset+len(msgs) < total,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*MessagesPage), nil
}

// DebugDump returns the persisted row plus the in-memory snapshot.
func (a *Agent) DebugDump(ctx context.Context) (map[string]any, error) {
	v, err := a.perform(ctx, false, func() (any, error) {
		fs, exists, err := a.st.LoadFleetState()
		if err != nil {
			return nil, internalError(err)
		}
		dump := map[string]any{
			"owner":  a.key.String(),
			"state":  a.State().String(),
			"tables": a.st.TableCounts(),
			"memory": map[string]any{
				"counter":       a.counter,
				"agents":        a.childNames(),
				"agentType":     string(a.agentType),
				"inventory":     len(a.inventory),
				"ring":          len(a.ring),
				"subscriptions": len(a.subs),
			},
		}
		if exists {
			dump["persisted"] = fs
		}
		return dump, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// recordMessage persists a message and appends it to the bounded ring.
func (a *Agent) recordMessage(m *store.StoredMessage) {
	if err := a.st.InsertMessage(m); err != nil {
		a.logger.Warn("store message failed", "error", err)
	}
	a.ring = append(a.ring, m)
	if len(a.ring) > a.opts.RingSize {
		a.ring = a.ring[len(a.ring)-a.opts.RingSize:]
	}
}

// recordAndPublishMessage stores a message and delivers it to
// subscribers without a sender prefix (system notices).
func (a *Agent) recordAndPublishMessage(m *store.StoredMessage) {
	a.recordMessage(m)
	a.publish(frame(EvtMessage, map[string]any{
		"id":      m.ID,
		"from":    m.FromAgent,
		"content": m.Content,
	}))
}

// goPeer runs a fabric call off the actor with the peer deadline. The
// actor never blocks on fan-out; failures are logged.
func (a *Agent) goPeer(op string, fn func(ctx context.Context) error) {
	timeout := a.opts.PeerTimeout
	logger := a.logger
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn("peer call failed", "op", op, "error", err)
		}
	}()
}
