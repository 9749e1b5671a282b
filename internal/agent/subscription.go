package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/blakebauman/fleetd/internal/store"
)

// sendBuffer bounds per-subscription outbound frames. A full buffer
// drops the subscription rather than stalling the actor.
const sendBuffer = 64

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// Subscription is one live client session bound to this agent. The
// agent owns it: membership is touched only from the actor; the
// delivered-set is guarded by mu because replies are also queued from
// the session's reader goroutine; the send channel decouples the writer
// pump.
type Subscription struct {
	conn *websocket.Conn
	send chan ServerFrame

	mu        sync.Mutex
	delivered map[string]struct{} // stored-message ids already sent

	closeOnce sync.Once
	closed    chan struct{}
}

func newSubscription(conn *websocket.Conn) *Subscription {
	return &Subscription{
		conn:      conn,
		send:      make(chan ServerFrame, sendBuffer),
		delivered: make(map[string]struct{}),
		closed:    make(chan struct{}),
	}
}

// trySend queues a frame without blocking. Returns false when the
// buffer is full or the subscription is closed; the caller drops the
// subscription. Stored-message frames are deduplicated by id so one
// session never sees the same message twice.
func (s *Subscription) trySend(f ServerFrame) bool {
	if typ, _ := f["type"].(string); typ == EvtMessage {
		if id, _ := f["id"].(string); id != "" {
			s.mu.Lock()
			_, seen := s.delivered[id]
			if !seen {
				s.delivered[id] = struct{}{}
			}
			s.mu.Unlock()
			if seen {
				return true
			}
		}
	}
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- f:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// writePump drains the send channel to the socket and keeps the
// connection alive with periodic pings.
func (s *Subscription) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case <-s.closed:
			return
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// publish delivers a frame to every live subscription in a consistent
// order. Runs inside the actor; subscriptions that cannot keep up are
// dropped.
func (a *Agent) publish(f ServerFrame) {
	for s := range a.subs {
		if !s.trySend(f) {
			delete(a.subs, s)
			s.close()
			a.logger.Debug("subscription dropped (send buffer full)")
		}
	}
}

func (a *Agent) closeAllSubscriptions() {
	for s := range a.subs {
		s.close()
		delete(a.subs, s)
	}
}

// HandleWS runs one subscription session on the calling goroutine until
// the client disconnects, the idle deadline passes, or the agent
// terminates. The connection is adopted: HandleWS closes it.
func (a *Agent) HandleWS(ctx context.Context, conn *websocket.Conn) {
	sub := newSubscription(conn)
	go sub.writePump(a.opts.PingInterval)

	// Attach under the initialization barrier: the opening snapshot,
	// chat replay, and stats are deferred until the agent is READY.
	_, err := a.perform(ctx, false, func() (any, error) {
		a.subs[sub] = struct{}{}
		sub.trySend(a.stateFrame())
		for _, turn := range a.chatHistory(a.opts.RingSize) {
			sub.trySend(frame(EvtChatResponse, map[string]any{
				"role":      turn.Role,
				"content":   turn.Content,
				"timestamp": turn.Timestamp.Format(time.RFC3339),
			}))
		}
		sub.trySend(a.chatStatsFrame())
		return nil, nil
	})
	if err != nil {
		sub.close()
		return
	}
	defer a.detach(sub)

	conn.SetReadDeadline(time.Now().Add(a.opts.IdleMax))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(a.opts.IdleMax))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, context.Canceled) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Debug("subscription read ended", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(a.opts.IdleMax))

		f, err := DecodeClientFrame(data)
		if err != nil {
			sub.trySend(errorFrame(AsError(err)))
			continue
		}
		a.dispatchFrame(ctx, sub, f)

		select {
		case <-sub.closed:
			return
		case <-a.done:
			return
		default:
		}
	}
}

// detach removes a subscription after its reader exits.
func (a *Agent) detach(sub *Subscription) {
	sub.close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = a.perform(ctx, false, func() (any, error) {
		delete(a.subs, sub)
		return nil, nil
	})
}

// dispatchFrame executes one client frame. Commands are processed in
// arrival order for this subscription; errors come back as error frames
// without dropping the session.
func (a *Agent) dispatchFrame(ctx context.Context, sub *Subscription, f *ClientFrame) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var err error
	switch f.Type {
	case MsgIncrement:
		_, err = a.Increment(opCtx)

	case MsgCreateAgent:
		err = a.CreateChild(opCtx, f.Name)

	case MsgDeleteAgent:
		err = a.DeleteChild(opCtx, f.Name)

	case MsgDirectMessage:
		err = a.DirectMessage(opCtx, f.AgentName, f.Message)

	case MsgBroadcast:
		err = a.Broadcast(opCtx, f.Message)

	case MsgPing:
		var v any
		v, err = a.perform(opCtx, false, func() (any, error) {
			return a.stateFrame(), nil
		})
		if err == nil {
			sub.trySend(frame(EvtPong, nil))
			sub.trySend(v.(ServerFrame))
		}

	case MsgPong:
		// Liveness only; the read deadline was already refreshed.

	case MsgStockUpdate:
		_, err = a.StockUpdate(opCtx, InventoryUpdate{
			SKU:       f.SKU,
			Quantity:  f.Quantity,
			Operation: f.Operation,
		})

	case MsgStockQuery:
		var item *store.InventoryItem
		item, err = a.StockQuery(opCtx, f.SKU)
		if err == nil {
			sub.trySend(frame(EvtStockResponse, map[string]any{
				"sku":      item.SKU,
				"quantity": item.CurrentStock,
				"location": a.key.Path.String(),
			}))
		} else if AsError(err).Code == CodeNotFound {
			sub.trySend(frame(EvtStockResponse, map[string]any{
				"sku":       strings.TrimSpace(f.SKU),
				"available": false,
			}))
			err = nil
		}

	case MsgInventorySync:
		var res *SyncResult
		res, err = a.InventorySync(opCtx, f.Updates)
		if err == nil {
			sub.trySend(frame(EvtMessage, map[string]any{
				"from": a.key.Path.String(),
				"content": fmt.Sprintf("inventory sync: %d applied, %d failed",
					res.Successful, res.Failed),
			}))
		}

	case MsgChatMessage:
		_, err = a.Chat(opCtx, f.Content, f.UserID)

	case MsgTestPersistence:
		err = a.testPersistence(opCtx, sub, 0)

	case MsgTestPersistence25:
		err = a.testPersistence(opCtx, sub, 25*time.Second)

	default:
		sub.trySend(frame(EvtError, map[string]any{"message": "Unknown message type"}))
		return
	}

	if err != nil {
		sub.trySend(errorFrame(AsError(err)))
	}
}

// testPersistence persists the current state, reloads it from the
// store, and reports the round-trip on this subscription. With a delay
// it verifies the session survives long idle stretches on heartbeats
// alone: the reply arrives after the delay from a detached timer.
func (a *Agent) testPersistence(ctx context.Context, sub *Subscription, delay time.Duration) error {
	_, err := a.perform(ctx, true, func() (any, error) {
		if err := a.persistState(); err != nil {
			return nil, internalError(err)
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	report := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		v, err := a.perform(rctx, false, func() (any, error) {
			fs, exists, err := a.st.LoadFleetState()
			if err != nil {
				return nil, internalError(err)
			}
			if !exists {
				return nil, internalError(fmt.Errorf("no persisted row after save"))
			}
			return fs.Counter, nil
		})
		if err != nil {
			sub.trySend(errorFrame(AsError(err)))
			return
		}
		sub.trySend(frame(EvtMessage, map[string]any{
			"id":      uuid.New().String(),
			"from":    a.key.Path.String(),
			"content": fmt.Sprintf("persistence verified: counter=%d", v.(int64)),
		}))
	}

	if delay == 0 {
		report()
		return nil
	}
	time.AfterFunc(delay, report)
	return nil
}
