package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/blakebauman/fleetd/internal/collab"
	"github.com/blakebauman/fleetd/internal/store"
)

// chatPeer is the to/from marker that tags stored chat turns, keeping
// them distinguishable from hierarchy messages in stored_messages.
const chatPeer = "assistant"

// ChatReply is the assistant's answer to one chat message.
type ChatReply struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// chat intents the agent can satisfy without the model.
const (
	intentNone       = "conversation"
	intentStockQuery = "stock_query"
	intentAlerts     = "low_stock_report"
)

// Chat processes one user chat message: echo, store, reply (local intent
// shortcut or model call with deterministic fallback), and update the
// day's statistics.
func (a *Agent) Chat(ctx context.Context, content, userID string) (*ChatReply, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, validationError("chat message requires content")
	}
	if userID == "" {
		userID = "user"
	}

	v, err := a.perform(ctx, true, func() (any, error) {
		a.rolloverStats()
		now := time.Now().UTC()

		// Echo and store the user turn.
		peer := chatPeer
		a.recordMessage(&store.StoredMessage{
			ID:          uuid.New().String(),
			Timestamp:   now,
			FromAgent:   userID,
			ToAgent:     &peer,
			Content:     content,
			MessageType: store.MessageDirect,
		})
		a.publish(frame(EvtChatResponse, map[string]any{
			"role":      "user",
			"content":   content,
			"timestamp": now.Format(time.RFC3339),
		}))
		a.stats.MessagesToday++

		reply, success := a.answer(content)
		a.stats.ActionsExecuted++
		if success {
			a.stats.SuccessfulActions++
		}
		a.stats.Recalc()
		if err := a.st.SaveChatStats(a.stats); err != nil {
			a.logger.Warn("save chat stats failed", "error", err)
		}

		// Store and stream the assistant turn.
		to := userID
		a.recordMessage(&store.StoredMessage{
			ID:          uuid.New().String(),
			Timestamp:   reply.Timestamp,
			FromAgent:   chatPeer,
			ToAgent:     &to,
			Content:     reply.Content,
			MessageType: store.MessageDirect,
		})
		a.publish(frame(EvtChatResponse, map[string]any{
			"role":      reply.Role,
			"content":   reply.Content,
			"timestamp": reply.Timestamp.Format(time.RFC3339),
			"metadata":  reply.Metadata,
		}))
		a.publish(a.chatStatsFrame())
		a.maybePurge()
		return reply, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ChatReply), nil
}

// answer produces the assistant reply and reports whether the action
// behind it succeeded. Runs inside the actor.
func (a *Agent) answer(content string) (*ChatReply, bool) {
	intent, sku := a.detectIntent(content)
	reply := &ChatReply{
		Role:      "assistant",
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"intent": intent},
	}

	switch intent {
	case intentStockQuery:
		item, ok := a.inventory[sku]
		if !ok {
			reply.Content = fmt.Sprintf("I don't have %s in inventory at %s.", sku, a.key.Path.String())
			return reply, false
		}
		reply.Content = fmt.Sprintf("%s (%s) has %d units in stock at %s; low-stock threshold is %d.",
			item.SKU, item.Name, item.CurrentStock, a.key.Path.String(), item.LowStockThreshold)
		return reply, true

	case intentAlerts:
		var low []string
		for _, it := range a.inventory {
			if it.CurrentStock <= it.LowStockThreshold {
				low = append(low, fmt.Sprintf("%s (%d/%d)", it.SKU, it.CurrentStock, it.LowStockThreshold))
			}
		}
		if len(low) == 0 {
			reply.Content = "No items are at or below their low-stock threshold."
		} else {
			reply.Content = "Low stock: " + strings.Join(low, ", ")
		}
		return reply, true
	}

	// Plain conversation goes to the model; the fleet keeps answering
	// deterministically when the model is absent or down.
	if a.deps.Model != nil {
		mctx, cancel := context.WithTimeout(context.Background(), a.opts.ModelTimeout)
		defer cancel()
		res, err := a.deps.Model.Run(mctx, a.opts.ModelName, []collab.Message{
			{Role: "system", Content: "You are the inventory assistant for location " + a.key.Path.String() + "."},
			{Role: "user", Content: content},
		}, nil)
		if err == nil && res.Text != "" {
			reply.Content = res.Text
			return reply, true
		}
		if err != nil {
			a.logger.Warn("chat model call failed", "error", err)
		}
	}

	reply.Content = fmt.Sprintf(
		"I'm managing inventory for %s (%d items tracked). Ask me about stock levels or low-stock alerts.",
		a.key.Path.String(), len(a.inventory))
	reply.Metadata["fallback"] = true
	return reply, false
}

// detectIntent matches local shortcuts: a stock question naming a known
// SKU, or a low-stock report request.
func (a *Agent) detectIntent(content string) (string, string) {
	lower := strings.ToLower(content)

	if strings.Contains(lower, "low stock") || strings.Contains(lower, "alert") {
		return intentAlerts, ""
	}

	if strings.Contains(lower, "stock") || strings.Contains(lower, "how many") || strings.Contains(lower, "how much") {
		for sku := range a.inventory {
			if strings.Contains(lower, strings.ToLower(sku)) {
				return intentStockQuery, sku
			}
		}
		// A stock question with an unknown SKU: take the last word as the
		// candidate so the reply can name it.
		fields := strings.Fields(strings.Trim(content, "?!. "))
		if len(fields) > 0 {
			return intentStockQuery, fields[len(fields)-1]
		}
	}

	return intentNone, ""
}

// rolloverStats swaps in a fresh counter row when the UTC day changed.
func (a *Agent) rolloverStats() {
	today := time.Now().UTC().Format(store.StatsDateFormat)
	if a.stats != nil && a.stats.Date == today {
		return
	}
	stats, err := a.st.LoadChatStats(today)
	if err != nil {
		a.logger.Warn("load chat stats failed", "error", err)
		stats = &store.ChatStats{Location: a.key.Path.String(), Date: today}
	}
	a.stats = stats
}

// chatStatsFrame builds the chatStats event.
func (a *Agent) chatStatsFrame() ServerFrame {
	return frame(EvtChatStats, map[string]any{
		"messagesToday":   a.stats.MessagesToday,
		"actionsExecuted": a.stats.ActionsExecuted,
		"successRate":     a.stats.SuccessRate,
	})
}

// chatHistory returns the stored chat turns, oldest first, role-tagged.
func (a *Agent) chatHistory(limit int) []*ChatReply {
	var history []*ChatReply
	for _, m := range a.ring {
		role := ""
		if m.FromAgent == chatPeer {
			role = "assistant"
		} else if m.ToAgent != nil && *m.ToAgent == chatPeer {
			role = "user"
		}
		if role == "" {
			continue
		}
		history = append(history, &ChatReply{
			Role:      role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
		})
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}
