package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blakebauman/fleetd/internal/collab"
	"github.com/blakebauman/fleetd/internal/fleet"
	"github.com/blakebauman/fleetd/internal/store"
)

// InventorySnapshot is the GET /inventory/stock response.
type InventorySnapshot struct {
	Location    string                 `json:"location"`
	AgentType   string                 `json:"agentType"`
	Inventory   []*store.InventoryItem `json:"inventory"`
	TotalItems  int                    `json:"totalItems"`
	LastUpdated time.Time              `json:"lastUpdated"`
}

// StockResult reports one applied stock update.
type StockResult struct {
	SKU          string `json:"sku"`
	CurrentStock int64  `json:"currentStock"`
	Operation    string `json:"operation"`
	Quantity     int64  `json:"quantity"`
}

// SyncResult reports a batch apply.
type SyncResult struct {
	Successful int      `json:"successful"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors,omitempty"`
}

// Alert is one low-stock condition.
type Alert struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	CurrentStock int64  `json:"currentStock"`
	Threshold    int64  `json:"threshold"`
	Severity     string `json:"severity"`
}

// AlertsView is the GET /inventory/alerts response.
type AlertsView struct {
	Alerts         []Alert `json:"alerts"`
	TotalAlerts    int     `json:"totalAlerts"`
	CriticalAlerts int     `json:"criticalAlerts"`
}

// Inventory returns the full stock snapshot for this location.
func (a *Agent) Inventory(ctx context.Context) (*InventorySnapshot, error) {
	v, err := a.perform(ctx, false, func() (any, error) {
		items := make([]*store.InventoryItem, 0, len(a.inventory))
		var last time.Time
		for _, it := range a.inventory {
			items = append(items, it)
			if it.LastUpdated.After(last) {
				last = it.LastUpdated
			}
		}
		sortItems(items)
		return &InventorySnapshot{
			Location:    a.key.Path.String(),
			AgentType:   string(a.agentType),
			Inventory:   items,
			TotalItems:  len(items),
			LastUpdated: last,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*InventorySnapshot), nil
}

// StockUpdate applies one stock mutation: updates memory, persists the
// item and its transaction atomically, broadcasts the change, runs the
// threshold chain when the update crosses the low-stock line, and
// propagates upward best-effort.
func (a *Agent) StockUpdate(ctx context.Context, upd InventoryUpdate) (*StockResult, error) {
	upd.SKU = strings.TrimSpace(upd.SKU)
	if !fleet.ValidSKU(upd.SKU) {
		return nil, validationError("invalid sku %q", upd.SKU)
	}
	if err := upd.Validate(); err != nil {
		return nil, err
	}

	v, err := a.perform(ctx, true, func() (any, error) {
		item, crossed, err := a.applyStock(upd)
		if err != nil {
			return nil, err
		}

		a.invalidateCache("inventory")
		a.publish(frame(EvtStockUpdate, map[string]any{
			"sku":       item.SKU,
			"quantity":  item.CurrentStock,
			"operation": upd.Operation,
			"location":  a.key.Path.String(),
		}))

		if crossed {
			a.handleLowStock(item)
		}

		a.propagateToParent(upd)
		a.maybePurge()
		return &StockResult{
			SKU:          item.SKU,
			CurrentStock: item.CurrentStock,
			Operation:    upd.Operation,
			Quantity:     upd.Quantity,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*StockResult), nil
}

// applyStock mutates one item inside the actor. Decrements clamp at
// zero. Returns the item and whether the mutation crossed the low-stock
// threshold.
func (a *Agent) applyStock(upd InventoryUpdate) (*store.InventoryItem, bool, error) {
	item, known := a.inventory[upd.SKU]
	if !known {
		name := upd.Name
		if name == "" {
			name = upd.SKU
		}
		item = &store.InventoryItem{
			SKU:      upd.SKU,
			Name:     name,
			Location: a.key.Path.String(),
		}
	}
	if upd.Threshold != nil && *upd.Threshold >= 0 {
		item.LowStockThreshold = *upd.Threshold
	}
	if upd.Name != "" {
		item.Name = upd.Name
	}

	before := item.CurrentStock
	switch upd.Operation {
	case OpSet:
		item.CurrentStock = upd.Quantity
	case OpIncrement:
		item.CurrentStock = before + upd.Quantity
	case OpDecrement:
		item.CurrentStock = before - upd.Quantity
		if item.CurrentStock < 0 {
			item.CurrentStock = 0
		}
	}
	item.LastUpdated = time.Now().UTC()

	ts := upd.Timestamp
	if ts.IsZero() {
		ts = item.LastUpdated
	}
	err := a.st.SaveItemWithTransaction(item, &store.Transaction{
		SKU:       item.SKU,
		Operation: upd.Operation,
		Quantity:  upd.Quantity,
		Timestamp: ts,
	})
	if err != nil {
		return nil, false, internalError(err)
	}
	a.inventory[item.SKU] = item

	aboveBefore := known && before > item.LowStockThreshold
	crossed := item.CurrentStock <= item.LowStockThreshold && (!known || aboveBefore)
	return item, crossed, nil
}

// propagateToParent forwards the update one level up, best-effort. The
// path strictly shortens, so propagation cannot cycle.
func (a *Agent) propagateToParent(upd InventoryUpdate) {
	if a.key.Path.IsRoot() || a.deps.Peers == nil {
		return
	}
	parent := a.key.Parent()
	upd.Location = a.key.Path.String()
	a.goPeer("propagate stock", func(ctx context.Context) error {
		return a.deps.Peers.PropagateStock(ctx, parent, upd)
	})
}

// handleLowStock runs the threshold chain: alert, parent notification,
// analysis, decision, approval, workflow dispatch. Runs inside the actor; every external
// call carries a deadline and a failure never aborts the stock update.
func (a *Agent) handleLowStock(item *store.InventoryItem) {
	severity := "warning"
	if item.CurrentStock == 0 {
		severity = "critical"
	}
	a.publish(frame(EvtLowStockAlert, map[string]any{
		"sku":          item.SKU,
		"currentStock": item.CurrentStock,
		"threshold":    item.LowStockThreshold,
		"location":     a.key.Path.String(),
		"severity":     severity,
	}))
	a.busSend("inventory.alerts", map[string]any{
		"sku":      item.SKU,
		"stock":    item.CurrentStock,
		"location": a.key.Path.String(),
		"severity": severity,
	})
	if !a.key.Path.IsRoot() && a.deps.Peers != nil {
		parent := a.key.Parent()
		from := a.key.Path.String()
		note := fmt.Sprintf("low stock: %s at %d (threshold %d)", item.SKU, item.CurrentStock, item.LowStockThreshold)
		a.goPeer("notify parent", func(ctx context.Context) error {
			return a.deps.Peers.SendMessage(ctx, parent, InboundMessage{
				From:    from,
				Content: note,
				Type:    store.MessageSystem,
			})
		})
	}

	analysis := a.analyzeItem(item)
	a.storeAnalysis(item, analysis)

	if !analysis.ShouldReorder {
		a.recordDecision(item.SKU, "no_action", analysis.Reasoning)
		return
	}

	needsApproval := analysis.Urgency == "critical" ||
		analysis.RecommendedQuantity > a.opts.ApprovalAmountThreshold
	decisionType := "reorder_auto"
	if needsApproval {
		approved := a.requestApproval(item, analysis)
		if !approved {
			a.recordDecision(item.SKU, "reorder_denied", "approval not granted: "+analysis.Reasoning)
			return
		}
		decisionType = "reorder_approved"
	}

	a.dispatchReorder(item, analysis)
	a.recordDecision(item.SKU, decisionType, analysis.Reasoning)
}

// analysisResult is the parsed trend analysis for one SKU.
type analysisResult struct {
	ShouldReorder       bool    `json:"shouldReorder"`
	Urgency             string  `json:"urgency"`
	RecommendedQuantity int64   `json:"recommendedQuantity"`
	Reasoning           string  `json:"reasoning"`
	Confidence          float64 `json:"confidence"`
}

var analysisSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"shouldReorder":       map[string]any{"type": "boolean"},
		"urgency":             map[string]any{"enum": []string{"low", "medium", "high", "critical"}},
		"recommendedQuantity": map[string]any{"type": "integer"},
		"reasoning":           map[string]any{"type": "string"},
		"confidence":          map[string]any{"type": "number"},
	},
	"required": []string{"shouldReorder", "urgency", "recommendedQuantity", "reasoning"},
}

// analyzeItem asks the model for a trend analysis, falling back to the
// deterministic local analysis when no model is bound or the call fails.
func (a *Agent) analyzeItem(item *store.InventoryItem) analysisResult {
	if a.deps.Model == nil {
		return a.fallbackAnalysis(item)
	}

	txns, _ := a.st.ListTransactions(item.SKU, 20)
	history, _ := json.Marshal(txns)
	prompt := fmt.Sprintf(
		"SKU %s at %s: current stock %d, low-stock threshold %d.\nRecent transactions: %s\nShould we reorder, how urgently, and how much?",
		item.SKU, a.key.Path.String(), item.CurrentStock, item.LowStockThreshold, history)

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ModelTimeout)
	defer cancel()
	res, err := a.deps.Model.Run(ctx, a.opts.ModelName, []collab.Message{
		{Role: "system", Content: "You are an inventory analyst. Reply with JSON only."},
		{Role: "user", Content: prompt},
	}, analysisSchema)
	if err != nil || res.Parsed == nil {
		if err != nil {
			a.logger.Warn("analysis model call failed", "sku", item.SKU, "error", err)
		}
		return a.fallbackAnalysis(item)
	}

	parsed := a.fallbackAnalysis(item)
	if v, ok := res.Parsed["shouldReorder"].(bool); ok {
		parsed.ShouldReorder = v
	}
	if v, ok := res.Parsed["urgency"].(string); ok && v != "" {
		parsed.Urgency = v
	}
	if v, ok := res.Parsed["recommendedQuantity"].(float64); ok && v >= 0 {
		parsed.RecommendedQuantity = int64(v)
	}
	if v, ok := res.Parsed["reasoning"].(string); ok && v != "" {
		parsed.Reasoning = v
	}
	if v, ok := res.Parsed["confidence"].(float64); ok {
		parsed.Confidence = v
	}
	return parsed
}

// fallbackAnalysis is the deterministic analysis used when the model is
// unavailable. Reorder up to twice the threshold (at least 10 units);
// urgency is critical at zero stock and high otherwise.
func (a *Agent) fallbackAnalysis(item *store.InventoryItem) analysisResult {
	qty := item.LowStockThreshold*2 - item.CurrentStock
	if qty < 10 {
		qty = 10
	}
	urgency := "high"
	if item.CurrentStock == 0 {
		urgency = "critical"
	}
	return analysisResult{
		ShouldReorder:       true,
		Urgency:             urgency,
		RecommendedQuantity: qty,
		Reasoning: fmt.Sprintf("stock %d at or below threshold %d",
			item.CurrentStock, item.LowStockThreshold),
		Confidence: 0.5,
	}
}

// storeAnalysis persists the analysis row and feeds the vector store so
// later insight queries can surface similar situations.
func (a *Agent) storeAnalysis(item *store.InventoryItem, res analysisResult) {
	blob, _ := json.Marshal(res)
	id, err := a.st.InsertAnalysis(&store.Analysis{
		SKU:        item.SKU,
		Analysis:   string(blob),
		Confidence: res.Confidence,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("store analysis failed", "sku", item.SKU, "error", err)
		return
	}

	if a.deps.Vectors != nil {
		vec := analysisVector(item, res)
		vecID := fmt.Sprintf("analysis-%d", id)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.deps.Vectors.Insert(ctx, vecID, vec, map[string]any{
				"sku":     item.SKU,
				"urgency": res.Urgency,
			}); err != nil {
				a.logger.Debug("vector insert failed", "id", vecID, "error", err)
			}
		}()
	}
}

// analysisVector featurizes an analysis for similarity lookup.
func analysisVector(item *store.InventoryItem, res analysisResult) []float64 {
	urgency := map[string]float64{"low": 0.25, "medium": 0.5, "high": 0.75, "critical": 1}[res.Urgency]
	return []float64{
		float64(item.CurrentStock + 1),
		float64(item.LowStockThreshold + 1),
		float64(res.RecommendedQuantity + 1),
		urgency + 0.1,
		res.Confidence + 0.1,
	}
}

// requestApproval runs the approval hook with a bounded deadline.
// No hook configured means auto-approve without waiting.
func (a *Agent) requestApproval(item *store.InventoryItem, res analysisResult) bool {
	if a.deps.Approver == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ApprovalWait+10*time.Second)
	defer cancel()
	approved, err := a.deps.Approver.Request(ctx, approvalRequest(a.key.Path.String(), item, res))
	if err != nil {
		a.logger.Warn("approval request failed", "sku", item.SKU, "error", err)
		return false
	}
	return approved
}

// dispatchReorder enqueues the reorder workflow, non-blocking.
func (a *Agent) dispatchReorder(item *store.InventoryItem, res analysisResult) {
	if a.deps.Workflows == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := a.deps.Workflows.Create(ctx, "reorder-workflow", map[string]any{
		"sku":      item.SKU,
		"location": a.key.Path.String(),
		"quantity": res.RecommendedQuantity,
		"urgency":  res.Urgency,
	})
	if err != nil {
		a.logger.Warn("reorder dispatch failed", "sku", item.SKU, "error", err)
		return
	}
	a.logger.Info("reorder dispatched", "sku", item.SKU, "workflow", id, "quantity", res.RecommendedQuantity)
}

// recordDecision writes one inventory_decisions row.
func (a *Agent) recordDecision(sku, decisionType, reasoning string) {
	_, err := a.st.InsertDecision(&store.Decision{
		SKU:          sku,
		DecisionType: decisionType,
		Reasoning:    reasoning,
		Timestamp:    time.Now().UTC(),
	})
	if err != nil {
		a.logger.Warn("store decision failed", "sku", sku, "error", err)
	}
}

// StockQuery returns one SKU's position, or NOT_FOUND.
func (a *Agent) StockQuery(ctx context.Context, sku string) (*store.InventoryItem, error) {
	sku = strings.TrimSpace(sku)
	v, err := a.perform(ctx, false, func() (any, error) {
		item, ok := a.inventory[sku]
		if !ok {
			return nil, notFoundError("unknown sku %q", sku)
		}
		return item, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.InventoryItem), nil
}

// InventorySync applies a batch of updates sequentially. Per-item
// failures never abort the batch; at most ten error strings are kept.
func (a *Agent) InventorySync(ctx context.Context, updates []InventoryUpdate) (*SyncResult, error) {
	result := &SyncResult{}
	for _, upd := range updates {
		if _, err := a.StockUpdate(ctx, upd); err != nil {
			result.Failed++
			if len(result.Errors) < 10 {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", upd.SKU, AsError(err).Message))
			}
			continue
		}
		result.Successful++
	}
	return result, nil
}

// Alerts lists every item at or below its threshold.
func (a *Agent) Alerts(ctx context.Context) (*AlertsView, error) {
	v, err := a.perform(ctx, false, func() (any, error) {
		view := &AlertsView{Alerts: []Alert{}}
		for _, it := range a.inventory {
			if it.CurrentStock > it.LowStockThreshold {
				continue
			}
			severity := "warning"
			if it.CurrentStock == 0 {
				severity = "critical"
				view.CriticalAlerts++
			}
			view.Alerts = append(view.Alerts, Alert{
				SKU:          it.SKU,
				Name:         it.Name,
				CurrentStock: it.CurrentStock,
				Threshold:    it.LowStockThreshold,
				Severity:     severity,
			})
		}
		sortAlerts(view.Alerts)
		view.TotalAlerts = len(view.Alerts)
		return view, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AlertsView), nil
}
