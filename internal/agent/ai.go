package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/blakebauman/fleetd/internal/approval"
	"github.com/blakebauman/fleetd/internal/collab"
	"github.com/blakebauman/fleetd/internal/store"
)

// AnalyzeSKU runs the trend-analysis flow for one SKU on demand and
// returns the stored insight.
func (a *Agent) AnalyzeSKU(ctx context.Context, sku string) (map[string]any, error) {
	v, err := a.perform(ctx, true, func() (any, error) {
		item, ok := a.inventory[sku]
		if !ok {
			return nil, notFoundError("unknown sku %q", sku)
		}
		res := a.analyzeItem(item)
		a.storeAnalysis(item, res)
		return map[string]any{
			"insights": res,
			"sku":      sku,
			"location": a.key.Path.String(),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// forecastSchema shapes the model's demand forecast reply.
var forecastSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"predictedDemand": map[string]any{"type": "integer"},
		"confidence":      map[string]any{"type": "number"},
		"trendDirection":  map[string]any{"enum": []string{"rising", "falling", "stable"}},
		"reasoning":       map[string]any{"type": "string"},
	},
	"required": []string{"predictedDemand", "trendDirection"},
}

// Forecast produces demand forecasts for the given SKUs (all inventory
// when empty), stores them, and returns the recent forecast rows.
func (a *Agent) Forecast(ctx context.Context, skus []string) ([]*store.Forecast, error) {
	v, err := a.perform(ctx, true, func() (any, error) {
		if len(skus) == 0 {
			for sku := range a.inventory {
				skus = append(skus, sku)
			}
			sort.Strings(skus)
		}

		now := time.Now().UTC()
		for _, sku := range skus {
			item, ok := a.inventory[sku]
			if !ok {
				continue
			}
			f := a.forecastItem(item)
			f.ForecastDate = now
			if _, err := a.st.InsertForecast(f); err != nil {
				a.logger.Warn("store forecast failed", "sku", sku, "error", err)
			}
		}

		recent, err := a.st.RecentForecasts(len(skus) + 10)
		if err != nil {
			return nil, internalError(err)
		}
		if recent == nil {
			recent = []*store.Forecast{}
		}
		return recent, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*store.Forecast), nil
}

// forecastItem asks the model for a demand forecast, with a
// deterministic fallback derived from recent outflow.
func (a *Agent) forecastItem(item *store.InventoryItem) *store.Forecast {
	fallback := a.fallbackForecast(item)
	if a.deps.Model == nil {
		return fallback
	}

	txns, _ := a.st.ListTransactions(item.SKU, 30)
	history, _ := json.Marshal(txns)
	prompt := fmt.Sprintf(
		"SKU %s at %s: stock %d, threshold %d.\nTransactions: %s\nForecast demand for the next period.",
		item.SKU, a.key.Path.String(), item.CurrentStock, item.LowStockThreshold, history)

	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ModelTimeout)
	defer cancel()
	res, err := a.deps.Model.Run(ctx, a.opts.ModelName, []collab.Message{
		{Role: "system", Content: "You are a demand forecaster. Reply with JSON only."},
		{Role: "user", Content: prompt},
	}, forecastSchema)
	if err != nil || res.Parsed == nil {
		if err != nil {
			a.logger.Warn("forecast model call failed", "sku", item.SKU, "error", err)
		}
		return fallback
	}

	if v, ok := res.Parsed["predictedDemand"].(float64); ok && v >= 0 {
		fallback.PredictedDemand = int64(v)
	}
	if v, ok := res.Parsed["confidence"].(float64); ok {
		fallback.Confidence = v
	}
	if v, ok := res.Parsed["trendDirection"].(string); ok && v != "" {
		fallback.TrendDirection = v
	}
	if v, ok := res.Parsed["reasoning"].(string); ok && v != "" {
		fallback.Reasoning = v
	}
	return fallback
}

// fallbackForecast derives a forecast from recent decrement volume.
func (a *Agent) fallbackForecast(item *store.InventoryItem) *store.Forecast {
	txns, _ := a.st.ListTransactions(item.SKU, 30)
	var outflow int64
	for _, t := range txns {
		if t.Operation == OpDecrement {
			outflow += t.Quantity
		}
	}
	predicted := outflow
	if predicted == 0 {
		predicted = item.LowStockThreshold
	}
	trend := "stable"
	if item.CurrentStock <= item.LowStockThreshold {
		trend = "falling"
	}
	return &store.Forecast{
		SKU:             item.SKU,
		PredictedDemand: predicted,
		Confidence:      0.4,
		TrendDirection:  trend,
		Reasoning:       fmt.Sprintf("recent outflow %d across %d transactions", outflow, len(txns)),
	}
}

// Insights returns recent analyses, decisions, and forecasts with a
// short textual summary. When a vector store is bound, similar past
// analyses enrich the result; an absent binding yields empty similarity.
func (a *Agent) Insights(ctx context.Context) (map[string]any, error) {
	v, err := a.perform(ctx, false, func() (any, error) {
		analyses, err := a.st.RecentAnalyses(10)
		if err != nil {
			return nil, internalError(err)
		}
		decisions, err := a.st.RecentDecisions(10)
		if err != nil {
			return nil, internalError(err)
		}
		forecasts, err := a.st.RecentForecasts(10)
		if err != nil {
			return nil, internalError(err)
		}

		similar := []collab.VectorMatch{}
		if a.deps.Vectors != nil && len(analyses) > 0 {
			var latest analysisResult
			_ = json.Unmarshal([]byte(analyses[0].Analysis), &latest)
			if item, ok := a.inventory[analyses[0].SKU]; ok {
				qctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				matches, qerr := a.deps.Vectors.Query(qctx, analysisVector(item, latest), 5, true)
				cancel()
				if qerr == nil {
					similar = matches
				}
			}
		}

		summary := fmt.Sprintf("%d analyses, %d decisions, %d forecasts on record for %s",
			len(analyses), len(decisions), len(forecasts), a.key.Path.String())

		if analyses == nil {
			analyses = []*store.Analysis{}
		}
		if decisions == nil {
			decisions = []*store.Decision{}
		}
		if forecasts == nil {
			forecasts = []*store.Forecast{}
		}
		return map[string]any{
			"analyses":  analyses,
			"decisions": decisions,
			"forecasts": forecasts,
			"similar":   similar,
			"summary":   summary,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// approvalRequest shapes the approval payload for a reorder.
func approvalRequest(location string, item *store.InventoryItem, res analysisResult) approval.Request {
	return approval.Request{
		SKU:      item.SKU,
		Location: location,
		Quantity: res.RecommendedQuantity,
		Urgency:  res.Urgency,
		Reason:   res.Reasoning,
	}
}

// sortItems orders inventory snapshots by SKU.
func sortItems(items []*store.InventoryItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].SKU < items[j].SKU })
}

// sortAlerts orders alerts critical-first, then by SKU.
func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Severity != alerts[j].Severity {
			return alerts[i].Severity == "critical"
		}
		return alerts[i].SKU < alerts[j].SKU
	})
}
