package store

import (
	"fmt"
	"time"
)

// Analysis is one stored trend-analysis result. The Analysis field holds
// the model's JSON verbatim.
type Analysis struct {
	ID         int64     `json:"id"`
	SKU        string    `json:"sku"`
	Location   string    `json:"location"`
	Analysis   string    `json:"analysis"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Decision records why the agent acted (or declined to act) on a SKU.
type Decision struct {
	ID           int64     `json:"id"`
	SKU          string    `json:"sku"`
	Location     string    `json:"location"`
	DecisionType string    `json:"decisionType"`
	Reasoning    string    `json:"reasoning"`
	Timestamp    time.Time `json:"timestamp"`
}

// Forecast is one demand forecast row.
type Forecast struct {
	ID              int64     `json:"id"`
	SKU             string    `json:"sku"`
	Location        string    `json:"location"`
	PredictedDemand int64     `json:"predictedDemand"`
	Confidence      float64   `json:"confidence"`
	TrendDirection  string    `json:"trendDirection"`
	Reasoning       string    `json:"reasoning"`
	ForecastDate    time.Time `json:"forecastDate"`
}

// InsertAnalysis appends an analysis row and returns its id.
func (s *Store) InsertAnalysis(a *Analysis) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO inventory_analysis (sku, location, analysis, confidence, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, a.SKU, s.location, a.Analysis, a.Confidence, a.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert analysis: %w", err)
	}
	return res.LastInsertId()
}

// RecentAnalyses returns the newest analyses for this location.
func (s *Store) RecentAnalyses(limit int) ([]*Analysis, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, sku, location, analysis, confidence, timestamp
		FROM inventory_analysis
		WHERE location = ? ORDER BY timestamp DESC, id DESC LIMIT ?
	`, s.location, limit)
	if err != nil {
		return nil, fmt.Errorf("recent analyses: %w", err)
	}
	defer rows.Close()

	var out []*Analysis
	for rows.Next() {
		var a Analysis
		var tsStr string
		if err := rows.Scan(&a.ID, &a.SKU, &a.Location, &a.Analysis, &a.Confidence, &tsStr); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		a.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// InsertDecision appends a decision row and returns its id.
func (s *Store) InsertDecision(d *Decision) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO inventory_decisions (sku, location, decision_type, reasoning, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, d.SKU, s.location, d.DecisionType, d.Reasoning, d.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert decision: %w", err)
	}
	return res.LastInsertId()
}

// RecentDecisions returns the newest decisions for this location.
func (s *Store) RecentDecisions(limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, sku, location, decision_type, reasoning, timestamp
		FROM inventory_decisions
		WHERE location = ? ORDER BY timestamp DESC, id DESC LIMIT ?
	`, s.location, limit)
	if err != nil {
		return nil, fmt.Errorf("recent decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		var d Decision
		var tsStr string
		if err := rows.Scan(&d.ID, &d.SKU, &d.Location, &d.DecisionType, &d.Reasoning, &tsStr); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Timestamp, _ = time.Parse(time.RFC3339, tsStr)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// InsertForecast appends a forecast row and returns its id.
func (s *Store) InsertForecast(f *Forecast) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO demand_forecasts (sku, location, predicted_demand, confidence, trend_direction, reasoning, forecast_date)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.SKU, s.location, f.PredictedDemand, f.Confidence, f.TrendDirection, f.Reasoning,
		f.ForecastDate.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("insert forecast: %w", err)
	}
	return res.LastInsertId()
}

// RecentForecasts returns the newest forecasts for this location.
func (s *Store) RecentForecasts(limit int) ([]*Forecast, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, sku, location, predicted_demand, confidence, trend_direction, reasoning, forecast_date
		FROM demand_forecasts
		WHERE location = ? ORDER BY forecast_date DESC, id DESC LIMIT ?
	`, s.location, limit)
	if err != nil {
		return nil, fmt.Errorf("recent forecasts: %w", err)
	}
	defer rows.Close()

	var out []*Forecast
	for rows.Next() {
		var f Forecast
		var dateStr string
		if err := rows.Scan(&f.ID, &f.SKU, &f.Location, &f.PredictedDemand, &f.Confidence, &f.TrendDirection, &f.Reasoning, &dateStr); err != nil {
			return nil, fmt.Errorf("scan forecast: %w", err)
		}
		f.ForecastDate, _ = time.Parse(time.RFC3339, dateStr)
		out = append(out, &f)
	}
	return out, rows.Err()
}
