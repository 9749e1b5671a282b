package vector

import (
	"context"
	"testing"
)

func TestQueryRanksByCosineSimilarity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.Insert(ctx, "aligned", []float64{1, 0, 0}, map[string]any{"k": "a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(ctx, "orthogonal", []float64{0, 1, 0}, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Insert(ctx, "close", []float64{0.9, 0.1, 0}, nil); err != nil {
		t.Fatal(err)
	}

	matches, err := m.Query(ctx, []float64{1, 0, 0}, 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].ID != "aligned" || matches[1].ID != "close" {
		t.Errorf("ranking = [%s %s], want [aligned close]", matches[0].ID, matches[1].ID)
	}
	if matches[0].Metadata["k"] != "a" {
		t.Errorf("metadata not returned: %v", matches[0].Metadata)
	}
}

func TestQuerySkipsMismatchedDimensions(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Insert(ctx, "short", []float64{1}, nil); err != nil {
		t.Fatal(err)
	}
	matches, err := m.Query(ctx, []float64{1, 0}, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("mismatched-dimension entry matched: %v", matches)
	}
}

func TestInsertEmptyVectorRejected(t *testing.T) {
	m := NewMemory()
	if err := m.Insert(context.Background(), "x", nil, nil); err == nil {
		t.Error("empty vector accepted")
	}
}

func TestDeleteByIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Insert(ctx, "a", []float64{1}, nil)
	m.Insert(ctx, "b", []float64{1}, nil)

	if err := m.DeleteByIDs(ctx, []string{"a", "ghost"}); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 1 {
		t.Errorf("len after delete = %d, want 1", m.Len())
	}
}
