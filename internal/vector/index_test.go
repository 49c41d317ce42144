package vector

import (
	"context"
	"testing"
)

func TestUpsertVersionDiscipline(t *testing.T) {
	ix := NewIndex()
	ix.Upsert("aaaa", 2, []float32{1, 0, 0})
	// A stale upsert never replaces a newer vector.
	ix.Upsert("aaaa", 1, []float32{0, 1, 0})
	v, ok := ix.Version("aaaa")
	if !ok || v != 2 {
		t.Fatalf("version = %d ok=%v, want 2", v, ok)
	}
	ix.Upsert("aaaa", 3, []float32{0, 0, 1})
	if v, _ := ix.Version("aaaa"); v != 3 {
		t.Fatalf("version after newer upsert = %d, want 3", v)
	}
	if ix.Len() != 1 {
		t.Fatalf("len = %d, one id must hold one vector", ix.Len())
	}
}

func TestSearchOrdersByScore(t *testing.T) {
	ix := NewIndex()
	ix.Upsert("exact", 1, []float32{1, 0, 0})
	ix.Upsert("close", 1, []float32{0.9, 0.1, 0})
	ix.Upsert("orthogonal", 1, []float32{0, 1, 0})

	hits, err := ix.Search(context.Background(), []float32{1, 0, 0}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits = %d, want 3", len(hits))
	}
	if hits[0].ID != "exact" || hits[1].ID != "close" || hits[2].ID != "orthogonal" {
		t.Fatalf("order = %s, %s, %s", hits[0].ID, hits[1].ID, hits[2].ID)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatal("scores not descending")
	}

	hits, _ = ix.Search(context.Background(), []float32{1, 0, 0}, 1, nil)
	if len(hits) != 1 || hits[0].ID != "exact" {
		t.Fatalf("k=1 hits = %v", hits)
	}
	hits, _ = ix.Search(context.Background(), []float32{1, 0, 0}, 0, nil)
	if len(hits) != 0 {
		t.Fatal("k=0 must return nothing")
	}
}

func TestSearchFilterAndRemove(t *testing.T) {
	ix := NewIndex()
	ix.Upsert("keep", 1, []float32{1, 0})
	ix.Upsert("skip", 1, []float32{1, 0})

	hits, err := ix.Search(context.Background(), []float32{1, 0}, 10,
		func(id string, version int64) bool { return id != "skip" })
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "keep" {
		t.Fatalf("filtered hits = %v", hits)
	}

	ix.Remove("keep")
	if _, ok := ix.Version("keep"); ok {
		t.Fatal("removed id still indexed")
	}
	hits, _ = ix.Search(context.Background(), []float32{1, 0}, 10, nil)
	if len(hits) != 1 {
		t.Fatalf("hits after remove = %d, want 1", len(hits))
	}
}

func TestSearchSkipsMismatchedDimensions(t *testing.T) {
	ix := NewIndex()
	ix.Upsert("old-engine", 1, []float32{1, 0, 0, 0})
	ix.Upsert("current", 1, []float32{1, 0})

	hits, err := ix.Search(context.Background(), []float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "current" {
		t.Fatalf("hits = %v, mismatched vector must be skipped", hits)
	}
}
