package store

import "testing"

func TestSupersedes(t *testing.T) {
	cases := []struct {
		name         string
		version      int64
		origin       string
		tombstone    bool
		curVersion   int64
		curOrigin    string
		curTombstone bool
		want         bool
	}{
		{"higher version wins", 3, "a", false, 2, "b", false, true},
		{"lower version loses", 2, "z", false, 3, "a", false, false},
		{"tie broken by origin", 2, "machine-b", false, 2, "machine-a", false, true},
		{"tie loses to greater origin", 2, "machine-a", false, 2, "machine-b", false, false},
		{"identical write never supersedes", 2, "machine-a", false, 2, "machine-a", false, false},
		{"tombstone wins version tie", 3, "machine-a", true, 3, "machine-b", false, true},
		{"live write never resurrects a tombstone", 3, "machine-z", false, 3, "machine-a", true, false},
		{"higher live version replaces a tombstone", 4, "machine-a", false, 3, "machine-b", true, true},
		{"tombstone tie broken by origin", 3, "machine-b", true, 3, "machine-a", true, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Supersedes(tc.version, tc.origin, tc.tombstone, tc.curVersion, tc.curOrigin, tc.curTombstone)
			if got != tc.want {
				t.Fatalf("Supersedes(%d,%q,%v,%d,%q,%v) = %v, want %v",
					tc.version, tc.origin, tc.tombstone, tc.curVersion, tc.curOrigin, tc.curTombstone, got, tc.want)
			}
		})
	}
}

func TestNewItemIDUnique(t *testing.T) {
	content := []byte("same content")
	a := NewItemID(content)
	b := NewItemID(content)
	if len(a) != 32 {
		t.Fatalf("id length = %d, want 32 hex chars", len(a))
	}
	if a == b {
		t.Fatal("identical content produced identical ids; salt missing")
	}
}

func TestCategoryValid(t *testing.T) {
	for _, cat := range Categories {
		if !cat.Valid() {
			t.Errorf("category %q should be valid", cat)
		}
	}
	if Category("gossip").Valid() {
		t.Error("unknown category accepted")
	}
}

func TestScopeReplicates(t *testing.T) {
	if ScopeLocal.Replicates() || ScopeMachine.Replicates() {
		t.Error("local and machine scopes must never replicate")
	}
	if !ScopeProject.Replicates() || !ScopeNetworkShared.Replicates() {
		t.Error("project and network-shared scopes must replicate")
	}
}
