package search

import (
	"testing"

	"clipvault/internal/database"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func textEntry(id int64, content string) database.TextEntry {
	return database.TextEntry{ID: id, Kind: database.KindText, Content: content}
}

func mustIndex(t *testing.T, idx *Index, entries ...database.TextEntry) {
	t.Helper()
	for _, e := range entries {
		if err := idx.IndexEntry(e); err != nil {
			t.Fatalf("IndexEntry %d: %v", e.ID, err)
		}
	}
}

func idSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func TestSearchANDSemantics(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx,
		textEntry(1, "hello world"),
		textEntry(2, "hello there"),
	)

	ids, err := idx.Search("hello", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); !set[1] || !set[2] {
		t.Fatalf("query 'hello' matched %v, want both items", ids)
	}

	ids, err = idx.Search("hello world", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); len(ids) != 1 || !set[1] {
		t.Fatalf("query 'hello world' matched %v, want only item 1", ids)
	}

	ids, err = idx.Search("goodbye", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("query 'goodbye' matched %v, want none", ids)
	}
}

func TestSearchPhrase(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx,
		textEntry(1, "the quick brown fox"),
		textEntry(2, "brown the quick fox"),
	)

	ids, err := idx.Search(`"quick brown"`, 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); len(ids) != 1 || !set[1] {
		t.Fatalf("phrase query matched %v, want only item 1", ids)
	}

	// Phrases are whole tokens in order; a mid-word fragment is not a
	// substring scan and matches nothing.
	ids, err = idx.Search(`"ick bro"`, 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("mid-token fragment matched %v, want none", ids)
	}
}

func TestSearchEmptyAndWhitespaceQueries(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx, textEntry(1, "content"))

	for _, q := range []string{"", "   ", "\t\n"} {
		ids, err := idx.Search(q, 10, Filters{})
		if err != nil {
			t.Fatalf("Search(%q): %v", q, err)
		}
		if len(ids) != 0 {
			t.Fatalf("Search(%q) matched %v, want none", q, ids)
		}
	}
}

func TestSearchUnicode(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx,
		textEntry(1, "héllo wörld 🎉 combining é"),
		textEntry(2, "日本語のテキスト"),
	)

	ids, err := idx.Search("wörld", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); !set[1] {
		t.Fatalf("unicode query matched %v", ids)
	}

	if _, err := idx.Search("🎉", 10, Filters{}); err != nil {
		t.Fatalf("emoji query must not error: %v", err)
	}
}

func TestSearchExcludesSecretByDefault(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx,
		textEntry(1, "visible note"),
		database.TextEntry{ID: 2, Kind: database.KindText, Name: "secret note", IsSecret: true},
	)

	ids, err := idx.Search("note", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); set[2] {
		t.Fatalf("secret item leaked into default search: %v", ids)
	}

	ids, err = idx.Search("note", 10, Filters{IncludeSecret: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); !set[2] {
		t.Fatalf("secret item missing with IncludeSecret: %v", ids)
	}
}

func TestSearchFilters(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx,
		database.TextEntry{ID: 1, Kind: database.KindText, Content: "report draft", Favorite: true, TagNames: []string{"work"}},
		database.TextEntry{ID: 2, Kind: database.KindText, Content: "report final", TagNames: []string{"work", "urgent"}},
		database.TextEntry{ID: 3, Kind: database.KindImage, Name: "report screenshot"},
	)

	ids, err := idx.Search("report", 10, Filters{Kind: database.KindText})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); len(ids) != 2 || set[3] {
		t.Fatalf("kind filter matched %v", ids)
	}

	ids, err = idx.Search("report", 10, Filters{FavoriteOnly: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); len(ids) != 1 || !set[1] {
		t.Fatalf("favorite filter matched %v", ids)
	}

	ids, err = idx.Search("report", 10, Filters{Tags: []string{"work", "urgent"}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); len(ids) != 2 || set[3] {
		t.Fatalf("match-any tags matched %v", ids)
	}

	ids, err = idx.Search("report", 10, Filters{Tags: []string{"work", "urgent"}, TagMatchAll: true})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); len(ids) != 1 || !set[2] {
		t.Fatalf("match-all tags matched %v", ids)
	}
}

func TestSearchMatchesNameAndTagsForBinaryItems(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx,
		database.TextEntry{ID: 1, Kind: database.KindImage, Name: "vacation photo", TagNames: []string{"travel"}},
	)

	ids, err := idx.Search("vacation", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); !set[1] {
		t.Fatalf("name match failed: %v", ids)
	}

	ids, err = idx.Search("travel", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if set := idSet(ids); !set[1] {
		t.Fatalf("tag match failed: %v", ids)
	}
}

func TestDeleteRemovesFromIndex(t *testing.T) {
	idx := newTestIndex(t)
	mustIndex(t, idx, textEntry(1, "ephemeral"))

	if err := idx.Delete(1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ids, err := idx.Search("ephemeral", 10, Filters{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("deleted item still matches: %v", ids)
	}
}
