package search

import (
	"context"
	"testing"

	"promptdock/internal/localstore"
	"promptdock/internal/prompt"
)

type fakeLibrary struct {
	metas  []prompt.PromptMetadata
	bodies map[string]prompt.PromptData
}

func (f *fakeLibrary) List(context.Context) []prompt.PromptMetadata {
	return append([]prompt.PromptMetadata(nil), f.metas...)
}

func (f *fakeLibrary) Load(_ context.Context, id string) (prompt.PromptData, bool) {
	data, ok := f.bodies[id]
	return data, ok
}

func (f *fakeLibrary) Subscribe() (<-chan localstore.Change, func()) {
	ch := make(chan localstore.Change)
	return ch, func() { close(ch) }
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{
		metas: []prompt.PromptMetadata{
			{ID: "a", Title: "Code review checklist", Description: "Review pull requests", UpdatedAt: 300},
			{ID: "b", Title: "Release notes writer", UpdatedAt: 200},
			{ID: "c", Title: "Bug triage", Description: "Classify incoming reports", UpdatedAt: 100},
		},
		bodies: map[string]prompt.PromptData{
			"b": {Sections: []prompt.Section{{ID: "s", Content: "Summarize merged changes.", Enabled: true}}},
		},
	}
}

func TestServiceFallsBackToFuzzy(t *testing.T) {
	svc := NewService(nil, newFakeLibrary(), nil)

	resp := svc.Search(context.Background(), Query{Text: "review"})
	if resp.Backend != "fuzzy" {
		t.Fatalf("expected fuzzy backend, got %q", resp.Backend)
	}
	if resp.Total == 0 || resp.Results[0].ID != "a" {
		t.Fatalf("expected code review prompt first, got %+v", resp.Results)
	}
	if resp.Results[0].Snippet != "Review pull requests" {
		t.Fatalf("unexpected snippet %q", resp.Results[0].Snippet)
	}
}

func TestFuzzyEmptyQueryListsNewestFirst(t *testing.T) {
	lib := newFakeLibrary()
	svc := NewService(nil, lib, nil)

	resp := svc.Search(context.Background(), Query{})
	if resp.Total != 3 {
		t.Fatalf("expected all prompts, got %d", resp.Total)
	}
	got := []string{resp.Results[0].ID, resp.Results[1].ID, resp.Results[2].ID}
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("unexpected order %v", got)
	}
	if resp.Results[1].Snippet != "Summarize merged changes." {
		t.Fatalf("expected body snippet, got %q", resp.Results[1].Snippet)
	}
}

func TestFuzzyPaging(t *testing.T) {
	records := []PromptRecord{
		{ID: "1", Title: "one", UpdatedAt: 3},
		{ID: "2", Title: "two", UpdatedAt: 2},
		{ID: "3", Title: "three", UpdatedAt: 1},
	}

	results, total := Fuzzy(records, Query{Limit: 2, Offset: 1})
	if total != 3 || len(results) != 2 || results[0].ID != "2" {
		t.Fatalf("unexpected page total=%d results=%+v", total, results)
	}
	results, total = Fuzzy(records, Query{Offset: 10})
	if total != 3 || len(results) != 0 {
		t.Fatalf("expected empty page, got total=%d results=%+v", total, results)
	}
}

func TestFuzzyNoMatch(t *testing.T) {
	results, total := Fuzzy([]PromptRecord{{ID: "1", Title: "alpha"}}, Query{Text: "zzz"})
	if total != 0 || len(results) != 0 {
		t.Fatalf("expected no matches, got %+v", results)
	}
}
