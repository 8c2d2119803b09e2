package search

import (
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// corpus adapts prompt records to fuzzy.Source, matching on title and
// description only since bodies are too long for subsequence scoring.
type corpus []PromptRecord

func (c corpus) String(i int) string {
	return c[i].Title + " " + c[i].Description
}

func (c corpus) Len() int {
	return len(c)
}

// Fuzzy searches an in-memory slice of records.
func Fuzzy(records []PromptRecord, q Query) ([]Result, int) {
	q = normalize(q)

	var ranked []PromptRecord
	if strings.TrimSpace(q.Text) == "" {
		ranked = append(ranked, records...)
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].UpdatedAt > ranked[j].UpdatedAt
		})
	} else {
		for _, match := range fuzzy.FindFrom(q.Text, corpus(records)) {
			ranked = append(ranked, records[match.Index])
		}
	}

	total := len(ranked)
	if q.Offset >= total {
		return []Result{}, total
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}

	results := make([]Result, 0, end-q.Offset)
	for _, record := range ranked[q.Offset:end] {
		results = append(results, Result{
			ID:        record.ID,
			Title:     record.Title,
			Snippet:   snippet(record),
			UpdatedAt: record.UpdatedAt,
		})
	}
	return results, total
}

func snippet(record PromptRecord) string {
	text := record.Description
	if strings.TrimSpace(text) == "" {
		text = record.Body
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > 120 {
		return string(runes[:120]) + "…"
	}
	return string(runes)
}
