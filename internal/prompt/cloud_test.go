package prompt

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestToCloudRecomputesCounts(t *testing.T) {
	meta := PromptMetadata{ID: "p1", Title: "Title", CreatedAt: 10, UpdatedAt: 20, SectionCount: 99, TokenCount: 99}
	data := PromptData{Sections: []Section{
		{ID: "a", Content: "abcdefgh", Enabled: true},
		{ID: "b", Content: "ignored", Enabled: false},
	}}

	upsert := ToCloud(meta, data)
	if upsert.SectionCount != 2 || upsert.TokenCount != 2 {
		t.Fatalf("expected counts 2/2, got %d/%d", upsert.SectionCount, upsert.TokenCount)
	}
	if upsert.ClientCreatedAt != 10 || upsert.ClientUpdatedAt != 20 {
		t.Fatalf("unexpected timestamps %d/%d", upsert.ClientCreatedAt, upsert.ClientUpdatedAt)
	}

	gotMeta, gotData := FromCloud(upsert)
	if gotMeta.UpdatedAt != 20 || gotMeta.SectionCount != 2 {
		t.Fatalf("unexpected metadata %+v", gotMeta)
	}
	if diff := cmp.Diff(data.Sections, gotData.Sections); diff != "" {
		t.Fatalf("sections mismatch (-want +got):\n%s", diff)
	}
}
