package prompt

// Recount refreshes the derived counters of meta and data from the sections.
func Recount(meta PromptMetadata, data PromptData) (PromptMetadata, PromptData) {
	tokens := CountTokens(data)
	data.TokenCount = tokens
	meta.TokenCount = tokens
	meta.SectionCount = len(data.Sections)
	return meta, data
}

// ToCloud projects a local prompt into the remote upsert shape. Counts are
// recomputed so the remote never sees a stale cache.
func ToCloud(meta PromptMetadata, data PromptData) CloudPromptUpsert {
	meta, data = Recount(meta, Clone(data))
	return CloudPromptUpsert{
		ID:              meta.ID,
		Title:           meta.Title,
		Description:     meta.Description,
		SectionCount:    meta.SectionCount,
		TokenCount:      meta.TokenCount,
		Data:            data,
		ClientCreatedAt: meta.CreatedAt,
		ClientUpdatedAt: meta.UpdatedAt,
	}
}

// FromCloud turns a remote record back into local metadata and body.
// Share fields are local-only and are not carried.
func FromCloud(upsert CloudPromptUpsert) (PromptMetadata, PromptData) {
	meta := PromptMetadata{
		ID:          upsert.ID,
		Title:       upsert.Title,
		Description: upsert.Description,
		CreatedAt:   upsert.ClientCreatedAt,
		UpdatedAt:   upsert.ClientUpdatedAt,
	}
	return Recount(meta, Clone(upsert.Data))
}
