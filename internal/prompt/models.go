// Package prompt holds the prompt document model and the pure helpers that
// the editor, the copy path and the sync engine share.
package prompt

// Section is one titled block of a prompt. ID is fixed once created.
type Section struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Enabled   bool   `json:"enabled"`
	Collapsed bool   `json:"collapsed"`
}

// PromptData is the full editable body of one prompt. TokenCount is a
// derived cache and is recomputed on every save.
type PromptData struct {
	Title                 string    `json:"title,omitempty"`
	Sections              []Section `json:"sections"`
	Instructions          string    `json:"instructions,omitempty"`
	InstructionsCollapsed bool      `json:"instructionsCollapsed,omitempty"`
	TokenCount            int       `json:"tokenCount,omitempty"`
}

// PromptMetadata is the listable summary of a prompt. Timestamps are epoch
// milliseconds set by this device.
type PromptMetadata struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	SectionCount int    `json:"sectionCount"`
	TokenCount   int    `json:"tokenCount"`
	ShareToken   string `json:"shareToken,omitempty"`
	SharedAt     int64  `json:"sharedAt,omitempty"`
	SharedBy     string `json:"sharedBy,omitempty"`
}

// CloudPromptUpsert is the remote-shaped projection of a prompt.
// ClientUpdatedAt is the authority for conflict resolution.
type CloudPromptUpsert struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	SectionCount    int        `json:"section_count"`
	TokenCount      int        `json:"token_count"`
	Data            PromptData `json:"data"`
	ClientCreatedAt int64      `json:"client_created_at"`
	ClientUpdatedAt int64      `json:"client_updated_at"`
}
