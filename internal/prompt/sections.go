package prompt

import (
	"math"
	"strings"
	"unicode/utf8"

	"promptdock/internal/util"
)

// NewSection returns an empty, enabled, expanded section with a fresh id.
func NewSection() Section {
	return Section{
		ID:      util.NewID("sec"),
		Enabled: true,
	}
}

// NewPromptData returns the body every new prompt starts with.
func NewPromptData() PromptData {
	return PromptData{
		Sections: []Section{NewSection()},
	}
}

// HasEnabledContent reports whether at least one enabled section has
// non-blank content.
func HasEnabledContent(sections []Section) bool {
	for _, section := range sections {
		if section.Enabled && strings.TrimSpace(section.Content) != "" {
			return true
		}
	}
	return false
}

func CanCopySections(sections []Section) bool {
	return len(sections) > 0 && HasEnabledContent(sections)
}

// AreAllCollapsed is false for an empty list.
func AreAllCollapsed(sections []Section) bool {
	if len(sections) == 0 {
		return false
	}
	for _, section := range sections {
		if !section.Collapsed {
			return false
		}
	}
	return true
}

// FindSectionByID returns the section, its index and true, or -1 and false
// when no section has that id.
func FindSectionByID(sections []Section, id string) (Section, int, bool) {
	for i, section := range sections {
		if section.ID == id {
			return section, i, true
		}
	}
	return Section{}, -1, false
}

// EnabledContentLength sums the rune length of enabled sections only.
func EnabledContentLength(sections []Section) int {
	total := 0
	for _, section := range sections {
		if !section.Enabled {
			continue
		}
		total += utf8.RuneCountInString(section.Content)
	}
	return total
}

// EstimateTokens approximates the token count of text at four runes per token.
func EstimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return int(math.Ceil(float64(runes) / 4))
}

// CountTokens estimates tokens over the instructions and the enabled sections.
func CountTokens(data PromptData) int {
	total := EstimateTokens(data.Instructions)
	for _, section := range data.Sections {
		if !section.Enabled {
			continue
		}
		total += EstimateTokens(section.Content)
	}
	return total
}

// ComposeText builds the text that is copied for a prompt: instructions
// first, then every enabled section with content.
func ComposeText(data PromptData) string {
	parts := make([]string, 0, len(data.Sections)+1)
	if instructions := strings.TrimSpace(data.Instructions); instructions != "" {
		parts = append(parts, instructions)
	}
	for _, section := range data.Sections {
		content := strings.TrimSpace(section.Content)
		if !section.Enabled || content == "" {
			continue
		}
		if title := strings.TrimSpace(section.Title); title != "" {
			parts = append(parts, "## "+title+"\n\n"+content)
			continue
		}
		parts = append(parts, content)
	}
	return strings.Join(parts, "\n\n")
}

// Clone deep-copies a body so callers never share the sections slice.
func Clone(data PromptData) PromptData {
	out := data
	if data.Sections != nil {
		out.Sections = make([]Section, len(data.Sections))
		copy(out.Sections, data.Sections)
	}
	return out
}
