// Package undo applies destructive edits immediately and keeps a single
// reversal descriptor alive for a bounded window.
package undo

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptdock/internal/logging"
	"promptdock/internal/prompt"
)

const DefaultWindow = 5 * time.Second

// SectionReversal is what a section delete needs to be undone: the removed
// section and the index it occupied.
type SectionReversal struct {
	PromptID string
	Section  prompt.Section
	Index    int
}

// PromptReversal carries the full deleted prompt, section ids included.
type PromptReversal struct {
	Metadata prompt.PromptMetadata
	Data     prompt.PromptData
}

type Kind string

const (
	KindSection Kind = "section"
	KindPrompt  Kind = "prompt"
)

// Pending describes the one undoable action, if any.
type Pending struct {
	Kind      Kind
	PromptID  string
	SectionID string
	Deadline  time.Time
}

// Library is the subset of the local prompt library the manager mutates.
type Library interface {
	Load(ctx context.Context, id string) (prompt.PromptData, bool)
	Save(ctx context.Context, id string, data prompt.PromptData) (prompt.PromptMetadata, bool)
	Delete(ctx context.Context, id string) (prompt.PromptMetadata, prompt.PromptData, bool)
	Put(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData) bool
}

type action struct {
	kind     Kind
	section  *SectionReversal
	prompt   *PromptReversal
	deadline time.Time
}

// Manager owns the pending reversal for one editing session.
type Manager struct {
	library Library
	window  time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	pending *action
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logging.OrNop(logger) }
}

func NewManager(library Library, window time.Duration, opts ...Option) *Manager {
	if window <= 0 {
		window = DefaultWindow
	}
	m := &Manager{
		library: library,
		window:  window,
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DeleteSection removes a section from a stored prompt. When the write does
// not persist nothing is undoable and false is returned.
func (m *Manager) DeleteSection(ctx context.Context, promptID, sectionID string) (SectionReversal, bool) {
	data, ok := m.library.Load(ctx, promptID)
	if !ok {
		return SectionReversal{}, false
	}
	sections, rev, ok := RemoveSection(data.Sections, sectionID)
	if !ok {
		return SectionReversal{}, false
	}
	data.Sections = sections
	if _, ok := m.library.Save(ctx, promptID, data); !ok {
		return SectionReversal{}, false
	}
	rev.PromptID = promptID

	m.replace(&action{kind: KindSection, section: &rev, deadline: m.now().Add(m.window)})
	return rev, true
}

// DeletePrompt removes a whole prompt and keeps its body for undo.
func (m *Manager) DeletePrompt(ctx context.Context, promptID string) (PromptReversal, bool) {
	meta, data, ok := m.library.Delete(ctx, promptID)
	if !ok {
		return PromptReversal{}, false
	}
	rev := PromptReversal{Metadata: meta, Data: prompt.Clone(data)}

	m.replace(&action{kind: KindPrompt, prompt: &rev, deadline: m.now().Add(m.window)})
	return rev, true
}

// Undo reverts the pending action if its window is still open. It returns
// false when there is nothing to undo; that is not an error.
func (m *Manager) Undo(ctx context.Context) bool {
	m.mu.Lock()
	act := m.take()
	m.mu.Unlock()
	if act == nil {
		return false
	}

	switch act.kind {
	case KindSection:
		data, ok := m.library.Load(ctx, act.section.PromptID)
		if !ok {
			m.logger.Info("undo: prompt no longer exists", zap.String("prompt_id", act.section.PromptID))
			return false
		}
		if _, _, exists := prompt.FindSectionByID(data.Sections, act.section.Section.ID); exists {
			return true
		}
		data.Sections = RestoreSection(data.Sections, *act.section)
		if _, ok := m.library.Save(ctx, act.section.PromptID, data); !ok {
			return false
		}
		return true
	case KindPrompt:
		return m.library.Put(ctx, act.prompt.Metadata, act.prompt.Data)
	}
	return false
}

// Pending reports the open undoable action. Expired descriptors are dropped here.
func (m *Manager) Pending() (Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil {
		return Pending{}, false
	}
	if !m.now().Before(m.pending.deadline) {
		m.pending = nil
		return Pending{}, false
	}
	p := Pending{Kind: m.pending.kind, Deadline: m.pending.deadline}
	switch m.pending.kind {
	case KindSection:
		p.PromptID = m.pending.section.PromptID
		p.SectionID = m.pending.section.Section.ID
	case KindPrompt:
		p.PromptID = m.pending.prompt.Metadata.ID
	}
	return p, true
}

// Finalize closes the window early.
func (m *Manager) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
}

func (m *Manager) replace(next *action) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.logger.Debug("undo: previous action finalized", zap.String("kind", string(m.pending.kind)))
	}
	m.pending = next
}

// take removes and returns the pending action when it is still inside its window.
func (m *Manager) take() *action {
	act := m.pending
	m.pending = nil
	if act == nil || !m.now().Before(act.deadline) {
		return nil
	}
	return act
}

// RemoveSection returns sections without the one identified by id and the
// descriptor that reinserts it.
func RemoveSection(sections []prompt.Section, id string) ([]prompt.Section, SectionReversal, bool) {
	section, index, ok := prompt.FindSectionByID(sections, id)
	if !ok {
		return sections, SectionReversal{}, false
	}
	out := make([]prompt.Section, 0, len(sections)-1)
	out = append(out, sections[:index]...)
	out = append(out, sections[index+1:]...)
	return out, SectionReversal{Section: section, Index: index}, true
}

// RestoreSection reinserts the removed section at its original index,
// clamped to the current length.
func RestoreSection(sections []prompt.Section, rev SectionReversal) []prompt.Section {
	index := rev.Index
	if index < 0 {
		index = 0
	}
	if index > len(sections) {
		index = len(sections)
	}
	out := make([]prompt.Section, 0, len(sections)+1)
	out = append(out, sections[:index]...)
	out = append(out, rev.Section)
	out = append(out, sections[index:]...)
	return out
}
