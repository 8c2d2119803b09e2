package search

import (
	"context"

	"go.uber.org/zap"

	"promptdock/internal/localstore"
	"promptdock/internal/logging"
	"promptdock/internal/prompt"
)

// Library is the local prompt source used for indexing and the fallback.
type Library interface {
	List(ctx context.Context) []prompt.PromptMetadata
	Load(ctx context.Context, id string) (prompt.PromptData, bool)
	Subscribe() (<-chan localstore.Change, func())
}

// Service tries Meilisearch first and falls back to fuzzy matching over the
// local library.
type Service struct {
	meili   *Meili
	library Library
	logger  *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, library Library, logger *zap.Logger) *Service {
	return &Service{meili: meili, library: library, logger: logging.OrNop(logger)}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		s.logger.Warn("search: meilisearch error, falling back to fuzzy", zap.Error(err))
	}

	results, total := Fuzzy(s.records(ctx), q)
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "fuzzy"}
}

// ReindexAll pushes every local prompt to Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if err := s.meili.IndexPrompts(s.records(ctx)); err != nil {
		s.logger.Warn("search: reindex", zap.Error(err))
	}
}

// Follow keeps the index in step with library changes until ctx is done.
func (s *Service) Follow(ctx context.Context) error {
	changes, unsubscribe := s.library.Subscribe()
	defer unsubscribe()

	s.ReindexAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			s.apply(ctx, change)
		}
	}
}

func (s *Service) apply(ctx context.Context, change localstore.Change) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	if change.Reset {
		for _, id := range change.Removed {
			if err := s.meili.DeletePrompt(id); err != nil {
				s.logger.Warn("search: delete prompt", zap.String("prompt_id", id), zap.Error(err))
			}
		}
		return
	}
	if change.Deleted {
		if err := s.meili.DeletePrompt(change.ID); err != nil {
			s.logger.Warn("search: delete prompt", zap.String("prompt_id", change.ID), zap.Error(err))
		}
		return
	}
	record, ok := s.record(ctx, change.ID)
	if !ok {
		return
	}
	if err := s.meili.IndexPrompts([]PromptRecord{record}); err != nil {
		s.logger.Warn("search: index prompt", zap.String("prompt_id", change.ID), zap.Error(err))
	}
}

func (s *Service) records(ctx context.Context) []PromptRecord {
	metas := s.library.List(ctx)
	records := make([]PromptRecord, 0, len(metas))
	for _, meta := range metas {
		data, _ := s.library.Load(ctx, meta.ID)
		records = append(records, toRecord(meta, data))
	}
	return records
}

func (s *Service) record(ctx context.Context, id string) (PromptRecord, bool) {
	for _, meta := range s.library.List(ctx) {
		if meta.ID != id {
			continue
		}
		data, ok := s.library.Load(ctx, id)
		if !ok {
			return PromptRecord{}, false
		}
		return toRecord(meta, data), true
	}
	return PromptRecord{}, false
}

func toRecord(meta prompt.PromptMetadata, data prompt.PromptData) PromptRecord {
	return PromptRecord{
		ID:          meta.ID,
		Title:       meta.Title,
		Description: meta.Description,
		Body:        prompt.ComposeText(data),
		UpdatedAt:   meta.UpdatedAt,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
