// Package backup exports the local prompt library as snapshot objects and
// merges snapshots back in.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"promptdock/internal/localstore"
	"promptdock/internal/logging"
	"promptdock/internal/prompt"
)

const snapshotPrefix = "snapshots/"

var ErrNoSnapshots = errors.New("no snapshots stored")

// Entry is one prompt inside a snapshot.
type Entry struct {
	Metadata prompt.PromptMetadata `json:"metadata"`
	Data     prompt.PromptData     `json:"data"`
}

type Snapshot struct {
	ExportedAt int64   `json:"exportedAt"`
	Prompts    []Entry `json:"prompts"`
}

var snapshotCodec = localstore.JSONCodec[Snapshot]("library-snapshot")

type Library interface {
	List(ctx context.Context) []prompt.PromptMetadata
	Load(ctx context.Context, id string) (prompt.PromptData, bool)
	Metadata(ctx context.Context, id string) (prompt.PromptMetadata, bool)
	Put(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData) bool
}

type ImportReport struct {
	Snapshot string `json:"snapshot"`
	Restored int    `json:"restored"`
	Skipped  int    `json:"skipped"`
	Failed   int    `json:"failed"`
}

type Service struct {
	objects ObjectStore
	library Library
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(objects ObjectStore, library Library, logger *zap.Logger) *Service {
	return &Service{objects: objects, library: library, logger: logging.OrNop(logger), now: time.Now}
}

// Export writes every readable prompt to a new snapshot object and returns
// its name.
func (s *Service) Export(ctx context.Context) (string, int, error) {
	snapshot := Snapshot{ExportedAt: s.now().UnixMilli()}
	for _, meta := range s.library.List(ctx) {
		data, ok := s.library.Load(ctx, meta.ID)
		if !ok {
			s.logger.Warn("backup: skipping unreadable prompt", zap.String("prompt_id", meta.ID))
			continue
		}
		snapshot.Prompts = append(snapshot.Prompts, Entry{Metadata: meta, Data: data})
	}

	body, err := snapshotCodec.Encode(snapshot)
	if err != nil {
		return "", 0, err
	}
	name := fmt.Sprintf("%s%013d.json", snapshotPrefix, snapshot.ExportedAt)
	if err := s.objects.Put(ctx, name, []byte(body)); err != nil {
		return "", 0, fmt.Errorf("store snapshot: %w", err)
	}
	return name, len(snapshot.Prompts), nil
}

// Snapshots lists stored snapshots, newest first.
func (s *Service) Snapshots(ctx context.Context) ([]ObjectInfo, error) {
	items, err := s.objects.List(ctx, snapshotPrefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name > items[j].Name })
	return items, nil
}

// Import merges a snapshot into the library. A prompt is restored only when
// the local copy is missing or older. Empty name means the newest snapshot.
func (s *Service) Import(ctx context.Context, name string) (ImportReport, error) {
	if strings.TrimSpace(name) == "" {
		items, err := s.Snapshots(ctx)
		if err != nil {
			return ImportReport{}, err
		}
		if len(items) == 0 {
			return ImportReport{}, ErrNoSnapshots
		}
		name = items[0].Name
	}

	body, err := s.objects.Get(ctx, name)
	if err != nil {
		return ImportReport{}, err
	}
	snapshot, err := snapshotCodec.Decode(string(body))
	if err != nil {
		return ImportReport{}, fmt.Errorf("decode snapshot %s: %w", name, err)
	}

	report := ImportReport{Snapshot: name}
	for _, entry := range snapshot.Prompts {
		if current, ok := s.library.Metadata(ctx, entry.Metadata.ID); ok && current.UpdatedAt >= entry.Metadata.UpdatedAt {
			report.Skipped++
			continue
		}
		if !s.library.Put(ctx, entry.Metadata, entry.Data) {
			report.Failed++
			continue
		}
		report.Restored++
	}
	return report, nil
}
