package backup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"promptdock/internal/localstore"
)

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	putFn func(ctx context.Context, name string, body []byte) error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: make(map[string][]byte)}
}

func (m *memoryStore) Put(ctx context.Context, name string, body []byte) error {
	if m.putFn != nil {
		if err := m.putFn(ctx, name, body); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), body...)
	return nil
}

func (m *memoryStore) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[name]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return body, nil
}

func (m *memoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []ObjectInfo
	for name, body := range m.objects {
		if strings.HasPrefix(name, prefix) {
			items = append(items, ObjectInfo{Name: name, Size: int64(len(body))})
		}
	}
	return items, nil
}

func setupTestLibrary(t *testing.T) *localstore.Library {
	t.Helper()
	s := miniredis.RunT(t)
	medium, err := localstore.NewRedisMedium("redis://"+s.Addr(), 0)
	if err != nil {
		t.Fatalf("NewRedisMedium failed: %v", err)
	}
	t.Cleanup(func() { _ = medium.Close() })
	store := localstore.New(medium)
	t.Cleanup(store.Close)
	return localstore.NewLibrary(store)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	objects := newMemoryStore()
	source := setupTestLibrary(t)

	meta, _ := source.Create(ctx, "Keep me")
	data, _ := source.Load(ctx, meta.ID)
	data.Sections[0].Content = "important"
	if _, ok := source.Save(ctx, meta.ID, data); !ok {
		t.Fatal("Save failed")
	}

	exporter := NewService(objects, source, nil)
	exporter.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	name, count, err := exporter.Export(ctx)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if count != 1 || name != "snapshots/1700000000000.json" {
		t.Fatalf("unexpected export name=%s count=%d", name, count)
	}

	target := setupTestLibrary(t)
	report, err := NewService(objects, target, nil).Import(ctx, "")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if report.Restored != 1 || report.Snapshot != name {
		t.Fatalf("unexpected report %+v", report)
	}
	restored, ok := target.Load(ctx, meta.ID)
	if !ok || restored.Sections[0].Content != "important" || restored.Sections[0].ID != data.Sections[0].ID {
		t.Fatalf("restored body mismatch: %+v", restored)
	}
}

func TestImportKeepsNewerLocalCopy(t *testing.T) {
	ctx := context.Background()
	objects := newMemoryStore()
	lib := setupTestLibrary(t)
	svc := NewService(objects, lib, nil)

	meta, _ := lib.Create(ctx, "Draft")
	if _, _, err := svc.Export(ctx); err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	data, _ := lib.Load(ctx, meta.ID)
	data.Sections[0].Content = "newer edit"
	if _, ok := lib.Save(ctx, meta.ID, data); !ok {
		t.Fatal("Save failed")
	}

	report, err := svc.Import(ctx, "")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if report.Skipped != 1 || report.Restored != 0 {
		t.Fatalf("expected newer local copy to be kept, got %+v", report)
	}
	current, _ := lib.Load(ctx, meta.ID)
	if current.Sections[0].Content != "newer edit" {
		t.Fatalf("local edit lost: %+v", current)
	}
}

func TestImportRestoresDeletedPrompt(t *testing.T) {
	ctx := context.Background()
	objects := newMemoryStore()
	lib := setupTestLibrary(t)
	svc := NewService(objects, lib, nil)

	meta, _ := lib.Create(ctx, "Gone")
	if _, _, err := svc.Export(ctx); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	lib.Delete(ctx, meta.ID)

	report, err := svc.Import(ctx, "")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if report.Restored != 1 {
		t.Fatalf("expected restore, got %+v", report)
	}
	if _, ok := lib.Metadata(ctx, meta.ID); !ok {
		t.Fatal("prompt not restored")
	}
	if _, ok := lib.Tombstones(ctx)[meta.ID]; ok {
		t.Fatal("restore should clear the tombstone")
	}
}

func TestImportWithoutSnapshots(t *testing.T) {
	svc := NewService(newMemoryStore(), setupTestLibrary(t), nil)
	if _, err := svc.Import(context.Background(), ""); !errors.Is(err, ErrNoSnapshots) {
		t.Fatalf("expected ErrNoSnapshots, got %v", err)
	}
	if _, err := svc.Import(context.Background(), "snapshots/missing.json"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestExportStoreFailure(t *testing.T) {
	objects := newMemoryStore()
	objects.putFn = func(context.Context, string, []byte) error { return errors.New("bucket offline") }
	svc := NewService(objects, setupTestLibrary(t), nil)

	if _, _, err := svc.Export(context.Background()); err == nil {
		t.Fatal("expected export failure")
	}
}
