package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"promptdock/internal/auth"
	"promptdock/internal/config"
	"promptdock/internal/localstore"
	"promptdock/internal/prompt"
	"promptdock/internal/store"
)

const testSecret = "test-secret"

// fakeRemote is an in-memory account store. Like the Postgres store, a
// prompt id belongs to the first account that wrote it. Function fields
// override the default behavior.
type fakeRemote struct {
	mu             sync.Mutex
	prompts        map[string]map[string]prompt.CloudPromptUpsert
	owners         map[string]string
	profiles       map[string]store.Profile
	upserts        int
	profileUpserts int

	pingFn func(context.Context) error
	listFn func(context.Context, string) ([]prompt.CloudPromptUpsert, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		prompts:  map[string]map[string]prompt.CloudPromptUpsert{},
		owners:   map[string]string{},
		profiles: map[string]store.Profile{},
	}
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeRemote) ListPrompts(ctx context.Context, userID string) ([]prompt.CloudPromptUpsert, error) {
	if f.listFn != nil {
		return f.listFn(ctx, userID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	items := make([]prompt.CloudPromptUpsert, 0)
	for _, item := range f.prompts[userID] {
		items = append(items, item)
	}
	return items, nil
}

func (f *fakeRemote) GetPrompt(_ context.Context, userID, id string) (prompt.CloudPromptUpsert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.prompts[userID][id]
	if !ok {
		return prompt.CloudPromptUpsert{}, store.ErrNotFound
	}
	return item, nil
}

func (f *fakeRemote) UpsertPrompt(_ context.Context, userID string, item prompt.CloudPromptUpsert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.owners[item.ID]; ok && owner != userID {
		return store.ErrForeignPrompt
	}
	f.owners[item.ID] = userID
	f.upserts++
	if f.prompts[userID] == nil {
		f.prompts[userID] = map[string]prompt.CloudPromptUpsert{}
	}
	f.prompts[userID][item.ID] = item
	return nil
}

func (f *fakeRemote) DeletePrompt(_ context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owners[id] == userID {
		delete(f.owners, id)
	}
	delete(f.prompts[userID], id)
	return nil
}

func (f *fakeRemote) GetProfile(_ context.Context, id string) (store.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[id]
	if !ok {
		return store.Profile{}, store.ErrNotFound
	}
	return p, nil
}

func (f *fakeRemote) UpsertProfile(_ context.Context, p store.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileUpserts++
	f.profiles[p.ID] = p
	return nil
}

type testEnv struct {
	service *Service
	server  http.Handler
	redis   *miniredis.Miniredis
	library *localstore.Library
}

func newTestEnv(t *testing.T, remote *fakeRemote, mutate ...func(*Deps)) *testEnv {
	t.Helper()
	s := miniredis.RunT(t)
	medium, err := localstore.NewRedisMedium("redis://"+s.Addr(), 0)
	if err != nil {
		t.Fatalf("NewRedisMedium failed: %v", err)
	}
	t.Cleanup(func() { _ = medium.Close() })
	localStore := localstore.New(medium)
	t.Cleanup(localStore.Close)
	library := localstore.NewLibrary(localStore)

	cfg := config.Defaults()
	cfg.TokenSecret = testSecret
	cfg.UndoWindow = time.Minute

	deps := Deps{Local: medium, Library: library}
	if remote != nil {
		deps.Remote = remote
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	svc := New(cfg, deps)
	return &testEnv{
		service: svc,
		server:  NewHTTPServer(svc, "*").Handler(),
		redis:   s,
		library: library,
	}
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)

	var payload map[string]any
	if rr.Body.Len() > 0 {
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode %s %s response: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr.Code, payload
}

func issueTestToken(t *testing.T, sub, email string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:   sub,
		Email: email,
		Name:  "Test User",
		JTI:   "jti-" + sub,
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func storeProfile(id, email string) store.Profile {
	return store.Profile{ID: id, Email: email}
}
