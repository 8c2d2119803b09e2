package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"promptdock/internal/backup"
)

func createPrompt(t *testing.T, env *testEnv, title string) (string, string) {
	t.Helper()
	code, body := env.do(t, http.MethodPost, "/api/prompts", fmt.Sprintf(`{"title":%q}`, title), "")
	if code != http.StatusCreated {
		t.Fatalf("create prompt status = %d body=%v", code, body)
	}
	meta := body["metadata"].(map[string]any)
	data := body["data"].(map[string]any)
	section := data["sections"].([]any)[0].(map[string]any)
	return meta["id"].(string), section["id"].(string)
}

func TestCreatePromptHasDefaultSection(t *testing.T) {
	env := newTestEnv(t, nil)

	code, body := env.do(t, http.MethodPost, "/api/prompts", `{"title":""}`, "")
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	meta := body["metadata"].(map[string]any)
	if meta["sectionCount"] != float64(1) {
		t.Fatalf("expected sectionCount=1, got %v", meta["sectionCount"])
	}
	sections := body["data"].(map[string]any)["sections"].([]any)
	if len(sections) != 1 {
		t.Fatalf("expected one section, got %d", len(sections))
	}
	section := sections[0].(map[string]any)
	if section["enabled"] != true || section["collapsed"] != false || section["title"] != "" || section["content"] != "" {
		t.Fatalf("unexpected default section %v", section)
	}
}

func TestSaveAndCopyPrompt(t *testing.T) {
	env := newTestEnv(t, nil)
	id, sectionID := createPrompt(t, env, "Review")

	payload := fmt.Sprintf(`{
		"title":"Review",
		"instructions":"Be concise.",
		"sections":[
			{"id":%q,"title":"Context","content":"abcdefgh","enabled":true},
			{"title":"Skipped","content":"this section is disabled","enabled":false}
		]
	}`, sectionID)
	code, body := env.do(t, http.MethodPut, "/api/prompts/"+id, payload, "")
	if code != http.StatusOK {
		t.Fatalf("save status = %d body=%v", code, body)
	}
	meta := body["metadata"].(map[string]any)
	if meta["sectionCount"] != float64(2) {
		t.Fatalf("expected sectionCount=2, got %v", meta["sectionCount"])
	}

	code, body = env.do(t, http.MethodGet, "/api/prompts/"+id+"/text", "", "")
	if code != http.StatusOK {
		t.Fatalf("copy status = %d", code)
	}
	text := body["text"].(string)
	if !strings.Contains(text, "abcdefgh") || strings.Contains(text, "disabled") {
		t.Fatalf("unexpected copy text %q", text)
	}
	if body["canCopy"] != true || body["characters"] != float64(8) {
		t.Fatalf("unexpected copy view %v", body)
	}
}

func TestSaveRejectsDuplicateSectionIDs(t *testing.T) {
	env := newTestEnv(t, nil)
	id, sectionID := createPrompt(t, env, "Dup")

	payload := fmt.Sprintf(`{"sections":[{"id":%q,"enabled":true},{"id":%q,"enabled":true}]}`, sectionID, sectionID)
	code, body := env.do(t, http.MethodPut, "/api/prompts/"+id, payload, "")
	if code != http.StatusUnprocessableEntity || body["code"] != "VALIDATION_ERROR" {
		t.Fatalf("expected validation error, got %d %v", code, body)
	}
}

func TestUnknownPromptIsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/prompts/missing"},
		{http.MethodDelete, "/api/prompts/missing"},
		{http.MethodDelete, "/api/prompts/missing/sections/sec-1"},
		{http.MethodGet, "/api/prompts/missing/text"},
	} {
		code, body := env.do(t, tc.method, tc.path, "", "")
		if code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
			t.Fatalf("%s %s: expected 404, got %d %v", tc.method, tc.path, code, body)
		}
	}
}

func TestDeleteSectionAndUndo(t *testing.T) {
	env := newTestEnv(t, nil)
	id, sectionID := createPrompt(t, env, "Undoable")

	code, body := env.do(t, http.MethodDelete, "/api/prompts/"+id+"/sections/"+sectionID, "", "")
	if code != http.StatusOK {
		t.Fatalf("delete section status = %d body=%v", code, body)
	}
	pending := body["undo"].(map[string]any)
	if pending["kind"] != "section" || pending["sectionId"] != sectionID {
		t.Fatalf("unexpected undo descriptor %v", pending)
	}

	_, body = env.do(t, http.MethodGet, "/api/prompts/"+id, "", "")
	if sections := body["data"].(map[string]any)["sections"].([]any); len(sections) != 0 {
		t.Fatalf("expected section removed, got %v", sections)
	}

	code, body = env.do(t, http.MethodPost, "/api/undo", "", "")
	if code != http.StatusOK || body["undone"] != true {
		t.Fatalf("undo failed: %d %v", code, body)
	}
	_, body = env.do(t, http.MethodGet, "/api/prompts/"+id, "", "")
	sections := body["data"].(map[string]any)["sections"].([]any)
	if len(sections) != 1 || sections[0].(map[string]any)["id"] != sectionID {
		t.Fatalf("section not restored: %v", sections)
	}

	_, body = env.do(t, http.MethodPost, "/api/undo", "", "")
	if body["undone"] != false {
		t.Fatalf("second undo should be a no-op, got %v", body)
	}
}

func TestDeletePromptAndUndo(t *testing.T) {
	env := newTestEnv(t, nil)
	id, _ := createPrompt(t, env, "Doomed")

	if code, _ := env.do(t, http.MethodDelete, "/api/prompts/"+id, "", ""); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}
	_, body := env.do(t, http.MethodGet, "/api/undo", "", "")
	if body["pending"] == nil {
		t.Fatal("expected pending undo")
	}
	if code, _ := env.do(t, http.MethodGet, "/api/prompts/"+id, "", ""); code != http.StatusNotFound {
		t.Fatalf("expected deleted prompt to be gone, got %d", code)
	}

	env.do(t, http.MethodPost, "/api/undo", "", "")
	if code, _ := env.do(t, http.MethodGet, "/api/prompts/"+id, "", ""); code != http.StatusOK {
		t.Fatalf("expected prompt restored, got %d", code)
	}
}

func TestListAndSearchPrompts(t *testing.T) {
	env := newTestEnv(t, nil)
	createPrompt(t, env, "Code review")
	createPrompt(t, env, "Release notes")

	_, body := env.do(t, http.MethodGet, "/api/prompts", "", "")
	if prompts := body["prompts"].([]any); len(prompts) != 2 {
		t.Fatalf("expected 2 prompts, got %d", len(prompts))
	}

	_, body = env.do(t, http.MethodGet, "/api/prompts?q=review", "", "")
	if body["backend"] != "fuzzy" {
		t.Fatalf("expected fuzzy backend, got %v", body["backend"])
	}
	results := body["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["title"] != "Code review" {
		t.Fatalf("unexpected results %v", results)
	}
}

func TestInvalidTokenIsRejected(t *testing.T) {
	env := newTestEnv(t, newFakeRemote())

	code, body := env.do(t, http.MethodGet, "/api/prompts", "", "not-a-token")
	if code != http.StatusUnauthorized || body["code"] != "UNAUTHORIZED" {
		t.Fatalf("expected 401, got %d %v", code, body)
	}
}

func TestSyncThroughHTTP(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	createPrompt(t, env, "Synced")

	code, body := env.do(t, http.MethodPost, "/api/sync", "", "")
	if code != http.StatusOK {
		t.Fatalf("sync status = %d", code)
	}
	report := body["report"].(map[string]any)
	if report["reason"] != "identity-loading" {
		t.Fatalf("expected identity-loading skip before sign-in, got %v", report)
	}

	token := issueTestToken(t, "user-1", "one@example.com")
	_, body = env.do(t, http.MethodPost, "/api/sync", "", token)
	report = body["report"].(map[string]any)
	if report["pushed"] != float64(1) {
		t.Fatalf("expected one push, got %v", report)
	}

	_, body = env.do(t, http.MethodGet, "/api/sync", "", token)
	status := body["sync"].(map[string]any)
	if status["lastSyncAt"] == nil || status["lastError"] != nil {
		t.Fatalf("unexpected sync status %v", status)
	}

	env.do(t, http.MethodDelete, "/api/session", "", "")
	_, body = env.do(t, http.MethodPost, "/api/sync", "", "")
	if body["report"].(map[string]any)["reason"] != "signed-out" {
		t.Fatalf("expected signed-out skip, got %v", body)
	}
}

func TestProfileUpsertedOncePerIdentity(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	if err := remote.UpsertProfile(context.Background(), storeProfile("user-1", "old@example.com")); err != nil {
		t.Fatal(err)
	}
	remote.profileUpserts = 0

	token := issueTestToken(t, "user-1", "new@example.com")
	for i := 0; i < 3; i++ {
		if code, _ := env.do(t, http.MethodGet, "/api/session", "", token); code != http.StatusOK {
			t.Fatalf("session status = %d", code)
		}
	}
	if remote.profileUpserts != 1 {
		t.Fatalf("expected exactly one profile upsert, got %d", remote.profileUpserts)
	}
	if remote.profiles["user-1"].Email != "new@example.com" {
		t.Fatalf("profile email not updated: %+v", remote.profiles["user-1"])
	}
}

func TestFeaturesDisabledWithoutBackends(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, tc := range []struct {
		method, path, code string
	}{
		{http.MethodGet, "/api/sync", "SYNC_DISABLED"},
		{http.MethodPost, "/api/backup", "BACKUP_DISABLED"},
		{http.MethodGet, "/api/prompts/p1/history", "HISTORY_DISABLED"},
	} {
		status, body := env.do(t, tc.method, tc.path, "", "")
		if status != http.StatusServiceUnavailable || body["code"] != tc.code {
			t.Fatalf("%s %s: expected 503 %s, got %d %v", tc.method, tc.path, tc.code, status, body)
		}
	}
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryObjects) Put(_ context.Context, name string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = body
	return nil
}

func (m *memoryObjects) Get(_ context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[name]
	if !ok {
		return nil, backup.ErrObjectNotFound
	}
	return body, nil
}

func (m *memoryObjects) List(_ context.Context, prefix string) ([]backup.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []backup.ObjectInfo
	for name := range m.objects {
		if strings.HasPrefix(name, prefix) {
			items = append(items, backup.ObjectInfo{Name: name})
		}
	}
	return items, nil
}

func TestBackupAndRestore(t *testing.T) {
	objects := &memoryObjects{objects: map[string][]byte{}}
	env := newTestEnv(t, nil, func(d *Deps) {
		d.Backup = backup.NewService(objects, d.Library, nil)
	})
	id, _ := createPrompt(t, env, "Precious")

	code, body := env.do(t, http.MethodPost, "/api/backup", "", "")
	if code != http.StatusCreated || body["prompts"] != float64(1) {
		t.Fatalf("backup failed: %d %v", code, body)
	}

	env.do(t, http.MethodDelete, "/api/prompts/"+id, "", "")
	code, body = env.do(t, http.MethodPost, "/api/backup/restore", `{}`, "")
	if code != http.StatusOK || body["restored"] != float64(1) {
		t.Fatalf("restore failed: %d %v", code, body)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/prompts/"+id, "", ""); code != http.StatusOK {
		t.Fatalf("expected restored prompt, got %d", code)
	}

	code, body = env.do(t, http.MethodPost, "/api/backup/restore", `{"name":"snapshots/nope.json"}`, "")
	if code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing snapshot, got %d %v", code, body)
	}
}

func TestAccountSwitchStartsFromEmptyLibrary(t *testing.T) {
	remote := newFakeRemote()
	env := newTestEnv(t, remote)
	alice := issueTestToken(t, "alice", "alice@example.com")
	bob := issueTestToken(t, "bob", "bob@example.com")

	env.do(t, http.MethodGet, "/api/session", "", alice)
	aliceID, _ := createPrompt(t, env, "Alice notes")
	_, body := env.do(t, http.MethodPost, "/api/sync", "", alice)
	if report := body["report"].(map[string]any); report["pushed"] != float64(1) {
		t.Fatalf("expected alice's prompt pushed, got %v", report)
	}
	if code, _ := env.do(t, http.MethodDelete, "/api/prompts/"+aliceID, "", alice); code != http.StatusOK {
		t.Fatalf("delete status = %d", code)
	}

	code, body := env.do(t, http.MethodPost, "/api/sync", "", bob)
	if code != http.StatusOK {
		t.Fatalf("bob's first sync status = %d body=%v", code, body)
	}
	report := body["report"].(map[string]any)
	if report["failed"] != float64(0) || report["pushed"] != float64(0) {
		t.Fatalf("bob's sync touched alice's prompts: %v", report)
	}
	_, body = env.do(t, http.MethodGet, "/api/prompts", "", bob)
	if prompts := body["prompts"].([]any); len(prompts) != 0 {
		t.Fatalf("expected an empty library for bob, got %d prompts", len(prompts))
	}
	_, body = env.do(t, http.MethodPost, "/api/undo", "", bob)
	if body["undone"] != false {
		t.Fatalf("alice's pending delete must not be undoable by bob: %v", body)
	}

	createPrompt(t, env, "Bob notes")
	_, body = env.do(t, http.MethodPost, "/api/sync", "", bob)
	if report := body["report"].(map[string]any); report["pushed"] != float64(1) || report["failed"] != float64(0) {
		t.Fatalf("expected bob's prompt pushed, got %v", report)
	}

	_, body = env.do(t, http.MethodPost, "/api/sync", "", alice)
	if report := body["report"].(map[string]any); report["pulled"] != float64(1) || report["failed"] != float64(0) {
		t.Fatalf("expected alice's prompt pulled back, got %v", report)
	}
	_, body = env.do(t, http.MethodGet, "/api/prompts", "", alice)
	prompts := body["prompts"].([]any)
	if len(prompts) != 1 || prompts[0].(map[string]any)["title"] != "Alice notes" {
		t.Fatalf("expected only alice's prompt, got %v", prompts)
	}
	if len(remote.prompts["bob"]) != 1 || len(remote.prompts["alice"]) != 1 {
		t.Fatalf("remote accounts mixed: %v", remote.prompts)
	}
}
