package localstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"promptdock/internal/logging"
	"promptdock/internal/prompt"
	"promptdock/internal/util"
)

const (
	indexKey      = "prompts/index"
	tombstonesKey = "prompts/tombstones"
	ownerKey      = "library/owner"
	bodyKeyPrefix = "prompt/"
)

var (
	indexCodec      = JSONCodec[[]prompt.PromptMetadata]("prompt-index")
	bodyCodec       = JSONCodec[prompt.PromptData]("prompt-body")
	tombstonesCodec = JSONCodec[map[string]int64]("prompt-tombstones")
	ownerCodec      = JSONCodec[string]("library-owner")
)

func bodyKey(id string) string {
	return bodyKeyPrefix + id
}

// Origin tells subscribers who caused a library change.
type Origin int

const (
	OriginLocal Origin = iota
	OriginSync
)

// Change is emitted after a library write has been persisted. A reset
// carries every prompt id it removed in Removed and has no ID.
type Change struct {
	ID      string
	Deleted bool
	Reset   bool
	Removed []string
	Origin  Origin
}

// Recorder receives every successfully saved prompt body.
type Recorder interface {
	Record(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData) error
}

// Library keeps the metadata index and the per-prompt bodies consistent:
// a prompt exists iff it has an index entry, and every index entry has a body.
type Library struct {
	store    *Store
	logger   *zap.Logger
	now      func() time.Time
	recorder Recorder

	mu        sync.Mutex
	lastStamp int64
	revision  uint64

	subMu       sync.Mutex
	nextSubID   int
	subscribers map[int]chan Change
}

type LibraryOption func(*Library)

func WithClock(now func() time.Time) LibraryOption {
	return func(l *Library) { l.now = now }
}

func WithRecorder(recorder Recorder) LibraryOption {
	return func(l *Library) { l.recorder = recorder }
}

func WithLibraryLogger(logger *zap.Logger) LibraryOption {
	return func(l *Library) { l.logger = logging.OrNop(logger) }
}

func NewLibrary(store *Store, opts ...LibraryOption) *Library {
	l := &Library{
		store:       store,
		logger:      zap.NewNop(),
		now:         time.Now,
		subscribers: make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Revision increases on every locally originated write.
func (l *Library) Revision() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.revision
}

// Owner is the account the library belongs to, or "" before the first
// sign-in.
func (l *Library) Owner(ctx context.Context) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Get(ctx, l.store, ownerKey, ownerCodec, "")
}

// Claim makes userID the owner of the library. Prompts written before the
// first sign-in are adopted by whoever claims first. When another account
// owns the library, every app key is cleared first and reset is true. ok is
// false when the owner or index cannot be read, or the reset cannot finish.
func (l *Library) Claim(ctx context.Context, userID string) (reset bool, ok bool) {
	if userID == "" {
		return false, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, _, err := Fetch(ctx, l.store, ownerKey, ownerCodec)
	if err != nil {
		l.logger.Warn("library: owner unreadable, claim refused", zap.Error(err))
		return false, false
	}
	if owner == userID {
		return false, true
	}

	var removed []string
	if owner != "" {
		index, ok := l.loadIndex(ctx)
		if !ok {
			return false, false
		}
		if !l.store.ClearAppKeys(ctx) {
			// Keep the old owner so the next claim retries the reset.
			Set(ctx, l.store, ownerKey, ownerCodec, owner)
			l.logger.Warn("library: reset incomplete", zap.String("previous_owner", owner))
			return false, false
		}
		removed = make([]string, 0, len(index))
		for _, meta := range index {
			removed = append(removed, meta.ID)
		}
		reset = true
	}
	if !Set(ctx, l.store, ownerKey, ownerCodec, userID) {
		return reset, false
	}
	if reset {
		l.revision++
		l.publish(Change{Reset: true, Removed: removed, Origin: OriginSync})
	}
	return reset, true
}

// Create persists a new prompt with the default single-section body.
func (l *Library) Create(ctx context.Context, title string) (prompt.PromptMetadata, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.stamp(0)
	data := prompt.NewPromptData()
	data.Title = title
	meta := prompt.PromptMetadata{
		ID:        util.NewID(""),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	meta, data = prompt.Recount(meta, data)

	index, ok := l.loadIndex(ctx)
	if !ok {
		return prompt.PromptMetadata{}, false
	}
	if !Set(ctx, l.store, bodyKey(meta.ID), bodyCodec, data) {
		return prompt.PromptMetadata{}, false
	}
	index = append(index, meta)
	if !Set(ctx, l.store, indexKey, indexCodec, index) {
		l.store.Remove(ctx, bodyKey(meta.ID))
		return prompt.PromptMetadata{}, false
	}

	l.committed(ctx, meta, data, OriginLocal)
	return meta, true
}

// Save rewrites the full body of an existing prompt, recomputing the derived
// counts and moving UpdatedAt strictly forward.
func (l *Library) Save(ctx context.Context, id string, data prompt.PromptData) (prompt.PromptMetadata, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, ok := l.loadIndex(ctx)
	if !ok {
		return prompt.PromptMetadata{}, false
	}
	pos := findMeta(index, id)
	if pos < 0 {
		return prompt.PromptMetadata{}, false
	}
	previous, hadBody := Lookup(ctx, l.store, bodyKey(id), bodyCodec)

	meta := index[pos]
	meta.Title = data.Title
	meta.UpdatedAt = l.stamp(meta.UpdatedAt)
	meta, data = prompt.Recount(meta, prompt.Clone(data))

	if !Set(ctx, l.store, bodyKey(id), bodyCodec, data) {
		return prompt.PromptMetadata{}, false
	}
	index[pos] = meta
	if !Set(ctx, l.store, indexKey, indexCodec, index) {
		if hadBody {
			Set(ctx, l.store, bodyKey(id), bodyCodec, previous)
		}
		return prompt.PromptMetadata{}, false
	}

	l.committed(ctx, meta, data, OriginLocal)
	return meta, true
}

// Load returns the body of an existing prompt.
func (l *Library) Load(ctx context.Context, id string) (prompt.PromptData, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if findMeta(l.index(ctx), id) < 0 {
		return prompt.PromptData{}, false
	}
	return Lookup(ctx, l.store, bodyKey(id), bodyCodec)
}

func (l *Library) Metadata(ctx context.Context, id string) (prompt.PromptMetadata, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.index(ctx)
	pos := findMeta(index, id)
	if pos < 0 {
		return prompt.PromptMetadata{}, false
	}
	return index[pos], true
}

// List returns all prompts, most recently updated first.
func (l *Library) List(ctx context.Context) []prompt.PromptMetadata {
	l.mu.Lock()
	index := l.index(ctx)
	l.mu.Unlock()

	sort.SliceStable(index, func(i, j int) bool {
		return index[i].UpdatedAt > index[j].UpdatedAt
	})
	return index
}

// Delete removes a prompt and records a tombstone so sync deletes the remote
// copy instead of pulling it back. The removed metadata and body are returned.
func (l *Library) Delete(ctx context.Context, id string) (prompt.PromptMetadata, prompt.PromptData, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, ok := l.loadIndex(ctx)
	if !ok {
		return prompt.PromptMetadata{}, prompt.PromptData{}, false
	}
	pos := findMeta(index, id)
	if pos < 0 {
		return prompt.PromptMetadata{}, prompt.PromptData{}, false
	}
	meta := index[pos]
	data, ok := Lookup(ctx, l.store, bodyKey(id), bodyCodec)
	if !ok {
		return prompt.PromptMetadata{}, prompt.PromptData{}, false
	}
	tombstones, ok := l.loadTombstones(ctx)
	if !ok {
		return prompt.PromptMetadata{}, prompt.PromptData{}, false
	}

	tombstones[id] = l.stamp(meta.UpdatedAt)
	if !Set(ctx, l.store, tombstonesKey, tombstonesCodec, tombstones) {
		return prompt.PromptMetadata{}, prompt.PromptData{}, false
	}

	remaining := append(index[:pos:pos], index[pos+1:]...)
	if !Set(ctx, l.store, indexKey, indexCodec, remaining) {
		delete(tombstones, id)
		Set(ctx, l.store, tombstonesKey, tombstonesCodec, tombstones)
		return prompt.PromptMetadata{}, prompt.PromptData{}, false
	}
	if !l.store.Remove(ctx, bodyKey(id)) {
		l.logger.Warn("library: orphaned prompt body left behind", zap.String("prompt_id", id))
	}

	l.revision++
	l.publish(Change{ID: id, Deleted: true, Origin: OriginLocal})
	return meta, data, true
}

// Put writes meta and data exactly as given (timestamps and section ids
// included) and clears any tombstone. Used by undo and snapshot import.
func (l *Library) Put(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.put(ctx, meta, data, OriginLocal)
}

// PutIfNewer writes a record received from elsewhere only when it is
// strictly newer than both the local copy and any local tombstone.
func (l *Library) PutIfNewer(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, ok := l.loadIndex(ctx)
	if !ok {
		return false
	}
	if pos := findMeta(index, meta.ID); pos >= 0 && index[pos].UpdatedAt >= meta.UpdatedAt {
		return false
	}
	tombstones, ok := l.loadTombstones(ctx)
	if !ok {
		return false
	}
	if deletedAt, ok := tombstones[meta.ID]; ok && deletedAt >= meta.UpdatedAt {
		return false
	}
	if pos := findMeta(index, meta.ID); pos >= 0 {
		meta.ShareToken = index[pos].ShareToken
		meta.SharedAt = index[pos].SharedAt
		meta.SharedBy = index[pos].SharedBy
	}
	return l.put(ctx, meta, data, OriginSync)
}

// SetShare stores the opaque sharing fields. It does not count as an edit.
func (l *Library) SetShare(ctx context.Context, id, token string, sharedAt int64, sharedBy string) (prompt.PromptMetadata, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, ok := l.loadIndex(ctx)
	if !ok {
		return prompt.PromptMetadata{}, false
	}
	pos := findMeta(index, id)
	if pos < 0 {
		return prompt.PromptMetadata{}, false
	}
	index[pos].ShareToken = token
	index[pos].SharedAt = sharedAt
	index[pos].SharedBy = sharedBy
	if !Set(ctx, l.store, indexKey, indexCodec, index) {
		return prompt.PromptMetadata{}, false
	}
	return index[pos], true
}

// Tombstones maps deleted prompt ids to their deletion time.
func (l *Library) Tombstones(ctx context.Context) map[string]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tombstones(ctx)
}

func (l *Library) ClearTombstone(ctx context.Context, id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	tombstones, ok := l.loadTombstones(ctx)
	if !ok {
		return false
	}
	if _, ok := tombstones[id]; !ok {
		return true
	}
	delete(tombstones, id)
	return Set(ctx, l.store, tombstonesKey, tombstonesCodec, tombstones)
}

// Subscribe returns a channel of changes. Slow subscribers miss events
// rather than blocking writers.
func (l *Library) Subscribe() (<-chan Change, func()) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	ch := make(chan Change, 16)
	l.subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			defer l.subMu.Unlock()
			delete(l.subscribers, id)
			close(ch)
		})
	}
}

func (l *Library) put(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData, origin Origin) bool {
	meta, data = prompt.Recount(meta, prompt.Clone(data))
	index, ok := l.loadIndex(ctx)
	if !ok {
		return false
	}
	tombstones, ok := l.loadTombstones(ctx)
	if !ok {
		return false
	}
	if !Set(ctx, l.store, bodyKey(meta.ID), bodyCodec, data) {
		return false
	}
	if pos := findMeta(index, meta.ID); pos >= 0 {
		index[pos] = meta
	} else {
		index = append(index, meta)
	}
	if !Set(ctx, l.store, indexKey, indexCodec, index) {
		return false
	}
	if meta.UpdatedAt > l.lastStamp {
		l.lastStamp = meta.UpdatedAt
	}

	if _, ok := tombstones[meta.ID]; ok {
		delete(tombstones, meta.ID)
		if !Set(ctx, l.store, tombstonesKey, tombstonesCodec, tombstones) {
			l.logger.Warn("library: tombstone not cleared", zap.String("prompt_id", meta.ID))
		}
	}

	l.committed(ctx, meta, data, origin)
	return true
}

func (l *Library) committed(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData, origin Origin) {
	if origin == OriginLocal {
		l.revision++
	}
	if l.recorder != nil {
		if err := l.recorder.Record(ctx, meta, data); err != nil {
			l.logger.Warn("library: record revision failed", zap.String("prompt_id", meta.ID), zap.Error(err))
		}
	}
	l.publish(Change{ID: meta.ID, Origin: origin})
}

func (l *Library) publish(change Change) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}

// stamp returns an epoch-ms timestamp strictly greater than previous and
// every timestamp this library has handed out before.
func (l *Library) stamp(previous int64) int64 {
	now := l.now().UnixMilli()
	floor := previous
	if l.lastStamp > floor {
		floor = l.lastStamp
	}
	if now <= floor {
		now = floor + 1
	}
	l.lastStamp = now
	return now
}

func (l *Library) index(ctx context.Context) []prompt.PromptMetadata {
	return Get(ctx, l.store, indexKey, indexCodec, []prompt.PromptMetadata{})
}

// loadIndex is index for callers that write the index back. A failed read
// reports false so the caller aborts instead of overwriting the stored index.
func (l *Library) loadIndex(ctx context.Context) ([]prompt.PromptMetadata, bool) {
	index, found, err := Fetch(ctx, l.store, indexKey, indexCodec)
	if err != nil {
		l.logger.Warn("library: index unreadable, write refused", zap.Error(err))
		return nil, false
	}
	if !found || index == nil {
		index = []prompt.PromptMetadata{}
	}
	return index, true
}

func (l *Library) loadTombstones(ctx context.Context) (map[string]int64, bool) {
	tombstones, found, err := Fetch(ctx, l.store, tombstonesKey, tombstonesCodec)
	if err != nil {
		l.logger.Warn("library: tombstones unreadable, write refused", zap.Error(err))
		return nil, false
	}
	if !found || tombstones == nil {
		tombstones = make(map[string]int64)
	}
	return tombstones, true
}

func (l *Library) tombstones(ctx context.Context) map[string]int64 {
	tombstones := Get(ctx, l.store, tombstonesKey, tombstonesCodec, nil)
	if tombstones == nil {
		tombstones = make(map[string]int64)
	}
	return tombstones
}

func findMeta(index []prompt.PromptMetadata, id string) int {
	for i, meta := range index {
		if meta.ID == id {
			return i
		}
	}
	return -1
}
