// Package cloudsync reconciles the local prompt library with the account's
// remote copy using last-write-wins on client_updated_at.
package cloudsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"promptdock/internal/identity"
	"promptdock/internal/localstore"
	"promptdock/internal/logging"
	"promptdock/internal/prompt"
	"promptdock/internal/store"
)

const (
	DefaultConcurrency = 4
	DefaultInterval    = 30 * time.Second
)

// Remote is the account-scoped part of the remote store the engine needs.
type Remote interface {
	ListPrompts(ctx context.Context, userID string) ([]prompt.CloudPromptUpsert, error)
	// GetPrompt returns store.ErrNotFound when the account has no such prompt.
	GetPrompt(ctx context.Context, userID, id string) (prompt.CloudPromptUpsert, error)
	UpsertPrompt(ctx context.Context, userID string, item prompt.CloudPromptUpsert) error
	DeletePrompt(ctx context.Context, userID, id string) error
}

// Library is the local side of reconciliation.
type Library interface {
	List(ctx context.Context) []prompt.PromptMetadata
	Load(ctx context.Context, id string) (prompt.PromptData, bool)
	Metadata(ctx context.Context, id string) (prompt.PromptMetadata, bool)
	PutIfNewer(ctx context.Context, meta prompt.PromptMetadata, data prompt.PromptData) bool
	Tombstones(ctx context.Context) map[string]int64
	ClearTombstone(ctx context.Context, id string) bool
	Revision() uint64
	Subscribe() (<-chan localstore.Change, func())
}

// Notifier shows a sync failure to the user without interrupting them.
type Notifier interface {
	Notify(err error)
}

type NotifierFunc func(err error)

func (f NotifierFunc) Notify(err error) { f(err) }

// Skip reasons reported when a trigger does no I/O.
const (
	ReasonIdentityLoading  = "identity-loading"
	ReasonSignedOut        = "signed-out"
	ReasonAlreadyAttempted = "already-attempted"
	ReasonInFlight         = "in-flight"
	ReasonIdentityChanged  = "identity-changed"
)

// Report summarizes one reconciliation pass.
type Report struct {
	Skipped       bool   `json:"skipped"`
	Reason        string `json:"reason,omitempty"`
	Pushed        int    `json:"pushed"`
	Pulled        int    `json:"pulled"`
	DeletedRemote int    `json:"deletedRemote"`
	Unchanged     int    `json:"unchanged"`
	Conflicts     int    `json:"conflicts"`
	Superseded    int    `json:"superseded"`
	Failed        int    `json:"failed"`
}

type Status struct {
	InFlight   bool   `json:"inFlight"`
	LastError  string `json:"lastError,omitempty"`
	LastSyncAt int64  `json:"lastSyncAt,omitempty"`
	LastReport Report `json:"lastReport"`
}

type action int

const (
	actionUnchanged action = iota
	actionPush
	actionPull
	actionDeleteRemote
	actionForgetTombstone
)

type Engine struct {
	remote      Remote
	library     Library
	identity    identity.Provider
	logger      *zap.Logger
	notifier    Notifier
	concurrency int
	interval    time.Duration
	now         func() time.Time
	calls       singleflight.Group

	// gate is held for the whole of a pass and by Exclusive.
	gate sync.Mutex

	mu         sync.Mutex
	attempted  string
	inFlight   bool
	lastErr    error
	lastSyncAt time.Time
	lastReport Report
}

type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logging.OrNop(logger) }
}

func WithNotifier(notifier Notifier) Option {
	return func(e *Engine) { e.notifier = notifier }
}

func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(remote Remote, library Library, provider identity.Provider, opts ...Option) *Engine {
	e := &Engine{
		remote:      remote,
		library:     library,
		identity:    provider,
		logger:      zap.NewNop(),
		concurrency: DefaultConcurrency,
		interval:    DefaultInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger runs a pass unless this identity was already reconciled at the
// current local revision or a pass is running.
func (e *Engine) Trigger(ctx context.Context) (Report, error) {
	return e.run(ctx, false)
}

// Refresh runs a pass even when the local revision is unchanged, picking up
// edits made on other devices. It still never overlaps a running pass.
func (e *Engine) Refresh(ctx context.Context) (Report, error) {
	return e.run(ctx, true)
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := Status{InFlight: e.inFlight, LastReport: e.lastReport}
	if e.lastErr != nil {
		status.LastError = e.lastErr.Error()
	}
	if !e.lastSyncAt.IsZero() {
		status.LastSyncAt = e.lastSyncAt.UnixMilli()
	}
	return status
}

// Run reconciles on local changes, identity changes and every interval
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	changes, unsubscribe := e.library.Subscribe()
	defer unsubscribe()

	var identityChanged <-chan struct{}
	if notifier, ok := e.identity.(interface{ Changed() <-chan struct{} }); ok {
		identityChanged = notifier.Changed()
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.runLogged(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.Origin == localstore.OriginSync {
				continue
			}
			drain(changes)
			e.runLogged(ctx, false)
		case <-identityChanged:
			e.runLogged(ctx, false)
		case <-ticker.C:
			e.runLogged(ctx, true)
		}
	}
}

func (e *Engine) runLogged(ctx context.Context, force bool) {
	report, err := e.run(ctx, force)
	if err != nil {
		e.logger.Warn("cloudsync: pass failed", zap.Error(err), zap.Int("failed", report.Failed))
		return
	}
	if !report.Skipped {
		e.logger.Debug("cloudsync: pass complete",
			zap.Int("pushed", report.Pushed),
			zap.Int("pulled", report.Pulled),
			zap.Int("deleted_remote", report.DeletedRemote),
			zap.Int("conflicts", report.Conflicts))
	}
}

func drain(changes <-chan localstore.Change) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (e *Engine) run(ctx context.Context, force bool) (Report, error) {
	snapshot := e.identity.Snapshot()
	if !snapshot.IsLoaded {
		return Report{Skipped: true, Reason: ReasonIdentityLoading}, nil
	}
	if !snapshot.IsSignedIn || snapshot.ID == "" {
		return Report{Skipped: true, Reason: ReasonSignedOut}, nil
	}

	key := fmt.Sprintf("%s@%d", snapshot.ID, e.library.Revision())
	e.mu.Lock()
	if e.inFlight {
		e.mu.Unlock()
		return Report{Skipped: true, Reason: ReasonInFlight}, nil
	}
	if !force && e.attempted == key {
		e.mu.Unlock()
		return Report{Skipped: true, Reason: ReasonAlreadyAttempted}, nil
	}
	e.attempted = key
	e.inFlight = true
	e.mu.Unlock()

	e.gate.Lock()
	defer e.gate.Unlock()
	if current := e.identity.Snapshot(); !current.IsSignedIn || current.ID != snapshot.ID {
		e.abandon(key)
		return Report{Skipped: true, Reason: ReasonIdentityChanged}, nil
	}

	report, err := e.pass(ctx, snapshot.ID)
	e.finish(key, report, err)
	return report, err
}

// Exclusive runs fn while no pass is running. A pass that was waiting
// re-reads the identity afterwards and is dropped if the account changed.
func (e *Engine) Exclusive(fn func()) {
	e.gate.Lock()
	defer e.gate.Unlock()
	fn()
}

func (e *Engine) abandon(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight = false
	if e.attempted == key {
		e.attempted = ""
	}
}

func (e *Engine) finish(key string, report Report, err error) {
	e.mu.Lock()
	e.inFlight = false
	e.lastReport = report
	var announce error
	if err != nil {
		if e.attempted == key {
			e.attempted = ""
		}
		if e.lastErr == nil || e.lastErr.Error() != err.Error() {
			announce = err
		}
		e.lastErr = err
	} else {
		e.lastErr = nil
		e.lastSyncAt = e.now()
	}
	e.mu.Unlock()

	if announce != nil && e.notifier != nil {
		e.notifier.Notify(announce)
	}
}

type decision struct {
	id     string
	action action
	local  prompt.CloudPromptUpsert
	remote prompt.CloudPromptUpsert
}

func (e *Engine) pass(ctx context.Context, userID string) (Report, error) {
	remoteItems, err := e.remote.ListPrompts(ctx, userID)
	if err != nil {
		return Report{Failed: 1}, fmt.Errorf("fetch remote prompts: %w", err)
	}

	var report Report
	decisions, err := e.plan(ctx, remoteItems, &report)

	var (
		mu    sync.Mutex
		group errgroup.Group
	)
	group.SetLimit(e.concurrency)
	for _, d := range decisions {
		group.Go(func() error {
			outcome, err := e.execute(ctx, userID, d)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				return err
			}
			outcome.apply(&report)
			return nil
		})
	}
	if waitErr := group.Wait(); waitErr != nil {
		err = errors.Join(err, waitErr)
	}
	return report, err
}

// plan compares every id known locally, remotely or as a tombstone.
func (e *Engine) plan(ctx context.Context, remoteItems []prompt.CloudPromptUpsert, report *Report) ([]decision, error) {
	remote := make(map[string]prompt.CloudPromptUpsert, len(remoteItems))
	for _, item := range remoteItems {
		remote[item.ID] = item
	}
	local := make(map[string]prompt.PromptMetadata)
	for _, meta := range e.library.List(ctx) {
		local[meta.ID] = meta
	}
	tombstones := e.library.Tombstones(ctx)

	ids := make(map[string]struct{}, len(remote)+len(local)+len(tombstones))
	for id := range remote {
		ids[id] = struct{}{}
	}
	for id := range local {
		ids[id] = struct{}{}
	}
	for id := range tombstones {
		ids[id] = struct{}{}
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	var (
		decisions []decision
		loadErrs  []error
	)
	for _, id := range ordered {
		remoteItem, hasRemote := remote[id]
		meta, hasLocal := local[id]
		d := decision{id: id, remote: remoteItem}

		if hasLocal {
			data, ok := e.library.Load(ctx, id)
			if !ok {
				report.Failed++
				loadErrs = append(loadErrs, fmt.Errorf("load local prompt %s", id))
				continue
			}
			d.local = prompt.ToCloud(meta, data)
		}

		switch {
		case hasLocal && hasRemote:
			d.action = resolve(d.local, remoteItem)
			if d.action != actionUnchanged {
				report.Conflicts++
			}
		case hasLocal:
			d.action = actionPush
		case hasRemote:
			if deletedAt, ok := tombstones[id]; ok && deletedAt >= remoteItem.ClientUpdatedAt {
				d.action = actionDeleteRemote
			} else {
				d.action = actionPull
			}
		default:
			d.action = actionForgetTombstone
		}

		if d.action == actionUnchanged {
			report.Unchanged++
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions, errors.Join(loadErrs...)
}

var bodyEquality = cmpopts.EquateEmpty()

// resolve applies last-write-wins to a record present on both sides. The
// strictly newer client_updated_at wins; on a tie the local copy wins and is
// pushed only when it differs from the remote one.
func resolve(local, remote prompt.CloudPromptUpsert) action {
	switch {
	case local.ClientUpdatedAt > remote.ClientUpdatedAt:
		return actionPush
	case local.ClientUpdatedAt < remote.ClientUpdatedAt:
		return actionPull
	case cmp.Equal(local, remote, bodyEquality):
		return actionUnchanged
	default:
		return actionPush
	}
}

type outcome int

const (
	outcomePushed outcome = iota
	outcomePulled
	outcomeDeletedRemote
	outcomeSuperseded
	outcomeForgotten
)

func (o outcome) apply(report *Report) {
	switch o {
	case outcomePushed:
		report.Pushed++
	case outcomePulled:
		report.Pulled++
	case outcomeDeletedRemote:
		report.DeletedRemote++
	case outcomeSuperseded:
		report.Superseded++
	}
}

func (e *Engine) execute(ctx context.Context, userID string, d decision) (outcome, error) {
	switch d.action {
	case actionPush:
		// The plan may be stale: another device can write between the list
		// and this push. A newer remote row turns the push into a pull.
		var newer *prompt.CloudPromptUpsert
		if err := e.once(userID, d.id, func() error {
			current, err := e.remote.GetPrompt(ctx, userID, d.id)
			switch {
			case errors.Is(err, store.ErrNotFound):
			case err != nil:
				return fmt.Errorf("fetch current copy: %w", err)
			case current.ClientUpdatedAt > d.local.ClientUpdatedAt:
				newer = &current
				return nil
			}
			return e.remote.UpsertPrompt(ctx, userID, d.local)
		}); err != nil {
			return 0, fmt.Errorf("push prompt %s: %w", d.id, err)
		}
		if newer != nil {
			return e.execute(ctx, userID, decision{id: d.id, action: actionPull, remote: *newer})
		}
		return outcomePushed, nil

	case actionPull:
		meta, data := prompt.FromCloud(d.remote)
		if e.library.PutIfNewer(ctx, meta, data) {
			return outcomePulled, nil
		}
		// A local edit or delete landed after planning; the next pass pushes it.
		if current, ok := e.library.Metadata(ctx, d.id); ok && current.UpdatedAt >= meta.UpdatedAt {
			return outcomeSuperseded, nil
		}
		if deletedAt, ok := e.library.Tombstones(ctx)[d.id]; ok && deletedAt >= meta.UpdatedAt {
			return outcomeSuperseded, nil
		}
		return 0, fmt.Errorf("pull prompt %s: local write failed", d.id)

	case actionDeleteRemote:
		if err := e.once(userID, d.id, func() error {
			return e.remote.DeletePrompt(ctx, userID, d.id)
		}); err != nil {
			return 0, fmt.Errorf("delete remote prompt %s: %w", d.id, err)
		}
		if !e.library.ClearTombstone(ctx, d.id) {
			e.logger.Warn("cloudsync: tombstone not cleared", zap.String("prompt_id", d.id))
		}
		return outcomeDeletedRemote, nil

	case actionForgetTombstone:
		if !e.library.ClearTombstone(ctx, d.id) {
			e.logger.Warn("cloudsync: tombstone not cleared", zap.String("prompt_id", d.id))
		}
		return outcomeForgotten, nil
	}
	return 0, fmt.Errorf("unknown sync action %d for %s", d.action, d.id)
}

// once keeps at most one remote call per record in flight.
func (e *Engine) once(userID, id string, call func() error) error {
	_, err, _ := e.calls.Do(userID+"/"+id, func() (any, error) {
		return nil, call()
	})
	return err
}
