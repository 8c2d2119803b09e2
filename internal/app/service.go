package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"promptdock/internal/auth"
	"promptdock/internal/backup"
	"promptdock/internal/cloudsync"
	"promptdock/internal/config"
	"promptdock/internal/history"
	"promptdock/internal/identity"
	"promptdock/internal/localstore"
	"promptdock/internal/logging"
	"promptdock/internal/profile"
	"promptdock/internal/prompt"
	"promptdock/internal/search"
	"promptdock/internal/store"
	"promptdock/internal/undo"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// remoteStore is everything the daemon needs from the account store.
type remoteStore interface {
	cloudsync.Remote
	profile.Remote
	pinger
}

type historyStore interface {
	History(id string, limit int) ([]history.Commit, error)
	ContentAt(id, hash string) (prompt.PromptData, error)
}

// Deps are the collaborators built by main. Remote, History and Backup may
// be nil when not configured.
type Deps struct {
	Logger   *zap.Logger
	Local    pinger
	Library  *localstore.Library
	Identity *identity.Static
	Remote   remoteStore
	History  historyStore
	Search   *search.Service
	Backup   *backup.Service
}

type Service struct {
	cfg      config.Config
	logger   *zap.Logger
	local    pinger
	library  *localstore.Library
	identity *identity.Static
	undo     *undo.Manager
	remote   remoteStore
	engine   *cloudsync.Engine
	profiles *profile.Syncer
	history  historyStore
	search   *search.Service
	backup   *backup.Service
}

// PromptView is a prompt as returned by the API.
type PromptView struct {
	Metadata prompt.PromptMetadata `json:"metadata"`
	Data     prompt.PromptData     `json:"data"`
}

// UndoView describes the open undo window.
type UndoView struct {
	Kind      undo.Kind `json:"kind"`
	PromptID  string    `json:"promptId"`
	SectionID string    `json:"sectionId,omitempty"`
	ExpiresAt int64     `json:"expiresAt"`
}

// CopyView is the text a copy action puts on the clipboard.
type CopyView struct {
	Text        string `json:"text"`
	CanCopy     bool   `json:"canCopy"`
	Tokens      int    `json:"tokens"`
	TokensLabel string `json:"tokensLabel"`
	Characters  int    `json:"characters"`
}

func New(cfg config.Config, deps Deps) *Service {
	logger := logging.OrNop(deps.Logger)
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		local:    deps.Local,
		library:  deps.Library,
		identity: deps.Identity,
		remote:   deps.Remote,
		history:  deps.History,
		search:   deps.Search,
		backup:   deps.Backup,
	}
	if s.identity == nil {
		s.identity = identity.NewStatic()
	}
	if s.search == nil {
		s.search = search.NewService(nil, deps.Library, logger)
	}
	s.undo = undo.NewManager(deps.Library, cfg.UndoWindow, undo.WithLogger(logger))
	if deps.Remote != nil {
		s.engine = cloudsync.NewEngine(deps.Remote, deps.Library, s.identity,
			cloudsync.WithLogger(logger),
			cloudsync.WithNotifier(s),
			cloudsync.WithConcurrency(cfg.SyncConcurrency),
			cloudsync.WithInterval(cfg.SyncInterval),
		)
		s.profiles = profile.NewSyncer(deps.Remote,
			profile.WithLogger(logger),
			profile.OnSuccess(func(p store.Profile) {
				logger.Info("profile: remote profile updated", zap.String("user_id", p.ID))
			}),
			profile.OnError(func(err *profile.SyncError) {
				logger.Warn("profile: user notified", zap.Error(err))
			}),
		)
	}
	return s
}

// Notify surfaces a sync failure. The engine only calls it on a new error.
func (s *Service) Notify(err error) {
	s.logger.Warn("sync: user notified", zap.Error(err))
}

// Run drives background sync and index maintenance until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	if s.engine != nil {
		group.Go(func() error { return s.engine.Run(ctx) })
	}
	group.Go(func() error { return s.search.Follow(ctx) })
	return group.Wait()
}

// Authenticate verifies a bearer token and makes its identity current.
func (s *Service) Authenticate(ctx context.Context, token string) (identity.Snapshot, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return identity.Snapshot{}, err
	}
	snapshot := claims.Snapshot()
	if s.library.Owner(ctx) == snapshot.ID {
		s.identity.Set(snapshot)
	} else if err := s.switchAccount(ctx, snapshot); err != nil {
		return identity.Snapshot{}, err
	}
	if s.profiles != nil {
		s.profiles.Reconcile(ctx, snapshot)
	}
	return snapshot, nil
}

// switchAccount hands the library to a newly signed-in account. Another
// account's prompts are dropped so they are never pushed under this one.
func (s *Service) switchAccount(ctx context.Context, snapshot identity.Snapshot) error {
	var err error
	claim := func() {
		reset, ok := s.library.Claim(ctx, snapshot.ID)
		if !ok {
			err = errStorageFailure
			return
		}
		if reset {
			s.undo.Finalize()
			s.logger.Info("library reset for new account", zap.String("user_id", snapshot.ID))
		}
		s.identity.Set(snapshot)
	}
	if s.engine != nil {
		s.engine.Exclusive(claim)
	} else {
		claim()
	}
	return err
}

func (s *Service) Identity() identity.Snapshot {
	return s.identity.Snapshot()
}

// SignOut keeps the identity loaded but signed out, which stops sync.
func (s *Service) SignOut() {
	s.identity.Set(identity.Snapshot{IsLoaded: true})
}

type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Ready checks the local store and, when configured, the remote store.
func (s *Service) Ready(ctx context.Context) (bool, map[string]CheckResult) {
	checks := map[string]CheckResult{}
	ready := true

	checks["localStore"] = runCheck(ctx, s.local)
	if checks["localStore"].Status == "error" {
		ready = false
	}
	if s.remote == nil {
		checks["database"] = CheckResult{Status: "disabled"}
	} else {
		checks["database"] = runCheck(ctx, s.remote)
		if checks["database"].Status == "error" {
			ready = false
		}
	}
	return ready, checks
}

func runCheck(ctx context.Context, target pinger) CheckResult {
	if target == nil {
		return CheckResult{Status: "disabled"}
	}
	if err := target.Ping(ctx); err != nil {
		return CheckResult{Status: "error", Error: err.Error()}
	}
	return CheckResult{Status: "ok"}
}

func (s *Service) ListPrompts(ctx context.Context) []prompt.PromptMetadata {
	return s.library.List(ctx)
}

func (s *Service) SearchPrompts(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}

func (s *Service) CreatePrompt(ctx context.Context, title string) (PromptView, error) {
	meta, ok := s.library.Create(ctx, strings.TrimSpace(title))
	if !ok {
		return PromptView{}, errStorageFailure
	}
	data, ok := s.library.Load(ctx, meta.ID)
	if !ok {
		return PromptView{}, errStorageFailure
	}
	return PromptView{Metadata: meta, Data: data}, nil
}

func (s *Service) GetPrompt(ctx context.Context, id string) (PromptView, error) {
	meta, ok := s.library.Metadata(ctx, id)
	if !ok {
		return PromptView{}, errPromptNotFound
	}
	data, ok := s.library.Load(ctx, id)
	if !ok {
		return PromptView{}, errPromptNotFound
	}
	return PromptView{Metadata: meta, Data: data}, nil
}

// SavePrompt replaces the body. Sections without an id get one.
func (s *Service) SavePrompt(ctx context.Context, id string, data prompt.PromptData) (prompt.PromptMetadata, error) {
	if _, ok := s.library.Metadata(ctx, id); !ok {
		return prompt.PromptMetadata{}, errPromptNotFound
	}
	seen := make(map[string]struct{}, len(data.Sections))
	for i := range data.Sections {
		if data.Sections[i].ID == "" {
			data.Sections[i].ID = prompt.NewSection().ID
		}
		if _, dup := seen[data.Sections[i].ID]; dup {
			return prompt.PromptMetadata{}, duplicateSection(data.Sections[i].ID)
		}
		seen[data.Sections[i].ID] = struct{}{}
	}
	meta, ok := s.library.Save(ctx, id, data)
	if !ok {
		return prompt.PromptMetadata{}, errStorageFailure
	}
	return meta, nil
}

func (s *Service) ShareOptions(ctx context.Context, id, token, sharedBy string) (prompt.PromptMetadata, error) {
	var sharedAt int64
	if token != "" {
		sharedAt = time.Now().UnixMilli()
	}
	meta, ok := s.library.SetShare(ctx, id, token, sharedAt, sharedBy)
	if !ok {
		if _, exists := s.library.Metadata(ctx, id); !exists {
			return prompt.PromptMetadata{}, errPromptNotFound
		}
		return prompt.PromptMetadata{}, errStorageFailure
	}
	return meta, nil
}

func (s *Service) CopyText(ctx context.Context, id string) (CopyView, error) {
	view, err := s.GetPrompt(ctx, id)
	if err != nil {
		return CopyView{}, err
	}
	tokens := prompt.CountTokens(view.Data)
	return CopyView{
		Text:        prompt.ComposeText(view.Data),
		CanCopy:     prompt.CanCopySections(view.Data.Sections) || strings.TrimSpace(view.Data.Instructions) != "",
		Tokens:      tokens,
		TokensLabel: prompt.FormatCompactNumber(tokens),
		Characters:  prompt.EnabledContentLength(view.Data.Sections),
	}, nil
}

func (s *Service) DeletePrompt(ctx context.Context, id string) (UndoView, error) {
	if _, ok := s.library.Metadata(ctx, id); !ok {
		return UndoView{}, errPromptNotFound
	}
	if _, ok := s.undo.DeletePrompt(ctx, id); !ok {
		return UndoView{}, errStorageFailure
	}
	return s.pendingView(), nil
}

func (s *Service) DeleteSection(ctx context.Context, promptID, sectionID string) (UndoView, error) {
	data, ok := s.library.Load(ctx, promptID)
	if !ok {
		return UndoView{}, errPromptNotFound
	}
	if _, _, exists := prompt.FindSectionByID(data.Sections, sectionID); !exists {
		return UndoView{}, errSectionNotFound
	}
	if _, ok := s.undo.DeleteSection(ctx, promptID, sectionID); !ok {
		return UndoView{}, errStorageFailure
	}
	return s.pendingView(), nil
}

// PendingUndo reports the open undo window, if any.
func (s *Service) PendingUndo() (UndoView, bool) {
	if _, ok := s.undo.Pending(); !ok {
		return UndoView{}, false
	}
	return s.pendingView(), true
}

func (s *Service) Undo(ctx context.Context) bool {
	return s.undo.Undo(ctx)
}

func (s *Service) pendingView() UndoView {
	pending, ok := s.undo.Pending()
	if !ok {
		return UndoView{}
	}
	return UndoView{
		Kind:      pending.Kind,
		PromptID:  pending.PromptID,
		SectionID: pending.SectionID,
		ExpiresAt: pending.Deadline.UnixMilli(),
	}
}

func (s *Service) SyncStatus() (cloudsync.Status, error) {
	if s.engine == nil {
		return cloudsync.Status{}, errSyncDisabled
	}
	return s.engine.Status(), nil
}

// SyncNow runs a pass immediately, even when nothing changed locally.
func (s *Service) SyncNow(ctx context.Context) (cloudsync.Report, error) {
	if s.engine == nil {
		return cloudsync.Report{}, errSyncDisabled
	}
	report, err := s.engine.Refresh(ctx)
	if err != nil {
		return report, syncFailed(err, report)
	}
	return report, nil
}

func (s *Service) History(id string, limit int) ([]history.Commit, error) {
	if s.history == nil {
		return nil, errHistoryDisabled
	}
	commits, err := s.history.History(id, limit)
	if errors.Is(err, history.ErrNoHistory) {
		return []history.Commit{}, nil
	}
	if errors.Is(err, history.ErrInvalidID) {
		return nil, errPromptNotFound
	}
	return commits, err
}

func (s *Service) Revision(id, hash string) (prompt.PromptData, error) {
	if s.history == nil {
		return prompt.PromptData{}, errHistoryDisabled
	}
	data, err := s.history.ContentAt(id, hash)
	if errors.Is(err, history.ErrNoHistory) || errors.Is(err, history.ErrInvalidID) {
		return prompt.PromptData{}, errPromptNotFound
	}
	return data, err
}

func (s *Service) ExportSnapshot(ctx context.Context) (string, int, error) {
	if s.backup == nil {
		return "", 0, errBackupDisabled
	}
	return s.backup.Export(ctx)
}

func (s *Service) Snapshots(ctx context.Context) ([]backup.ObjectInfo, error) {
	if s.backup == nil {
		return nil, errBackupDisabled
	}
	return s.backup.Snapshots(ctx)
}

func (s *Service) RestoreSnapshot(ctx context.Context, name string) (backup.ImportReport, error) {
	if s.backup == nil {
		return backup.ImportReport{}, errBackupDisabled
	}
	report, err := s.backup.Import(ctx, name)
	if errors.Is(err, backup.ErrNoSnapshots) || errors.Is(err, backup.ErrObjectNotFound) {
		return report, errSnapshotNotFound
	}
	return report, err
}
