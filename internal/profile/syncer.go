// Package profile mirrors the signed-in identity's display profile into the
// remote account store.
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"promptdock/internal/identity"
	"promptdock/internal/logging"
	"promptdock/internal/store"
)

type Remote interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	UpsertProfile(ctx context.Context, profile store.Profile) error
}

// SyncError is the normalized failure handed to OnError.
type SyncError struct {
	Op  string
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("profile %s: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeUpserted  Outcome = "upserted"
	OutcomeFailed    Outcome = "failed"
)

type Syncer struct {
	remote    Remote
	logger    *zap.Logger
	onSuccess func(store.Profile)
	onError   func(*SyncError)

	mu        sync.Mutex
	attempted *identity.Snapshot
	inFlight  bool
}

type Option func(*Syncer)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Syncer) { s.logger = logging.OrNop(logger) }
}

// OnSuccess runs after the remote profile was written. It does not fire when
// the stored email already matches and Reconcile returns OutcomeUnchanged.
func OnSuccess(fn func(store.Profile)) Option {
	return func(s *Syncer) { s.onSuccess = fn }
}

func OnError(fn func(*SyncError)) Option {
	return func(s *Syncer) { s.onError = fn }
}

func NewSyncer(remote Remote, opts ...Option) *Syncer {
	s := &Syncer{remote: remote, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reconcile writes the snapshot's profile once per distinct loaded state.
// Repeated calls with the same snapshot do nothing; a failed attempt may be
// retried by calling again.
func (s *Syncer) Reconcile(ctx context.Context, snapshot identity.Snapshot) Outcome {
	if !snapshot.Ready() {
		return OutcomeSkipped
	}

	s.mu.Lock()
	if s.inFlight || (s.attempted != nil && *s.attempted == snapshot) {
		s.mu.Unlock()
		return OutcomeSkipped
	}
	s.attempted = &snapshot
	s.inFlight = true
	s.mu.Unlock()

	outcome, err := s.reconcile(ctx, snapshot)

	s.mu.Lock()
	s.inFlight = false
	if err != nil && s.attempted != nil && *s.attempted == snapshot {
		s.attempted = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("profile: sync failed", zap.String("user_id", snapshot.ID), zap.Error(err))
		if s.onError != nil {
			s.onError(err)
		}
		return OutcomeFailed
	}
	return outcome
}

func (s *Syncer) reconcile(ctx context.Context, snapshot identity.Snapshot) (outcome Outcome, syncErr *SyncError) {
	defer func() {
		if r := recover(); r != nil {
			outcome, syncErr = OutcomeFailed, &SyncError{Op: "panic", Err: fmt.Errorf("%v", r)}
		}
	}()

	existing, err := s.remote.GetProfile(ctx, snapshot.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return OutcomeFailed, &SyncError{Op: "lookup", Err: err}
	case strings.EqualFold(existing.Email, snapshot.PrimaryEmail):
		return OutcomeUnchanged, nil
	}

	next := store.Profile{
		ID:        snapshot.ID,
		Email:     snapshot.PrimaryEmail,
		FullName:  snapshot.DisplayName,
		AvatarURL: snapshot.AvatarURL,
	}
	if err := s.remote.UpsertProfile(ctx, next); err != nil {
		return OutcomeFailed, &SyncError{Op: "upsert", Err: err}
	}
	if s.onSuccess != nil {
		s.onSuccess(next)
	}
	return OutcomeUpserted, nil
}
