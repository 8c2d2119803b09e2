// Package identity describes who is signed in, as reported by an external
// identity provider. Nothing here handles credentials.
package identity

import "sync"

// Snapshot is the provider's view of the current account. IsLoaded false
// means "unknown", which is different from signed out.
type Snapshot struct {
	IsLoaded     bool   `json:"isLoaded"`
	IsSignedIn   bool   `json:"isSignedIn"`
	ID           string `json:"id,omitempty"`
	PrimaryEmail string `json:"primaryEmail,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	AvatarURL    string `json:"avatarUrl,omitempty"`
}

// Ready reports whether sync may act for this snapshot.
func (s Snapshot) Ready() bool {
	return s.IsLoaded && s.IsSignedIn && s.ID != ""
}

type Provider interface {
	Snapshot() Snapshot
}

// Static is a Provider whose snapshot is pushed in by the host.
type Static struct {
	mu      sync.RWMutex
	current Snapshot
	changed chan struct{}
}

// NewStatic starts in the loading state.
func NewStatic() *Static {
	return &Static{changed: make(chan struct{}, 1)}
}

func (s *Static) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the snapshot and signals Changed when it differs.
func (s *Static) Set(next Snapshot) {
	s.mu.Lock()
	changed := s.current != next
	s.current = next
	s.mu.Unlock()

	if !changed {
		return
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Changed fires after Set stored a different snapshot. Signals coalesce.
func (s *Static) Changed() <-chan struct{} {
	return s.changed
}
