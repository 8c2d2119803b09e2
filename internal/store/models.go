package store

import "time"

// Profile is the account's display profile as stored remotely.
type Profile struct {
	ID        string
	Email     string
	FullName  string
	AvatarURL string
	UpdatedAt time.Time
}
