package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"promptdock/internal/prompt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrForeignPrompt is returned when an upsert targets an id owned by another account.
	ErrForeignPrompt = errors.New("prompt belongs to another account")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertPrompt writes the full record by id, scoped to userID.
func (s *PostgresStore) UpsertPrompt(ctx context.Context, userID string, item prompt.CloudPromptUpsert) error {
	payload, err := json.Marshal(item.Data)
	if err != nil {
		return fmt.Errorf("marshal prompt data: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO prompts (id, user_id, title, description, section_count, token_count, data, client_created_at, client_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			title=EXCLUDED.title,
			description=EXCLUDED.description,
			section_count=EXCLUDED.section_count,
			token_count=EXCLUDED.token_count,
			data=EXCLUDED.data,
			client_created_at=EXCLUDED.client_created_at,
			client_updated_at=EXCLUDED.client_updated_at,
			updated_at=NOW()
		WHERE prompts.user_id = EXCLUDED.user_id
	`, item.ID, userID, item.Title, nilIfEmpty(item.Description), item.SectionCount, item.TokenCount,
		string(payload), item.ClientCreatedAt, item.ClientUpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert prompt: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert prompt rows: %w", err)
	}
	if affected == 0 {
		return ErrForeignPrompt
	}
	return nil
}

// ListPrompts fetches every prompt of the account.
func (s *PostgresStore) ListPrompts(ctx context.Context, userID string) ([]prompt.CloudPromptUpsert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, section_count, token_count, data, client_created_at, client_updated_at
		FROM prompts
		WHERE user_id=$1
		ORDER BY client_updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	items := make([]prompt.CloudPromptUpsert, 0)
	for rows.Next() {
		item, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPrompt(ctx context.Context, userID, id string) (prompt.CloudPromptUpsert, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, section_count, token_count, data, client_created_at, client_updated_at
		FROM prompts
		WHERE user_id=$1 AND id=$2
	`, userID, id)
	item, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return prompt.CloudPromptUpsert{}, ErrNotFound
	}
	return item, err
}

// DeletePrompt removes the account's copy. Deleting a missing row is not an error.
func (s *PostgresStore) DeletePrompt(ctx context.Context, userID, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE user_id=$1 AND id=$2`, userID, id); err != nil {
		return fmt.Errorf("delete prompt: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	var (
		profile   Profile
		fullName  sql.NullString
		avatarURL sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, full_name, avatar_url, updated_at
		FROM profiles
		WHERE id=$1
	`, id).Scan(&profile.ID, &profile.Email, &fullName, &avatarURL, &profile.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	profile.FullName = fullName.String
	profile.AvatarURL = avatarURL.String
	return profile, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, profile Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, full_name, avatar_url)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email=EXCLUDED.email,
			full_name=EXCLUDED.full_name,
			avatar_url=EXCLUDED.avatar_url,
			updated_at=NOW()
	`, profile.ID, profile.Email, nilIfEmpty(profile.FullName), nilIfEmpty(profile.AvatarURL))
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row rowScanner) (prompt.CloudPromptUpsert, error) {
	var (
		item        prompt.CloudPromptUpsert
		description sql.NullString
		payload     []byte
	)
	err := row.Scan(&item.ID, &item.Title, &description, &item.SectionCount, &item.TokenCount,
		&payload, &item.ClientCreatedAt, &item.ClientUpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return prompt.CloudPromptUpsert{}, err
	}
	if err != nil {
		return prompt.CloudPromptUpsert{}, fmt.Errorf("scan prompt: %w", err)
	}
	item.Description = description.String
	if err := json.Unmarshal(payload, &item.Data); err != nil {
		return prompt.CloudPromptUpsert{}, fmt.Errorf("decode prompt %s data: %w", item.ID, err)
	}
	return item, nil
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
