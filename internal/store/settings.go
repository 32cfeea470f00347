package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowgraph/pkg/schema"
)

// --- LLM settings ---

// UpsertLLMSettings inserts or updates the row for (user, provider). When
// the row is active every other row of the user is deactivated.
func (s *LibSQLStore) UpsertLLMSettings(ctx context.Context, settings *LLMSettings) error {
	if settings.UserID == "" || settings.Provider == "" {
		return schema.NewError(schema.ErrCodeValidation, "user_id and provider are required")
	}
	now := time.Now().UTC()
	if settings.ID == "" {
		settings.ID = uuid.NewString()
	}
	settings.CreatedAt = timeOrNow(settings.CreatedAt)
	settings.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if settings.IsActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE llm_settings SET is_active = 0, updated_at = ? WHERE user_id = ? AND provider <> ?`,
			stamp(now), settings.UserID, settings.Provider); err != nil {
			return fmt.Errorf("deactivate settings: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO llm_settings (id, user_id, provider, api_key, base_url, model, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET
		   api_key=excluded.api_key, base_url=excluded.base_url, model=excluded.model,
		   is_active=excluded.is_active, updated_at=excluded.updated_at`,
		settings.ID, settings.UserID, settings.Provider, settings.APIKey,
		nullStr(settings.BaseURL), nullStr(settings.Model), boolInt(settings.IsActive),
		stamp(settings.CreatedAt), stamp(settings.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert settings: %w", err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetActiveLLMSettings(ctx context.Context, userID string) (*LLMSettings, error) {
	st := &LLMSettings{}
	var baseURL, model sql.NullString
	var active int
	var created, updated nullTimestamp
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, provider, api_key, base_url, model, is_active, created_at, updated_at
		 FROM llm_settings WHERE user_id = ? AND is_active = 1 ORDER BY updated_at DESC LIMIT 1`, userID,
	).Scan(&st.ID, &st.UserID, &st.Provider, &st.APIKey, &baseURL, &model, &active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("active llm settings for user", userID)
	}
	if err != nil {
		return nil, err
	}
	st.CreatedAt, st.UpdatedAt = created.Time, updated.Time
	st.BaseURL = baseURL.String
	st.Model = model.String
	st.IsActive = active == 1
	return st, nil
}
