package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/sketchrelay/internal/relay/domain"
	"github.com/louisbranch/sketchrelay/internal/relay/storage"
)

// UpsertUser creates the user or refreshes display name and notification
// preference. The creation timestamp is preserved across upserts.
func (s *Store) UpsertUser(ctx context.Context, user domain.User) (domain.User, error) {
	if err := s.ready(ctx); err != nil {
		return domain.User{}, err
	}
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return domain.User{}, fmt.Errorf("user id is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO users (id, display_name, notify, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = excluded.display_name,
		   notify = excluded.notify`,
		user.ID,
		user.DisplayName,
		boolToInt(user.Notify),
		toMillis(user.CreatedAt),
	)
	if err != nil {
		return domain.User{}, translateBusy(fmt.Errorf("upsert user: %w", err))
	}
	return s.GetUser(ctx, user.ID)
}

// GetUser returns one user by id.
func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	if err := s.ready(ctx); err != nil {
		return domain.User{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.User{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, display_name, notify, created_at
		 FROM users
		 WHERE id = ?`,
		id,
	)
	return scanUser(row.Scan)
}

func scanUser(scan func(dest ...any) error) (domain.User, error) {
	var user domain.User
	var notify int
	var createdAt int64
	err := scan(&user.ID, &user.DisplayName, &notify, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, storage.ErrNotFound
		}
		return domain.User{}, fmt.Errorf("scan user: %w", err)
	}
	user.Notify = notify != 0
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
