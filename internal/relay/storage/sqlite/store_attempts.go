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

// attemptRow mirrors one attempts table row before state reconstruction.
type attemptRow struct {
	id          string
	userID      string
	roundID     string
	state       string
	untilAt     sql.NullInt64
	sinceAt     sql.NullInt64
	endedAt     sql.NullInt64
	moderatorID sql.NullString
	imageRef    sql.NullString
	createdAt   int64
}

const attemptColumns = `id, user_id, round_id, state, until_at, since_at, ended_at, moderator_id, image_ref, created_at`

func scanAttempt(scan func(dest ...any) error) (domain.Attempt, error) {
	var row attemptRow
	err := scan(
		&row.id,
		&row.userID,
		&row.roundID,
		&row.state,
		&row.untilAt,
		&row.sinceAt,
		&row.endedAt,
		&row.moderatorID,
		&row.imageRef,
		&row.createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Attempt{}, storage.ErrNotFound
		}
		return domain.Attempt{}, fmt.Errorf("scan attempt: %w", err)
	}
	return row.toDomain()
}

func (r attemptRow) toDomain() (domain.Attempt, error) {
	state, err := stateFromRow(r)
	if err != nil {
		return domain.Attempt{}, err
	}
	return domain.Attempt{
		ID:        r.id,
		UserID:    r.userID,
		RoundID:   r.roundID,
		State:     state,
		CreatedAt: fromMillis(r.createdAt),
	}, nil
}

// stateFromRow rebuilds the state sum type, refusing rows that are missing
// the fields their state guarantees.
func stateFromRow(r attemptRow) (domain.State, error) {
	switch domain.StateKind(r.state) {
	case domain.StateActive:
		if !r.untilAt.Valid {
			return nil, fmt.Errorf("attempt %s: active state missing deadline", r.id)
		}
		return domain.Active{Until: fromMillis(r.untilAt.Int64)}, nil
	case domain.StateUploading:
		if !r.sinceAt.Valid {
			return nil, fmt.Errorf("attempt %s: uploading state missing start", r.id)
		}
		return domain.Uploading{Since: fromMillis(r.sinceAt.Int64)}, nil
	case domain.StatePending:
		if !r.sinceAt.Valid || !r.imageRef.Valid {
			return nil, fmt.Errorf("attempt %s: pending state missing submission", r.id)
		}
		return domain.Pending{Since: fromMillis(r.sinceAt.Int64), ImageRef: r.imageRef.String}, nil
	case domain.StateApproved:
		if !r.endedAt.Valid || !r.moderatorID.Valid || !r.imageRef.Valid {
			return nil, fmt.Errorf("attempt %s: approved state missing moderation", r.id)
		}
		return domain.Approved{
			When:        fromMillis(r.endedAt.Int64),
			ModeratorID: r.moderatorID.String,
			ImageRef:    r.imageRef.String,
		}, nil
	case domain.StateRejected:
		if !r.endedAt.Valid || !r.moderatorID.Valid || !r.imageRef.Valid {
			return nil, fmt.Errorf("attempt %s: rejected state missing moderation", r.id)
		}
		return domain.Rejected{
			When:        fromMillis(r.endedAt.Int64),
			ModeratorID: r.moderatorID.String,
			ImageRef:    r.imageRef.String,
		}, nil
	case domain.StateCancelled:
		if !r.endedAt.Valid {
			return nil, fmt.Errorf("attempt %s: cancelled state missing timestamp", r.id)
		}
		return domain.Cancelled{When: fromMillis(r.endedAt.Int64)}, nil
	case domain.StateExpired:
		if !r.endedAt.Valid {
			return nil, fmt.Errorf("attempt %s: expired state missing timestamp", r.id)
		}
		return domain.Expired{When: fromMillis(r.endedAt.Int64)}, nil
	default:
		return nil, fmt.Errorf("attempt %s: unknown state %q", r.id, r.state)
	}
}

// stateToRow flattens a state variant into its column values.
func stateToRow(state domain.State) (kind string, untilAt, sinceAt, endedAt sql.NullInt64, moderatorID, imageRef sql.NullString) {
	kind = string(state.Kind())
	switch v := state.(type) {
	case domain.Active:
		untilAt = sql.NullInt64{Int64: toMillis(v.Until), Valid: true}
	case domain.Uploading:
		sinceAt = sql.NullInt64{Int64: toMillis(v.Since), Valid: true}
	case domain.Pending:
		sinceAt = sql.NullInt64{Int64: toMillis(v.Since), Valid: true}
		imageRef = sql.NullString{String: v.ImageRef, Valid: true}
	case domain.Approved:
		endedAt = sql.NullInt64{Int64: toMillis(v.When), Valid: true}
		moderatorID = sql.NullString{String: v.ModeratorID, Valid: true}
		imageRef = sql.NullString{String: v.ImageRef, Valid: true}
	case domain.Rejected:
		endedAt = sql.NullInt64{Int64: toMillis(v.When), Valid: true}
		moderatorID = sql.NullString{String: v.ModeratorID, Valid: true}
		imageRef = sql.NullString{String: v.ImageRef, Valid: true}
	case domain.Cancelled:
		endedAt = sql.NullInt64{Int64: toMillis(v.When), Valid: true}
	case domain.Expired:
		endedAt = sql.NullInt64{Int64: toMillis(v.When), Valid: true}
	}
	return kind, untilAt, sinceAt, endedAt, moderatorID, imageRef
}

// UpdateAttemptState transitions the user's oldest attempt in state from to
// the new state. The state check and the write share one transaction, so a
// concurrent operation on the same attempt loses cleanly instead of
// double-applying.
func (s *Store) UpdateAttemptState(ctx context.Context, userID string, from domain.StateKind, to domain.State) (domain.Attempt, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Attempt{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Attempt{}, fmt.Errorf("user id is required")
	}
	if to == nil {
		return domain.Attempt{}, fmt.Errorf("target state is required")
	}
	if !domain.CanTransition(from, to.Kind()) {
		return domain.Attempt{}, fmt.Errorf("transition %s -> %s: %w", from, to.Kind(), storage.ErrStateConflict)
	}

	var updated domain.Attempt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+attemptColumns+`
			 FROM attempts
			 WHERE user_id = ? AND state = ?
			 ORDER BY created_at ASC, id ASC
			 LIMIT 1`,
			userID,
			string(from),
		)
		attempt, err := scanAttempt(row.Scan)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			// Distinguish "no attempt at all" from "attempt in another
			// state" so callers can report a precise failure.
			var total int
			countRow := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM attempts WHERE user_id = ?`, userID)
			if err := countRow.Scan(&total); err != nil {
				return fmt.Errorf("count user attempts: %w", err)
			}
			if total == 0 {
				return storage.ErrNotFound
			}
			return storage.ErrStateConflict
		}

		kind, untilAt, sinceAt, endedAt, moderatorID, imageRef := stateToRow(to)
		result, err := tx.ExecContext(
			ctx,
			`UPDATE attempts
			 SET state = ?, until_at = ?, since_at = ?, ended_at = ?, moderator_id = ?, image_ref = ?
			 WHERE id = ? AND state = ?`,
			kind,
			untilAt,
			sinceAt,
			endedAt,
			moderatorID,
			imageRef,
			attempt.ID,
			string(from),
		)
		if err != nil {
			return fmt.Errorf("update attempt state: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("update attempt state: %w", err)
		}
		if affected == 0 {
			return storage.ErrStateConflict
		}

		attempt.State = to
		updated = attempt
		return nil
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	return updated, nil
}

// GetAttempt returns one attempt by id.
func (s *Store) GetAttempt(ctx context.Context, id string) (domain.Attempt, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Attempt{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Attempt{}, fmt.Errorf("attempt id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`,
		id,
	)
	return scanAttempt(row.Scan)
}

// ExpireAttempts bulk-expires overdue Active attempts in one statement.
func (s *Store) ExpireAttempts(ctx context.Context, now time.Time) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE attempts
		 SET state = ?, until_at = NULL, ended_at = ?
		 WHERE state = ? AND until_at < ?`,
		string(domain.StateExpired),
		toMillis(now),
		string(domain.StateActive),
		toMillis(now),
	)
	if err != nil {
		return 0, translateBusy(fmt.Errorf("expire attempts: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire attempts: %w", err)
	}
	return affected, nil
}

// ActiveBetween lists Active attempts whose deadline falls in (after, until].
func (s *Store) ActiveBetween(ctx context.Context, after, until time.Time) ([]domain.Attempt, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE state = ? AND until_at > ? AND until_at <= ?
		 ORDER BY until_at ASC`,
		string(domain.StateActive),
		toMillis(after),
		toMillis(until),
	)
	if err != nil {
		return nil, fmt.Errorf("list active attempts: %w", err)
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active attempts: %w", err)
	}
	return attempts, nil
}
