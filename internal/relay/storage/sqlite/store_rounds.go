package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/sketchrelay/internal/platform/id"
	"github.com/louisbranch/sketchrelay/internal/relay/domain"
	"github.com/louisbranch/sketchrelay/internal/relay/storage"
)

const roundColumns = `id, mode, nsfw, round_no, multiplex, created_at, COALESCE(source_attempt_id, '')`

func scanRound(scan func(dest ...any) error) (domain.Round, error) {
	var round domain.Round
	var nsfw int
	var createdAt int64
	err := scan(
		&round.ID,
		&round.Mode,
		&nsfw,
		&round.RoundNo,
		&round.Multiplex,
		&createdAt,
		&round.SourceAttemptID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Round{}, storage.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("scan round: %w", err)
	}
	round.NSFW = nsfw != 0
	round.CreatedAt = fromMillis(createdAt)
	return round, nil
}

// CreateRoundWithAttempt inserts a fresh round together with the user's
// Active attempt, atomically. Used only for round 0; later rounds exist
// solely through forwarding.
func (s *Store) CreateRoundWithAttempt(ctx context.Context, round domain.Round, userID string, until time.Time) (storage.AllocatedRound, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AllocatedRound{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.AllocatedRound{}, fmt.Errorf("user id is required")
	}
	if round.Multiplex <= 0 {
		return storage.AllocatedRound{}, fmt.Errorf("round multiplex must be greater than zero")
	}

	now := time.Now().UTC()
	if round.CreatedAt.IsZero() {
		round.CreatedAt = now
	}
	roundID, err := id.NewID()
	if err != nil {
		return storage.AllocatedRound{}, fmt.Errorf("generate round id: %w", err)
	}
	round.ID = roundID

	var allocated storage.AllocatedRound
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO rounds (id, mode, nsfw, round_no, multiplex, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			round.ID,
			string(round.Mode),
			boolToInt(round.NSFW),
			round.RoundNo,
			round.Multiplex,
			toMillis(round.CreatedAt),
		); err != nil {
			return fmt.Errorf("insert round: %w", err)
		}

		attempt, err := insertActiveAttempt(ctx, tx, userID, round.ID, until, now)
		if err != nil {
			return err
		}
		allocated = storage.AllocatedRound{Round: round, Attempt: attempt}
		return nil
	})
	if err != nil {
		return storage.AllocatedRound{}, err
	}
	return allocated, nil
}

// AllocateExistingRound claims a slot on an eligible round in one
// transaction: the capacity and no-double-attempt checks read the same
// committed state the attempt insert writes against, so two concurrent
// callers can never both squeeze into the last slot.
func (s *Store) AllocateExistingRound(ctx context.Context, userID string, mode domain.Mode, nsfw bool, roundNo int, until time.Time) (storage.AllocatedRound, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AllocatedRound{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.AllocatedRound{}, fmt.Errorf("user id is required")
	}
	if roundNo < 0 {
		return storage.AllocatedRound{}, fmt.Errorf("round number must not be negative")
	}

	now := time.Now().UTC()
	occupying := occupyingStatesSQL()
	var allocated storage.AllocatedRound
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Candidates are ordered by how often this user already appears
		// in the round's ancestor chain, fewest first, to spread one
		// player's contributions across branches.
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+roundColumns+`,
			   (SELECT COUNT(*)
			      FROM lineage_edges e
			      JOIN attempts pa ON pa.id = e.attempt_id
			     WHERE e.round_id = rounds.id AND pa.user_id = ?) AS prior_appearances
			 FROM rounds
			 WHERE mode = ? AND nsfw = ? AND round_no = ?
			   AND (SELECT COUNT(*) FROM attempts a
			          WHERE a.round_id = rounds.id AND a.state IN `+occupying+`) < multiplex
			   AND NOT EXISTS (SELECT 1 FROM attempts a
			          WHERE a.round_id = rounds.id AND a.user_id = ? AND a.state IN `+occupying+`)
			 ORDER BY prior_appearances ASC, RANDOM()
			 LIMIT 1`,
			userID,
			string(mode),
			boolToInt(nsfw),
			roundNo,
			userID,
		)
		var prior int
		round, err := scanRoundWithExtra(row.Scan, &prior)
		if err != nil {
			return err
		}

		attempt, err := insertActiveAttempt(ctx, tx, userID, round.ID, until, now)
		if err != nil {
			return err
		}
		previous, err := roundAncestorsTx(ctx, tx, round.ID)
		if err != nil {
			return err
		}
		allocated = storage.AllocatedRound{Round: round, Attempt: attempt, Previous: previous}
		return nil
	})
	if err != nil {
		return storage.AllocatedRound{}, err
	}
	return allocated, nil
}

func scanRoundWithExtra(scan func(dest ...any) error, extra ...any) (domain.Round, error) {
	var round domain.Round
	var nsfw int
	var createdAt int64
	dest := []any{
		&round.ID,
		&round.Mode,
		&nsfw,
		&round.RoundNo,
		&round.Multiplex,
		&createdAt,
		&round.SourceAttemptID,
	}
	dest = append(dest, extra...)
	err := scan(dest...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Round{}, storage.ErrNotFound
		}
		return domain.Round{}, fmt.Errorf("scan round: %w", err)
	}
	round.NSFW = nsfw != 0
	round.CreatedAt = fromMillis(createdAt)
	return round, nil
}

func insertActiveAttempt(ctx context.Context, tx *sql.Tx, userID, roundID string, until, now time.Time) (domain.Attempt, error) {
	attemptID, err := id.NewID()
	if err != nil {
		return domain.Attempt{}, fmt.Errorf("generate attempt id: %w", err)
	}
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO attempts (id, user_id, round_id, state, until_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		attemptID,
		userID,
		roundID,
		string(domain.StateActive),
		toMillis(until),
		toMillis(now),
	); err != nil {
		return domain.Attempt{}, fmt.Errorf("insert attempt: %w", err)
	}
	return domain.Attempt{
		ID:        attemptID,
		UserID:    userID,
		RoundID:   roundID,
		State:     domain.Active{Until: until.UTC()},
		CreatedAt: now,
	}, nil
}

// ForwardRound creates the continuation round and links its lineage edges:
// the predecessor round's own ancestor edges plus the approved source
// attempt. Forwarding the same attempt twice returns the existing round.
func (s *Store) ForwardRound(ctx context.Context, next domain.Round) (domain.Round, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Round{}, err
	}
	next.SourceAttemptID = strings.TrimSpace(next.SourceAttemptID)
	if next.SourceAttemptID == "" {
		return domain.Round{}, fmt.Errorf("source attempt id is required")
	}
	if next.Multiplex <= 0 {
		return domain.Round{}, fmt.Errorf("round multiplex must be greater than zero")
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = time.Now().UTC()
	}

	var created domain.Round
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Idempotency guard: one continuation per approved attempt.
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+roundColumns+` FROM rounds WHERE source_attempt_id = ?`,
			next.SourceAttemptID,
		)
		existing, err := scanRound(row.Scan)
		if err == nil {
			created = existing
			return nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		sourceRow := tx.QueryRowContext(
			ctx,
			`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`,
			next.SourceAttemptID,
		)
		source, err := scanAttempt(sourceRow.Scan)
		if err != nil {
			return err
		}
		if source.State.Kind() != domain.StateApproved {
			return fmt.Errorf("forward from %s attempt: %w", source.State.Kind(), storage.ErrStateConflict)
		}

		roundID, err := id.NewID()
		if err != nil {
			return fmt.Errorf("generate round id: %w", err)
		}
		next.ID = roundID
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO rounds (id, mode, nsfw, round_no, multiplex, created_at, source_attempt_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			next.ID,
			string(next.Mode),
			boolToInt(next.NSFW),
			next.RoundNo,
			next.Multiplex,
			toMillis(next.CreatedAt),
			next.SourceAttemptID,
		); err != nil {
			return fmt.Errorf("insert forwarded round: %w", err)
		}

		// Carry the predecessor's whole ancestor chain forward, then add
		// the approved attempt itself.
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO lineage_edges (round_id, attempt_id)
			 SELECT ?, attempt_id FROM lineage_edges WHERE round_id = ?`,
			next.ID,
			source.RoundID,
		); err != nil {
			return fmt.Errorf("copy ancestor edges: %w", err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO lineage_edges (round_id, attempt_id) VALUES (?, ?)`,
			next.ID,
			source.ID,
		); err != nil {
			return fmt.Errorf("link source attempt: %w", err)
		}

		created = next
		return nil
	})
	if err != nil {
		return domain.Round{}, err
	}
	return created, nil
}

// ActiveRound returns the round the user holds an Active attempt on,
// together with the approved ancestor chain.
func (s *Store) ActiveRound(ctx context.Context, userID string) (storage.AllocatedRound, error) {
	if err := s.ready(ctx); err != nil {
		return storage.AllocatedRound{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.AllocatedRound{}, fmt.Errorf("user id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE user_id = ? AND state = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`,
		userID,
		string(domain.StateActive),
	)
	attempt, err := scanAttempt(row.Scan)
	if err != nil {
		return storage.AllocatedRound{}, err
	}

	round, err := s.GetRound(ctx, attempt.RoundID)
	if err != nil {
		return storage.AllocatedRound{}, err
	}
	previous, err := s.RoundAncestors(ctx, round.ID)
	if err != nil {
		return storage.AllocatedRound{}, err
	}
	return storage.AllocatedRound{Round: round, Attempt: attempt, Previous: previous}, nil
}

// GetRound returns one round by id.
func (s *Store) GetRound(ctx context.Context, id string) (domain.Round, error) {
	if err := s.ready(ctx); err != nil {
		return domain.Round{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Round{}, fmt.Errorf("round id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+roundColumns+` FROM rounds WHERE id = ?`,
		id,
	)
	return scanRound(row.Scan)
}

// RoundAncestors returns the approved attempts linked into the round,
// ordered from the lineage root outward.
func (s *Store) RoundAncestors(ctx context.Context, roundID string) ([]domain.Attempt, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	roundID = strings.TrimSpace(roundID)
	if roundID == "" {
		return nil, fmt.Errorf("round id is required")
	}

	var ancestors []domain.Attempt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		chain, err := roundAncestorsTx(ctx, tx, roundID)
		if err != nil {
			return err
		}
		ancestors = chain
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ancestors, nil
}

func roundAncestorsTx(ctx context.Context, tx *sql.Tx, roundID string) ([]domain.Attempt, error) {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT a.id, a.user_id, a.round_id, a.state, a.until_at, a.since_at, a.ended_at, a.moderator_id, a.image_ref, a.created_at
		 FROM lineage_edges e
		 JOIN attempts a ON a.id = e.attempt_id
		 JOIN rounds ar ON ar.id = a.round_id
		 WHERE e.round_id = ?
		 ORDER BY ar.round_no ASC, a.created_at ASC`,
		roundID,
	)
	if err != nil {
		return nil, fmt.Errorf("list round ancestors: %w", err)
	}
	defer rows.Close()

	var ancestors []domain.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		ancestors = append(ancestors, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate round ancestors: %w", err)
	}
	return ancestors, nil
}
