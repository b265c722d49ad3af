package sqlite

import (
	"context"
	"fmt"

	"github.com/louisbranch/sketchrelay/internal/relay/domain"
	"github.com/louisbranch/sketchrelay/internal/relay/storage"
)

// ActiveUsers lists users currently holding a slot-occupying attempt,
// joined with the round they occupy.
func (s *Store) ActiveUsers(ctx context.Context) ([]storage.ActiveUser, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT u.id, u.display_name, u.notify, u.created_at,
		        r.id, r.mode, r.nsfw, r.round_no, r.multiplex, r.created_at, COALESCE(r.source_attempt_id, '')
		 FROM attempts a
		 JOIN users u ON u.id = a.user_id
		 JOIN rounds r ON r.id = a.round_id
		 WHERE a.state IN `+occupyingStatesSQL()+`
		 ORDER BY a.created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var active []storage.ActiveUser
	for rows.Next() {
		var (
			entry         storage.ActiveUser
			userNotify    int
			userCreatedAt int64
			roundNSFW     int
			roundCreated  int64
		)
		if err := rows.Scan(
			&entry.User.ID,
			&entry.User.DisplayName,
			&userNotify,
			&userCreatedAt,
			&entry.Round.ID,
			&entry.Round.Mode,
			&roundNSFW,
			&entry.Round.RoundNo,
			&entry.Round.Multiplex,
			&roundCreated,
			&entry.Round.SourceAttemptID,
		); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		entry.User.Notify = userNotify != 0
		entry.User.CreatedAt = fromMillis(userCreatedAt)
		entry.Round.NSFW = roundNSFW != 0
		entry.Round.CreatedAt = fromMillis(roundCreated)
		active = append(active, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active users: %w", err)
	}
	return active, nil
}

// UnallocatedRounds reports spare capacity per (nsfw, mode, round number)
// grouping, the feed behind "are there rounds available to join".
func (s *Store) UnallocatedRounds(ctx context.Context) ([]storage.UnallocatedRound, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT r.mode, r.nsfw, r.round_no,
		        SUM(r.multiplex - (SELECT COUNT(*) FROM attempts a
		              WHERE a.round_id = r.id AND a.state IN `+occupyingStatesSQL()+`)) AS unallocated
		 FROM rounds r
		 GROUP BY r.nsfw, r.mode, r.round_no
		 ORDER BY r.nsfw ASC, r.mode ASC, r.round_no ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list unallocated rounds: %w", err)
	}
	defer rows.Close()

	var unallocated []storage.UnallocatedRound
	for rows.Next() {
		var entry storage.UnallocatedRound
		var nsfw int
		var mode string
		if err := rows.Scan(&mode, &nsfw, &entry.RoundNo, &entry.Unallocated); err != nil {
			return nil, fmt.Errorf("scan unallocated round: %w", err)
		}
		entry.Mode = domain.Mode(mode)
		entry.NSFW = nsfw != 0
		unallocated = append(unallocated, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unallocated rounds: %w", err)
	}
	return unallocated, nil
}
