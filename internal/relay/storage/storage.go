// Package storage defines persistence contracts for the relay engine.
//
// Every method that touches more than one row executes as a single store
// transaction: the engine holds no in-process locks, so cross-request
// consistency (capacity limits, no-double-attempt) rests entirely on these
// contracts being atomic.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/sketchrelay/internal/relay/domain"
)

// ErrNotFound indicates no record matched; for allocation it covers both
// "no such round" and "round full", which callers are not meant to tell
// apart.
var ErrNotFound = errors.New("record not found")

// ErrStateConflict indicates a conditional state transition found the
// attempt in a different state than required.
var ErrStateConflict = errors.New("attempt not in expected state")

// ErrBusy indicates a transaction lost a conflict and may be retried.
var ErrBusy = errors.New("store transaction conflict")

// AllocatedRound is a round joined with the caller's attempt on it and the
// approved ancestor chain leading to it.
type AllocatedRound struct {
	Round    domain.Round
	Attempt  domain.Attempt
	Previous []domain.Attempt
}

// ActiveUser is a user currently holding a slot-occupying attempt.
type ActiveUser struct {
	User  domain.User
	Round domain.Round
}

// UnallocatedRound reports spare capacity for one (mode, nsfw, round)
// grouping.
type UnallocatedRound struct {
	Mode        domain.Mode
	NSFW        bool
	RoundNo     int
	Unallocated int
}

// UserStore persists player identities.
type UserStore interface {
	// UpsertUser creates the user or refreshes its mutable fields.
	UpsertUser(ctx context.Context, user domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// RoundStore persists rounds, attempts, and lineage edges.
type RoundStore interface {
	// CreateRoundWithAttempt inserts a fresh round 0 together with the
	// user's Active attempt, atomically.
	CreateRoundWithAttempt(ctx context.Context, round domain.Round, userID string, until time.Time) (AllocatedRound, error)

	// AllocateExistingRound claims a slot on an eligible round: matching
	// (mode, nsfw, roundNo), spare capacity, and no slot-occupying attempt
	// by this user. Candidates are ordered by how often the user appears
	// in the round's ancestor chain, fewest first, ties broken randomly.
	// The candidate read and attempt insert share one transaction.
	AllocateExistingRound(ctx context.Context, userID string, mode domain.Mode, nsfw bool, roundNo int, until time.Time) (AllocatedRound, error)

	// ForwardRound creates next and links its lineage edges: the
	// predecessor round's ancestor edges plus the approved source attempt.
	// Forwarding the same attempt twice returns the existing round.
	ForwardRound(ctx context.Context, next domain.Round) (domain.Round, error)

	// ActiveRound returns the round the user currently holds an Active
	// attempt on, with its ancestor chain.
	ActiveRound(ctx context.Context, userID string) (AllocatedRound, error)

	// GetRound returns one round by id.
	GetRound(ctx context.Context, id string) (domain.Round, error)

	// RoundAncestors returns the approved attempts linked into the round,
	// oldest round first.
	RoundAncestors(ctx context.Context, roundID string) ([]domain.Attempt, error)
}

// AttemptStore mutates attempt lifecycle state.
type AttemptStore interface {
	// UpdateAttemptState applies a conditional transition on the user's
	// attempt currently in state from. Returns ErrStateConflict when the
	// user's latest attempt is in another state and ErrNotFound when the
	// user has no attempt at all.
	UpdateAttemptState(ctx context.Context, userID string, from domain.StateKind, to domain.State) (domain.Attempt, error)

	// GetAttempt returns one attempt by id.
	GetAttempt(ctx context.Context, id string) (domain.Attempt, error)

	// ExpireAttempts bulk-transitions Active attempts whose deadline
	// passed to Expired, in one statement, and returns how many changed.
	ExpireAttempts(ctx context.Context, now time.Time) (int64, error)

	// ActiveBetween lists Active attempts whose deadline falls inside
	// (after, until], for expiry notifications.
	ActiveBetween(ctx context.Context, after, until time.Time) ([]domain.Attempt, error)
}

// StatsStore serves the read-only observability queries.
type StatsStore interface {
	ActiveUsers(ctx context.Context) ([]ActiveUser, error)
	UnallocatedRounds(ctx context.Context) ([]UnallocatedRound, error)
}

// Store aggregates the persistence contracts the engine requires.
type Store interface {
	UserStore
	RoundStore
	AttemptStore
	StatsStore
}
