// Package app wires the relay engine's operations, background sweeper, and
// server lifecycle.
package app

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/louisbranch/sketchrelay/internal/errors"
	"github.com/louisbranch/sketchrelay/internal/platform/timeouts"
	"github.com/louisbranch/sketchrelay/internal/relay/domain"
	"github.com/louisbranch/sketchrelay/internal/relay/storage"
)

const storeRetryAttempts = 3

// Engine exposes the allocation and attempt-lifecycle operations. It is
// safe for concurrent use: all cross-request coordination happens in the
// store's transactions, never in process memory.
type Engine struct {
	store   storage.Store
	modes   domain.Registry
	waker   *Waker
	backoff time.Duration
	now     func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithModes replaces the default game-mode registry.
func WithModes(modes domain.Registry) EngineOption {
	return func(e *Engine) {
		if len(modes) > 0 {
			e.modes = modes
		}
	}
}

// WithWaker attaches a waker that mutating operations nudge so the sweeper
// and stats consumers refresh promptly.
func WithWaker(waker *Waker) EngineOption {
	return func(e *Engine) {
		e.waker = waker
	}
}

// WithClock replaces the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine backed by the given store.
func NewEngine(store storage.Store, opts ...EngineOption) *Engine {
	engine := &Engine{
		store:   store,
		modes:   domain.DefaultRegistry(),
		backoff: timeouts.StoreRetryBase,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine
}

// Modes returns the engine's game-mode registry.
func (e *Engine) Modes() domain.Registry {
	return e.modes
}

// UpsertUser records or refreshes a player identity. Called before any
// allocation on behalf of that player.
func (e *Engine) UpsertUser(ctx context.Context, externalID, displayName string, notify bool) (domain.User, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return domain.User{}, errors.New(errors.CodeUserIDEmpty, "user id is required")
	}
	var user domain.User
	err := e.withRetry(ctx, func() error {
		var err error
		user, err = e.store.UpsertUser(ctx, domain.User{
			ID:          externalID,
			DisplayName: displayName,
			Notify:      notify,
			CreatedAt:   e.now(),
		})
		return err
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Allocate assigns the user to an eligible round, or creates a fresh round
// 0 when none exists. A user already holding an Active attempt resumes it
// instead of claiming a second slot.
func (e *Engine) Allocate(ctx context.Context, userID string, mode domain.Mode, nsfw bool, roundNo int) (storage.AllocatedRound, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.AllocatedRound{}, errors.New(errors.CodeUserIDEmpty, "user id is required")
	}
	logic, err := e.modes.Logic(mode)
	if err != nil {
		return storage.AllocatedRound{}, err
	}
	if roundNo > logic.LastRound() {
		return storage.AllocatedRound{}, errors.New(errors.CodeRoundTooLarge, "game mode does not play this many rounds")
	}
	if roundNo < 0 {
		return storage.AllocatedRound{}, errors.New(errors.CodeRoundTooLarge, "round number must not be negative")
	}

	// Reclaim overdue slots before looking for an attempt to resume, so a
	// timed-out player starts fresh instead of resuming a dead attempt.
	if _, err := e.Sweep(ctx); err != nil {
		return storage.AllocatedRound{}, err
	}

	if current, err := e.ActiveRound(ctx, userID); err == nil {
		return current, nil
	} else if !errors.IsCode(err, errors.CodeNotFound) {
		return storage.AllocatedRound{}, err
	}

	until := e.now().Add(logic.TimeLimit(roundNo))
	var allocated storage.AllocatedRound
	err = e.withRetry(ctx, func() error {
		var err error
		allocated, err = e.store.AllocateExistingRound(ctx, userID, mode, nsfw, roundNo, until)
		if stderrors.Is(err, storage.ErrNotFound) && roundNo == 0 {
			// Round 0 is the only speculatively created slot: every game
			// starts by opening a fresh branch root.
			round := domain.Round{
				Mode:      mode,
				NSFW:      nsfw,
				RoundNo:   0,
				Multiplex: logic.Multiplex(0),
				CreatedAt: e.now(),
			}
			allocated, err = e.store.CreateRoundWithAttempt(ctx, round, userID, until)
		}
		return err
	})
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			// Callers cannot distinguish "no such round" from "round
			// full"; both mean try again later or start fresh.
			return storage.AllocatedRound{}, errors.Wrap(errors.CodeNotFound, "no sessions available", err)
		}
		return storage.AllocatedRound{}, err
	}
	e.wake()
	return allocated, nil
}

// ActiveRound returns the round the user currently holds an Active attempt
// on, with the approved ancestor chain for display.
func (e *Engine) ActiveRound(ctx context.Context, userID string) (storage.AllocatedRound, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.AllocatedRound{}, errors.New(errors.CodeUserIDEmpty, "user id is required")
	}
	current, err := e.store.ActiveRound(ctx, userID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return storage.AllocatedRound{}, errors.Wrap(errors.CodeNotFound, "no active session found", err)
		}
		return storage.AllocatedRound{}, err
	}
	return current, nil
}

// Extend refreshes the deadline of the user's Active attempt by the mode's
// time limit for that round.
func (e *Engine) Extend(ctx context.Context, userID string) (domain.Attempt, error) {
	current, err := e.ActiveRound(ctx, userID)
	if err != nil {
		return domain.Attempt{}, err
	}
	logic, err := e.modes.Logic(current.Round.Mode)
	if err != nil {
		return domain.Attempt{}, err
	}
	until := e.now().Add(logic.TimeLimit(current.Round.RoundNo))
	return e.transition(ctx, userID, domain.StateActive, domain.Active{Until: until})
}

// Cancel releases the user's Active attempt.
func (e *Engine) Cancel(ctx context.Context, userID string) (domain.Attempt, error) {
	attempt, err := e.transition(ctx, userID, domain.StateActive, domain.Cancelled{When: e.now()})
	if err != nil {
		return domain.Attempt{}, err
	}
	e.wake()
	return attempt, nil
}

// StartUpload locks the user's Active attempt against cancel and extend
// while the submission is in flight.
func (e *Engine) StartUpload(ctx context.Context, userID string) (domain.Attempt, error) {
	return e.transition(ctx, userID, domain.StateActive, domain.Uploading{Since: e.now()})
}

// ApproveUpload completes a trusted submission: the submitter acts as its
// own moderator and the attempt is approved immediately.
func (e *Engine) ApproveUpload(ctx context.Context, userID, moderatorID, imageRef string) (domain.Attempt, error) {
	attempt, err := e.transition(ctx, userID, domain.StateUploading, domain.Approved{
		When:        e.now(),
		ModeratorID: moderatorID,
		ImageRef:    imageRef,
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	e.wake()
	return attempt, nil
}

// SubmitForModeration completes an untrusted submission: the attempt parks
// in Pending until a moderator resolves it.
func (e *Engine) SubmitForModeration(ctx context.Context, userID, imageRef string) (domain.Attempt, error) {
	return e.transition(ctx, userID, domain.StateUploading, domain.Pending{
		Since:    e.now(),
		ImageRef: imageRef,
	})
}

// Approve accepts the user's oldest Pending attempt. The moderator may
// supply a new image ref when the asset was re-hosted during review.
func (e *Engine) Approve(ctx context.Context, userID, moderatorID, imageRef string) (domain.Attempt, error) {
	attempt, err := e.transition(ctx, userID, domain.StatePending, domain.Approved{
		When:        e.now(),
		ModeratorID: moderatorID,
		ImageRef:    imageRef,
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	e.wake()
	return attempt, nil
}

// Reject declines the user's oldest Pending attempt.
func (e *Engine) Reject(ctx context.Context, userID, moderatorID, imageRef string) (domain.Attempt, error) {
	attempt, err := e.transition(ctx, userID, domain.StatePending, domain.Rejected{
		When:        e.now(),
		ModeratorID: moderatorID,
		ImageRef:    imageRef,
	})
	if err != nil {
		return domain.Attempt{}, err
	}
	e.wake()
	return attempt, nil
}

// Forward spawns the continuation round for an approved attempt, carrying
// the whole ancestor chain into it. Safe to call twice for the same
// attempt; the second call returns the round the first created.
func (e *Engine) Forward(ctx context.Context, attemptID string) (domain.Round, error) {
	attemptID = strings.TrimSpace(attemptID)
	if attemptID == "" {
		return domain.Round{}, errors.New(errors.CodeNotFound, "attempt id is required")
	}
	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return domain.Round{}, errors.Wrap(errors.CodeNotFound, "attempt not found", err)
		}
		return domain.Round{}, err
	}
	if attempt.State.Kind() != domain.StateApproved {
		return domain.Round{}, errors.New(errors.CodeStateConflict, "only approved attempts forward")
	}
	predecessor, err := e.store.GetRound(ctx, attempt.RoundID)
	if err != nil {
		return domain.Round{}, err
	}
	logic, err := e.modes.Logic(predecessor.Mode)
	if err != nil {
		return domain.Round{}, err
	}
	if predecessor.RoundNo >= logic.LastRound() {
		return domain.Round{}, errors.New(errors.CodeRoundTooLarge, "final round has no continuation")
	}

	next := predecessor.Forward(logic, attempt.ID, e.now())
	var created domain.Round
	err = e.withRetry(ctx, func() error {
		var err error
		created, err = e.store.ForwardRound(ctx, next)
		return err
	})
	if err != nil {
		return domain.Round{}, err
	}
	e.wake()
	return created, nil
}

// Sweep bulk-expires overdue Active attempts and reports how many changed.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	var count int64
	err := e.withRetry(ctx, func() error {
		var err error
		count, err = e.store.ExpireAttempts(ctx, e.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.wake()
	}
	return count, nil
}

// ActiveUsers lists users currently holding slot-occupying attempts.
func (e *Engine) ActiveUsers(ctx context.Context) ([]storage.ActiveUser, error) {
	return e.store.ActiveUsers(ctx)
}

// UnallocatedRounds reports spare capacity per round grouping.
func (e *Engine) UnallocatedRounds(ctx context.Context) ([]storage.UnallocatedRound, error) {
	return e.store.UnallocatedRounds(ctx)
}

// ExpiringSoon lists Active attempts whose deadline falls in (after, until],
// for the notification collaborator.
func (e *Engine) ExpiringSoon(ctx context.Context, after, until time.Time) ([]domain.Attempt, error) {
	return e.store.ActiveBetween(ctx, after, until)
}

// transition applies a conditional state change for the user, retrying a
// state conflict once in case it raced another operation that has since
// settled.
func (e *Engine) transition(ctx context.Context, userID string, from domain.StateKind, to domain.State) (domain.Attempt, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Attempt{}, errors.New(errors.CodeUserIDEmpty, "user id is required")
	}

	var attempt domain.Attempt
	attemptOnce := func() error {
		return e.withRetry(ctx, func() error {
			var err error
			attempt, err = e.store.UpdateAttemptState(ctx, userID, from, to)
			return err
		})
	}
	err := attemptOnce()
	if stderrors.Is(err, storage.ErrStateConflict) {
		err = attemptOnce()
	}
	if err != nil {
		switch {
		case stderrors.Is(err, storage.ErrNotFound):
			return domain.Attempt{}, errors.Wrap(errors.CodeNotFound, "no active session found", err)
		case stderrors.Is(err, storage.ErrStateConflict):
			return domain.Attempt{}, errors.Wrap(errors.CodeStateConflict, "attempt not in expected state", err)
		}
		return domain.Attempt{}, err
	}
	return attempt, nil
}

// withRetry retries fn on transient store conflicts with linear backoff,
// surfacing a transient-store error once attempts are exhausted.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * e.backoff):
			}
		}
		err = fn()
		if err == nil || !stderrors.Is(err, storage.ErrBusy) {
			return err
		}
	}
	return errors.Wrap(errors.CodeStoreTransient, "store conflict retries exhausted", err)
}

func (e *Engine) wake() {
	if e.waker != nil {
		e.waker.Wake()
	}
}
