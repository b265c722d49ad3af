package sqlite

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/sketchrelay/internal/relay/domain"
	"github.com/louisbranch/sketchrelay/internal/relay/storage"
)

func createRoundZero(t *testing.T, store *Store, userID string, mode domain.Mode, multiplex int) storage.AllocatedRound {
	t.Helper()
	allocated, err := store.CreateRoundWithAttempt(context.Background(), domain.Round{
		Mode:      mode,
		RoundNo:   0,
		Multiplex: multiplex,
		CreatedAt: testTime,
	}, userID, testTime.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("create round zero for %s: %v", userID, err)
	}
	return allocated
}

// approveAttempt walks the user's Active attempt through upload straight to
// Approved, the trusted submission path.
func approveAttempt(t *testing.T, store *Store, userID, imageRef string) domain.Attempt {
	t.Helper()
	ctx := context.Background()
	if _, err := store.UpdateAttemptState(ctx, userID, domain.StateActive, domain.Uploading{Since: testTime}); err != nil {
		t.Fatalf("start upload for %s: %v", userID, err)
	}
	attempt, err := store.UpdateAttemptState(ctx, userID, domain.StateUploading, domain.Approved{
		When:        testTime,
		ModeratorID: userID,
		ImageRef:    imageRef,
	})
	if err != nil {
		t.Fatalf("approve upload for %s: %v", userID, err)
	}
	return attempt
}

func forwardAttempt(t *testing.T, store *Store, predecessor domain.Round, attemptID string) domain.Round {
	t.Helper()
	round, err := store.ForwardRound(context.Background(), domain.Round{
		Mode:            predecessor.Mode,
		NSFW:            predecessor.NSFW,
		RoundNo:         predecessor.RoundNo + 1,
		Multiplex:       predecessor.Multiplex,
		CreatedAt:       testTime,
		SourceAttemptID: attemptID,
	})
	if err != nil {
		t.Fatalf("forward round: %v", err)
	}
	return round
}

func TestCreateRoundWithAttempt(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")

	allocated := createRoundZero(t, store, "u1", domain.ModeRoss, 1)
	if allocated.Round.ID == "" {
		t.Fatal("expected round id")
	}
	if allocated.Attempt.State.Kind() != domain.StateActive {
		t.Errorf("attempt state = %s, want active", allocated.Attempt.State.Kind())
	}
	if len(allocated.Previous) != 0 {
		t.Errorf("round zero has %d ancestors, want none", len(allocated.Previous))
	}

	current, err := store.ActiveRound(ctx, "u1")
	if err != nil {
		t.Fatalf("active round: %v", err)
	}
	if current.Round.ID != allocated.Round.ID {
		t.Errorf("active round = %s, want %s", current.Round.ID, allocated.Round.ID)
	}
	if current.Attempt.ID != allocated.Attempt.ID {
		t.Errorf("active attempt = %s, want %s", current.Attempt.ID, allocated.Attempt.ID)
	}
}

func TestAllocateExistingRoundClaimsSlot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")
	seedUser(t, store, "u2")

	created := createRoundZero(t, store, "u1", domain.ModeRoss, 2)

	allocated, err := store.AllocateExistingRound(ctx, "u2", domain.ModeRoss, false, 0, testTime.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("allocate existing round: %v", err)
	}
	if allocated.Round.ID != created.Round.ID {
		t.Errorf("allocated round = %s, want %s", allocated.Round.ID, created.Round.ID)
	}
	if allocated.Attempt.UserID != "u2" {
		t.Errorf("attempt user = %s, want u2", allocated.Attempt.UserID)
	}
}

func TestAllocateExistingRoundRespectsCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")
	seedUser(t, store, "u2")

	createRoundZero(t, store, "u1", domain.ModeRoss, 1)

	_, err := store.AllocateExistingRound(ctx, "u2", domain.ModeRoss, false, 0, testTime.Add(15*time.Minute))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a full round, got %v", err)
	}
}

func TestAllocateExistingRoundConcurrentCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "holder")

	const racers = 8
	for i := 0; i < racers; i++ {
		seedUser(t, store, fmt.Sprintf("racer-%d", i))
	}

	// One of the two slots is taken; the racers below compete for the last
	// one, so the candidate select and attempt insert must observe the same
	// committed state or two of them squeeze in.
	created := createRoundZero(t, store, "holder", domain.ModeRoss, 2)

	winners := make(chan string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		userID := fmt.Sprintf("racer-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				allocated, err := store.AllocateExistingRound(ctx, userID, domain.ModeRoss, false, 0, testTime.Add(15*time.Minute))
				if errors.Is(err, storage.ErrBusy) {
					time.Sleep(time.Millisecond)
					continue
				}
				if err == nil {
					if allocated.Round.ID != created.Round.ID {
						t.Errorf("%s allocated round %s, want %s", userID, allocated.Round.ID, created.Round.ID)
					}
					winners <- userID
				} else if !errors.Is(err, storage.ErrNotFound) {
					t.Errorf("allocate %s: %v", userID, err)
				}
				return
			}
		}()
	}
	wg.Wait()
	close(winners)

	var won []string
	for userID := range winners {
		won = append(won, userID)
	}
	if len(won) != 1 {
		t.Fatalf("%d racers claimed the last slot, want exactly 1: %v", len(won), won)
	}

	occupants, err := store.ActiveUsers(ctx)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(occupants) != 2 {
		t.Fatalf("round holds %d occupants, want multiplex 2", len(occupants))
	}
}

func TestAllocateExistingRoundSkipsOwnOccupiedRound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")

	createRoundZero(t, store, "u1", domain.ModeRoss, 3)

	// u1 already occupies the only round; spare capacity there must not be
	// offered back to the same user.
	_, err := store.AllocateExistingRound(ctx, "u1", domain.ModeRoss, false, 0, testTime.Add(15*time.Minute))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAllocateExistingRoundAfterRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")
	seedUser(t, store, "u2")

	created := createRoundZero(t, store, "u1", domain.ModeRoss, 1)

	if _, err := store.UpdateAttemptState(ctx, "u1", domain.StateActive, domain.Cancelled{When: testTime}); err != nil {
		t.Fatalf("cancel attempt: %v", err)
	}

	allocated, err := store.AllocateExistingRound(ctx, "u2", domain.ModeRoss, false, 0, testTime.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("allocate after cancel: %v", err)
	}
	if allocated.Round.ID != created.Round.ID {
		t.Errorf("allocated round = %s, want %s", allocated.Round.ID, created.Round.ID)
	}
}

func TestAllocateExistingRoundIgnoresOtherModes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")
	seedUser(t, store, "u2")

	createRoundZero(t, store, "u1", domain.ModeEvolution, 2)

	_, err := store.AllocateExistingRound(ctx, "u2", domain.ModeRoss, false, 0, testTime.Add(15*time.Minute))
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound across modes, got %v", err)
	}
}

func TestForwardRoundIdempotent(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "u1")

	created := createRoundZero(t, store, "u1", domain.ModeRoss, 1)
	approved := approveAttempt(t, store, "u1", "img-1")

	first := forwardAttempt(t, store, created.Round, approved.ID)
	second := forwardAttempt(t, store, created.Round, approved.ID)

	if first.ID != second.ID {
		t.Errorf("re-forward created a new round: %s vs %s", first.ID, second.ID)
	}
	if first.RoundNo != 1 {
		t.Errorf("forwarded round number = %d, want 1", first.RoundNo)
	}
	if first.SourceAttemptID != approved.ID {
		t.Errorf("source attempt = %s, want %s", first.SourceAttemptID, approved.ID)
	}
}

func TestForwardRoundRequiresApprovedSource(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "u1")

	created := createRoundZero(t, store, "u1", domain.ModeRoss, 1)

	_, err := store.ForwardRound(context.Background(), domain.Round{
		Mode:            created.Round.Mode,
		RoundNo:         1,
		Multiplex:       1,
		CreatedAt:       testTime,
		SourceAttemptID: created.Attempt.ID,
	})
	if !errors.Is(err, storage.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
}

func TestForwardRoundCarriesLineage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")
	seedUser(t, store, "u2")

	round0 := createRoundZero(t, store, "u1", domain.ModeRoss, 1)
	first := approveAttempt(t, store, "u1", "img-1")
	round1 := forwardAttempt(t, store, round0.Round, first.ID)

	allocated, err := store.AllocateExistingRound(ctx, "u2", domain.ModeRoss, false, 1, testTime.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("allocate round 1: %v", err)
	}
	if allocated.Round.ID != round1.ID {
		t.Fatalf("allocated round = %s, want %s", allocated.Round.ID, round1.ID)
	}
	if len(allocated.Previous) != 1 || allocated.Previous[0].ID != first.ID {
		t.Fatalf("round 1 ancestors = %+v, want just %s", allocated.Previous, first.ID)
	}

	second := approveAttempt(t, store, "u2", "img-2")
	round2 := forwardAttempt(t, store, round1, second.ID)

	ancestors, err := store.RoundAncestors(ctx, round2.ID)
	if err != nil {
		t.Fatalf("round ancestors: %v", err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("round 2 has %d ancestors, want 2", len(ancestors))
	}
	if ancestors[0].ID != first.ID || ancestors[1].ID != second.ID {
		t.Errorf("ancestors out of order: got [%s %s], want [%s %s]",
			ancestors[0].ID, ancestors[1].ID, first.ID, second.ID)
	}
}

func TestAllocateExistingRoundPrefersUnfamiliarLineage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedUser(t, store, "u1")
	seedUser(t, store, "u2")

	// Two parallel branches at round 1: one descends from u1's work, the
	// other from u2's. When u1 asks for a round-1 slot it must land on the
	// branch it has not touched.
	branchA0 := createRoundZero(t, store, "u1", domain.ModeRoss, 1)
	fromU1 := approveAttempt(t, store, "u1", "img-a")
	forwardAttempt(t, store, branchA0.Round, fromU1.ID)

	branchB0 := createRoundZero(t, store, "u2", domain.ModeRoss, 1)
	fromU2 := approveAttempt(t, store, "u2", "img-b")
	branchB1 := forwardAttempt(t, store, branchB0.Round, fromU2.ID)

	allocated, err := store.AllocateExistingRound(ctx, "u1", domain.ModeRoss, false, 1, testTime.Add(15*time.Minute))
	if err != nil {
		t.Fatalf("allocate round 1: %v", err)
	}
	if allocated.Round.ID != branchB1.ID {
		t.Errorf("allocated own-lineage branch %s, want %s", allocated.Round.ID, branchB1.ID)
	}
}

func TestActiveRoundNotFound(t *testing.T) {
	store := newTestStore(t)
	seedUser(t, store, "u1")

	if _, err := store.ActiveRound(context.Background(), "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
