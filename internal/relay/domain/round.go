package domain

import "time"

// Round is one slot of the lineage tree. Rounds are immutable once created;
// only the forwarder adds lineage edges pointing at them.
type Round struct {
	ID        string
	Mode      Mode
	NSFW      bool
	RoundNo   int
	Multiplex int
	CreatedAt time.Time
	// SourceAttemptID is the approved attempt this round was forwarded
	// from. Empty for round 0.
	SourceAttemptID string
}

// Forward derives the continuation round spawned by an approved attempt on
// this round. The caller persists it together with its lineage edges.
func (r Round) Forward(logic Logic, sourceAttemptID string, now time.Time) Round {
	roundNo := r.RoundNo + 1
	return Round{
		Mode:            r.Mode,
		NSFW:            r.NSFW,
		RoundNo:         roundNo,
		Multiplex:       logic.Multiplex(roundNo),
		CreatedAt:       now,
		SourceAttemptID: sourceAttemptID,
	}
}

// User is an internal player record upserted from an external identity.
type User struct {
	ID          string
	DisplayName string
	Notify      bool
	CreatedAt   time.Time
}
