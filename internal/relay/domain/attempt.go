package domain

import "time"

// StateKind discriminates attempt states.
type StateKind string

// Attempt state kinds, in lifecycle order.
const (
	StateActive    StateKind = "active"
	StateUploading StateKind = "uploading"
	StatePending   StateKind = "pending"
	StateApproved  StateKind = "approved"
	StateRejected  StateKind = "rejected"
	StateCancelled StateKind = "cancelled"
	StateExpired   StateKind = "expired"
)

// State is the attempt lifecycle sum type. Exactly the types in this file
// implement it; each variant carries the fields that are guaranteed present
// in that state.
type State interface {
	Kind() StateKind
	// Terminal reports whether no further transition is permitted.
	Terminal() bool
	// Occupying reports whether the state counts against round capacity.
	Occupying() bool

	isState()
}

// Active is a claimed slot awaiting work, valid until the deadline.
type Active struct {
	Until time.Time
}

// Uploading is a submission in flight; the attempt can no longer be
// cancelled or extended.
type Uploading struct {
	Since time.Time
}

// Pending is an untrusted submission awaiting moderation.
type Pending struct {
	Since    time.Time
	ImageRef string
}

// Approved is accepted work; ImageRef is the final asset (a moderator may
// re-host, so it can differ from the pending submission's ref).
type Approved struct {
	When        time.Time
	ModeratorID string
	ImageRef    string
}

// Rejected is declined work.
type Rejected struct {
	When        time.Time
	ModeratorID string
	ImageRef    string
}

// Cancelled is a slot released by its owner.
type Cancelled struct {
	When time.Time
}

// Expired is a slot reclaimed by the sweeper after the deadline passed.
type Expired struct {
	When time.Time
}

func (Active) Kind() StateKind    { return StateActive }
func (Uploading) Kind() StateKind { return StateUploading }
func (Pending) Kind() StateKind   { return StatePending }
func (Approved) Kind() StateKind  { return StateApproved }
func (Rejected) Kind() StateKind  { return StateRejected }
func (Cancelled) Kind() StateKind { return StateCancelled }
func (Expired) Kind() StateKind   { return StateExpired }

func (Active) Terminal() bool    { return false }
func (Uploading) Terminal() bool { return false }
func (Pending) Terminal() bool   { return false }
func (Approved) Terminal() bool  { return true }
func (Rejected) Terminal() bool  { return true }
func (Cancelled) Terminal() bool { return true }
func (Expired) Terminal() bool   { return true }

func (Active) Occupying() bool    { return true }
func (Uploading) Occupying() bool { return true }
func (Pending) Occupying() bool   { return true }
func (Approved) Occupying() bool  { return false }
func (Rejected) Occupying() bool  { return false }
func (Cancelled) Occupying() bool { return false }
func (Expired) Occupying() bool   { return false }

func (Active) isState()    {}
func (Uploading) isState() {}
func (Pending) isState()   {}
func (Approved) isState()  {}
func (Rejected) isState()  {}
func (Cancelled) isState() {}
func (Expired) isState()   {}

// OccupyingKinds lists the states that count against round capacity.
func OccupyingKinds() []StateKind {
	return []StateKind{StateActive, StateUploading, StatePending}
}

// CanTransition reports whether moving between the two kinds is legal.
// Active -> Active covers deadline extension.
func CanTransition(from, to StateKind) bool {
	switch from {
	case StateActive:
		switch to {
		case StateActive, StateUploading, StateCancelled, StateExpired:
			return true
		}
	case StateUploading:
		switch to {
		case StateApproved, StatePending:
			return true
		}
	case StatePending:
		switch to {
		case StateApproved, StateRejected:
			return true
		}
	}
	return false
}

// Attempt is one user's claim on a round.
type Attempt struct {
	ID        string
	UserID    string
	RoundID   string
	State     State
	CreatedAt time.Time
}
