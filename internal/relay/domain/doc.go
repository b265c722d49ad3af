// Package domain defines the relay game's core types: game-mode policy,
// rounds, and the attempt lifecycle state machine. It has no storage or
// transport concerns; invariants that depend on concurrent access are
// enforced by the storage layer's transactions.
package domain
