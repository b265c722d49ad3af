// Package timeouts defines shared timeout constants used across the engine.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// StoreRetryBase is the initial backoff applied between retries of a
// conflicting store transaction.
const StoreRetryBase = 25 * time.Millisecond

// Shutdown limits how long the server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second

// SweepInterval is the default cadence of the background expiry sweeper.
const SweepInterval = 30 * time.Second
