// Package cache defines the versioned response store used by the agent.
// A Storage holds named stores (one per deployed agent version); every store
// maps a request Identity to a response snapshot (status, headers, body).
// The disk implementation lays entries out as
// StoragePath/<store>/<sha256(identity)>.entry and writes them with the
// temp file + rename pattern, so a reader observes either the previous
// snapshot or the new one, never a torn write. The memory implementation
// follows the same contract and is verified by the same conformance suite.
package cache
