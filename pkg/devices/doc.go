// Package devices provides identity and bookkeeping for remote
// StageLinq endpoints.
//
// A device's registry identity derives from the 16-byte token carried
// in discovery announcements, formatted as a canonical dashed UUID
// string. Derivation is pure, deterministic and idempotent, so it can
// be called from any concurrent context without coordination.
//
// Note that the token is stable across reboots while address:port is
// not; the connection orchestrator therefore keys its dedup decisions
// on the announcement tuple (address, port, source, software name),
// not on the token. The Registry is the single source of truth for
// device existence.
package devices
