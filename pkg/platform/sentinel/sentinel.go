package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, locks and clients return
// these (optionally wrapped) so pipeline steps can translate them into step
// failures without knowing which backend produced them.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: write rejected by a constraint other than the upsert key
// - ErrUnavailable: backing service unreachable or connection lost
// - ErrLocked: resource is held by another owner
//
// For malformed payloads and staging rows, steps return pipeline.StepError directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
	ErrLocked      = errors.New("locked")
)
