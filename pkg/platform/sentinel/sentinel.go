package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, queues, and clients return
// these (optionally wrapped) so services can translate them into domain
// outcomes.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store or queue; also returned for an
//   ack whose delivery already expired past the visibility window
// - ErrOverloaded: a concurrency ceiling rejected the request
// - ErrUnavailable: queue, bus, or downstream service unreachable
//
// For request validation failures, use the verify outcome taxonomy directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrOverloaded  = errors.New("overloaded")
	ErrUnavailable = errors.New("unavailable")
)
