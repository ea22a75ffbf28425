package eventbus

import "context"

// DetailTypeVerificationSucceeded is the only event type the pipeline
// publishes today.
const DetailTypeVerificationSucceeded = "verification.succeeded"

// Detail is the payload forwarded to subscribers. Rules forward the detail,
// not the full envelope, so consumers stay decoupled from routing metadata.
type Detail struct {
	Subject string `json:"subject"`
	Context string `json:"context"`
}

// Envelope is an immutable fact handed to the bus. Ownership transfers to the
// bus on publish; the publisher does not track downstream consumption.
type Envelope struct {
	Source     string `json:"source"`
	DetailType string `json:"detail-type"`
	Detail     Detail `json:"detail"`
}

// Handler consumes a routed detail payload. Errors are isolated to the
// subscriber that returned them.
type Handler func(ctx context.Context, detail Detail) error

// Publisher accepts envelopes. Publish must report acceptance synchronously:
// the verification worker only acknowledges its delivery once the bus has
// durably accepted the event.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}
