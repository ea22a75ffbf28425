package queue

import (
	"strings"
	"time"
)

// Request is a verification request as accepted from the producer. Fields are
// flat by contract; there is no schema versioning beyond them.
type Request struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	Action     string    `json:"action"`
	Signal     string    `json:"signal"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Normalize trims surrounding whitespace from producer-supplied fields.
func (r *Request) Normalize() {
	r.Subject = strings.TrimSpace(r.Subject)
	r.Action = strings.TrimSpace(r.Action)
	r.Signal = strings.TrimSpace(r.Signal)
}

// Delivery is a single processing attempt of a request. The token identifies
// the attempt for acknowledgment; after Deadline the attempt is void and the
// request is dead-lettered.
type Delivery struct {
	Request  Request
	Token    string
	Deadline time.Time
}

// DeadLetter is a parked request whose single attempt was not acknowledged in
// time. Entries are retained for operator inspection and manual replay; the
// queue performs no further automatic processing on them.
type DeadLetter struct {
	Request        Request   `json:"request"`
	Reason         string    `json:"reason"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// WindowExpiredReason is recorded when a delivery ages out of its visibility
// window. The queue cannot know why the consumer declined to ack, only that
// the attempt was spent.
const WindowExpiredReason = "not acknowledged within visibility window"
