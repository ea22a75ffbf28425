package verify

import "fmt"

// Reason classifies why a verification attempt failed. Every reason follows
// the same propagation path: the delivery is left unacked and ages to the
// dead-letter queue. None trigger an in-process retry.
type Reason string

const (
	// ReasonInvalidInput marks a malformed request. No downstream service
	// is called for these.
	ReasonInvalidInput Reason = "invalid_input"
	// ReasonRenderError marks a failure of the artifact renderer.
	ReasonRenderError Reason = "render_error"
	// ReasonOverloaded marks a rejection by the renderer's concurrency
	// ceiling.
	ReasonOverloaded Reason = "overloaded"
	// ReasonVerifierError marks a failure or rejection by the external
	// proof system.
	ReasonVerifierError Reason = "verifier_error"
	// ReasonPublishError marks a bus that did not accept the success
	// event. The attempt fails so the success signal is never lost
	// silently.
	ReasonPublishError Reason = "publish_error"
	// ReasonTransportError marks unreachable supporting infrastructure,
	// e.g. the secret store.
	ReasonTransportError Reason = "transport_error"
)

// Failure is the error form of a failed verification outcome.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

func failed(reason Reason, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}
