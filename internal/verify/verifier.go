package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrProofRejected is returned when the external proof system reaches a
// decision and the decision is a rejection (as opposed to the system being
// unavailable). Both map to a VerifierError outcome.
var ErrProofRejected = errors.New("proof rejected")

// CheckRequest carries the inputs for one proof-of-personhood check.
// Credential is read from the secret store per invocation and must not be
// logged.
type CheckRequest struct {
	AppID      string
	Action     string
	Signal     string
	Subject    string
	Credential string
}

// Verifier runs the external proof-of-personhood check. Implementations
// return nil when the proof holds.
type Verifier interface {
	Check(ctx context.Context, req CheckRequest) error
}

// HTTPVerifier calls the external proof system over HTTPS. The timeout is
// generous because verification can be minutes-scale; the invocation deadline
// set by the consumer runner is the real bound.
type HTTPVerifier struct {
	baseURL string
	http    *http.Client
}

func NewHTTPVerifier(baseURL string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type checkPayload struct {
	AppID   string `json:"app_id"`
	Action  string `json:"action"`
	Signal  string `json:"signal,omitempty"`
	Subject string `json:"subject"`
}

type checkResponse struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

func (v *HTTPVerifier) Check(ctx context.Context, req CheckRequest) error {
	body, err := json.Marshal(checkPayload{
		AppID:   req.AppID,
		Action:  req.Action,
		Signal:  req.Signal,
		Subject: req.Subject,
	})
	if err != nil {
		return fmt.Errorf("marshal check: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build check request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)

	resp, err := v.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("verifier call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("verifier returned %d", resp.StatusCode)
	}

	var decision checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return fmt.Errorf("decode verifier response: %w", err)
	}
	if !decision.Success {
		if decision.Detail != "" {
			return fmt.Errorf("%w: %s", ErrProofRejected, decision.Detail)
		}
		return ErrProofRejected
	}
	return nil
}
