package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"attest/internal/eventbus"
	"attest/internal/platform/metrics"
	"attest/internal/queue"
	"attest/internal/render"
	"attest/internal/secrets"
	"attest/pkg/platform/sentinel"
)

// Renderer is the synchronous rendering side-channel. Nil disables the
// artifact step for flows that do not present a scannable code.
type Renderer interface {
	Render(ctx context.Context, payload string) (render.Artifact, error)
}

// Params parameterize the external proof check and event publication.
// Action and Signal are defaults: a request carrying its own values wins.
type Params struct {
	AppID    string
	Action   string
	Signal   string
	Source   string
	SecretID string
}

// Service orchestrates one verification attempt. Steps run strictly in
// order: validate, fetch credential, render, check proof, publish. The
// caller (the consumer runner) acks the delivery only when Process returns
// nil, and nil only happens after the bus accepted the success event: either
// both the event and the ack happen, or neither does.
type Service struct {
	verifier Verifier
	renderer Renderer
	bus      eventbus.Publisher
	secrets  *secrets.Cached
	params   Params
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewService(verifier Verifier, renderer Renderer, bus eventbus.Publisher, source secrets.Source, params Params, logger *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		verifier: verifier,
		renderer: renderer,
		bus:      bus,
		secrets:  secrets.NewCached(source),
		params:   params,
		logger:   logger,
		metrics:  m,
	}
}

// Process runs a single attempt for the request. Any returned error means the
// attempt is spent: the delivery stays unacked and ages to the dead-letter
// queue.
func (s *Service) Process(ctx context.Context, req queue.Request) error {
	start := time.Now()
	err := s.process(ctx, req)
	s.observe(err, time.Since(start))
	return err
}

func (s *Service) process(ctx context.Context, req queue.Request) error {
	req.Action = firstNonEmpty(req.Action, s.params.Action)
	if req.Subject == "" || req.Action == "" {
		return failed(ReasonInvalidInput, fmt.Errorf("subject and action are required"))
	}

	credential, err := s.secrets.Fetch(ctx, s.params.SecretID)
	if err != nil {
		return failed(ReasonTransportError, fmt.Errorf("fetch credential: %w", err))
	}

	if s.renderer != nil {
		if _, err := s.renderer.Render(ctx, s.artifactPayload(req)); err != nil {
			if errors.Is(err, sentinel.ErrOverloaded) {
				return failed(ReasonOverloaded, err)
			}
			return failed(ReasonRenderError, err)
		}
	}

	if err := s.verifier.Check(ctx, CheckRequest{
		AppID:      s.params.AppID,
		Action:     req.Action,
		Signal:     firstNonEmpty(req.Signal, s.params.Signal),
		Subject:    req.Subject,
		Credential: credential,
	}); err != nil {
		return failed(ReasonVerifierError, err)
	}

	env := eventbus.Envelope{
		Source:     s.params.Source,
		DetailType: eventbus.DetailTypeVerificationSucceeded,
		Detail:     eventbus.Detail{Subject: req.Subject, Context: req.Action},
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		return failed(ReasonPublishError, err)
	}

	s.logger.Info("verification succeeded", "id", req.ID, "subject", req.Subject, "context", req.Action)
	return nil
}

// artifactPayload derives the scannable deep link from the request. The
// credential is deliberately absent: rendered payloads transit an
// unauthenticated endpoint.
func (s *Service) artifactPayload(req queue.Request) string {
	q := url.Values{}
	q.Set("app", s.params.AppID)
	q.Set("subject", req.Subject)
	q.Set("action", req.Action)
	return "attest://verify?" + q.Encode()
}

func (s *Service) observe(err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		var f *Failure
		if errors.As(err, &f) {
			outcome = string(f.Reason)
		}
	}
	s.metrics.RequestsProcessed.WithLabelValues(outcome).Inc()
	s.metrics.ProcessDurationS.Observe(elapsed.Seconds())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
