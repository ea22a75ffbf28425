package verify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attest/internal/eventbus"
	"attest/internal/queue"
	"attest/internal/render"
	"attest/internal/secrets"
	"attest/pkg/platform/sentinel"
)

type fakeVerifier struct {
	mu    sync.Mutex
	calls []CheckRequest
	err   error
}

func (f *fakeVerifier) Check(_ context.Context, req CheckRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.err
}

type fakeRenderer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, payload string) (render.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payload)
	if f.err != nil {
		return render.Artifact{}, f.err
	}
	return render.Artifact{Bytes: []byte("png"), ContentType: "image/png"}, nil
}

type fakeBus struct {
	mu        sync.Mutex
	published []eventbus.Envelope
	err       error
}

func (f *fakeBus) Publish(_ context.Context, env eventbus.Envelope) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, env)
	return nil
}

func testParams() Params {
	return Params{
		AppID:    "app_test",
		Signal:   "",
		Source:   "attest.verify",
		SecretID: "api-credential",
	}
}

func testSecrets() secrets.Source {
	return secrets.Static{"api-credential": "s3cret"}
}

func newTestService(verifier *fakeVerifier, renderer *fakeRenderer, bus *fakeBus) *Service {
	var r Renderer
	if renderer != nil {
		r = renderer
	}
	return NewService(verifier, r, bus, testSecrets(), testParams(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestProcessSuccessPublishesVerifiedEvent(t *testing.T) {
	verifier := &fakeVerifier{}
	renderer := &fakeRenderer{}
	bus := &fakeBus{}
	service := newTestService(verifier, renderer, bus)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join"})
	require.NoError(t, err)

	// Exactly one event, sourced and typed for the grant subscription.
	require.Len(t, bus.published, 1)
	env := bus.published[0]
	assert.Equal(t, "attest.verify", env.Source)
	assert.Equal(t, eventbus.DetailTypeVerificationSucceeded, env.DetailType)
	assert.Equal(t, eventbus.Detail{Subject: "u1", Context: "join"}, env.Detail)

	// The check ran with the fetched credential and request context.
	require.Len(t, verifier.calls, 1)
	assert.Equal(t, "s3cret", verifier.calls[0].Credential)
	assert.Equal(t, "u1", verifier.calls[0].Subject)
	assert.Equal(t, "join", verifier.calls[0].Action)
}

func TestProcessMalformedRequestSkipsDownstream(t *testing.T) {
	verifier := &fakeVerifier{}
	renderer := &fakeRenderer{}
	bus := &fakeBus{}
	service := newTestService(verifier, renderer, bus)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "", Action: "join"})

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonInvalidInput, failure.Reason)
	assert.Empty(t, verifier.calls)
	assert.Empty(t, renderer.calls)
	assert.Empty(t, bus.published)
}

func TestProcessRenderFailure(t *testing.T) {
	verifier := &fakeVerifier{}
	renderer := &fakeRenderer{err: errors.New("render timeout")}
	bus := &fakeBus{}
	service := newTestService(verifier, renderer, bus)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join"})

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonRenderError, failure.Reason)
	// No verification and no event for a failed render.
	assert.Empty(t, verifier.calls)
	assert.Empty(t, bus.published)
}

func TestProcessRendererOverloaded(t *testing.T) {
	verifier := &fakeVerifier{}
	renderer := &fakeRenderer{err: sentinel.ErrOverloaded}
	bus := &fakeBus{}
	service := newTestService(verifier, renderer, bus)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join"})

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonOverloaded, failure.Reason)
}

func TestProcessVerifierRejection(t *testing.T) {
	verifier := &fakeVerifier{err: ErrProofRejected}
	bus := &fakeBus{}
	service := newTestService(verifier, nil, bus)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join"})

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonVerifierError, failure.Reason)
	assert.Empty(t, bus.published)
}

func TestProcessPublishFailure(t *testing.T) {
	verifier := &fakeVerifier{}
	bus := &fakeBus{err: errors.New("bus rejected publish")}
	service := newTestService(verifier, nil, bus)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join"})

	// Publish failure fails the attempt so the success signal is never
	// silently lost: no ack without a published event.
	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonPublishError, failure.Reason)
}

func TestProcessWithoutRendererSkipsArtifact(t *testing.T) {
	verifier := &fakeVerifier{}
	bus := &fakeBus{}
	service := newTestService(verifier, nil, bus)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join"})
	require.NoError(t, err)
	require.Len(t, bus.published, 1)
}

func TestProcessMissingCredential(t *testing.T) {
	verifier := &fakeVerifier{}
	bus := &fakeBus{}
	service := NewService(verifier, nil, bus, secrets.Static{}, testParams(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join"})

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, ReasonTransportError, failure.Reason)
	assert.Empty(t, verifier.calls)
}

func TestProcessDefaultActionAppliesWhenRequestOmitsIt(t *testing.T) {
	verifier := &fakeVerifier{}
	bus := &fakeBus{}
	params := testParams()
	params.Action = "join"
	service := NewService(verifier, nil, bus, testSecrets(), params, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1"})
	require.NoError(t, err)

	require.Len(t, verifier.calls, 1)
	assert.Equal(t, "join", verifier.calls[0].Action)
	// The event carries the resolved action, not the empty request field.
	require.Len(t, bus.published, 1)
	assert.Equal(t, "join", bus.published[0].Detail.Context)
}

func TestProcessRequestActionOverridesDefault(t *testing.T) {
	verifier := &fakeVerifier{}
	bus := &fakeBus{}
	params := testParams()
	params.Action = "join"
	service := NewService(verifier, nil, bus, testSecrets(), params, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "renew"})
	require.NoError(t, err)
	require.Len(t, verifier.calls, 1)
	assert.Equal(t, "renew", verifier.calls[0].Action)
}

func TestProcessRequestSignalOverridesDefault(t *testing.T) {
	verifier := &fakeVerifier{}
	bus := &fakeBus{}
	params := testParams()
	params.Signal = "default-signal"
	service := NewService(verifier, nil, bus, testSecrets(), params, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	err := service.Process(context.Background(), queue.Request{ID: "r1", Subject: "u1", Action: "join", Signal: "custom"})
	require.NoError(t, err)
	require.Len(t, verifier.calls, 1)
	assert.Equal(t, "custom", verifier.calls[0].Signal)
}
