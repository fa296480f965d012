package actions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"space-manager/pkg/apierr"
	"space-manager/pkg/credentials"
	"space-manager/pkg/instances"
	"space-manager/pkg/upstream"
)

// fakeUpstream is both the listing and the control endpoint of the platform.
type fakeUpstream struct {
	mu        sync.Mutex
	listing   map[string][]upstream.Instance // by token
	responses map[string]int                 // by endpoint string, default 200
	bodies    map[string]string
	block     map[string]bool
	listCalls int
	calls     []string
	tokens    []string
}

func (f *fakeUpstream) ListInstances(_ context.Context, token, _ string) ([]upstream.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.listing[token], nil
}

func (f *fakeUpstream) Action(ctx context.Context, token, id, endpoint string, query url.Values) (*upstream.ActionResponse, error) {
	key := endpoint
	if len(query) > 0 {
		key += "?" + query.Encode()
	}

	f.mu.Lock()
	f.calls = append(f.calls, key)
	f.tokens = append(f.tokens, token)
	status, ok := f.responses[key]
	body := f.bodies[key]
	block := f.block[key]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "could not reach the hosting platform", ctx.Err())
	}
	if !ok {
		status = http.StatusOK
	}
	if status >= 300 {
		return nil, apierr.Upstream(status, errors.New(key))
	}
	return &upstream.ActionResponse{Status: status, Body: []byte(body)}, nil
}

func (f *fakeUpstream) upstreamCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls + len(f.calls)
}

func newFake() *fakeUpstream {
	return &fakeUpstream{
		listing: map[string][]upstream.Instance{
			"tok-alice": {{ID: "alice/demo", Name: "demo", AccountID: "alice"}},
		},
		responses: map[string]int{},
		bodies:    map[string]string{},
		block:     map[string]bool{},
	}
}

func newDispatcher(f *fakeUpstream, settings credentials.Settings, opts ...Option) *Dispatcher {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fetcher := instances.NewFetcher(f, logger, nil)
	return NewDispatcher(f, fetcher, credentials.Static(settings), logger, opts...)
}

func TestDispatch_Restart(t *testing.T) {
	f := newFake()
	f.bodies["restart"] = `{"stage": "BUILDING"}`
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"})

	res, err := d.Dispatch(context.Background(), "alice/demo", ActionRestart)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "restart", res.Endpoint)
	assert.JSONEq(t, `{"stage": "BUILDING"}`, string(res.UpstreamPayload))
	assert.Equal(t, []string{"restart"}, f.calls)
	assert.Equal(t, []string{"tok-alice"}, f.tokens)
}

func TestDispatch_NoCredential_NoUpstreamCalls(t *testing.T) {
	f := newFake()
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"})

	_, err := d.Dispatch(context.Background(), "acme/demo", ActionRestart)
	require.Error(t, err)
	assert.Equal(t, apierr.KindNoCredential, apierr.KindOf(err))
	assert.Equal(t, http.StatusBadRequest, apierr.HTTPStatus(err))
	assert.Zero(t, f.upstreamCalls())
}

func TestDispatch_NothingConfigured(t *testing.T) {
	f := newFake()
	d := newDispatcher(f, credentials.Settings{})

	_, err := d.Dispatch(context.Background(), "acme/demo", ActionPause)
	assert.Equal(t, apierr.KindNoCredential, apierr.KindOf(err))
	assert.Zero(t, f.upstreamCalls())
}

func TestDispatch_RebuildFallback(t *testing.T) {
	f := newFake()
	f.responses["factory-reboot"] = http.StatusMethodNotAllowed
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"})

	res, err := d.Dispatch(context.Background(), "alice/demo", ActionRebuild)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "restart?factory=true", res.Endpoint)
	assert.Contains(t, res.Message, "restart?factory=true")
	assert.Equal(t, []string{"factory-reboot", "restart?factory=true"}, f.calls)
}

func TestDispatch_RebuildAllFail(t *testing.T) {
	f := newFake()
	f.responses["factory-reboot"] = http.StatusMethodNotAllowed
	f.responses["restart?factory=true"] = http.StatusInternalServerError
	f.responses["build"] = http.StatusForbidden
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"})

	_, err := d.Dispatch(context.Background(), "alice/demo", ActionRebuild)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apierr.HTTPStatus(err))
	assert.Len(t, f.calls, 3)
}

func TestDispatch_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{http.StatusMethodNotAllowed, http.StatusMethodNotAllowed},
		{http.StatusUnauthorized, http.StatusForbidden},
		{http.StatusForbidden, http.StatusForbidden},
		{http.StatusNotFound, http.StatusNotFound},
		{http.StatusBadGateway, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		f := newFake()
		f.responses["pause"] = tt.status
		d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"})

		_, err := d.Dispatch(context.Background(), "alice/demo", ActionPause)
		if got := apierr.HTTPStatus(err); got != tt.want {
			t.Errorf("upstream %d: HTTPStatus() = %d, want %d", tt.status, got, tt.want)
		}
		if msg := apierr.MessageOf(err); msg == "" {
			t.Errorf("upstream %d: empty message", tt.status)
		}
	}
}

func TestDispatch_Timeout(t *testing.T) {
	f := newFake()
	f.block["resume"] = true
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"}, WithAttemptTimeout(20*time.Millisecond))

	_, err := d.Dispatch(context.Background(), "alice/demo", ActionResume)
	require.Error(t, err)
	assert.Equal(t, apierr.KindTimeout, apierr.KindOf(err))
	assert.Equal(t, http.StatusGatewayTimeout, apierr.HTTPStatus(err))
}

func TestDispatch_EachRebuildAttemptGetsOwnTimeout(t *testing.T) {
	f := newFake()
	f.block["factory-reboot"] = true
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"}, WithAttemptTimeout(20*time.Millisecond))

	res, err := d.Dispatch(context.Background(), "alice/demo", ActionRebuild)
	require.NoError(t, err)
	assert.Equal(t, "restart?factory=true", res.Endpoint)
}

func TestDispatch_InstanceNotFound(t *testing.T) {
	f := newFake()
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"})

	_, err := d.Dispatch(context.Background(), "alice/missing", ActionRestart)
	assert.Equal(t, apierr.KindInstanceNotFound, apierr.KindOf(err))
	assert.Empty(t, f.calls)
}

func TestDispatch_FallbackTokenForOwner(t *testing.T) {
	f := newFake()
	f.listing["global"] = []upstream.Instance{{ID: "acme/demo", Name: "demo", AccountID: "acme"}}
	d := newDispatcher(f, credentials.Settings{FallbackToken: "global"})

	res, err := d.Dispatch(context.Background(), "acme/demo", ActionRestart)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"global"}, f.tokens)
}

func TestDispatch_InvalidInput(t *testing.T) {
	f := newFake()
	d := newDispatcher(f, credentials.Settings{Accounts: "alice:tok-alice"})

	_, err := d.Dispatch(context.Background(), "alice/demo", Action("delete"))
	assert.Equal(t, apierr.KindInvalidInput, apierr.KindOf(err))

	_, err = d.Dispatch(context.Background(), "no-slash", ActionRestart)
	assert.Equal(t, apierr.KindInvalidInput, apierr.KindOf(err))
	assert.Zero(t, f.upstreamCalls())
}

func TestPayload(t *testing.T) {
	assert.JSONEq(t, `{"status": 200, "status_text": "OK"}`,
		string(payload(&upstream.ActionResponse{Status: 200})))
	assert.JSONEq(t, `{"status": 202, "status_text": "Accepted", "body": "queued"}`,
		string(payload(&upstream.ActionResponse{Status: 202, Body: []byte("queued")})))
	assert.JSONEq(t, `[1, 2]`,
		string(payload(&upstream.ActionResponse{Status: 200, Body: []byte(" [1, 2] ")})))
}

func TestParseAction(t *testing.T) {
	for _, name := range []string{"restart", "REBUILD", " pause ", "resume"} {
		_, err := ParseAction(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseAction("stop")
	assert.Error(t, err)
}
