package instances

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"space-manager/pkg/apierr"
	"space-manager/pkg/credentials"
	"space-manager/pkg/observability"
	"space-manager/pkg/upstream"
)

// fakeLister serves canned listings keyed by token.
type fakeLister struct {
	mu       sync.Mutex
	byToken  map[string][]upstream.Instance
	failures map[string]error
	calls    []string
}

func (f *fakeLister) ListInstances(_ context.Context, token, account string) ([]upstream.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, token+"|"+account)
	if err, ok := f.failures[token]; ok {
		return nil, err
	}
	return f.byToken[token], nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func inst(account, name string) upstream.Instance {
	return upstream.Instance{
		ID:             account + "/" + name,
		Name:           name,
		AccountID:      account,
		LifecycleState: upstream.LifecycleRunning,
		Tags:           []string{},
		Visibility:     upstream.VisibilityPublic,
	}
}

func ids(list []upstream.Instance) []string {
	out := make([]string, len(list))
	for i, in := range list {
		out[i] = in.ID
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func scenarioLister() *fakeLister {
	return &fakeLister{
		byToken: map[string][]upstream.Instance{
			"tok1": {inst("alice", "zeta"), inst("alice", "alpha")},
			"tok2": {inst("bob", "mid"), inst("bob", "Beta"), inst("bob", "alpha")},
		},
	}
}

func TestList_TwoAccounts(t *testing.T) {
	lister := scenarioLister()
	f := NewFetcher(lister, quietLogger(), nil)
	mapping := credentials.New("alice:tok1,bob:tok2", "")

	got, err := f.List(context.Background(), mapping, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice/alpha", "alice/zeta", "bob/alpha", "bob/Beta", "bob/mid"}, ids(got))
	for _, in := range got {
		assert.Contains(t, []string{"alice", "bob"}, in.AccountID)
	}
	assert.Equal(t, 2, lister.callCount())
}

func TestList_PermutationInvariant(t *testing.T) {
	configs := []string{
		"alice:tok1,bob:tok2",
		"bob:tok2,alice:tok1",
		" bob : tok2 , , alice:tok1 ",
	}

	var want []string
	for _, cfg := range configs {
		f := NewFetcher(scenarioLister(), quietLogger(), nil)
		got, err := f.List(context.Background(), credentials.New(cfg, ""), nil)
		require.NoError(t, err)
		if want == nil {
			want = ids(got)
			continue
		}
		assert.Equal(t, want, ids(got), "config %q", cfg)
	}
}

func TestList_DuplicateFromNonOwnersIsOrderIndependent(t *testing.T) {
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	shared := func(desc string, updated time.Time) upstream.Instance {
		in := inst("carol", "shared")
		in.Description = desc
		in.UpdatedAt = updated
		return in
	}

	tests := []struct {
		name      string
		fromAlice upstream.Instance
		fromBob   upstream.Instance
		want      string
	}{
		{"later update wins", shared("alice copy", older), shared("bob copy", newer), "bob copy"},
		{"same update, smaller source wins", shared("alice copy", older), shared("bob copy", older), "alice copy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, cfg := range []string{"alice:tok1,bob:tok2", "bob:tok2,alice:tok1"} {
				lister := &fakeLister{byToken: map[string][]upstream.Instance{
					"tok1": {tt.fromAlice},
					"tok2": {tt.fromBob},
				}}
				got, err := NewFetcher(lister, quietLogger(), nil).List(context.Background(), credentials.New(cfg, ""), nil)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, tt.want, got[0].Description, "config %q", cfg)
			}
		})
	}
}

func TestList_PartialFailure(t *testing.T) {
	lister := scenarioLister()
	lister.byToken["tok3"] = []upstream.Instance{inst("carol", "x")}
	lister.failures = map[string]error{"tok2": apierr.Upstream(500, errors.New("boom"))}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := NewFetcher(lister, quietLogger(), metrics)

	got, err := f.List(context.Background(), credentials.New("alice:tok1,bob:tok2,carol:tok3", ""), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"alice/alpha", "alice/zeta", "carol/x"}, ids(got))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AggregationPartialFailuresTotal))
}

func TestList_AllFail(t *testing.T) {
	lister := &fakeLister{failures: map[string]error{
		"tok1": errors.New("down"),
		"tok2": errors.New("down"),
	}}
	f := NewFetcher(lister, quietLogger(), nil)

	_, err := f.List(context.Background(), credentials.New("alice:tok1,bob:tok2", ""), nil)
	assert.True(t, errors.Is(err, apierr.ErrUpstreamUnavailable))
}

func TestList_NoCredentials_NoNetwork(t *testing.T) {
	for _, cfg := range []string{"", "alice,bob", " , "} {
		lister := scenarioLister()
		f := NewFetcher(lister, quietLogger(), nil)

		_, err := f.List(context.Background(), credentials.New(cfg, ""), nil)
		assert.Equal(t, apierr.KindConfiguration, apierr.KindOf(err), "config %q", cfg)
		assert.Zero(t, lister.callCount(), "config %q", cfg)
	}
}

func TestList_FallbackWhenEmpty(t *testing.T) {
	lister := &fakeLister{byToken: map[string][]upstream.Instance{
		"global": {inst("dave", "b"), inst("erin", "a")},
	}}
	f := NewFetcher(lister, quietLogger(), nil)

	got, err := f.List(context.Background(), credentials.New("alice:tok1", "global"), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"dave/b", "erin/a"}, ids(got))
	assert.Equal(t, []string{"tok1|alice", "global|"}, lister.calls)
}

func TestList_FallbackOnly(t *testing.T) {
	lister := &fakeLister{byToken: map[string][]upstream.Instance{
		"global": {inst("dave", "b")},
	}}
	f := NewFetcher(lister, quietLogger(), nil)

	got, err := f.List(context.Background(), credentials.New("", "global"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"dave/b"}, ids(got))
}

func TestList_FallbackSkippedWhenResults(t *testing.T) {
	lister := scenarioLister()
	f := NewFetcher(lister, quietLogger(), nil)

	_, err := f.List(context.Background(), credentials.New("alice:tok1", "global"), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, lister.callCount())
}

func TestList_AllowList(t *testing.T) {
	f := NewFetcher(scenarioLister(), quietLogger(), nil)

	got, err := f.List(context.Background(), credentials.New("alice:tok1,bob:tok2", ""), []string{"bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob/alpha", "bob/Beta", "bob/mid"}, ids(got))
}

func TestList_EmptyButSuccessful(t *testing.T) {
	f := NewFetcher(&fakeLister{}, quietLogger(), nil)

	got, err := f.List(context.Background(), credentials.New("alice:tok1", ""), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFind(t *testing.T) {
	f := NewFetcher(scenarioLister(), quietLogger(), nil)
	mapping := credentials.New("alice:tok1,bob:tok2", "")

	got, err := f.Find(context.Background(), mapping, nil, "bob/mid")
	require.NoError(t, err)
	assert.Equal(t, "bob", got.AccountID)

	_, err = f.Find(context.Background(), mapping, nil, "bob/missing")
	assert.Equal(t, apierr.KindInstanceNotFound, apierr.KindOf(err))
}
