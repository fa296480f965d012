// Package instances aggregates instance listings across every configured
// credential into one filtered, deterministically ordered view.
package instances

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"space-manager/pkg/apierr"
	"space-manager/pkg/credentials"
	"space-manager/pkg/observability"
	"space-manager/pkg/upstream"
)

var tracer = otel.Tracer("space-manager/instances")

// Lister lists instances visible to a token, optionally scoped to an
// account. *upstream.Client implements it.
type Lister interface {
	ListInstances(ctx context.Context, token, account string) ([]upstream.Instance, error)
}

// Fetcher is the aggregating fetcher. It holds no per-request state and is
// safe for concurrent use.
type Fetcher struct {
	client  Lister
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewFetcher creates a Fetcher. metrics may be nil.
func NewFetcher(client Lister, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, logger: logger, metrics: metrics}
}

type slot struct {
	account   string
	instances []upstream.Instance
	err       error
}

// List fetches every credential's instances concurrently, falls back to the
// global token when nothing was found, filters by allowList (nil means no
// filtering) and sorts by account then name.
//
// A mapping with no usable credential fails with a Configuration error
// before any network call. If every upstream call fails the result is an
// UpstreamUnavailable error; partial failures are logged and excluded.
func (f *Fetcher) List(ctx context.Context, mapping *credentials.Mapping, allowList []string) ([]upstream.Instance, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "instances.List")
	defer span.End()

	creds := mapping.Credentials()
	span.SetAttributes(attribute.Int("credentials", len(creds)))

	slots := make([]slot, len(creds))
	g, gctx := errgroup.WithContext(ctx)
	for i, cred := range creds {
		g.Go(func() error {
			list, err := f.client.ListInstances(gctx, cred.Token, cred.Account)
			slots[i] = slot{account: cred.Account, instances: list, err: err}
			// Member failures are recorded in the slot, never propagated, so
			// one failing account cannot cancel the others.
			return nil
		})
	}
	_ = g.Wait()

	merged := make(map[string]sourced)
	succeeded, failed := 0, 0
	for _, s := range slots {
		if s.err != nil {
			failed++
			f.metrics.RecordUpstream("list", observability.OutcomeError)
			f.logger.Warn("instance listing failed for account",
				"account", s.account, "kind", apierr.KindOf(s.err).String(), "error", s.err)
			continue
		}
		succeeded++
		f.metrics.RecordUpstream("list", observability.OutcomeSuccess)
		for _, inst := range s.instances {
			mergeInstance(merged, inst, s.account)
		}
	}

	if len(merged) == 0 && mapping.Fallback() != "" {
		list, err := f.client.ListInstances(ctx, mapping.Fallback(), "")
		if err != nil {
			failed++
			f.metrics.RecordUpstream("list", observability.OutcomeError)
			f.logger.Warn("instance listing with fallback credential failed",
				"kind", apierr.KindOf(err).String(), "error", err)
		} else {
			succeeded++
			f.metrics.RecordUpstream("list", observability.OutcomeSuccess)
			for _, inst := range list {
				mergeInstance(merged, inst, "")
			}
		}
	}

	if succeeded == 0 {
		span.SetStatus(codes.Error, "all listings failed")
		return nil, apierr.ErrUpstreamUnavailable
	}
	if failed > 0 {
		f.metrics.RecordPartialFailure()
		span.SetAttributes(attribute.Int("failed", failed))
	}

	out := filter(merged, allowList)
	sortInstances(out)
	span.SetAttributes(attribute.Int("instances", len(out)))
	return out, nil
}

// Find returns the instance with the given id from a fresh listing.
func (f *Fetcher) Find(ctx context.Context, mapping *credentials.Mapping, allowList []string, id string) (*upstream.Instance, error) {
	list, err := f.List(ctx, mapping, allowList)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, apierr.ErrInstanceNotFound
}

// sourced is a merged instance plus the account whose credential listed it.
type sourced struct {
	upstream.Instance
	source string
}

// mergeInstance adds inst keyed by id. On a duplicate the copy returned by
// the instance's own account wins; otherwise the later UpdatedAt wins, then
// the smaller source account. The result never depends on credential order.
func mergeInstance(merged map[string]sourced, inst upstream.Instance, source string) {
	cand := sourced{Instance: inst, source: source}
	cur, exists := merged[inst.ID]
	if !exists || preferred(cand, cur) {
		merged[inst.ID] = cand
	}
}

func preferred(a, b sourced) bool {
	aOwn, bOwn := a.source == a.AccountID, b.source == b.AccountID
	if aOwn != bOwn {
		return aOwn
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.source < b.source
}

func filter(merged map[string]sourced, allowList []string) []upstream.Instance {
	out := make([]upstream.Instance, 0, len(merged))
	for _, inst := range merged {
		if len(allowList) > 0 && !slices.Contains(allowList, inst.AccountID) {
			continue
		}
		out = append(out, inst.Instance)
	}
	return out
}

// sortInstances orders by account then name using locale-aware collation,
// with the raw id as a final tie-breaker.
func sortInstances(list []upstream.Instance) {
	col := collate.New(language.Und)
	slices.SortFunc(list, func(a, b upstream.Instance) int {
		if c := col.CompareString(a.AccountID, b.AccountID); c != 0 {
			return c
		}
		if c := col.CompareString(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
