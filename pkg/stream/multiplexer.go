// Package stream multiplexes periodic metrics polling for many instances
// onto a single server-sent event connection.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"space-manager/pkg/apierr"
	"space-manager/pkg/credentials"
	"space-manager/pkg/observability"
	"space-manager/pkg/session"
	"space-manager/pkg/upstream"
)

var tracer = otel.Tracer("space-manager/stream")

const (
	// DefaultInterval is the delay between cycles while polls succeed.
	DefaultInterval = 3 * time.Second
	// DefaultMaxInterval caps the backoff delay.
	DefaultMaxInterval = 30 * time.Second
	// DefaultErrorThreshold is how many failed cycles are tolerated before
	// the delay starts growing.
	DefaultErrorThreshold = 5

	backoffFactor = 1.5
)

// Config tunes the poll loop.
type Config struct {
	Interval       time.Duration
	MaxInterval    time.Duration
	ErrorThreshold int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	return c
}

// NextDelay returns the wait before the next cycle after the given number
// of consecutive failed cycles: the base interval up to the threshold, then
// base * 1.5^(failures-threshold), capped at MaxInterval.
func (c Config) NextDelay(failures int) time.Duration {
	c = c.withDefaults()
	if failures <= c.ErrorThreshold {
		return c.Interval
	}
	d := float64(c.Interval) * math.Pow(backoffFactor, float64(failures-c.ErrorThreshold))
	if d >= float64(c.MaxInterval) || math.IsInf(d, 1) {
		return c.MaxInterval
	}
	return time.Duration(d)
}

// MetricsSource fetches one sample. *upstream.Client implements it.
type MetricsSource interface {
	Metrics(ctx context.Context, token, id string) (upstream.Sample, error)
}

// SubscriptionReader reads advisory subscription records.
// *session.Subscriptions implements it.
type SubscriptionReader interface {
	Get(ctx context.Context, clientID string) (*session.Subscription, error)
}

// EventWriter writes one event to the client. *SSEWriter implements it.
type EventWriter interface {
	WriteEvent(event string, data any) error
}

// Request describes one stream connection.
type Request struct {
	ClientID string
	// InstanceIDs is authoritative when non-empty. When empty, the
	// subscription record for ClientID is consulted every cycle.
	InstanceIDs []string
	// Fallback is polled when neither InstanceIDs nor a subscription
	// record names any instance.
	Fallback []string
}

// ConnectedEvent is the first event on every stream.
type ConnectedEvent struct {
	ClientID    string   `json:"client_id"`
	InstanceIDs []string `json:"instance_ids"`
	IntervalMS  int64    `json:"interval_ms"`
}

// PingEvent is the per-cycle heartbeat.
type PingEvent struct {
	Timestamp           time.Time `json:"timestamp"`
	NextDelayMS         int64     `json:"next_delay_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Multiplexer runs one poll loop per connection. It holds no per-connection
// state itself and is safe for concurrent use.
type Multiplexer struct {
	client  MetricsSource
	subs    SubscriptionReader
	source  credentials.Source
	logger  *slog.Logger
	metrics *observability.Metrics
	cfg     Config
	now     func() time.Time
}

// NewMultiplexer creates a Multiplexer. subs and metrics may be nil.
func NewMultiplexer(client MetricsSource, subs SubscriptionReader, source credentials.Source, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		client:  client,
		subs:    subs,
		source:  source,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// Run streams until ctx is cancelled or a write fails. Cancellation is a
// normal end and returns nil; a failed write returns its error.
func (m *Multiplexer) Run(ctx context.Context, w EventWriter, req Request) error {
	m.metrics.StreamOpened()
	defer m.metrics.StreamClosed()

	initial := req.InstanceIDs
	if len(initial) == 0 {
		initial = req.Fallback
	}
	if err := m.write(w, EventConnected, ConnectedEvent{
		ClientID:    req.ClientID,
		InstanceIDs: nonNil(initial),
		IntervalMS:  m.cfg.Interval.Milliseconds(),
	}); err != nil {
		return err
	}
	m.logger.Info("metrics stream opened", "client_id", req.ClientID, "instances", len(initial))

	failures := 0
	for {
		if ctx.Err() != nil {
			m.logger.Info("metrics stream closed", "client_id", req.ClientID)
			return nil
		}

		outcome, err := m.cycle(ctx, w, req)
		if err != nil {
			return err
		}
		switch {
		case outcome.succeeded > 0:
			failures = 0
		case outcome.failed > 0:
			failures++
		}

		delay := m.cfg.NextDelay(failures)
		if err := m.write(w, EventPing, PingEvent{
			Timestamp:           m.now().UTC(),
			NextDelayMS:         delay.Milliseconds(),
			ConsecutiveFailures: failures,
		}); err != nil {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("metrics stream closed", "client_id", req.ClientID)
			return nil
		case <-timer.C:
		}
	}
}

type cycleOutcome struct {
	succeeded int
	failed    int
}

// cycle polls every subscribed instance once, in order.
func (m *Multiplexer) cycle(ctx context.Context, w EventWriter, req Request) (cycleOutcome, error) {
	ctx, span := tracer.Start(ctx, "stream.cycle")
	defer span.End()

	var out cycleOutcome
	ids := m.subscribed(ctx, req)
	span.SetAttributes(attribute.Int("instances", len(ids)))

	mapping, allowList := credentials.Current(m.source)
	for _, id := range ids {
		if ctx.Err() != nil {
			return out, nil
		}

		sample, ok := m.poll(ctx, mapping, allowList, id)
		if ctx.Err() != nil {
			return out, nil
		}
		if !ok {
			out.failed++
			m.metrics.RecordStreamError()
			continue
		}
		if sample.succeeded {
			out.succeeded++
		}
		if err := m.write(w, EventMetric, sample.Sample); err != nil {
			return out, err
		}
	}

	span.SetAttributes(attribute.Int("failed", out.failed))
	return out, nil
}

type polled struct {
	upstream.Sample
	// succeeded is false for the zero sample substituted on a 404.
	succeeded bool
}

var errNotFound = &apierr.Error{Kind: apierr.KindUpstream, Class: apierr.ClassNotFound}

// poll fetches one instance's sample using the credential of the account
// prefix of its id. Accounts outside the allow-list (nil means no filtering)
// are never polled. A 404 yields a zero sample; other failures report !ok.
func (m *Multiplexer) poll(ctx context.Context, mapping *credentials.Mapping, allowList []string, id string) (polled, bool) {
	account, _, ok := upstream.SplitID(id)
	if !ok {
		m.logger.Debug("skipping malformed instance id", "instance", id)
		return polled{}, false
	}
	if allowList != nil && !slices.Contains(allowList, account) {
		m.logger.Debug("skipping instance outside the allow-list", "instance", id)
		return polled{}, false
	}

	token, err := mapping.Token(account)
	if err != nil {
		m.logger.Debug("no credential for metrics poll", "instance", id)
		return polled{}, false
	}

	sample, err := m.client.Metrics(ctx, token, id)
	switch {
	case err == nil:
		m.metrics.RecordUpstream("metrics", observability.OutcomeSuccess)
		return polled{Sample: sample, succeeded: true}, true
	case errors.Is(err, errNotFound):
		m.metrics.RecordUpstream("metrics", observability.OutcomeNotFound)
		return polled{Sample: upstream.ZeroSample(id, m.now().UTC())}, true
	default:
		m.metrics.RecordUpstream("metrics", observability.OutcomeError)
		m.logger.Debug("metrics poll failed", "instance", id, "kind", apierr.KindOf(err).String())
		return polled{}, false
	}
}

// subscribed returns the instance set for this cycle.
func (m *Multiplexer) subscribed(ctx context.Context, req Request) []string {
	if len(req.InstanceIDs) > 0 {
		return req.InstanceIDs
	}
	if m.subs == nil || req.ClientID == "" {
		return req.Fallback
	}

	sub, err := m.subs.Get(ctx, req.ClientID)
	if err != nil {
		m.logger.Warn("could not read metrics subscription", "client_id", req.ClientID, "error", err)
		return req.Fallback
	}
	if sub == nil || len(sub.InstanceIDs) == 0 {
		return req.Fallback
	}
	return sub.InstanceIDs
}

func (m *Multiplexer) write(w EventWriter, event string, data any) error {
	if err := w.WriteEvent(event, data); err != nil {
		return err
	}
	m.metrics.RecordStreamEvent(event)
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
