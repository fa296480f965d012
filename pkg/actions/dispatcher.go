// Package actions dispatches control operations (restart, rebuild, pause,
// resume) to the hosting platform on behalf of an instance's owning account.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"space-manager/pkg/apierr"
	"space-manager/pkg/credentials"
	"space-manager/pkg/observability"
	"space-manager/pkg/upstream"
)

var tracer = otel.Tracer("space-manager/actions")

// AttemptTimeout bounds each individual upstream control call.
const AttemptTimeout = 30 * time.Second

// Action is a supported control operation.
type Action string

const (
	ActionRestart Action = "restart"
	ActionRebuild Action = "rebuild"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionRestart, ActionRebuild, ActionPause, ActionResume:
		return a, nil
	}
	return "", apierr.New(apierr.KindInvalidInput, "unsupported action "+s)
}

// attempt is one upstream endpoint tried for an action.
type attempt struct {
	endpoint string
	query    url.Values
}

func (a attempt) String() string {
	if len(a.query) == 0 {
		return a.endpoint
	}
	return a.endpoint + "?" + a.query.Encode()
}

// plan returns the ordered endpoints for an action. Rebuild tries the
// factory reboot first and falls back to a factory restart, then a build.
func plan(action Action) []attempt {
	if action == ActionRebuild {
		return []attempt{
			{endpoint: "factory-reboot"},
			{endpoint: "restart", query: url.Values{"factory": {"true"}}},
			{endpoint: "build"},
		}
	}
	return []attempt{{endpoint: string(action)}}
}

// Caller performs one control call. *upstream.Client implements it.
type Caller interface {
	Action(ctx context.Context, token, id, endpoint string, query url.Values) (*upstream.ActionResponse, error)
}

// Finder resolves an instance through a fresh listing. *instances.Fetcher
// implements it.
type Finder interface {
	Find(ctx context.Context, mapping *credentials.Mapping, allowList []string, id string) (*upstream.Instance, error)
}

// Result is the outcome of a successful dispatch.
type Result struct {
	Success         bool            `json:"success"`
	Message         string          `json:"message"`
	Endpoint        string          `json:"endpoint"`
	UpstreamPayload json.RawMessage `json:"upstream_payload,omitempty"`
}

// Dispatcher routes actions. It keeps no state between calls.
type Dispatcher struct {
	client         Caller
	finder         Finder
	source         credentials.Source
	logger         *slog.Logger
	metrics        *observability.Metrics
	attemptTimeout time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAttemptTimeout overrides AttemptTimeout.
func WithAttemptTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.attemptTimeout = d
		}
	}
}

// WithMetrics enables Prometheus recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(client Caller, finder Finder, source credentials.Source, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		client:         client,
		finder:         finder,
		source:         source,
		logger:         logger,
		attemptTimeout: AttemptTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch performs action on instanceID.
//
// The credential for the id's account is checked before any network call,
// ownership is then confirmed through a fresh listing, and the owner's
// credential is used for the control call. Upstream failures are classified
// by status code; a timed-out attempt yields a Timeout error.
func (d *Dispatcher) Dispatch(ctx context.Context, instanceID string, action Action) (*Result, error) {
	start := time.Now()
	res, err := d.dispatch(ctx, instanceID, action)

	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeError
	}
	d.metrics.RecordAction(string(action), outcome, time.Since(start).Seconds())
	return res, err
}

func (d *Dispatcher) dispatch(ctx context.Context, instanceID string, action Action) (*Result, error) {
	if _, err := ParseAction(string(action)); err != nil {
		return nil, err
	}
	account, _, ok := upstream.SplitID(instanceID)
	if !ok {
		return nil, apierr.New(apierr.KindInvalidInput, "instance id must have the form account/name")
	}

	ctx, span := tracer.Start(ctx, "actions.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("instance.id", instanceID),
		attribute.String("action", string(action)),
	)

	mapping, allowList := credentials.Current(d.source)
	if _, err := mapping.Token(account); err != nil {
		span.SetStatus(codes.Error, "no credential")
		return nil, err
	}

	inst, err := d.finder.Find(ctx, mapping, allowList, instanceID)
	if err != nil {
		span.SetStatus(codes.Error, "ownership lookup failed")
		return nil, err
	}
	token, err := mapping.Token(inst.AccountID)
	if err != nil {
		span.SetStatus(codes.Error, "no credential for owner")
		return nil, err
	}

	var lastErr error
	for i, step := range plan(action) {
		if err := ctx.Err(); err != nil {
			return nil, apierr.Wrap(apierr.KindTimeout, apierr.ErrTimeout.Message, err)
		}

		resp, err := d.call(ctx, token, inst.ID, step)
		if err != nil {
			lastErr = err
			d.logger.Info("action attempt failed",
				"instance", inst.ID, "action", action, "endpoint", step.String(),
				"attempt", i+1, "kind", apierr.KindOf(err).String())
			continue
		}

		d.logger.Info("action dispatched",
			"instance", inst.ID, "action", action, "endpoint", step.String(), "status", resp.Status)
		span.SetAttributes(attribute.String("endpoint", step.String()))
		return &Result{
			Success:         true,
			Message:         successMessage(action, inst.ID, step, i > 0),
			Endpoint:        step.String(),
			UpstreamPayload: payload(resp),
		}, nil
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all attempts failed")
	return nil, lastErr
}

func (d *Dispatcher) call(ctx context.Context, token, id string, step attempt) (*upstream.ActionResponse, error) {
	actx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
	defer cancel()

	resp, err := d.client.Action(actx, token, id, step.endpoint, step.query)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && apierr.KindOf(err) != apierr.KindUpstream {
		return nil, apierr.Wrap(apierr.KindTimeout, apierr.ErrTimeout.Message, err)
	}
	return resp, err
}

func successMessage(action Action, id string, step attempt, fallback bool) string {
	msg := string(action) + " requested for " + id
	if fallback {
		msg += " via " + step.String()
	}
	return msg
}

// payload returns the upstream body if it is JSON, otherwise a synthesized
// object describing the response.
func payload(resp *upstream.ActionResponse) json.RawMessage {
	body := strings.TrimSpace(string(resp.Body))
	if body != "" && json.Valid([]byte(body)) {
		return json.RawMessage(body)
	}

	synth := map[string]any{
		"status":      resp.Status,
		"status_text": http.StatusText(resp.Status),
	}
	if body != "" {
		if len(body) > 512 {
			body = body[:512]
		}
		synth["body"] = body
	}
	out, err := json.Marshal(synth)
	if err != nil {
		return nil
	}
	return out
}
