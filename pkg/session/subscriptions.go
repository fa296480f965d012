package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"space-manager/pkg/apierr"
	"space-manager/pkg/kv"
)

const (
	// SubscriptionTTL bounds how long a metrics subscription record lives.
	SubscriptionTTL = time.Hour

	subscriptionPrefix = "metrics_subscription:"
)

// Subscription records which instances a metrics stream client wants. It is
// advisory: streams fall back to their request parameters without it.
type Subscription struct {
	ClientID    string    `json:"client_id"`
	InstanceIDs []string  `json:"instance_ids"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Subscriptions stores metrics subscription records.
type Subscriptions struct {
	kv  kv.Store
	now func() time.Time
}

// NewSubscriptions creates a subscription store on the given backing store.
func NewSubscriptions(backing kv.Store) *Subscriptions {
	return &Subscriptions{kv: backing, now: time.Now}
}

// Put replaces the subscription for clientID. Instance ids are de-duplicated
// keeping first-seen order.
func (s *Subscriptions) Put(ctx context.Context, clientID string, instanceIDs []string) (*Subscription, error) {
	if clientID == "" {
		return nil, apierr.New(apierr.KindInvalidInput, "client_id is required")
	}

	sub := &Subscription{
		ClientID:    clientID,
		InstanceIDs: dedupe(instanceIDs),
		UpdatedAt:   s.now(),
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "could not encode subscription", err)
	}
	if err := s.kv.Put(ctx, subscriptionPrefix+clientID, data, SubscriptionTTL); err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "could not store subscription", err)
	}
	return sub, nil
}

// Get returns the subscription for clientID, or (nil, nil) if none exists.
func (s *Subscriptions) Get(ctx context.Context, clientID string) (*Subscription, error) {
	data, err := s.kv.Get(ctx, subscriptionPrefix+clientID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "could not read subscription", err)
	}

	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "corrupt subscription record", err)
	}
	return &sub, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
