// Package session manages operator session tokens. Login creates a session;
// the auth gate authorizes every protected request against it; the verify
// endpoint validates and slides its expiry forward.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"space-manager/pkg/apierr"
	"space-manager/pkg/kv"
)

const (
	// DefaultTTL is the lifetime of a session from creation or last verify.
	DefaultTTL = 24 * time.Hour

	// expiryGrace keeps records in the backing store past their logical
	// expiry so an expired session is reported as expired, not missing.
	expiryGrace = 5 * time.Minute

	keyPrefix  = "session:"
	tokenBytes = 32
)

// Session is a server-issued operator session.
type Session struct {
	// Token is the opaque bearer token. It is not part of the stored record.
	Token string `json:"-"`

	// AccountID is the operator identity the session was issued to.
	AccountID string `json:"account_id"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store issues, validates and revokes sessions on top of a kv.Store.
type Store struct {
	kv  kv.Store
	ttl time.Duration
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a session store on the given backing store.
func NewStore(backing kv.Store, opts ...Option) *Store {
	s := &Store{kv: backing, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create issues a new session for accountID.
func (s *Store) Create(ctx context.Context, accountID string) (*Session, error) {
	if accountID == "" {
		return nil, apierr.New(apierr.KindInvalidInput, "account id is required")
	}

	token, err := newToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "could not generate session token", err)
	}

	now := s.now()
	sess := &Session{
		Token:     token,
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Authorize validates token without extending it.
func (s *Store) Authorize(ctx context.Context, token string) (*Session, error) {
	return s.lookup(ctx, token)
}

// Verify validates token and slides its expiry forward by the full TTL.
func (s *Store) Verify(ctx context.Context, token string) (*Session, error) {
	sess, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	sess.ExpiresAt = s.now().Add(s.ttl)
	if err := s.write(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Destroy revokes token. Destroying an unknown token succeeds.
func (s *Store) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := s.kv.Delete(ctx, keyPrefix+token); err != nil {
		return apierr.Wrap(apierr.KindStorage, "could not revoke session", err)
	}
	return nil
}

func (s *Store) lookup(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, apierr.ErrSessionNotFound
	}

	data, err := s.kv.Get(ctx, keyPrefix+token)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, apierr.ErrSessionNotFound
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "could not read session", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, apierr.Wrap(apierr.KindStorage, "corrupt session record", err)
	}
	sess.Token = token

	if !s.now().Before(sess.ExpiresAt) {
		if err := s.kv.Delete(ctx, keyPrefix+token); err != nil {
			return nil, apierr.Wrap(apierr.KindStorage, "could not delete expired session", err)
		}
		return nil, apierr.ErrSessionExpired
	}
	return &sess, nil
}

func (s *Store) write(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "could not encode session", err)
	}

	ttl := sess.ExpiresAt.Sub(s.now()) + expiryGrace
	if err := s.kv.Put(ctx, keyPrefix+sess.Token, data, ttl); err != nil {
		return apierr.Wrap(apierr.KindStorage, "could not store session", err)
	}
	return nil
}

// newToken returns 256 bits of crypto/rand entropy, hex encoded.
func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
