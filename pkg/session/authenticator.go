package session

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"space-manager/pkg/apierr"
)

// Authenticator checks operator login credentials. The configured password
// is held only as a bcrypt hash.
type Authenticator struct {
	username string
	hash     []byte
}

// NewAuthenticator builds an Authenticator. password may be a bcrypt hash
// ("$2a$", "$2b$", "$2y$") or plaintext, which is hashed once here.
func NewAuthenticator(username, password string, cost int) (*Authenticator, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("session: operator username and password must be set")
	}

	if isBcryptHash(password) {
		if _, err := bcrypt.Cost([]byte(password)); err != nil {
			return nil, fmt.Errorf("session: invalid bcrypt hash: %w", err)
		}
		return &Authenticator{username: username, hash: []byte(password)}, nil
	}

	hash, err := HashPassword(password, cost)
	if err != nil {
		return nil, err
	}
	return &Authenticator{username: username, hash: []byte(hash)}, nil
}

// Check returns nil when username and password match the operator.
func (a *Authenticator) Check(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	passErr := bcrypt.CompareHashAndPassword(a.hash, []byte(password))
	if !userOK || passErr != nil {
		return apierr.New(apierr.KindUnauthorized, "invalid username or password")
	}
	return nil
}

// HashPassword produces a bcrypt hash with cost clamped to bcrypt's range.
func HashPassword(password string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))

	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("session: hash password: %w", err)
	}
	return string(b), nil
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
