package token

import (
	"context"
	"fmt"
)

// Source adapts a Manager to a bearer-token source for backends. It reads
// the current credentials through creds on every call (so config mutations
// are picked up) and hands refreshed tokens to persist, keeping the stored
// configuration current without the backends knowing about either.
type Source struct {
	manager *Manager
	creds   func() Credentials
	persist func(Token) error
}

// NewSource creates a Source. persist may be nil for read-only callers.
func NewSource(manager *Manager, creds func() Credentials, persist func(Token) error) *Source {
	return &Source{manager: manager, creds: creds, persist: persist}
}

// Token returns a currently valid access token, refreshing and persisting
// when the cached one is inside the expiry safety buffer.
func (s *Source) Token(ctx context.Context) (string, error) {
	before := s.creds()

	tok, err := s.manager.Valid(ctx, before)
	if err != nil {
		return "", err
	}

	if s.persist != nil && tok.AccessToken != before.AccessToken {
		if err := s.persist(tok); err != nil {
			return "", fmt.Errorf("token: persisting refreshed token: %w", err)
		}
	}

	return tok.AccessToken, nil
}
