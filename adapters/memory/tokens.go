package memory

import (
	"context"
	"sync"

	"github.com/artpar/meterd/ports"
)

type tokenCreds struct {
	appID  string
	userID string
}

// TokenStore is an in-memory implementation of ports.TokenStore.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]map[string]tokenCreds // serviceID -> token -> creds
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]map[string]tokenCreds)}
}

// Issue registers a token. Test seam for the external issuance flow.
func (s *TokenStore) Issue(serviceID, token, appID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byToken, ok := s.tokens[serviceID]
	if !ok {
		byToken = make(map[string]tokenCreds)
		s.tokens[serviceID] = byToken
	}
	byToken[token] = tokenCreds{appID: appID, userID: userID}
}

// Credentials resolves a token to (appID, userID).
func (s *TokenStore) Credentials(ctx context.Context, accessToken, serviceID string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds, ok := s.tokens[serviceID][accessToken]
	if !ok {
		return "", "", ports.ErrAccessTokenInvalid
	}
	return creds.appID, creds.userID, nil
}

// RemoveTokens drops every token belonging to an application.
func (s *TokenStore) RemoveTokens(ctx context.Context, serviceID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, creds := range s.tokens[serviceID] {
		if creds.appID == appID {
			delete(s.tokens[serviceID], token)
		}
	}
	return nil
}

// Ensure interface compliance.
var _ ports.TokenStore = (*TokenStore)(nil)
