package orchestrator

import (
	"context"
	"errors"
	"fmt"
)

// IssueSession runs a clickthrough login for the named auth service, creating a session
// user holding the service's roles and a token for it.
func (s *service) IssueSession(ctx context.Context, customer int, authService string) (*AuthToken, *AuthService, error) {
	svc, err := s.authRepo.GetAuthService(ctx, customer, authService)
	if err != nil {
		if errors.Is(err, ErrAuthServiceNotFound) {
			return nil, nil, NewRequestError(KindNotFound, fmt.Sprintf("Auth service '%s' not found", authService), err)
		}
		return nil, nil, NewRequestError(KindCacheBackendUnavailable, "Error loading auth service", err)
	}

	token, err := s.auth.IssueToken(ctx, svc)
	if err != nil {
		return nil, nil, NewRequestError(KindCacheBackendUnavailable, "Error creating session", err)
	}
	s.logger.Info("Issued auth session", "customer", customer, "auth_service", svc.Name, "token_id", token.ID)
	return token, svc, nil
}

// ExchangeToken swaps a session cookie for its bearer token
func (s *service) ExchangeToken(ctx context.Context, customer int, creds Credentials) (*AuthToken, error) {
	if !creds.HasCookie {
		return nil, NewRequestError(KindMissingCredentials, descMissingCookie, nil)
	}
	return s.auth.ValidateCredentials(ctx, customer, Credentials{Cookie: creds.Cookie, HasCookie: true})
}

func (s *service) Logout(ctx context.Context, customer int, cookie string) error {
	if err := s.auth.Logout(ctx, customer, cookie); err != nil {
		return NewRequestError(KindCacheBackendUnavailable, "Error ending session", err)
	}
	return nil
}
