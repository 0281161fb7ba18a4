package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRefreshInterval is how long after LastChecked a token becomes due for sliding refresh
const DefaultRefreshInterval = 2 * time.Minute

const (
	descMissingCookie  = "Required cookie missing"
	descCookieNoID     = "Id not found in cookie"
	descUnknownExpired = "Credentials provided unknown or expired"
	descNoRole         = "Credentials do not grant access to this resource"
)

// Credentials are the caller-supplied session identifiers
type Credentials struct {
	// Cookie is the raw value of the customer's auth cookie
	Cookie    string
	HasCookie bool
	Bearer    string
}

// IsEmpty reports whether neither a cookie nor a bearer token was supplied
func (c Credentials) IsEmpty() bool {
	return !c.HasCookie && c.Bearer == ""
}

// CookieID extracts the session id from a cookie value of the form "id={cookieId}".
// The separator may arrive url-encoded.
func CookieID(value string) (string, bool) {
	for _, prefix := range []string{"id=", "id%3D", "id%3d"} {
		if strings.HasPrefix(value, prefix) {
			id := value[len(prefix):]
			return id, id != ""
		}
	}
	return "", false
}

// CookieValue formats a cookie id for the auth cookie
func CookieValue(cookieID string) string {
	return "id=" + cookieID
}

// RefreshToken is the sliding-expiry step applied after a token validates. It returns a
// refreshed copy and true when LastChecked is unset or older than interval.
func RefreshToken(token AuthToken, now time.Time, interval time.Duration) (AuthToken, bool) {
	if !token.LastChecked.IsZero() && !token.LastChecked.Add(interval).Before(now) {
		return token, false
	}
	token.LastChecked = now
	token.Expires = now.Add(time.Duration(token.TTL) * time.Second)
	return token, true
}

// ResolverOption configures an AuthResolver
type ResolverOption func(*AuthResolver)

// WithClock overrides time.Now
func WithClock(now func() time.Time) ResolverOption {
	return func(r *AuthResolver) { r.now = now }
}

// WithRefreshInterval sets the sliding refresh interval
func WithRefreshInterval(d time.Duration) ResolverOption {
	return func(r *AuthResolver) { r.refreshInterval = d }
}

// WithResolverCookieNameFormat sets the cookie name format, {customer} or {0} is replaced by the customer id
func WithResolverCookieNameFormat(format string) ResolverOption {
	return func(r *AuthResolver) { r.cookieNameFormat = format }
}

// WithResolverLogger sets the logger
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *AuthResolver) { r.logger = logger }
}

// AuthResolver validates session credentials against asset roles
type AuthResolver struct {
	repo             AuthRepository
	now              func() time.Time
	refreshInterval  time.Duration
	cookieNameFormat string
	logger           *slog.Logger
}

// NewAuthResolver creates an AuthResolver backed by repo
func NewAuthResolver(repo AuthRepository, opts ...ResolverOption) *AuthResolver {
	r := &AuthResolver{
		repo:             repo,
		now:              time.Now,
		refreshInterval:  DefaultRefreshInterval,
		cookieNameFormat: "dlcs-token-{customer}",
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CookieName returns the auth cookie name for a customer
func (r *AuthResolver) CookieName(customer int) string {
	id := strconv.Itoa(customer)
	name := strings.ReplaceAll(r.cookieNameFormat, "{customer}", id)
	return strings.ReplaceAll(name, "{0}", id)
}

// Authorize checks that creds identify a live session for customer holding one of roles.
// An empty roles slice is always authorized. The returned token has already been refreshed.
func (r *AuthResolver) Authorize(ctx context.Context, customer int, roles []string, creds Credentials) (*AuthToken, error) {
	if len(roles) == 0 {
		return nil, nil
	}

	token, err := r.ValidateCredentials(ctx, customer, creds)
	if err != nil {
		return nil, err
	}

	user, err := r.repo.GetSessionUser(ctx, token.SessionUserID)
	if err != nil {
		if errors.Is(err, ErrSessionUserNotFound) {
			return nil, NewRequestError(KindInvalidCredentials, descUnknownExpired, err)
		}
		return nil, NewRequestError(KindCacheBackendUnavailable, "Error loading session", err)
	}
	if !user.HasAnyRole(customer, roles) {
		r.logger.Debug("Session does not hold required role", "customer", customer, "session_user", user.ID, "roles", roles)
		return nil, NewRequestError(KindInvalidCredentials, descNoRole, nil)
	}
	return token, nil
}

// ValidateCredentials resolves creds to an unexpired token owned by customer, trying the
// cookie before the bearer token, then applies MaybeRefresh.
func (r *AuthResolver) ValidateCredentials(ctx context.Context, customer int, creds Credentials) (*AuthToken, error) {
	var (
		token *AuthToken
		err   error
	)
	switch {
	case creds.HasCookie:
		cookieID, ok := CookieID(creds.Cookie)
		if !ok {
			return nil, NewRequestError(KindInvalidCredentials, descCookieNoID, nil)
		}
		token, err = r.repo.GetTokenByCookieID(ctx, customer, cookieID)
	case creds.Bearer != "":
		token, err = r.repo.GetTokenByBearer(ctx, customer, creds.Bearer)
	default:
		return nil, NewRequestError(KindMissingCredentials, descMissingCookie, nil)
	}
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, NewRequestError(KindInvalidCredentials, descUnknownExpired, err)
		}
		return nil, NewRequestError(KindCacheBackendUnavailable, "Error loading auth token", err)
	}

	if token.Customer != customer {
		r.logger.Debug("Auth token belongs to another customer", "customer", customer, "token_customer", token.Customer)
		return nil, NewRequestError(KindInvalidCredentials, descUnknownExpired, nil)
	}
	if !token.Expires.After(r.now()) {
		r.logger.Debug("Auth token expired", "customer", customer, "expires", token.Expires)
		return nil, NewRequestError(KindExpiredCredentials, descUnknownExpired, nil)
	}

	return r.MaybeRefresh(ctx, token), nil
}

// MaybeRefresh extends the token's expiry when it is due and persists it. A failed
// persist is logged and the in-memory refreshed token is still returned.
func (r *AuthResolver) MaybeRefresh(ctx context.Context, token *AuthToken) *AuthToken {
	refreshed, ok := RefreshToken(*token, r.now(), r.refreshInterval)
	if !ok {
		return token
	}
	if err := r.repo.SaveToken(ctx, &refreshed); err != nil {
		r.logger.Warn("Failed to persist refreshed auth token", "token_id", token.ID, "customer", token.Customer, "err", err)
	}
	return &refreshed
}

// IssueToken creates a session user holding the service's roles and a new token for it.
func (r *AuthResolver) IssueToken(ctx context.Context, service *AuthService) (*AuthToken, error) {
	now := r.now()
	user := &SessionUser{
		ID:      uuid.New().String(),
		Created: now,
		Roles:   map[int][]string{service.Customer: append([]string(nil), service.Roles...)},
	}
	token := &AuthToken{
		ID:            uuid.New().String(),
		CookieID:      uuid.New().String(),
		BearerToken:   strings.ReplaceAll(uuid.New().String(), "-", ""),
		Customer:      service.Customer,
		SessionUserID: user.ID,
		Created:       now,
		Expires:       now.Add(time.Duration(service.TTL) * time.Second),
		LastChecked:   now,
		TTL:           service.TTL,
	}
	if err := r.repo.CreateSession(ctx, user, token); err != nil {
		return nil, err
	}
	return token, nil
}

// Logout expires the token identified by the cookie. Unknown cookies are not an error.
func (r *AuthResolver) Logout(ctx context.Context, customer int, cookie string) error {
	cookieID, ok := CookieID(cookie)
	if !ok {
		return nil
	}
	token, err := r.repo.GetTokenByCookieID(ctx, customer, cookieID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil
		}
		return err
	}
	token.Expires = r.now()
	return r.repo.SaveToken(ctx, token)
}

// Now returns the resolver's clock reading
func (r *AuthResolver) Now() time.Time {
	return r.now()
}
