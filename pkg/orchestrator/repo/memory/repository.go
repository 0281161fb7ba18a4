package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
)

// Repository implements the orchestrator read-side repositories using in-memory storage
type Repository struct {
	mu           sync.RWMutex
	assets       map[orchestrator.AssetID]*orchestrator.Asset
	customers    map[int]*orchestrator.Customer
	tokens       map[string]*orchestrator.AuthToken // token id -> token
	users        map[string]*orchestrator.SessionUser
	authServices map[int]map[string]*orchestrator.AuthService // customer -> name -> service
	headers      map[int][]*orchestrator.CustomHeader
}

var (
	_ orchestrator.AssetRepository        = (*Repository)(nil)
	_ orchestrator.CustomerRepository     = (*Repository)(nil)
	_ orchestrator.AuthRepository         = (*Repository)(nil)
	_ orchestrator.CustomHeaderRepository = (*Repository)(nil)
)

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		assets:       make(map[orchestrator.AssetID]*orchestrator.Asset),
		customers:    make(map[int]*orchestrator.Customer),
		tokens:       make(map[string]*orchestrator.AuthToken),
		users:        make(map[string]*orchestrator.SessionUser),
		authServices: make(map[int]map[string]*orchestrator.AuthService),
		headers:      make(map[int][]*orchestrator.CustomHeader),
	}
}

// Asset operations

func (r *Repository) PutAsset(asset *orchestrator.Asset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	assetCopy := *asset
	r.assets[asset.ID] = &assetCopy
}

func (r *Repository) GetAsset(ctx context.Context, id orchestrator.AssetID) (*orchestrator.Asset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	asset, exists := r.assets[id]
	if !exists {
		return nil, orchestrator.ErrAssetNotFound
	}
	assetCopy := *asset
	return &assetCopy, nil
}

// Customer operations

func (r *Repository) PutCustomer(customer *orchestrator.Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	customerCopy := *customer
	r.customers[customer.ID] = &customerCopy
}

func (r *Repository) GetCustomer(ctx context.Context, id int) (*orchestrator.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	customer, exists := r.customers[id]
	if !exists {
		return nil, orchestrator.ErrCustomerNotFound
	}
	customerCopy := *customer
	return &customerCopy, nil
}

func (r *Repository) GetCustomerByName(ctx context.Context, name string) (*orchestrator.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, customer := range r.customers {
		if customer.Name == name {
			customerCopy := *customer
			return &customerCopy, nil
		}
	}
	return nil, orchestrator.ErrCustomerNotFound
}

// Auth operations

func (r *Repository) GetTokenByCookieID(ctx context.Context, customer int, cookieID string) (*orchestrator.AuthToken, error) {
	return r.findToken(func(t *orchestrator.AuthToken) bool {
		return t.Customer == customer && t.CookieID == cookieID
	})
}

func (r *Repository) GetTokenByBearer(ctx context.Context, customer int, bearer string) (*orchestrator.AuthToken, error) {
	return r.findToken(func(t *orchestrator.AuthToken) bool {
		return t.Customer == customer && t.BearerToken == bearer
	})
}

func (r *Repository) findToken(match func(*orchestrator.AuthToken) bool) (*orchestrator.AuthToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, token := range r.tokens {
		if match(token) {
			tokenCopy := *token
			return &tokenCopy, nil
		}
	}
	return nil, orchestrator.ErrTokenNotFound
}

func (r *Repository) SaveToken(ctx context.Context, token *orchestrator.AuthToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tokens[token.ID]; !exists {
		return orchestrator.ErrTokenNotFound
	}
	tokenCopy := *token
	r.tokens[token.ID] = &tokenCopy
	return nil
}

func (r *Repository) CreateSession(ctx context.Context, user *orchestrator.SessionUser, token *orchestrator.AuthToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	userCopy := *user
	userCopy.Roles = make(map[int][]string, len(user.Roles))
	for customer, roles := range user.Roles {
		userCopy.Roles[customer] = slices.Clone(roles)
	}
	r.users[user.ID] = &userCopy

	tokenCopy := *token
	r.tokens[token.ID] = &tokenCopy
	return nil
}

func (r *Repository) GetSessionUser(ctx context.Context, id string) (*orchestrator.SessionUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, exists := r.users[id]
	if !exists {
		return nil, orchestrator.ErrSessionUserNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

func (r *Repository) PutAuthService(service *orchestrator.AuthService) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.authServices[service.Customer] == nil {
		r.authServices[service.Customer] = make(map[string]*orchestrator.AuthService)
	}
	serviceCopy := *service
	r.authServices[service.Customer][service.Name] = &serviceCopy
}

func (r *Repository) GetAuthService(ctx context.Context, customer int, name string) (*orchestrator.AuthService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	service, exists := r.authServices[customer][name]
	if !exists {
		return nil, orchestrator.ErrAuthServiceNotFound
	}
	serviceCopy := *service
	return &serviceCopy, nil
}

func (r *Repository) GetAuthServicesForRoles(ctx context.Context, customer int, roles []string) ([]*orchestrator.AuthService, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.authServices[customer]))
	for name := range r.authServices[customer] {
		names = append(names, name)
	}
	sort.Strings(names)

	var result []*orchestrator.AuthService
	seen := make(map[string]bool)
	for _, role := range roles {
		for _, name := range names {
			service := r.authServices[customer][name]
			if seen[name] || !slices.Contains(service.Roles, role) {
				continue
			}
			seen[name] = true
			serviceCopy := *service
			result = append(result, &serviceCopy)
		}
	}
	return result, nil
}

// Custom header operations

func (r *Repository) AddCustomHeader(header *orchestrator.CustomHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	headerCopy := *header
	r.headers[header.Customer] = append(r.headers[header.Customer], &headerCopy)
}

func (r *Repository) GetCustomHeaders(ctx context.Context, customer int) ([]*orchestrator.CustomHeader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*orchestrator.CustomHeader, 0, len(r.headers[customer]))
	for _, h := range r.headers[customer] {
		headerCopy := *h
		result = append(result, &headerCopy)
	}
	return result, nil
}
