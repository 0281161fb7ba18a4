package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeAssets map[AssetID]*Asset

func (f fakeAssets) GetAsset(_ context.Context, id AssetID) (*Asset, error) {
	a, ok := f[id]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return a, nil
}

type fakeCustomers map[int]*Customer

func (f fakeCustomers) GetCustomer(_ context.Context, id int) (*Customer, error) {
	c, ok := f[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	return c, nil
}

func (f fakeCustomers) GetCustomerByName(_ context.Context, name string) (*Customer, error) {
	for _, c := range f {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, ErrCustomerNotFound
}

type fakeAuth struct {
	mu       sync.Mutex
	tokens   map[string]*AuthToken
	users    map[string]*SessionUser
	services map[string]*AuthService
	saveErr  error
	saves    int
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{
		tokens:   map[string]*AuthToken{},
		users:    map[string]*SessionUser{},
		services: map[string]*AuthService{},
	}
}

func (f *fakeAuth) GetTokenByCookieID(_ context.Context, _ int, cookieID string) (*AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.CookieID == cookieID {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (f *fakeAuth) GetTokenByBearer(_ context.Context, _ int, bearer string) (*AuthToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tokens {
		if t.BearerToken == bearer {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrTokenNotFound
}

func (f *fakeAuth) SaveToken(_ context.Context, token *AuthToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	c := *token
	f.tokens[token.ID] = &c
	return nil
}

func (f *fakeAuth) CreateSession(_ context.Context, user *SessionUser, token *AuthToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	c := *token
	f.tokens[token.ID] = &c
	return nil
}

func (f *fakeAuth) GetSessionUser(_ context.Context, id string) (*SessionUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, ErrSessionUserNotFound
	}
	return u, nil
}

func (f *fakeAuth) GetAuthService(_ context.Context, customer int, name string) (*AuthService, error) {
	s, ok := f.services[name]
	if !ok || s.Customer != customer {
		return nil, ErrAuthServiceNotFound
	}
	return s, nil
}

func (f *fakeAuth) GetAuthServicesForRoles(_ context.Context, customer int, roles []string) ([]*AuthService, error) {
	var out []*AuthService
	for _, s := range f.services {
		if s.Customer != customer {
			continue
		}
		for _, r := range s.Roles {
			for _, want := range roles {
				if r == want {
					out = append(out, s)
				}
			}
		}
	}
	return out, nil
}

// addSession stores a token with cookie id and bearer for a user holding roles
func (f *fakeAuth) addSession(customer int, cookieID, bearer string, expires time.Time, roles ...string) *AuthToken {
	user := &SessionUser{ID: "user-" + cookieID, Created: testNow, Roles: map[int][]string{customer: roles}}
	token := &AuthToken{
		ID:            "token-" + cookieID,
		CookieID:      cookieID,
		BearerToken:   bearer,
		Customer:      customer,
		SessionUserID: user.ID,
		Created:       testNow.Add(-time.Hour),
		Expires:       expires,
		LastChecked:   testNow.Add(-10 * time.Minute),
		TTL:           1800,
	}
	f.users[user.ID] = user
	f.tokens[token.ID] = token
	return token
}

type fakeHeaders map[int][]*CustomHeader

func (f fakeHeaders) GetCustomHeaders(_ context.Context, customer int) ([]*CustomHeader, error) {
	return f[customer], nil
}

type fakeObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	presign bool
	now     func() time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]fakeObject{}, now: func() time.Time { return testNow }}
}

func (f *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(o.data)), &ObjectInfo{Key: key, Size: int64(len(o.data)), ContentType: o.contentType, LastModified: o.lastModified}, nil
}

func (f *fakeStore) Put(_ context.Context, key string, r io.Reader, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: data, contentType: contentType, lastModified: f.now()}
	return nil
}

func (f *fakeStore) Stat(_ context.Context, key string) (*ObjectInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &ObjectInfo{Key: key, Size: int64(len(o.data)), ContentType: o.contentType, LastModified: o.lastModified}, nil
}

func (f *fakeStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if !f.presign {
		return "", ErrPresignNotSupported
	}
	return "https://storage.example/" + key + "?sig=abc", nil
}

func (f *fakeStore) putAt(key string, data []byte, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{data: data, contentType: "application/json", lastModified: modified}
}

func (f *fakeStore) putSizes(t *testing.T, id AssetID, open ...[]int) {
	t.Helper()
	data, err := json.Marshal(ThumbnailSizes{Open: open, Auth: [][]int{}})
	require.NoError(t, err)
	f.putAt(ThumbsSizesKey(id), data, testNow)
}

type fakeImageServer struct {
	capability iiif.Capability
	calls      atomic.Int32
}

func (f *fakeImageServer) Name() string { return "cantaloupe" }

func (f *fakeImageServer) GetCapability(_ context.Context, _ *Asset, _ iiif.Version) (*iiif.Capability, error) {
	f.calls.Add(1)
	c := f.capability
	return &c, nil
}

type fakeOrchestrator struct {
	result OrchestrationResult
	done   map[AssetID]bool
	calls  atomic.Int32
	mu     sync.Mutex
}

func (f *fakeOrchestrator) Orchestrate(_ context.Context, asset *Asset) (OrchestrationResult, error) {
	f.calls.Add(1)
	if f.result == Orchestrated {
		f.mu.Lock()
		if f.done == nil {
			f.done = map[AssetID]bool{}
		}
		f.done[asset.ID] = true
		f.mu.Unlock()
	}
	return f.result, nil
}

func (f *fakeOrchestrator) IsOrchestrated(id AssetID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done[id]
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *countingRecorder) RecordOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

// fixture wires a service over in-memory fakes
type fixture struct {
	assets       fakeAssets
	auth         *fakeAuth
	headers      fakeHeaders
	thumbs       *fakeStore
	storage      *fakeStore
	server       *fakeImageServer
	orchestrator *fakeOrchestrator
	recorder     *countingRecorder
}

func newFixture() *fixture {
	return &fixture{
		assets:       fakeAssets{},
		auth:         newFakeAuth(),
		headers:      fakeHeaders{},
		thumbs:       newFakeStore(),
		storage:      newFakeStore(),
		server:       &fakeImageServer{capability: iiif.Capability{Width: 1000, Height: 800, Tiles: []iiif.Tile{{Width: 256, ScaleFactors: []int{1, 2, 4}}}}},
		orchestrator: &fakeOrchestrator{},
		recorder:     &countingRecorder{},
	}
}

func (f *fixture) service(t *testing.T, opts ...Option) Service {
	t.Helper()
	base := []Option{
		WithAssetRepository(f.assets),
		WithCustomerRepository(fakeCustomers{99: {ID: 99, Name: "test"}}),
		WithAuthRepository(f.auth),
		WithCustomHeaderRepository(f.headers),
		WithThumbsStore(f.thumbs),
		WithStorage(f.storage),
		WithImageServer(f.server),
		WithOrchestrator(f.orchestrator),
		WithOutcomeRecorder(f.recorder),
		WithServiceClock(func() time.Time { return testNow }),
	}
	svc, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func (f *fixture) addImage(asset string, roles ...string) *Asset {
	a := &Asset{
		ID:          NewAssetID(99, 1, asset),
		Family:      FamilyImage,
		MediaType:   "image/jpeg",
		Width:       1000,
		Height:      800,
		Roles:       roles,
		ForDelivery: true,
		DeliveryChannels: []DeliveryChannel{
			{Channel: ChannelImage, Policy: "default"},
			{Channel: ChannelThumbs, Policy: "default"},
			{Channel: ChannelFile, Policy: "none"},
		},
		Origin:  "s3://origin/" + asset,
		Created: testNow.Add(-24 * time.Hour),
	}
	f.assets[a.ID] = a
	return a
}
