package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// OutcomeRecorder observes routing decisions
type OutcomeRecorder interface {
	RecordOutcome(outcome string)
}

// service implements the Service interface
type service struct {
	assets       AssetRepository
	customers    CustomerRepository
	authRepo     AuthRepository
	headerRepo   CustomHeaderRepository
	thumbsStore  BlobStore
	storage      BlobStore
	imageServer  ImageServerClient
	orchestrator Orchestrator
	recorder     OutcomeRecorder
	logger       *slog.Logger

	settings      Settings
	cachePolicy   CachePolicy
	upscaleRules  []UpscaleRule
	allowResize   bool
	oldestAllowed time.Time
	clock         func() time.Time
	cookieFormat  string

	parser   *PathParser
	auth     *AuthResolver
	thumbs   *ThumbSizeLookup
	selector *ThumbnailSelector
	infoJSON *InfoJSONCache
	headers  *HeaderComposer
	infoSem  *semaphore.Weighted

	// background tracks detached info.json orchestrations
	background sync.WaitGroup
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithAssetRepository sets the asset lookup
func WithAssetRepository(repo AssetRepository) Option {
	return func(s *service) {
		s.assets = repo
	}
}

// WithCustomerRepository sets the customer lookup used to resolve named customers
func WithCustomerRepository(repo CustomerRepository) Option {
	return func(s *service) {
		s.customers = repo
	}
}

// WithAuthRepository sets the session token store
func WithAuthRepository(repo AuthRepository) Option {
	return func(s *service) {
		s.authRepo = repo
	}
}

// WithCustomHeaderRepository sets the custom header lookup
func WithCustomHeaderRepository(repo CustomHeaderRepository) Option {
	return func(s *service) {
		s.headerRepo = repo
	}
}

// WithThumbsStore sets the bucket holding thumbnails and sizes documents
func WithThumbsStore(store BlobStore) Option {
	return func(s *service) {
		s.thumbsStore = store
	}
}

// WithStorage sets the bucket holding originals, transcodes and info.json documents
func WithStorage(store BlobStore) Option {
	return func(s *service) {
		s.storage = store
	}
}

// WithImageServer sets the image server capability client
func WithImageServer(client ImageServerClient) Option {
	return func(s *service) {
		s.imageServer = client
	}
}

// WithOrchestrator sets the orchestration trigger
func WithOrchestrator(o Orchestrator) Option {
	return func(s *service) {
		s.orchestrator = o
	}
}

// WithSettings replaces the routing settings
func WithSettings(settings Settings) Option {
	return func(s *service) {
		s.settings = settings
	}
}

// WithCachePolicy sets the Cache-Control policy
func WithCachePolicy(policy CachePolicy) Option {
	return func(s *service) {
		s.cachePolicy = policy
	}
}

// WithThumbResizing enables the resize service, with optional upscale rules
func WithThumbResizing(rules ...UpscaleRule) Option {
	return func(s *service) {
		s.allowResize = true
		s.upscaleRules = rules
	}
}

// WithOldestAllowedInfoJSON forces regeneration of info.json documents stored before t
func WithOldestAllowedInfoJSON(t time.Time) Option {
	return func(s *service) {
		s.oldestAllowed = t
	}
}

// WithCookieNameFormat sets the auth cookie name format
func WithCookieNameFormat(format string) Option {
	return func(s *service) {
		s.cookieFormat = format
	}
}

// WithServiceClock overrides time.Now
func WithServiceClock(now func() time.Time) Option {
	return func(s *service) {
		s.clock = now
	}
}

// WithOutcomeRecorder sets the routing outcome observer
func WithOutcomeRecorder(r OutcomeRecorder) Option {
	return func(s *service) {
		s.recorder = r
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		settings:     DefaultSettings(),
		cachePolicy:  DefaultCachePolicy(),
		clock:        time.Now,
		cookieFormat: "dlcs-token-{customer}",
		logger:       slog.Default(),
	}

	for _, option := range options {
		option(s)
	}

	switch {
	case s.assets == nil:
		return nil, fmt.Errorf("asset repository is required")
	case s.customers == nil:
		return nil, fmt.Errorf("customer repository is required")
	case s.authRepo == nil:
		return nil, fmt.Errorf("auth repository is required")
	case s.thumbsStore == nil:
		return nil, fmt.Errorf("thumbs store is required")
	case s.storage == nil:
		return nil, fmt.Errorf("storage is required")
	case s.imageServer == nil:
		return nil, fmt.Errorf("image server client is required")
	case s.orchestrator == nil:
		return nil, fmt.Errorf("orchestrator is required")
	}

	s.parser = NewPathParser(s.customers)
	s.auth = NewAuthResolver(s.authRepo,
		WithClock(s.clock),
		WithResolverCookieNameFormat(s.cookieFormat),
		WithResolverLogger(s.logger))
	s.thumbs = NewThumbSizeLookup(s.thumbsStore)
	s.selector = NewThumbnailSelector(s.allowResize, s.upscaleRules...)
	s.infoJSON = NewInfoJSONCache(InfoJSONCacheConfig{
		Store:         s.storage,
		Server:        s.imageServer,
		Orchestrator:  s.orchestrator,
		Thumbs:        s.thumbs,
		Auth:          s.authRepo,
		OldestAllowed: s.oldestAllowed,
		Logger:        s.logger,
	})
	s.headers = NewHeaderComposer(s.headerRepo, s.cachePolicy)

	capacity := s.settings.OrchestrateOnInfoJSONMaxCapacity
	if capacity <= 0 {
		capacity = 1
	}
	s.infoSem = semaphore.NewWeighted(int64(capacity))

	return s, nil
}

func (s *service) Now() time.Time {
	return s.clock()
}

func (s *service) CookieName(customer int) string {
	return s.auth.CookieName(customer)
}

func (s *service) ResolveCustomer(ctx context.Context, value string) (*Customer, error) {
	return s.parser.resolveCustomer(ctx, value)
}

func (s *service) record(o *Outcome) *Outcome {
	if s.recorder != nil {
		s.recorder.RecordOutcome(o.Kind.String())
	}
	return o
}
