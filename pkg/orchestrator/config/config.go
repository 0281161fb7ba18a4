package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/api"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/imageserver"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/metrics"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/repo/memory"
	repopg "github.com/tendant/iiif-orchestrator/pkg/orchestrator/repo/postgres"
	fsstorage "github.com/tendant/iiif-orchestrator/pkg/orchestrator/storage/fs"
	memorystorage "github.com/tendant/iiif-orchestrator/pkg/orchestrator/storage/memory"
	s3storage "github.com/tendant/iiif-orchestrator/pkg/orchestrator/storage/s3"
)

// Storage backend names
const (
	ThumbsStorage = "thumbs"
	OriginStorage = "storage"
)

// Option applies configuration to a ServerConfig instance.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func defaults() ServerConfig {
	settings := orchestrator.DefaultSettings()
	return ServerConfig{
		Port:                             "8080",
		DatabaseType:                     "memory",
		DBSchema:                         "public",
		ImageServer:                      "cantaloupe",
		ImageServerURL:                   "http://localhost:8182",
		DefaultImageVersion:              settings.DefaultImageVersion,
		DefaultPresentationVersion:       settings.DefaultPresentationVersion,
		OrchestrateOnInfoJSON:            settings.OrchestrateOnInfoJSON,
		OrchestrateOnInfoJSONMaxCapacity: settings.OrchestrateOnInfoJSONMaxCapacity,
		PresignedURLExpiry:               settings.PresignedURLExpiry,
		FastDiskDir:                      "./data/fast",
		UpstreamTimeout:                  api.DefaultUpstreamTimeout,
		StorageBackends: []StorageBackendConfig{
			{Name: ThumbsStorage, Type: "memory", Config: map[string]interface{}{}},
			{Name: OriginStorage, Type: "memory", Config: map[string]interface{}{}},
		},
		Policy: DefaultPolicy(),
	}
}

// ServerConfig represents server configuration for the orchestrator
type ServerConfig struct {
	Port string

	// Database configuration
	DatabaseURL  string
	DatabaseType string // "memory", "postgres"
	DBSchema     string // Postgres schema to use (default: public)

	// Storage configuration, one backend named ThumbsStorage and one named OriginStorage
	StorageBackends []StorageBackendConfig

	// Image server: a key of Policy.ImageServers
	ImageServer    string
	ImageServerURL string

	ThumbsURL        string
	ResizeThumbsURL  string
	SpecialServerURL string

	DefaultImageVersion        iiif.Version
	DefaultPresentationVersion iiif.Version

	OrchestrateOnInfoJSON            bool
	OrchestrateOnInfoJSONMaxCapacity int
	OldestAllowedInfoJSON            time.Time
	PresignedURLExpiry               time.Duration

	// FastDiskDir receives orchestrated originals for the image server
	FastDiskDir string

	// UpstreamTimeout bounds the wait for proxied response headers
	UpstreamTimeout time.Duration

	PolicyFile string
	Policy     *Policy
}

// StorageBackendConfig represents configuration for a storage backend
type StorageBackendConfig struct {
	Name   string
	Type   string // "memory", "fs", "s3"
	Config map[string]interface{}
}

// Validate validates the server configuration
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if c.DatabaseType != "memory" && c.DatabaseType != "postgres" {
		return errors.New("database_type must be 'memory' or 'postgres'")
	}

	if c.DatabaseType == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required when using postgres")
	}

	for _, name := range []string{ThumbsStorage, OriginStorage} {
		if _, ok := c.storageBackend(name); !ok {
			return fmt.Errorf("storage backend '%s' is not configured", name)
		}
	}

	if c.ImageServerURL == "" {
		return errors.New("image_server_url is required")
	}

	if c.Policy == nil {
		return errors.New("delivery policy is required")
	}

	paths, err := c.Policy.ImageServerPaths(c.ImageServer)
	if err != nil {
		return err
	}
	if !paths.Supports(c.DefaultImageVersion) {
		return fmt.Errorf("image server %s does not support default image version %s", c.ImageServer, c.DefaultImageVersion)
	}

	if c.DefaultPresentationVersion != iiif.V2 && c.DefaultPresentationVersion != iiif.V3 {
		return errors.New("default presentation version must be v2 or v3")
	}

	rules, err := c.Policy.UpscaleRules()
	if err != nil {
		return err
	}
	if len(rules) > 0 && c.ResizeThumbsURL == "" {
		return errors.New("thumbnail upscale rules require resize_thumbs_url")
	}

	if c.OrchestrateOnInfoJSON && c.OrchestrateOnInfoJSONMaxCapacity <= 0 {
		return errors.New("orchestrate_on_info_json_max_capacity must be positive")
	}

	if c.FastDiskDir == "" {
		return errors.New("fast_disk_dir is required")
	}

	if c.UpstreamTimeout <= 0 {
		return errors.New("upstream_timeout must be positive")
	}

	return nil
}

// Settings returns the routing settings of the configured service
func (c *ServerConfig) Settings() (orchestrator.Settings, error) {
	paths, err := c.Policy.ImageServerPaths(c.ImageServer)
	if err != nil {
		return orchestrator.Settings{}, err
	}

	settings := orchestrator.DefaultSettings()
	settings.DefaultImageVersion = c.DefaultImageVersion
	settings.DefaultPresentationVersion = c.DefaultPresentationVersion
	settings.ImageServer = paths
	settings.UseSpecialServer = c.SpecialServerURL != ""
	settings.OrchestrateOnInfoJSON = c.OrchestrateOnInfoJSON
	settings.OrchestrateOnInfoJSONMaxCapacity = c.OrchestrateOnInfoJSONMaxCapacity
	settings.PresignedURLExpiry = c.PresignedURLExpiry
	return settings, nil
}

// Runtime holds the components built from a ServerConfig
type Runtime struct {
	Service     orchestrator.Service
	ThumbsStore orchestrator.BlobStore
	Storage     orchestrator.BlobStore
	Metrics     *metrics.Collector

	config *ServerConfig
	logger *slog.Logger
	pool   *pgxpool.Pool
}

// Close releases the database pool, if any
func (r *Runtime) Close() {
	if r.pool != nil {
		r.pool.Close()
	}
}

// Handler returns the delivery routes wrapped in the standard middleware chain
func (r *Runtime) Handler() (http.Handler, error) {
	h, err := api.NewHandler(api.Config{
		Service:          r.Service,
		ThumbsStore:      r.ThumbsStore,
		Storage:          r.Storage,
		CachePolicy:      r.config.Policy.Cache,
		ImageServerURL:   r.config.ImageServerURL,
		ThumbsURL:        r.config.ThumbsURL,
		ResizeURL:        r.config.ResizeThumbsURL,
		SpecialServerURL: r.config.SpecialServerURL,
		UpstreamTimeout:  r.config.UpstreamTimeout,
		Logger:           r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build handler: %w", err)
	}

	return api.NewRouter(h, api.RouterOptions{
		Logger:      r.logger,
		Metrics:     r.Metrics,
		CORSOrigins: r.config.Policy.CORSOrigins,
		RateLimit:   r.config.Policy.RateLimit,
		RateBurst:   r.config.Policy.RateBurst,
		Compress:    true,
	})
}

// Build creates the service and its collaborators from the server configuration
func (c *ServerConfig) Build(logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{config: c, logger: logger, Metrics: metrics.New()}

	settings, err := c.Settings()
	if err != nil {
		return nil, err
	}
	rules, err := c.Policy.UpscaleRules()
	if err != nil {
		return nil, err
	}

	repos, pool, err := c.buildRepository()
	if err != nil {
		return nil, fmt.Errorf("failed to build repository: %w", err)
	}
	rt.pool = pool

	build := func(name string) (orchestrator.BlobStore, error) {
		backend, _ := c.storageBackend(name)
		store, err := c.buildStorageBackend(backend)
		if err != nil {
			return nil, fmt.Errorf("failed to build storage backend %s: %w", name, err)
		}
		return store, nil
	}
	if rt.ThumbsStore, err = build(ThumbsStorage); err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Storage, err = build(OriginStorage); err != nil {
		rt.Close()
		return nil, err
	}

	client, err := imageserver.NewClient(imageserver.ClientConfig{
		Name:    c.ImageServer,
		BaseURL: c.ImageServerURL,
		Paths:   settings.ImageServer,
		Logger:  logger,
	})
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build image server client: %w", err)
	}

	disk, err := imageserver.NewDiskOrchestrator(rt.Storage, c.FastDiskDir,
		imageserver.WithRecorder(rt.Metrics),
		imageserver.WithLogger(logger))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	options := []orchestrator.Option{
		orchestrator.WithAssetRepository(repos),
		orchestrator.WithCustomerRepository(repos),
		orchestrator.WithAuthRepository(repos),
		orchestrator.WithCustomHeaderRepository(repos),
		orchestrator.WithThumbsStore(rt.ThumbsStore),
		orchestrator.WithStorage(rt.Storage),
		orchestrator.WithImageServer(client),
		orchestrator.WithOrchestrator(disk),
		orchestrator.WithSettings(settings),
		orchestrator.WithCachePolicy(c.Policy.Cache),
		orchestrator.WithOldestAllowedInfoJSON(c.OldestAllowedInfoJSON),
		orchestrator.WithOutcomeRecorder(rt.Metrics),
		orchestrator.WithLogger(logger),
	}
	if c.Policy.CookieNameFormat != "" {
		options = append(options, orchestrator.WithCookieNameFormat(c.Policy.CookieNameFormat))
	}
	if c.ResizeThumbsURL != "" {
		options = append(options, orchestrator.WithThumbResizing(rules...))
	}

	rt.Service, err = orchestrator.New(options...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// repository is the full read side used by the service
type repository interface {
	orchestrator.AssetRepository
	orchestrator.CustomerRepository
	orchestrator.AuthRepository
	orchestrator.CustomHeaderRepository
}

// buildRepository creates the repositories based on the configuration
func (c *ServerConfig) buildRepository() (repository, *pgxpool.Pool, error) {
	switch c.DatabaseType {
	case "memory":
		return memory.New(), nil, nil
	case "postgres":
		if c.DatabaseURL == "" {
			return nil, nil, errors.New("database_url is required for postgres")
		}
		cfg, err := poolConfig(c.DatabaseURL, c.DBSchema)
		if err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create pgx pool: %w", err)
		}
		return repopg.NewWithPool(pool), pool, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", c.DatabaseType)
	}
}

func poolConfig(databaseURL, schema string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
	}
	if schema != "" {
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			return err
		}
	}
	return cfg, nil
}

// PingPostgres verifies connectivity to Postgres with the schema on the search path.
func PingPostgres(databaseURL, schema string) error {
	if databaseURL == "" {
		return errors.New("database_url is required")
	}
	cfg, err := poolConfig(databaseURL, schema)
	if err != nil {
		return err
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("failed to create pgx pool: %w", err)
	}
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (c *ServerConfig) storageBackend(name string) (StorageBackendConfig, bool) {
	for _, backend := range c.StorageBackends {
		if backend.Name == name {
			return backend, true
		}
	}
	return StorageBackendConfig{}, false
}

// buildStorageBackend creates a BlobStore based on the backend configuration
func (c *ServerConfig) buildStorageBackend(config StorageBackendConfig) (orchestrator.BlobStore, error) {
	switch config.Type {
	case "memory":
		return memorystorage.New(), nil

	case "fs":
		return fsstorage.New(fsstorage.Config{
			BaseDir: getString(config.Config, "base_dir", "./data/"+config.Name),
		})

	case "s3":
		return s3storage.New(s3storage.Config{
			Region:                 getString(config.Config, "region", "us-east-1"),
			Bucket:                 getString(config.Config, "bucket", ""),
			Prefix:                 getString(config.Config, "prefix", ""),
			AccessKeyID:            getString(config.Config, "access_key_id", ""),
			SecretAccessKey:        getString(config.Config, "secret_access_key", ""),
			Endpoint:               getString(config.Config, "endpoint", ""),
			UsePathStyle:           getBool(config.Config, "use_path_style", false),
			EnableSSE:              getBool(config.Config, "enable_sse", false),
			SSEAlgorithm:           getString(config.Config, "sse_algorithm", "AES256"),
			SSEKMSKeyID:            getString(config.Config, "sse_kms_key_id", ""),
			CreateBucketIfNotExist: getBool(config.Config, "create_bucket_if_not_exist", false),
		})

	default:
		return nil, fmt.Errorf("unsupported storage backend type: %s", config.Type)
	}
}

func getString(config map[string]interface{}, key string, defaultValue string) string {
	if value, exists := config[key]; exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

func getBool(config map[string]interface{}, key string, defaultValue bool) bool {
	if value, exists := config[key]; exists {
		if b, ok := value.(bool); ok {
			return b
		}
		if str, ok := value.(string); ok {
			if b, err := strconv.ParseBool(str); err == nil {
				return b
			}
		}
	}
	return defaultValue
}
