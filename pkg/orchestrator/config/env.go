package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// WithEnv applies environment variable overrides using the provided prefix.
//
// Server:
//   PORT - Server port (default: "8080")
//
// Database:
//   DATABASE_URL - "memory" (default) or "postgres://..." / "postgresql://..."
//   DATABASE_SCHEMA - Postgres search_path schema (default: "public")
//
// Storage (one of "memory://", "file:///path", "s3://bucket?region=..&endpoint=..&path_style=true&prefix=..."):
//   THUMBS_STORAGE_URL - thumbnails and their sizes documents
//   STORAGE_URL - originals and stored info.json documents
//
// Delivery:
//   IMAGE_SERVER - Image server type from the policy (default: "cantaloupe")
//   IMAGE_SERVER_URL, THUMBS_URL, RESIZE_THUMBS_URL, SPECIAL_SERVER_URL
//   DEFAULT_IIIF_IMAGE_VERSION, DEFAULT_IIIF_PRESENTATION_VERSION - "v2" or "v3"
//   ORCHESTRATE_ON_INFO_JSON, ORCHESTRATE_ON_INFO_JSON_MAX_CAPACITY
//   OLDEST_ALLOWED_INFO_JSON - RFC3339 timestamp
//   PRESIGNED_URL_EXPIRY_SECONDS
//   UPSTREAM_TIMEOUT_SECONDS - wait for proxied response headers (default: 30)
//   FAST_DISK_DIR - orchestration target directory
//   POLICY_FILE - YAML delivery policy
func WithEnv(prefix string) Option {
	return func(c *ServerConfig) error {
		if v, ok := lookupEnv(prefix, "PORT"); ok && v != "" {
			c.Port = v
		}

		if err := applyDatabaseEnv(prefix, c); err != nil {
			return err
		}
		if v, ok := lookupEnv(prefix, "DATABASE_SCHEMA"); ok && v != "" {
			c.DBSchema = v
		}

		if err := applyStorageEnv(prefix, "THUMBS_STORAGE_URL", ThumbsStorage, c); err != nil {
			return err
		}
		if err := applyStorageEnv(prefix, "STORAGE_URL", OriginStorage, c); err != nil {
			return err
		}

		return applyDeliveryEnv(prefix, c)
	}
}

// applyDatabaseEnv applies database configuration from environment
func applyDatabaseEnv(prefix string, c *ServerConfig) error {
	dbURL, hasURL := lookupEnv(prefix, "DATABASE_URL")

	if !hasURL || dbURL == "" || dbURL == "memory" {
		c.DatabaseType = "memory"
		c.DatabaseURL = ""
		return nil
	}

	if strings.HasPrefix(dbURL, "postgresql://") || strings.HasPrefix(dbURL, "postgres://") {
		c.DatabaseType = "postgres"
		c.DatabaseURL = dbURL
		return nil
	}

	return fmt.Errorf("unsupported DATABASE_URL format: %s (use 'memory' or 'postgresql://...')", dbURL)
}

// applyStorageEnv configures the named storage from a URL-style variable
func applyStorageEnv(prefix, key, name string, c *ServerConfig) error {
	storageURL, hasURL := lookupEnv(prefix, key)

	if !hasURL || storageURL == "" || storageURL == "memory" || storageURL == "memory://" {
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name: name,
			Type: "memory",
		})
		return nil
	}

	switch {
	case strings.HasPrefix(storageURL, "file://"):
		return applyFilesystemStorage(key, name, storageURL, c)
	case strings.HasPrefix(storageURL, "s3://"):
		return applyS3Storage(key, name, storageURL, c)
	}

	return fmt.Errorf("unsupported %s format: %s (use 'memory://', 'file://...', or 's3://...')", key, storageURL)
}

// applyFilesystemStorage configures filesystem storage from URL
// Format: file:///path/to/data
func applyFilesystemStorage(key, name, raw string, c *ServerConfig) error {
	path := strings.TrimPrefix(raw, "file://")
	if path == "" {
		return fmt.Errorf("filesystem path cannot be empty in %s", key)
	}

	c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
		Name:   name,
		Type:   "fs",
		Config: map[string]interface{}{"base_dir": path},
	})
	return nil
}

// applyS3Storage configures S3 storage from URL
// Format: s3://bucket?region=us-east-1&endpoint=http://localhost:9000
func applyS3Storage(key, name, raw string, c *ServerConfig) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Host == "" {
		return fmt.Errorf("S3 bucket name cannot be empty in %s", key)
	}

	query := u.Query()
	backend := StorageBackendConfig{
		Name: name,
		Type: "s3",
		Config: map[string]interface{}{
			"bucket": u.Host,
			"region": "us-east-1",
		},
	}
	if region := query.Get("region"); region != "" {
		backend.Config["region"] = region
	} else if region, ok := os.LookupEnv("AWS_REGION"); ok && region != "" {
		backend.Config["region"] = region
	}
	if endpoint := query.Get("endpoint"); endpoint != "" {
		backend.Config["endpoint"] = endpoint
	}
	if pathStyle := query.Get("path_style"); pathStyle != "" {
		backend.Config["use_path_style"] = pathStyle
	}
	if keyPrefix := strings.Trim(u.Path, "/"); keyPrefix != "" {
		backend.Config["prefix"] = keyPrefix
	} else if keyPrefix := query.Get("prefix"); keyPrefix != "" {
		backend.Config["prefix"] = keyPrefix
	}

	if accessKey, ok := os.LookupEnv("AWS_ACCESS_KEY_ID"); ok && accessKey != "" {
		backend.Config["access_key_id"] = accessKey
	}
	if secretKey, ok := os.LookupEnv("AWS_SECRET_ACCESS_KEY"); ok && secretKey != "" {
		backend.Config["secret_access_key"] = secretKey
	}

	c.StorageBackends = upsertStorageBackend(c.StorageBackends, backend)
	return nil
}

func applyDeliveryEnv(prefix string, c *ServerConfig) error {
	strs := map[string]*string{
		"IMAGE_SERVER":       &c.ImageServer,
		"IMAGE_SERVER_URL":   &c.ImageServerURL,
		"THUMBS_URL":         &c.ThumbsURL,
		"RESIZE_THUMBS_URL":  &c.ResizeThumbsURL,
		"SPECIAL_SERVER_URL": &c.SpecialServerURL,
		"FAST_DISK_DIR":      &c.FastDiskDir,
	}
	for key, field := range strs {
		if v, ok := lookupEnv(prefix, key); ok && v != "" {
			*field = v
		}
	}

	versions := map[string]*iiif.Version{
		"DEFAULT_IIIF_IMAGE_VERSION":        &c.DefaultImageVersion,
		"DEFAULT_IIIF_PRESENTATION_VERSION": &c.DefaultPresentationVersion,
	}
	for key, field := range versions {
		if v, ok := lookupEnv(prefix, key); ok && v != "" {
			parsed, err := iiif.ParseVersion(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", prefix, key, err)
			}
			*field = parsed
		}
	}

	if enabled, ok, err := parseBoolEnv(prefix, "ORCHESTRATE_ON_INFO_JSON"); err != nil {
		return err
	} else if ok {
		c.OrchestrateOnInfoJSON = enabled
	}
	if capacity, ok, err := parseIntEnv(prefix, "ORCHESTRATE_ON_INFO_JSON_MAX_CAPACITY"); err != nil {
		return err
	} else if ok {
		c.OrchestrateOnInfoJSONMaxCapacity = capacity
	}
	if seconds, ok, err := parseIntEnv(prefix, "PRESIGNED_URL_EXPIRY_SECONDS"); err != nil {
		return err
	} else if ok {
		c.PresignedURLExpiry = time.Duration(seconds) * time.Second
	}
	if seconds, ok, err := parseIntEnv(prefix, "UPSTREAM_TIMEOUT_SECONDS"); err != nil {
		return err
	} else if ok {
		c.UpstreamTimeout = time.Duration(seconds) * time.Second
	}

	if v, ok := lookupEnv(prefix, "OLDEST_ALLOWED_INFO_JSON"); ok && v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("invalid %sOLDEST_ALLOWED_INFO_JSON: %w", prefix, err)
		}
		c.OldestAllowedInfoJSON = t
	}

	if path, ok := lookupEnv(prefix, "POLICY_FILE"); ok && path != "" {
		policy, err := LoadPolicy(path)
		if err != nil {
			return err
		}
		c.PolicyFile = path
		c.Policy = policy
	}

	return nil
}

func lookupEnv(prefix, key string) (string, bool) {
	return os.LookupEnv(prefix + key)
}

func parseBoolEnv(prefix, key string) (bool, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return false, false, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false, fmt.Errorf("invalid boolean for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func parseIntEnv(prefix, key string) (int, bool, error) {
	raw, ok := lookupEnv(prefix, key)
	if !ok || raw == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("invalid integer for %s%s: %w", prefix, key, err)
	}
	return parsed, true, nil
}

func upsertStorageBackend(backends []StorageBackendConfig, backend StorageBackendConfig) []StorageBackendConfig {
	if backend.Config == nil {
		backend.Config = map[string]interface{}{}
	}
	for i := range backends {
		if backends[i].Name == backend.Name {
			backends[i] = backend
			return backends
		}
	}
	return append(backends, backend)
}
