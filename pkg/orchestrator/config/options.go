package config

import (
	"fmt"
	"time"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// WithPort sets the server port
func WithPort(port string) Option {
	return func(c *ServerConfig) error {
		if port == "" {
			return fmt.Errorf("port cannot be empty")
		}
		c.Port = port
		return nil
	}
}

// WithDatabase configures the database backend
func WithDatabase(dbType, url string) Option {
	return func(c *ServerConfig) error {
		if dbType != "memory" && dbType != "postgres" {
			return fmt.Errorf("database type must be 'memory' or 'postgres', got: %s", dbType)
		}
		if dbType == "postgres" && url == "" {
			return fmt.Errorf("database URL is required for postgres")
		}
		c.DatabaseType = dbType
		c.DatabaseURL = url
		return nil
	}
}

// WithDatabaseSchema sets the database schema (for Postgres)
func WithDatabaseSchema(schema string) Option {
	return func(c *ServerConfig) error {
		c.DBSchema = schema
		return nil
	}
}

func checkStorageName(name string) error {
	if name != ThumbsStorage && name != OriginStorage {
		return fmt.Errorf("storage name must be %q or %q, got: %q", ThumbsStorage, OriginStorage, name)
	}
	return nil
}

// WithMemoryStorage uses a memory backend for the named storage (for testing)
func WithMemoryStorage(name string) Option {
	return func(c *ServerConfig) error {
		if err := checkStorageName(name); err != nil {
			return err
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name: name,
			Type: "memory",
		})
		return nil
	}
}

// WithFilesystemStorage uses a directory for the named storage
func WithFilesystemStorage(name, baseDir string) Option {
	return func(c *ServerConfig) error {
		if err := checkStorageName(name); err != nil {
			return err
		}
		if baseDir == "" {
			return fmt.Errorf("filesystem base directory cannot be empty")
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name:   name,
			Type:   "fs",
			Config: map[string]interface{}{"base_dir": baseDir},
		})
		return nil
	}
}

// WithS3Storage uses a bucket for the named storage
func WithS3Storage(name, bucket, region string) Option {
	return func(c *ServerConfig) error {
		if err := checkStorageName(name); err != nil {
			return err
		}
		if bucket == "" {
			return fmt.Errorf("S3 bucket cannot be empty")
		}
		if region == "" {
			region = "us-east-1"
		}
		c.StorageBackends = upsertStorageBackend(c.StorageBackends, StorageBackendConfig{
			Name: name,
			Type: "s3",
			Config: map[string]interface{}{
				"bucket": bucket,
				"region": region,
			},
		})
		return nil
	}
}

// WithS3Endpoint sets a custom S3 endpoint (for MinIO, LocalStack, etc.)
func WithS3Endpoint(name, endpoint string, usePathStyle bool) Option {
	return func(c *ServerConfig) error {
		for i := range c.StorageBackends {
			if c.StorageBackends[i].Name == name && c.StorageBackends[i].Type == "s3" {
				c.StorageBackends[i].Config["endpoint"] = endpoint
				c.StorageBackends[i].Config["use_path_style"] = usePathStyle
				return nil
			}
		}
		return fmt.Errorf("no S3 storage named %q", name)
	}
}

// WithImageServer selects the image server type and its base URL
func WithImageServer(server, url string) Option {
	return func(c *ServerConfig) error {
		if url == "" {
			return fmt.Errorf("image server URL cannot be empty")
		}
		if server != "" {
			c.ImageServer = server
		}
		c.ImageServerURL = url
		return nil
	}
}

// WithThumbsServer proxies thumbnails to url instead of serving them from the thumbs storage
func WithThumbsServer(url string) Option {
	return func(c *ServerConfig) error {
		c.ThumbsURL = url
		return nil
	}
}

// WithThumbResizing enables resizing of near-match thumbnails by the service at url
func WithThumbResizing(url string) Option {
	return func(c *ServerConfig) error {
		c.ResizeThumbsURL = url
		return nil
	}
}

// WithSpecialServer routes full-region max-size requests to url
func WithSpecialServer(url string) Option {
	return func(c *ServerConfig) error {
		c.SpecialServerURL = url
		return nil
	}
}

// WithDefaultImageVersion sets the canonical Image API version
func WithDefaultImageVersion(v iiif.Version) Option {
	return func(c *ServerConfig) error {
		if v != iiif.V2 && v != iiif.V3 {
			return fmt.Errorf("unsupported image version: %s", v)
		}
		c.DefaultImageVersion = v
		return nil
	}
}

// WithDefaultPresentationVersion sets the canonical Presentation API version
func WithDefaultPresentationVersion(v iiif.Version) Option {
	return func(c *ServerConfig) error {
		if v != iiif.V2 && v != iiif.V3 {
			return fmt.Errorf("unsupported presentation version: %s", v)
		}
		c.DefaultPresentationVersion = v
		return nil
	}
}

// WithOrchestrateOnInfoJSON controls orchestration triggered by info.json requests
func WithOrchestrateOnInfoJSON(enabled bool, maxCapacity int) Option {
	return func(c *ServerConfig) error {
		if enabled && maxCapacity <= 0 {
			return fmt.Errorf("max capacity must be positive, got: %d", maxCapacity)
		}
		c.OrchestrateOnInfoJSON = enabled
		if maxCapacity > 0 {
			c.OrchestrateOnInfoJSONMaxCapacity = maxCapacity
		}
		return nil
	}
}

// WithOldestAllowedInfoJSON discards stored info.json documents older than t
func WithOldestAllowedInfoJSON(t time.Time) Option {
	return func(c *ServerConfig) error {
		c.OldestAllowedInfoJSON = t
		return nil
	}
}

// WithPresignedURLExpiry sets the lifetime of presigned redirects
func WithPresignedURLExpiry(d time.Duration) Option {
	return func(c *ServerConfig) error {
		if d <= 0 {
			return fmt.Errorf("presigned URL expiry must be positive, got: %s", d)
		}
		c.PresignedURLExpiry = d
		return nil
	}
}

// WithFastDisk sets the directory originals are orchestrated into
func WithFastDisk(dir string) Option {
	return func(c *ServerConfig) error {
		if dir == "" {
			return fmt.Errorf("fast disk directory cannot be empty")
		}
		c.FastDiskDir = dir
		return nil
	}
}

// WithUpstreamTimeout bounds how long proxied requests wait for downstream response headers
func WithUpstreamTimeout(d time.Duration) Option {
	return func(c *ServerConfig) error {
		if d <= 0 {
			return fmt.Errorf("upstream timeout must be positive, got: %s", d)
		}
		c.UpstreamTimeout = d
		return nil
	}
}

// WithPolicy replaces the delivery policy
func WithPolicy(policy *Policy) Option {
	return func(c *ServerConfig) error {
		if policy == nil {
			return fmt.Errorf("policy cannot be nil")
		}
		c.Policy = policy
		return nil
	}
}

// WithPolicyFile loads the delivery policy from a YAML file
func WithPolicyFile(path string) Option {
	return func(c *ServerConfig) error {
		policy, err := LoadPolicy(path)
		if err != nil {
			return err
		}
		c.PolicyFile = path
		c.Policy = policy
		return nil
	}
}
