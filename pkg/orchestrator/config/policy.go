package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tendant/iiif-orchestrator/pkg/orchestrator"
	"github.com/tendant/iiif-orchestrator/pkg/orchestrator/iiif"
)

// Policy is the delivery policy file: image server addressing, thumbnail
// upscale rules, cache lifetimes, cookie naming and CORS.
type Policy struct {
	ImageServers     map[string]ImageServerPolicy `yaml:"image_servers"`
	ThumbUpscale     []UpscalePolicy              `yaml:"thumbnail_upscale"`
	Cache            orchestrator.CachePolicy     `yaml:"cache"`
	CookieNameFormat string                       `yaml:"cookie_name_format"`
	CORSOrigins      []string                     `yaml:"cors_origins"`
	RateLimit        float64                      `yaml:"rate_limit"`
	RateBurst        int                          `yaml:"rate_burst"`
}

// ImageServerPolicy describes how one image server addresses assets
type ImageServerPolicy struct {
	Separator            string            `yaml:"separator"`
	PathTemplate         string            `yaml:"path_template"`
	VersionPathTemplates map[string]string `yaml:"version_path_templates"`
}

// UpscalePolicy allows thumbnails of matching asset ids to be enlarged
type UpscalePolicy struct {
	Name             string  `yaml:"name"`
	AssetIDRegex     string  `yaml:"asset_id_regex"`
	UpscaleThreshold float64 `yaml:"upscale_threshold"`
}

// DefaultPolicy knows cantaloupe and iipimage and uses the default cache lifetimes
func DefaultPolicy() *Policy {
	return &Policy{
		ImageServers: map[string]ImageServerPolicy{
			"cantaloupe": fromPaths(orchestrator.CantaloupePaths()),
			"iipimage":   fromPaths(orchestrator.IIPImagePaths()),
		},
		Cache:            orchestrator.DefaultCachePolicy(),
		CookieNameFormat: "dlcs-token-{customer}",
	}
}

func fromPaths(paths orchestrator.ImageServerPaths) ImageServerPolicy {
	versions := make(map[string]string, len(paths.VersionPathTemplates))
	for v, template := range paths.VersionPathTemplates {
		versions[v.String()] = template
	}
	return ImageServerPolicy{
		Separator:            paths.Separator,
		PathTemplate:         paths.PathTemplate,
		VersionPathTemplates: versions,
	}
}

// LoadPolicy reads a policy file. Values it omits keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy on top of DefaultPolicy
func ParsePolicy(data []byte) (*Policy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if _, err := policy.UpscaleRules(); err != nil {
		return nil, err
	}
	for name := range policy.ImageServers {
		if _, err := policy.ImageServerPaths(name); err != nil {
			return nil, err
		}
	}
	return policy, nil
}

// ImageServerPaths converts the named server's entry
func (p *Policy) ImageServerPaths(name string) (orchestrator.ImageServerPaths, error) {
	server, ok := p.ImageServers[name]
	if !ok {
		return orchestrator.ImageServerPaths{}, fmt.Errorf("unknown image server %q (known: %s)", name, strings.Join(p.serverNames(), ", "))
	}

	paths := orchestrator.ImageServerPaths{
		Separator:            server.Separator,
		PathTemplate:         server.PathTemplate,
		VersionPathTemplates: make(map[iiif.Version]string, len(server.VersionPathTemplates)),
	}
	for slug, template := range server.VersionPathTemplates {
		key := slug
		if !strings.HasPrefix(strings.ToLower(key), "v") {
			key = "v" + key
		}
		v, err := iiif.ParseVersion(key)
		if err != nil {
			return orchestrator.ImageServerPaths{}, fmt.Errorf("image server %s: %w", name, err)
		}
		paths.VersionPathTemplates[v] = template
	}
	if len(paths.VersionPathTemplates) == 0 {
		return orchestrator.ImageServerPaths{}, fmt.Errorf("image server %s has no version path templates", name)
	}
	return paths, nil
}

func (p *Policy) serverNames() []string {
	names := make([]string, 0, len(p.ImageServers))
	for name := range p.ImageServers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UpscaleRules compiles the thumbnail upscale rules
func (p *Policy) UpscaleRules() ([]orchestrator.UpscaleRule, error) {
	rules := make([]orchestrator.UpscaleRule, 0, len(p.ThumbUpscale))
	for _, rule := range p.ThumbUpscale {
		re, err := regexp.Compile(rule.AssetIDRegex)
		if err != nil {
			return nil, fmt.Errorf("invalid asset_id_regex for upscale rule %q: %w", rule.Name, err)
		}
		rules = append(rules, orchestrator.UpscaleRule{
			Name:      rule.Name,
			AssetID:   re,
			Threshold: rule.UpscaleThreshold,
		})
	}
	return rules, nil
}
