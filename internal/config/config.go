// Package config handles loading and validating gateway configuration.
//
// There are two layers. Config is the process configuration read once at
// startup (YAML file, .env, LLMGATE_ environment overrides). Store holds the
// provider endpoint settings, which admins can replace at runtime; see
// store.go.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/howard-nolan/llmgate/internal/routing"
)

// EnvPrefix is the prefix for environment overrides. Nested keys are
// separated by a double underscore:
//
//	LLMGATE_SERVER__PORT=3000         -> server.port
//	LLMGATE_TIMEOUTS__MODEL_LIST=5s   -> timeouts.model_list
const EnvPrefix = "LLMGATE_"

// delim is koanf's key path separator. per_url_configs is keyed by base URL,
// and URLs contain dots, so "." can't be used here.
const delim = "__"

// Config is the top-level configuration for the llmgate gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Timeouts  TimeoutConfig             `koanf:"timeouts"`
	Cache     CacheConfig               `koanf:"cache"`
	Providers map[string]ProviderConfig `koanf:"providers"`
	Vector    VectorConfig              `koanf:"vector"`

	// StatePath is where admin updates to provider settings are saved. When
	// the file exists at startup it takes precedence over Providers. Empty
	// disables persistence.
	StatePath string `koanf:"state_path"`

	// DataDir is where the gateway keeps files it writes itself. When set
	// and StatePath isn't, the state file goes to <data_dir>/providers.yaml.
	DataDir string `koanf:"data_dir"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// AdminToken guards the config and reset endpoints. Empty disables
	// them entirely.
	AdminToken string `koanf:"admin_token"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TimeoutConfig bounds outbound calls.
type TimeoutConfig struct {
	Request   time.Duration `koanf:"request"`
	ModelList time.Duration `koanf:"model_list"`
}

// CacheConfig configures the discovered-model cache.
type CacheConfig struct {
	TTL time.Duration `koanf:"ttl"`

	// RedisURL switches the cache from in-process memory to Redis, so
	// replicas share one model list.
	RedisURL string `koanf:"redis_url"`
}

// ProviderConfig is the endpoint settings of one provider. It's also the
// admin form: the same struct is read from the config file, accepted as JSON
// by the admin endpoint and saved to the state file as YAML.
type ProviderConfig struct {
	Enabled       bool                 `koanf:"enabled" json:"enabled" yaml:"enabled"`
	BaseURLs      []string             `koanf:"base_urls" json:"base_urls" yaml:"base_urls"`
	Keys          []string             `koanf:"keys" json:"keys" yaml:"keys"`
	PerURLConfigs map[string]URLConfig `koanf:"per_url_configs" json:"per_url_configs" yaml:"per_url_configs,omitempty"`

	// Models is a static model list, used instead of calling the vendor's
	// list endpoint.
	Models []string `koanf:"models" json:"models" yaml:"models,omitempty"`
}

// URLConfig is the per-endpoint part of ProviderConfig, keyed by base URL.
type URLConfig struct {
	// Enabled defaults to true when unset.
	Enabled    *bool    `koanf:"enabled" json:"enabled,omitempty" yaml:"enabled,omitempty"`
	ModelIDs   []string `koanf:"model_ids" json:"model_ids,omitempty" yaml:"model_ids,omitempty"`
	PrefixID   string   `koanf:"prefix_id" json:"prefix_id,omitempty" yaml:"prefix_id,omitempty"`
	FoldSystem bool     `koanf:"fold_system" json:"fold_system,omitempty" yaml:"fold_system,omitempty"`
}

// VectorConfig selects and configures the vector engine.
type VectorConfig struct {
	// Engine is one of memory, opensearch, pinecone, pgvector. Empty means
	// no vector store.
	Engine string `koanf:"engine"`

	// Prefix namespaces collection names inside the engine.
	Prefix string `koanf:"prefix"`

	OpenSearch OpenSearchConfig `koanf:"opensearch"`
	Pinecone   PineconeConfig   `koanf:"pinecone"`
	PGVector   PGVectorConfig   `koanf:"pgvector"`
}

// OpenSearchConfig holds OpenSearch connection settings.
type OpenSearchConfig struct {
	URI        string `koanf:"uri"`
	Username   string `koanf:"username"`
	Password   string `koanf:"password"`
	SSL        bool   `koanf:"ssl"`
	CertVerify bool   `koanf:"cert_verify"`
}

// PineconeConfig holds Pinecone settings. Cloud and Region apply to indexes
// the gateway creates.
type PineconeConfig struct {
	APIKey string `koanf:"api_key"`
	Cloud  string `koanf:"cloud"`
	Region string `koanf:"region"`
}

// PGVectorConfig holds the Postgres connection string.
type PGVectorConfig struct {
	DSN string `koanf:"dsn"`
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	// This is the equivalent of require('dotenv').config() in Node.
	_ = godotenv.Load()

	k := koanf.New(delim)

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// LLMGATE_SERVER__ADMIN_TOKEN -> server__admin_token, which with the
	// "__" delimiter is server.admin_token.
	if err := k.Load(env.Provider(EnvPrefix, delim, func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv resolves ${VAR_NAME} placeholders in secrets. koanf doesn't do
// this automatically, so we handle it ourselves.
func (c *Config) expandEnv() {
	c.Server.AdminToken = expand(c.Server.AdminToken)
	c.Vector.OpenSearch.Password = expand(c.Vector.OpenSearch.Password)
	c.Vector.Pinecone.APIKey = expand(c.Vector.Pinecone.APIKey)
	c.Vector.PGVector.DSN = expand(c.Vector.PGVector.DSN)
	c.Cache.RedisURL = expand(c.Cache.RedisURL)

	for name, p := range c.Providers {
		keys := make([]string, len(p.Keys))
		for i, key := range p.Keys {
			keys[i] = expand(key)
		}
		p.Keys = keys
		c.Providers[name] = p
	}
}

func expand(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Timeouts.Request == 0 {
		c.Timeouts.Request = 5 * time.Minute
	}
	if c.Timeouts.ModelList == 0 {
		c.Timeouts.ModelList = 10 * time.Second
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 3 * time.Second
	}
	if c.Vector.Prefix == "" {
		c.Vector.Prefix = "llmgate"
	}
	if c.StatePath == "" && c.DataDir != "" {
		c.StatePath = filepath.Join(c.DataDir, "providers.yaml")
	}
}

var vectorEngines = []string{"", "memory", "opensearch", "pinecone", "pgvector"}

func (c *Config) validate() error {
	if !slices.Contains(vectorEngines, c.Vector.Engine) {
		return fmt.Errorf("unknown vector engine %q", c.Vector.Engine)
	}
	return nil
}

// Endpoints expands the settings into routing endpoints, one per base URL,
// with keys reconciled to the URL count.
func (p ProviderConfig) Endpoints() []routing.Endpoint {
	keys := routing.Reconcile(p.BaseURLs, p.Keys)

	endpoints := make([]routing.Endpoint, len(p.BaseURLs))
	for i, u := range p.BaseURLs {
		ep := routing.Endpoint{URL: u, Key: keys[i], Enabled: true}
		if uc, ok := p.PerURLConfigs[u]; ok {
			if uc.Enabled != nil {
				ep.Enabled = *uc.Enabled
			}
			ep.AllowedModelIDs = slices.Clone(uc.ModelIDs)
			ep.IDPrefix = uc.PrefixID
			ep.FoldSystem = uc.FoldSystem
		}
		endpoints[i] = ep
	}
	return endpoints
}

// Clone returns a deep copy.
func (p ProviderConfig) Clone() ProviderConfig {
	out := p
	out.BaseURLs = slices.Clone(p.BaseURLs)
	out.Keys = slices.Clone(p.Keys)
	out.Models = slices.Clone(p.Models)
	if p.PerURLConfigs != nil {
		out.PerURLConfigs = make(map[string]URLConfig, len(p.PerURLConfigs))
		for u, uc := range p.PerURLConfigs {
			if uc.Enabled != nil {
				enabled := *uc.Enabled
				uc.Enabled = &enabled
			}
			uc.ModelIDs = slices.Clone(uc.ModelIDs)
			out.PerURLConfigs[u] = uc
		}
	}
	return out
}
