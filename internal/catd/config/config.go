package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-catd/internal/catd/domain"
)

// ConfigFileEnv names the environment variable holding an optional YAML
// config file path. The file is applied between defaults and environment.
const ConfigFileEnv = "CATD_CONFIG_FILE"

// AppConfig holds the service configuration.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	Log   LogConfig   `koanf:"log"`
	HTTP  HTTPConfig  `koanf:"http"`
	Store StoreConfig `koanf:"store"`
	Redis RedisConfig `koanf:"redis"`
	Cache CacheConfig `koanf:"cache"`
	Lists ListsConfig `koanf:"lists"`

	// Overrides is the static reverse-resolution table consulted before redis,
	// e.g. search engine VIPs mapped to their safe-search hostnames.
	Overrides []Override `koanf:"overrides" validate:"dive"`

	// CategoryAliases maps historical list names to canonical categories.
	CategoryAliases []CategoryAlias `koanf:"category_aliases" validate:"dive"`
}

type LogConfig struct {
	// Level controls log verbosity: "debug", "info", "warn", or "error".
	Level string `koanf:"level" validate:"required,oneof=debug info warn error"`
}

type HTTPConfig struct {
	Port            int           `koanf:"port" validate:"required,gte=1,lt=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type StoreConfig struct {
	Driver string `koanf:"driver" validate:"required,oneof=postgres sqlite"`
	DSN    string `koanf:"dsn" validate:"required"`
	// BatchSize is the number of rows per bulk insert transaction.
	BatchSize int `koanf:"batch_size" validate:"gte=1"`
	// InitAttempts caps connection attempts during startup; 0 retries until cancelled.
	InitAttempts   int           `koanf:"init_attempts" validate:"gte=0"`
	InitBackoff    time.Duration `koanf:"init_backoff" validate:"gt=0"`
	InitMaxBackoff time.Duration `koanf:"init_max_backoff" validate:"gtefield=InitBackoff"`
	// Prefilter enables the in-memory Bloom prefilter in front of the store.
	Prefilter         bool    `koanf:"prefilter"`
	PrefilterCapacity uint    `koanf:"prefilter_capacity" validate:"gte=1"`
	PrefilterFP       float64 `koanf:"prefilter_fp" validate:"gt=0,lt=1"`
}

type RedisConfig struct {
	URL         string        `koanf:"url" validate:"required,redis_url"`
	DialTimeout time.Duration `koanf:"dial_timeout" validate:"gt=0"`
	// LogThrottle is the minimum interval between repeated connectivity errors.
	LogThrottle time.Duration `koanf:"log_throttle" validate:"gte=0"`
	// MaxHops bounds reverse-resolution chains.
	MaxHops int `koanf:"max_hops" validate:"gte=1"`
}

type CacheConfig struct {
	TTL     time.Duration `koanf:"ttl" validate:"gt=0"`
	MaxKeys int           `koanf:"max_keys" validate:"gte=1"`
}

type ListsConfig struct {
	ScratchDir           string        `koanf:"scratch_dir" validate:"required"`
	ArtifactDir          string        `koanf:"artifact_dir" validate:"required"`
	MetaDB               string        `koanf:"meta_db" validate:"required"`
	DownloadTimeout      time.Duration `koanf:"download_timeout" validate:"gt=0"`
	MaxParallelDownloads int           `koanf:"max_parallel_downloads" validate:"gte=1"`
	// MaxExtractBytes and MaxExtractEntries bound each installed archive;
	// 0 disables the bound.
	MaxExtractBytes   int64 `koanf:"max_extract_bytes" validate:"gte=0"`
	MaxExtractEntries int   `koanf:"max_extract_entries" validate:"gte=0"`
}

// Override is one static reverse-resolution mapping.
type Override struct {
	Key    string `koanf:"key" validate:"required"`
	Target string `koanf:"target" validate:"required"`
}

// CategoryAlias maps a legacy list name to its canonical category.
type CategoryAlias struct {
	From string `koanf:"from" validate:"required"`
	To   string `koanf:"to" validate:"required,category_name"`
}

// DEFAULT_APP_CONFIG defines the default application configuration.
var DEFAULT_APP_CONFIG = AppConfig{
	Env: "prod",
	Log: LogConfig{Level: "info"},
	HTTP: HTTPConfig{
		Port:            3000,
		ShutdownTimeout: 10 * time.Second,
	},
	Store: StoreConfig{
		Driver:            "sqlite",
		DSN:               "/var/lib/rr-catd/categories.db",
		BatchSize:         8192,
		InitAttempts:      0,
		InitBackoff:       time.Second,
		InitMaxBackoff:    30 * time.Second,
		Prefilter:         true,
		PrefilterCapacity: 4_000_000,
		PrefilterFP:       0.01,
	},
	Redis: RedisConfig{
		URL:         "redis://localhost:6379/0",
		DialTimeout: 2 * time.Second,
		LogThrottle: 3 * time.Second,
		MaxHops:     16,
	},
	Cache: CacheConfig{
		TTL:     90 * time.Second,
		MaxKeys: 100_000,
	},
	Lists: ListsConfig{
		ScratchDir:           "/var/lib/rr-catd/scratch",
		ArtifactDir:          "/var/lib/rr-catd/artifacts",
		MetaDB:               "/var/lib/rr-catd/meta.db",
		DownloadTimeout:      10 * time.Minute,
		MaxParallelDownloads: 2,
		MaxExtractBytes:      4 << 30,
		MaxExtractEntries:    100_000,
	},
	CategoryAliases: []CategoryAlias{
		{From: "adv", To: "ads"},
		{From: "tracker", To: "tracking"},
		{From: "spyware", To: "malware"},
	},
}

// Aliases returns the alias table as a lookup map.
func (c *AppConfig) Aliases() domain.CategoryAliases {
	m := make(domain.CategoryAliases, len(c.CategoryAliases))
	for _, a := range c.CategoryAliases {
		m[a.From] = a.To
	}
	return m
}

// OverrideTable returns the static reverse-resolution table as a map.
func (c *AppConfig) OverrideTable() map[string]string {
	m := make(map[string]string, len(c.Overrides))
	for _, o := range c.Overrides {
		m[o.Key] = o.Target
	}
	return m
}

// validCategoryName validates alias targets against the category rules.
func validCategoryName(fl validator.FieldLevel) bool {
	return domain.ValidateCategory(fl.Field().String()) == nil
}

// validRedisURL accepts redis:// and rediss:// URLs.
func validRedisURL(fl validator.FieldLevel) bool {
	u := fl.Field().String()
	return strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://") || strings.HasPrefix(u, "unix://")
}

// envLoader loads environment variables with the prefix "CATD_". Keys are
// lowercased and "__" separates nested sections, so CATD_STORE__DSN sets
// store.dsn.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix: "CATD_",
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, "CATD_"))
			if key == "config_file" {
				return "", nil
			}
			key = strings.ReplaceAll(key, "__", ".")
			return key, strings.TrimSpace(value)
		},
	}), nil)
}

// defaultLoader loads DEFAULT_APP_CONFIG through the structs provider.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader loads the YAML file named by CATD_CONFIG_FILE, if any.
var fileLoader = func(k *koanf.Koanf) error {
	path := strings.TrimSpace(os.Getenv(ConfigFileEnv))
	if path == "" {
		return nil
	}
	return k.Load(file.Provider(path), yaml.Parser())
}

// registerValidation registers the custom validation tags.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("category_name", validCategoryName); err != nil {
		return err
	}
	return v.RegisterValidation("redis_url", validRedisURL)
}

// Load applies defaults, the optional config file and the environment, in
// that order, and validates the result.
func Load() (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := fileLoader(k); err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
