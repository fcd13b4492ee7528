// Package config aggregates CoreBrain's tunables into a single Config,
// loadable from environment variables (COREBRAIN_-prefixed, container/K8s
// friendly) or from a YAML file, with programmatic defaults as the
// fallback for anything unset.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Or from a file, falling back to defaults if it doesn't exist:
//
//	cfg, err := config.LoadConfigOrDefault("./corebrain.yaml")
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nervomem/corebrain/internal/embedding"
	"github.com/nervomem/corebrain/internal/learning/memrl"
	"github.com/nervomem/corebrain/internal/learning/sona"
	"github.com/nervomem/corebrain/internal/provenance"
	"github.com/nervomem/corebrain/internal/vector"
)

// Config holds every tunable subsystem configuration, organized the way
// the subsystems themselves are organized.
type Config struct {
	// Storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Vector is the HNSW index configuration (dimensions, M, ef_*).
	Vector VectorConfig `yaml:"vector"`

	// Provenance controls L-Score decay and propagation depth.
	Provenance provenance.Config `yaml:"provenance"`

	// Sona controls pattern-weight learning and EWC++ drift tracking.
	Sona sona.Config `yaml:"sona"`

	// MemRL controls entry-level Q-learning reranking.
	MemRL memrl.Config `yaml:"memrl"`

	// Embedding controls the embedding provider and reconciler.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Router controls the per-route circuit breaker.
	Router RouterConfig `yaml:"router"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig controls the persistent entry store.
type StorageConfig struct {
	// DataDir is the Badger data directory. Empty means an in-memory engine.
	DataDir string `yaml:"data_dir"`
	// ReadOnly opens the store without allowing writes.
	ReadOnly bool `yaml:"read_only"`
}

// VectorConfig mirrors vector.Config with yaml tags and a Dimensions field
// (the index's fixed vector width, separate from the tuning knobs that
// live on vector.Config itself).
type VectorConfig struct {
	Dimensions      int     `yaml:"dimensions"`
	M               int     `yaml:"m"`
	EfConstruction  int     `yaml:"ef_construction"`
	EfSearch        int     `yaml:"ef_search"`
	LevelMultiplier float64 `yaml:"level_multiplier"`
	Epsilon         float64 `yaml:"epsilon"`
}

// ToHNSWConfig converts to the vector package's own config type.
func (v VectorConfig) ToHNSWConfig() vector.Config {
	return vector.Config{
		M:               v.M,
		EfConstruction:  v.EfConstruction,
		EfSearch:        v.EfSearch,
		LevelMultiplier: v.LevelMultiplier,
		Epsilon:         v.Epsilon,
	}
}

// EmbeddingConfig bundles the embedding provider config and the
// reconciler tuning that retries pending entries.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"` // "ollama" or "openai"
	APIURL     string        `yaml:"api_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxChars   int           `yaml:"max_chars"`

	ScanInterval time.Duration `yaml:"scan_interval"`
	BatchDelay   time.Duration `yaml:"batch_delay"`
	MaxRetries   int           `yaml:"max_retries"`
	BatchSize    int           `yaml:"batch_size"`
}

// ToEmbedderConfig converts to the embedding package's provider config.
func (e EmbeddingConfig) ToEmbedderConfig() *embedding.Config {
	apiPath := embedding.DefaultOllamaConfig().APIPath
	if e.Provider == "openai" {
		apiPath = embedding.DefaultOpenAIConfig("").APIPath
	}
	return &embedding.Config{
		Provider:   e.Provider,
		APIURL:     e.APIURL,
		APIPath:    apiPath,
		APIKey:     e.APIKey,
		Model:      e.Model,
		Dimensions: e.Dimensions,
		Timeout:    e.Timeout,
	}
}

// ToReconcilerConfig converts to the embedding package's reconciler config.
func (e EmbeddingConfig) ToReconcilerConfig() embedding.ReconcilerConfig {
	rc := embedding.DefaultReconcilerConfig()
	rc.ScanInterval = e.ScanInterval
	rc.BatchDelay = e.BatchDelay
	rc.MaxRetries = e.MaxRetries
	rc.BatchSize = e.BatchSize
	return rc
}

// RouterConfig holds the per-route circuit breaker settings. These fields
// are loaded from YAML and the environment but are not passed to the
// router: router.New takes no configuration and uses its own fixed
// window, failure limit and cooldown.
type RouterConfig struct {
	FailureWindow  time.Duration `yaml:"failure_window"`
	MaxFailures    int           `yaml:"max_failures"`
	CooldownPeriod time.Duration `yaml:"cooldown_period"`
}

// LoggingConfig holds the log level and format. They are loaded and
// validated here; CoreBrain's loggers are standard-library log.Logger
// values that do not read them.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "error"
	Format string `yaml:"format"` // "text" or "json"
}

// DefaultConfig returns CoreBrain's out-of-the-box tuning, matching each
// subsystem's own DefaultConfig.
func DefaultConfig() *Config {
	sonaDefault := sona.DefaultConfig()
	memrlDefault := memrl.DefaultConfig()
	provDefault := provenance.DefaultConfig()
	hnswDefault := vector.DefaultConfig()
	reconcilerDefault := embedding.DefaultReconcilerConfig()

	return &Config{
		Storage: StorageConfig{
			DataDir:  "./data",
			ReadOnly: false,
		},
		Vector: VectorConfig{
			Dimensions:      768,
			M:               hnswDefault.M,
			EfConstruction:  hnswDefault.EfConstruction,
			EfSearch:        hnswDefault.EfSearch,
			LevelMultiplier: hnswDefault.LevelMultiplier,
			Epsilon:         hnswDefault.Epsilon,
		},
		Provenance: provDefault,
		Sona:       sonaDefault,
		MemRL:      memrlDefault,
		Embedding: EmbeddingConfig{
			Provider:     "ollama",
			APIURL:       embedding.DefaultOllamaConfig().APIURL,
			Model:        embedding.DefaultOllamaConfig().Model,
			Dimensions:   768,
			Timeout:      30 * time.Second,
			MaxChars:     embedding.MaxChars,
			ScanInterval: reconcilerDefault.ScanInterval,
			BatchDelay:   reconcilerDefault.BatchDelay,
			MaxRetries:   reconcilerDefault.MaxRetries,
			BatchSize:    reconcilerDefault.BatchSize,
		},
		Router: RouterConfig{
			FailureWindow:  60 * time.Second,
			MaxFailures:    5,
			CooldownPeriod: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv loads configuration from environment variables, falling
// back to DefaultConfig for anything unset.
//
// Environment Variables:
//
//	COREBRAIN_DATA_DIR                  - storage data directory
//	COREBRAIN_READ_ONLY                 - open store read-only
//	COREBRAIN_VECTOR_DIMENSIONS         - embedding/index dimensionality
//	COREBRAIN_VECTOR_M                  - HNSW max neighbours per node
//	COREBRAIN_VECTOR_EF_CONSTRUCTION    - HNSW construction candidate list size
//	COREBRAIN_VECTOR_EF_SEARCH          - HNSW search candidate list size
//	COREBRAIN_PROVENANCE_DECAY_BASE     - L-Score per-depth attenuation
//	COREBRAIN_PROVENANCE_MAX_DEPTH      - lineage/propagation depth bound
//	COREBRAIN_SONA_LEARNING_RATE        - η
//	COREBRAIN_SONA_EWC_LAMBDA           - λ
//	COREBRAIN_MEMRL_DELTA               - δ, similarity floor
//	COREBRAIN_MEMRL_LAMBDA              - λ, composite blend weight
//	COREBRAIN_MEMRL_ALPHA               - α, feedback learning rate
//	COREBRAIN_EMBEDDING_PROVIDER        - "ollama" or "openai"
//	COREBRAIN_EMBEDDING_API_URL         - provider API base URL
//	COREBRAIN_EMBEDDING_API_KEY         - provider API key (OpenAI)
//	COREBRAIN_EMBEDDING_MODEL           - model name
//	COREBRAIN_EMBEDDING_SCAN_INTERVAL   - reconciler sweep interval (seconds)
//	COREBRAIN_LOG_LEVEL                 - "debug", "info", "error"
//	COREBRAIN_LOG_FORMAT                - "text" or "json"
//
// For a complete list, see the Config struct field documentation.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	cfg.Storage.DataDir = getEnv("COREBRAIN_DATA_DIR", cfg.Storage.DataDir)
	cfg.Storage.ReadOnly = getEnvBool("COREBRAIN_READ_ONLY", cfg.Storage.ReadOnly)

	cfg.Vector.Dimensions = getEnvInt("COREBRAIN_VECTOR_DIMENSIONS", cfg.Vector.Dimensions)
	cfg.Vector.M = getEnvInt("COREBRAIN_VECTOR_M", cfg.Vector.M)
	cfg.Vector.EfConstruction = getEnvInt("COREBRAIN_VECTOR_EF_CONSTRUCTION", cfg.Vector.EfConstruction)
	cfg.Vector.EfSearch = getEnvInt("COREBRAIN_VECTOR_EF_SEARCH", cfg.Vector.EfSearch)
	cfg.Vector.Epsilon = getEnvFloat("COREBRAIN_VECTOR_EPSILON", cfg.Vector.Epsilon)

	cfg.Provenance.DecayBase = getEnvFloat("COREBRAIN_PROVENANCE_DECAY_BASE", cfg.Provenance.DecayBase)
	cfg.Provenance.MaxDepth = getEnvInt("COREBRAIN_PROVENANCE_MAX_DEPTH", cfg.Provenance.MaxDepth)

	cfg.Sona.LearningRate = getEnvFloat("COREBRAIN_SONA_LEARNING_RATE", cfg.Sona.LearningRate)
	cfg.Sona.EWCLambda = getEnvFloat("COREBRAIN_SONA_EWC_LAMBDA", cfg.Sona.EWCLambda)
	cfg.Sona.ImportanceDecay = getEnvFloat("COREBRAIN_SONA_IMPORTANCE_DECAY", cfg.Sona.ImportanceDecay)
	cfg.Sona.DriftAlert = getEnvFloat("COREBRAIN_SONA_DRIFT_ALERT", cfg.Sona.DriftAlert)
	cfg.Sona.DriftCritical = getEnvFloat("COREBRAIN_SONA_DRIFT_CRITICAL", cfg.Sona.DriftCritical)
	cfg.Sona.PruneThreshold = getEnvFloat("COREBRAIN_SONA_PRUNE_THRESHOLD", cfg.Sona.PruneThreshold)
	cfg.Sona.PruneMinUses = int64(getEnvInt("COREBRAIN_SONA_PRUNE_MIN_USES", int(cfg.Sona.PruneMinUses)))
	cfg.Sona.BoostThreshold = getEnvFloat("COREBRAIN_SONA_BOOST_THRESHOLD", cfg.Sona.BoostThreshold)
	cfg.Sona.BoostMultiplier = getEnvFloat("COREBRAIN_SONA_BOOST_MULTIPLIER", cfg.Sona.BoostMultiplier)

	cfg.MemRL.Delta = getEnvFloat("COREBRAIN_MEMRL_DELTA", cfg.MemRL.Delta)
	cfg.MemRL.Lambda = getEnvFloat("COREBRAIN_MEMRL_LAMBDA", cfg.MemRL.Lambda)
	cfg.MemRL.Alpha = getEnvFloat("COREBRAIN_MEMRL_ALPHA", cfg.MemRL.Alpha)
	cfg.MemRL.MinQ = getEnvFloat("COREBRAIN_MEMRL_MIN_Q", cfg.MemRL.MinQ)
	cfg.MemRL.MaxQ = getEnvFloat("COREBRAIN_MEMRL_MAX_Q", cfg.MemRL.MaxQ)

	cfg.Embedding.Provider = getEnv("COREBRAIN_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.APIURL = getEnv("COREBRAIN_EMBEDDING_API_URL", cfg.Embedding.APIURL)
	cfg.Embedding.APIKey = getEnv("COREBRAIN_EMBEDDING_API_KEY", cfg.Embedding.APIKey)
	cfg.Embedding.Model = getEnv("COREBRAIN_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimensions = getEnvInt("COREBRAIN_EMBEDDING_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.Timeout = getEnvDuration("COREBRAIN_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.MaxChars = getEnvInt("COREBRAIN_EMBEDDING_MAX_CHARS", cfg.Embedding.MaxChars)
	cfg.Embedding.ScanInterval = getEnvDuration("COREBRAIN_EMBEDDING_SCAN_INTERVAL", cfg.Embedding.ScanInterval)
	cfg.Embedding.BatchDelay = getEnvDuration("COREBRAIN_EMBEDDING_BATCH_DELAY", cfg.Embedding.BatchDelay)
	cfg.Embedding.MaxRetries = getEnvInt("COREBRAIN_EMBEDDING_MAX_RETRIES", cfg.Embedding.MaxRetries)
	cfg.Embedding.BatchSize = getEnvInt("COREBRAIN_EMBEDDING_BATCH_SIZE", cfg.Embedding.BatchSize)

	cfg.Router.FailureWindow = getEnvDuration("COREBRAIN_ROUTER_FAILURE_WINDOW", cfg.Router.FailureWindow)
	cfg.Router.MaxFailures = getEnvInt("COREBRAIN_ROUTER_MAX_FAILURES", cfg.Router.MaxFailures)
	cfg.Router.CooldownPeriod = getEnvDuration("COREBRAIN_ROUTER_COOLDOWN_PERIOD", cfg.Router.CooldownPeriod)

	cfg.Logging.Level = getEnv("COREBRAIN_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("COREBRAIN_LOG_FORMAT", cfg.Logging.Format)

	return cfg
}

// LoadConfig loads configuration from a YAML file, unmarshalled on top of
// DefaultConfig(), so fields the file leaves unset keep their defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfigOrDefault loads config from a YAML file, or returns
// DefaultConfig if the file doesn't exist.
func LoadConfigOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	return LoadConfig(path)
}

// Validate checks that the configuration is internally consistent,
// rejecting values that would make a subsystem misbehave rather than
// simply produce worse results.
func (c *Config) Validate() error {
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("config: vector.dimensions must be positive, got %d", c.Vector.Dimensions)
	}
	if c.Vector.M <= 0 {
		return fmt.Errorf("config: vector.m must be positive, got %d", c.Vector.M)
	}
	if c.Provenance.DecayBase <= 0 || c.Provenance.DecayBase >= 1 {
		return fmt.Errorf("config: provenance.decay_base must be in (0, 1), got %f", c.Provenance.DecayBase)
	}
	if c.MemRL.MinQ > c.MemRL.MaxQ {
		return fmt.Errorf("config: memrl.min_q (%f) must not exceed memrl.max_q (%f)", c.MemRL.MinQ, c.MemRL.MaxQ)
	}
	if c.MemRL.Lambda < 0 || c.MemRL.Lambda > 1 {
		return fmt.Errorf("config: memrl.lambda must be in [0, 1], got %f", c.MemRL.Lambda)
	}
	if c.Embedding.Provider != "ollama" && c.Embedding.Provider != "openai" {
		return fmt.Errorf("config: embedding.provider must be \"ollama\" or \"openai\", got %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.Embedding.APIKey == "" {
		return fmt.Errorf("config: embedding.api_key is required for the openai provider")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultVal
}
